package recorder

import "encoding/binary"

// EncodeWAV serializes mono float32 PCM chunks as a 16-bit little-endian
// PCM WAV file with the standard 44-byte header. Samples are clamped to
// [-1, 1] before quantization.
func EncodeWAV(chunks [][]float32, sampleRate int) []byte {
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}

	const (
		numChannels = 1
		bitDepth    = 16
		headerSize  = 44
	)
	dataSize := total * bitDepth / 8
	byteRate := sampleRate * numChannels * bitDepth / 8
	blockAlign := numChannels * bitDepth / 8

	out := make([]byte, headerSize+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], numChannels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], bitDepth)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))

	i := headerSize
	for _, chunk := range chunks {
		for _, sample := range chunk {
			if sample > 1 {
				sample = 1
			} else if sample < -1 {
				sample = -1
			}
			binary.LittleEndian.PutUint16(out[i:i+2], uint16(int16(sample*0x7FFF)))
			i += 2
		}
	}
	return out
}
