// Package recorder turns captured PCM audio into WAV objects in the remote
// store. Capture sources are pluggable; the daemon itself ships the encoding,
// the silence gate and the upload path.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/earmark/internal/otel"
	"github.com/basket/earmark/internal/remote"
)

var (
	// ErrNoAudio is returned when a capture produced only silence.
	ErrNoAudio = errors.New("recorder: no audio detected in recording")
	// ErrNoSource is returned by Start when no capture source is
	// configured. The front-end then records on its own and pushes the
	// finished take through the upload path.
	ErrNoSource = errors.New("recorder: no capture source configured")
)

// silenceThreshold is the absolute sample amplitude above which a chunk
// counts as containing audio.
const silenceThreshold = 0.01

// Source yields successive chunks of mono float32 PCM samples in [-1, 1].
// Next returns io.EOF when the capture ends.
type Source interface {
	Next() ([]float32, error)
}

// SourceFactory opens a capture source and reports its sample rate.
type SourceFactory func(ctx context.Context) (Source, int, error)

// Recorder captures, encodes and uploads recordings.
type Recorder struct {
	remote  remote.Store
	open    SourceFactory
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
}

func New(rem remote.Store, open SourceFactory, logger *slog.Logger, metrics *otel.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		remote:  rem,
		open:    open,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Upload stores an already-encoded recording under
// recordings/{taskID}/{filename} and returns its URL. Used when the
// front-end does its own capture and hands the daemon the finished bytes.
func (r *Recorder) Upload(ctx context.Context, taskID, filename string, data []byte) (string, error) {
	url, err := r.remote.Put(ctx, fmt.Sprintf("recordings/%s/%s", taskID, filename), data)
	if err != nil {
		return "", fmt.Errorf("upload recording: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordingUploads.Add(ctx, 1)
	}
	r.logger.Info("recording uploaded", "task", taskID, "filename", filename, "bytes", len(data))
	return url, nil
}

// Capture drains the source, rejects all-silent takes, encodes the samples
// as WAV and uploads the result. The object name carries the capture
// timestamp so retakes never collide.
func (r *Recorder) Capture(ctx context.Context, taskID string, src Source, sampleRate int) (string, error) {
	var chunks [][]float32
	hasAudio := false
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read capture source: %w", err)
		}
		if !hasAudio {
			for _, sample := range chunk {
				if sample > silenceThreshold || sample < -silenceThreshold {
					hasAudio = true
					break
				}
			}
		}
		chunks = append(chunks, chunk)
	}
	if !hasAudio {
		return "", ErrNoAudio
	}

	r.mu.Lock()
	stamp := r.now().UnixMilli()
	r.mu.Unlock()

	filename := fmt.Sprintf("recording_%d.wav", stamp)
	return r.Upload(ctx, taskID, filename, EncodeWAV(chunks, sampleRate))
}

// Start implements the recording capability used by row sessions: it opens
// the configured source, captures asynchronously and reports the uploaded
// URL through done. done is called exactly once per Start. The capture
// device is owned exclusively, so a capture already in flight is stopped
// and released before the new stream opens; the superseded capture reports
// context.Canceled through its own done.
func (r *Recorder) Start(ctx context.Context, taskID string, row int, done func(url string, err error)) error {
	if r.open == nil {
		return ErrNoSource
	}

	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	finished := make(chan struct{})

	r.mu.Lock()
	prevCancel, prevFinished := r.cancel, r.finished
	r.cancel, r.finished = cancel, finished
	r.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevFinished
	}

	go func() {
		defer func() {
			r.mu.Lock()
			if r.finished == finished {
				r.cancel, r.finished = nil, nil
			}
			r.mu.Unlock()
			close(finished)
		}()

		src, sampleRate, err := r.open(captureCtx)
		if err != nil {
			done("", fmt.Errorf("open capture source: %w", err))
			return
		}
		url, err := r.Capture(captureCtx, taskID, src, sampleRate)
		done(url, err)
	}()
	return nil
}
