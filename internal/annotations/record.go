// Package annotations holds the authoritative per-row annotation state: the
// in-memory set, its synchronous local persistence, the backup decision
// policy and the first-unannotated-row resolver.
package annotations

// Answer values carried in Record.Answer and mirrored in Record.Status.
// "complete" is the single canonical completion tag; the legacy "completed"
// spelling is normalized on load.
const (
	StatusUnset     = ""
	StatusRecorded  = "recorded"
	StatusComplete  = "complete"
	StatusForfeited = "forfeited"
)

// Metadata carries write-time bookkeeping for a Record. Timestamps are Unix
// milliseconds, matching the persisted wire format.
type Metadata struct {
	Timestamp     int64  `json:"timestamp"`
	ConfirmedAt   int64  `json:"confirmedAt,omitempty"`
	Filename      string `json:"filename,omitempty"`
	ForfeitReason string `json:"forfeitReason,omitempty"`
}

// Record is the structured annotation a worker produced for one row of one
// task. Owned exclusively by the Store; task components never mutate one in
// place, they build a new Record and pass it to Update.
type Record struct {
	Status            string   `json:"status,omitempty"`
	Answer            string   `json:"answer,omitempty"`
	Selected          string   `json:"selected,omitempty"`
	Recording         string   `json:"recording,omitempty"`
	OriginalRecording string   `json:"originalRecording,omitempty"`
	ReRecordingCount  int      `json:"reRecordingCount,omitempty"`
	AudioLength       float64  `json:"audioLength,omitempty"`
	BuzzTime          int64    `json:"buzzTime,omitempty"`
	BuzzLatency       int64    `json:"buzzLatency,omitempty"`
	HasReportedIssue  bool     `json:"hasReportedIssue,omitempty"`
	Metadata          Metadata `json:"metadata"`
}

// IsZero reports whether the record has never been written.
func (r Record) IsZero() bool {
	return r == Record{}
}

// TaskMap maps row index to the row's annotation for one task. JSON object
// keys are serialized as strings.
type TaskMap map[int]Record

// Set maps task identifier to its TaskMap. The Set is the unit persisted
// locally as a whole on every change; individual TaskMaps are the unit
// synced to the remote store.
type Set map[string]TaskMap

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for taskID, rows := range s {
		m := make(TaskMap, len(rows))
		for row, rec := range rows {
			m[row] = rec
		}
		out[taskID] = m
	}
	return out
}
