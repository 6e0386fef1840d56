// Package session implements the per-row lifecycle of a timed annotation
// item: play, buzz, record, confirm, with forfeiture as an absorbing state.
// Each transition computes the next state plus the annotation delta to
// persist, so no two flags can ever disagree about the current phase.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/otel"
)

// State is the current phase of a timed row session.
type State string

const (
	StateIdle              State = "idle"
	StatePlaying           State = "playing"
	StateBuzzed            State = "buzzed"
	StateRecording         State = "recording"
	StateRecordingComplete State = "recording_complete"
	StateConfirmed         State = "confirmed"
	StateForfeited         State = "forfeited"
)

// Mode controls whether transitions are accepted at all.
type Mode int

const (
	// ModeWorker is the normal annotating mode.
	ModeWorker Mode = iota
	// ModeObserver renders existing annotations read-only. Every transition
	// is rejected structurally; an impersonating admin can observe but never
	// mutate another worker's rows.
	ModeObserver
)

var (
	// ErrObserver is returned for any transition attempted in observer mode.
	ErrObserver = errors.New("session: read-only observer mode")
	// ErrInvalidTransition is returned when an operation is not legal from
	// the current state.
	ErrInvalidTransition = errors.New("session: invalid transition")
)

// TaskSyncer pushes one task's annotations to the remote store.
type TaskSyncer interface {
	SyncTask(ctx context.Context, taskID string) error
}

// RecordingCapability captures audio after a buzz and reports the uploaded
// recording URL through the done callback. Implementations run the capture
// asynchronously; done is called exactly once.
type RecordingCapability interface {
	Start(ctx context.Context, taskID string, row int, done func(url string, err error)) error
}

// Config holds the collaborators and identity of one row session.
type Config struct {
	TaskID   string
	Row      int
	Filename string
	Mode     Mode

	Store    *annotations.Store
	Syncer   TaskSyncer
	Recorder RecordingCapability
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

// Session is the ephemeral state machine for one (task, row) pair. Terminal
// values are folded into the row's annotation record; the session itself is
// discarded on navigation.
type Session struct {
	mu sync.Mutex

	taskID   string
	row      int
	filename string
	mode     Mode

	store    *annotations.Store
	syncer   TaskSyncer
	recorder RecordingCapability
	events   *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	now      func() time.Time

	state             State
	questionStart     time.Time
	buzzed            bool
	buzzTime          time.Time
	buzzLatency       int64
	audioLength       float64
	reRecordingCount  int
	originalRecording string
	hasReportedIssue  bool
	fromForfeit       bool
}

// New creates a session for one row, resuming the phase implied by any
// existing annotation: a forfeited row starts Forfeited, a confirmed row
// Confirmed, a recorded row RecordingComplete.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		taskID:   cfg.TaskID,
		row:      cfg.Row,
		filename: cfg.Filename,
		mode:     cfg.Mode,
		store:    cfg.Store,
		syncer:   cfg.Syncer,
		recorder: cfg.Recorder,
		events:   cfg.Bus,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
		state:    StateIdle,
	}

	existing := cfg.Store.Get(cfg.TaskID, cfg.Row)
	switch {
	case existing.Answer == annotations.StatusForfeited:
		s.state = StateForfeited
		s.buzzLatency = existing.BuzzLatency
	case existing.Status == annotations.StatusComplete:
		s.state = StateConfirmed
	case existing.Status == annotations.StatusRecorded:
		s.state = StateRecordingComplete
	}
	s.reRecordingCount = existing.ReRecordingCount
	s.originalRecording = existing.OriginalRecording
	s.hasReportedIssue = existing.HasReportedIssue
	return s
}

// SetClock overrides the timestamp source. Tests only.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the time since playback started, for display polling.
// Zero when playback has not started or the buzz already stopped the timer.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePlaying || s.questionStart.IsZero() {
		return 0
	}
	return s.now().Sub(s.questionStart)
}

// StartPlayback begins the timed window: records the question start time and
// enters Playing. audioLength is the source clip length in seconds, folded
// into the eventual annotation.
func (s *Session) StartPlayback(audioLength float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeObserver {
		return ErrObserver
	}
	if s.state != StateIdle {
		return fmt.Errorf("%w: start playback from %s", ErrInvalidTransition, s.state)
	}
	s.questionStart = s.now()
	s.audioLength = audioLength
	s.state = StatePlaying
	return nil
}

// Buzz signals readiness to answer. Legal only while Playing with the timer
// running; buzzing twice, or buzzing a forfeited row, is rejected without a
// state change. On success the recording capability auto-starts.
func (s *Session) Buzz(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == ModeObserver {
		s.mu.Unlock()
		return ErrObserver
	}
	if s.state != StatePlaying || s.questionStart.IsZero() || s.buzzed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: buzz from %s", ErrInvalidTransition, state)
	}
	s.buzzed = true
	s.buzzTime = s.now()
	s.buzzLatency = s.buzzTime.Sub(s.questionStart).Milliseconds()
	s.state = StateBuzzed
	rec := s.recorder
	s.mu.Unlock()

	s.logger.Info("buzz", "task", s.taskID, "row", s.row, "latency_ms", s.buzzLatency)
	if rec != nil {
		s.startCapture(ctx, rec)
	}
	return nil
}

// BeginRecording marks capture as running. Buzzed rows move here when the
// capture source opens; callers that skip the signal may report completion
// straight from Buzzed.
func (s *Session) BeginRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeObserver {
		return ErrObserver
	}
	if s.state != StateBuzzed {
		return fmt.Errorf("%w: begin recording from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateRecording
	return nil
}

// RecordingComplete folds the uploaded recording URL and the session's timing
// values into the row's annotation in a single store update, then requests a
// sync. A re-record after an issue report on a forfeited row keeps the answer
// forfeited.
func (s *Session) RecordingComplete(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.mode == ModeObserver {
		s.mu.Unlock()
		return ErrObserver
	}
	switch s.state {
	case StateBuzzed, StateRecording:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: recording complete from %s", ErrInvalidTransition, state)
	}

	rec := s.store.Get(s.taskID, s.row)
	if s.fromForfeit {
		rec.Answer = annotations.StatusForfeited
		rec.Status = annotations.StatusForfeited
	} else {
		rec.Answer = annotations.StatusRecorded
		rec.Status = annotations.StatusRecorded
		rec.BuzzTime = s.buzzTime.UnixMilli()
		rec.BuzzLatency = s.buzzLatency
	}
	rec.Recording = url
	rec.OriginalRecording = s.originalRecording
	rec.ReRecordingCount = s.reRecordingCount
	rec.AudioLength = s.audioLength
	rec.HasReportedIssue = s.hasReportedIssue
	rec.Metadata.Filename = s.filename
	rec.Metadata.Timestamp = 0

	if s.fromForfeit {
		s.state = StateForfeited
	} else {
		s.state = StateRecordingComplete
	}
	s.mu.Unlock()

	if err := s.store.Update(ctx, s.taskID, s.row, rec); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordingUploads.Add(ctx, 1)
	}
	s.requestSync(ctx)
	return nil
}

// Confirm marks the recorded row complete and awaits the remote sync, so a
// recorded-but-unconfirmed row stays distinguishable from a finished one.
func (s *Session) Confirm(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == ModeObserver {
		s.mu.Unlock()
		return ErrObserver
	}
	if s.state != StateRecordingComplete {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, state)
	}
	confirmedAt := s.now().UnixMilli()
	s.state = StateConfirmed
	s.mu.Unlock()

	rec := s.store.Get(s.taskID, s.row)
	rec.Answer = annotations.StatusComplete
	rec.Status = annotations.StatusComplete
	rec.Metadata.ConfirmedAt = confirmedAt
	rec.Metadata.Timestamp = 0
	if err := s.store.Update(ctx, s.taskID, s.row, rec); err != nil {
		return err
	}

	if s.events != nil {
		s.events.Publish(bus.TopicSessionConfirmed, bus.AnnotationUpdatedEvent{
			Identity: s.store.Identity(), TaskID: s.taskID, Row: s.row, Status: annotations.StatusComplete,
		})
	}
	// The sync is awaited so navigation sees a settled push, but a failure
	// stays non-fatal: the durable local write already happened and the
	// engine surfaces the failure as a notification. A retry here would
	// find the row already confirmed.
	if s.syncer != nil {
		if err := s.syncer.SyncTask(ctx, s.taskID); err != nil {
			s.logger.Error("confirm sync failed", "task", s.taskID, "row", s.row, "error", err)
		}
	}
	return nil
}

// ReportIssue discards the current recording and re-enters Recording. The
// first report preserves the existing recording as originalRecording; later
// re-records never overwrite it. Allowed from a completed recording or from
// a forfeited row, which may then record without a buzz while its answer
// stays forfeited.
func (s *Session) ReportIssue(ctx context.Context) error {
	s.mu.Lock()
	if s.mode == ModeObserver {
		s.mu.Unlock()
		return ErrObserver
	}
	switch s.state {
	case StateRecordingComplete, StateForfeited:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: report issue from %s", ErrInvalidTransition, state)
	}

	prev := s.store.Get(s.taskID, s.row)
	if s.originalRecording == "" && prev.Recording != "" {
		s.originalRecording = prev.Recording
	}
	s.reRecordingCount++
	s.hasReportedIssue = true
	s.fromForfeit = s.state == StateForfeited
	s.state = StateRecording
	rec := s.recorder
	s.mu.Unlock()

	s.logger.Info("issue reported", "task", s.taskID, "row", s.row, "re_recordings", s.reRecordingCount)
	if rec != nil {
		s.startCapture(ctx, rec)
	}
	return nil
}

// Abandon is the single forfeiture entry point for every host lifecycle
// signal (hide, unload, teardown, navigation). The guard makes it idempotent:
// a row forfeits only when a question started and no buzz happened, and the
// first write clears the guard so racing triggers cannot double-write.
func (s *Session) Abandon(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.mode == ModeObserver {
		s.mu.Unlock()
		return nil
	}
	if s.questionStart.IsZero() || s.buzzed || s.state == StateForfeited {
		s.mu.Unlock()
		return nil
	}
	s.questionStart = time.Time{}
	s.buzzLatency = -1
	s.state = StateForfeited
	s.mu.Unlock()

	rec := s.store.Get(s.taskID, s.row)
	rec.Answer = annotations.StatusForfeited
	rec.Status = annotations.StatusForfeited
	rec.Recording = ""
	rec.BuzzLatency = -1
	rec.Metadata.Filename = s.filename
	rec.Metadata.ForfeitReason = reason
	rec.Metadata.Timestamp = 0
	if err := s.store.Update(ctx, s.taskID, s.row, rec); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Forfeits.Add(ctx, 1)
	}
	if s.events != nil {
		s.events.Publish(bus.TopicSessionForfeited, bus.AnnotationUpdatedEvent{
			Identity: s.store.Identity(), TaskID: s.taskID, Row: s.row, Status: annotations.StatusForfeited,
		})
	}
	s.logger.Info("row forfeited", "task", s.taskID, "row", s.row, "reason", reason)
	s.requestSync(ctx)
	return nil
}

func (s *Session) startCapture(ctx context.Context, rec RecordingCapability) {
	err := rec.Start(ctx, s.taskID, s.row, func(url string, err error) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Debug("capture superseded", "task", s.taskID, "row", s.row)
				return
			}
			s.logger.Error("capture failed", "task", s.taskID, "row", s.row, "error", err)
			return
		}
		if err := s.RecordingComplete(context.Background(), url); err != nil {
			s.logger.Error("fold recording failed", "task", s.taskID, "row", s.row, "error", err)
		}
	})
	if err != nil {
		// No capture source means the front-end records and pushes the
		// finished take; the session stays buzzed until it arrives.
		s.logger.Debug("capture unavailable, awaiting uploaded recording", "task", s.taskID, "row", s.row, "reason", err)
	}
}

func (s *Session) requestSync(ctx context.Context) {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.SyncTask(ctx, s.taskID); err != nil {
		s.logger.Error("sync request failed", "task", s.taskID, "error", err)
	}
}
