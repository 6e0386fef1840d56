// Package syncer mirrors locally persisted annotation sets to the remote
// object store and takes periodic backup snapshots.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/otel"
	"github.com/basket/earmark/internal/persistence"
	"github.com/basket/earmark/internal/remote"
	"github.com/basket/earmark/internal/shared"
)

// ErrRemoteDisabled is returned when a remote write is requested while
// writes are suppressed. While an admin impersonates another worker the
// store holds that worker's set, so any push would land under the target's
// identity.
var ErrRemoteDisabled = errors.New("syncer: remote writes disabled while impersonating")

// Options holds the dependencies for the sync engine.
type Options struct {
	Annotations *annotations.Store
	Remote      remote.Store
	DB          *persistence.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer

	// Disabled reports whether remote writes are currently suppressed.
	// While an admin impersonates another worker every sync is a no-op so
	// browsing can never clobber that worker's remote data.
	Disabled func() bool

	// RowCount returns the dataset size for a task, used by the backup
	// threshold. Unknown tasks return 0.
	RowCount func(taskID string) int
}

// Engine pushes one task's annotation map to the remote store per sync.
// Concurrent syncs of the same task collapse: while one is in flight,
// further requests for that task are dropped, not queued. The local durable
// write has already happened by the time a sync runs, so a dropped sync
// loses nothing that the next one won't carry.
type Engine struct {
	store    *annotations.Store
	remote   remote.Store
	db       *persistence.Store
	events   *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	disabled func() bool
	rowCount func(taskID string) int

	mu       sync.Mutex
	inflight map[string]bool
	now      func() time.Time
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	disabled := opts.Disabled
	if disabled == nil {
		disabled = func() bool { return false }
	}
	rowCount := opts.RowCount
	if rowCount == nil {
		rowCount = func(string) int { return 0 }
	}
	return &Engine{
		store:    opts.Annotations,
		remote:   opts.Remote,
		db:       opts.DB,
		events:   opts.Bus,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		disabled: disabled,
		rowCount: rowCount,
		inflight: make(map[string]bool),
		now:      time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Bind registers the engine on the annotation store's post-write hook. Every
// durable annotation write then triggers an asynchronous sync of that task
// plus a backup-policy check.
func (e *Engine) Bind() {
	e.store.OnUpdate(func(taskID string) {
		if e.metrics != nil {
			e.metrics.AnnotationWrites.Add(context.Background(), 1)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.SyncTask(ctx, taskID); err != nil {
				e.logger.Error("background sync failed", "task", taskID, "error", err)
			}
			e.MaybeBackup(ctx, taskID)
		}()
	})
}

// SyncTask pushes the task's annotation map to
// annotations/{identity}/{taskID}.json. Returns nil when the sync is
// skipped (disabled, or already in flight for this task).
func (e *Engine) SyncTask(ctx context.Context, taskID string) error {
	identity := e.store.Identity()

	if e.disabled() {
		e.logger.Debug("sync suppressed", "task", taskID, "identity", identity)
		e.publish(bus.TopicSyncSkipped, bus.SyncEvent{Identity: identity, TaskID: taskID})
		return nil
	}

	e.mu.Lock()
	if e.inflight[taskID] {
		e.mu.Unlock()
		e.publish(bus.TopicSyncSkipped, bus.SyncEvent{Identity: identity, TaskID: taskID})
		return nil
	}
	e.inflight[taskID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, taskID)
		e.mu.Unlock()
	}()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, e.tracer, "syncer.push",
			otel.AttrIdentity.String(identity), otel.AttrTaskID.String(taskID))
		defer span.End()
	}

	e.publish(bus.TopicSyncStarted, bus.SyncEvent{Identity: identity, TaskID: taskID})
	start := time.Now()

	payload, err := e.store.MarshalTask(taskID)
	if err == nil {
		path := fmt.Sprintf("annotations/%s/%s.json", identity, taskID)
		_, err = e.remote.Put(ctx, path, payload)
	}

	if e.metrics != nil {
		e.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.SyncErrors.Add(ctx, 1)
		}
		e.publish(bus.TopicSyncFailed, bus.SyncEvent{Identity: identity, TaskID: taskID, Error: err.Error()})
		e.publish(bus.TopicNotify, bus.Notification{
			Level:   "danger",
			Message: fmt.Sprintf("Sync failed for %s. Your work is saved locally and will retry.", taskID),
		})
		return fmt.Errorf("sync task %s: %w", taskID, err)
	}

	e.publish(bus.TopicSyncCompleted, bus.SyncEvent{Identity: identity, TaskID: taskID})
	e.logger.Info("task synced", "task", taskID, "identity", identity, "duration", time.Since(start), "trace_id", shared.TraceID(ctx))
	return nil
}

// SyncAll syncs every task that has at least one annotation. Used by the
// periodic sweeper to pick up anything a dropped or failed sync left behind.
func (e *Engine) SyncAll(ctx context.Context) {
	for _, taskID := range e.store.TaskIDs() {
		if err := e.SyncTask(ctx, taskID); err != nil {
			e.logger.Error("sweep sync failed", "task", taskID, "error", err)
		}
	}
}

// MaybeBackup takes a backup snapshot when enough new annotations have
// accumulated since the last one. Backup failures are logged and surfaced
// but never propagate: a missed snapshot costs redundancy, not data.
func (e *Engine) MaybeBackup(ctx context.Context, taskID string) {
	if e.disabled() {
		return
	}
	count := e.store.Count(taskID)
	last := e.lastBackupCount(ctx, taskID)
	if !annotations.ShouldBackup(count, last, e.rowCount(taskID)) {
		return
	}
	if _, err := e.CreateBackup(ctx, taskID); err != nil {
		e.logger.Error("backup failed", "task", taskID, "error", err)
	}
}

// CreateBackup writes a timestamped snapshot of the task's annotation map to
// annotations/{identity}/backups/{taskID}_{timestamp}.json and advances the
// persisted backup counter to the current annotation count. Returns
// ErrRemoteDisabled while remote writes are suppressed, explicit requests
// included.
func (e *Engine) CreateBackup(ctx context.Context, taskID string) (string, error) {
	if e.disabled() {
		return "", ErrRemoteDisabled
	}
	identity := e.store.Identity()
	count := e.store.Count(taskID)

	payload, err := e.store.MarshalTask(taskID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	stamp := e.now().UTC().Format(time.RFC3339)
	e.mu.Unlock()

	path := fmt.Sprintf("annotations/%s/backups/%s_%s.json", identity, taskID, stamp)
	if _, err := e.remote.Put(ctx, path, payload); err != nil {
		e.publish(bus.TopicBackupFailed, bus.BackupEvent{
			Identity: identity, TaskID: taskID, Count: count, Error: err.Error(),
		})
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}

	if err := e.db.KVPut(ctx, backupCountKey(taskID), strconv.Itoa(count)); err != nil {
		e.logger.Error("persist backup counter failed", "task", taskID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.BackupsCreated.Add(ctx, 1)
	}
	e.publish(bus.TopicBackupCreated, bus.BackupEvent{
		Identity: identity, TaskID: taskID, Path: path, Count: count,
	})
	e.logger.Info("backup created", "task", taskID, "path", path, "count", count)
	return path, nil
}

func (e *Engine) lastBackupCount(ctx context.Context, taskID string) int {
	raw, err := e.db.KVGet(ctx, backupCountKey(taskID))
	if err != nil {
		e.logger.Error("read backup counter failed", "task", taskID, "error", err)
		return 0
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func backupCountKey(taskID string) string {
	return "backup_count:" + taskID
}

func (e *Engine) publish(topic string, payload any) {
	if e.events != nil {
		e.events.Publish(topic, payload)
	}
}
