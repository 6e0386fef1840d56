package annotations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/persistence"
)

// Store is the authoritative in-memory annotation set for the active
// identity, persisted whole to the durable store on every mutation.
type Store struct {
	mu       sync.Mutex
	set      Set
	identity string

	db     *persistence.Store
	events *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	// onUpdate is invoked after a durable write for a task, outside the
	// mutation path's error flow. The sync engine registers here to evaluate
	// the backup policy.
	onUpdate func(taskID string)
}

func NewStore(db *persistence.Store, events *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		set:    make(Set),
		db:     db,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnUpdate registers the post-write hook. At most one hook is supported.
func (s *Store) OnUpdate(fn func(taskID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Identity returns the identity whose set is currently loaded.
func (s *Store) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Load replaces the in-memory set with the persisted one for the given
// identity. Malformed persisted data is discarded and replaced with an empty
// set; Load never fails on bad payloads, only on storage errors other than
// absence.
func (s *Store) Load(ctx context.Context, identity string) error {
	payload, err := s.db.LoadAnnotationSet(ctx, identity)
	if err != nil && !errors.Is(err, persistence.ErrNoSet) {
		return fmt.Errorf("load annotation set: %w", err)
	}

	set := make(Set)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &set); err != nil {
			s.logger.Error("discarding malformed annotation set", "identity", identity, "error", err)
			set = make(Set)
		}
	}
	normalize(set)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.set = set
	return nil
}

// Replace overwrites the in-memory set wholesale and persists it under the
// active identity. Used when impersonation (or its exit) reloads a set from
// the remote mirror.
func (s *Store) Replace(ctx context.Context, identity string, set Set) error {
	if set == nil {
		set = make(Set)
	}
	normalize(set)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.set = set.Clone()
	return s.persistLocked(ctx)
}

// Get returns the stored record for (taskID, row), or a zero Record.
// It never fails.
func (s *Store) Get(taskID string, row int) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[taskID][row]
}

// Update replaces the record for (taskID, row) and synchronously persists the
// whole set. The in-memory mutation and the durable write happen under one
// lock: a reader can never observe the mutation without the persistence
// having completed. A missing Metadata.Timestamp is stamped with the current
// time.
func (s *Store) Update(ctx context.Context, taskID string, row int, rec Record) error {
	s.mu.Lock()
	if rec.Metadata.Timestamp == 0 {
		rec.Metadata.Timestamp = s.now().UnixMilli()
	}
	rows, ok := s.set[taskID]
	if !ok {
		rows = make(TaskMap)
		s.set[taskID] = rows
	}
	rows[row] = rec
	err := s.persistLocked(ctx)
	identity := s.identity
	hook := s.onUpdate
	s.mu.Unlock()

	if err != nil {
		return err
	}

	if s.events != nil {
		s.events.Publish(bus.TopicAnnotationUpdated, bus.AnnotationUpdatedEvent{
			Identity: identity,
			TaskID:   taskID,
			Row:      row,
			Status:   rec.Status,
		})
	}
	if hook != nil {
		hook(taskID)
	}
	return nil
}

// TaskIDs returns the IDs of every task with at least one annotation,
// sorted for stable iteration.
func (s *Store) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.set))
	for taskID, rows := range s.set {
		if len(rows) > 0 {
			ids = append(ids, taskID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of annotated rows for a task.
func (s *Store) Count(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set[taskID])
}

// Snapshot returns a copy of the task's annotation map.
func (s *Store) Snapshot(taskID string) TaskMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.set[taskID]
	out := make(TaskMap, len(rows))
	for row, rec := range rows {
		out[row] = rec
	}
	return out
}

// MarshalTask serializes one task's annotation map as persisted/synced.
func (s *Store) MarshalTask(taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.set[taskID]
	if rows == nil {
		rows = make(TaskMap)
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s annotations: %w", taskID, err)
	}
	return data, nil
}

// Export returns the durable serialized set byte-identical to what is on
// disk right now.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()

	payload, err := s.db.LoadAnnotationSet(ctx, identity)
	if errors.Is(err, persistence.ErrNoSet) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("export annotation set: %w", err)
	}
	return payload, nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	payload, err := json.Marshal(s.set)
	if err != nil {
		return fmt.Errorf("marshal annotation set: %w", err)
	}
	if err := s.db.SaveAnnotationSet(ctx, s.identity, payload); err != nil {
		return fmt.Errorf("persist annotation set: %w", err)
	}
	return nil
}

// normalize repairs legacy completion tags in place: "completed" drifted in
// alongside "complete" and the resolver only understands the latter.
func normalize(set Set) {
	for _, rows := range set {
		for row, rec := range rows {
			changed := false
			if rec.Answer == "completed" {
				rec.Answer = StatusComplete
				changed = true
			}
			if rec.Status == "completed" {
				rec.Status = StatusComplete
				changed = true
			}
			if changed {
				rows[row] = rec
			}
		}
	}
}
