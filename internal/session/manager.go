package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/otel"
)

// ManagerConfig holds the shared collaborators handed to every session.
type ManagerConfig struct {
	Store    *annotations.Store
	Syncer   TaskSyncer
	Recorder RecordingCapability
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics

	// Mode returns the mode for newly activated sessions. Wired to the
	// identity manager: impersonation makes every new session an observer.
	Mode func() Mode

	// Filename resolves the source filename for a row, from the dataset.
	Filename func(taskID string, row int) string
}

// Manager hands out at most one live session per (task, row) and forfeits
// active sessions on teardown.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == nil {
		cfg.Mode = func() Mode { return ModeWorker }
	}
	if cfg.Filename == nil {
		cfg.Filename = func(string, int) string { return "" }
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Session returns the live session for (taskID, row), creating one on first
// use. The mode is fixed at creation; an admin entering impersonation gets
// observer sessions only after existing ones are dropped.
func (m *Manager) Session(taskID string, row int) *Session {
	key := sessionKey(taskID, row)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s := New(Config{
		TaskID:   taskID,
		Row:      row,
		Filename: m.cfg.Filename(taskID, row),
		Mode:     m.cfg.Mode(),
		Store:    m.cfg.Store,
		Syncer:   m.cfg.Syncer,
		Recorder: m.cfg.Recorder,
		Bus:      m.cfg.Bus,
		Logger:   m.cfg.Logger,
		Metrics:  m.cfg.Metrics,
	})
	m.sessions[key] = s
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

// Drop tears a session down, forfeiting it if a question is still open.
// Used when the front-end navigates away from a row or switches tasks.
func (m *Manager) Drop(ctx context.Context, taskID string, row int, reason string) error {
	key := sessionKey(taskID, row)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}
	return s.Abandon(ctx, reason)
}

// DropAll tears down every live session with the given reason. Used on
// impersonation changes and daemon shutdown.
func (m *Manager) DropAll(ctx context.Context, reason string) {
	m.mu.Lock()
	live := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
		}
		if err := s.Abandon(ctx, reason); err != nil {
			m.cfg.Logger.Error("teardown forfeit failed", "error", err)
		}
	}
}

func sessionKey(taskID string, row int) string {
	return fmt.Sprintf("%s:%d", taskID, row)
}
