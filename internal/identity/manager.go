// Package identity manages the worker identity, admin unlock, and admin
// impersonation of other workers' annotation sets.
package identity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/audit"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/persistence"
	"github.com/basket/earmark/internal/remote"
)

var (
	// ErrUnauthorized is returned when the admin secret does not match.
	ErrUnauthorized = errors.New("identity: unauthorized")
	// ErrLocked is returned when an admin-only operation is attempted
	// before Unlock.
	ErrLocked = errors.New("identity: admin mode locked")
)

const (
	kvWorkerID      = "worker_id"
	kvAdminUnlocked = "admin_unlocked"
	kvImpersonating = "impersonating"
)

// Manager owns the active identity. A worker gets a generated UUID on first
// run and keeps it forever. An unlocked admin can impersonate any identity
// found in the remote store; while impersonating, the annotation store holds
// the target's set and all remote writes are suppressed elsewhere.
type Manager struct {
	db          *persistence.Store
	store       *annotations.Store
	remote      remote.Store
	events      *bus.Bus
	logger      *slog.Logger
	adminSecret string

	mu            sync.Mutex
	workerID      string
	unlocked      bool
	impersonating string
}

func NewManager(db *persistence.Store, store *annotations.Store, rem remote.Store, events *bus.Bus, logger *slog.Logger, adminSecret string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:          db,
		store:       store,
		remote:      rem,
		events:      events,
		logger:      logger,
		adminSecret: adminSecret,
	}
}

// Resolve establishes the worker identity and loads its annotation set. On
// first run it generates a UUID and persists it; after that the same ID is
// returned for the lifetime of the installation. A restart mid-impersonation
// resumes the impersonation.
func (m *Manager) Resolve(ctx context.Context) (string, error) {
	id, err := m.db.KVGet(ctx, kvWorkerID)
	if err != nil {
		return "", fmt.Errorf("read worker id: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := m.db.KVPut(ctx, kvWorkerID, id); err != nil {
			return "", fmt.Errorf("persist worker id: %w", err)
		}
		m.logger.Info("generated worker identity", "identity", id)
	}

	unlocked, err := m.db.KVGet(ctx, kvAdminUnlocked)
	if err != nil {
		return "", fmt.Errorf("read admin state: %w", err)
	}
	target, err := m.db.KVGet(ctx, kvImpersonating)
	if err != nil {
		return "", fmt.Errorf("read impersonation state: %w", err)
	}

	m.mu.Lock()
	m.workerID = id
	m.unlocked = unlocked == "1"
	m.impersonating = target
	m.mu.Unlock()

	active := id
	if target != "" {
		active = target
		m.logger.Info("resuming impersonation", "target", target)
	}
	if err := m.store.Load(ctx, active); err != nil {
		return "", err
	}
	return id, nil
}

// WorkerID returns this installation's own identity.
func (m *Manager) WorkerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workerID
}

// Active returns the identity whose annotation set is currently loaded.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.impersonating != "" {
		return m.impersonating
	}
	return m.workerID
}

// Unlocked reports whether admin mode is active.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked
}

// Impersonating reports whether another worker's set is loaded. The sync
// engine uses this as its disabled check.
func (m *Manager) Impersonating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.impersonating != ""
}

// Unlock enables admin mode when the secret matches. Comparison is constant
// time. Both outcomes are audited.
func (m *Manager) Unlock(ctx context.Context, secret string) error {
	if m.adminSecret == "" {
		audit.Record("deny", "admin.unlock", "no admin secret configured", m.WorkerID())
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(m.adminSecret)) != 1 {
		audit.Record("deny", "admin.unlock", "secret mismatch", m.WorkerID())
		return ErrUnauthorized
	}

	m.mu.Lock()
	m.unlocked = true
	m.mu.Unlock()

	if err := m.db.KVPut(ctx, kvAdminUnlocked, "1"); err != nil {
		return fmt.Errorf("persist admin state: %w", err)
	}
	audit.Record("allow", "admin.unlock", "secret match", m.WorkerID())
	m.publish(bus.TopicAdminUnlocked, m.WorkerID())
	m.logger.Info("admin mode unlocked")
	return nil
}

// Lock disables admin mode, exiting any active impersonation first.
func (m *Manager) Lock(ctx context.Context) error {
	if err := m.Exit(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.unlocked = false
	m.mu.Unlock()
	if err := m.db.KVDelete(ctx, kvAdminUnlocked); err != nil {
		return fmt.Errorf("clear admin state: %w", err)
	}
	audit.Record("allow", "admin.lock", "", m.WorkerID())
	return nil
}

// Identities lists every worker identity that has synced annotations to the
// remote store.
func (m *Manager) Identities(ctx context.Context) ([]string, error) {
	names, err := m.remote.List(ctx, "annotations/")
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return names, nil
}

// Impersonate loads the target worker's annotation set from the remote
// store. Each task file that is missing or malformed contributes an empty
// map; impersonation is read-mostly browsing and a partial view beats a hard
// failure. Requires admin mode.
func (m *Manager) Impersonate(ctx context.Context, target string) error {
	m.mu.Lock()
	unlocked := m.unlocked
	own := m.workerID
	m.mu.Unlock()

	if !unlocked {
		audit.Record("deny", "admin.impersonate", "admin mode locked", target)
		return ErrLocked
	}
	if target == "" || target == own {
		return m.Exit(ctx)
	}

	set, err := m.fetchRemoteSet(ctx, target)
	if err != nil {
		audit.Record("deny", "admin.impersonate", err.Error(), target)
		return err
	}
	if err := m.store.Replace(ctx, target, set); err != nil {
		return err
	}

	m.mu.Lock()
	m.impersonating = target
	m.mu.Unlock()

	if err := m.db.KVPut(ctx, kvImpersonating, target); err != nil {
		return fmt.Errorf("persist impersonation state: %w", err)
	}
	audit.Record("allow", "admin.impersonate", "", target)
	m.publish(bus.TopicAdminImpersonateEnter, target)
	m.logger.Info("impersonating worker", "target", target)
	return nil
}

// Exit leaves impersonation and restores this worker's own annotation set
// from local storage. A no-op when not impersonating.
func (m *Manager) Exit(ctx context.Context) error {
	m.mu.Lock()
	target := m.impersonating
	own := m.workerID
	m.mu.Unlock()

	if target == "" {
		return nil
	}
	if err := m.store.Load(ctx, own); err != nil {
		return err
	}

	m.mu.Lock()
	m.impersonating = ""
	m.mu.Unlock()

	if err := m.db.KVDelete(ctx, kvImpersonating); err != nil {
		return fmt.Errorf("clear impersonation state: %w", err)
	}
	audit.Record("allow", "admin.impersonate.exit", "", target)
	m.publish(bus.TopicAdminImpersonateExit, target)
	m.logger.Info("impersonation ended", "target", target)
	return nil
}

// fetchRemoteSet pulls every synced task file for an identity. Backups are
// skipped.
func (m *Manager) fetchRemoteSet(ctx context.Context, identity string) (annotations.Set, error) {
	names, err := m.remote.List(ctx, "annotations/"+identity+"/")
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", identity, err)
	}

	set := make(annotations.Set)
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".json")
		data, err := m.remote.Get(ctx, "annotations/"+identity+"/"+name)
		if err != nil {
			m.logger.Warn("skipping unreadable task file", "identity", identity, "task", taskID, "error", err)
			continue
		}
		rows := make(annotations.TaskMap)
		if err := json.Unmarshal(data, &rows); err != nil {
			m.logger.Warn("skipping malformed task file", "identity", identity, "task", taskID, "error", err)
			continue
		}
		set[taskID] = rows
	}
	return set, nil
}

func (m *Manager) publish(topic string, identity string) {
	if m.events != nil {
		m.events.Publish(topic, identity)
	}
}
