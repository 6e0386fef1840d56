// Package gateway exposes the daemon's HTTP and WebSocket surface: the
// annotation API the front-end drives, the admin endpoints, and the bus
// event stream.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/audit"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/dataset"
	"github.com/basket/earmark/internal/identity"
	"github.com/basket/earmark/internal/otel"
	"github.com/basket/earmark/internal/recorder"
	"github.com/basket/earmark/internal/remote"
	"github.com/basket/earmark/internal/session"
	"github.com/basket/earmark/internal/shared"
	"github.com/basket/earmark/internal/syncer"
)

type Config struct {
	Annotations *annotations.Store
	Sessions    *session.Manager
	Syncer      *syncer.Engine
	Identity    *identity.Manager
	Recorder    *recorder.Recorder
	Library     *dataset.Library
	Remote      remote.Store
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer

	// AuthToken gates the API. Empty disables the whole surface except
	// /healthz; the daemon refuses to serve annotations unauthenticated.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubtree)
	mux.HandleFunc("/api/sync/", s.handleSync)
	mux.HandleFunc("/api/backup/", s.handleBackup)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/audio/", s.handleAudio)

	mux.HandleFunc("/api/admin/unlock", s.handleAdminUnlock)
	mux.HandleFunc("/api/admin/lock", s.handleAdminLock)
	mux.HandleFunc("/api/admin/identities", s.handleAdminIdentities)
	mux.HandleFunc("/api/admin/impersonate", s.handleAdminImpersonate)
	mux.HandleFunc("/api/admin/exit", s.handleAdminExit)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = s.traceMiddleware(h)
	return h
}

// traceMiddleware stamps each request with a trace id and the active
// identity so downstream log lines and audit rows correlate.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx = shared.WithIdentity(ctx, s.cfg.Identity.Active())
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path,
				otel.AttrIdentity.String(s.cfg.Identity.Active()))
			defer span.End()
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds())
		}
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", shared.TraceID(ctx),
			"duration_ms", elapsed.Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"identity":      s.cfg.Identity.WorkerID(),
		"impersonating": s.cfg.Identity.Impersonating(),
		"tasks":         len(s.cfg.Library.IDs()),
		"config":        s.cfg.ConfigFingerprint,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"audit_denials": audit.DenyCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)
	go s.forwardBusEvents(ctx, c, sub)

	// Drain (and ignore) client frames; the stream is one-way.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
