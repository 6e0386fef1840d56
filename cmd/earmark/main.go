package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/audit"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/config"
	"github.com/basket/earmark/internal/dataset"
	"github.com/basket/earmark/internal/gateway"
	"github.com/basket/earmark/internal/identity"
	otelPkg "github.com/basket/earmark/internal/otel"
	"github.com/basket/earmark/internal/persistence"
	"github.com/basket/earmark/internal/recorder"
	"github.com/basket/earmark/internal/remote"
	"github.com/basket/earmark/internal/session"
	"github.com/basket/earmark/internal/syncer"
	"github.com/basket/earmark/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the annotation daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s export [-o <file>]       Export the full local annotation set
  %s doctor                   Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  EARMARK_HOME            Data directory (default: ~/.earmark)
  EARMARK_AUTH_TOKEN      API auth token (overrides auth.token file)
  EARMARK_ADMIN_SECRET    Admin mode secret (overrides config.yaml)

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Export annotations:     %s export -o annotations.json
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	verbose := flag.Bool("verbose", false, "mirror logs to stdout even when not attached to a terminal")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// File-only logs when detached from a terminal unless -verbose asks for
	// the mirror anyway.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && !*verbose

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter tasks", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "earmark.db")
	db, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	audit.SetDB(db.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	rem, err := buildRemoteStore(cfg.Remote)
	if err != nil {
		fatalStartup(logger, "E_REMOTE_INIT", err)
	}

	library, err := loadLibrary(cfg.Tasks)
	if err != nil {
		fatalStartup(logger, "E_DATASET_LOAD", err)
	}
	logger.Info("startup phase", "phase", "datasets_loaded", "tasks", len(library.IDs()))

	store := annotations.NewStore(db, eventBus, logger)
	ident := identity.NewManager(db, store, rem, eventBus, logger, cfg.AdminSecret)
	workerID, err := ident.Resolve(ctx)
	if err != nil {
		fatalStartup(logger, "E_IDENTITY_RESOLVE", err)
	}
	logger.Info("startup phase", "phase", "identity_resolved", "worker_id", workerID, "impersonating", ident.Impersonating())

	engine := syncer.New(syncer.Options{
		Annotations: store,
		Remote:      rem,
		DB:          db,
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		Disabled:    ident.Impersonating,
		RowCount:    library.RowCount,
	})
	engine.Bind()

	// No capture source ships with the daemon; sessions fall back to the
	// front-end's uploaded takes while the encode and upload paths stay
	// available to embedders that install one.
	rec := recorder.New(rem, nil, logger, metrics)

	sessions := session.NewManager(session.ManagerConfig{
		Store:    store,
		Syncer:   engine,
		Recorder: rec,
		Bus:      eventBus,
		Logger:   logger,
		Metrics:  metrics,
		Mode: func() session.Mode {
			if ident.Impersonating() {
				return session.ModeObserver
			}
			return session.ModeWorker
		},
		Filename: library.Filename,
	})

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Annotations:       store,
		Sessions:          sessions,
		Syncer:            engine,
		Identity:          ident,
		Recorder:          rec,
		Library:           library,
		Remote:            rem,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	sweeper, err := syncer.NewSweeper(syncer.SweeperConfig{
		Engine:   engine,
		Logger:   logger,
		Schedule: cfg.BackupSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	dataFiles := make([]string, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		dataFiles = append(dataFiles, t.DataFile)
	}
	confWatcher := config.NewWatcher(cfg.HomeDir, dataFiles, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if err := library.Reload(taskSpecs(newCfg.Tasks)); err != nil {
				logger.Error("task dataset reload failed, previous datasets stay active", "error", err)
				continue
			}
			logger.Info("task datasets reloaded", "tasks", len(library.IDs()))
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				// Bind address, remote wiring and schedules are fixed at startup.
				logger.Warn("server settings changed on disk; restart the daemon to apply", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then forfeit open sessions so their rows are not
	// left half-annotated, then flush the remote mirror.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sessions.DropAll(shutdownCtx, "daemon shutdown")
	engine.SyncAll(shutdownCtx)
	logger.Info("shutdown complete")
}

// buildRemoteStore picks the remote blob store implementation from config.
func buildRemoteStore(rc config.RemoteConfig) (remote.Store, error) {
	switch rc.Provider {
	case "http":
		return remote.NewHTTPStore(rc.BaseURL, nil), nil
	case "dir", "":
		return remote.NewDirStore(rc.Dir)
	default:
		return nil, fmt.Errorf("unknown remote provider %q", rc.Provider)
	}
}

func taskSpecs(tasks []config.TaskConfig) []dataset.Spec {
	specs := make([]dataset.Spec, 0, len(tasks))
	for _, t := range tasks {
		spec := dataset.Spec{
			ID:           t.ID,
			Type:         t.Type,
			DataFile:     t.DataFile,
			Description:  t.Description,
			ChoiceField:  t.ChoiceField,
			Audio:        t.Audio,
			ExtraChoices: t.ExtraChoices,
			ShowOED:      t.ShowOED,
		}
		if t.RowSchema != "" {
			spec.Schema = json.RawMessage(t.RowSchema)
		}
		specs = append(specs, spec)
	}
	return specs
}

func loadLibrary(tasks []config.TaskConfig) (*dataset.Library, error) {
	return dataset.LoadAll(taskSpecs(tasks))
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("EARMARK_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeStarterConfig writes a commented config.yaml so a first run has
// something to edit rather than an empty file.
func writeStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr:       "127.0.0.1:18990",
		LogLevel:       "info",
		BackupSchedule: "*/15 * * * *",
		Remote: config.RemoteConfig{
			Provider: "dir",
			Dir:      filepath.Join(homeDir, "remote"),
		},
		Tasks: []config.TaskConfig{
			{
				ID:          "example",
				Type:        "selection",
				DataFile:    filepath.Join(homeDir, "data", "example.jsonl"),
				Description: "Example selection task",
				ChoiceField: "choices",
			},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"earmark","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
