package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/config"
	"github.com/basket/earmark/internal/persistence"
)

func TestLoadAuthToken_GeneratesAndReuses(t *testing.T) {
	home := t.TempDir()

	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if strings.TrimSpace(tok) == "" {
		t.Fatal("generated token is empty")
	}

	again, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken second call: %v", err)
	}
	if again != tok {
		t.Fatalf("token not stable: %q vs %q", tok, again)
	}

	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("auth.token missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("auth.token mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadAuthToken_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("EARMARK_AUTH_TOKEN", "from-env")

	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if tok != "from-env" {
		t.Fatalf("token = %q, want from-env", tok)
	}
	if _, err := os.Stat(filepath.Join(home, "auth.token")); !os.IsNotExist(err) {
		t.Fatal("env token should not be persisted to disk")
	}
}

func TestWriteStarterConfig(t *testing.T) {
	home := t.TempDir()

	if err := writeStarterConfig(home); err != nil {
		t.Fatalf("writeStarterConfig: %v", err)
	}

	t.Setenv("EARMARK_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load starter config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("starter config still reports NeedsGenesis")
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].ID != "example" {
		t.Fatalf("starter tasks: %+v", cfg.Tasks)
	}
}

func TestBuildRemoteStore(t *testing.T) {
	home := t.TempDir()

	if _, err := buildRemoteStore(config.RemoteConfig{Provider: "dir", Dir: filepath.Join(home, "remote")}); err != nil {
		t.Fatalf("dir provider: %v", err)
	}
	if _, err := buildRemoteStore(config.RemoteConfig{Provider: "http", BaseURL: "http://localhost:9199/v0/b/x"}); err != nil {
		t.Fatalf("http provider: %v", err)
	}
	if _, err := buildRemoteStore(config.RemoteConfig{Provider: "ftp"}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestLoadLibraryFromTaskConfig(t *testing.T) {
	home := t.TempDir()
	dataFile := filepath.Join(home, "rows.jsonl")
	if err := os.WriteFile(dataFile, []byte(`{"filename":"a.wav"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := loadLibrary([]config.TaskConfig{
		{ID: "quiz", Type: "timed", DataFile: dataFile, Audio: true},
	})
	if err != nil {
		t.Fatalf("loadLibrary: %v", err)
	}
	if lib.RowCount("quiz") != 1 {
		t.Fatalf("row count = %d, want 1", lib.RowCount("quiz"))
	}
	if lib.Filename("quiz", 0) != "a.wav" {
		t.Fatalf("filename = %q", lib.Filename("quiz", 0))
	}
}

func TestRunExportCommand_EmptyDatabase(t *testing.T) {
	home := t.TempDir()
	t.Setenv("EARMARK_HOME", home)

	out := filepath.Join(home, "export.json")
	if code := runExportCommand(context.Background(), []string{"-o", out}); code != 0 {
		t.Fatalf("export exit code = %d", code)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if strings.TrimSpace(string(data)) != "{}" {
		t.Fatalf("empty export = %q, want {}", data)
	}
}

func TestRunExportCommand_ImpersonationExportsOwnSet(t *testing.T) {
	home := t.TempDir()
	t.Setenv("EARMARK_HOME", home)
	ctx := context.Background()

	db, err := persistence.Open(filepath.Join(home, "earmark.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.KVPut(ctx, "worker_id", "w-own"); err != nil {
		t.Fatalf("seed worker id: %v", err)
	}
	if err := db.KVPut(ctx, "impersonating", "w-target"); err != nil {
		t.Fatalf("seed impersonation: %v", err)
	}
	store := annotations.NewStore(db, nil, slog.Default())
	if err := store.Load(ctx, "w-own"); err != nil {
		t.Fatalf("load own set: %v", err)
	}
	if err := store.Update(ctx, "quiz", 0, annotations.Record{Status: "complete", Answer: "complete"}); err != nil {
		t.Fatalf("seed own annotation: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	out := filepath.Join(home, "export.json")
	if code := runExportCommand(ctx, []string{"-o", out}); code != 0 {
		t.Fatalf("export exit code = %d", code)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	// The persisted impersonation session must not leak the target's
	// (empty) set into the export of this installation's own work.
	if !strings.Contains(string(data), "quiz") {
		t.Fatalf("export missing own annotations: %s", data)
	}
}
