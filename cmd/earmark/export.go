package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/earmark/internal/annotations"
	"github.com/basket/earmark/internal/bus"
	"github.com/basket/earmark/internal/config"
	"github.com/basket/earmark/internal/identity"
	"github.com/basket/earmark/internal/persistence"
)

// runExportCommand reads the local database directly so exports work with
// the daemon stopped.
func runExportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: earmark export [-o <file>]")
		return 2
	}

	homeDir := config.HomeDir()
	db, err := persistence.Open(filepath.Join(homeDir, "earmark.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	logger := slog.New(slog.DiscardHandler)
	store := annotations.NewStore(db, bus.New(), logger)
	ident := identity.NewManager(db, store, nil, nil, logger, "")
	workerID, err := ident.Resolve(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve identity: %v\n", err)
		return 1
	}
	// A persisted impersonation session resumes with the target's set
	// loaded; exports always cover this installation's own work.
	if ident.Impersonating() {
		if err := store.Load(ctx, workerID); err != nil {
			fmt.Fprintf(os.Stderr, "load annotation set: %v\n", err)
			return 1
		}
	}

	payload, err := store.Export(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}

	if *out == "" {
		_, _ = os.Stdout.Write(payload)
		if len(payload) == 0 || payload[len(payload)-1] != '\n' {
			fmt.Println()
		}
		return 0
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		return 1
	}
	fmt.Printf("exported %d bytes to %s\n", len(payload), *out)
	return 0
}
