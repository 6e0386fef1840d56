package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/earmark/internal/config"
)

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // OK, WARN, FAIL
	Message string `json:"message"`
}

type doctorReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	Results   []doctorCheck `json:"results"`
}

func runDoctorCommand(args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	report := doctorReport{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	add := func(name, status, message string) {
		report.Results = append(report.Results, doctorCheck{Name: name, Status: status, Message: message})
	}

	homeDir := config.HomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		add("home", "FAIL", fmt.Sprintf("cannot create %s: %v", homeDir, err))
	} else {
		add("home", "OK", homeDir)
	}

	cfg, err := config.Load()
	switch {
	case err != nil:
		add("config", "FAIL", err.Error())
	case cfg.NeedsGenesis:
		add("config", "WARN", "no config.yaml yet; the daemon writes a starter on first run")
	default:
		add("config", "OK", fmt.Sprintf("%d task(s), fingerprint %s", len(cfg.Tasks), cfg.Fingerprint()))
	}

	if err == nil {
		for _, t := range cfg.Tasks {
			if _, statErr := os.Stat(t.DataFile); statErr != nil {
				add("dataset:"+t.ID, "FAIL", fmt.Sprintf("data file missing: %s", t.DataFile))
			} else {
				add("dataset:"+t.ID, "OK", t.DataFile)
			}
		}
		if cfg.Remote.Provider == "dir" {
			if mkErr := os.MkdirAll(cfg.Remote.Dir, 0o755); mkErr != nil {
				add("remote", "FAIL", fmt.Sprintf("remote dir unusable: %v", mkErr))
			} else {
				add("remote", "OK", cfg.Remote.Dir)
			}
		} else {
			add("remote", "OK", cfg.Remote.Provider+" "+cfg.Remote.BaseURL)
		}
		if cfg.AdminSecret == "" {
			add("admin", "WARN", "admin_secret unset; admin mode is disabled")
		} else {
			add("admin", "OK", "admin_secret configured")
		}
	}

	if _, statErr := os.Stat(filepath.Join(homeDir, "earmark.db")); statErr != nil {
		add("database", "WARN", "no local database yet (created on first daemon run)")
	} else {
		add("database", "OK", filepath.Join(homeDir, "earmark.db"))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("Earmark Doctor Report (%s)\n", report.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s/%s\n", report.OS, report.Arch)
		fmt.Println("---")
		for _, res := range report.Results {
			fmt.Printf("%-5s %-16s %s\n", res.Status, res.Name, res.Message)
		}
	}

	failed := false
	for _, res := range report.Results {
		if res.Status == "FAIL" {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}
