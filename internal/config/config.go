// Package config loads and normalizes the daemon configuration from
// $EARMARK_HOME/config.yaml, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/earmark/internal/otel"
)

// RemoteConfig selects and configures the remote object store.
type RemoteConfig struct {
	// Provider is "http" (Firebase-Storage-style REST API) or "dir"
	// (local directory, for offline use and testing).
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Dir      string `yaml:"dir"`
}

// TaskConfig describes one annotation task and its dataset.
type TaskConfig struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	DataFile    string `yaml:"data_file"`
	Description string `yaml:"description"`
	Audio       bool   `yaml:"audio"`
	ChoiceField string `yaml:"choice_field"`

	// ExtraChoices are appended to every row's choice list.
	ExtraChoices []string `yaml:"extra_choices"`
	// ShowOED links dictionary lookups for pronunciation tasks.
	ShowOED bool `yaml:"show_oed"`
	// RowSchema overrides the task type's built-in row validation schema.
	RowSchema string `yaml:"row_schema"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AdminSecret gates admin mode. Empty keeps admin mode permanently
	// locked. Env override: EARMARK_ADMIN_SECRET.
	AdminSecret string `yaml:"admin_secret"`

	// BackupSchedule is the cron expression for the periodic sync sweep.
	BackupSchedule string `yaml:"backup_schedule"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Remote RemoteConfig `yaml:"remote"`
	Tasks  []TaskConfig `yaml:"tasks"`
	OTel   otel.Config  `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a running daemon carries.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|backup=%s|remote=%s,%s,%s|origins=%v|tasks=%d",
		c.BindAddr, c.LogLevel, c.BackupSchedule,
		c.Remote.Provider, c.Remote.BaseURL, c.Remote.Dir,
		c.AllowOrigins, len(c.Tasks))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1:18990",
		LogLevel:       "info",
		BackupSchedule: "*/15 * * * *",
		Remote:         RemoteConfig{Provider: "dir"},
	}
}

func HomeDir() string {
	if override := os.Getenv("EARMARK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".earmark")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under the given home directory, applying
// defaults, environment overrides and validation. A missing file yields the
// defaults with NeedsGenesis set.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create earmark home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BackupSchedule == "" {
		cfg.BackupSchedule = "*/15 * * * *"
	}
	if cfg.Remote.Provider == "" {
		if cfg.Remote.BaseURL != "" {
			cfg.Remote.Provider = "http"
		} else {
			cfg.Remote.Provider = "dir"
		}
	}
	if cfg.Remote.Provider == "dir" && cfg.Remote.Dir == "" {
		cfg.Remote.Dir = filepath.Join(cfg.HomeDir, "remote")
	}
	for i := range cfg.Tasks {
		if cfg.Tasks[i].Type == "" {
			cfg.Tasks[i].Type = "selection"
		}
	}
}

func validate(cfg *Config) error {
	switch cfg.Remote.Provider {
	case "dir":
	case "http":
		if cfg.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown remote provider %q (supported: http, dir)", cfg.Remote.Provider)
	}

	seen := make(map[string]bool, len(cfg.Tasks))
	for _, task := range cfg.Tasks {
		if strings.TrimSpace(task.ID) == "" {
			return fmt.Errorf("task with empty id")
		}
		if seen[task.ID] {
			return fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
		if task.DataFile == "" {
			return fmt.Errorf("task %s: data_file is required", task.ID)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("EARMARK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("EARMARK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("EARMARK_ADMIN_SECRET"); raw != "" {
		cfg.AdminSecret = raw
	}
	if raw := os.Getenv("EARMARK_BACKUP_SCHEDULE"); raw != "" {
		cfg.BackupSchedule = raw
	}
	if raw := os.Getenv("EARMARK_REMOTE_BASE_URL"); raw != "" {
		cfg.Remote.Provider = "http"
		cfg.Remote.BaseURL = raw
	}
}
