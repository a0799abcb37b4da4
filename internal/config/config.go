package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of environment variables that override the
// configuration, e.g. STATEBRIDGE_BACKEND.
const EnvPrefix = "statebridge"

// Config holds statebridge runtime configuration.
type Config struct {
	// DataDir is the base directory for statebridge runtime data.
	DataDir string `toml:"data_dir" split_words:"true"`

	// DBPath is the path to the SQLite registry.
	DBPath string `toml:"db_path" split_words:"true"`

	// WorkspacesDir holds one host directory per session.
	WorkspacesDir string `toml:"workspaces_dir" split_words:"true"`

	// Backend is the default mount kind for new sessions: "host" or "memory".
	Backend string `toml:"backend" split_words:"true"`

	// Base is the directory inside the mount that snapshots are pushed to
	// and pulled from.
	Base string `toml:"base" split_words:"true"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level" split_words:"true"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" split_words:"true"`

	// RejectTraversal refuses snapshots whose keys are absolute or contain "..".
	RejectTraversal bool `toml:"reject_traversal" split_words:"true"`

	// LenientStat treats every stat failure while creating directories as
	// "missing", not only not-exist errors.
	LenientStat bool `toml:"lenient_stat" split_words:"true"`

	// KeepSnapshots is how many snapshots per session survive pruning.
	// Zero keeps all of them.
	KeepSnapshots int `toml:"keep_snapshots" split_words:"true"`

	// StaleAfter is the age after which drained workspaces are removed by gc.
	StaleAfter Duration `toml:"stale_after" split_words:"true"`

	// Platform is the os/arch used when seeding from multi-platform images.
	Platform string `toml:"platform" split_words:"true"`

	// SealSnapshots encrypts new snapshots with the master key at KeyPath.
	SealSnapshots bool `toml:"seal_snapshots" split_words:"true"`

	// KeyPath is the AES-256 master key file, created on first use.
	KeyPath string `toml:"key_path" split_words:"true"`
}

// Duration is a time.Duration that reads from "90s"-style strings in TOML
// and the environment.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".statebridge")

	return &Config{
		DataDir:         filepath.Join(root, "data"),
		DBPath:          filepath.Join(root, "data", "statebridge.db"),
		WorkspacesDir:   filepath.Join(root, "data", "workspaces"),
		Backend:         "host",
		Base:            "/",
		LogLevel:        "info",
		LogFormat:       "text",
		RejectTraversal: true,
		KeepSnapshots:   10,
		StaleAfter:      Duration(24 * time.Hour),
		Platform:        DefaultPlatform(),
		KeyPath:         filepath.Join(root, "master.key"),
	}
}

// DefaultPath is where Load looks when no file is named.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".statebridge", "config.toml")
}

// Load returns the defaults overlaid with the TOML file at path, then with
// STATEBRIDGE_* environment variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DBPath),
		c.WorkspacesDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
