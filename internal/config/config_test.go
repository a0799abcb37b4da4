package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Backend != "host" {
		t.Errorf("backend = %q, want host", cfg.Backend)
	}
	if !cfg.RejectTraversal {
		t.Error("reject_traversal should default to true")
	}
	if !strings.HasPrefix(cfg.Platform, "linux/") {
		t.Errorf("platform = %q, want linux/*", cfg.Platform)
	}
	if time.Duration(cfg.StaleAfter) != 24*time.Hour {
		t.Errorf("stale_after = %v, want 24h", time.Duration(cfg.StaleAfter))
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "/srv/sb"
backend = "memory"
keep_snapshots = 3
stale_after = "90m"
reject_traversal = false
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STATEBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("STATEBRIDGE_KEEP_SNAPSHOTS", "7")
	t.Setenv("STATEBRIDGE_SEAL_SNAPSHOTS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/sb" {
		t.Errorf("data_dir = %q, want /srv/sb", cfg.DataDir)
	}
	if cfg.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Backend)
	}
	if cfg.RejectTraversal {
		t.Error("reject_traversal = true, want false from file")
	}
	if time.Duration(cfg.StaleAfter) != 90*time.Minute {
		t.Errorf("stale_after = %v, want 90m", time.Duration(cfg.StaleAfter))
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug from env", cfg.LogLevel)
	}
	if cfg.KeepSnapshots != 7 {
		t.Errorf("keep_snapshots = %d, want 7 (env beats file)", cfg.KeepSnapshots)
	}
	if !cfg.SealSnapshots {
		t.Error("seal_snapshots = false, want true from env")
	}
	// Untouched defaults survive.
	if cfg.Base != "/" {
		t.Errorf("base = %q, want /", cfg.Base)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != DefaultConfig().Backend {
		t.Errorf("backend = %q, want default", cfg.Backend)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("backend = [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load bad file: want error")
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		DataDir:       filepath.Join(root, "data"),
		DBPath:        filepath.Join(root, "db", "x.db"),
		WorkspacesDir: filepath.Join(root, "data", "ws"),
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.DataDir, filepath.Dir(cfg.DBPath), cfg.WorkspacesDir} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created", d)
		}
	}
}
