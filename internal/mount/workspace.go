// Package mount provides the filesystems sessions run on: host directories
// under a workspaces dir, or in-memory trees that live as long as the
// process.
package mount

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Workspaces manages one host directory per session.
type Workspaces struct {
	baseDir string // directory containing all workspaces
}

// NewWorkspaces creates a Workspaces that stores directories under baseDir.
func NewWorkspaces(baseDir string) *Workspaces {
	return &Workspaces{baseDir: baseDir}
}

// Create makes the workspace directory for id and returns its path.
// An existing workspace is reused.
func (w *Workspaces) Create(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	dest := w.Path(id)

	// Reuse existing workspace if present (e.g. after a restart)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	staging := dest + ".tmp"
	os.RemoveAll(staging)

	if err := os.MkdirAll(staging, 0700); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("rename staging to final: %w", err)
	}
	return dest, nil
}

// Remove deletes the workspace for id. Missing workspaces are not an error.
func (w *Workspaces) Remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return os.RemoveAll(w.Path(id))
}

// Path returns the directory path for id.
func (w *Workspaces) Path(id string) string {
	return filepath.Join(w.baseDir, id)
}

// CleanStale removes leftover workspace directories:
//   - *.tmp directories of any age (incomplete creates)
//   - drained workspaces, holding no files, not modified within maxAge,
//     for which inUse (if non-nil) returns false
//
// Returns the names removed.
func (w *Workspaces) CleanStale(maxAge time.Duration, inUse func(id string) bool, log logrus.FieldLogger) []string {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return nil
	}

	var removed []string
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(w.baseDir, name)

		if strings.HasSuffix(name, ".tmp") {
			log.WithField("workspace", name).Info("workspace GC: removing incomplete staging dir")
			os.RemoveAll(path)
			removed = append(removed, name)
			continue
		}

		if inUse != nil && inUse(name) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if hasFiles(path) {
			continue
		}
		log.WithFields(logrus.Fields{
			"workspace": name,
			"age":       time.Since(info.ModTime()).Round(time.Minute),
		}).Info("workspace GC: removing drained workspace")
		os.RemoveAll(path)
		removed = append(removed, name)
	}
	return removed
}

// hasFiles reports whether anything other than directories exists below
// root. Unreadable trees count as non-empty.
func hasFiles(root string) bool {
	found := false
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found || err != nil
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
