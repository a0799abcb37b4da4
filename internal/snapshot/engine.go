package snapshot

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/xfeldman/statebridge/internal/vfs"
)

// Engine runs push and pull against one filesystem. It holds no lock;
// callers must not run two operations on the same tree at once.
type Engine struct {
	fs           vfs.FS
	log          logrus.FieldLogger
	lenientStat  bool
	validateKeys bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithLenientStat makes EnsureDir treat any stat failure as "missing" and
// try to create the directory. By default only not-exist errors do.
func WithLenientStat() Option {
	return func(e *Engine) { e.lenientStat = true }
}

// WithKeyValidation makes Push reject the whole snapshot, before touching
// the filesystem, if any key fails ValidateKey.
func WithKeyValidation() Option {
	return func(e *Engine) { e.validateKeys = true }
}

// New returns an Engine operating on fsys.
func New(fsys vfs.FS, opts ...Option) *Engine {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	e := &Engine{fs: fsys, log: discard}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureDir makes sure path exists as a directory, creating missing
// ancestors first. The root always exists.
func (e *Engine) EnsureDir(path string) error {
	// Walk up until an existing ancestor is found, then create top-down.
	var missing []string
	for p := vfs.Canonical(path); !vfs.IsRoot(p); p = vfs.Dirname(p) {
		_, err := e.fs.Stat(p)
		if err == nil {
			break
		}
		if !vfs.IsNotExist(err) && !e.lenientStat {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		missing = append(missing, p)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		e.log.WithField("path", missing[i]).Debug("snapshot: mkdir")
		if err := e.fs.Mkdir(missing[i]); err != nil {
			return fmt.Errorf("mkdir %s: %w", missing[i], err)
		}
	}
	return nil
}

// ListFiles returns every non-directory entry beneath root, as paths
// relative to root without a leading slash. The walk is depth-first and
// in order: a subdirectory's files appear where the subdirectory does in
// its parent's listing, and sibling order follows ReadDir.
func (e *Engine) ListFiles(root string) ([]string, error) {
	root = vfs.Canonical(root)

	// One frame per open directory: its entries and the next one to visit.
	type frame struct {
		rel   string
		names []string
		next  int
	}
	open := func(rel string) (*frame, error) {
		abs := vfs.Join(root, rel)
		e.log.WithField("path", abs).Debug("snapshot: readdir")
		names, err := e.fs.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("readdir %s: %w", abs, err)
		}
		return &frame{rel: rel, names: names}, nil
	}

	top, err := open("")
	if err != nil {
		return nil, err
	}
	var files []string
	stack := []*frame{top}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.next == len(f.names) {
			stack = stack[:len(stack)-1]
			continue
		}
		name := f.names[f.next]
		f.next++
		if name == "." || name == ".." {
			continue
		}

		childRel := vfs.JoinRel(f.rel, name)
		childAbs := vfs.Join(root, childRel)
		fi, err := e.fs.Stat(childAbs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", childAbs, err)
		}
		if !e.fs.IsDir(fi.Mode()) {
			files = append(files, childRel)
			continue
		}
		sub, err := open(childRel)
		if err != nil {
			return nil, err
		}
		stack = append(stack, sub)
	}
	return files, nil
}

// Push writes snap into the tree under base. Directory markers only create
// directories. Existing files are overwritten. The first failure aborts
// and nothing already written is undone.
func (e *Engine) Push(base string, snap Snapshot) error {
	if e.validateKeys {
		for key := range snap {
			if err := ValidateKey(key); err != nil {
				return err
			}
		}
	}

	log := e.log.WithField("base", base)
	log.WithField("entries", len(snap)).Debug("snapshot: push")

	for key, content := range snap {
		if IsMarker(key) {
			// Dirname("c/") is the base itself, so markers name their
			// own directory.
			if err := e.EnsureDir(vfs.Join(base, key)); err != nil {
				return fmt.Errorf("push %s: %w", key, err)
			}
			continue
		}
		if err := e.EnsureDir(vfs.Join(base, vfs.Dirname(key))); err != nil {
			return fmt.Errorf("push %s: %w", key, err)
		}
		file := vfs.Join(base, key)
		log.WithField("path", file).Debug("snapshot: writeFile")
		if err := e.fs.WriteFile(file, content); err != nil {
			return fmt.Errorf("push %s: write: %w", key, err)
		}
	}
	return nil
}

// Pull reads and removes every file under base and returns them keyed by
// path relative to base. Directories are left in place. Entry names are
// canonicalized like any other path, so a host file whose name contains a
// backslash is looked up under a different path and fails the pull.
//
// If a read or unlink fails, Pull stops and returns the files already
// removed together with the error, so the caller can push them back.
func (e *Engine) Pull(base string) (Snapshot, error) {
	files, err := e.ListFiles(base)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", base, err)
	}

	log := e.log.WithField("base", base)
	log.WithField("files", len(files)).Debug("snapshot: pull")

	snap := make(Snapshot, len(files))
	for _, rel := range files {
		file := vfs.Join(base, rel)
		log.WithField("path", file).Debug("snapshot: readFile/unlink")
		data, err := e.fs.ReadFile(file)
		if err != nil {
			return snap, fmt.Errorf("pull %s: read: %w", rel, err)
		}
		if err := e.fs.Unlink(file); err != nil {
			return snap, fmt.Errorf("pull %s: unlink: %w", rel, err)
		}
		snap[rel] = data
	}
	return snap, nil
}
