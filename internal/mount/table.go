package mount

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xfeldman/statebridge/internal/vfs"
)

// Kind selects the backend a session is mounted on.
type Kind string

const (
	// KindHost mounts a host directory from Workspaces.
	KindHost Kind = "host"
	// KindMemory mounts an in-memory tree, lost on Unmount.
	KindMemory Kind = "memory"
)

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHost, KindMemory:
		return k, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want %q or %q)", s, KindHost, KindMemory)
	}
}

// Mount is a filesystem attached to a session.
type Mount struct {
	ID   string
	Kind Kind
	Root string // host directory, empty for memory mounts
	FS   vfs.FS
}

// Table tracks the mounted filesystem of each session.
type Table struct {
	mu     sync.Mutex
	ws     *Workspaces
	log    logrus.FieldLogger
	mounts map[string]*Mount
}

// NewTable creates an empty mount table backed by ws.
func NewTable(ws *Workspaces, log logrus.FieldLogger) *Table {
	return &Table{
		ws:     ws,
		log:    log,
		mounts: make(map[string]*Mount),
	}
}

// Mount attaches a filesystem of the given kind to id. Mounting an id that
// is already mounted with the same kind returns the existing mount.
func (t *Table) Mount(id string, kind Kind) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.mounts[id]; ok {
		if m.Kind != kind {
			return nil, fmt.Errorf("session %s already mounted as %s", id, m.Kind)
		}
		return m, nil
	}

	m := &Mount{ID: id, Kind: kind}
	switch kind {
	case KindHost:
		root, err := t.ws.Create(id)
		if err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		m.Root = root
		m.FS = vfs.NewHostFS(root)
	case KindMemory:
		if err := validID(id); err != nil {
			return nil, err
		}
		m.FS = vfs.NewMemFS()
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}

	m.FS = vfs.Traced(m.FS, t.log.WithField("session", id))
	t.mounts[id] = m
	t.log.WithFields(logrus.Fields{"session": id, "backend": kind, "root": m.Root}).Info("mount: attached")
	return m, nil
}

// Unmount detaches id. Host directories stay on disk; memory trees are
// dropped.
func (t *Table) Unmount(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mounts[id]; !ok {
		return fmt.Errorf("session %s is not mounted", id)
	}
	delete(t.mounts, id)
	t.log.WithField("session", id).Info("mount: detached")
	return nil
}

// Release detaches id and deletes its host workspace, if any.
func (t *Table) Release(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mounts, id)
	if err := t.ws.Remove(id); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	t.log.WithField("session", id).Info("mount: released")
	return nil
}
