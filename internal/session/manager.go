// Package session runs the snapshot lifecycle of named sandbox sessions:
// restore the latest snapshot into the session's filesystem on Begin, drain
// it back into a new snapshot on End.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xfeldman/statebridge/internal/archive"
	"github.com/xfeldman/statebridge/internal/mount"
	"github.com/xfeldman/statebridge/internal/registry"
	"github.com/xfeldman/statebridge/internal/secrets"
	"github.com/xfeldman/statebridge/internal/snapshot"
	"github.com/xfeldman/statebridge/internal/vfs"
)

var (
	// ErrActive is returned when a session is already running.
	ErrActive = errors.New("session is active")

	// ErrNotActive is returned by End for a session that was not begun.
	ErrNotActive = errors.New("session is not active")

	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("session not found")

	// ErrSealed is returned when a sealed snapshot is read without a key.
	ErrSealed = errors.New("snapshot is sealed and no master key is loaded")
)

// Options are the defaults applied to sessions and engines.
type Options struct {
	Base            string     // directory inside the mount, "/" for the whole mount
	Backend         mount.Kind // backend for sessions created by Begin or Seed
	KeepSnapshots   int        // 0 keeps everything
	RejectTraversal bool
	LenientStat     bool

	// Sealer, when set, opens sealed snapshots. New snapshots are sealed
	// only if Seal is also set.
	Sealer *secrets.Sealer
	Seal   bool
}

// Manager serializes push and pull per process: at most one operation runs
// at a time, whatever the session.
type Manager struct {
	mu     sync.Mutex
	db     *registry.DB
	mounts *mount.Table
	opts   Options
	log    logrus.FieldLogger
}

// NewManager creates a Manager.
func NewManager(db *registry.DB, mounts *mount.Table, opts Options, log logrus.FieldLogger) *Manager {
	if opts.Base == "" {
		opts.Base = "/"
	}
	if opts.Backend == "" {
		opts.Backend = mount.KindHost
	}
	return &Manager{db: db, mounts: mounts, opts: opts, log: log}
}

func (m *Manager) engine(fsys vfs.FS, log logrus.FieldLogger) *snapshot.Engine {
	opts := []snapshot.Option{snapshot.WithLogger(log)}
	if m.opts.LenientStat {
		opts = append(opts, snapshot.WithLenientStat())
	}
	if m.opts.RejectTraversal {
		opts = append(opts, snapshot.WithKeyValidation())
	}
	return snapshot.New(fsys, opts...)
}

// getOrCreate returns the session, registering it with the default base
// and backend if it does not exist yet.
func (m *Manager) getOrCreate(id string) (*registry.Session, error) {
	sess, err := m.db.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	sess = &registry.Session{
		ID:      id,
		Base:    m.opts.Base,
		Backend: string(m.opts.Backend),
		State:   registry.StateIdle,
	}
	if err := m.db.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "backend": sess.Backend}).Info("session: registered")
	return sess, nil
}

func (m *Manager) mount(sess *registry.Session) (*mount.Mount, error) {
	kind, err := mount.ParseKind(sess.Backend)
	if err != nil {
		return nil, err
	}
	return m.mounts.Mount(sess.ID, kind)
}

// Begin mounts the session's filesystem and pushes its latest snapshot into
// the base directory. Sessions are created on first use.
func (m *Manager) Begin(id string) (*registry.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// End could not store the session's files; refuse before anything runs.
	if m.opts.Seal && m.opts.Sealer == nil {
		return nil, fmt.Errorf("begin %s: %w", id, ErrSealed)
	}

	sess, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	if sess.State == registry.StateActive {
		return nil, fmt.Errorf("begin %s: %w", id, ErrActive)
	}

	mnt, err := m.mount(sess)
	if err != nil {
		return nil, fmt.Errorf("begin %s: mount: %w", id, err)
	}

	log := m.log.WithFields(logrus.Fields{"session": id, "base": sess.Base})
	engine := m.engine(mnt.FS, log)
	// End pulls from the base, so it must exist even with nothing to restore.
	if err := engine.EnsureDir(sess.Base); err != nil {
		return nil, fmt.Errorf("begin %s: %w", id, err)
	}

	latest, err := m.db.GetLatestSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("begin %s: load snapshot: %w", id, err)
	}
	if latest != nil {
		snap, err := m.Decode(latest)
		if err != nil {
			return nil, fmt.Errorf("begin %s: %w", id, err)
		}
		if err := engine.Push(sess.Base, snap); err != nil {
			return nil, fmt.Errorf("begin %s: %w", id, err)
		}
		log.WithFields(logrus.Fields{"snapshot": latest.ID, "files": latest.FileCount}).Info("session: restored")
	} else {
		log.Info("session: no snapshot to restore")
	}

	if err := m.db.UpdateSessionState(id, registry.StateActive); err != nil {
		return nil, fmt.Errorf("begin %s: %w", id, err)
	}
	sess.State = registry.StateActive
	return sess, nil
}

// End pulls every file out of the session's base directory and stores the
// result as the session's newest snapshot. If storing fails the files are
// pushed back and the session stays active. Memory mounts are dropped once
// the snapshot is stored.
func (m *Manager) End(id string) (*registry.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.db.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || sess.State != registry.StateActive {
		return nil, fmt.Errorf("end %s: %w", id, ErrNotActive)
	}

	mnt, err := m.mount(sess)
	if err != nil {
		return nil, fmt.Errorf("end %s: mount: %w", id, err)
	}

	log := m.log.WithFields(logrus.Fields{"session": id, "base": sess.Base})
	engine := m.engine(mnt.FS, log)
	snap, err := engine.Pull(sess.Base)
	if err != nil {
		return nil, restore(engine, sess.Base, snap, log, fmt.Errorf("end %s: %w", id, err))
	}

	rec, err := m.store(id, snap)
	if err != nil {
		return nil, restore(engine, sess.Base, snap, log, fmt.Errorf("end %s: %w", id, err))
	}
	if err := m.db.UpdateSessionState(id, registry.StateIdle); err != nil {
		if derr := m.db.DeleteSnapshot(rec.ID); derr != nil {
			log.WithError(derr).WithField("snapshot", rec.ID).Warn("session: drop unfinished snapshot")
		}
		return nil, restore(engine, sess.Base, snap, log, fmt.Errorf("end %s: %w", id, err))
	}
	log.WithFields(logrus.Fields{"snapshot": rec.ID, "files": rec.FileCount, "bytes": rec.Size}).Info("session: captured")

	if mnt.Kind == mount.KindMemory {
		if err := m.mounts.Unmount(id); err != nil {
			log.WithError(err).Warn("session: unmount")
		}
	}
	return rec, nil
}

// restore pushes files drained by a failed End back under base, so the
// session keeps them and stays active. It returns cause, annotated if the
// push itself fails.
func restore(engine *snapshot.Engine, base string, snap snapshot.Snapshot, log logrus.FieldLogger, cause error) error {
	if len(snap) == 0 {
		return cause
	}
	if err := engine.Push(base, snap); err != nil {
		log.WithError(err).Error("session: could not restore drained files")
		return fmt.Errorf("%w (restore of %d file(s) failed: %v)", cause, len(snap), err)
	}
	log.WithField("files", len(snap)).Warn("session: end failed, files restored")
	return cause
}

// store encodes snap, saves it as a new snapshot of id and prunes old ones.
func (m *Manager) store(id string, snap snapshot.Snapshot) (*registry.Snapshot, error) {
	data, err := archive.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	rec := &registry.Snapshot{
		ID:        uuid.NewString(),
		SessionID: id,
		Digest:    archive.Digest(data),
		Size:      snap.Size(),
		FileCount: snap.FileCount(),
		Data:      data,
	}
	if m.opts.Seal {
		if m.opts.Sealer == nil {
			return nil, fmt.Errorf("seal snapshot: %w", ErrSealed)
		}
		if rec.Data, err = m.opts.Sealer.Seal(data, rec.Digest); err != nil {
			return nil, fmt.Errorf("seal snapshot: %w", err)
		}
		rec.Sealed = true
	}
	if err := m.db.SaveSnapshot(rec); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if n, err := m.db.PruneSnapshots(id, m.opts.KeepSnapshots); err != nil {
		m.log.WithError(err).WithField("session", id).Warn("session: prune failed")
	} else if n > 0 {
		m.log.WithFields(logrus.Fields{"session": id, "pruned": n}).Debug("session: pruned snapshots")
	}
	return rec, nil
}

// Seed stores snap as the newest snapshot of id without touching any
// filesystem. The session must not be active.
func (m *Manager) Seed(id string, snap snapshot.Snapshot) (*registry.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.RejectTraversal {
		for key := range snap {
			if err := snapshot.ValidateKey(key); err != nil {
				return nil, fmt.Errorf("seed %s: %w", id, err)
			}
		}
	}

	sess, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	if sess.State == registry.StateActive {
		return nil, fmt.Errorf("seed %s: %w", id, ErrActive)
	}
	rec, err := m.store(id, snap)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", id, err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "snapshot": rec.ID, "files": rec.FileCount}).Info("session: seeded")
	return rec, nil
}

// Latest returns the decoded newest snapshot of id, or nil if it has none.
func (m *Manager) Latest(id string) (snapshot.Snapshot, *registry.Snapshot, error) {
	rec, err := m.db.GetLatestSnapshot(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}
	if rec == nil {
		return nil, nil, nil
	}
	snap, err := m.Decode(rec)
	if err != nil {
		return nil, nil, err
	}
	return snap, rec, nil
}

// Archive returns the encoded archive of rec, unsealing it if needed.
func (m *Manager) Archive(rec *registry.Snapshot) ([]byte, error) {
	if !rec.Sealed {
		return rec.Data, nil
	}
	if m.opts.Sealer == nil {
		return nil, fmt.Errorf("snapshot %s: %w", rec.ID, ErrSealed)
	}
	data, err := m.opts.Sealer.Open(rec.Data, rec.Digest)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", rec.ID, err)
	}
	return data, nil
}

// Decode returns the snapshot stored in rec.
func (m *Manager) Decode(rec *registry.Snapshot) (snapshot.Snapshot, error) {
	data, err := m.Archive(rec)
	if err != nil {
		return nil, err
	}
	snap, err := archive.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
	}
	return snap, nil
}

// Delete removes an idle session, its snapshots, and its workspace.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.db.GetSession(id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	if sess.State == registry.StateActive {
		return fmt.Errorf("delete %s: %w", id, ErrActive)
	}
	if err := m.db.DeleteSession(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if err := m.mounts.Release(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	m.log.WithField("session", id).Info("session: deleted")
	return nil
}

// Sessions lists all registered sessions.
func (m *Manager) Sessions() ([]*registry.Session, error) {
	return m.db.ListSessions()
}

// Snapshots lists the stored snapshots of id, newest first.
func (m *Manager) Snapshots(id string) ([]*registry.Snapshot, error) {
	return m.db.ListSnapshots(id)
}

// Mount returns the filesystem of id, mounting it if needed. Used by
// tools that inspect a session's tree directly.
func (m *Manager) Mount(id string) (*mount.Mount, error) {
	sess, err := m.db.GetSession(id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("mount %s: %w", id, ErrNotFound)
	}
	return m.mount(sess)
}
