package registry

import (
	"database/sql"
	"time"
)

// Snapshot is a stored, encoded snapshot of a session's files.
// Data is only populated by GetSnapshot and GetLatestSnapshot.
type Snapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	FileCount int       `json:"file_count"`
	Data      []byte    `json:"-"`
	Sealed    bool      `json:"sealed"` // Data is encrypted
	CreatedAt time.Time `json:"created_at"`
}

// SaveSnapshot inserts a snapshot.
func (d *DB) SaveSnapshot(s *Snapshot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO snapshots (id, session_id, digest, size, file_count, data, sealed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.SessionID, s.Digest, s.Size, s.FileCount, s.Data, s.Sealed, formatTime(s.CreatedAt))
	return err
}

// GetSnapshot retrieves a snapshot with its data. Returns nil, nil if absent.
func (d *DB) GetSnapshot(id string) (*Snapshot, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, digest, size, file_count, data, sealed, created_at
		FROM snapshots WHERE id = ?
	`, id)
	return scanSnapshotWithData(row)
}

// GetLatestSnapshot returns the most recent snapshot of a session with its
// data, or nil, nil if the session has none.
func (d *DB) GetLatestSnapshot(sessionID string) (*Snapshot, error) {
	row := d.db.QueryRow(`
		SELECT id, session_id, digest, size, file_count, data, sealed, created_at
		FROM snapshots WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, sessionID)
	return scanSnapshotWithData(row)
}

// ListSnapshots returns snapshot metadata for a session, newest first.
func (d *DB) ListSnapshots(sessionID string) ([]*Snapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, session_id, digest, size, file_count, sealed, created_at
		FROM snapshots WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var s Snapshot
		var createdStr string
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Digest, &s.Size, &s.FileCount, &s.Sealed, &createdStr); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(createdStr)
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

// DeleteSnapshot removes a snapshot.
func (d *DB) DeleteSnapshot(id string) error {
	_, err := d.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	return err
}

// PruneSnapshots keeps the newest keep snapshots of a session and deletes
// the rest. Returns the number deleted. keep <= 0 keeps everything.
func (d *DB) PruneSnapshots(sessionID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := d.db.Exec(`
		DELETE FROM snapshots WHERE session_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSnapshotWithData(row *sql.Row) (*Snapshot, error) {
	var s Snapshot
	var createdStr string
	err := row.Scan(&s.ID, &s.SessionID, &s.Digest, &s.Size, &s.FileCount, &s.Data, &s.Sealed, &createdStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = parseTime(createdStr)
	return &s, nil
}
