package registry

import (
	"database/sql"
	"fmt"
	"time"
)

// Session states.
const (
	StateIdle   = "idle"
	StateActive = "active"
)

// Session is a named sandbox whose state persists between runs.
type Session struct {
	ID        string    `json:"id"`
	Base      string    `json:"base"`
	Backend   string    `json:"backend"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveSession inserts or replaces a session.
func (d *DB) SaveSession(s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	if s.State == "" {
		s.State = StateIdle
	}
	_, err := d.db.Exec(`
		INSERT INTO sessions (id, base, backend, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			base = excluded.base,
			backend = excluded.backend,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, s.ID, s.Base, s.Backend, s.State, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

// GetSession retrieves a session by ID. Returns nil, nil if absent.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT id, base, backend, state, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListSessions returns all sessions, most recently updated first.
func (d *DB) ListSessions() ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT id, base, backend, state, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionState sets the state of a session.
func (d *DB) UpdateSessionState(id, state string) error {
	res, err := d.db.Exec(`
		UPDATE sessions SET state = ?, updated_at = ? WHERE id = ?
	`, state, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// DeleteSession removes a session and all of its snapshots.
func (d *DB) DeleteSession(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM snapshots WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var createdStr, updatedStr string
	if err := row.Scan(&s.ID, &s.Base, &s.Backend, &s.State, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	s.CreatedAt = parseTime(createdStr)
	s.UpdatedAt = parseTime(updatedStr)
	return &s, nil
}
