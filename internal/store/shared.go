package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RequireSession fails with ErrNotFound unless sessionID names an existing
// session. An empty id means "no session" and always passes.
func RequireSession(ctx context.Context, q Querier, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = ?`, sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("session %q", sessionID)
	}
	if err != nil {
		return Storage("lookup session", err)
	}
	return nil
}

// TouchSession bumps a session's updated_at. No-op for an empty id.
func TouchSession(ctx context.Context, q Querier, sessionID string, now time.Time) error {
	if sessionID == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, FormatTime(now), sessionID)
	return Storage("touch session", err)
}

// LoadCursor returns the saved position of a named feed consumer, 0 if none.
func (d *DB) LoadCursor(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := d.db.QueryRowContext(ctx, `SELECT position FROM feed_cursors WHERE name = ?`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, Storage("load cursor", err)
	}
	return pos, nil
}

// SaveCursor records the position of a named feed consumer.
func (d *DB) SaveCursor(ctx context.Context, name string, pos int64) error {
	return d.Tx(ctx, "save cursor", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feed_cursors (name, position, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at
		`, name, pos, FormatTime(d.Now()))
		return err
	})
}
