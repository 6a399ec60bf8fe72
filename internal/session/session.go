// Package session groups artifacts and chat rooms under a session label and
// answers what belongs to a session. It never mutates child entities.
package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/huddle/internal/store"
)

// Session statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

const (
	idLength      = 8
	retryIDLength = 12
	defaultLimit  = 50
)

// Session is a grouping label.
type Session struct {
	ID            string    `json:"session_id"`
	Title         string    `json:"title,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	RoomCount     int       `json:"room_count"`
	ArtifactCount int       `json:"artifact_count"`
}

// ArtifactSummary is an artifact tagged with a session.
type ArtifactSummary struct {
	ID            int64     `json:"artifact_id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	RevisionCount int       `json:"revision_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// RoomSummary is a chat room tagged with a session.
type RoomSummary struct {
	ID          int64     `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EventCount  int       `json:"event_count"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contents is everything tagged with one session.
type Contents struct {
	Session   Session           `json:"session"`
	Artifacts []ArtifactSummary `json:"artifacts"`
	Rooms     []RoomSummary     `json:"chat_rooms"`
}

// Manager owns sessions.
type Manager struct {
	db *store.DB
}

// NewManager creates a session manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

// Create starts an active session. An empty id is generated; a generated
// id that collides is replaced with a longer one. An explicit id that is
// already taken is a conflict.
func (m *Manager) Create(ctx context.Context, title, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	explicit := id != ""
	if !explicit {
		id = newID(idLength)
	}
	var out *Session
	err := m.db.Tx(ctx, "create session", func(tx *sql.Tx) error {
		taken, err := exists(ctx, tx, id)
		if err != nil {
			return err
		}
		if taken {
			if explicit {
				return store.Conflict("session %q already exists", id)
			}
			id = newID(retryIDLength)
		}
		now := m.db.Now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, title, created_at, updated_at, status) VALUES (?, ?, ?, ?, ?)`,
			id, store.NullString(title), store.FormatTime(now), store.FormatTime(now), StatusActive); err != nil {
			return err
		}
		out = &Session{ID: id, Title: title, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func newID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func exists(ctx context.Context, q store.Querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

const sessionColumns = `s.id, COALESCE(s.title, ''), s.status, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM chat_rooms WHERE session_id = s.id),
	(SELECT COUNT(*) FROM artifacts WHERE session_id = s.id)`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Title, &s.Status, store.ScanTime(&s.CreatedAt), store.ScanTime(&s.UpdatedAt),
		&s.RoomCount, &s.ArtifactCount)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns one session with child counts.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(m.db.SQL().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("session %q", id)
	}
	if err != nil {
		return nil, store.Storage("get session", err)
	}
	return s, nil
}

// List returns sessions by most recent activity. An empty status lists all.
func (m *Manager) List(ctx context.Context, status string, limit int) ([]Session, error) {
	if status != "" && !validStatus(status) {
		return nil, store.Invalid("unknown session status %q", status)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions s`
	args := []any{}
	if status != "" {
		query += ` WHERE s.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY s.updated_at DESC, s.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("list sessions", err)
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, store.Storage("list sessions", err)
		}
		out = append(out, *s)
	}
	return out, store.Storage("list sessions", rows.Err())
}

// Update changes a session's title and/or status. Empty arguments are left
// unchanged; any change bumps updated_at.
func (m *Manager) Update(ctx context.Context, id, title, status string) (*Session, error) {
	if id == "" {
		return nil, store.Invalid("session id is required")
	}
	if status != "" && !validStatus(status) {
		return nil, store.Invalid("unknown session status %q", status)
	}
	err := m.db.Tx(ctx, "update session", func(tx *sql.Tx) error {
		if err := store.RequireSession(ctx, tx, id); err != nil {
			return err
		}
		sets := []string{}
		args := []any{}
		if title != "" {
			sets = append(sets, "title = ?")
			args = append(args, title)
		}
		if status != "" {
			sets = append(sets, "status = ?")
			args = append(args, status)
		}
		if len(sets) == 0 {
			return nil
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, store.FormatTime(m.db.Now()), id)
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

// Archive marks a session archived.
func (m *Manager) Archive(ctx context.Context, id string) (*Session, error) {
	return m.Update(ctx, id, "", StatusArchived)
}

// Contents returns the session with every artifact and room tagged with it.
func (m *Manager) Contents(ctx context.Context, id string) (*Contents, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Contents{Session: *s, Artifacts: []ArtifactSummary{}, Rooms: []RoomSummary{}}

	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT a.id, a.name, a.type, (SELECT COUNT(*) FROM revisions WHERE artifact_id = a.id), a.created_at
		FROM artifacts a WHERE a.session_id = ? ORDER BY a.id DESC`, id)
	if err != nil {
		return nil, store.Storage("session artifacts", err)
	}
	for rows.Next() {
		var a ArtifactSummary
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.RevisionCount, store.ScanTime(&a.CreatedAt)); err != nil {
			rows.Close()
			return nil, store.Storage("session artifacts", err)
		}
		out.Artifacts = append(out.Artifacts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Storage("session artifacts", err)
	}

	rows, err = m.db.SQL().QueryContext(ctx, `
		SELECT r.id, r.name, COALESCE(r.description, ''),
			(SELECT COUNT(*) FROM chat_events WHERE room_id = r.id),
			(SELECT COUNT(*) FROM room_members WHERE room_id = r.id),
			r.created_at
		FROM chat_rooms r WHERE r.session_id = ? ORDER BY r.id DESC`, id)
	if err != nil {
		return nil, store.Storage("session rooms", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r RoomSummary
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.EventCount, &r.MemberCount, store.ScanTime(&r.CreatedAt)); err != nil {
			return nil, store.Storage("session rooms", err)
		}
		out.Rooms = append(out.Rooms, r)
	}
	return out, store.Storage("session rooms", rows.Err())
}

func validStatus(s string) bool {
	return s == StatusActive || s == StatusArchived
}
