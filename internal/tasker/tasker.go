// Package tasker tracks delegated sub-tasks and their liveness. A tasker
// moves active -> nagged -> terminated (or active -> terminated directly)
// and never leaves terminated.
package tasker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// Tasker statuses.
const (
	StatusActive     = "active"
	StatusNagged     = "nagged"
	StatusTerminated = "terminated"
)

// Termination reasons.
const (
	ReasonDismissed = "dismissed"
	ReasonTimeout   = "timeout"
)

// Default liveness windows, in minutes.
const (
	DefaultTimeoutMinutes = 15
	DefaultNagMinutes     = 5
)

// Tasker is one delegated sub-task.
type Tasker struct {
	ID                string     `json:"tasker_id"`
	ParentAgentID     string     `json:"parent_agent_id"`
	SessionID         string     `json:"session_id,omitempty"`
	RoomID            *int64     `json:"room_id,omitempty"`
	Task              string     `json:"task"`
	Patterns          []string   `json:"patterns"`
	Status            string     `json:"status"`
	TimeoutMinutes    int        `json:"timeout_minutes"`
	NagMinutes        int        `json:"nag_minutes"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// CreateParams describes a new tasker. Zero windows take the defaults.
type CreateParams struct {
	ParentAgentID  string
	Task           string
	Patterns       []string
	TimeoutMinutes int
	NagMinutes     int
	SessionID      string
	RoomID         *int64
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status        string
	SessionID     string
	ParentAgentID string
}

// Manager owns tasker rows and caller-driven transitions.
type Manager struct {
	db *store.DB
}

// NewManager creates a tasker manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

func newID() string {
	return "tsk-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create registers an active tasker. When attached to a room it posts a
// status_change event and notifies every other room member.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Tasker, error) {
	p.ParentAgentID = strings.TrimSpace(p.ParentAgentID)
	if p.ParentAgentID == "" {
		return nil, store.Invalid("parent agent id is required")
	}
	if strings.TrimSpace(p.Task) == "" {
		return nil, store.Invalid("task description is required")
	}
	if p.TimeoutMinutes == 0 {
		p.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if p.NagMinutes == 0 {
		p.NagMinutes = DefaultNagMinutes
	}
	if p.TimeoutMinutes < 0 || p.NagMinutes < 0 {
		return nil, store.Invalid("timeout and nag minutes must be positive")
	}
	if p.Patterns == nil {
		p.Patterns = []string{}
	}
	patterns, err := json.Marshal(p.Patterns)
	if err != nil {
		return nil, store.Invalid("patterns: %v", err)
	}

	var out *Tasker
	err = m.db.Tx(ctx, "create tasker", func(tx *sql.Tx) error {
		if err := store.RequireSession(ctx, tx, p.SessionID); err != nil {
			return err
		}
		var members []string
		if p.RoomID != nil {
			ms, err := chat.Members(ctx, tx, *p.RoomID)
			if err != nil {
				return err
			}
			members = ms
		}

		now := m.db.Now()
		t := &Tasker{
			ID:             newID(),
			ParentAgentID:  p.ParentAgentID,
			SessionID:      p.SessionID,
			RoomID:         p.RoomID,
			Task:           p.Task,
			Patterns:       p.Patterns,
			Status:         StatusActive,
			TimeoutMinutes: p.TimeoutMinutes,
			NagMinutes:     p.NagMinutes,
			CreatedAt:      now,
			LastActivity:   now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO taskers (id, parent_agent_id, session_id, room_id, task, patterns, status,
				timeout_minutes, nag_minutes, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ParentAgentID, store.NullString(t.SessionID), store.NullInt64(t.RoomID), t.Task, string(patterns),
			t.Status, t.TimeoutMinutes, t.NagMinutes, store.FormatTime(now), store.FormatTime(now)); err != nil {
			return err
		}

		if p.RoomID != nil {
			ev, err := chat.AppendEvent(ctx, tx, *p.RoomID, chat.EventStatusChange, t.ID, chat.StatusChangeData{
				TaskerID: t.ID,
				To:       StatusActive,
				Message:  fmt.Sprintf("Tasker %s started for @%s: %s", t.ID, t.ParentAgentID, t.Task),
			}, nil, now)
			if err != nil {
				return err
			}
			for _, member := range members {
				if member == t.ParentAgentID {
					continue
				}
				if _, err := chat.Notify(ctx, tx, chat.NewNotification{
					Recipient: member,
					Type:      chat.NotifyTaskCreated,
					SourceRef: chat.TaskerRef(t.ID),
					EventID:   &ev.ID,
				}, now); err != nil {
					return err
				}
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const taskerColumns = `id, parent_agent_id, COALESCE(session_id, ''), room_id, task, patterns, status,
	timeout_minutes, nag_minutes, created_at, last_activity, terminated_at, COALESCE(termination_reason, '')`

func scanTasker(row interface{ Scan(...any) error }) (*Tasker, error) {
	var (
		t        Tasker
		patterns string
	)
	err := row.Scan(&t.ID, &t.ParentAgentID, &t.SessionID, &t.RoomID, &t.Task, &patterns, &t.Status,
		&t.TimeoutMinutes, &t.NagMinutes, store.ScanTime(&t.CreatedAt), store.ScanTime(&t.LastActivity),
		store.ScanNullTime(&t.TerminatedAt), &t.TerminationReason)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(patterns), &t.Patterns); err != nil || t.Patterns == nil {
		t.Patterns = []string{}
	}
	return &t, nil
}

// Get returns one tasker.
func (m *Manager) Get(ctx context.Context, id string) (*Tasker, error) {
	return get(ctx, m.db.SQL(), id)
}

func get(ctx context.Context, q store.Querier, id string) (*Tasker, error) {
	t, err := scanTasker(q.QueryRowContext(ctx, `SELECT `+taskerColumns+` FROM taskers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("tasker %q", id)
	}
	if err != nil {
		return nil, store.Storage("get tasker", err)
	}
	return t, nil
}

// List returns taskers matching f, newest first.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]Tasker, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ParentAgentID != "" {
		where = append(where, "parent_agent_id = ?")
		args = append(args, f.ParentAgentID)
	}
	query := `SELECT ` + taskerColumns + ` FROM taskers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := m.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("list taskers", err)
	}
	defer rows.Close()
	out := []Tasker{}
	for rows.Next() {
		t, err := scanTasker(rows)
		if err != nil {
			return nil, store.Storage("list taskers", err)
		}
		out = append(out, *t)
	}
	return out, store.Storage("list taskers", rows.Err())
}

// Heartbeat records activity. It cancels a pending nag and fails with
// ErrInvalidState once the tasker is terminated.
func (m *Manager) Heartbeat(ctx context.Context, id string) (*Tasker, error) {
	var out *Tasker
	err := m.db.Tx(ctx, "heartbeat", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE taskers SET last_activity = ?, status = ?
			WHERE id = ? AND status IN (?, ?)`,
			store.FormatTime(m.db.Now()), StatusActive, id, StatusActive, StatusNagged)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return store.InvalidState("tasker %s is %s", id, t.Status)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Terminate stops a tasker. Terminating a terminated tasker is a no-op that
// returns it unchanged. An empty reason records "dismissed".
func (m *Manager) Terminate(ctx context.Context, id, reason string) (*Tasker, error) {
	if strings.TrimSpace(reason) == "" {
		reason = ReasonDismissed
	}
	var out *Tasker
	err := m.db.Tx(ctx, "terminate tasker", func(tx *sql.Tx) error {
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status == StatusTerminated {
			out = t
			return nil
		}
		now := m.db.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE taskers SET status = ?, terminated_at = ?, termination_reason = ?
			WHERE id = ? AND status != ?`,
			StatusTerminated, store.FormatTime(now), reason, id, StatusTerminated); err != nil {
			return err
		}
		if t.RoomID != nil {
			if _, err := chat.AppendEvent(ctx, tx, *t.RoomID, chat.EventStatusChange, t.ID, chat.StatusChangeData{
				TaskerID: t.ID,
				From:     t.Status,
				To:       StatusTerminated,
				Message:  fmt.Sprintf("Tasker %s stopped: %s", t.ID, reason),
			}, nil, now); err != nil {
				return err
			}
		}
		t.Status = StatusTerminated
		t.TerminatedAt = &now
		t.TerminationReason = reason
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
