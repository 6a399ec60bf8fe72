// Package taskqueue holds named work queues of tasks that personas pick up,
// move through pending -> in_progress -> blocked -> review -> done, and
// discuss in a per-queue activity feed. A queue may be tagged with a session
// and point at a chat room used for questions about its tasks.
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// Queue statuses.
const (
	QueueActive   = "active"
	QueuePaused   = "paused"
	QueueArchived = "archived"
)

const defaultQueueLimit = 50

// Queue is a named list of tasks.
type Queue struct {
	ID          int64          `json:"queue_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	RoomID      *int64         `json:"chat_room_id,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	TaskCounts  map[string]int `json:"task_counts"`
	TotalTasks  int            `json:"total_tasks"`
}

// CreateQueueParams describes a new queue.
type CreateQueueParams struct {
	Name        string
	Description string
	SessionID   string
	RoomID      *int64
}

// QueueUpdate changes queue metadata. Nil fields are left alone.
type QueueUpdate struct {
	Name        *string
	Description *string
	Status      *string
}

// Manager owns queues, their tasks and the task activity log.
type Manager struct {
	db *store.DB
}

// NewManager creates a task queue manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

func validQueueStatus(s string) bool {
	return s == QueueActive || s == QueuePaused || s == QueueArchived
}

// CreateQueue creates an active queue. Names are unique.
func (m *Manager) CreateQueue(ctx context.Context, p CreateQueueParams) (*Queue, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, store.Invalid("queue name is required")
	}
	var out *Queue
	err := m.db.Tx(ctx, "create queue", func(tx *sql.Tx) error {
		if err := store.RequireSession(ctx, tx, p.SessionID); err != nil {
			return err
		}
		if p.RoomID != nil {
			if _, err := chat.Members(ctx, tx, *p.RoomID); err != nil {
				return err
			}
		}
		var taken int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queues WHERE name = ?`, p.Name).Scan(&taken); err != nil {
			return err
		}
		if taken > 0 {
			return store.Conflict("task queue %q already exists", p.Name)
		}

		now := m.db.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_queues (name, description, room_id, session_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Name, store.NullString(p.Description), store.NullInt64(p.RoomID), store.NullString(p.SessionID),
			QueueActive, store.FormatTime(now), store.FormatTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := store.TouchSession(ctx, tx, p.SessionID, now); err != nil {
			return err
		}
		out = &Queue{
			ID:          id,
			Name:        p.Name,
			Description: p.Description,
			SessionID:   p.SessionID,
			RoomID:      p.RoomID,
			Status:      QueueActive,
			CreatedAt:   now,
			UpdatedAt:   now,
			TaskCounts:  map[string]int{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const queueColumns = `id, name, COALESCE(description, ''), COALESCE(session_id, ''), room_id, status, created_at, updated_at`

func scanQueue(row interface{ Scan(...any) error }) (*Queue, error) {
	var q Queue
	err := row.Scan(&q.ID, &q.Name, &q.Description, &q.SessionID, &q.RoomID, &q.Status,
		store.ScanTime(&q.CreatedAt), store.ScanTime(&q.UpdatedAt))
	if err != nil {
		return nil, err
	}
	q.TaskCounts = map[string]int{}
	return &q, nil
}

// GetQueue returns a queue with its per-status task counts.
func (m *Manager) GetQueue(ctx context.Context, queueID int64) (*Queue, error) {
	return getQueue(ctx, m.db.SQL(), queueID)
}

func getQueue(ctx context.Context, q store.Querier, queueID int64) (*Queue, error) {
	out, err := scanQueue(q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM task_queues WHERE id = ?`, queueID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("task queue %d", queueID)
	}
	if err != nil {
		return nil, store.Storage("get queue", err)
	}
	if err := countTasks(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

func countTasks(ctx context.Context, q store.Querier, queue *Queue) error {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE queue_id = ? GROUP BY status`, queue.ID)
	if err != nil {
		return store.Storage("count tasks", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return store.Storage("count tasks", err)
		}
		queue.TaskCounts[status] = n
		queue.TotalTasks += n
	}
	return store.Storage("count tasks", rows.Err())
}

// ListQueues returns queues, most recently active first. An empty status
// matches every queue; limit <= 0 takes the default.
func (m *Manager) ListQueues(ctx context.Context, status string, limit int) ([]Queue, error) {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	query := `SELECT ` + queueColumns + ` FROM task_queues`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Storage("list queues", err)
	}
	out := []Queue{}
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			rows.Close()
			return nil, store.Storage("list queues", err)
		}
		out = append(out, *q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list queues", err)
	}
	// Counts are read after the list cursor is released; a one-connection
	// pool cannot hold two open result sets.
	for i := range out {
		if err := countTasks(ctx, m.db.SQL(), &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateQueue renames, redescribes or changes the status of a queue.
func (m *Manager) UpdateQueue(ctx context.Context, queueID int64, u QueueUpdate) (*Queue, error) {
	var (
		sets []string
		args []any
	)
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, store.Invalid("queue name must not be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, store.NullString(*u.Description))
	}
	if u.Status != nil {
		if !validQueueStatus(*u.Status) {
			return nil, store.Invalid("queue status %q must be one of active, paused, archived", *u.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}

	var out *Queue
	err := m.db.Tx(ctx, "update queue", func(tx *sql.Tx) error {
		if _, err := getQueue(ctx, tx, queueID); err != nil {
			return err
		}
		if len(sets) > 0 {
			sets = append(sets, "updated_at = ?")
			args = append(args, store.FormatTime(m.db.Now()), queueID)
			if _, err := tx.ExecContext(ctx, `UPDATE task_queues SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
				return err
			}
		}
		q, err := getQueue(ctx, tx, queueID)
		if err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func touchQueue(ctx context.Context, tx *sql.Tx, queueID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE task_queues SET updated_at = ? WHERE id = ?`, store.FormatTime(now), queueID)
	return err
}
