package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// Task event types.
const (
	EventTaskCreated        = "task_created"
	EventStatusChanged      = "status_changed"
	EventComplexityAssigned = "complexity_assigned"
	EventTaskUpdated        = "task_updated"
	EventArtifactAdded      = "artifact_added"
	EventMessage            = "message"
)

// Event is one entry in a queue's activity log.
type Event struct {
	ID        int64           `json:"event_id"`
	TaskID    int64           `json:"task_id"`
	QueueID   int64           `json:"queue_id"`
	TaskTitle string          `json:"task_title,omitempty"`
	Type      string          `json:"event_type"`
	Persona   string          `json:"persona,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreatedData is the payload of task_created.
type CreatedData struct {
	Title      string     `json:"title"`
	Priority   int        `json:"priority"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
}

// StatusData is the payload of status_changed.
type StatusData struct {
	From  string `json:"old_status"`
	To    string `json:"new_status"`
	Notes string `json:"notes,omitempty"`
}

// ComplexityData is the payload of complexity_assigned.
type ComplexityData struct {
	Complexity int    `json:"complexity"`
	Notes      string `json:"notes,omitempty"`
}

// UpdatedData is the payload of task_updated. Each change is a Change or,
// for free-text fields, the string "updated".
type UpdatedData struct {
	Changes map[string]any `json:"changes"`
}

// MessageData is the payload of message.
type MessageData struct {
	Message string `json:"message"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.Type, e.ID, err)
	}
	return nil
}

// FeedPage is one slice of a queue or task log. NextSince is the cursor for
// the next poll and equals the input cursor when nothing was returned.
type FeedPage struct {
	Events    []Event `json:"events"`
	NextSince int64   `json:"next_since"`
}

func appendEvent(ctx context.Context, tx *sql.Tx, t *Task, eventType, persona string, payload any, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, queue_id, event_type, persona, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.QueueID, eventType, store.NullString(persona), string(data), store.FormatTime(now))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id,
		TaskID:    t.ID,
		QueueID:   t.QueueID,
		TaskTitle: t.Title,
		Type:      eventType,
		Persona:   persona,
		Data:      data,
		CreatedAt: now,
	}, nil
}

// QueueFeed returns up to limit events of a queue with id > since, oldest
// first.
func (m *Manager) QueueFeed(ctx context.Context, queueID, since int64, limit int) (*FeedPage, error) {
	if _, err := m.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	return m.page(ctx, `WHERE e.queue_id = ? AND e.id > ?`, []any{queueID, since}, since, limit)
}

// TaskFeed returns up to limit events of one task with id > since, oldest
// first.
func (m *Manager) TaskFeed(ctx context.Context, taskID, since int64, limit int) (*FeedPage, error) {
	if _, err := getTask(ctx, m.db.SQL(), taskID); err != nil {
		return nil, err
	}
	return m.page(ctx, `WHERE e.task_id = ? AND e.id > ?`, []any{taskID, since}, since, limit)
}

func (m *Manager) page(ctx context.Context, where string, args []any, since int64, limit int) (*FeedPage, error) {
	if limit <= 0 {
		limit = chat.DefaultPageSize
	}
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT e.id, e.task_id, e.queue_id, t.title, e.event_type, COALESCE(e.persona, ''), e.data, e.created_at
		FROM task_events e JOIN tasks t ON t.id = e.task_id `+where+`
		ORDER BY e.id ASC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, store.Storage("read task feed", err)
	}
	defer rows.Close()

	out := &FeedPage{Events: []Event{}, NextSince: since}
	for rows.Next() {
		var (
			ev   Event
			data string
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.QueueID, &ev.TaskTitle, &ev.Type, &ev.Persona,
			&data, store.ScanTime(&ev.CreatedAt)); err != nil {
			return nil, store.Storage("read task feed", err)
		}
		ev.Data = []byte(data)
		out.Events = append(out.Events, ev)
		out.NextSince = ev.ID
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("read task feed", err)
	}
	return out, nil
}
