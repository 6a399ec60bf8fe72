// Package chat owns chat rooms, their append-only event logs, and the
// notification inboxes that event fanout writes to.
//
// Messages, shares, todos and reactions are not separate records. Each is a
// typed row in the room's event log; views filter on Event.Type.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Event types.
const (
	EventJoin          = "join"
	EventMessage       = "message"
	EventArtifactShare = "artifact_share"
	EventTodo          = "todo"
	EventStatusChange  = "status_change"
	EventReaction      = "reaction"
)

// Notification types.
const (
	NotifyMention        = "mention"
	NotifyTodoAssign     = "todo_assign"
	NotifyArtifactShare  = "artifact_share"
	NotifyTaskCreated    = "task_created"
	NotifyNag            = "nag"
	NotifyTaskTerminated = "task_terminated"
	NotifyTaskAssigned   = "task_assigned"
)

// Event is one entry in a room's log. Data holds the payload matching Type.
type Event struct {
	ID        int64           `json:"event_id"`
	RoomID    int64           `json:"room_id"`
	Type      string          `json:"event_type"`
	Persona   string          `json:"persona"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ReplyTo   *int64          `json:"reply_to,omitempty"`
}

// JoinData is the payload of a join event.
type JoinData struct {
	Persona string `json:"persona"`
}

// MessageData is the payload of a message event.
type MessageData struct {
	Text     string   `json:"text"`
	Mentions []string `json:"mentions"`
}

// ShareData is the payload of an artifact_share event.
type ShareData struct {
	ArtifactID  int64 `json:"artifact_id"`
	RevisionNum *int  `json:"revision_num,omitempty"`
}

// TodoData is the payload of a todo event.
type TodoData struct {
	Description string `json:"description"`
	AssignedTo  string `json:"assigned_to"`
	Status      string `json:"status"`
}

// StatusChangeData is the payload of a status_change event.
type StatusChangeData struct {
	TaskerID string `json:"tasker_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Message  string `json:"message,omitempty"`
}

// ReactionData is the payload of a reaction event.
type ReactionData struct {
	Emoji         string `json:"emoji"`
	TargetEventID int64  `json:"target_event_id"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.Type, e.ID, err)
	}
	return nil
}

// AppendEvent writes one event inside tx. Callers that also notify must use
// the same tx so the event and its notifications commit together.
func AppendEvent(ctx context.Context, tx *sql.Tx, roomID int64, eventType, persona string, payload any, replyTo *int64, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_events (room_id, event_type, persona, timestamp, data, reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		roomID, eventType, persona, store.FormatTime(now), string(data), store.NullInt64(replyTo))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id,
		RoomID:    roomID,
		Type:      eventType,
		Persona:   persona,
		Timestamp: now,
		Data:      data,
		ReplyTo:   replyTo,
	}, nil
}

// NewNotification describes one inbox entry.
type NewNotification struct {
	Recipient string
	Type      string
	// SourceRef is "event:<id>" or "tasker:<id>". Defaults to the event ref
	// when EventID is set.
	SourceRef string
	EventID   *int64
}

// Notify writes one notification inside tx.
func Notify(ctx context.Context, tx *sql.Tx, n NewNotification, now time.Time) (*Notification, error) {
	if n.SourceRef == "" && n.EventID != nil {
		n.SourceRef = EventRef(*n.EventID)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (recipient, type, source_ref, event_id, read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		n.Recipient, n.Type, n.SourceRef, store.NullInt64(n.EventID), store.FormatTime(now))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:        id,
		Recipient: n.Recipient,
		Type:      n.Type,
		SourceRef: n.SourceRef,
		EventID:   n.EventID,
		CreatedAt: now,
	}, nil
}

// EventRef is the notification source reference for an event.
func EventRef(id int64) string { return fmt.Sprintf("event:%d", id) }

// TaskerRef is the notification source reference for a tasker.
func TaskerRef(id string) string { return "tasker:" + id }

// TaskRef is the notification source reference for a queued task.
func TaskRef(id int64) string { return fmt.Sprintf("task:%d", id) }

// Members returns the personas in a room in join order. It fails with
// ErrNotFound for an unknown room.
func Members(ctx context.Context, q store.Querier, roomID int64) ([]string, error) {
	if err := requireRoom(ctx, q, roomID); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT persona FROM room_members WHERE room_id = ? ORDER BY joined_at, rowid`, roomID)
	if err != nil {
		return nil, store.Storage("list members", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, store.Storage("list members", err)
		}
		out = append(out, p)
	}
	return out, store.Storage("list members", rows.Err())
}

var mentionPattern = regexp.MustCompile(`@([\w-]+)`)

// ParseMentions returns the distinct @slugs in text, in first-seen order,
// that name one of members. Matching is exact and case-sensitive.
func ParseMentions(text string, members []string) []string {
	isMember := make(map[string]bool, len(members))
	for _, m := range members {
		isMember[m] = true
	}
	seen := map[string]bool{}
	out := []string{}
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		slug := match[1]
		if seen[slug] || !isMember[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, slug)
	}
	return out
}
