package chat

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Room is a named chat room.
type Room struct {
	ID          int64     `json:"room_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Members     []string  `json:"members"`
}

// CreateRoomParams describes a new room.
type CreateRoomParams struct {
	Name        string
	Members     []string
	Description string
	SessionID   string
}

// SendResult reports the event a send created and its fanout.
type SendResult struct {
	Event         Event          `json:"event"`
	Mentions      []string       `json:"mentions"`
	Notifications []Notification `json:"notifications"`
}

// Manager owns rooms, membership, the event log and notifications.
type Manager struct {
	db *store.DB
}

// NewManager creates a chat manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

// CreateRoom creates a room and one join event per distinct member.
func (m *Manager) CreateRoom(ctx context.Context, p CreateRoomParams) (*Room, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, store.Invalid("room name is required")
	}
	members := distinct(p.Members)
	var room *Room
	err := m.db.Tx(ctx, "create room", func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM chat_rooms WHERE name = ?`, p.Name).Scan(&existing)
		if err == nil {
			return store.Conflict("room %q already exists", p.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := store.RequireSession(ctx, tx, p.SessionID); err != nil {
			return err
		}

		now := m.db.Now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_rooms (name, description, created_at, session_id) VALUES (?, ?, ?, ?)`,
			p.Name, store.NullString(p.Description), store.FormatTime(now), store.NullString(p.SessionID))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, persona := range members {
			if _, err := join(ctx, tx, id, persona, now); err != nil {
				return err
			}
		}
		if err := store.TouchSession(ctx, tx, p.SessionID, now); err != nil {
			return err
		}
		room = &Room{
			ID:          id,
			Name:        p.Name,
			Description: p.Description,
			SessionID:   p.SessionID,
			CreatedAt:   now,
			Members:     members,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// JoinRoom adds persona to a room and records its join event.
func (m *Manager) JoinRoom(ctx context.Context, roomID int64, persona string) (*Event, error) {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return nil, store.Invalid("persona is required")
	}
	var ev *Event
	err := m.db.Tx(ctx, "join room", func(tx *sql.Tx) error {
		if err := requireRoom(ctx, tx, roomID); err != nil {
			return err
		}
		ok, err := isMember(ctx, tx, roomID, persona)
		if err != nil {
			return err
		}
		if ok {
			return store.Conflict("%s is already a member of room %d", persona, roomID)
		}
		ev, err = join(ctx, tx, roomID, persona, m.db.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Membership is the join event's side effect; both are written together.
func join(ctx context.Context, tx *sql.Tx, roomID int64, persona string, now time.Time) (*Event, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room_id, persona, joined_at) VALUES (?, ?, ?)`,
		roomID, persona, store.FormatTime(now)); err != nil {
		return nil, err
	}
	return AppendEvent(ctx, tx, roomID, EventJoin, persona, JoinData{Persona: persona}, nil, now)
}

// SendMessage appends a message and notifies each distinct mentioned member
// other than the sender. Only members may post.
func (m *Manager) SendMessage(ctx context.Context, roomID int64, persona, text string, replyTo *int64) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, store.Invalid("message text is required")
	}
	var out SendResult
	err := m.db.Tx(ctx, "send message", func(tx *sql.Tx) error {
		members, err := requireMember(ctx, tx, roomID, persona)
		if err != nil {
			return err
		}
		if replyTo != nil {
			if err := requireEventInRoom(ctx, tx, *replyTo, roomID); err != nil {
				return err
			}
		}
		mentions := ParseMentions(text, members)
		now := m.db.Now()
		ev, err := AppendEvent(ctx, tx, roomID, EventMessage, persona, MessageData{Text: text, Mentions: mentions}, replyTo, now)
		if err != nil {
			return err
		}
		out.Event = *ev
		out.Mentions = mentions
		out.Notifications = []Notification{}
		for _, target := range mentions {
			if target == persona {
				continue
			}
			n, err := Notify(ctx, tx, NewNotification{Recipient: target, Type: NotifyMention, EventID: &ev.ID}, now)
			if err != nil {
				return err
			}
			out.Notifications = append(out.Notifications, *n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// React appends a reaction event replying to eventID, in that event's room.
func (m *Manager) React(ctx context.Context, eventID int64, persona, emoji string) (*Event, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, store.Invalid("emoji is required")
	}
	var ev *Event
	err := m.db.Tx(ctx, "react", func(tx *sql.Tx) error {
		var roomID int64
		err := tx.QueryRowContext(ctx, `SELECT room_id FROM chat_events WHERE id = ?`, eventID).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("event %d", eventID)
		}
		if err != nil {
			return err
		}
		if _, err := requireMember(ctx, tx, roomID, persona); err != nil {
			return err
		}
		target := eventID
		ev, err = AppendEvent(ctx, tx, roomID, EventReaction, persona,
			ReactionData{Emoji: emoji, TargetEventID: eventID}, &target, m.db.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ShareArtifact posts an artifact (optionally one revision of it) and
// notifies every member except the sharer.
func (m *Manager) ShareArtifact(ctx context.Context, roomID int64, persona string, artifactID int64, revisionNum *int) (*SendResult, error) {
	var out SendResult
	err := m.db.Tx(ctx, "share artifact", func(tx *sql.Tx) error {
		members, err := requireMember(ctx, tx, roomID, persona)
		if err != nil {
			return err
		}
		var id int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM artifacts WHERE id = ?`, artifactID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("artifact %d", artifactID)
		}
		if err != nil {
			return err
		}
		if revisionNum != nil {
			err = tx.QueryRowContext(ctx, `SELECT id FROM revisions WHERE artifact_id = ? AND revision_num = ?`,
				artifactID, *revisionNum).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFound("revision %d of artifact %d", *revisionNum, artifactID)
			}
			if err != nil {
				return err
			}
		}

		now := m.db.Now()
		ev, err := AppendEvent(ctx, tx, roomID, EventArtifactShare, persona,
			ShareData{ArtifactID: artifactID, RevisionNum: revisionNum}, nil, now)
		if err != nil {
			return err
		}
		out.Event = *ev
		out.Mentions = []string{}
		out.Notifications = []Notification{}
		for _, member := range members {
			if member == persona {
				continue
			}
			n, err := Notify(ctx, tx, NewNotification{Recipient: member, Type: NotifyArtifactShare, EventID: &ev.ID}, now)
			if err != nil {
				return err
			}
			out.Notifications = append(out.Notifications, *n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTodo posts a todo and writes exactly one todo_assign notification
// for assignedTo.
func (m *Manager) CreateTodo(ctx context.Context, roomID int64, persona, description, assignedTo string) (*SendResult, error) {
	if strings.TrimSpace(description) == "" {
		return nil, store.Invalid("todo description is required")
	}
	assignedTo = strings.TrimSpace(assignedTo)
	if assignedTo == "" {
		return nil, store.Invalid("todo assignee is required")
	}
	var out SendResult
	err := m.db.Tx(ctx, "create todo", func(tx *sql.Tx) error {
		if _, err := requireMember(ctx, tx, roomID, persona); err != nil {
			return err
		}
		now := m.db.Now()
		ev, err := AppendEvent(ctx, tx, roomID, EventTodo, persona,
			TodoData{Description: description, AssignedTo: assignedTo, Status: "pending"}, nil, now)
		if err != nil {
			return err
		}
		n, err := Notify(ctx, tx, NewNotification{Recipient: assignedTo, Type: NotifyTodoAssign, EventID: &ev.ID}, now)
		if err != nil {
			return err
		}
		out = SendResult{Event: *ev, Mentions: []string{}, Notifications: []Notification{*n}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRoom returns a room with its members.
func (m *Manager) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	var r Room
	err := m.db.SQL().QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(session_id, ''), created_at
		FROM chat_rooms WHERE id = ?`, roomID).Scan(
		&r.ID, &r.Name, &r.Description, &r.SessionID, store.ScanTime(&r.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("room %d", roomID)
	}
	if err != nil {
		return nil, store.Storage("get room", err)
	}
	members, err := Members(ctx, m.db.SQL(), roomID)
	if err != nil {
		return nil, err
	}
	r.Members = members
	return &r, nil
}

// ListRooms returns all rooms, newest first, without members.
func (m *Manager) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(session_id, ''), created_at
		FROM chat_rooms ORDER BY id DESC`)
	if err != nil {
		return nil, store.Storage("list rooms", err)
	}
	defer rows.Close()
	out := []Room{}
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.SessionID, store.ScanTime(&r.CreatedAt)); err != nil {
			return nil, store.Storage("list rooms", err)
		}
		out = append(out, r)
	}
	return out, store.Storage("list rooms", rows.Err())
}

func requireRoom(ctx context.Context, q store.Querier, roomID int64) error {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM chat_rooms WHERE id = ?`, roomID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound("room %d", roomID)
	}
	if err != nil {
		return store.Storage("lookup room", err)
	}
	return nil
}

func isMember(ctx context.Context, q store.Querier, roomID int64, persona string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ? AND persona = ?`, roomID, persona).Scan(&n)
	if err != nil {
		return false, store.Storage("lookup member", err)
	}
	return n > 0, nil
}

// requireMember returns the room's members, failing with ErrNotFound for an
// unknown room and ErrForbidden when persona is not among them.
func requireMember(ctx context.Context, q store.Querier, roomID int64, persona string) ([]string, error) {
	members, err := Members(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	for _, p := range members {
		if p == persona {
			return members, nil
		}
	}
	return nil, store.Forbidden("%q is not a member of room %d", persona, roomID)
}

func requireEventInRoom(ctx context.Context, q store.Querier, eventID, roomID int64) error {
	var room int64
	err := q.QueryRowContext(ctx, `SELECT room_id FROM chat_events WHERE id = ?`, eventID).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound("event %d", eventID)
	}
	if err != nil {
		return store.Storage("lookup event", err)
	}
	if room != roomID {
		return store.Invalid("event %d is not in room %d", eventID, roomID)
	}
	return nil
}

func distinct(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
