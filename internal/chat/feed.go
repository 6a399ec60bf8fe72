package chat

import (
	"context"
	"iter"

	"github.com/KafClaw/huddle/internal/store"
)

// DefaultPageSize bounds one feed query.
const DefaultPageSize = 100

// FeedPage is one slice of an event log. NextSince is the cursor to pass on
// the next poll; it equals the input cursor when no events were returned.
type FeedPage struct {
	Events    []Event `json:"events"`
	NextSince int64   `json:"next_since"`
}

// FeedPage returns up to limit events of a room with id > since, in
// ascending id order.
func (m *Manager) FeedPage(ctx context.Context, roomID, since int64, limit int) (*FeedPage, error) {
	if err := requireRoom(ctx, m.db.SQL(), roomID); err != nil {
		return nil, err
	}
	return m.page(ctx, `WHERE room_id = ? AND id > ?`, []any{roomID, since}, since, limit)
}

// EventsSince returns up to limit events across all rooms with id > since.
// Event ids are global, so one cursor covers every room.
func (m *Manager) EventsSince(ctx context.Context, since int64, limit int) (*FeedPage, error) {
	return m.page(ctx, `WHERE id > ?`, []any{since}, since, limit)
}

// Feed yields a room's events after since in ascending id order. The
// sequence ends at the last committed event; ranging over it again from any
// earlier cursor replays the same events. Rows are fetched a page at a time
// and released before yielding.
func (m *Manager) Feed(ctx context.Context, roomID, since int64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := requireRoom(ctx, m.db.SQL(), roomID); err != nil {
			yield(Event{}, err)
			return
		}
		cursor := since
		for {
			p, err := m.page(ctx, `WHERE room_id = ? AND id > ?`, []any{roomID, cursor}, cursor, DefaultPageSize)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range p.Events {
				if !yield(ev, nil) {
					return
				}
			}
			if len(p.Events) < DefaultPageSize {
				return
			}
			cursor = p.NextSince
		}
	}
}

func (m *Manager) page(ctx context.Context, where string, args []any, since int64, limit int) (*FeedPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT id, room_id, event_type, persona, timestamp, data, reply_to_id
		FROM chat_events `+where+` ORDER BY id ASC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, store.Storage("read feed", err)
	}
	defer rows.Close()

	out := &FeedPage{Events: []Event{}, NextSince: since}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, store.Storage("read feed", err)
		}
		out.Events = append(out.Events, *ev)
		out.NextSince = ev.ID
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("read feed", err)
	}
	return out, nil
}

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		ev      Event
		data    string
		replyTo *int64
	)
	if err := row.Scan(&ev.ID, &ev.RoomID, &ev.Type, &ev.Persona, store.ScanTime(&ev.Timestamp), &data, &replyTo); err != nil {
		return nil, err
	}
	ev.Data = []byte(data)
	ev.ReplyTo = replyTo
	return &ev, nil
}
