package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Notification is one inbox entry. Event is the causing event when the
// notification was produced by one.
type Notification struct {
	ID        int64      `json:"notification_id"`
	Recipient string     `json:"recipient"`
	Type      string     `json:"type"`
	SourceRef string     `json:"source_ref"`
	EventID   *int64     `json:"event_id,omitempty"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Event     *Event     `json:"event,omitempty"`
}

// Notifications returns persona's inbox, newest first.
func (m *Manager) Notifications(ctx context.Context, persona string, unreadOnly bool) ([]Notification, error) {
	query := `
		SELECT n.id, n.recipient, n.type, n.source_ref, n.event_id, n.read, n.read_at, n.created_at,
			e.id, e.room_id, e.event_type, e.persona, e.timestamp, e.data, e.reply_to_id
		FROM notifications n
		LEFT JOIN chat_events e ON e.id = n.event_id
		WHERE n.recipient = ?`
	if unreadOnly {
		query += ` AND n.read = 0`
	}
	query += ` ORDER BY n.id DESC`

	rows, err := m.db.SQL().QueryContext(ctx, query, persona)
	if err != nil {
		return nil, store.Storage("list notifications", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var (
			n         Notification
			read      int
			evID      sql.NullInt64
			evRoom    sql.NullInt64
			evType    sql.NullString
			evPersona sql.NullString
			evTime    *time.Time
			evData    sql.NullString
			evReply   *int64
		)
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Type, &n.SourceRef, &n.EventID, &read,
			store.ScanNullTime(&n.ReadAt), store.ScanTime(&n.CreatedAt),
			&evID, &evRoom, &evType, &evPersona, store.ScanNullTime(&evTime), &evData, &evReply); err != nil {
			return nil, store.Storage("list notifications", err)
		}
		n.Read = read != 0
		if evID.Valid {
			n.Event = &Event{
				ID:      evID.Int64,
				RoomID:  evRoom.Int64,
				Type:    evType.String,
				Persona: evPersona.String,
				Data:    []byte(evData.String),
				ReplyTo: evReply,
			}
			if evTime != nil {
				n.Event.Timestamp = *evTime
			}
		}
		out = append(out, n)
	}
	return out, store.Storage("list notifications", rows.Err())
}

// MarkRead marks a notification read. Marking an already read notification
// again leaves its read_at untouched.
func (m *Manager) MarkRead(ctx context.Context, notificationID int64) error {
	return m.db.Tx(ctx, "mark read", func(tx *sql.Tx) error {
		var read int
		err := tx.QueryRowContext(ctx, `SELECT read FROM notifications WHERE id = ?`, notificationID).Scan(&read)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("notification %d", notificationID)
		}
		if err != nil {
			return err
		}
		if read != 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE notifications SET read = 1, read_at = ? WHERE id = ?`,
			store.FormatTime(m.db.Now()), notificationID)
		return err
	})
}
