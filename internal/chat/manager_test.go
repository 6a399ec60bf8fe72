package chat

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/KafClaw/huddle/internal/artifact"
	"github.com/KafClaw/huddle/internal/store"
	"github.com/KafClaw/huddle/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *store.DB) {
	t.Helper()
	db := testutil.NewStore(t, testutil.NewClock())
	return NewManager(db), db
}

func mustRoom(t *testing.T, m *Manager, name string, members ...string) *Room {
	t.Helper()
	r, err := m.CreateRoom(context.Background(), CreateRoomParams{Name: name, Members: members})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return r
}

func TestCreateRoomWritesJoinEvents(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice", "bob", "alice")

	if !reflect.DeepEqual(r.Members, []string{"alice", "bob"}) {
		t.Fatalf("unexpected members: %v", r.Members)
	}
	page, err := m.FeedPage(ctx, r.ID, 0, 0)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 join events, got %d", len(page.Events))
	}
	for i, ev := range page.Events {
		if ev.Type != EventJoin || ev.Persona != r.Members[i] {
			t.Fatalf("unexpected event %d: %+v", i, ev)
		}
	}

	if _, err := m.CreateRoom(ctx, CreateRoomParams{Name: "design"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate room: %v", err)
	}
	if _, err := m.CreateRoom(ctx, CreateRoomParams{Name: "other", SessionID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
}

func TestJoinRoom(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice")

	ev, err := m.JoinRoom(ctx, r.ID, "carol")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if ev.Type != EventJoin || ev.Persona != "carol" {
		t.Fatalf("unexpected join event: %+v", ev)
	}
	if _, err := m.JoinRoom(ctx, r.ID, "carol"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("double join: %v", err)
	}
	if _, err := m.JoinRoom(ctx, 99, "carol"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("join unknown room: %v", err)
	}
	got, err := m.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if !reflect.DeepEqual(got.Members, []string{"alice", "carol"}) {
		t.Fatalf("unexpected members: %v", got.Members)
	}
}

func TestRepeatedMentionNotifiesOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice", "bob")

	res, err := m.SendMessage(ctx, r.ID, "alice", "@bob look at this @bob @carol @alice", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !reflect.DeepEqual(res.Mentions, []string{"bob", "alice"}) {
		t.Fatalf("unexpected mentions: %v", res.Mentions)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].Recipient != "bob" {
		t.Fatalf("expected exactly one notification for bob, got %+v", res.Notifications)
	}
	if res.Notifications[0].SourceRef != EventRef(res.Event.ID) {
		t.Fatalf("unexpected source ref %q", res.Notifications[0].SourceRef)
	}

	inbox, err := m.Notifications(ctx, "bob", true)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Type != NotifyMention {
		t.Fatalf("unexpected inbox: %+v", inbox)
	}
	if inbox[0].Event == nil || inbox[0].Event.ID != res.Event.ID {
		t.Fatalf("notification missing causing event: %+v", inbox[0])
	}
	var data MessageData
	if err := inbox[0].Event.Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Text != "@bob look at this @bob @carol @alice" {
		t.Fatalf("unexpected payload: %+v", data)
	}
}

func TestMentionsAreCaseSensitive(t *testing.T) {
	got := ParseMentions("hi @Bob and @bob-2, @bob.", []string{"bob", "bob-2"})
	if !reflect.DeepEqual(got, []string{"bob-2", "bob"}) {
		t.Fatalf("unexpected mentions: %v", got)
	}
}

func TestSendMessageErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice")

	if _, err := m.SendMessage(ctx, 99, "alice", "hi", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown room: %v", err)
	}
	if _, err := m.SendMessage(ctx, r.ID, "mallory", "hi", nil); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("non-member: %v", err)
	}
	if _, err := m.SendMessage(ctx, r.ID, "alice", "  ", nil); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty text: %v", err)
	}
	missing := int64(99)
	if _, err := m.SendMessage(ctx, r.ID, "alice", "re", &missing); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown reply target: %v", err)
	}
}

func TestShareNotifiesOtherMembers(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	arts := artifact.NewManager(db)
	c, err := arts.CreateArtifact(ctx, artifact.CreateParams{Name: "design", Filename: "design.md", Content: []byte("x")})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	r := mustRoom(t, m, "design", "A", "B")

	res, err := m.ShareArtifact(ctx, r.ID, "A", c.Artifact.ID, nil)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].Recipient != "B" || res.Notifications[0].Type != NotifyArtifactShare {
		t.Fatalf("expected one share notification for B, got %+v", res.Notifications)
	}
	if inbox, _ := m.Notifications(ctx, "A", false); len(inbox) != 0 {
		t.Fatalf("sharer must not be notified: %+v", inbox)
	}

	bad := 3
	if _, err := m.ShareArtifact(ctx, r.ID, "A", c.Artifact.ID, &bad); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown revision: %v", err)
	}
	if _, err := m.ShareArtifact(ctx, r.ID, "A", 99, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown artifact: %v", err)
	}
}

func TestTodoAssignsExactlyOne(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice", "bob", "carol")

	res, err := m.CreateTodo(ctx, r.ID, "alice", "write tests", "bob")
	if err != nil {
		t.Fatalf("todo: %v", err)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].Recipient != "bob" || res.Notifications[0].Type != NotifyTodoAssign {
		t.Fatalf("unexpected todo fanout: %+v", res.Notifications)
	}
	for _, p := range []string{"alice", "carol"} {
		if inbox, _ := m.Notifications(ctx, p, false); len(inbox) != 0 {
			t.Fatalf("%s should have no notifications: %+v", p, inbox)
		}
	}
	if _, err := m.CreateTodo(ctx, r.ID, "alice", "x", ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("missing assignee: %v", err)
	}
}

func TestReact(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice", "bob")
	res, err := m.SendMessage(ctx, r.ID, "alice", "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ev, err := m.React(ctx, res.Event.ID, "bob", "+1")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if ev.Type != EventReaction || ev.ReplyTo == nil || *ev.ReplyTo != res.Event.ID {
		t.Fatalf("unexpected reaction: %+v", ev)
	}
	if _, err := m.React(ctx, 999, "bob", "+1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("react unknown event: %v", err)
	}
	if _, err := m.React(ctx, res.Event.ID, "mallory", "+1"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("react non-member: %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	r := mustRoom(t, m, "design", "alice", "bob")
	res, err := m.SendMessage(ctx, r.ID, "alice", "@bob ping", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id := res.Notifications[0].ID
	if err := m.MarkRead(ctx, id); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := m.MarkRead(ctx, id); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if err := m.MarkRead(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark unknown: %v", err)
	}
	unread, err := m.Notifications(ctx, "bob", true)
	if err != nil || len(unread) != 0 {
		t.Fatalf("expected empty unread inbox: %+v %v", unread, err)
	}
	all, err := m.Notifications(ctx, "bob", false)
	if err != nil || len(all) != 1 || !all[0].Read || all[0].ReadAt == nil {
		t.Fatalf("expected one read notification: %+v %v", all, err)
	}
}

func TestListRoomsEmptyEncodesAsArray(t *testing.T) {
	m, _ := newTestManager(t)
	rooms, err := m.ListRooms(context.Background())
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	raw, err := json.Marshal(rooms)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("expected [], got %s", raw)
	}
}
