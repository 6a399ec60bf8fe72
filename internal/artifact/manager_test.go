package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/huddle/internal/store"
	"github.com/KafClaw/huddle/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *store.DB) {
	t.Helper()
	db := testutil.NewStore(t, testutil.NewClock())
	return NewManager(db), db
}

func createDoc(t *testing.T, m *Manager, name string) *Created {
	t.Helper()
	c, err := m.CreateArtifact(context.Background(), CreateParams{
		Name:     name,
		Type:     "document",
		Content:  []byte("v1"),
		Filename: "doc.md",
		Author:   "alice",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return c
}

func TestCreateAddGetEndToEnd(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	c := createDoc(t, m, "doc")
	if c.Artifact.ID != 1 || c.Revision.RevisionNum != 0 {
		t.Fatalf("expected artifact 1 revision 0, got %d/%d", c.Artifact.ID, c.Revision.RevisionNum)
	}
	if c.Revision.Purpose != "Initial version" {
		t.Fatalf("expected default purpose, got %q", c.Revision.Purpose)
	}

	rev, err := m.AddRevision(ctx, 1, RevisionParams{Content: []byte("v2"), Filename: "doc.md", Author: "bob"})
	if err != nil {
		t.Fatalf("add revision: %v", err)
	}
	if rev.RevisionNum != 1 {
		t.Fatalf("expected revision 1, got %d", rev.RevisionNum)
	}

	a, err := m.GetArtifact(ctx, 1)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if a.CurrentRevisionNum != 1 || a.CurrentRevisionID != rev.ID {
		t.Fatalf("current pointer not advanced: %+v", a)
	}
	if a.RevisionCount != 2 {
		t.Fatalf("expected 2 revisions, got %d", a.RevisionCount)
	}

	r0, err := m.GetRevision(ctx, 1, 0)
	if err != nil {
		t.Fatalf("get revision 0: %v", err)
	}
	if string(r0.Content) != "v1" || r0.Author != "alice" {
		t.Fatalf("revision 0 changed: %+v", r0)
	}
	cur, err := m.CurrentRevision(ctx, 1)
	if err != nil {
		t.Fatalf("current revision: %v", err)
	}
	if string(cur.Content) != "v2" {
		t.Fatalf("expected v2 as current, got %q", cur.Content)
	}
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	m, _ := newTestManager(t)
	createDoc(t, m, "doc")
	_, err := m.CreateArtifact(context.Background(), CreateParams{Name: "doc", Filename: "x", Content: []byte("x")})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tests := []CreateParams{
		{Name: "", Filename: "a.md"},
		{Name: "   ", Filename: "a.md"},
		{Name: "x", Filename: ""},
	}
	for _, p := range tests {
		if _, err := m.CreateArtifact(ctx, p); !errors.Is(err, store.ErrValidation) {
			t.Errorf("CreateArtifact(%+v) = %v, want validation error", p, err)
		}
	}
}

func TestUnknownIDsAreNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	createDoc(t, m, "doc")

	if _, err := m.AddRevision(ctx, 99, RevisionParams{Filename: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("add revision unknown artifact: %v", err)
	}
	if _, err := m.GetArtifact(ctx, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get unknown artifact: %v", err)
	}
	if _, err := m.GetRevision(ctx, 99, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get revision unknown artifact: %v", err)
	}
	for _, n := range []int{-1, 1, 5} {
		if _, err := m.GetRevision(ctx, 1, n); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("get revision %d out of range: %v", n, err)
		}
	}
	if _, err := m.History(ctx, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("history unknown artifact: %v", err)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateArtifact(context.Background(), CreateParams{
		Name: "doc", Filename: "doc.md", SessionID: "nope",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for dangling session, got %v", err)
	}
	if _, err := m.GetArtifactByName(context.Background(), "doc"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("artifact must not exist after failed create: %v", err)
	}
}

func TestCreateBumpsSessionUpdatedAt(t *testing.T) {
	clock := testutil.NewClock()
	db := testutil.NewStore(t, clock)
	m := NewManager(db)
	ctx := context.Background()

	created := store.FormatTime(clock.Now())
	if _, err := db.SQL().Exec(`INSERT INTO sessions (id, title, created_at, updated_at) VALUES ('s1', 't', ?, ?)`, created, created); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	clock.Advance(3 * time.Minute)
	if _, err := m.CreateArtifact(ctx, CreateParams{Name: "doc", Filename: "doc.md", SessionID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	var updated string
	if err := db.SQL().QueryRow(`SELECT updated_at FROM sessions WHERE id = 's1'`).Scan(&updated); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if updated != store.FormatTime(clock.Now()) {
		t.Fatalf("session updated_at not bumped: %s", updated)
	}
}

func TestConcurrentAddRevisionIsContiguous(t *testing.T) {
	db := testutil.NewPooledStore(t, testutil.NewClock(), 8)
	if got := db.SQL().Stats().MaxOpenConnections; got != 8 {
		t.Fatalf("expected a pool of 8 connections, got %d", got)
	}
	m := NewManager(db)
	ctx := context.Background()
	c := createDoc(t, m, "doc")

	const writers = 24
	var wg sync.WaitGroup
	nums := make(chan int, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev, err := m.AddRevision(ctx, c.Artifact.ID, RevisionParams{
				Content:  []byte(fmt.Sprintf("w%d", i)),
				Filename: "doc.md",
				Author:   fmt.Sprintf("writer-%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			nums <- rev.RevisionNum
		}(i)
	}
	wg.Wait()
	close(nums)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add revision: %v", err)
	}

	seen := make(map[int]bool)
	for n := range nums {
		if seen[n] {
			t.Fatalf("duplicate revision number %d", n)
		}
		seen[n] = true
	}
	for n := 1; n <= writers; n++ {
		if !seen[n] {
			t.Fatalf("missing revision number %d", n)
		}
	}

	hist, err := m.History(ctx, c.Artifact.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != writers+1 {
		t.Fatalf("expected %d revisions, got %d", writers+1, len(hist))
	}
	for i, r := range hist {
		if r.RevisionNum != i {
			t.Fatalf("history gap at %d: got %d", i, r.RevisionNum)
		}
		if r.Content != nil {
			t.Fatal("history should omit content")
		}
	}
	a, err := m.GetArtifact(ctx, c.Artifact.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if a.CurrentRevisionNum != writers {
		t.Fatalf("current revision %d, want %d", a.CurrentRevisionNum, writers)
	}
}

func TestListArtifactsNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	createDoc(t, m, "first")
	createDoc(t, m, "second")
	list, err := m.ListArtifacts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "second" || list[1].Name != "first" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestListArtifactsEmptyIsNotNil(t *testing.T) {
	m, _ := newTestManager(t)
	list, err := m.ListArtifacts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}
}

func TestRevisionsAreNotRewritten(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	c := createDoc(t, m, "doc")
	if _, err := m.AddRevision(ctx, c.Artifact.ID, RevisionParams{Content: []byte("v2"), Filename: "doc.md"}); err != nil {
		t.Fatalf("add revision: %v", err)
	}
	var content []byte
	err := db.SQL().QueryRow(`SELECT content FROM revisions WHERE id = ?`, c.Revision.ID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) || string(content) != "v1" {
		t.Fatalf("revision 0 content changed: %q %v", content, err)
	}
}

func TestExportWritesContentAndMeta(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	c := createDoc(t, m, "design/doc")
	if _, err := m.AddRevision(ctx, c.Artifact.ID, RevisionParams{
		Content: []byte("v2"), Filename: "doc.md", Author: "bob", Purpose: "tighten intro", Notes: "see review 1",
	}); err != nil {
		t.Fatalf("add revision: %v", err)
	}

	dir := t.TempDir()
	files, err := m.Export(ctx, c.Artifact.ID, dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 exported revisions, got %d", len(files))
	}
	data, err := os.ReadFile(files[1].ContentPath)
	if err != nil || string(data) != "v2" {
		t.Fatalf("exported content mismatch: %q %v", data, err)
	}
	meta, err := ReadMeta(files[1].MetaPath)
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.Revision != 1 || meta.ArtifactName != "design/doc" || meta.CreatedBy != "bob" ||
		meta.Purpose != "tighten intro" || meta.Notes != "see review 1" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	meta0, err := ReadMeta(files[0].MetaPath)
	if err != nil {
		t.Fatalf("read meta 0: %v", err)
	}
	if meta0.CreatedBy != "alice" || meta0.Notes != "" {
		t.Fatalf("unexpected meta 0: %+v", meta0)
	}
}
