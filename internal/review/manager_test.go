package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/KafClaw/huddle/internal/artifact"
	"github.com/KafClaw/huddle/internal/store"
	"github.com/KafClaw/huddle/internal/testutil"
)

type fixture struct {
	reviews   *Manager
	artifacts *artifact.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewStore(t, testutil.NewClock())
	return &fixture{reviews: NewManager(db), artifacts: artifact.NewManager(db)}
}

func (f *fixture) createDoc(t *testing.T, name, content string) *artifact.Created {
	t.Helper()
	c, err := f.artifacts.CreateArtifact(context.Background(), artifact.CreateParams{
		Name: name, Content: []byte(content), Filename: "doc.md", Author: "alice",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return c
}

func TestReviewStaysOnOriginalRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createDoc(t, "doc", "v0")

	rv, err := f.reviews.CreateReview(ctx, c.Artifact.ID, c.Revision.ID, "bob")
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.artifacts.AddRevision(ctx, c.Artifact.ID, artifact.RevisionParams{Content: []byte("next"), Filename: "doc.md"}); err != nil {
			t.Fatalf("add revision: %v", err)
		}
	}
	got, err := f.reviews.GetReview(ctx, rv.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.RevisionID != c.Revision.ID || got.RevisionNum != 0 {
		t.Fatalf("review moved off revision 0: %+v", got)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestCreateReviewErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createDoc(t, "a", "x")
	b := f.createDoc(t, "b", "y")

	if _, err := f.reviews.CreateReview(ctx, 99, a.Revision.ID, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown artifact: %v", err)
	}
	if _, err := f.reviews.CreateReview(ctx, a.Artifact.ID, 99, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown revision: %v", err)
	}
	if _, err := f.reviews.CreateReview(ctx, a.Artifact.ID, b.Revision.ID, "bob"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("foreign revision: %v", err)
	}
	if _, err := f.reviews.CreateReview(ctx, a.Artifact.ID, a.Revision.ID, " "); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("empty reviewer: %v", err)
	}
}

func TestCommentsAreOrderedAndAppendOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createDoc(t, "doc", "x")
	rv, err := f.reviews.CreateReview(ctx, c.Artifact.ID, c.Revision.ID, "bob")
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := f.reviews.AddInlineComment(ctx, rv.ID, "line:2", "second line", "bob"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if _, err := f.reviews.AddOverlayAnnotation(ctx, rv.ID, 100, 200, "logo too big", "bob"); err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if _, err := f.reviews.AddInlineComment(ctx, 99, "line:1", "x", "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown review: %v", err)
	}

	got, err := f.reviews.GetReview(ctx, rv.ID)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if len(got.Comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(got.Comments))
	}
	if got.Comments[0].Location != "line:2" || got.Comments[1].Location != "@x:100,y:200" {
		t.Fatalf("unexpected comment order: %+v", got.Comments)
	}
	if got.Comments[0].ID >= got.Comments[1].ID {
		t.Fatal("comments not ordered by id")
	}
}

func TestListForRevisionEmpty(t *testing.T) {
	f := newFixture(t)
	c := f.createDoc(t, "doc", "x")
	list, err := f.reviews.ListForRevision(context.Background(), c.Revision.ID)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}
}

func TestCompleteReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createDoc(t, "doc", "x")
	rv, err := f.reviews.CreateReview(ctx, c.Artifact.ID, c.Revision.ID, "bob")
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	done, err := f.reviews.CompleteReview(ctx, rv.ID, "ship it")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.OverallComment != "ship it" {
		t.Fatalf("unexpected completed review: %+v", done)
	}
	if _, err := f.reviews.CompleteReview(ctx, 99, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("complete unknown: %v", err)
	}
}

func TestAnnotateFootnotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.createDoc(t, "doc", "alpha\nbeta\ngamma")

	bob, err := f.reviews.CreateReview(ctx, c.Artifact.ID, c.Revision.ID, "bob")
	if err != nil {
		t.Fatalf("review bob: %v", err)
	}
	carol, err := f.reviews.CreateReview(ctx, c.Artifact.ID, c.Revision.ID, "carol")
	if err != nil {
		t.Fatalf("review carol: %v", err)
	}
	mustComment := func(reviewID int64, loc, text, author string) {
		t.Helper()
		if _, err := f.reviews.AddInlineComment(ctx, reviewID, loc, text, author); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}
	mustComment(bob.ID, "line:2", "rename beta", "bob")
	mustComment(bob.ID, "@x:1,y:1", "overlay", "bob")
	mustComment(carol.ID, "line:2", "agree", "carol")
	if _, err := f.reviews.CompleteReview(ctx, carol.ID, "looks good"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := f.reviews.Annotate(ctx, c.Artifact.ID, c.Revision.ID)
	if err != nil {
		t.Fatalf("annotate: %v", err)
	}
	lines := strings.Split(out.Content, "\n")
	if lines[0] != "alpha" || lines[1] != "beta[^bob-1][^carol-2]" || lines[2] != "gamma" {
		t.Fatalf("unexpected annotated lines: %q", lines[:3])
	}
	for _, want := range []string{"# Review Comments", "[^bob-1]: @bob: rename beta", "[^carol-2]: @carol: agree"} {
		if !strings.Contains(out.Content, want) {
			t.Fatalf("annotated content missing %q:\n%s", want, out.Content)
		}
	}
	if out.TotalComments != 3 || len(out.Reviewers) != 2 {
		t.Fatalf("unexpected totals: %d comments, reviewers %v", out.TotalComments, out.Reviewers)
	}
	if !strings.Contains(out.ReviewerFiles["bob"], "[^bob-2]: @x:1,y:1: overlay") ||
		!strings.Contains(out.ReviewerFiles["bob"], "[Add overall review here]") {
		t.Fatalf("unexpected bob file:\n%s", out.ReviewerFiles["bob"])
	}
	if !strings.Contains(out.ReviewerFiles["carol"], "looks good") {
		t.Fatalf("unexpected carol file:\n%s", out.ReviewerFiles["carol"])
	}
}

func TestAnnotateRejectsBinary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.artifacts.CreateArtifact(ctx, artifact.CreateParams{
		Name: "img", Type: "image", Content: []byte{0xff, 0xfe, 0x00, 0x81}, Filename: "a.png",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.reviews.Annotate(ctx, c.Artifact.ID, c.Revision.ID); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for binary content, got %v", err)
	}
	if _, err := f.reviews.Annotate(ctx, c.Artifact.ID, 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
