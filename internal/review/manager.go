// Package review manages review threads anchored to one fixed artifact
// revision, and their inline comments.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Review statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Review is a comment thread on one revision. RevisionID is captured when
// the review is opened and never follows later revisions.
type Review struct {
	ID             int64     `json:"review_id"`
	ArtifactID     int64     `json:"artifact_id"`
	ArtifactName   string    `json:"artifact_name"`
	RevisionID     int64     `json:"revision_id"`
	RevisionNum    int       `json:"revision_num"`
	Reviewer       string    `json:"reviewer"`
	Status         string    `json:"status"`
	OverallComment string    `json:"overall_comment,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Comments       []Comment `json:"comments"`
}

// Comment is one append-only inline comment.
type Comment struct {
	ID        int64     `json:"comment_id"`
	ReviewID  int64     `json:"review_id"`
	Location  string    `json:"location"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns reviews and comments.
type Manager struct {
	db *store.DB
}

// NewManager creates a review manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

// CreateReview opens a review of revisionID. The revision must exist and
// belong to artifactID.
func (m *Manager) CreateReview(ctx context.Context, artifactID, revisionID int64, reviewer string) (*Review, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, store.Invalid("reviewer is required")
	}
	var out *Review
	err := m.db.Tx(ctx, "create review", func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, `SELECT name FROM artifacts WHERE id = ?`, artifactID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("artifact %d", artifactID)
		}
		if err != nil {
			return err
		}
		var owner int64
		var num int
		err = tx.QueryRowContext(ctx, `SELECT artifact_id, revision_num FROM revisions WHERE id = ?`, revisionID).Scan(&owner, &num)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("revision %d", revisionID)
		}
		if err != nil {
			return err
		}
		if owner != artifactID {
			return store.InvalidState("revision %d belongs to artifact %d, not %d", revisionID, owner, artifactID)
		}

		now := m.db.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO reviews (artifact_id, revision_id, reviewer, status, created_at)
			VALUES (?, ?, ?, ?, ?)`, artifactID, revisionID, reviewer, StatusInProgress, store.FormatTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = &Review{
			ID:           id,
			ArtifactID:   artifactID,
			ArtifactName: name,
			RevisionID:   revisionID,
			RevisionNum:  num,
			Reviewer:     reviewer,
			Status:       StatusInProgress,
			CreatedAt:    now,
			Comments:     []Comment{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddInlineComment appends a comment at location, e.g. "line:58".
func (m *Manager) AddInlineComment(ctx context.Context, reviewID int64, location, text, author string) (*Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, store.Invalid("comment text is required")
	}
	if strings.TrimSpace(author) == "" {
		return nil, store.Invalid("comment author is required")
	}
	var out *Comment
	err := m.db.Tx(ctx, "add comment", func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM reviews WHERE id = ?`, reviewID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("review %d", reviewID)
		}
		if err != nil {
			return err
		}
		now := m.db.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (review_id, location, text, author, created_at)
			VALUES (?, ?, ?, ?, ?)`, reviewID, location, text, author, store.FormatTime(now))
		if err != nil {
			return err
		}
		commentID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out = &Comment{ID: commentID, ReviewID: reviewID, Location: location, Text: text, Author: author, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddOverlayAnnotation records an image annotation as a comment located at
// "@x:<x>,y:<y>".
func (m *Manager) AddOverlayAnnotation(ctx context.Context, reviewID int64, x, y int, text, author string) (*Comment, error) {
	return m.AddInlineComment(ctx, reviewID, fmt.Sprintf("@x:%d,y:%d", x, y), text, author)
}

// GetReview returns a review with all comments in creation order.
func (m *Manager) GetReview(ctx context.Context, reviewID int64) (*Review, error) {
	var r Review
	err := m.db.SQL().QueryRowContext(ctx, `
		SELECT rv.id, rv.artifact_id, a.name, rv.revision_id, rev.revision_num,
			rv.reviewer, rv.status, COALESCE(rv.overall_comment, ''), rv.created_at
		FROM reviews rv
		JOIN artifacts a ON a.id = rv.artifact_id
		JOIN revisions rev ON rev.id = rv.revision_id
		WHERE rv.id = ?`, reviewID).Scan(
		&r.ID, &r.ArtifactID, &r.ArtifactName, &r.RevisionID, &r.RevisionNum,
		&r.Reviewer, &r.Status, &r.OverallComment, store.ScanTime(&r.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("review %d", reviewID)
	}
	if err != nil {
		return nil, store.Storage("get review", err)
	}
	comments, err := m.comments(ctx, `WHERE review_id = ? ORDER BY id ASC`, reviewID)
	if err != nil {
		return nil, err
	}
	r.Comments = comments
	return &r, nil
}

// CompleteReview marks a review completed with an optional overall comment.
func (m *Manager) CompleteReview(ctx context.Context, reviewID int64, overall string) (*Review, error) {
	err := m.db.Tx(ctx, "complete review", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE reviews SET status = ?, overall_comment = ? WHERE id = ?`,
			StatusCompleted, store.NullString(overall), reviewID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.NotFound("review %d", reviewID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.GetReview(ctx, reviewID)
}

// ListForRevision returns all reviews opened against one revision.
func (m *Manager) ListForRevision(ctx context.Context, revisionID int64) ([]Review, error) {
	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT rv.id, rv.artifact_id, a.name, rv.revision_id, rev.revision_num,
			rv.reviewer, rv.status, COALESCE(rv.overall_comment, ''), rv.created_at
		FROM reviews rv
		JOIN artifacts a ON a.id = rv.artifact_id
		JOIN revisions rev ON rev.id = rv.revision_id
		WHERE rv.revision_id = ?
		ORDER BY rv.id ASC`, revisionID)
	if err != nil {
		return nil, store.Storage("list reviews", err)
	}
	defer rows.Close()

	out := []Review{}
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.ArtifactID, &r.ArtifactName, &r.RevisionID, &r.RevisionNum,
			&r.Reviewer, &r.Status, &r.OverallComment, store.ScanTime(&r.CreatedAt)); err != nil {
			return nil, store.Storage("list reviews", err)
		}
		out = append(out, r)
	}
	return out, store.Storage("list reviews", rows.Err())
}

func (m *Manager) comments(ctx context.Context, where string, args ...any) ([]Comment, error) {
	rows, err := m.db.SQL().QueryContext(ctx,
		`SELECT id, review_id, location, text, author, created_at FROM comments `+where, args...)
	if err != nil {
		return nil, store.Storage("list comments", err)
	}
	defer rows.Close()

	out := []Comment{}
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.Location, &c.Text, &c.Author, store.ScanTime(&c.CreatedAt)); err != nil {
			return nil, store.Storage("list comments", err)
		}
		out = append(out, c)
	}
	return out, store.Storage("list comments", rows.Err())
}
