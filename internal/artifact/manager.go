// Package artifact manages named artifacts and their append-only revision
// chains.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Artifact is a named, versioned unit of content. CurrentRevisionNum is
// always the highest revision number in the chain.
type Artifact struct {
	ID                 int64     `json:"artifact_id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SessionID          string    `json:"session_id,omitempty"`
	CurrentRevisionID  int64     `json:"current_revision_id"`
	CurrentRevisionNum int       `json:"current_revision_num"`
	RevisionCount      int       `json:"revision_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// Revision is one immutable snapshot in an artifact's history.
type Revision struct {
	ID          int64     `json:"revision_id"`
	ArtifactID  int64     `json:"artifact_id"`
	RevisionNum int       `json:"revision_num"`
	Content     []byte    `json:"content,omitempty"`
	Filename    string    `json:"filename"`
	Author      string    `json:"author,omitempty"`
	Purpose     string    `json:"purpose,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateParams describes a new artifact and its revision 0.
type CreateParams struct {
	Name      string
	Type      string
	Content   []byte
	Filename  string
	Author    string
	Purpose   string
	SessionID string
}

// RevisionParams describes a new revision.
type RevisionParams struct {
	Content  []byte
	Filename string
	Author   string
	Purpose  string
	Notes    string
}

// Created is the result of CreateArtifact.
type Created struct {
	Artifact Artifact `json:"artifact"`
	Revision Revision `json:"revision"`
}

// Manager owns artifact identity and revision chains.
type Manager struct {
	db *store.DB
}

// NewManager creates an artifact manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

// CreateArtifact creates the artifact, its revision 0, and the current
// revision pointer in one transaction.
func (m *Manager) CreateArtifact(ctx context.Context, p CreateParams) (*Created, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, store.Invalid("artifact name is required")
	}
	if strings.TrimSpace(p.Filename) == "" {
		return nil, store.Invalid("filename is required")
	}
	if p.Type == "" {
		p.Type = "document"
	}
	if p.Purpose == "" {
		p.Purpose = "Initial version"
	}

	var out Created
	err := m.db.Tx(ctx, "create artifact", func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM artifacts WHERE name = ?`, p.Name).Scan(&existing)
		if err == nil {
			return store.Conflict("artifact %q already exists", p.Name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := store.RequireSession(ctx, tx, p.SessionID); err != nil {
			return err
		}

		now := m.db.Now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (name, type, created_at, session_id) VALUES (?, ?, ?, ?)`,
			p.Name, p.Type, store.FormatTime(now), store.NullString(p.SessionID))
		if err != nil {
			return err
		}
		artifactID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rev, err := insertRevision(ctx, tx, artifactID, 0, RevisionParams{
			Content:  p.Content,
			Filename: p.Filename,
			Author:   p.Author,
			Purpose:  p.Purpose,
		}, now)
		if err != nil {
			return err
		}
		if err := store.TouchSession(ctx, tx, p.SessionID, now); err != nil {
			return err
		}

		out.Revision = *rev
		out.Artifact = Artifact{
			ID:                 artifactID,
			Name:               p.Name,
			Type:               p.Type,
			SessionID:          p.SessionID,
			CurrentRevisionID:  rev.ID,
			CurrentRevisionNum: 0,
			RevisionCount:      1,
			CreatedAt:          now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRevision appends the next revision and advances the current pointer.
// The next number is read and written inside the same transaction, so
// concurrent callers always receive distinct, contiguous numbers.
func (m *Manager) AddRevision(ctx context.Context, artifactID int64, p RevisionParams) (*Revision, error) {
	if strings.TrimSpace(p.Filename) == "" {
		return nil, store.Invalid("filename is required")
	}
	var out *Revision
	err := m.db.Tx(ctx, "add revision", func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT r.revision_num FROM artifacts a
			LEFT JOIN revisions r ON r.id = a.current_revision_id
			WHERE a.id = ?`, artifactID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("artifact %d", artifactID)
		}
		if err != nil {
			return err
		}
		next := 0
		if current.Valid {
			next = int(current.Int64) + 1
		}
		rev, err := insertRevision(ctx, tx, artifactID, next, p, m.db.Now())
		if err != nil {
			return err
		}
		out = rev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, artifactID int64, num int, p RevisionParams, now time.Time) (*Revision, error) {
	content := p.Content
	if content == nil {
		content = []byte{}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (artifact_id, revision_num, content, filename, author, purpose, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifactID, num, content, p.Filename,
		store.NullString(p.Author), store.NullString(p.Purpose), store.NullString(p.Notes),
		store.FormatTime(now))
	if err != nil {
		return nil, err
	}
	revID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET current_revision_id = ? WHERE id = ?`, revID, artifactID); err != nil {
		return nil, err
	}
	return &Revision{
		ID:          revID,
		ArtifactID:  artifactID,
		RevisionNum: num,
		Content:     content,
		Filename:    p.Filename,
		Author:      p.Author,
		Purpose:     p.Purpose,
		Notes:       p.Notes,
		CreatedAt:   now,
	}, nil
}

const artifactColumns = `a.id, a.name, a.type, COALESCE(a.session_id, ''),
	COALESCE(a.current_revision_id, 0), COALESCE(r.revision_num, 0),
	(SELECT COUNT(*) FROM revisions WHERE artifact_id = a.id), a.created_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.SessionID,
		&a.CurrentRevisionID, &a.CurrentRevisionNum, &a.RevisionCount, store.ScanTime(&a.CreatedAt))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetArtifact returns the artifact with its current revision metadata.
func (m *Manager) GetArtifact(ctx context.Context, artifactID int64) (*Artifact, error) {
	row := m.db.SQL().QueryRowContext(ctx, `SELECT `+artifactColumns+`
		FROM artifacts a LEFT JOIN revisions r ON r.id = a.current_revision_id
		WHERE a.id = ?`, artifactID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("artifact %d", artifactID)
	}
	if err != nil {
		return nil, store.Storage("get artifact", err)
	}
	return a, nil
}

// GetArtifactByName looks an artifact up by its unique name.
func (m *Manager) GetArtifactByName(ctx context.Context, name string) (*Artifact, error) {
	row := m.db.SQL().QueryRowContext(ctx, `SELECT `+artifactColumns+`
		FROM artifacts a LEFT JOIN revisions r ON r.id = a.current_revision_id
		WHERE a.name = ?`, name)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("artifact %q", name)
	}
	if err != nil {
		return nil, store.Storage("get artifact", err)
	}
	return a, nil
}

// ListArtifacts returns all artifacts, newest first.
func (m *Manager) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	rows, err := m.db.SQL().QueryContext(ctx, `SELECT `+artifactColumns+`
		FROM artifacts a LEFT JOIN revisions r ON r.id = a.current_revision_id
		ORDER BY a.id DESC`)
	if err != nil {
		return nil, store.Storage("list artifacts", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, store.Storage("list artifacts", err)
		}
		out = append(out, *a)
	}
	return out, store.Storage("list artifacts", rows.Err())
}

const revisionColumns = `id, artifact_id, revision_num, content, filename,
	COALESCE(author, ''), COALESCE(purpose, ''), COALESCE(notes, ''), created_at`

func scanRevision(row interface{ Scan(...any) error }) (*Revision, error) {
	var r Revision
	err := row.Scan(&r.ID, &r.ArtifactID, &r.RevisionNum, &r.Content, &r.Filename,
		&r.Author, &r.Purpose, &r.Notes, store.ScanTime(&r.CreatedAt))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRevision returns revision revisionNum of an artifact, content included.
func (m *Manager) GetRevision(ctx context.Context, artifactID int64, revisionNum int) (*Revision, error) {
	if _, err := m.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	row := m.db.SQL().QueryRowContext(ctx, `SELECT `+revisionColumns+`
		FROM revisions WHERE artifact_id = ? AND revision_num = ?`, artifactID, revisionNum)
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("revision %d of artifact %d", revisionNum, artifactID)
	}
	if err != nil {
		return nil, store.Storage("get revision", err)
	}
	return r, nil
}

// CurrentRevision returns the revision the artifact's pointer designates.
func (m *Manager) CurrentRevision(ctx context.Context, artifactID int64) (*Revision, error) {
	a, err := m.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return m.GetRevision(ctx, artifactID, a.CurrentRevisionNum)
}

// History returns an artifact's revisions in ascending revision order,
// without content.
func (m *Manager) History(ctx context.Context, artifactID int64) ([]Revision, error) {
	if _, err := m.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	return m.revisions(ctx, artifactID, false)
}

func (m *Manager) revisions(ctx context.Context, artifactID int64, withContent bool) ([]Revision, error) {
	rows, err := m.db.SQL().QueryContext(ctx, `SELECT `+revisionColumns+`
		FROM revisions WHERE artifact_id = ? ORDER BY revision_num ASC`, artifactID)
	if err != nil {
		return nil, store.Storage("list revisions", err)
	}
	defer rows.Close()

	out := []Revision{}
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, store.Storage("list revisions", err)
		}
		if !withContent {
			r.Content = nil
		}
		out = append(out, *r)
	}
	return out, store.Storage("list revisions", rows.Err())
}
