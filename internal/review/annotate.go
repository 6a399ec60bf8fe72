package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/KafClaw/huddle/internal/store"
)

// Annotated is a revision rendered with every review comment as a footnote.
type Annotated struct {
	ArtifactID    int64             `json:"artifact_id"`
	ArtifactName  string            `json:"artifact_name"`
	RevisionID    int64             `json:"revision_id"`
	RevisionNum   int               `json:"revision_num"`
	Content       string            `json:"annotated_content"`
	ReviewerFiles map[string]string `json:"reviewer_files"`
	Reviewers     []string          `json:"reviewers"`
	TotalComments int               `json:"total_comments"`
}

type footnote struct {
	id     string
	author string
	text   string
}

// Annotate renders revisionID of artifactID with "line:<n>" comments from
// all of its reviews attached as [^persona-n] footnote markers, and builds one
// summary file per reviewer. Only UTF-8 content can be annotated.
func (m *Manager) Annotate(ctx context.Context, artifactID, revisionID int64) (*Annotated, error) {
	out := Annotated{ArtifactID: artifactID, RevisionID: revisionID, ReviewerFiles: map[string]string{}}
	var content []byte
	err := m.db.SQL().QueryRowContext(ctx, `
		SELECT a.name, r.revision_num, r.content
		FROM revisions r JOIN artifacts a ON a.id = r.artifact_id
		WHERE r.id = ? AND r.artifact_id = ?`, revisionID, artifactID).Scan(&out.ArtifactName, &out.RevisionNum, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("revision %d of artifact %d", revisionID, artifactID)
	}
	if err != nil {
		return nil, store.Storage("annotate", err)
	}
	if !utf8.Valid(content) {
		return nil, store.Invalid("revision %d is not text and cannot be annotated", revisionID)
	}

	reviews, err := m.ListForRevision(ctx, revisionID)
	if err != nil {
		return nil, err
	}

	byLine := map[int][]Comment{}
	byReviewer := map[string][]Comment{}
	overall := map[string]string{}
	for _, rv := range reviews {
		comments, err := m.comments(ctx, `WHERE review_id = ? ORDER BY id ASC`, rv.ID)
		if err != nil {
			return nil, err
		}
		if _, seen := byReviewer[rv.Reviewer]; !seen {
			out.Reviewers = append(out.Reviewers, rv.Reviewer)
			byReviewer[rv.Reviewer] = nil
		}
		if rv.OverallComment != "" {
			overall[rv.Reviewer] = rv.OverallComment
		}
		for _, c := range comments {
			out.TotalComments++
			byReviewer[rv.Reviewer] = append(byReviewer[rv.Reviewer], c)
			if n, ok := lineNumber(c.Location); ok {
				byLine[n] = append(byLine[n], c)
			}
		}
	}

	var notes []footnote
	lines := strings.Split(string(content), "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		for _, c := range byLine[i+1] {
			fn := footnote{id: fmt.Sprintf("%s-%d", c.Author, len(notes)+1), author: c.Author, text: c.Text}
			notes = append(notes, fn)
			b.WriteString("[^" + fn.id + "]")
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n\n---\n\n# Review Comments\n\n")
		for _, fn := range notes {
			fmt.Fprintf(&b, "[^%s]: @%s: %s\n", fn.id, fn.author, fn.text)
		}
	}
	out.Content = b.String()

	for _, reviewer := range out.Reviewers {
		var f strings.Builder
		fmt.Fprintf(&f, "# Inline Comments by @%s\n\n", reviewer)
		for i, c := range byReviewer[reviewer] {
			fmt.Fprintf(&f, "[^%s-%d]: %s: %s\n\n", reviewer, i+1, c.Location, c.Text)
		}
		f.WriteString("---\n\n")
		fmt.Fprintf(&f, "# Overall Review by @%s\n\n", reviewer)
		if s, ok := overall[reviewer]; ok {
			f.WriteString(s + "\n")
		} else {
			f.WriteString("[Add overall review here]\n")
		}
		out.ReviewerFiles[reviewer] = f.String()
	}
	return &out, nil
}

func lineNumber(location string) (int, bool) {
	rest, ok := strings.CutPrefix(location, "line:")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
