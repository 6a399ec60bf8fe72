package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RevisionMeta is the YAML frontmatter written next to each exported
// revision.
type RevisionMeta struct {
	Revision     int       `yaml:"revision"`
	ArtifactName string    `yaml:"artifact_name"`
	ArtifactType string    `yaml:"artifact_type"`
	CreatedBy    string    `yaml:"created_by"`
	CreatedAt    time.Time `yaml:"created_at"`
	Purpose      string    `yaml:"purpose"`
	Filename     string    `yaml:"filename"`
	Notes        string    `yaml:"-"`
}

// ExportedFile names the pair of files written for one revision.
type ExportedFile struct {
	RevisionNum int    `json:"revision_num"`
	ContentPath string `json:"content_path"`
	MetaPath    string `json:"meta_path"`
}

// Export writes every revision of an artifact under dir/<name>/ as
// revision-<n>-<filename> plus a revision-<n>.meta.md metadata file.
// Existing files are overwritten; revisions are immutable so the output is
// stable.
func (m *Manager) Export(ctx context.Context, artifactID int64, dir string) ([]ExportedFile, error) {
	a, err := m.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	revs, err := m.revisions(ctx, artifactID, true)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(dir, safeName(a.Name))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	out := make([]ExportedFile, 0, len(revs))
	for _, r := range revs {
		contentPath := filepath.Join(target, fmt.Sprintf("revision-%d-%s", r.RevisionNum, safeName(r.Filename)))
		if err := os.WriteFile(contentPath, r.Content, 0o644); err != nil {
			return nil, fmt.Errorf("write revision %d: %w", r.RevisionNum, err)
		}
		meta := RevisionMeta{
			Revision:     r.RevisionNum,
			ArtifactName: a.Name,
			ArtifactType: a.Type,
			CreatedBy:    r.Author,
			CreatedAt:    r.CreatedAt,
			Purpose:      r.Purpose,
			Filename:     r.Filename,
			Notes:        r.Notes,
		}
		if meta.CreatedBy == "" {
			meta.CreatedBy = "unknown"
		}
		data, err := renderMeta(meta)
		if err != nil {
			return nil, err
		}
		metaPath := filepath.Join(target, fmt.Sprintf("revision-%d.meta.md", r.RevisionNum))
		if err := os.WriteFile(metaPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write revision %d meta: %w", r.RevisionNum, err)
		}
		out = append(out, ExportedFile{RevisionNum: r.RevisionNum, ContentPath: contentPath, MetaPath: metaPath})
	}
	return out, nil
}

func renderMeta(meta RevisionMeta) ([]byte, error) {
	fm, err := yaml.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("marshal revision meta: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	if meta.Notes != "" {
		b.WriteString("# Notes\n\n")
		b.WriteString(meta.Notes)
		b.WriteString("\n")
	}
	return b.Bytes(), nil
}

// ReadMeta parses a revision metadata file written by Export.
func ReadMeta(path string) (*RevisionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading meta file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "---") {
		return nil, fmt.Errorf("meta file does not start with frontmatter delimiter '---'")
	}
	rest := strings.TrimPrefix(content[3:], "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, fmt.Errorf("no closing frontmatter delimiter '---' found")
	}
	var meta RevisionMeta
	if err := yaml.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return nil, fmt.Errorf("parsing meta frontmatter: %w", err)
	}
	body := strings.TrimSpace(rest[idx+4:])
	meta.Notes = strings.TrimSpace(strings.TrimPrefix(body, "# Notes"))
	return &meta, nil
}

// Artifact names are free text; keep exported paths inside the target dir.
func safeName(s string) string {
	s = strings.TrimSpace(s)
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	s = r.Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
