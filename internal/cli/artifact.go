package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/artifact"
)

var (
	artifactCmd = &cobra.Command{
		Use:   "artifact",
		Short: "Manage versioned artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	artifactCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create an artifact with its first revision",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactCreate,
	}

	artifactReviseCmd = &cobra.Command{
		Use:   "revise <artifact-id>",
		Short: "Append a revision to an artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactRevise,
	}

	artifactGetCmd = &cobra.Command{
		Use:   "get <artifact-id>",
		Short: "Print a revision's content (current by default)",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactGet,
	}

	artifactHistoryCmd = &cobra.Command{
		Use:   "history <artifact-id>",
		Short: "List an artifact's revisions",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactHistory,
	}

	artifactExportCmd = &cobra.Command{
		Use:   "export <artifact-id>",
		Short: "Write every revision and its metadata to a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactExport,
	}
)

func init() {
	for _, c := range []*cobra.Command{artifactCreateCmd, artifactReviseCmd} {
		c.Flags().String("content", "", "Inline content")
		c.Flags().String("file", "", "Read content from file")
		c.Flags().String("filename", "", "Stored filename (defaults to the --file base name)")
		c.Flags().String("author", "", "Author persona")
		c.Flags().String("purpose", "", "Why this revision exists")
	}
	artifactCreateCmd.Flags().String("type", "document", "Artifact type")
	artifactCreateCmd.Flags().String("session", "", "Session id")
	artifactReviseCmd.Flags().String("notes", "", "Revision notes")
	artifactGetCmd.Flags().Int("revision", -1, "Revision number (default current)")
	artifactExportCmd.Flags().String("dir", ".", "Output directory")
	artifactCmd.AddCommand(artifactCreateCmd, artifactReviseCmd, artifactGetCmd, artifactHistoryCmd, artifactExportCmd)
	rootCmd.AddCommand(artifactCmd)
}

func revisionInput(cmd *cobra.Command) (content []byte, filename, author, purpose string, err error) {
	inline, _ := cmd.Flags().GetString("content")
	file, _ := cmd.Flags().GetString("file")
	content, src, err := readContent(inline, file)
	if err != nil {
		return nil, "", "", "", err
	}
	filename, _ = cmd.Flags().GetString("filename")
	if filename == "" && src != "" {
		filename = filepath.Base(src)
	}
	author, _ = cmd.Flags().GetString("author")
	purpose, _ = cmd.Flags().GetString("purpose")
	return content, filename, author, purpose, nil
}

func runArtifactCreate(cmd *cobra.Command, args []string) error {
	content, filename, author, purpose, err := revisionInput(cmd)
	if err != nil {
		return err
	}
	typ, _ := cmd.Flags().GetString("type")
	sessionID, _ := cmd.Flags().GetString("session")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	created, err := artifact.NewManager(db).CreateArtifact(cmd.Context(), artifact.CreateParams{
		Name:      args[0],
		Type:      typ,
		Content:   content,
		Filename:  filename,
		Author:    author,
		Purpose:   purpose,
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	created.Revision.Content = nil
	return printOutput(cmd.OutOrStdout(), created, func(w io.Writer) {
		fmt.Fprintf(w, "Artifact #%d %q created at revision 0\n", created.Artifact.ID, created.Artifact.Name)
	})
}

func runArtifactRevise(cmd *cobra.Command, args []string) error {
	id, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	content, filename, author, purpose, err := revisionInput(cmd)
	if err != nil {
		return err
	}
	notes, _ := cmd.Flags().GetString("notes")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	rev, err := artifact.NewManager(db).AddRevision(cmd.Context(), id, artifact.RevisionParams{
		Content:  content,
		Filename: filename,
		Author:   author,
		Purpose:  purpose,
		Notes:    notes,
	})
	if err != nil {
		return err
	}
	rev.Content = nil
	return printOutput(cmd.OutOrStdout(), rev, func(w io.Writer) {
		fmt.Fprintf(w, "Artifact #%d now at revision %d\n", id, rev.RevisionNum)
	})
}

func runArtifactGet(cmd *cobra.Command, args []string) error {
	id, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	num, _ := cmd.Flags().GetInt("revision")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := artifact.NewManager(db)
	var rev *artifact.Revision
	if num < 0 {
		rev, err = mgr.CurrentRevision(cmd.Context(), id)
	} else {
		rev, err = mgr.GetRevision(cmd.Context(), id, num)
	}
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), rev, func(w io.Writer) {
		_, _ = w.Write(rev.Content)
	})
}

func runArtifactHistory(cmd *cobra.Command, args []string) error {
	id, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	revs, err := artifact.NewManager(db).History(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), revs, func(w io.Writer) {
		for _, r := range revs {
			fmt.Fprintf(w, "r%d  %s  %-12s %s\n", r.RevisionNum, r.CreatedAt.Format("2006-01-02 15:04"), r.Author, r.Purpose)
		}
	})
}

func runArtifactExport(cmd *cobra.Command, args []string) error {
	id, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := artifact.NewManager(db).Export(cmd.Context(), id, dir)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), files, func(w io.Writer) {
		for _, f := range files {
			fmt.Fprintf(w, "r%d  %s\n", f.RevisionNum, f.ContentPath)
		}
	})
}
