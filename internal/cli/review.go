package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/artifact"
	"github.com/KafClaw/huddle/internal/review"
)

var (
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Review artifact revisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	reviewCreateCmd = &cobra.Command{
		Use:   "create <artifact-id>",
		Short: "Open a review pinned to a revision",
		Args:  cobra.ExactArgs(1),
		RunE:  runReviewCreate,
	}

	reviewCommentCmd = &cobra.Command{
		Use:   "comment <review-id> <text>",
		Short: "Add an inline comment or overlay annotation",
		Args:  cobra.ExactArgs(2),
		RunE:  runReviewComment,
	}

	reviewShowCmd = &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show a review and its comments",
		Args:  cobra.ExactArgs(1),
		RunE:  runReviewShow,
	}

	reviewCompleteCmd = &cobra.Command{
		Use:   "complete <review-id>",
		Short: "Complete a review with an overall comment",
		Args:  cobra.ExactArgs(1),
		RunE:  runReviewComplete,
	}

	reviewAnnotateCmd = &cobra.Command{
		Use:   "annotate <artifact-id>",
		Short: "Render a revision with review comments as footnotes",
		Args:  cobra.ExactArgs(1),
		RunE:  runReviewAnnotate,
	}
)

func init() {
	reviewCreateCmd.Flags().Int("revision", -1, "Revision number (default current)")
	reviewCreateCmd.Flags().String("reviewer", "", "Reviewer persona")
	reviewCommentCmd.Flags().String("author", "", "Comment author")
	reviewCommentCmd.Flags().String("location", "", "Location, e.g. line:12")
	reviewCommentCmd.Flags().Bool("overlay", false, "Attach as an overlay annotation at --x/--y")
	reviewCommentCmd.Flags().Int("x", 0, "Overlay x coordinate")
	reviewCommentCmd.Flags().Int("y", 0, "Overlay y coordinate")
	reviewCompleteCmd.Flags().String("comment", "", "Overall review comment")
	reviewAnnotateCmd.Flags().Int("revision", -1, "Revision number (default current)")
	reviewCmd.AddCommand(reviewCreateCmd, reviewCommentCmd, reviewShowCmd, reviewCompleteCmd, reviewAnnotateCmd)
	rootCmd.AddCommand(reviewCmd)
}

// resolveRevision maps a revision number (negative for current) to its row.
func resolveRevision(cmd *cobra.Command, mgr *artifact.Manager, artifactID int64, num int) (*artifact.Revision, error) {
	if num < 0 {
		return mgr.CurrentRevision(cmd.Context(), artifactID)
	}
	return mgr.GetRevision(cmd.Context(), artifactID, num)
}

func runReviewCreate(cmd *cobra.Command, args []string) error {
	artifactID, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	num, _ := cmd.Flags().GetInt("revision")
	reviewer, _ := cmd.Flags().GetString("reviewer")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	rev, err := resolveRevision(cmd, artifact.NewManager(db), artifactID, num)
	if err != nil {
		return err
	}
	r, err := review.NewManager(db).CreateReview(cmd.Context(), artifactID, rev.ID, reviewer)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), r, func(w io.Writer) {
		fmt.Fprintf(w, "Review #%d opened on %s r%d by @%s\n", r.ID, r.ArtifactName, r.RevisionNum, r.Reviewer)
	})
}

func runReviewComment(cmd *cobra.Command, args []string) error {
	reviewID, err := parseID("review id", args[0])
	if err != nil {
		return err
	}
	author, _ := cmd.Flags().GetString("author")
	location, _ := cmd.Flags().GetString("location")
	overlay, _ := cmd.Flags().GetBool("overlay")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := review.NewManager(db)
	var c *review.Comment
	if overlay {
		x, _ := cmd.Flags().GetInt("x")
		y, _ := cmd.Flags().GetInt("y")
		c, err = mgr.AddOverlayAnnotation(cmd.Context(), reviewID, x, y, args[1], author)
	} else {
		c, err = mgr.AddInlineComment(cmd.Context(), reviewID, location, args[1], author)
	}
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), c, func(w io.Writer) {
		fmt.Fprintf(w, "Comment #%d added to review #%d\n", c.ID, reviewID)
	})
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	reviewID, err := parseID("review id", args[0])
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := review.NewManager(db).GetReview(cmd.Context(), reviewID)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), r, func(w io.Writer) {
		printHeader(w, fmt.Sprintf("Review #%d: %s r%d", r.ID, r.ArtifactName, r.RevisionNum))
		fmt.Fprintf(w, "Reviewer: @%s (%s)\n", r.Reviewer, r.Status)
		for _, c := range r.Comments {
			loc := c.Location
			if loc == "" {
				loc = "general"
			}
			fmt.Fprintf(w, "  [%s] @%s: %s\n", loc, c.Author, c.Text)
		}
		if r.OverallComment != "" {
			fmt.Fprintf(w, "Overall: %s\n", r.OverallComment)
		}
	})
}

func runReviewComplete(cmd *cobra.Command, args []string) error {
	reviewID, err := parseID("review id", args[0])
	if err != nil {
		return err
	}
	overall, _ := cmd.Flags().GetString("comment")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := review.NewManager(db).CompleteReview(cmd.Context(), reviewID, overall)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), r, func(w io.Writer) {
		fmt.Fprintf(w, "Review #%d completed\n", r.ID)
	})
}

func runReviewAnnotate(cmd *cobra.Command, args []string) error {
	artifactID, err := parseID("artifact id", args[0])
	if err != nil {
		return err
	}
	num, _ := cmd.Flags().GetInt("revision")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	rev, err := resolveRevision(cmd, artifact.NewManager(db), artifactID, num)
	if err != nil {
		return err
	}
	a, err := review.NewManager(db).Annotate(cmd.Context(), artifactID, rev.ID)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), a, func(w io.Writer) {
		fmt.Fprintln(w, a.Content)
		reviewers := make([]string, 0, len(a.ReviewerFiles))
		for name := range a.ReviewerFiles {
			reviewers = append(reviewers, name)
		}
		sort.Strings(reviewers)
		for _, name := range reviewers {
			fmt.Fprintf(w, "\n%s\n", a.ReviewerFiles[name])
		}
	})
}
