package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/session"
)

var (
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage work sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	sessionCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Start a new session",
		RunE:  runSessionCreate,
	}

	sessionShowCmd = &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and everything tagged with it",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}

	sessionListCmd = &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE:  runSessionList,
	}

	sessionArchiveCmd = &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionArchive,
	}
)

func init() {
	sessionCreateCmd.Flags().String("title", "", "Session title")
	sessionCreateCmd.Flags().String("id", "", "Explicit session id")
	sessionListCmd.Flags().String("status", "", "Filter by status (active, archived)")
	sessionListCmd.Flags().Int("limit", 50, "Maximum sessions to list")
	sessionCmd.AddCommand(sessionCreateCmd, sessionShowCmd, sessionListCmd, sessionArchiveCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	id, _ := cmd.Flags().GetString("id")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := session.NewManager(db).Create(cmd.Context(), title, id)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), s, func(w io.Writer) {
		fmt.Fprintf(w, "Session %s created\n", s.ID)
	})
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := session.NewManager(db).Contents(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), c, func(w io.Writer) {
		printHeader(w, "Session "+c.Session.ID)
		fmt.Fprintf(w, "Title:  %s\n", c.Session.Title)
		fmt.Fprintf(w, "Status: %s\n", c.Session.Status)
		fmt.Fprintf(w, "Artifacts: %d\n", len(c.Artifacts))
		for _, a := range c.Artifacts {
			fmt.Fprintf(w, "  #%d %s (%s, %d revisions)\n", a.ID, a.Name, a.Type, a.RevisionCount)
		}
		fmt.Fprintf(w, "Rooms: %d\n", len(c.Rooms))
		for _, r := range c.Rooms {
			fmt.Fprintf(w, "  #%d %s (%d members, %d events)\n", r.ID, r.Name, r.MemberCount, r.EventCount)
		}
	})
}

func runSessionList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := session.NewManager(db).List(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No sessions.")
			return
		}
		for _, s := range list {
			fmt.Fprintf(w, "%s  %-8s  %s\n", s.ID, s.Status, s.Title)
		}
	})
}

func runSessionArchive(cmd *cobra.Command, args []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := session.NewManager(db).Archive(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), s, func(w io.Writer) {
		fmt.Fprintf(w, "Session %s archived\n", s.ID)
	})
}
