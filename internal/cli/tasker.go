package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/tasker"
)

var (
	taskerCmd = &cobra.Command{
		Use:   "tasker",
		Short: "Supervised sub-task lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskerCreateCmd = &cobra.Command{
		Use:   "create <task>",
		Short: "Delegate a task to a supervised tasker",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskerCreate,
	}

	taskerHeartbeatCmd = &cobra.Command{
		Use:   "heartbeat <tasker-id>",
		Short: "Record activity and clear a pending nag",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskerHeartbeat,
	}

	taskerTerminateCmd = &cobra.Command{
		Use:   "terminate <tasker-id>",
		Short: "Terminate a tasker",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskerTerminate,
	}

	taskerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List taskers",
		RunE:  runTaskerList,
	}

	taskerScanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Run one supervisor pass now",
		RunE:  runTaskerScan,
	}

	taskerRememberCmd = &cobra.Command{
		Use:   "remember <tasker-id>",
		Short: "Record a command and its outputs in a tasker's history",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskerRemember,
	}

	taskerContextCmd = &cobra.Command{
		Use:   "context <tasker-id>",
		Short: "Show a tasker's recent commands and latest outputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskerContext,
	}
)

func init() {
	taskerCreateCmd.Flags().String("parent", "", "Parent agent id")
	taskerCreateCmd.Flags().StringSlice("pattern", nil, "Pattern the tasker watches (repeatable)")
	taskerCreateCmd.Flags().Int("timeout", tasker.DefaultTimeoutMinutes, "Minutes of inactivity before termination")
	taskerCreateCmd.Flags().Int("nag", tasker.DefaultNagMinutes, "Minutes of inactivity before a nag")
	taskerCreateCmd.Flags().String("session", "", "Session id")
	taskerCreateCmd.Flags().Int64("room", 0, "Room to announce status changes in")
	taskerTerminateCmd.Flags().String("reason", tasker.ReasonDismissed, "Termination reason")
	taskerListCmd.Flags().String("status", "", "Filter by status")
	taskerListCmd.Flags().String("session", "", "Filter by session id")
	taskerListCmd.Flags().String("parent", "", "Filter by parent agent id")
	taskerRememberCmd.Flags().String("command", "", "Command that was run")
	taskerRememberCmd.Flags().String("result", "", "Distilled result")
	taskerRememberCmd.Flags().String("output", "", "Raw command output")
	taskerRememberCmd.Flags().String("analysis", "", "Analysis of the output")
	taskerCmd.AddCommand(taskerCreateCmd, taskerHeartbeatCmd, taskerTerminateCmd, taskerListCmd, taskerScanCmd,
		taskerRememberCmd, taskerContextCmd)
	rootCmd.AddCommand(taskerCmd)
}

func runTaskerCreate(cmd *cobra.Command, args []string) error {
	parent, _ := cmd.Flags().GetString("parent")
	patterns, _ := cmd.Flags().GetStringSlice("pattern")
	timeout, _ := cmd.Flags().GetInt("timeout")
	nag, _ := cmd.Flags().GetInt("nag")
	sessionID, _ := cmd.Flags().GetString("session")
	var roomID *int64
	if v, _ := cmd.Flags().GetInt64("room"); v > 0 {
		roomID = &v
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := tasker.NewManager(db).Create(cmd.Context(), tasker.CreateParams{
		ParentAgentID:  parent,
		Task:           args[0],
		Patterns:       patterns,
		TimeoutMinutes: timeout,
		NagMinutes:     nag,
		SessionID:      sessionID,
		RoomID:         roomID,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), t, func(w io.Writer) {
		fmt.Fprintf(w, "Tasker %s started for @%s (nag %dm, timeout %dm)\n", t.ID, t.ParentAgentID, t.NagMinutes, t.TimeoutMinutes)
	})
}

func runTaskerHeartbeat(cmd *cobra.Command, args []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := tasker.NewManager(db).Heartbeat(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), t, func(w io.Writer) {
		fmt.Fprintf(w, "Tasker %s %s\n", t.ID, t.Status)
	})
}

func runTaskerTerminate(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := tasker.NewManager(db).Terminate(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), t, func(w io.Writer) {
		fmt.Fprintf(w, "Tasker %s terminated (%s)\n", t.ID, t.TerminationReason)
	})
}

func runTaskerList(cmd *cobra.Command, args []string) error {
	var f tasker.ListFilter
	f.Status, _ = cmd.Flags().GetString("status")
	f.SessionID, _ = cmd.Flags().GetString("session")
	f.ParentAgentID, _ = cmd.Flags().GetString("parent")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := tasker.NewManager(db).List(cmd.Context(), f)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No taskers.")
			return
		}
		for _, t := range list {
			fmt.Fprintf(w, "%s  %-10s @%-12s %s\n", t.ID, t.Status, t.ParentAgentID, t.Task)
		}
	})
}

func runTaskerScan(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := tasker.NewSupervisor(cfg.Supervisor, db).Scan(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
		fmt.Fprintf(w, "Nagged: %d %s\n", len(res.Nagged), strings.Join(res.Nagged, " "))
		fmt.Fprintf(w, "Terminated: %d %s\n", len(res.Terminated), strings.Join(res.Terminated, " "))
	})
}

func runTaskerRemember(cmd *cobra.Command, args []string) error {
	var e tasker.ContextEntry
	e.Command, _ = cmd.Flags().GetString("command")
	e.Result, _ = cmd.Flags().GetString("result")
	e.RawOutput, _ = cmd.Flags().GetString("output")
	e.Analysis, _ = cmd.Flags().GetString("analysis")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	m := tasker.NewManager(db)
	if err := m.StoreContext(cmd.Context(), args[0], e); err != nil {
		return err
	}
	c, err := m.GetContext(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), c, func(w io.Writer) {
		fmt.Fprintf(w, "Tasker %s: %d commands remembered\n", c.TaskerID, len(c.CommandHistory))
	})
}

func runTaskerContext(cmd *cobra.Command, args []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := tasker.NewManager(db).GetContext(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), c, func(w io.Writer) {
		printHeader(w, "Tasker "+c.TaskerID)
		fmt.Fprintf(w, "Task: %s\n", c.Task)
		for _, h := range c.CommandHistory {
			fmt.Fprintf(w, "  %s  %s -> %s\n", h.Timestamp.Format("15:04:05"), h.Command, h.Result)
		}
		if c.LastAnalysis != "" {
			fmt.Fprintf(w, "Last analysis: %s\n", c.LastAnalysis)
		}
	})
}
