package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/chat"
)

var (
	notifyCmd = &cobra.Command{
		Use:   "notify",
		Short: "Read notification inboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	notifyListCmd = &cobra.Command{
		Use:   "list <persona>",
		Short: "List a persona's notifications, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runNotifyList,
	}

	notifyReadCmd = &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE:  runNotifyRead,
	}
)

func init() {
	notifyListCmd.Flags().Bool("unread", false, "Only unread notifications")
	notifyCmd.AddCommand(notifyListCmd, notifyReadCmd)
	rootCmd.AddCommand(notifyCmd)
}

func runNotifyList(cmd *cobra.Command, args []string) error {
	unread, _ := cmd.Flags().GetBool("unread")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := chat.NewManager(db).Notifications(cmd.Context(), args[0], unread)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintf(w, "No notifications for @%s.\n", args[0])
			return
		}
		for _, n := range list {
			mark := color.YellowString("*")
			if n.Read {
				mark = " "
			}
			fmt.Fprintf(w, "%s #%d  %-15s %s\n", mark, n.ID, n.Type, n.SourceRef)
		}
	})
}

func runNotifyRead(cmd *cobra.Command, args []string) error {
	id, err := parseID("notification id", args[0])
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := chat.NewManager(db).MarkRead(cmd.Context(), id); err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), map[string]any{"notification_id": id, "read": true}, func(w io.Writer) {
		fmt.Fprintf(w, "Notification #%d marked read\n", id)
	})
}
