package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/chat"
)

var (
	roomCmd = &cobra.Command{
		Use:   "room",
		Short: "Chat rooms and their event logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	roomCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room with initial members",
		Args:  cobra.ExactArgs(1),
		RunE:  runRoomCreate,
	}

	roomListCmd = &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE:  runRoomList,
	}

	roomJoinCmd = &cobra.Command{
		Use:   "join <room-id> <persona>",
		Short: "Add a member to a room",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoomJoin,
	}

	roomSendCmd = &cobra.Command{
		Use:   "send <room-id> <text>",
		Short: "Post a message; @mentions of members notify them",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoomSend,
	}

	roomShareCmd = &cobra.Command{
		Use:   "share <room-id> <artifact-id>",
		Short: "Share an artifact with the room",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoomShare,
	}

	roomTodoCmd = &cobra.Command{
		Use:   "todo <room-id> <description>",
		Short: "Assign a todo to a member",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoomTodo,
	}

	roomReactCmd = &cobra.Command{
		Use:   "react <event-id> <emoji>",
		Short: "React to an event",
		Args:  cobra.ExactArgs(2),
		RunE:  runRoomReact,
	}

	roomFeedCmd = &cobra.Command{
		Use:   "feed <room-id>",
		Short: "Print a room's events after a cursor",
		Args:  cobra.ExactArgs(1),
		RunE:  runRoomFeed,
	}
)

func init() {
	roomCreateCmd.Flags().StringSlice("member", nil, "Initial member persona (repeatable)")
	roomCreateCmd.Flags().String("description", "", "Room description")
	roomCreateCmd.Flags().String("session", "", "Session id")
	for _, c := range []*cobra.Command{roomSendCmd, roomShareCmd, roomTodoCmd, roomReactCmd} {
		c.Flags().String("as", "", "Acting persona")
	}
	roomSendCmd.Flags().Int64("reply-to", 0, "Event id this message replies to")
	roomShareCmd.Flags().Int("revision", -1, "Revision number (default current)")
	roomTodoCmd.Flags().String("assign", "", "Assignee persona")
	roomFeedCmd.Flags().Int64("since", 0, "Only events after this id")
	roomFeedCmd.Flags().Int("limit", chat.DefaultPageSize, "Maximum events to print")
	roomCmd.AddCommand(roomCreateCmd, roomListCmd, roomJoinCmd, roomSendCmd, roomShareCmd, roomTodoCmd, roomReactCmd, roomFeedCmd)
	rootCmd.AddCommand(roomCmd)
}

func runRoomCreate(cmd *cobra.Command, args []string) error {
	members, _ := cmd.Flags().GetStringSlice("member")
	desc, _ := cmd.Flags().GetString("description")
	sessionID, _ := cmd.Flags().GetString("session")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	room, err := chat.NewManager(db).CreateRoom(cmd.Context(), chat.CreateRoomParams{
		Name:        args[0],
		Members:     members,
		Description: desc,
		SessionID:   sessionID,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), room, func(w io.Writer) {
		fmt.Fprintf(w, "Room #%d %q created with %s\n", room.ID, room.Name, strings.Join(room.Members, ", "))
	})
}

func runRoomList(cmd *cobra.Command, args []string) error {
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	rooms, err := chat.NewManager(db).ListRooms(cmd.Context())
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), rooms, func(w io.Writer) {
		if len(rooms) == 0 {
			fmt.Fprintln(w, "No rooms.")
			return
		}
		for _, r := range rooms {
			fmt.Fprintf(w, "#%d  %s  [%s]\n", r.ID, r.Name, strings.Join(r.Members, ", "))
		}
	})
}

func runRoomJoin(cmd *cobra.Command, args []string) error {
	roomID, err := parseID("room id", args[0])
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ev, err := chat.NewManager(db).JoinRoom(cmd.Context(), roomID, args[1])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), ev, func(w io.Writer) {
		fmt.Fprintf(w, "@%s joined room #%d\n", args[1], roomID)
	})
}

func runRoomSend(cmd *cobra.Command, args []string) error {
	roomID, err := parseID("room id", args[0])
	if err != nil {
		return err
	}
	persona, _ := cmd.Flags().GetString("as")
	var replyTo *int64
	if v, _ := cmd.Flags().GetInt64("reply-to"); v > 0 {
		replyTo = &v
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := chat.NewManager(db).SendMessage(cmd.Context(), roomID, persona, args[1], replyTo)
	if err != nil {
		return err
	}
	return printSendResult(cmd.OutOrStdout(), res)
}

func runRoomShare(cmd *cobra.Command, args []string) error {
	roomID, err := parseID("room id", args[0])
	if err != nil {
		return err
	}
	artifactID, err := parseID("artifact id", args[1])
	if err != nil {
		return err
	}
	persona, _ := cmd.Flags().GetString("as")
	var revision *int
	if v, _ := cmd.Flags().GetInt("revision"); v >= 0 {
		revision = &v
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := chat.NewManager(db).ShareArtifact(cmd.Context(), roomID, persona, artifactID, revision)
	if err != nil {
		return err
	}
	return printSendResult(cmd.OutOrStdout(), res)
}

func runRoomTodo(cmd *cobra.Command, args []string) error {
	roomID, err := parseID("room id", args[0])
	if err != nil {
		return err
	}
	persona, _ := cmd.Flags().GetString("as")
	assignee, _ := cmd.Flags().GetString("assign")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := chat.NewManager(db).CreateTodo(cmd.Context(), roomID, persona, args[1], assignee)
	if err != nil {
		return err
	}
	return printSendResult(cmd.OutOrStdout(), res)
}

func runRoomReact(cmd *cobra.Command, args []string) error {
	eventID, err := parseID("event id", args[0])
	if err != nil {
		return err
	}
	persona, _ := cmd.Flags().GetString("as")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ev, err := chat.NewManager(db).React(cmd.Context(), eventID, persona, args[1])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), ev, func(w io.Writer) {
		fmt.Fprintf(w, "Event #%d: @%s reacted %s to #%d\n", ev.ID, ev.Persona, args[1], eventID)
	})
}

func printSendResult(w io.Writer, res *chat.SendResult) error {
	return printOutput(w, res, func(w io.Writer) {
		fmt.Fprintf(w, "Event #%d (%s) posted", res.Event.ID, res.Event.Type)
		if len(res.Notifications) > 0 {
			recipients := make([]string, 0, len(res.Notifications))
			for _, n := range res.Notifications {
				recipients = append(recipients, "@"+n.Recipient)
			}
			fmt.Fprintf(w, ", notified %s", strings.Join(recipients, " "))
		}
		fmt.Fprintln(w)
	})
}

func runRoomFeed(cmd *cobra.Command, args []string) error {
	roomID, err := parseID("room id", args[0])
	if err != nil {
		return err
	}
	since, _ := cmd.Flags().GetInt64("since")
	limit, _ := cmd.Flags().GetInt("limit")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	page, err := chat.NewManager(db).FeedPage(cmd.Context(), roomID, since, limit)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), page, func(w io.Writer) {
		for _, ev := range page.Events {
			fmt.Fprintf(w, "%s %s %s\n", color.HiBlackString("#%d", ev.ID), color.CyanString("@%s", ev.Persona), describeEvent(ev))
		}
		fmt.Fprintf(w, "next since: %d\n", page.NextSince)
	})
}

func describeEvent(ev chat.Event) string {
	switch ev.Type {
	case chat.EventMessage:
		var d chat.MessageData
		if ev.Decode(&d) == nil {
			return d.Text
		}
	case chat.EventJoin:
		return "joined"
	case chat.EventArtifactShare:
		var d chat.ShareData
		if ev.Decode(&d) == nil {
			return fmt.Sprintf("shared artifact #%d", d.ArtifactID)
		}
	case chat.EventTodo:
		var d chat.TodoData
		if ev.Decode(&d) == nil {
			return fmt.Sprintf("todo for @%s: %s", d.AssignedTo, d.Description)
		}
	case chat.EventStatusChange:
		var d chat.StatusChangeData
		if ev.Decode(&d) == nil {
			return d.Message
		}
	case chat.EventReaction:
		var d chat.ReactionData
		if ev.Decode(&d) == nil {
			return fmt.Sprintf("%s on #%d", d.Emoji, d.TargetEventID)
		}
	}
	return ev.Type
}
