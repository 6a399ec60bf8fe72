package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/taskqueue"
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Task queues and their tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	queueCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create a task queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueCreate,
	}

	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List task queues",
		RunE:  runQueueList,
	}

	queueShowCmd = &cobra.Command{
		Use:   "show <queue-id>",
		Short: "Show a queue and its tasks in pickup order",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueShow,
	}

	queueSetCmd = &cobra.Command{
		Use:   "set <queue-id>",
		Short: "Rename, redescribe, pause or archive a queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueSet,
	}

	queueFeedCmd = &cobra.Command{
		Use:   "feed <queue-id>",
		Short: "Print a queue's activity after a cursor",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueFeed,
	}

	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Work on queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskAddCmd = &cobra.Command{
		Use:   "add <queue-id> <title>",
		Short: "Add a task to a queue",
		Args:  cobra.ExactArgs(2),
		RunE:  runTaskAdd,
	}

	taskShowCmd = &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its linked outputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskShow,
	}

	taskStatusCmd = &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to pending, in_progress, blocked, review or done",
		Args:  cobra.ExactArgs(2),
		RunE:  runTaskStatus,
	}

	taskEditCmd = &cobra.Command{
		Use:   "edit <task-id>",
		Short: "Change a task's title, priority, deadline or assignee",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskEdit,
	}

	taskEstimateCmd = &cobra.Command{
		Use:   "estimate <task-id> <complexity>",
		Short: "Record a complexity estimate",
		Args:  cobra.ExactArgs(2),
		RunE:  runTaskEstimate,
	}

	taskLinkCmd = &cobra.Command{
		Use:   "link <task-id>",
		Short: "Link an artifact, branch or other output to a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskLink,
	}

	taskSayCmd = &cobra.Command{
		Use:   "say <task-id> <message>",
		Short: "Post a question or note to a task",
		Args:  cobra.ExactArgs(2),
		RunE:  runTaskSay,
	}
)

func init() {
	queueCreateCmd.Flags().String("description", "", "Queue description")
	queueCreateCmd.Flags().String("session", "", "Session id")
	queueCreateCmd.Flags().Int64("room", 0, "Room for questions about the queue's tasks")
	queueListCmd.Flags().String("status", "", "Filter by status")
	queueListCmd.Flags().Int("limit", 0, "Maximum queues to list")
	queueShowCmd.Flags().String("status", "", "Only tasks with this status")
	queueShowCmd.Flags().String("assignee", "", "Only tasks assigned to this persona")
	queueSetCmd.Flags().String("name", "", "New name")
	queueSetCmd.Flags().String("description", "", "New description")
	queueSetCmd.Flags().String("status", "", "active, paused or archived")
	queueFeedCmd.Flags().Int64("since", 0, "Only events after this id")
	queueFeedCmd.Flags().Int("limit", 0, "Maximum events to print")
	queueCmd.AddCommand(queueCreateCmd, queueListCmd, queueShowCmd, queueSetCmd, queueFeedCmd)

	taskAddCmd.Flags().String("description", "", "Task description")
	taskAddCmd.Flags().String("criteria", "", "Acceptance criteria")
	taskAddCmd.Flags().Int("priority", taskqueue.PriorityNormal, "Priority 0 (low) to 3 (urgent)")
	taskAddCmd.Flags().String("deadline", "", "Deadline, RFC 3339")
	taskAddCmd.Flags().String("assign", "", "Assignee persona")
	taskEditCmd.Flags().String("title", "", "New title")
	taskEditCmd.Flags().Int("priority", -1, "New priority")
	taskEditCmd.Flags().String("deadline", "", "New deadline, RFC 3339")
	taskEditCmd.Flags().String("assign", "", "New assignee persona")
	taskStatusCmd.Flags().String("notes", "", "Why the status changed")
	taskEstimateCmd.Flags().String("notes", "", "How the estimate was reached")
	taskLinkCmd.Flags().String("type", taskqueue.LinkArtifact, "artifact, git_branch or any other kind")
	taskLinkCmd.Flags().Int64("artifact", 0, "Artifact id")
	taskLinkCmd.Flags().String("branch", "", "Git branch")
	taskLinkCmd.Flags().String("description", "", "What the output is")
	for _, c := range []*cobra.Command{taskAddCmd, taskStatusCmd, taskEditCmd, taskEstimateCmd, taskLinkCmd, taskSayCmd} {
		c.Flags().String("as", "", "Acting persona")
	}
	taskCmd.AddCommand(taskAddCmd, taskShowCmd, taskStatusCmd, taskEditCmd, taskEstimateCmd, taskLinkCmd, taskSayCmd)
	rootCmd.AddCommand(queueCmd, taskCmd)
}

func parseDeadline(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline %q: want RFC 3339", raw)
	}
	return &t, nil
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	desc, _ := cmd.Flags().GetString("description")
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

	q, err := taskqueue.NewManager(db).CreateQueue(cmd.Context(), taskqueue.CreateQueueParams{
		Name:        args[0],
		Description: desc,
		SessionID:   sessionID,
		RoomID:      roomID,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), q, func(w io.Writer) {
		fmt.Fprintf(w, "Queue #%d %q created\n", q.ID, q.Name)
	})
}

func runQueueList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := taskqueue.NewManager(db).ListQueues(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "No queues.")
			return
		}
		for _, q := range list {
			fmt.Fprintf(w, "#%d  %-20s %-9s %d tasks (%d pending)\n",
				q.ID, q.Name, q.Status, q.TotalTasks, q.TaskCounts[taskqueue.StatusPending])
		}
	})
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	id, err := parseID("queue id", args[0])
	if err != nil {
		return err
	}
	var f taskqueue.TaskFilter
	f.Status, _ = cmd.Flags().GetString("status")
	f.AssignedTo, _ = cmd.Flags().GetString("assignee")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	m := taskqueue.NewManager(db)
	q, err := m.GetQueue(cmd.Context(), id)
	if err != nil {
		return err
	}
	tasks, err := m.ListTasks(cmd.Context(), id, f)
	if err != nil {
		return err
	}
	payload := struct {
		Queue *taskqueue.Queue `json:"queue"`
		Tasks []taskqueue.Task `json:"tasks"`
	}{q, tasks}
	return printOutput(cmd.OutOrStdout(), payload, func(w io.Writer) {
		printHeader(w, fmt.Sprintf("Queue #%d %s (%s)", q.ID, q.Name, q.Status))
		if len(tasks) == 0 {
			fmt.Fprintln(w, "No tasks.")
			return
		}
		for _, t := range tasks {
			due := ""
			if t.Deadline != nil {
				due = " due " + t.Deadline.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "  #%d  p%d  %-11s %s%s\n", t.ID, t.Priority, t.Status, t.Title, due)
		}
	})
}

func runQueueSet(cmd *cobra.Command, args []string) error {
	id, err := parseID("queue id", args[0])
	if err != nil {
		return err
	}
	var u taskqueue.QueueUpdate
	if cmd.Flags().Changed("name") {
		v, _ := cmd.Flags().GetString("name")
		u.Name = &v
	}
	if cmd.Flags().Changed("description") {
		v, _ := cmd.Flags().GetString("description")
		u.Description = &v
	}
	if cmd.Flags().Changed("status") {
		v, _ := cmd.Flags().GetString("status")
		u.Status = &v
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	q, err := taskqueue.NewManager(db).UpdateQueue(cmd.Context(), id, u)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), q, func(w io.Writer) {
		fmt.Fprintf(w, "Queue #%d %q is %s\n", q.ID, q.Name, q.Status)
	})
}

func runQueueFeed(cmd *cobra.Command, args []string) error {
	id, err := parseID("queue id", args[0])
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

	page, err := taskqueue.NewManager(db).QueueFeed(cmd.Context(), id, since, limit)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), page, func(w io.Writer) {
		for _, ev := range page.Events {
			fmt.Fprintf(w, "[%d] %s #%d %s %s %s\n", ev.ID, ev.CreatedAt.Format("15:04:05"), ev.TaskID, ev.TaskTitle, ev.Type, ev.Persona)
		}
	})
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	queueID, err := parseID("queue id", args[0])
	if err != nil {
		return err
	}
	desc, _ := cmd.Flags().GetString("description")
	criteria, _ := cmd.Flags().GetString("criteria")
	priority, _ := cmd.Flags().GetInt("priority")
	rawDeadline, _ := cmd.Flags().GetString("deadline")
	assign, _ := cmd.Flags().GetString("assign")
	as, _ := cmd.Flags().GetString("as")
	deadline, err := parseDeadline(rawDeadline)
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := taskqueue.NewManager(db).CreateTask(cmd.Context(), queueID, taskqueue.CreateTaskParams{
		Title:              args[1],
		Description:        desc,
		AcceptanceCriteria: criteria,
		Priority:           &priority,
		Deadline:           deadline,
		CreatedBy:          as,
		AssignedTo:         assign,
	})
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), t, func(w io.Writer) {
		fmt.Fprintf(w, "Task #%d %q added to queue #%d\n", t.ID, t.Title, t.QueueID)
	})
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := taskqueue.NewManager(db).GetTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printTask(cmd, t)
}

func printTask(cmd *cobra.Command, t *taskqueue.Task) error {
	return printOutput(cmd.OutOrStdout(), t, func(w io.Writer) {
		printHeader(w, fmt.Sprintf("Task #%d %s", t.ID, t.Title))
		fmt.Fprintf(w, "Status: %s  Priority: %d  Assignee: %s\n", t.Status, t.Priority, t.AssignedTo)
		if t.Complexity != nil {
			fmt.Fprintf(w, "Complexity: %d %s\n", *t.Complexity, t.ComplexityNotes)
		}
		for _, a := range t.Artifacts {
			ref := a.GitBranch
			if a.ArtifactName != "" {
				ref = a.ArtifactName
			}
			fmt.Fprintf(w, "  %s %s %s\n", a.Type, ref, a.Description)
		}
	})
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	notes, _ := cmd.Flags().GetString("notes")
	as, _ := cmd.Flags().GetString("as")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := taskqueue.NewManager(db).UpdateStatus(cmd.Context(), id, args[1], as, notes)
	if err != nil {
		return err
	}
	return printTask(cmd, t)
}

func runTaskEdit(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	var u taskqueue.TaskUpdate
	if cmd.Flags().Changed("title") {
		v, _ := cmd.Flags().GetString("title")
		u.Title = &v
	}
	if cmd.Flags().Changed("priority") {
		v, _ := cmd.Flags().GetInt("priority")
		u.Priority = &v
	}
	if cmd.Flags().Changed("deadline") {
		v, _ := cmd.Flags().GetString("deadline")
		d, err := parseDeadline(v)
		if err != nil {
			return err
		}
		u.Deadline = d
	}
	if cmd.Flags().Changed("assign") {
		v, _ := cmd.Flags().GetString("assign")
		u.AssignedTo = &v
	}
	as, _ := cmd.Flags().GetString("as")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := taskqueue.NewManager(db).UpdateTask(cmd.Context(), id, u, as)
	if err != nil {
		return err
	}
	return printTask(cmd, t)
}

func runTaskEstimate(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	complexity, err := parseID("complexity", args[1])
	if err != nil {
		return err
	}
	notes, _ := cmd.Flags().GetString("notes")
	as, _ := cmd.Flags().GetString("as")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := taskqueue.NewManager(db).AssignComplexity(cmd.Context(), id, int(complexity), notes, as)
	if err != nil {
		return err
	}
	return printTask(cmd, t)
}

func runTaskLink(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	var p taskqueue.LinkParams
	p.Type, _ = cmd.Flags().GetString("type")
	p.GitBranch, _ = cmd.Flags().GetString("branch")
	p.Description, _ = cmd.Flags().GetString("description")
	p.CreatedBy, _ = cmd.Flags().GetString("as")
	if v, _ := cmd.Flags().GetInt64("artifact"); v > 0 {
		p.ArtifactID = &v
	}
	if p.GitBranch != "" && !cmd.Flags().Changed("type") {
		p.Type = taskqueue.LinkGitBranch
	}
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	link, err := taskqueue.NewManager(db).AddArtifact(cmd.Context(), id, p)
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), link, func(w io.Writer) {
		fmt.Fprintf(w, "Linked %s to task #%d\n", link.Type, link.TaskID)
	})
}

func runTaskSay(cmd *cobra.Command, args []string) error {
	id, err := parseID("task id", args[0])
	if err != nil {
		return err
	}
	as, _ := cmd.Flags().GetString("as")
	db, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ev, err := taskqueue.NewManager(db).AddMessage(cmd.Context(), id, as, args[1])
	if err != nil {
		return err
	}
	return printOutput(cmd.OutOrStdout(), ev, func(w io.Writer) {
		fmt.Fprintf(w, "Posted to task #%d (event %d)\n", ev.TaskID, ev.ID)
	})
}
