package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := &bytes.Buffer{}
	logs := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(logs)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// resetFlags restores every flag in the tree, since cobra keeps values
// between executions of the same command.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HUDDLE_HOME", home)
	t.Setenv("HUDDLE_CONFIG", "")
	return filepath.Join(home, "huddle.db")
}

func runJSON(t *testing.T, dst any, args ...string) {
	t.Helper()
	out, err := runRootCommand(t, append(args, "--json")...)
	if err != nil {
		t.Fatalf("%s: %v\nout=%s", strings.Join(args, " "), err, out)
	}
	if err := json.Unmarshal([]byte(out), dst); err != nil {
		t.Fatalf("%s: decode output: %v\nout=%s", strings.Join(args, " "), err, out)
	}
}

func TestSessionArtifactReviewFlow(t *testing.T) {
	db := setupHome(t)
	dbFlag := "--db=" + db

	var sess map[string]any
	runJSON(t, &sess, "session", "create", "--id=s1", "--title=Launch", dbFlag)
	if sess["session_id"] != "s1" || sess["status"] != "active" {
		t.Fatalf("unexpected session: %v", sess)
	}

	var created struct {
		Artifact struct {
			ID int64 `json:"artifact_id"`
		} `json:"artifact"`
		Revision struct {
			Num int `json:"revision_num"`
		} `json:"revision"`
	}
	runJSON(t, &created, "artifact", "create", "plan", "--content=alpha\nbeta\n", "--filename=plan.md", "--author=alice", "--session=s1", dbFlag)
	if created.Artifact.ID != 1 || created.Revision.Num != 0 {
		t.Fatalf("unexpected artifact: %+v", created)
	}

	var rev struct {
		Num int `json:"revision_num"`
	}
	runJSON(t, &rev, "artifact", "revise", "1", "--content=alpha\nbeta\ngamma\n", "--filename=plan.md", "--author=alice", "--notes=adds gamma", dbFlag)
	if rev.Num != 1 {
		t.Fatalf("expected revision 1, got %d", rev.Num)
	}

	content, err := runRootCommand(t, "artifact", "get", "1", "--revision=0", dbFlag)
	if err != nil {
		t.Fatalf("artifact get: %v", err)
	}
	if content != "alpha\nbeta" {
		t.Fatalf("unexpected revision 0 content: %q", content)
	}

	var history []map[string]any
	runJSON(t, &history, "artifact", "history", "1", dbFlag)
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}

	var rv struct {
		ID  int64 `json:"review_id"`
		Num int   `json:"revision_num"`
	}
	runJSON(t, &rv, "review", "create", "1", "--revision=0", "--reviewer=bob", dbFlag)
	if rv.ID != 1 || rv.Num != 0 {
		t.Fatalf("unexpected review: %+v", rv)
	}
	if _, err := runRootCommand(t, "review", "comment", "1", "tighten this", "--author=bob", "--location=line:2", dbFlag); err != nil {
		t.Fatalf("review comment: %v", err)
	}

	var ann struct {
		Content string `json:"annotated_content"`
		Total   int    `json:"total_comments"`
	}
	runJSON(t, &ann, "review", "annotate", "1", "--revision=0", dbFlag)
	if !strings.Contains(ann.Content, "beta[^bob-1]") || ann.Total != 1 {
		t.Fatalf("unexpected annotation: %+v", ann)
	}

	var done map[string]any
	runJSON(t, &done, "review", "complete", "1", "--comment=ship it", dbFlag)
	if done["status"] != "completed" || done["overall_comment"] != "ship it" {
		t.Fatalf("unexpected completed review: %v", done)
	}

	outDir := t.TempDir()
	if _, err := runRootCommand(t, "artifact", "export", "1", "--dir="+outDir, dbFlag); err != nil {
		t.Fatalf("artifact export: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(outDir, "*", "revision-*.meta.md"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 meta files, got %v", matches)
	}

	var contents struct {
		Artifacts []map[string]any `json:"artifacts"`
	}
	runJSON(t, &contents, "session", "show", "s1", dbFlag)
	if len(contents.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact in session, got %d", len(contents.Artifacts))
	}
}

func TestArtifactCreateRequiresContent(t *testing.T) {
	db := setupHome(t)
	if _, err := runRootCommand(t, "artifact", "create", "x", "--filename=x.md", "--db="+db); err == nil {
		t.Fatal("expected missing content error")
	}
	file := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(file, []byte("# notes\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := runRootCommand(t, "artifact", "create", "x", "--file="+file, "--db="+db)
	if err != nil {
		t.Fatalf("create from file: %v", err)
	}
	if !strings.Contains(out, `"x" created at revision 0`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestRoomMessagingAndNotifications(t *testing.T) {
	db := setupHome(t)
	dbFlag := "--db=" + db

	var room struct {
		ID      int64    `json:"room_id"`
		Members []string `json:"members"`
	}
	runJSON(t, &room, "room", "create", "ops", "--member=alice", "--member=bob", dbFlag)
	if room.ID != 1 || len(room.Members) != 2 {
		t.Fatalf("unexpected room: %+v", room)
	}

	var sent struct {
		Mentions      []string         `json:"mentions"`
		Notifications []map[string]any `json:"notifications"`
	}
	runJSON(t, &sent, "room", "send", "1", "@bob @bob ping", "--as=alice", dbFlag)
	if len(sent.Mentions) != 1 || len(sent.Notifications) != 1 {
		t.Fatalf("expected one mention notification, got %+v", sent)
	}

	if _, err := runRootCommand(t, "room", "send", "1", "hi", "--as=carol", dbFlag); err == nil {
		t.Fatal("expected non-member send to fail")
	}

	var inbox []map[string]any
	runJSON(t, &inbox, "notify", "list", "bob", "--unread", dbFlag)
	if len(inbox) != 1 || inbox[0]["type"] != "mention" {
		t.Fatalf("unexpected inbox: %v", inbox)
	}
	id := fmt.Sprint(int64(inbox[0]["notification_id"].(float64)))
	if _, err := runRootCommand(t, "notify", "read", id, dbFlag); err != nil {
		t.Fatalf("notify read: %v", err)
	}
	inbox = nil
	runJSON(t, &inbox, "notify", "list", "bob", "--unread", dbFlag)
	if len(inbox) != 0 {
		t.Fatalf("expected empty unread inbox, got %v", inbox)
	}

	var feed struct {
		Events    []map[string]any `json:"events"`
		NextSince int64            `json:"next_since"`
	}
	runJSON(t, &feed, "room", "feed", "1", dbFlag)
	if len(feed.Events) != 3 || feed.NextSince != 3 {
		t.Fatalf("expected joins plus message, got %d events next=%d", len(feed.Events), feed.NextSince)
	}

	plain, err := runRootCommand(t, "room", "feed", "1", "--since=2", dbFlag)
	if err != nil {
		t.Fatalf("room feed text: %v", err)
	}
	if !strings.Contains(plain, "@bob @bob ping") || strings.Contains(plain, "joined") {
		t.Fatalf("unexpected feed output: %s", plain)
	}
}

func TestEmptyListsPrintJSONArrays(t *testing.T) {
	db := setupHome(t)
	for _, args := range [][]string{{"room", "list"}, {"session", "list"}, {"tasker", "list"}, {"queue", "list"}} {
		out, err := runRootCommand(t, append(args, "--json", "--db="+db)...)
		if err != nil {
			t.Fatalf("%s: %v", strings.Join(args, " "), err)
		}
		if out != "[]" {
			t.Fatalf("%s: expected [], got %s", strings.Join(args, " "), out)
		}
	}
}

func TestTaskerCommands(t *testing.T) {
	db := setupHome(t)
	dbFlag := "--db=" + db

	var tk struct {
		ID      string `json:"tasker_id"`
		Status  string `json:"status"`
		Nag     int    `json:"nag_minutes"`
		Timeout int    `json:"timeout_minutes"`
	}
	runJSON(t, &tk, "tasker", "create", "watch CI", "--parent=alice", "--pattern=build failed", dbFlag)
	if !strings.HasPrefix(tk.ID, "tsk-") || tk.Status != "active" || tk.Nag != 5 || tk.Timeout != 15 {
		t.Fatalf("unexpected tasker: %+v", tk)
	}

	var scan struct {
		Nagged     []string `json:"nagged"`
		Terminated []string `json:"terminated"`
	}
	runJSON(t, &scan, "tasker", "scan", dbFlag)
	if len(scan.Nagged) != 0 || len(scan.Terminated) != 0 {
		t.Fatalf("fresh tasker should not move: %+v", scan)
	}

	if _, err := runRootCommand(t, "tasker", "heartbeat", tk.ID, dbFlag); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	var term map[string]any
	runJSON(t, &term, "tasker", "terminate", tk.ID, dbFlag)
	if term["status"] != "terminated" || term["termination_reason"] != "dismissed" {
		t.Fatalf("unexpected terminate result: %v", term)
	}
	if _, err := runRootCommand(t, "tasker", "heartbeat", tk.ID, dbFlag); err == nil {
		t.Fatal("expected heartbeat on terminated tasker to fail")
	}

	var list []map[string]any
	runJSON(t, &list, "tasker", "list", "--status=terminated", dbFlag)
	if len(list) != 1 {
		t.Fatalf("expected 1 terminated tasker, got %d", len(list))
	}
}

func TestQueueCommands(t *testing.T) {
	db := setupHome(t)
	dbFlag := "--db=" + db

	var q struct {
		ID     int64  `json:"queue_id"`
		Status string `json:"status"`
	}
	runJSON(t, &q, "queue", "create", "backend", "--description=API work", dbFlag)
	if q.ID != 1 || q.Status != "active" {
		t.Fatalf("unexpected queue: %+v", q)
	}

	var tk struct {
		ID       int64  `json:"task_id"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
	}
	runJSON(t, &tk, "task", "add", "1", "add login endpoint", "--priority=3", "--assign=bob", "--as=lead", dbFlag)
	if tk.ID != 1 || tk.Status != "pending" || tk.Priority != 3 {
		t.Fatalf("unexpected task: %+v", tk)
	}
	if _, err := runRootCommand(t, "task", "add", "1", "x", "--deadline=tomorrow", dbFlag); err == nil {
		t.Fatal("expected bad deadline to fail")
	}

	runJSON(t, &tk, "task", "status", "1", "in_progress", "--as=bob", dbFlag)
	if tk.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", tk.Status)
	}
	if _, err := runRootCommand(t, "task", "link", "1", "--branch=feature/login", "--as=bob", dbFlag); err != nil {
		t.Fatalf("task link: %v", err)
	}
	if _, err := runRootCommand(t, "task", "say", "1", "which auth scheme?", "--as=bob", dbFlag); err != nil {
		t.Fatalf("task say: %v", err)
	}

	var shown struct {
		Queue struct {
			Total int `json:"total_tasks"`
		} `json:"queue"`
		Tasks []map[string]any `json:"tasks"`
	}
	runJSON(t, &shown, "queue", "show", "1", dbFlag)
	if shown.Queue.Total != 1 || len(shown.Tasks) != 1 {
		t.Fatalf("unexpected queue view: %+v", shown)
	}

	var feed struct {
		Events    []map[string]any `json:"events"`
		NextSince int64            `json:"next_since"`
	}
	runJSON(t, &feed, "queue", "feed", "1", dbFlag)
	if len(feed.Events) != 4 || feed.NextSince != 4 {
		t.Fatalf("expected created, status, link and message events, got %d next=%d", len(feed.Events), feed.NextSince)
	}

	var inbox []map[string]any
	runJSON(t, &inbox, "notify", "list", "bob", dbFlag)
	if len(inbox) != 1 || inbox[0]["type"] != "task_assigned" {
		t.Fatalf("unexpected inbox: %v", inbox)
	}
}

func TestTaskerContextCommands(t *testing.T) {
	db := setupHome(t)
	dbFlag := "--db=" + db

	var tk struct {
		ID string `json:"tasker_id"`
	}
	runJSON(t, &tk, "tasker", "create", "watch CI", "--parent=alice", dbFlag)
	if _, err := runRootCommand(t, "tasker", "remember", tk.ID, "--command=make test", "--result=2 failures", "--analysis=flaky", dbFlag); err != nil {
		t.Fatalf("tasker remember: %v", err)
	}
	var c struct {
		History []struct {
			Command string `json:"command"`
		} `json:"command_history"`
		Analysis string `json:"last_analysis"`
	}
	runJSON(t, &c, "tasker", "context", tk.ID, dbFlag)
	if len(c.History) != 1 || c.History[0].Command != "make test" || c.Analysis != "flaky" {
		t.Fatalf("unexpected context: %+v", c)
	}
}

// stopServeImmediately makes serve return as soon as its workers start.
func stopServeImmediately(t *testing.T) {
	t.Helper()
	orig := serveSignals
	t.Cleanup(func() { serveSignals = orig })
	serveSignals = func(ctx context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		return ctx, cancel
	}
}

func TestServeStopsOnSignal(t *testing.T) {
	db := setupHome(t)
	stopServeImmediately(t)

	out, err := runRootCommand(t, "serve", "--db="+db)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !strings.Contains(out, "huddle serving") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestServeRejectsRelayWithoutBrokers(t *testing.T) {
	db := setupHome(t)
	stopServeImmediately(t)
	t.Setenv("HUDDLE_RELAY_ENABLED", "true")
	_, err := runRootCommand(t, "serve", "--db="+db)
	if err == nil || !strings.Contains(err.Error(), "no brokers") {
		t.Fatalf("expected missing brokers error, got %v", err)
	}
}

func TestVersionReportsSchema(t *testing.T) {
	db := setupHome(t)
	out, err := runRootCommand(t, "version", "--db="+db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "huddle "+version) || !strings.Contains(out, "Schema: v") {
		t.Fatalf("unexpected version output: %s", out)
	}
}
