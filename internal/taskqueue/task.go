package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// Task statuses. Done is terminal.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusReview     = "review"
	StatusDone       = "done"
)

// Statuses lists the task statuses in workflow order.
var Statuses = []string{StatusPending, StatusInProgress, StatusBlocked, StatusReview, StatusDone}

// Priorities, higher is more urgent.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// Task artifact kinds with a required reference.
const (
	LinkArtifact  = "artifact"
	LinkGitBranch = "git_branch"
)

const defaultTaskLimit = 100

// Task is one unit of queued work.
type Task struct {
	ID                 int64          `json:"task_id"`
	QueueID            int64          `json:"queue_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria string         `json:"acceptance_criteria,omitempty"`
	Priority           int            `json:"priority"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	Complexity         *int           `json:"complexity,omitempty"`
	ComplexityNotes    string         `json:"complexity_notes,omitempty"`
	Status             string         `json:"status"`
	CreatedBy          string         `json:"created_by,omitempty"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Artifacts          []TaskArtifact `json:"artifacts,omitempty"`
}

// TaskArtifact links a stored artifact, a git branch or any other named
// output to a task.
type TaskArtifact struct {
	ID           int64     `json:"task_artifact_id"`
	TaskID       int64     `json:"task_id"`
	Type         string    `json:"artifact_type"`
	ArtifactID   *int64    `json:"artifact_id,omitempty"`
	ArtifactName string    `json:"artifact_name,omitempty"`
	GitBranch    string    `json:"git_branch,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateTaskParams describes a new task. Priority nil means normal.
type CreateTaskParams struct {
	Title              string
	Description        string
	AcceptanceCriteria string
	Priority           *int
	Deadline           *time.Time
	CreatedBy          string
	AssignedTo         string
}

// TaskUpdate edits task details. Nil fields are left alone.
type TaskUpdate struct {
	Title              *string
	Description        *string
	AcceptanceCriteria *string
	Priority           *int
	Deadline           *time.Time
	AssignedTo         *string
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status     string
	AssignedTo string
	Limit      int
}

// LinkParams describes a task artifact.
type LinkParams struct {
	Type        string
	ArtifactID  *int64
	GitBranch   string
	Description string
	CreatedBy   string
}

// Change is one field's before and after value in a task_updated event.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

func validStatus(s string) bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func validPriority(p int) bool { return p >= PriorityLow && p <= PriorityUrgent }

func formatDeadline(t *time.Time) any {
	if t == nil {
		return nil
	}
	return store.FormatTime(*t)
}

// CreateTask adds a pending task to a queue and logs task_created. A named
// assignee is notified.
func (m *Manager) CreateTask(ctx context.Context, queueID int64, p CreateTaskParams) (*Task, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return nil, store.Invalid("task title is required")
	}
	priority := PriorityNormal
	if p.Priority != nil {
		priority = *p.Priority
	}
	if !validPriority(priority) {
		return nil, store.Invalid("priority %d out of range %d..%d", priority, PriorityLow, PriorityUrgent)
	}

	var out *Task
	err := m.db.Tx(ctx, "create task", func(tx *sql.Tx) error {
		q, err := getQueue(ctx, tx, queueID)
		if err != nil {
			return err
		}
		if q.Status == QueueArchived {
			return store.InvalidState("task queue %d is archived", queueID)
		}
		now := m.db.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (queue_id, title, description, acceptance_criteria, priority, deadline,
				status, created_by, assigned_to, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			queueID, p.Title, store.NullString(p.Description), store.NullString(p.AcceptanceCriteria), priority,
			formatDeadline(p.Deadline), StatusPending, store.NullString(p.CreatedBy), store.NullString(p.AssignedTo),
			store.FormatTime(now), store.FormatTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t := &Task{
			ID:                 id,
			QueueID:            queueID,
			Title:              p.Title,
			Description:        p.Description,
			AcceptanceCriteria: p.AcceptanceCriteria,
			Priority:           priority,
			Deadline:           p.Deadline,
			Status:             StatusPending,
			CreatedBy:          p.CreatedBy,
			AssignedTo:         p.AssignedTo,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if _, err := appendEvent(ctx, tx, t, EventTaskCreated, p.CreatedBy, CreatedData{
			Title:      t.Title,
			Priority:   t.Priority,
			Deadline:   t.Deadline,
			AssignedTo: t.AssignedTo,
		}, now); err != nil {
			return err
		}
		if err := notifyAssignee(ctx, tx, t, p.CreatedBy, now); err != nil {
			return err
		}
		if err := touchQueue(ctx, tx, queueID, now); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const taskColumns = `id, queue_id, title, COALESCE(description, ''), COALESCE(acceptance_criteria, ''),
	priority, deadline, complexity, COALESCE(complexity_notes, ''), status,
	COALESCE(created_by, ''), COALESCE(assigned_to, ''), created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t          Task
		complexity sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.QueueID, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.Priority, store.ScanNullTime(&t.Deadline), &complexity, &t.ComplexityNotes, &t.Status,
		&t.CreatedBy, &t.AssignedTo, store.ScanTime(&t.CreatedAt), store.ScanTime(&t.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if complexity.Valid {
		c := int(complexity.Int64)
		t.Complexity = &c
	}
	return &t, nil
}

func getTask(ctx context.Context, q store.Querier, taskID int64) (*Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound("task %d", taskID)
	}
	if err != nil {
		return nil, store.Storage("get task", err)
	}
	return t, nil
}

// GetTask returns a task with its linked artifacts, newest link first.
func (m *Manager) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	t, err := getTask(ctx, m.db.SQL(), taskID)
	if err != nil {
		return nil, err
	}
	links, err := listLinks(ctx, m.db.SQL(), taskID)
	if err != nil {
		return nil, err
	}
	t.Artifacts = links
	return t, nil
}

// ListTasks returns a queue's tasks in pickup order: tasks with a deadline
// first by deadline, then by priority descending, then oldest first.
func (m *Manager) ListTasks(ctx context.Context, queueID int64, f TaskFilter) ([]Task, error) {
	if _, err := m.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = defaultTaskLimit
	}
	where := []string{"queue_id = ?"}
	args := []any{queueID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	args = append(args, f.Limit)

	rows, err := m.db.SQL().QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY CASE WHEN deadline IS NULL THEN 1 ELSE 0 END, deadline ASC, priority DESC, created_at ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, store.Storage("list tasks", err)
	}
	defer rows.Close()
	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.Storage("list tasks", err)
		}
		out = append(out, *t)
	}
	return out, store.Storage("list tasks", rows.Err())
}

// mutate loads a task inside one transaction, applies fn and returns the
// task as stored afterwards. fn returns false when it changed nothing.
func (m *Manager) mutate(ctx context.Context, op string, taskID int64, fn func(tx *sql.Tx, t *Task, now time.Time) (bool, error)) (*Task, error) {
	err := m.db.Tx(ctx, op, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := m.db.Now()
		changed, err := fn(tx, t, now)
		if err != nil || !changed {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, store.FormatTime(now), taskID); err != nil {
			return err
		}
		return touchQueue(ctx, tx, t.QueueID, now)
	})
	if err != nil {
		return nil, err
	}
	return m.GetTask(ctx, taskID)
}

// UpdateStatus moves a task to status and logs status_changed. Any status
// may follow any other except that done is final.
func (m *Manager) UpdateStatus(ctx context.Context, taskID int64, status, persona, notes string) (*Task, error) {
	if !validStatus(status) {
		return nil, store.Invalid("task status %q must be one of %s", status, strings.Join(Statuses, ", "))
	}
	return m.mutate(ctx, "update task status", taskID, func(tx *sql.Tx, t *Task, now time.Time) (bool, error) {
		if t.Status == StatusDone && status != StatusDone {
			return false, store.InvalidState("task %d is done", taskID)
		}
		if t.Status == status {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, taskID); err != nil {
			return false, err
		}
		_, err := appendEvent(ctx, tx, t, EventStatusChanged, persona, StatusData{From: t.Status, To: status, Notes: notes}, now)
		return err == nil, err
	})
}

// AssignComplexity records an agent's complexity estimate.
func (m *Manager) AssignComplexity(ctx context.Context, taskID int64, complexity int, notes, persona string) (*Task, error) {
	if complexity <= 0 {
		return nil, store.Invalid("complexity must be positive")
	}
	return m.mutate(ctx, "assign complexity", taskID, func(tx *sql.Tx, t *Task, now time.Time) (bool, error) {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET complexity = ?, complexity_notes = ? WHERE id = ?`,
			complexity, store.NullString(notes), taskID); err != nil {
			return false, err
		}
		_, err := appendEvent(ctx, tx, t, EventComplexityAssigned, persona, ComplexityData{Complexity: complexity, Notes: notes}, now)
		return err == nil, err
	})
}

// UpdateTask edits task details and logs task_updated with the changed
// fields. A new assignee is notified. An update that names no field is a
// no-op.
func (m *Manager) UpdateTask(ctx context.Context, taskID int64, u TaskUpdate, persona string) (*Task, error) {
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return nil, store.Invalid("task title must not be empty")
	}
	if u.Priority != nil && !validPriority(*u.Priority) {
		return nil, store.Invalid("priority %d out of range %d..%d", *u.Priority, PriorityLow, PriorityUrgent)
	}
	return m.mutate(ctx, "update task", taskID, func(tx *sql.Tx, t *Task, now time.Time) (bool, error) {
		var (
			sets []string
			args []any
		)
		changes := map[string]any{}
		if u.Title != nil {
			title := strings.TrimSpace(*u.Title)
			sets, args = append(sets, "title = ?"), append(args, title)
			changes["title"] = Change{Old: t.Title, New: title}
		}
		if u.Description != nil {
			sets, args = append(sets, "description = ?"), append(args, store.NullString(*u.Description))
			changes["description"] = "updated"
		}
		if u.AcceptanceCriteria != nil {
			sets, args = append(sets, "acceptance_criteria = ?"), append(args, store.NullString(*u.AcceptanceCriteria))
			changes["acceptance_criteria"] = "updated"
		}
		if u.Priority != nil {
			sets, args = append(sets, "priority = ?"), append(args, *u.Priority)
			changes["priority"] = Change{Old: t.Priority, New: *u.Priority}
		}
		if u.Deadline != nil {
			sets, args = append(sets, "deadline = ?"), append(args, formatDeadline(u.Deadline))
			changes["deadline"] = Change{Old: t.Deadline, New: u.Deadline}
		}
		reassigned := u.AssignedTo != nil && *u.AssignedTo != t.AssignedTo
		if u.AssignedTo != nil {
			sets, args = append(sets, "assigned_to = ?"), append(args, store.NullString(*u.AssignedTo))
			changes["assigned_to"] = Change{Old: t.AssignedTo, New: *u.AssignedTo}
		}
		if len(sets) == 0 {
			return false, nil
		}
		args = append(args, taskID)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return false, err
		}
		if _, err := appendEvent(ctx, tx, t, EventTaskUpdated, persona, UpdatedData{Changes: changes}, now); err != nil {
			return false, err
		}
		if reassigned {
			t.AssignedTo = *u.AssignedTo
			if err := notifyAssignee(ctx, tx, t, persona, now); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// AddArtifact links an output to a task and logs artifact_added. Kind
// "artifact" must name a stored artifact; kind "git_branch" must name a
// branch.
func (m *Manager) AddArtifact(ctx context.Context, taskID int64, p LinkParams) (*TaskArtifact, error) {
	p.Type = strings.TrimSpace(p.Type)
	switch {
	case p.Type == "":
		return nil, store.Invalid("artifact type is required")
	case p.Type == LinkArtifact && p.ArtifactID == nil:
		return nil, store.Invalid("artifact link needs an artifact id")
	case p.Type == LinkGitBranch && strings.TrimSpace(p.GitBranch) == "":
		return nil, store.Invalid("git_branch link needs a branch name")
	}

	var out *TaskArtifact
	err := m.db.Tx(ctx, "add task artifact", func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		var name string
		if p.ArtifactID != nil {
			err := tx.QueryRowContext(ctx, `SELECT name FROM artifacts WHERE id = ?`, *p.ArtifactID).Scan(&name)
			if errors.Is(err, sql.ErrNoRows) {
				return store.NotFound("artifact %d", *p.ArtifactID)
			}
			if err != nil {
				return err
			}
		}
		now := m.db.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_artifacts (task_id, artifact_id, artifact_type, git_branch, description, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskID, store.NullInt64(p.ArtifactID), p.Type, store.NullString(p.GitBranch),
			store.NullString(p.Description), store.NullString(p.CreatedBy), store.FormatTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		link := &TaskArtifact{
			ID:           id,
			TaskID:       taskID,
			Type:         p.Type,
			ArtifactID:   p.ArtifactID,
			ArtifactName: name,
			GitBranch:    p.GitBranch,
			Description:  p.Description,
			CreatedBy:    p.CreatedBy,
			CreatedAt:    now,
		}
		if _, err := appendEvent(ctx, tx, t, EventArtifactAdded, p.CreatedBy, link, now); err != nil {
			return err
		}
		if err := touchQueue(ctx, tx, t.QueueID, now); err != nil {
			return err
		}
		out = link
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListArtifacts returns a task's linked outputs, newest first.
func (m *Manager) ListArtifacts(ctx context.Context, taskID int64) ([]TaskArtifact, error) {
	if _, err := getTask(ctx, m.db.SQL(), taskID); err != nil {
		return nil, err
	}
	return listLinks(ctx, m.db.SQL(), taskID)
}

func listLinks(ctx context.Context, q store.Querier, taskID int64) ([]TaskArtifact, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ta.id, ta.task_id, ta.artifact_type, ta.artifact_id, COALESCE(a.name, ''),
			COALESCE(ta.git_branch, ''), COALESCE(ta.description, ''), COALESCE(ta.created_by, ''), ta.created_at
		FROM task_artifacts ta LEFT JOIN artifacts a ON a.id = ta.artifact_id
		WHERE ta.task_id = ?
		ORDER BY ta.id DESC`, taskID)
	if err != nil {
		return nil, store.Storage("list task artifacts", err)
	}
	defer rows.Close()
	out := []TaskArtifact{}
	for rows.Next() {
		var l TaskArtifact
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Type, &l.ArtifactID, &l.ArtifactName,
			&l.GitBranch, &l.Description, &l.CreatedBy, store.ScanTime(&l.CreatedAt)); err != nil {
			return nil, store.Storage("list task artifacts", err)
		}
		out = append(out, l)
	}
	return out, store.Storage("list task artifacts", rows.Err())
}

// AddMessage posts a question or note to a task's feed.
func (m *Manager) AddMessage(ctx context.Context, taskID int64, persona, message string) (*Event, error) {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		return nil, store.Invalid("persona is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, store.Invalid("message is required")
	}
	var out *Event
	err := m.db.Tx(ctx, "add task message", func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := m.db.Now()
		ev, err := appendEvent(ctx, tx, t, EventMessage, persona, MessageData{Message: message}, now)
		if err != nil {
			return err
		}
		if err := touchQueue(ctx, tx, t.QueueID, now); err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// notifyAssignee tells a task's assignee about it, unless they assigned it
// to themselves.
func notifyAssignee(ctx context.Context, tx *sql.Tx, t *Task, actor string, now time.Time) error {
	if t.AssignedTo == "" || t.AssignedTo == actor {
		return nil
	}
	_, err := chat.Notify(ctx, tx, chat.NewNotification{
		Recipient: t.AssignedTo,
		Type:      chat.NotifyTaskAssigned,
		SourceRef: chat.TaskRef(t.ID),
	}, now)
	if err != nil {
		return fmt.Errorf("notify assignee: %w", err)
	}
	return nil
}
