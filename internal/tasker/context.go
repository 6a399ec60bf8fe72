package tasker

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// HistoryLimit is how many commands a tasker keeps for follow-up questions.
const HistoryLimit = 10

// Command is one remembered execution step.
type Command struct {
	Command   string    `json:"command,omitempty"`
	Result    string    `json:"result,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecContext is what a tasker remembers about its recent work.
type ExecContext struct {
	TaskerID       string    `json:"tasker_id"`
	Task           string    `json:"task"`
	Patterns       []string  `json:"patterns"`
	CommandHistory []Command `json:"command_history"`
	LastRawOutput  string    `json:"last_raw_output,omitempty"`
	LastAnalysis   string    `json:"last_analysis,omitempty"`
}

// ContextEntry is one step to remember. Empty RawOutput or Analysis keeps
// the previous value.
type ContextEntry struct {
	Command   string
	RawOutput string
	Analysis  string
	Result    string
}

// StoreContext appends a step to a live tasker's history, keeping the
// newest HistoryLimit entries, and records its latest outputs.
func (m *Manager) StoreContext(ctx context.Context, id string, e ContextEntry) error {
	if strings.TrimSpace(e.Command) == "" && e.Result == "" && e.RawOutput == "" && e.Analysis == "" {
		return store.Invalid("context entry is empty")
	}
	return m.db.Tx(ctx, "store tasker context", func(tx *sql.Tx) error {
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status == StatusTerminated {
			return store.InvalidState("tasker %s is terminated", id)
		}
		now := m.db.Now()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasker_commands (tasker_id, command, result, created_at) VALUES (?, ?, ?, ?)`,
			id, store.NullString(e.Command), store.NullString(e.Result), store.FormatTime(now)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM tasker_commands WHERE tasker_id = ? AND id NOT IN (
				SELECT id FROM tasker_commands WHERE tasker_id = ? ORDER BY id DESC LIMIT ?)`,
			id, id, HistoryLimit); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE taskers SET
				last_raw_output = COALESCE(?, last_raw_output),
				last_analysis = COALESCE(?, last_analysis)
			WHERE id = ?`,
			store.NullString(e.RawOutput), store.NullString(e.Analysis), id)
		return err
	})
}

// GetContext returns a tasker's task, patterns, command history (oldest
// first) and latest outputs.
func (m *Manager) GetContext(ctx context.Context, id string) (*ExecContext, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &ExecContext{TaskerID: t.ID, Task: t.Task, Patterns: t.Patterns, CommandHistory: []Command{}}
	if err := m.db.SQL().QueryRowContext(ctx,
		`SELECT COALESCE(last_raw_output, ''), COALESCE(last_analysis, '') FROM taskers WHERE id = ?`, id,
	).Scan(&out.LastRawOutput, &out.LastAnalysis); err != nil {
		return nil, store.Storage("get tasker context", err)
	}

	rows, err := m.db.SQL().QueryContext(ctx, `
		SELECT COALESCE(command, ''), COALESCE(result, ''), created_at
		FROM tasker_commands WHERE tasker_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, store.Storage("get tasker context", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Command
		if err := rows.Scan(&c.Command, &c.Result, store.ScanTime(&c.Timestamp)); err != nil {
			return nil, store.Storage("get tasker context", err)
		}
		out.CommandHistory = append(out.CommandHistory, c)
	}
	return out, store.Storage("get tasker context", rows.Err())
}
