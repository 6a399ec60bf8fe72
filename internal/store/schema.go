package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one additive schema step. Steps never drop or rewrite
// columns, so rows written by older versions stay readable.
type migration struct {
	version     int
	description string
	apply       func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "Create artifact, review and chat tables", execAll(
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			current_revision_id INTEGER REFERENCES revisions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS revisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
			revision_num INTEGER NOT NULL,
			content BLOB NOT NULL,
			filename TEXT NOT NULL,
			author TEXT,
			purpose TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(artifact_id, revision_num)
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
			revision_id INTEGER NOT NULL REFERENCES revisions(id),
			reviewer TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_revision ON reviews(revision_id)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			review_id INTEGER NOT NULL REFERENCES reviews(id),
			location TEXT NOT NULL,
			text TEXT NOT NULL,
			author TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_review ON comments(review_id)`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id INTEGER NOT NULL REFERENCES chat_rooms(id),
			persona TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (room_id, persona)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL REFERENCES chat_rooms(id),
			event_type TEXT NOT NULL,
			persona TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL,
			reply_to_id INTEGER REFERENCES chat_events(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_events_room ON chat_events(room_id, id)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient, read)`,
	)},
	{2, "Add sessions table and session_id columns", func(ctx context.Context, tx *sql.Tx) error {
		if err := execAll(
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				title TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		)(ctx, tx); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "artifacts", "session_id", "TEXT REFERENCES sessions(id)"); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "chat_rooms", "session_id", "TEXT REFERENCES sessions(id)"); err != nil {
			return err
		}
		return execAll(
			`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_rooms_session ON chat_rooms(session_id)`,
		)(ctx, tx)
	}},
	{3, "Add taskers table", execAll(
		`CREATE TABLE IF NOT EXISTS taskers (
			id TEXT PRIMARY KEY,
			parent_agent_id TEXT NOT NULL,
			session_id TEXT REFERENCES sessions(id),
			room_id INTEGER REFERENCES chat_rooms(id),
			task TEXT NOT NULL,
			patterns TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			timeout_minutes INTEGER NOT NULL DEFAULT 15,
			nag_minutes INTEGER NOT NULL DEFAULT 5,
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			terminated_at TEXT,
			termination_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_taskers_status ON taskers(status)`,
		`CREATE INDEX IF NOT EXISTS idx_taskers_session ON taskers(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_taskers_parent ON taskers(parent_agent_id)`,
	)},
	{4, "Add review completion, revision notes and notification event link", func(ctx context.Context, tx *sql.Tx) error {
		if err := addColumn(ctx, tx, "reviews", "overall_comment", "TEXT"); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "revisions", "notes", "TEXT"); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "notifications", "event_id", "INTEGER REFERENCES chat_events(id)"); err != nil {
			return err
		}
		return addColumn(ctx, tx, "notifications", "read_at", "TEXT")
	}},
	{5, "Add feed cursors table", execAll(
		`CREATE TABLE IF NOT EXISTS feed_cursors (
			name TEXT PRIMARY KEY,
			position INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	)},
	{6, "Add task queues, tasks, task events and task artifacts", execAll(
		`CREATE TABLE IF NOT EXISTS task_queues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			room_id INTEGER REFERENCES chat_rooms(id),
			session_id TEXT REFERENCES sessions(id),
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queues_status ON task_queues(status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queues_session ON task_queues(session_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id INTEGER NOT NULL REFERENCES task_queues(id),
			title TEXT NOT NULL,
			description TEXT,
			acceptance_criteria TEXT,
			priority INTEGER NOT NULL DEFAULT 1,
			deadline TEXT,
			complexity INTEGER,
			complexity_notes TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_by TEXT,
			assigned_to TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			queue_id INTEGER NOT NULL REFERENCES task_queues(id),
			event_type TEXT NOT NULL,
			persona TEXT,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_queue ON task_events(queue_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id)`,
		`CREATE TABLE IF NOT EXISTS task_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id),
			artifact_id INTEGER REFERENCES artifacts(id),
			artifact_type TEXT NOT NULL,
			git_branch TEXT,
			description TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_artifacts_task ON task_artifacts(task_id)`,
	)},
	{7, "Add tasker command history and last outputs", func(ctx context.Context, tx *sql.Tx) error {
		if err := execAll(
			`CREATE TABLE IF NOT EXISTS tasker_commands (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tasker_id TEXT NOT NULL REFERENCES taskers(id),
				command TEXT,
				result TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasker_commands_tasker ON tasker_commands(tasker_id, id)`,
		)(ctx, tx); err != nil {
			return err
		}
		if err := addColumn(ctx, tx, "taskers", "last_raw_output", "TEXT"); err != nil {
			return err
		}
		return addColumn(ctx, tx, "taskers", "last_analysis", "TEXT")
	}},
}

type appliedMigration struct {
	version     int
	description string
}

func (d *DB) migrate(ctx context.Context) ([]appliedMigration, error) {
	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, err
	}

	var applied []appliedMigration
	for _, m := range migrations {
		err := d.Tx(ctx, "migrate", func(tx *sql.Tx) error {
			var current sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
				return err
			}
			if current.Valid && current.Int64 >= int64(m.version) {
				return nil
			}
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				m.version, m.description, FormatTime(d.Now()),
			); err != nil {
				return err
			}
			applied = append(applied, appliedMigration{m.version, m.description})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return applied, nil
}

// SchemaVersion reports the highest applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, Storage("schema version", err)
	}
	return int(v.Int64), nil
}

func execAll(stmts ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// sqlite has no ADD COLUMN IF NOT EXISTS.
func addColumn(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	ok, err := columnExists(ctx, tx, table, column)
	if err != nil || ok {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}
