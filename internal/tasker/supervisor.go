package tasker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// SupervisorConfig holds background scan settings.
type SupervisorConfig struct {
	Enabled  bool           `json:"enabled" split_words:"true"`
	Interval store.Duration `json:"interval" split_words:"true"`
	LockPath string         `json:"lockPath" split_words:"true"`
}

// DefaultSupervisorConfig returns scan defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	home, _ := os.UserHomeDir()
	return SupervisorConfig{
		Enabled:  true,
		Interval: store.Duration(30 * time.Second),
		LockPath: filepath.Join(home, ".huddle", "supervisor.lock"),
	}
}

// ScanResult lists the taskers one scan moved.
type ScanResult struct {
	Nagged     []string `json:"nagged"`
	Terminated []string `json:"terminated"`
}

// Supervisor periodically nags and times out idle taskers.
type Supervisor struct {
	cfg  SupervisorConfig
	db   *store.DB
	lock *FileLock
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig, db *store.DB) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = store.Duration(30 * time.Second)
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultSupervisorConfig().LockPath
	}
	return &Supervisor{cfg: cfg, db: db, lock: NewFileLock(cfg.LockPath)}
}

// Run scans on every interval. Blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("Supervisor started", "interval", s.cfg.Interval)
	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick scans once if no other process holds the scan lock.
func (s *Supervisor) tick(ctx context.Context) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Supervisor lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Supervisor tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	res, err := s.Scan(ctx)
	if err != nil {
		slog.Error("Supervisor scan failed", "error", err)
		return
	}
	if len(res.Nagged)+len(res.Terminated) > 0 {
		slog.Info("Supervisor scan", "nagged", len(res.Nagged), "terminated", len(res.Terminated))
	}
}

type candidate struct {
	t   Tasker
	raw string // last_activity exactly as stored
}

// Scan applies one pass of liveness rules: a tasker idle past its timeout
// is terminated, else an active tasker idle past its nag window is nagged.
// Each move is a compare-and-set on status and last_activity, so overlapping
// scans and racing heartbeats move a tasker at most once. Failures on one
// tasker are logged and do not stop the pass.
func (s *Supervisor) Scan(ctx context.Context) (*ScanResult, error) {
	cands, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	now := s.db.Now()
	res := &ScanResult{Nagged: []string{}, Terminated: []string{}}
	for _, c := range cands {
		idle := now.Sub(c.t.LastActivity)
		switch {
		case idle > time.Duration(c.t.TimeoutMinutes)*time.Minute:
			moved, err := s.timeout(ctx, c, now)
			if err != nil {
				slog.Warn("Supervisor timeout failed", "tasker", c.t.ID, "error", err)
				continue
			}
			if moved {
				slog.Info("Supervisor terminated tasker", "tasker", c.t.ID, "idle", idle)
				res.Terminated = append(res.Terminated, c.t.ID)
			}
		case c.t.Status == StatusActive && idle > time.Duration(c.t.NagMinutes)*time.Minute:
			moved, err := s.nag(ctx, c, now)
			if err != nil {
				slog.Warn("Supervisor nag failed", "tasker", c.t.ID, "error", err)
				continue
			}
			if moved {
				slog.Info("Supervisor nagged tasker", "tasker", c.t.ID, "parent", c.t.ParentAgentID)
				res.Nagged = append(res.Nagged, c.t.ID)
			}
		}
	}
	return res, nil
}

func (s *Supervisor) candidates(ctx context.Context) ([]candidate, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, parent_agent_id, room_id, task, status, timeout_minutes, nag_minutes, last_activity
		FROM taskers WHERE status IN (?, ?) ORDER BY id`, StatusActive, StatusNagged)
	if err != nil {
		return nil, store.Storage("scan taskers", err)
	}
	defer rows.Close()
	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.t.ID, &c.t.ParentAgentID, &c.t.RoomID, &c.t.Task, &c.t.Status,
			&c.t.TimeoutMinutes, &c.t.NagMinutes, &c.raw); err != nil {
			return nil, store.Storage("scan taskers", err)
		}
		ts, err := store.ParseTime(c.raw)
		if err != nil {
			slog.Warn("Supervisor skipping tasker with bad last_activity", "tasker", c.t.ID, "error", err)
			continue
		}
		c.t.LastActivity = ts
		out = append(out, c)
	}
	return out, store.Storage("scan taskers", rows.Err())
}

// transition moves c to status if it still has the observed status and
// last_activity. It reports false when another writer got there first.
func (s *Supervisor) transition(ctx context.Context, op string, c candidate, sets string, args []any, after func(tx *sql.Tx) error) (bool, error) {
	moved := false
	err := s.db.Tx(ctx, op, func(tx *sql.Tx) error {
		args = append(args, c.t.ID, c.t.Status, c.raw)
		res, err := tx.ExecContext(ctx, `UPDATE taskers SET `+sets+` WHERE id = ? AND status = ? AND last_activity = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		moved = true
		return after(tx)
	})
	return moved, err
}

func (s *Supervisor) nag(ctx context.Context, c candidate, now time.Time) (bool, error) {
	return s.transition(ctx, "nag tasker", c, `status = ?`, []any{StatusNagged}, func(tx *sql.Tx) error {
		msg := fmt.Sprintf("@%s Still need me for '%s'? (tasker: %s)", c.t.ParentAgentID, c.t.Task, c.t.ID)
		return s.announce(ctx, tx, c, StatusNagged, msg, chat.NotifyNag, now)
	})
}

func (s *Supervisor) timeout(ctx context.Context, c candidate, now time.Time) (bool, error) {
	return s.transition(ctx, "timeout tasker", c,
		`status = ?, terminated_at = ?, termination_reason = ?`,
		[]any{StatusTerminated, store.FormatTime(now), ReasonTimeout},
		func(tx *sql.Tx) error {
			msg := fmt.Sprintf("@%s Tasker %s for '%s' timed out after %d minutes idle",
				c.t.ParentAgentID, c.t.ID, c.t.Task, c.t.TimeoutMinutes)
			return s.announce(ctx, tx, c, StatusTerminated, msg, chat.NotifyTaskTerminated, now)
		})
}

// announce posts the status change to the tasker's room, if any, and
// notifies the parent agent in the same transaction.
func (s *Supervisor) announce(ctx context.Context, tx *sql.Tx, c candidate, to, msg, notifyType string, now time.Time) error {
	n := chat.NewNotification{Recipient: c.t.ParentAgentID, Type: notifyType, SourceRef: chat.TaskerRef(c.t.ID)}
	if c.t.RoomID != nil {
		ev, err := chat.AppendEvent(ctx, tx, *c.t.RoomID, chat.EventStatusChange, c.t.ID, chat.StatusChangeData{
			TaskerID: c.t.ID,
			From:     c.t.Status,
			To:       to,
			Message:  msg,
		}, nil, now)
		if err != nil {
			return err
		}
		n.EventID = &ev.ID
	}
	_, err := chat.Notify(ctx, tx, n, now)
	return err
}
