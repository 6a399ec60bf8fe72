// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/huddle/internal/store"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewStore opens a fresh store in a temp dir driven by clock.
func NewStore(t *testing.T, clock *Clock) *store.DB {
	t.Helper()
	return NewPooledStore(t, clock, 1)
}

// NewPooledStore is NewStore with conns pooled connections, so concurrent
// callers contend on separate sqlite handles.
func NewPooledStore(t *testing.T, clock *Clock, conns int) *store.DB {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "huddle.db")
	cfg.MaxOpenConns = conns
	var opts []store.Option
	if clock != nil {
		opts = append(opts, store.WithClock(clock.Now))
	}
	db, err := store.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
