// Package relay publishes committed chat events to a Kafka topic. It polls
// the global event feed from a persisted cursor and advances the cursor only
// after the broker acknowledged the batch, so delivery is at-least-once.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/store"
)

// Config holds relay settings.
type Config struct {
	Enabled      bool           `json:"enabled" split_words:"true"`
	Brokers      []string       `json:"brokers" split_words:"true"`
	Topic        string         `json:"topic" split_words:"true"`
	Interval     store.Duration `json:"interval" split_words:"true"`
	BatchSize    int            `json:"batchSize" split_words:"true"`
	WriteTimeout store.Duration `json:"writeTimeout" split_words:"true"`
	MaxRetries   int            `json:"maxRetries" split_words:"true"`
	CursorName   string         `json:"cursorName" split_words:"true"`
}

// DefaultConfig returns relay defaults. The relay is off until brokers are
// configured.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Topic:        "huddle.events",
		Interval:     store.Duration(2 * time.Second),
		BatchSize:    chat.DefaultPageSize,
		WriteTimeout: store.Duration(10 * time.Second),
		MaxRetries:   3,
		CursorName:   "kafka-relay",
	}
}

// Writer is the subset of *kafka.Writer the relay uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source reads the global event feed.
type Source interface {
	EventsSince(ctx context.Context, since int64, limit int) (*chat.FeedPage, error)
}

// Cursors persists the relay position.
type Cursors interface {
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, pos int64) error
}

// NewKafkaWriter builds a synchronous writer keyed by room, so events of one
// room land on one partition in log order.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: cfg.WriteTimeout.Std(),
	}
}

// Relay moves events from Source to Writer.
type Relay struct {
	cfg     Config
	source  Source
	cursors Cursors
	writer  Writer
}

// New creates a Relay.
func New(cfg Config, source Source, cursors Cursors, writer Writer) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.CursorName == "" {
		cfg.CursorName = def.CursorName
	}
	return &Relay{cfg: cfg, source: source, cursors: cursors, writer: writer}
}

// Run drains the feed on every interval. Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	slog.Info("Relay started", "topic", r.cfg.Topic, "brokers", strings.Join(r.cfg.Brokers, ","))
	ticker := time.NewTicker(r.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Relay drain failed", "error", err)
			}
		}
	}
}

// Drain publishes batches until the feed is caught up and returns the
// number of events published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Pump(ctx)
		total += n
		if err != nil || n < r.cfg.BatchSize {
			return total, err
		}
	}
}

// Pump publishes one batch. The cursor is saved only after the write
// succeeds; a crash in between republishes the batch on restart.
func (r *Relay) Pump(ctx context.Context) (int, error) {
	since, err := r.cursors.LoadCursor(ctx, r.cfg.CursorName)
	if err != nil {
		return 0, err
	}
	page, err := r.source.EventsSince(ctx, since, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(page.Events) == 0 {
		return 0, nil
	}
	msgs := make([]kafka.Message, 0, len(page.Events))
	for _, ev := range page.Events {
		msg, err := toMessage(ev)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := r.write(ctx, msgs); err != nil {
		return 0, err
	}
	if err := r.cursors.SaveCursor(ctx, r.cfg.CursorName, page.NextSince); err != nil {
		return 0, fmt.Errorf("save relay cursor: %w", err)
	}
	slog.Debug("Relay published batch", "events", len(msgs), "cursor", page.NextSince)
	return len(msgs), nil
}

func (r *Relay) write(ctx context.Context, msgs []kafka.Message) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Debug("Relay write retry", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout.Std())
		err = r.writer.WriteMessages(writeCtx, msgs...)
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("publish %d events: %w", len(msgs), err)
}

func toMessage(ev chat.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RoomID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
		},
		Time: ev.Timestamp,
	}, nil
}
