package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/chat"
	"github.com/KafClaw/huddle/internal/relay"
	"github.com/KafClaw/huddle/internal/tasker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tasker supervisor and event relay until interrupted",
	RunE:  runServe,
}

// serveSignals is swapped in tests.
var serveSignals = func(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Relay.Enabled && len(cfg.Relay.Brokers) == 0 {
		return fmt.Errorf("relay enabled but no brokers configured")
	}

	ctx, stop := serveSignals(cmd.Context())
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	if cfg.Supervisor.Enabled {
		run("supervisor", tasker.NewSupervisor(cfg.Supervisor, db).Run)
	}
	if cfg.Relay.Enabled {
		w := relay.NewKafkaWriter(cfg.Relay)
		defer w.Close()
		run("relay", relay.New(cfg.Relay, chat.NewManager(db), db, w).Run)
	}

	slog.Info("Serving", "db", cfg.Store.Path, "supervisor", cfg.Supervisor.Enabled, "relay", cfg.Relay.Enabled)
	fmt.Fprintf(cmd.OutOrStdout(), "huddle serving %s (Ctrl+C to stop)\n", cfg.Store.Path)
	<-ctx.Done()
	wg.Wait()
	close(errs)
	return <-errs
}
