package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/huddle/internal/config"
	"github.com/KafClaw/huddle/internal/store"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/huddle/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _               _     _ _\n" +
		" | |__  _   _  __| | __| | | ___\n" +
		" | '_ \\| | | |/ _` |/ _` | |/ _ \\\n" +
		" | | | | |_| | (_| | (_| | |  __/\n" +
		" |_| |_|\\__,_|\\__,_|\\__,_|_|\\___|\n"
)

var (
	dbPath string
	asJSON bool
)

var rootCmd = &cobra.Command{
	Use:           "huddle",
	Short:         "huddle - coordination store for agent teams",
	Long:          color.CyanString(logo) + "\nArtifacts, reviews, rooms and supervised taskers in one local store.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the store database (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output machine-readable JSON")
}

// loadConfig loads configuration, applies --db and installs the slog handler.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(dbPath); p != "" {
		cfg.Store.Path = p
	}
	slog.SetDefault(slog.New(newLogHandler(cmd.ErrOrStderr(), cfg.Log)))
	return cfg, nil
}

func newLogHandler(w io.Writer, lc config.LogConfig) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// openStore opens the configured store. Callers close it.
func openStore(cmd *cobra.Command) (*store.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	db, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

// printOutput writes payload as indented JSON under --json, otherwise calls text.
func printOutput(w io.Writer, payload any, text func(io.Writer)) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	text(w)
	return nil
}

func parseID(label, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", label, raw)
	}
	return id, nil
}

func printHeader(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, color.New(color.Bold, color.FgCyan).Sprint(title))
}

func readContent(content, file string) ([]byte, string, error) {
	switch {
	case file != "" && content != "":
		return nil, "", fmt.Errorf("use either --content or --file")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, "", err
		}
		return data, file, nil
	case content != "":
		return []byte(content), "", nil
	default:
		return nil, "", fmt.Errorf("--content or --file is required")
	}
}
