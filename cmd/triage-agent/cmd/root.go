package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	triageedge "github.com/huykn/triage-edge"
	"github.com/huykn/triage-edge/cache"
)

var (
	cfg     triageedge.Config
	logger  triageedge.Logger
	dbPath  string
	origin  string
	listen  string
	debug   bool
	version int
)

var rootCmd = &cobra.Command{
	Use:   "triage-agent",
	Short: "Offline-first agent for the triage application",
	Long: `triage-agent keeps the triage application usable without a network.

It serves the application through an edge cache, stores patient records
locally and replays them to the server once connectivity returns.

Settings are read from TRIAGE_* environment variables; flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		loaded, err := triageedge.LoadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("db") {
			loaded.DBPath = dbPath
		}
		if flags.Changed("origin") {
			loaded.Origin = origin
		}
		if flags.Changed("listen") {
			loaded.Listen = listen
		}
		if flags.Changed("cache-version") {
			loaded.CacheVersion = version
		}
		if flags.Changed("debug") {
			loaded.DebugMode = debug
		}

		level := slog.LevelInfo
		if loaded.DebugMode {
			level = slog.LevelDebug
		}
		logger = cache.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		loaded.Logger = logger
		loaded.OnError = func(err error) {
			logger.Error("Background operation failed", "error", err)
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaults := triageedge.DefaultConfig()
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaults.DBPath, "path to the offline store")
	rootCmd.PersistentFlags().StringVar(&origin, "origin", defaults.Origin, "upstream application origin")
	rootCmd.PersistentFlags().StringVar(&listen, "listen", defaults.Listen, "address to serve on")
	rootCmd.PersistentFlags().IntVar(&version, "cache-version", defaults.CacheVersion, "cache generation version")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// openAgent builds an agent from the loaded configuration.
func openAgent(ctx context.Context) (*triageedge.Agent, error) {
	return triageedge.New(ctx, cfg)
}
