package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the application through the agent",
	Long: `Install and activate the configured cache version, then serve the
application, the bridge and the push endpoints until interrupted.

A failed install keeps the previously activated version serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		agent, err := openAgent(ctx)
		if err != nil {
			return err
		}
		defer agent.Close()

		if err := agent.Install(ctx); err != nil {
			logger.Warn("Install failed, serving previous version", "error", err)
		} else if removed, err := agent.Activate(ctx); err != nil {
			logger.Warn("Activate failed", "error", err)
		} else {
			logger.Info("Cache version activated", "version", cfg.CacheVersion, "removed", removed)
		}

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           agent.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return agent.Run(ctx)
		})
		g.Go(func() error {
			logger.Info("Serving", "addr", cfg.Listen, "origin", cfg.Origin)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
