package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/threat-triage/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ticket API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := api.New(App().Engine)
	listenErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "listen", App().Config.Listen)
		listenErr <- app.Listen(App().Config.Listen)
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
