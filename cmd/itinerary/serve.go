package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/martinemde/itinerary/app"
)

var serveFlagKeys = map[string]string{
	"addr":     "server.addr",
	"store":    "store.driver",
	"dsn":      "store.dsn",
	"provider": "llm.provider",
	"model":    "llm.model",
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd, opts, serveFlagKeys)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, settings, app.WithLogger(log.Logger))
			if err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- a.Start() }()

			select {
			case err := <-serveErr:
				_ = a.Close()
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.ShutdownTimeout)
			defer cancel()
			if err := a.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-serveErr
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "Listen address (default :9090)")
	f.String("store", "", "Session store driver (memory, sqlite)")
	f.String("dsn", "", "SQLite DSN for the sqlite store")
	f.String("provider", "", "LLM provider (openai, gollm)")
	f.String("model", "", "Model id")
	return cmd
}
