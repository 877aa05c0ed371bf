package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soulseer/sessiond/internal/api"
	"github.com/soulseer/sessiond/internal/config"
)

func serveCmd(configPath *string, debug *bool) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API and websocket server",
		Long: `Run the session API, the signaling and presence websockets and the
billing loop. Sessions left in progress by a previous run are recovered
according to recovery.policy before the listener opens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logFile, err := setupLogging(cfg.Log, *debug)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	if _, err := a.coord.Recover(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
		return fmt.Errorf("recovery: %w", err)
	}

	srv := api.New(cfg.Server, a.coord, a.sessions, a.metrics)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.Addr).
		Str("storage", cfg.Storage.Driver).
		Str("ledger", cfg.Ledger.Driver).
		Str("profile", cfg.Profile.Driver).
		Msg("sessiond started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown: signal received")
	case err = <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("shutdown: server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("shutdown: http server")
	}
	a.close(shutdownCtx)
	log.Info().Msg("sessiond stopped")
	return err
}
