package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/corpus/config"
	srv "github.com/mohammad-safakhou/corpus/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var migDir string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Cache.Backend == "postgres" {
				if err := srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return err
				}
			}
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			if cfg.Cache.SweepSchedule != "" {
				if err := a.cache.StartSweeper(ctx, cfg.Cache.SweepSchedule); err != nil {
					_ = a.close(context.Background())
					return err
				}
			}

			server := srv.New(srv.Deps{
				Topics:   a.topics,
				Cache:    a.cache,
				Breakers: a.breakers,
				Progress: a.progress,
				Metrics:  a.metrics,
			}, srv.Options{
				ProgressStreamEnabled: cfg.Server.ProgressStreamEnabled,
				WebsocketEnabled:      cfg.Server.WebsocketEnabled,
				PingInterval:          cfg.Progress.PingInterval,
			})
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(cfg.Server.Address) }()

			var runErr error
			select {
			case <-ctx.Done():
				log.Printf("shutting down")
			case runErr = <-errCh:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				runErr = errors.Join(runErr, err)
			}
			if err := a.close(shutdownCtx); err != nil {
				runErr = errors.Join(runErr, err)
			}
			return runErr
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&migDir, "migrations", "file://migrations", "migrations source applied when cache.backend is postgres")

	return serve
}
