package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/l0p7/proxykit/internal/config"
	"github.com/l0p7/proxykit/internal/logging"
	"github.com/l0p7/proxykit/internal/runtime/idempotency"
	"github.com/l0p7/proxykit/internal/storage"
)

func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.NewLoader(flags.envPrefix, flags.configFile).Load(ctx)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Server.Logging)
			if err != nil {
				return err
			}

			dsn := cfg.Storage.Postgres.DSN
			if dsn == "" {
				return errors.New("sweep: storage.postgres.dsn required, in-memory stores have nothing durable to sweep")
			}

			db, err := storage.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer storage.Close(db, logger)

			store := storage.NewIdempotencyStore(db, logger)
			sweeper := idempotency.NewSweeper(store, 0, logger)
			deleted, err := sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("sweep finished", slog.Int64("deleted", deleted))
			return nil
		},
	}
}
