package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/config"
	"github.com/aridsondez/claimq/internal/metrics"
	pgstore "github.com/aridsondez/claimq/internal/queue/store/postgres"
	"github.com/aridsondez/claimq/internal/queue/sweeper"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.StorageDriver != config.DriverPostgres {
				return fmt.Errorf("migrate needs STORAGE_DRIVER=%s, got %q", config.DriverPostgres, cfg.StorageDriver)
			}
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
	addLogLevelFlag(cmd)
	return cmd
}

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run a single garbage collection pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			threshold, _ := cmd.Flags().GetInt("threshold")
			if threshold <= 0 {
				threshold = cfg.GCThreshold
			}

			driver, err := openDriver(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = driver.Close() }()

			swp := sweeper.New(driver, cfg.GCInterval, threshold,
				sweeper.WithLogger(logger.Named("gc")),
				sweeper.WithMetrics(metrics.New(newRegistry())),
				sweeper.WithPurgeRate(cfg.GCPurgeRate),
			)
			purged, err := swp.RunOnce(cmd.Context())
			logger.Info("gc pass finished", zap.Int("purged", purged), zap.Int("threshold", threshold))
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired messages\n", purged)
			return nil
		},
	}
	cmd.Flags().Int("threshold", 0, "Purge queues with at least this many expired messages (default GC_THRESHOLD)")
	addLogLevelFlag(cmd)
	return cmd
}
