package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/config"
	"github.com/aridsondez/claimq/internal/logging"
	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/queue/store/memory"
	pgstore "github.com/aridsondez/claimq/internal/queue/store/postgres"
	"github.com/aridsondez/claimq/internal/queue/store/sqlite"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "claimq",
		Short:         "claimq message queue server",
		Long:          "claimq is a claim-based message queue. Producers post messages, consumers claim, process and delete them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "claimq", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the environment config and builds the process logger.
// --log-level overrides LOG_LEVEL.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openDriver connects the storage backend named by cfg.StorageDriver.
// Postgres schemas are migrated before the pool is handed out.
func openDriver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Driver, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; messages are lost on restart")
		return memory.New(), nil

	case config.DriverSQLite:
		logger.Info("opening sqlite store", zap.String("path", cfg.SQLitePath))
		return sqlite.New(cfg.SQLitePath)

	case config.DriverPostgres:
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()
		pool, err := pgstore.Connect(connectCtx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to postgres", zap.Int32("max_conns", cfg.DBMaxConns))
		return pgstore.New(pool), nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func addLogLevelFlag(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
}

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second
