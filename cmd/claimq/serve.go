package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aridsondez/claimq/internal/api"
	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/metrics"
	"github.com/aridsondez/claimq/internal/queue/sweeper"
	"github.com/aridsondez/claimq/internal/retry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API and the garbage collector",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			driver, err := openDriver(ctx, cfg, logger)
			if err != nil {
				return err
			}

			reg := newRegistry()
			m := metrics.New(reg)

			eng := engine.New(driver,
				engine.WithLogger(logger),
				engine.WithMetrics(m),
				engine.WithLimits(cfg.Limits),
				engine.WithRetryPolicy(retry.New(cfg.MaxAttempts, cfg.MaxRetrySleep, cfg.MaxRetryJitter)),
			)
			defer func() { _ = eng.Close() }()

			swp := sweeper.New(driver, cfg.GCInterval, cfg.GCThreshold,
				sweeper.WithLogger(logger.Named("gc")),
				sweeper.WithMetrics(m),
				sweeper.WithPurgeRate(cfg.GCPurgeRate),
			)
			go swp.Start(ctx)
			defer swp.Stop()

			addr := fmt.Sprintf(":%d", cfg.Port)
			httpSrv := api.NewServer(addr, eng, api.Options{
				Logger:   logger.Named("http"),
				Metrics:  m,
				Gatherer: reg,
				Timeout:  cfg.RequestTimeout,
			})

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening",
					zap.String("addr", addr),
					zap.String("storage", cfg.StorageDriver),
					zap.String("version", version))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown", zap.Error(err))
			}
			return nil
		},
	}
	addLogLevelFlag(cmd)
	return cmd
}
