package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"household/backend/internal/config"
	"household/backend/internal/durable"
	"household/backend/internal/httpapi"
	"household/backend/internal/research"
)

func serveCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the research HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	eng, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger := eng.logger

	var (
		executor research.Executor
		canceler research.RunCanceler
		local    *durable.LocalExecutor
	)
	switch eng.cfg.Executor {
	case config.ExecutorTemporal:
		temporalClient, err := dialTemporal(eng.cfg, logger)
		if err != nil {
			return err
		}
		defer temporalClient.Close()
		temporalExecutor := durable.NewTemporalExecutor(temporalClient, eng.cfg.TemporalTaskQueue, logger)
		executor, canceler = temporalExecutor, temporalExecutor
	default:
		var lease durable.Lease
		if eng.cfg.RedisURL != "" {
			redisLease, redisClient, err := durable.NewRedisLeaseFromURL(ctx, eng.cfg.RedisURL)
			if err != nil {
				return err
			}
			defer func(c *redis.Client) { _ = c.Close() }(redisClient)
			lease = redisLease
		}
		local = durable.NewLocalExecutor(ctx, eng.orchestrator, lease, logger)
		executor, canceler = local, eng.orchestrator
	}

	service := research.NewService(eng.store, eng.planner, executor, canceler, logger)
	if _, err := service.ResumeRunning(ctx); err != nil {
		logger.Warn("resume running research runs failed", zap.Error(err))
	}

	handler := httpapi.NewHandler(service, eng.database, logger)
	srv := &http.Server{
		Addr:         eng.cfg.ListenAddress(),
		Handler:      httpapi.NewRouter(eng.cfg.AllowedOrigins, handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", srv.Addr), zap.String("executor", eng.cfg.Executor))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if local != nil {
		// ctx is done, so live runs stop and stay running for the next boot.
		local.Wait()
	}
	logger.Info("api stopped")
	return nil
}
