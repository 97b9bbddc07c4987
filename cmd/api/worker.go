package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"household/backend/internal/durable"
)

func workerCMD() *cobra.Command {
	var activityConcurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker that executes research runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine(context.Background())
			if err != nil {
				return err
			}
			defer eng.Close()
			if eng.cfg.TemporalTaskQueue == "" {
				return errors.New("TEMPORAL_TASK_QUEUE is required for the worker")
			}

			temporalClient, err := dialTemporal(eng.cfg, eng.logger)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			w := worker.New(temporalClient, eng.cfg.TemporalTaskQueue, worker.Options{
				MaxConcurrentActivityExecutionSize: activityConcurrency,
			})
			durable.Register(w, durable.NewActivities(eng.orchestrator))

			eng.logger.Info("temporal worker started",
				zap.String("queue", eng.cfg.TemporalTaskQueue),
				zap.Int("activity_concurrency", activityConcurrency),
			)
			return w.Run(worker.InterruptCh())
		},
	}
	cmd.Flags().IntVar(&activityConcurrency, "activities", 4, "research runs executed concurrently by this worker")
	return cmd
}
