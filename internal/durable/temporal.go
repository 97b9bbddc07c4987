package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"household/backend/internal/research"
)

const (
	RunWorkflowName        = "ResearchRunWorkflow"
	ExecuteRunActivityName = "ExecuteResearchRun"

	heartbeatInterval = 20 * time.Second
	heartbeatTimeout  = time.Minute
	cancelTimeout     = 5 * time.Second
)

// WorkflowID is the stable Temporal workflow id of a research run.
func WorkflowID(runID string) string {
	return "research-run-" + runID
}

type RunInput struct {
	RunID string `json:"runId"`
}

// RunWorkflow executes one run as a single heartbeating activity. A worker
// crash retries the activity, which restarts the run from the beginning.
func RunWorkflow(ctx workflow.Context, input RunInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: research.BudgetFor(research.EffortDeep).HardCutoff() + 5*time.Minute,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})
	workflow.GetLogger(ctx).Info("research run workflow started", "run_id", input.RunID)
	return workflow.ExecuteActivity(ctx, ExecuteRunActivityName, input.RunID).Get(ctx, nil)
}

type Activities struct {
	runner Runner
}

func NewActivities(runner Runner) *Activities {
	return &Activities{runner: runner}
}

func (a *Activities) ExecuteRun(ctx context.Context, runID string) error {
	heartbeatCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, runID)
			}
		}
	}()

	if err := a.runner.Execute(ctx, runID); err != nil {
		if errors.Is(err, research.ErrRunNotFound) || errors.Is(err, research.ErrRunNotPending) {
			return temporal.NewNonRetryableApplicationError(err.Error(), "research_run_unstartable", err)
		}
		return err
	}
	// A run interrupted by worker shutdown is still running; fail the attempt
	// so Temporal retries it elsewhere.
	return ctx.Err()
}

// Register adds the run workflow and its activity to a Temporal worker.
func Register(w worker.Registry, activities *Activities) {
	w.RegisterWorkflowWithOptions(RunWorkflow, workflow.RegisterOptions{Name: RunWorkflowName})
	w.RegisterActivityWithOptions(activities.ExecuteRun, activity.RegisterOptions{Name: ExecuteRunActivityName})
}

// TemporalExecutor starts runs as Temporal workflows keyed by run id, so a
// run has at most one live execution across the whole deployment.
type TemporalExecutor struct {
	client    client.Client
	taskQueue string
	logger    *zap.Logger
}

func NewTemporalExecutor(c client.Client, taskQueue string, logger *zap.Logger) *TemporalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalExecutor{client: c, taskQueue: taskQueue, logger: logger}
}

func (e *TemporalExecutor) Submit(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:                                       WorkflowID(runID),
		TaskQueue:                                e.taskQueue,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	execution, err := e.client.ExecuteWorkflow(ctx, options, RunWorkflowName, RunInput{RunID: runID})
	if err != nil {
		var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &alreadyStarted) {
			e.logger.Debug("research run workflow already started", zap.String("run_id", runID))
			return nil
		}
		return fmt.Errorf("start research workflow for run %s: %w", runID, err)
	}
	e.logger.Info("research run workflow started",
		zap.String("run_id", runID),
		zap.String("workflow_id", execution.GetID()),
		zap.String("temporal_run_id", execution.GetRunID()),
	)
	return nil
}

// Cancel requests cancellation of the run's workflow. The activity observes
// it on its next heartbeat.
func (e *TemporalExecutor) Cancel(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := e.client.CancelWorkflow(ctx, WorkflowID(runID), ""); err != nil {
		var notFound *serviceerror.NotFound
		if !errors.As(err, &notFound) {
			e.logger.Warn("cancel research workflow failed", zap.String("run_id", runID), zap.Error(err))
		}
		return false
	}
	return true
}
