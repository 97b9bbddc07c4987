package durable

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"household/backend/internal/research"
)

type runnerStub struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (r *runnerStub) Execute(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runID)
	return r.err
}

func newWorkflowEnv(runner Runner) *testsuite.TestWorkflowEnvironment {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(RunWorkflow, workflow.RegisterOptions{Name: RunWorkflowName})
	env.RegisterActivityWithOptions(NewActivities(runner).ExecuteRun, activity.RegisterOptions{Name: ExecuteRunActivityName})
	return env
}

func TestRunWorkflowExecutesRun(t *testing.T) {
	runner := &runnerStub{}
	env := newWorkflowEnv(runner)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1"})

	if !env.IsWorkflowCompleted() {
		t.Fatalf("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	if len(runner.calls) != 1 || runner.calls[0] != "run-1" {
		t.Fatalf("unexpected executions: %v", runner.calls)
	}
}

func TestRunWorkflowDoesNotRetryUnstartableRun(t *testing.T) {
	runner := &runnerStub{err: research.ErrRunNotFound}
	env := newWorkflowEnv(runner)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "missing"})

	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected workflow error")
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(runner.calls))
	}
}

func TestRunWorkflowRetriesTransientFailure(t *testing.T) {
	runner := &runnerStub{err: errors.New("database is locked")}
	env := newWorkflowEnv(runner)

	env.ExecuteWorkflow(RunWorkflow, RunInput{RunID: "run-1"})

	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected workflow error after retries")
	}
	if len(runner.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(runner.calls))
	}
}

type workflowRunStub struct {
	client.WorkflowRun
	id, runID string
}

func (w workflowRunStub) GetID() string    { return w.id }
func (w workflowRunStub) GetRunID() string { return w.runID }

type temporalClientStub struct {
	client.Client
	options  []client.StartWorkflowOptions
	inputs   []any
	startErr error
	canceled []string
}

func (c *temporalClientStub) ExecuteWorkflow(_ context.Context, options client.StartWorkflowOptions, _ any, args ...any) (client.WorkflowRun, error) {
	c.options = append(c.options, options)
	c.inputs = append(c.inputs, args...)
	if c.startErr != nil {
		return nil, c.startErr
	}
	return workflowRunStub{id: options.ID, runID: "temporal-1"}, nil
}

func (c *temporalClientStub) CancelWorkflow(_ context.Context, workflowID, _ string) error {
	c.canceled = append(c.canceled, workflowID)
	return nil
}

func TestTemporalExecutorStartsWorkflowKeyedByRun(t *testing.T) {
	stub := &temporalClientStub{}
	executor := NewTemporalExecutor(stub, "research-runs", nil)

	if err := executor.Submit(context.Background(), "run-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(stub.options) != 1 {
		t.Fatalf("expected one start, got %d", len(stub.options))
	}
	options := stub.options[0]
	if options.ID != "research-run-run-1" || options.TaskQueue != "research-runs" {
		t.Fatalf("unexpected options: %+v", options)
	}
	if !options.WorkflowExecutionErrorWhenAlreadyStarted {
		t.Fatalf("expected already-started errors to be surfaced")
	}
	if input, ok := stub.inputs[0].(RunInput); !ok || input.RunID != "run-1" {
		t.Fatalf("unexpected input: %#v", stub.inputs[0])
	}
}

func TestTemporalExecutorTreatsAlreadyStartedAsSuccess(t *testing.T) {
	stub := &temporalClientStub{startErr: serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", "temporal-0")}
	executor := NewTemporalExecutor(stub, "research-runs", nil)

	if err := executor.Submit(context.Background(), "run-1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestTemporalExecutorReportsStartFailure(t *testing.T) {
	stub := &temporalClientStub{startErr: errors.New("connection refused")}
	executor := NewTemporalExecutor(stub, "research-runs", nil)

	if err := executor.Submit(context.Background(), "run-1"); err == nil {
		t.Fatalf("expected start error")
	}
}

func TestTemporalExecutorCancel(t *testing.T) {
	stub := &temporalClientStub{}
	executor := NewTemporalExecutor(stub, "research-runs", nil)

	if !executor.Cancel("run-1") {
		t.Fatalf("expected cancel to succeed")
	}
	if len(stub.canceled) != 1 || stub.canceled[0] != "research-run-run-1" {
		t.Fatalf("unexpected cancel calls: %v", stub.canceled)
	}
}

func TestZapAdapterFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := log.With(NewZapAdapter(zap.New(core)), "workflow", "research")

	adapter.Info("started", "run_id", "run-1", "callback", func() {}, 42, "ignored", "dangling")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["workflow"] != "research" || fields["run_id"] != "run-1" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["callback"] != "<func()>" {
		t.Fatalf("expected func placeholder, got %v", fields["callback"])
	}
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %v", fields)
	}
}
