package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes one research run to completion. *research.Orchestrator
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, runID string) error
}

const defaultLeaseTTL = 2 * time.Minute

// LocalExecutor runs research in goroutines of this process, keyed by run id
// so a run has at most one live execution here. With a Lease it also holds a
// cross-process claim for the duration of the execution.
type LocalExecutor struct {
	base     context.Context
	runner   Runner
	lease    Lease
	leaseTTL time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewLocalExecutor binds executions to base: canceling it stops every live
// run without finishing it, so the runs can be resumed on the next boot.
func NewLocalExecutor(base context.Context, runner Runner, lease Lease, logger *zap.Logger) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExecutor{
		base:     base,
		runner:   runner,
		lease:    lease,
		leaseTTL: defaultLeaseTTL,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Submit starts runID in the background. Submitting a run that is already
// executing, here or under another process's lease, is a no-op.
func (e *LocalExecutor) Submit(ctx context.Context, runID string) error {
	if !e.claim(runID) {
		e.logger.Debug("research run already executing", zap.String("run_id", runID))
		return nil
	}

	var token string
	if e.lease != nil {
		acquired, ok, err := e.lease.Acquire(ctx, runID, e.leaseTTL)
		if err != nil {
			e.release(runID)
			return fmt.Errorf("acquire lease for run %s: %w", runID, err)
		}
		if !ok {
			e.release(runID)
			e.logger.Info("research run leased by another process", zap.String("run_id", runID))
			return nil
		}
		token = acquired
	}

	e.wg.Add(1)
	go e.run(runID, token)
	return nil
}

// Running reports whether runID is executing in this process.
func (e *LocalExecutor) Running(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[runID]
	return ok
}

// Wait blocks until every submitted execution has returned.
func (e *LocalExecutor) Wait() {
	e.wg.Wait()
}

func (e *LocalExecutor) run(runID, token string) {
	defer e.wg.Done()
	defer e.release(runID)

	ctx, cancel := context.WithCancel(e.base)
	defer cancel()

	if token != "" {
		go e.keepLease(ctx, cancel, runID, token)
		defer func() {
			if err := e.lease.Release(context.WithoutCancel(ctx), runID, token); err != nil {
				e.logger.Warn("release run lease failed", zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}

	started := time.Now()
	if err := e.runner.Execute(ctx, runID); err != nil {
		e.logger.Error("research run execution failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	e.logger.Info("research run execution returned",
		zap.String("run_id", runID),
		zap.Int64("elapsed_ms", time.Since(started).Milliseconds()),
	)
}

// keepLease refreshes the lease at a third of its ttl and stops the
// execution when the lease is lost to another holder.
func (e *LocalExecutor) keepLease(ctx context.Context, stop context.CancelFunc, runID, token string) {
	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := e.lease.Refresh(ctx, runID, token, e.leaseTTL)
			if err != nil {
				e.logger.Warn("refresh run lease failed", zap.String("run_id", runID), zap.Error(err))
				continue
			}
			if !held {
				e.logger.Warn("run lease lost, stopping execution", zap.String("run_id", runID))
				stop()
				return
			}
		}
	}
}

func (e *LocalExecutor) claim(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[runID]; ok {
		return false
	}
	e.inflight[runID] = struct{}{}
	return true
}

func (e *LocalExecutor) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, runID)
}
