package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

type OrchestratorConfig struct {
	Concurrency    int
	TrustedDomains []string
}

// Orchestrator executes one research run end to end. Re-executing a run from
// the start is safe: sources and findings are insert-ignore, the report is an
// upsert and the chat message is written once per run.
type Orchestrator struct {
	store     Store
	search    *SearchRegistry
	reader    Reader
	responder PromptResponder
	archiver  ReportArchiver
	cfg       OrchestratorConfig
	logger    *zap.Logger
	events    eventRecorder
	now       func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewOrchestrator(store Store, search *SearchRegistry, reader Reader, responder PromptResponder, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Orchestrator{
		store:     store,
		search:    search,
		reader:    reader,
		responder: responder,
		cfg:       cfg,
		logger:    logger,
		events:    eventRecorder{store: store, logger: logger, now: now},
		now:       now,
		active:    make(map[string]context.CancelFunc),
	}
}

// WithArchiver sets where final reports are copied. It must be called before
// the first Execute.
func (o *Orchestrator) WithArchiver(archiver ReportArchiver) *Orchestrator {
	o.archiver = archiver
	return o
}

// Execute runs the research for runID. Failures mark the run failed and are
// not returned; only a missing or unstartable run is an error.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (err error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		o.logger.Info("run already finished", zap.String("run_id", runID), zap.String("status", string(run.Status)))
		return nil
	}
	if run.Status != RunStatusRunning {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotPending, runID, run.Status)
	}

	budget := BudgetFor(run.Effort)
	runCtx, cancel := context.WithTimeout(ctx, budget.HardCutoff())
	defer cancel()
	o.track(runID, cancel)
	defer o.untrack(runID)

	defer func() {
		if recovered := recover(); recovered != nil {
			o.failRun(ctx, run, fmt.Sprintf("research run panicked: %v", recovered))
			err = nil
		}
	}()

	if run.Plan == nil {
		o.failRun(ctx, run, ErrPlanMissing.Error())
		return nil
	}
	if execErr := o.execute(runCtx, run, budget); execErr != nil {
		o.failRun(ctx, run, execErr.Error())
	}
	return nil
}

// Cancel stops an in-process execution of runID, reporting whether one was live.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) track(runID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[runID] = cancel
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) execute(ctx context.Context, run Run, budget Budget) error {
	logger := o.logger.With(zap.String("run_id", run.ID), zap.String("conversation_id", run.ConversationID))
	persistCtx := context.WithoutCancel(ctx)
	started := time.Now()
	plan := *run.Plan

	state := &runState{startedAt: started, seen: newSeenSet()}
	existing, err := o.store.ListSources(persistCtx, run.ID)
	if err != nil {
		return fmt.Errorf("list existing sources: %w", err)
	}
	state.sources.Store(int64(len(existing)))

	logger.Info("research run started",
		zap.String("effort", string(run.Effort)),
		zap.Int("sub_questions", len(plan.SubQuestions)),
	)
	o.events.record(ctx, run.ID, StageRun, EventStarted, "", "Research run started",
		map[string]any{"effort": run.Effort, "subQuestions": len(plan.SubQuestions), "providers": o.search.Names()})

	snapshot := run.Metrics
	snapshot.SubQuestionsTotal = len(plan.SubQuestions)
	snapshot.SubQuestionsCompleted = 0
	var unknowns, actions, warnings []string

	summaries, err := o.fanOut(ctx, run, plan, budget, state, func(summary SubQuestionSummary) {
		snapshot.SubQuestionsCompleted++
		snapshot.Steps += summary.Steps
		snapshot.Sources = int(state.sources.Load())
		snapshot.Findings += summary.Findings
		unknowns = append(unknowns, summary.Unknowns...)
		actions = append(actions, summary.Actions...)
		for _, warning := range summary.Warnings {
			warnings = appendUniqueWarning(warnings, warning)
		}
		snapshot.Warnings = warnings
		if err := o.store.UpdateMetrics(persistCtx, run.ID, snapshot); err != nil {
			logger.Warn("update run metrics failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	current, err := o.store.GetRun(persistCtx, run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	if current.Status.Terminal() {
		logger.Info("run finished elsewhere during execution", zap.String("status", string(current.Status)))
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// Interrupted by shutdown; the run stays running and is resumed later.
		logger.Warn("research run interrupted", zap.Int("completed_sub_questions", len(summaries)))
		return nil
	}

	sources, err := o.store.ListSources(persistCtx, run.ID)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	findings, err := o.store.ListFindings(persistCtx, run.ID)
	if err != nil {
		return fmt.Errorf("list findings: %w", err)
	}

	o.events.record(ctx, run.ID, StageQualityCheck, EventStarted, "", "Assessing research quality", nil)
	quality := AssessQuality(findings, len(sources), len(plan.SubQuestions), budget)
	o.events.record(ctx, run.ID, StageQualityCheck, EventCompleted, "",
		fmt.Sprintf("Quality score %.2f with %d warnings", quality.Score, len(quality.Warnings)), quality)

	status := RunStatusCompleted
	if len(quality.Warnings) > 0 {
		status = RunStatusCompletedWithWarnings
	}

	o.events.record(ctx, run.ID, StagePresentation, EventStarted, "", "Writing the report", nil)
	report := buildReport(ctx, o.responder, logger, reportInput{
		Run:      run,
		Findings: findings,
		Sources:  sources,
		Unknowns: unknowns,
		Actions:  actions,
		Quality:  quality,
		Now:      o.now(),
	})
	report.Presentation = buildPresentation(ctx, o.responder, logger, run, report, findings)
	if err := o.store.UpsertReport(persistCtx, report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	content := buildFallbackDigest(report, findings, sources, unknowns)
	if report.Presentation != nil {
		content = report.Presentation.Markdown
	}
	o.appendConversationMessage(persistCtx, logger, run, content)
	o.events.record(ctx, run.ID, StagePresentation, EventCompleted, "", "Report ready",
		map[string]any{"structured": report.Presentation != nil, "actionItems": len(report.ActionItems)})

	snapshot.Sources = len(sources)
	snapshot.Findings = len(findings)
	snapshot.QualityWarnings = quality.Warnings
	snapshot.DurationMS = time.Since(started).Milliseconds()
	score := quality.Score
	finished, err := o.store.FinishRun(persistCtx, run.ID, status, &score, snapshot, "", o.now())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !finished {
		logger.Info("run reached a terminal status before completion was written")
		return nil
	}

	if o.archiver != nil {
		if err := o.archiver.ArchiveReport(persistCtx, run.ID, report.Markdown); err != nil {
			logger.Warn("archive report failed", zap.Error(err))
		}
	}

	o.events.record(ctx, run.ID, StageRun, EventCompleted, "", fmt.Sprintf("Research run %s", status),
		map[string]any{"status": status, "qualityScore": score, "summaries": len(summaries)})
	metrics.RunsCompleted.WithLabelValues(string(run.Effort), string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(run.Effort)).Observe(time.Since(started).Seconds())
	metrics.QualityScore.Observe(score)
	logger.Info("research run finished",
		zap.String("status", string(status)),
		zap.Float64("quality_score", score),
		zap.Int64("elapsed_ms", snapshot.DurationMS),
	)
	return nil
}

// fanOut runs every sub-question through a fixed pool of workers pulling the
// next unclaimed index. onComplete is called serially.
func (o *Orchestrator) fanOut(ctx context.Context, run Run, plan Plan, budget Budget, state *runState, onComplete func(SubQuestionSummary)) ([]SubQuestionSummary, error) {
	total := len(plan.SubQuestions)
	worker := subQuestionWorker{
		store:     o.store,
		search:    o.search,
		reader:    o.reader,
		responder: o.responder,
		trusted:   o.cfg.TrustedDomains,
		logger:    o.logger,
		events:    o.events,
		now:       o.now,
	}

	var (
		cursor    atomic.Int64
		wg        sync.WaitGroup
		mu        sync.Mutex
		panicErr  error
		summaries = make([]SubQuestionSummary, 0, total)
	)
	poolSize := min(o.cfg.Concurrency, total)
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					mu.Lock()
					if panicErr == nil {
						panicErr = fmt.Errorf("sub-question worker panicked: %v", recovered)
					}
					mu.Unlock()
				}
			}()
			for {
				if o.stopRequested(ctx, run.ID) {
					return
				}
				index := int(cursor.Add(1)) - 1
				if index >= total {
					return
				}
				summary := worker.run(ctx, state, subQuestionTask{
					Run:      run,
					Plan:     plan,
					Budget:   budget,
					Index:    index,
					Question: plan.SubQuestions[index],
				})
				mu.Lock()
				summaries = append(summaries, summary)
				onComplete(summary)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if panicErr != nil {
		return nil, panicErr
	}
	return summaries, nil
}

// stopRequested reports whether the run was canceled or otherwise finished
// while workers were still claiming sub-questions.
func (o *Orchestrator) stopRequested(ctx context.Context, runID string) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	current, err := o.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return false
	}
	return current.Status.Terminal()
}

func (o *Orchestrator) appendConversationMessage(ctx context.Context, logger *zap.Logger, run Run, content string) {
	exists, err := o.store.HasResearchMessage(ctx, run.ID)
	if err != nil {
		logger.Warn("check research message failed", zap.Error(err))
		return
	}
	if exists {
		return
	}
	if _, err := o.store.AppendResearchMessage(ctx, ConversationMessage{
		ID:             uuid.NewString(),
		ConversationID: run.ConversationID,
		Role:           "assistant",
		Content:        content,
		ResearchRunID:  run.ID,
		CreatedAt:      o.now(),
	}); err != nil {
		logger.Warn("append research message failed", zap.Error(err))
	}
}

func (o *Orchestrator) failRun(ctx context.Context, run Run, reason string) {
	persistCtx := context.WithoutCancel(ctx)
	o.logger.Error("research run failed", zap.String("run_id", run.ID), zap.String("error", reason))
	finished, err := o.store.FinishRun(persistCtx, run.ID, RunStatusFailed, nil, run.Metrics, reason, o.now())
	if err != nil {
		o.logger.Error("mark run failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if !finished {
		return
	}
	o.events.record(persistCtx, run.ID, StageRun, EventFailed, "", reason, nil)
	metrics.RunsCompleted.WithLabelValues(string(run.Effort), string(RunStatusFailed)).Inc()
}
