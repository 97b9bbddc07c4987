package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

const (
	defaultListRunsLimit = 20
	maxListRunsLimit     = 100
	statusEventLimit     = 50
	taskTitleRunes       = 140
)

type StartOutcome string

const (
	StartAccepted   StartOutcome = "accepted"
	StartNoOp       StartOutcome = "no_op"
	StartStaleReset StartOutcome = "stale_reset"
)

// RunCanceler stops a live in-process execution.
type RunCanceler interface {
	Cancel(runID string) bool
}

type PlanRequest struct {
	ConversationID string
	HouseholdID    string
	Query          string
	Effort         string
	RecencyDays    *int
}

type PlanResponse struct {
	Run           Run
	Plan          Plan
	PlannerStatus PlannerStatus
	PlannerReason string
}

type StartResult struct {
	Outcome StartOutcome `json:"outcome"`
	RunID   string       `json:"runId"`
}

type RunStatusView struct {
	Run          Run           `json:"run"`
	Sources      []Source      `json:"sources"`
	Findings     []Finding     `json:"findings"`
	Report       *Report       `json:"report"`
	Events       []EventView   `json:"events"`
	Presentation *Presentation `json:"presentation"`
}

type RunSummary struct {
	ID           string     `json:"id"`
	Query        string     `json:"query"`
	Effort       Effort     `json:"effort"`
	Status       RunStatus  `json:"status"`
	QualityScore *float64   `json:"qualityScore"`
	SubQuestions int        `json:"subQuestions"`
	Findings     int        `json:"findings"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Service is the surface used by the chat layer: plan, start, inspect,
// list, cancel and turn results into tasks.
type Service struct {
	store    Store
	planner  Planner
	executor Executor
	canceler RunCanceler
	logger   *zap.Logger
	events   eventRecorder
	now      func() time.Time
}

func NewService(store Store, planner Planner, executor Executor, canceler RunCanceler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Service{
		store:    store,
		planner:  planner,
		executor: executor,
		canceler: canceler,
		logger:   logger,
		events:   eventRecorder{store: store, logger: logger, now: now},
		now:      now,
	}
}

func (s *Service) CreatePlan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return PlanResponse{}, ErrEmptyQuery
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return PlanResponse{}, ErrConversationRequired
	}
	effort, err := ParseEffort(strings.ToLower(strings.TrimSpace(req.Effort)))
	if err != nil {
		return PlanResponse{}, err
	}
	recency := req.RecencyDays
	if recency != nil && *recency <= 0 {
		recency = nil
	}
	recencyDays := 0
	if recency != nil {
		recencyDays = *recency
	}

	result := s.planner.Plan(ctx, query, effort, recencyDays)
	plan := result.Plan
	now := s.now()
	run := Run{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		HouseholdID:    strings.TrimSpace(req.HouseholdID),
		Query:          query,
		Effort:         effort,
		RecencyDays:    recency,
		Plan:           &plan,
		Status:         RunStatusPlanning,
		Metrics:        RunMetrics{SubQuestionsTotal: len(plan.SubQuestions)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return PlanResponse{}, fmt.Errorf("create run: %w", err)
	}

	message := "Research plan generated"
	payload := map[string]any{"planner": result.Status, "subQuestions": len(plan.SubQuestions)}
	if result.Status == PlannerFallback {
		message = "Fallback research plan used"
		payload["reason"] = result.Reason
		payload["rationale"] = plan.EffortRationale
	}
	s.events.record(ctx, run.ID, StagePlanning, EventCompleted, "", message, payload)
	s.logger.Info("research plan created",
		zap.String("run_id", run.ID),
		zap.String("conversation_id", conversationID),
		zap.String("planner", string(result.Status)),
	)

	return PlanResponse{Run: run, Plan: plan, PlannerStatus: result.Status, PlannerReason: result.Reason}, nil
}

// StartRun moves a planned run to running and submits it. A run already
// running is left alone unless it is older than its staleness threshold, in
// which case it is failed and a successor run is started in its place.
func (s *Service) StartRun(ctx context.Context, runID string, plan *Plan) (StartResult, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return StartResult{}, err
	}

	switch run.Status {
	case RunStatusPlanning:
		if plan != nil {
			normalized := normalizePlan(*plan, run.Query)
			run.Plan = &normalized
		}
		if run.Plan == nil {
			return StartResult{}, ErrPlanMissing
		}
		started, err := s.launch(ctx, run)
		if err != nil {
			return StartResult{}, err
		}
		if !started {
			return StartResult{Outcome: StartNoOp, RunID: run.ID}, nil
		}
		return StartResult{Outcome: StartAccepted, RunID: run.ID}, nil

	case RunStatusRunning:
		threshold := BudgetFor(run.Effort).StalenessThreshold()
		since := run.UpdatedAt
		if run.StartedAt != nil {
			since = *run.StartedAt
		}
		if s.now().Sub(since) <= threshold {
			return StartResult{Outcome: StartNoOp, RunID: run.ID}, nil
		}
		return s.resetStale(ctx, run, plan, threshold)

	default:
		return StartResult{Outcome: StartNoOp, RunID: run.ID}, nil
	}
}

func (s *Service) launch(ctx context.Context, run Run) (bool, error) {
	ok, err := s.store.MarkRunning(ctx, run.ID, *run.Plan, s.now())
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	if !ok {
		return false, nil
	}
	metrics.RunsStarted.WithLabelValues(string(run.Effort)).Inc()
	s.events.record(ctx, run.ID, StageRun, EventInfo, "", "Research run accepted", map[string]any{"effort": run.Effort})

	if err := s.executor.Submit(ctx, run.ID); err != nil {
		reason := fmt.Sprintf("submit research run: %v", err)
		if _, finishErr := s.store.FinishRun(context.WithoutCancel(ctx), run.ID, RunStatusFailed, nil, run.Metrics, reason, s.now()); finishErr != nil {
			s.logger.Error("mark unsubmitted run failed", zap.String("run_id", run.ID), zap.Error(finishErr))
		}
		s.events.record(ctx, run.ID, StageRun, EventFailed, "", reason, nil)
		return false, fmt.Errorf("submit run %s: %w", run.ID, err)
	}
	return true, nil
}

func (s *Service) resetStale(ctx context.Context, run Run, plan *Plan, threshold time.Duration) (StartResult, error) {
	successorPlan := run.Plan
	if plan != nil {
		normalized := normalizePlan(*plan, run.Query)
		successorPlan = &normalized
	}
	if successorPlan == nil {
		return StartResult{}, ErrPlanMissing
	}

	now := s.now()
	successor := Run{
		ID:             uuid.NewString(),
		ConversationID: run.ConversationID,
		HouseholdID:    run.HouseholdID,
		Query:          run.Query,
		Effort:         run.Effort,
		RecencyDays:    run.RecencyDays,
		Plan:           successorPlan,
		Status:         RunStatusPlanning,
		Metrics:        RunMetrics{SubQuestionsTotal: len(successorPlan.SubQuestions)},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	reason := fmt.Sprintf("research run exceeded the staleness threshold of %s and was restarted as run %s", threshold, successor.ID)
	staleMetrics := run.Metrics
	staleMetrics.StaleSuccessorRunID = successor.ID
	finished, err := s.store.FinishRun(ctx, run.ID, RunStatusFailed, nil, staleMetrics, reason, now)
	if err != nil {
		return StartResult{}, fmt.Errorf("fail stale run: %w", err)
	}
	if !finished {
		return StartResult{Outcome: StartNoOp, RunID: run.ID}, nil
	}
	if s.canceler != nil {
		s.canceler.Cancel(run.ID)
	}
	metrics.StaleRunsReset.Inc()
	metrics.RunsCompleted.WithLabelValues(string(run.Effort), string(RunStatusFailed)).Inc()
	s.events.record(ctx, run.ID, StageRun, EventFailed, "", reason, map[string]any{"successorRunId": successor.ID})
	s.logger.Warn("stale research run reset",
		zap.String("run_id", run.ID),
		zap.String("successor_run_id", successor.ID),
		zap.Duration("threshold", threshold),
	)

	if err := s.store.CreateRun(ctx, successor); err != nil {
		return StartResult{}, fmt.Errorf("create successor run: %w", err)
	}
	s.events.record(ctx, successor.ID, StagePlanning, EventCompleted, "", "Research plan carried over from a stale run",
		map[string]any{"previousRunId": run.ID, "subQuestions": len(successorPlan.SubQuestions)})
	if _, err := s.launch(ctx, successor); err != nil {
		return StartResult{}, err
	}
	return StartResult{Outcome: StartStaleReset, RunID: successor.ID}, nil
}

func (s *Service) GetRunStatus(ctx context.Context, runID string) (RunStatusView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return RunStatusView{}, err
	}
	sources, err := s.store.ListSources(ctx, runID)
	if err != nil {
		return RunStatusView{}, fmt.Errorf("list sources: %w", err)
	}
	findings, err := s.store.ListFindings(ctx, runID)
	if err != nil {
		return RunStatusView{}, fmt.Errorf("list findings: %w", err)
	}
	report, err := s.store.GetReport(ctx, runID)
	if err != nil {
		return RunStatusView{}, fmt.Errorf("get report: %w", err)
	}
	events, err := s.store.ListEvents(ctx, runID, statusEventLimit)
	if err != nil {
		return RunStatusView{}, fmt.Errorf("list events: %w", err)
	}

	view := RunStatusView{
		Run:      run,
		Sources:  sources,
		Findings: findings,
		Report:   report,
		Events:   WithProgressSummaries(events),
	}
	if report != nil {
		view.Presentation = report.Presentation
	}
	return view, nil
}

func (s *Service) ListRuns(ctx context.Context, conversationID string, limit int) ([]RunSummary, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrConversationRequired
	}
	if limit <= 0 {
		limit = defaultListRunsLimit
	}
	limit = min(limit, maxListRunsLimit)
	runs, err := s.store.ListRunsByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summary := RunSummary{
			ID:           run.ID,
			Query:        run.Query,
			Effort:       run.Effort,
			Status:       run.Status,
			QualityScore: run.QualityScore,
			Findings:     run.Metrics.Findings,
			CreatedAt:    run.CreatedAt,
			UpdatedAt:    run.UpdatedAt,
			CompletedAt:  run.CompletedAt,
		}
		if run.Plan != nil {
			summary.SubQuestions = len(run.Plan.SubQuestions)
		}
		out = append(out, summary)
	}
	return out, nil
}

// CreateFollowUpTasks turns selected findings and report action items into
// household tasks and links action items to the created task ids.
func (s *Service) CreateFollowUpTasks(ctx context.Context, runID string, findingIDs []string, actionIndexes []int) ([]Task, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(findingIDs) == 0 && len(actionIndexes) == 0 {
		return nil, ErrNothingToTrack
	}
	now := s.now()

	tasks := make([]Task, 0, len(findingIDs)+len(actionIndexes))
	if len(findingIDs) > 0 {
		findings, err := s.store.ListFindings(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("list findings: %w", err)
		}
		byID := make(map[string]Finding, len(findings))
		for _, finding := range findings {
			byID[finding.ID] = finding
		}
		for _, id := range dedupeStrings(findingIDs) {
			finding, ok := byID[id]
			if !ok {
				continue
			}
			tasks = append(tasks, Task{
				ID:              uuid.NewString(),
				HouseholdID:     run.HouseholdID,
				ConversationID:  run.ConversationID,
				Title:           trimToRunes(strings.TrimSpace(finding.Claim), taskTitleRunes),
				Notes:           fmt.Sprintf("From research: %s", finding.SubQuestion),
				SourceRunID:     run.ID,
				SourceFindingID: finding.ID,
				CreatedAt:       now,
			})
		}
	}

	var report *Report
	linked := false
	if len(actionIndexes) > 0 {
		report, err = s.store.GetReport(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("get report: %w", err)
		}
		if report != nil {
			seen := make(map[int]struct{}, len(actionIndexes))
			for _, index := range actionIndexes {
				if index < 0 || index >= len(report.ActionItems) {
					continue
				}
				if _, dup := seen[index]; dup {
					continue
				}
				seen[index] = struct{}{}
				item := report.ActionItems[index]
				if item.TaskID != "" {
					continue
				}
				task := Task{
					ID:             uuid.NewString(),
					HouseholdID:    run.HouseholdID,
					ConversationID: run.ConversationID,
					Title:          trimToRunes(strings.TrimSpace(item.Text), taskTitleRunes),
					Notes:          fmt.Sprintf("Suggested by research: %s", run.Query),
					SourceRunID:    run.ID,
					CreatedAt:      now,
				}
				report.ActionItems[index].TaskID = task.ID
				linked = true
				tasks = append(tasks, task)
			}
		}
	}

	if len(tasks) == 0 {
		return nil, ErrNothingToTrack
	}
	if err := s.store.CreateTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create tasks: %w", err)
	}
	if linked {
		report.UpdatedAt = now
		if err := s.store.UpsertReport(ctx, *report); err != nil {
			return nil, fmt.Errorf("link action items: %w", err)
		}
	}
	s.logger.Info("follow-up tasks created", zap.String("run_id", runID), zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// CancelRun moves a non-terminal run to canceled. Terminal runs are returned
// unchanged.
func (s *Service) CancelRun(ctx context.Context, runID string) (Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	finished, err := s.store.FinishRun(ctx, runID, RunStatusCanceled, run.QualityScore, run.Metrics, "canceled by user", s.now())
	if err != nil {
		return Run{}, fmt.Errorf("cancel run: %w", err)
	}
	if finished {
		if s.canceler != nil {
			s.canceler.Cancel(runID)
		}
		metrics.RunsCompleted.WithLabelValues(string(run.Effort), string(RunStatusCanceled)).Inc()
		s.events.record(ctx, runID, StageRun, EventInfo, "", "Research run canceled", nil)
	}
	return s.store.GetRun(ctx, runID)
}

// ResumeRunning resubmits every run still marked running, such as runs
// interrupted by a restart.
func (s *Service) ResumeRunning(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunsByStatus(ctx, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running runs: %w", err)
	}
	resumed := 0
	for _, run := range runs {
		if err := s.executor.Submit(ctx, run.ID); err != nil {
			s.logger.Warn("resume research run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.Info("resumed research runs", zap.Int("count", resumed))
	}
	return resumed, nil
}
