package research

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type executorStub struct {
	mu        sync.Mutex
	submitted []string
	err       error
}

func (e *executorStub) Submit(_ context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.submitted = append(e.submitted, runID)
	return nil
}

type cancelerStub struct {
	canceled []string
}

func (c *cancelerStub) Cancel(runID string) bool {
	c.canceled = append(c.canceled, runID)
	return true
}

func newTestService(store *memStore, executor *executorStub, canceler *cancelerStub) *Service {
	return NewService(store, NewPlanner(nil, nil), executor, canceler, nil)
}

func TestCreatePlanValidatesAndPersists(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &executorStub{}, &cancelerStub{})
	ctx := context.Background()

	if _, err := service.CreatePlan(ctx, PlanRequest{ConversationID: "c", Query: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := service.CreatePlan(ctx, PlanRequest{Query: "chairs"}); !errors.Is(err, ErrConversationRequired) {
		t.Fatalf("expected ErrConversationRequired, got %v", err)
	}
	if _, err := service.CreatePlan(ctx, PlanRequest{ConversationID: "c", Query: "chairs", Effort: "extreme"}); !errors.Is(err, ErrInvalidEffort) {
		t.Fatalf("expected ErrInvalidEffort, got %v", err)
	}

	zero := 0
	resp, err := service.CreatePlan(ctx, PlanRequest{ConversationID: "c", Query: "best oversized reading chair under $500", Effort: "Quick", RecencyDays: &zero})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if resp.PlannerStatus != PlannerFallback || len(resp.Plan.SubQuestions) != 4 {
		t.Fatalf("expected fallback plan without a model, got %+v", resp)
	}
	run, err := store.GetRun(ctx, resp.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != RunStatusPlanning || run.Effort != EffortQuick || run.RecencyDays != nil {
		t.Fatalf("unexpected persisted run %+v", run)
	}
	events := store.eventsFor(run.ID)
	if len(events) != 1 || events[0].Stage != StagePlanning || !strings.Contains(string(events[0].Payload), "reason") {
		t.Fatalf("expected a planning event with the fallback reason, got %+v", events)
	}
}

func TestStartRunAcceptsThenNoOps(t *testing.T) {
	store := newMemStore()
	executor := &executorStub{}
	service := newTestService(store, executor, &cancelerStub{})
	ctx := context.Background()

	resp, err := service.CreatePlan(ctx, PlanRequest{ConversationID: "c", Query: "heat pump sizing"})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	edited := resp.Plan
	edited.SubQuestions = append(edited.SubQuestions, "What rebates apply to heat pumps?")

	result, err := service.StartRun(ctx, resp.Run.ID, &edited)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Outcome != StartAccepted || result.RunID != resp.Run.ID {
		t.Fatalf("unexpected start result %+v", result)
	}
	run, _ := store.GetRun(ctx, resp.Run.ID)
	if run.Status != RunStatusRunning || len(run.Plan.SubQuestions) != 5 {
		t.Fatalf("expected running run with the edited plan, got %+v", run)
	}

	again, err := service.StartRun(ctx, resp.Run.ID, nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if again.Outcome != StartNoOp || again.RunID != resp.Run.ID {
		t.Fatalf("expected no_op for a fresh running run, got %+v", again)
	}
	if len(executor.submitted) != 1 {
		t.Fatalf("expected a single submission, got %v", executor.submitted)
	}
}

func TestStartRunResetsStaleRun(t *testing.T) {
	store := newMemStore()
	executor := &executorStub{}
	canceler := &cancelerStub{}
	service := newTestService(store, executor, canceler)
	ctx := context.Background()

	stale := testRun("run-stale", EffortQuick)
	startedAt := time.Now().UTC().Add(-25 * time.Minute)
	stale.StartedAt = &startedAt
	if err := store.CreateRun(ctx, stale); err != nil {
		t.Fatalf("create run: %v", err)
	}

	result, err := service.StartRun(ctx, stale.ID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Outcome != StartStaleReset || result.RunID == stale.ID {
		t.Fatalf("expected stale_reset with a successor, got %+v", result)
	}

	old, _ := store.GetRun(ctx, stale.ID)
	if old.Status != RunStatusFailed {
		t.Fatalf("expected stale run failed, got %s", old.Status)
	}
	if !strings.Contains(old.Error, "staleness threshold of 20m0s") || !strings.Contains(old.Error, result.RunID) {
		t.Fatalf("unexpected staleness reason %q", old.Error)
	}
	if old.Metrics.StaleSuccessorRunID != result.RunID {
		t.Fatalf("expected successor id in metrics, got %+v", old.Metrics)
	}

	successor, err := store.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("get successor: %v", err)
	}
	if successor.Status != RunStatusRunning || successor.Query != stale.Query || successor.ConversationID != stale.ConversationID {
		t.Fatalf("unexpected successor %+v", successor)
	}
	if len(executor.submitted) != 1 || executor.submitted[0] != result.RunID {
		t.Fatalf("expected the successor to be submitted, got %v", executor.submitted)
	}
	if len(canceler.canceled) != 1 || canceler.canceled[0] != stale.ID {
		t.Fatalf("expected the stale execution to be canceled, got %v", canceler.canceled)
	}
}

func TestStartRunKeepsRunWithinThreshold(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &executorStub{}, &cancelerStub{})
	run := testRun("run-recent", EffortQuick)
	startedAt := time.Now().UTC().Add(-19 * time.Minute)
	run.StartedAt = &startedAt
	_ = store.CreateRun(context.Background(), run)

	result, err := service.StartRun(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.Outcome != StartNoOp {
		t.Fatalf("expected no_op within the threshold, got %+v", result)
	}
}

func TestStartRunMarksRunFailedWhenSubmitFails(t *testing.T) {
	store := newMemStore()
	executor := &executorStub{err: errors.New("queue down")}
	service := newTestService(store, executor, &cancelerStub{})
	ctx := context.Background()

	resp, err := service.CreatePlan(ctx, PlanRequest{ConversationID: "c", Query: "water heater"})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := service.StartRun(ctx, resp.Run.ID, nil); err == nil {
		t.Fatalf("expected submit error")
	}
	run, _ := store.GetRun(ctx, resp.Run.ID)
	if run.Status != RunStatusFailed || !strings.Contains(run.Error, "queue down") {
		t.Fatalf("expected failed run, got %s %q", run.Status, run.Error)
	}
}

func TestCancelRun(t *testing.T) {
	store := newMemStore()
	canceler := &cancelerStub{}
	service := newTestService(store, &executorStub{}, canceler)
	ctx := context.Background()

	run := testRun("run-cancel", EffortStandard)
	_ = store.CreateRun(ctx, run)

	canceled, err := service.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != RunStatusCanceled || canceled.Error != "canceled by user" {
		t.Fatalf("unexpected canceled run %+v", canceled)
	}
	if len(canceler.canceled) != 1 {
		t.Fatalf("expected the live execution to be stopped")
	}

	again, err := service.CancelRun(ctx, run.ID)
	if err != nil || again.Status != RunStatusCanceled {
		t.Fatalf("expected cancel of a terminal run to be a no-op, got %+v %v", again, err)
	}
	if len(canceler.canceled) != 1 {
		t.Fatalf("expected no second cancel signal")
	}
	if _, err := service.CancelRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestGetRunStatusIncludesEventSummaries(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &executorStub{}, &cancelerStub{})
	ctx := context.Background()

	run := testRun("run-status", EffortQuick)
	_ = store.CreateRun(ctx, run)
	_ = store.UpsertReport(ctx, Report{RunID: run.ID, Summary: "s", Presentation: &Presentation{Markdown: "# hi"}})
	for i := 0; i < statusEventLimit+5; i++ {
		service.events.record(ctx, run.ID, StageSearch, EventStarted, "q", "Searching", nil)
	}

	view, err := service.GetRunStatus(ctx, run.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(view.Events) != statusEventLimit {
		t.Fatalf("expected %d events, got %d", statusEventLimit, len(view.Events))
	}
	if view.Events[0].Summary.Title == "" {
		t.Fatalf("expected progress summaries on events")
	}
	if view.Presentation == nil || view.Presentation.Markdown != "# hi" {
		t.Fatalf("expected the report presentation, got %+v", view.Presentation)
	}
}

func TestListRunsBoundsLimit(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &executorStub{}, &cancelerStub{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := testRun("run-list-"+string(rune('a'+i)), EffortQuick)
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Minute)
		_ = store.CreateRun(ctx, run)
	}
	if _, err := service.ListRuns(ctx, "", 10); !errors.Is(err, ErrConversationRequired) {
		t.Fatalf("expected ErrConversationRequired, got %v", err)
	}
	runs, err := service.ListRuns(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-list-c" {
		t.Fatalf("expected newest two runs, got %+v", runs)
	}
	if runs[0].SubQuestions != 1 {
		t.Fatalf("expected sub-question count, got %d", runs[0].SubQuestions)
	}
}

func TestCreateFollowUpTasksLinksActionItems(t *testing.T) {
	store := newMemStore()
	service := newTestService(store, &executorStub{}, &cancelerStub{})
	ctx := context.Background()

	run := testRun("run-tasks", EffortQuick)
	run.HouseholdID = "house-1"
	_ = store.CreateRun(ctx, run)
	finding := Finding{ID: "finding-1", RunID: run.ID, SubQuestion: "How wide?", Claim: "Chairs are 40 inches wide."}
	_ = store.InsertFinding(ctx, finding)
	_ = store.UpsertReport(ctx, Report{RunID: run.ID, ActionItems: []ActionItem{{Text: "Measure the nook"}, {Text: "Visit a showroom"}}})

	if _, err := service.CreateFollowUpTasks(ctx, run.ID, nil, nil); !errors.Is(err, ErrNothingToTrack) {
		t.Fatalf("expected ErrNothingToTrack, got %v", err)
	}

	tasks, err := service.CreateFollowUpTasks(ctx, run.ID, []string{"finding-1", "missing"}, []int{1, 1, 7})
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %+v", tasks)
	}
	if tasks[0].SourceFindingID != "finding-1" || tasks[0].HouseholdID != "house-1" {
		t.Fatalf("unexpected finding task %+v", tasks[0])
	}
	if tasks[1].Title != "Visit a showroom" {
		t.Fatalf("unexpected action task %+v", tasks[1])
	}

	report, _ := store.GetReport(ctx, run.ID)
	if report.ActionItems[1].TaskID != tasks[1].ID || report.ActionItems[0].TaskID != "" {
		t.Fatalf("expected only the selected action item to be linked, got %+v", report.ActionItems)
	}

	if _, err := service.CreateFollowUpTasks(ctx, run.ID, nil, []int{1}); !errors.Is(err, ErrNothingToTrack) {
		t.Fatalf("expected an already-linked action to be skipped, got %v", err)
	}
}

func TestResumeRunningSubmitsRunningRuns(t *testing.T) {
	store := newMemStore()
	executor := &executorStub{}
	service := newTestService(store, executor, &cancelerStub{})
	ctx := context.Background()

	_ = store.CreateRun(ctx, testRun("run-resume", EffortQuick))
	done := testRun("run-done", EffortQuick)
	done.Status = RunStatusCompleted
	_ = store.CreateRun(ctx, done)

	resumed, err := service.ResumeRunning(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 1 || executor.submitted[0] != "run-resume" {
		t.Fatalf("expected only the running run to be resubmitted, got %d %v", resumed, executor.submitted)
	}
}
