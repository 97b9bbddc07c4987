package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"household/backend/internal/config"
	"household/backend/internal/db"
	"household/backend/internal/research"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "research.db")
	database, err := db.Open(config.Config{TursoDatabaseURL: "file:" + path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, "up", 0, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(database)
}

func planningRun(id string) research.Run {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recency := 30
	return research.Run{
		ID:             id,
		ConversationID: "conv-1",
		HouseholdID:    "house-1",
		Query:          "best oversized reading chair under $500",
		Effort:         research.EffortStandard,
		RecencyDays:    &recency,
		Plan: &research.Plan{
			Objective:    "Pick a chair",
			SubQuestions: []string{"How wide?", "How much?", "Which fabric?"},
			StopCriteria: research.StopCriteria{ConfidenceTarget: 0.75, DiminishingReturnsDelta: 0.05, DiminishingReturnsWindow: 2},
		},
		Status:    research.RunStatusPlanning,
		Metrics:   research.RunMetrics{SubQuestionsTotal: 3},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := planningRun("run-1")

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Plan == nil || len(got.Plan.SubQuestions) != 3 || *got.RecencyDays != 30 || !got.CreatedAt.Equal(run.CreatedAt) {
		t.Fatalf("unexpected run %+v", got)
	}
	if got.QualityScore != nil || got.StartedAt != nil {
		t.Fatalf("expected null quality and start time, got %+v", got)
	}

	startedAt := run.CreatedAt.Add(time.Minute)
	ok, err := s.MarkRunning(ctx, run.ID, *run.Plan, startedAt)
	if err != nil || !ok {
		t.Fatalf("mark running: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.MarkRunning(ctx, run.ID, *run.Plan, startedAt); ok {
		t.Fatalf("expected a second mark running to be refused")
	}
	if _, err := s.MarkRunning(ctx, "missing", *run.Plan, startedAt); !errors.Is(err, research.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	if err := s.UpdateMetrics(ctx, run.ID, research.RunMetrics{SubQuestionsTotal: 3, Steps: 4}); err != nil {
		t.Fatalf("update metrics: %v", err)
	}

	score := 0.72
	finishedAt := startedAt.Add(2 * time.Minute)
	ok, err = s.FinishRun(ctx, run.ID, research.RunStatusCompletedWithWarnings, &score, research.RunMetrics{Steps: 5, QualityWarnings: []string{"thin"}}, "", finishedAt)
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}
	ok, err = s.FinishRun(ctx, run.ID, research.RunStatusCanceled, nil, research.RunMetrics{}, "canceled by user", finishedAt)
	if err != nil || ok {
		t.Fatalf("expected terminal runs to stay unchanged, ok=%v err=%v", ok, err)
	}

	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != research.RunStatusCompletedWithWarnings || got.QualityScore == nil || *got.QualityScore != score {
		t.Fatalf("unexpected finished run %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(finishedAt) || got.StartedAt == nil || !got.StartedAt.Equal(startedAt) {
		t.Fatalf("unexpected timestamps %+v", got)
	}
	if got.Metrics.Steps != 5 || len(got.Metrics.QualityWarnings) != 1 {
		t.Fatalf("unexpected metrics %+v", got.Metrics)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := planningRun(id)
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Hour)
		if i == 2 {
			run.Status = research.RunStatusRunning
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	runs, err := s.ListRunsByConversation(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	running, err := s.ListRunsByStatus(ctx, research.RunStatusRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ID != "run-c" {
		t.Fatalf("unexpected running runs %+v", running)
	}
}

func TestInsertSourceKeepsFirstRowPerURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := planningRun("run-src")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := research.Source{
		ID: "src-1", RunID: run.ID, URL: "https://a.example/chairs", Title: "Chairs", Domain: "a.example",
		RetrievedAt: run.CreatedAt, Score: 0.7,
		Metadata: research.SourceMetadata{Provider: "brave", SearchQuery: "chairs", QualityScore: 0.7, SubQuestion: 1},
	}
	stored, inserted, err := s.InsertSource(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("insert: inserted=%v err=%v", inserted, err)
	}
	if stored.Metadata.Provider != "brave" || stored.Metadata.SubQuestion != 1 {
		t.Fatalf("unexpected metadata %+v", stored.Metadata)
	}

	duplicate := first
	duplicate.ID = "src-2"
	duplicate.Title = "Other title"
	stored, inserted, err = s.InsertSource(ctx, duplicate)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if inserted || stored.ID != "src-1" || stored.Title != "Chairs" {
		t.Fatalf("expected the existing row, got inserted=%v %+v", inserted, stored)
	}

	sources, err := s.ListSources(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected one source, got %d", len(sources))
	}
}

func TestFindingsAndReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := planningRun("run-find")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	finding := research.Finding{
		ID: "f-1", RunID: run.ID, SubQuestionIndex: 0, SubQuestion: "How wide?", Claim: "About 40 inches.",
		Confidence: 0.8, Status: research.FindingSufficient, SupportingSourceIDs: []string{"src-1"},
		Evidence:  []research.EvidenceRef{{SourceID: "src-1", Excerpt: "40 inches", Relevance: 0.9}},
		CreatedAt: run.CreatedAt,
	}
	for i := 0; i < 2; i++ {
		if err := s.InsertFinding(ctx, finding); err != nil {
			t.Fatalf("insert finding: %v", err)
		}
	}
	unknown := research.Finding{ID: "f-0", RunID: run.ID, SubQuestionIndex: 1, SubQuestion: "How much?", Claim: "Unknown.", Status: research.FindingUnknown, CreatedAt: run.CreatedAt}
	if err := s.InsertFinding(ctx, unknown); err != nil {
		t.Fatalf("insert unknown: %v", err)
	}

	findings, err := s.ListFindings(ctx, run.ID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 2 || findings[0].ID != "f-1" || findings[1].ID != "f-0" {
		t.Fatalf("expected two findings ordered by sub-question, got %+v", findings)
	}
	if len(findings[0].Evidence) != 1 || findings[1].SupportingSourceIDs == nil {
		t.Fatalf("unexpected decoded finding %+v", findings)
	}

	report, err := s.GetReport(ctx, run.ID)
	if err != nil || report != nil {
		t.Fatalf("expected no report yet, got %+v %v", report, err)
	}
	draft := research.Report{RunID: run.ID, Summary: "draft", Markdown: "# draft", CreatedAt: run.CreatedAt, UpdatedAt: run.CreatedAt}
	if err := s.UpsertReport(ctx, draft); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	final := draft
	final.Summary = "final"
	final.ActionItems = []research.ActionItem{{Text: "Measure", TaskID: "task-1"}}
	final.Presentation = &research.Presentation{Markdown: "# final", Blocks: []research.PresentationBlock{{Type: "summary", Body: "b"}}}
	final.UpdatedAt = run.CreatedAt.Add(time.Minute)
	if err := s.UpsertReport(ctx, final); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	report, err = s.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Summary != "final" || report.ActionItems[0].TaskID != "task-1" || report.Presentation == nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if !report.CreatedAt.Equal(run.CreatedAt) || !report.UpdatedAt.Equal(final.UpdatedAt) {
		t.Fatalf("expected created_at kept and updated_at moved, got %+v", report)
	}
}

func TestEventsAreSequencedPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := planningRun("run-events")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, message := range []string{"first", "second", "third"} {
		event := research.RunEvent{
			ID: message, RunID: run.ID, Stage: research.StageSearch, Status: research.EventStarted,
			Message: message, CreatedAt: run.CreatedAt.Add(time.Duration(i) * time.Second),
		}
		if i == 1 {
			event.Payload = []byte(`{"query":"chairs"}`)
		}
		if err := s.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, run.ID, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Message != "third" || events[1].Message != "second" {
		t.Fatalf("expected newest first, got %+v", events)
	}
	if string(events[1].Payload) != `{"query":"chairs"}` || events[0].Payload != nil {
		t.Fatalf("unexpected payloads %q %q", events[1].Payload, events[0].Payload)
	}
}

func TestResearchMessageIsWrittenOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	message := research.ConversationMessage{ID: "m-1", ConversationID: "conv-1", Role: "assistant", Content: "done", ResearchRunID: "run-1", CreatedAt: time.Now()}
	ok, err := s.AppendResearchMessage(ctx, message)
	if err != nil || !ok {
		t.Fatalf("append: ok=%v err=%v", ok, err)
	}
	message.ID = "m-2"
	ok, err = s.AppendResearchMessage(ctx, message)
	if err != nil || ok {
		t.Fatalf("expected the second message to be ignored, ok=%v err=%v", ok, err)
	}
	exists, err := s.HasResearchMessage(ctx, "run-1")
	if err != nil || !exists {
		t.Fatalf("expected message to exist, exists=%v err=%v", exists, err)
	}
}

func TestCreateTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	tasks := []research.Task{
		{ID: "t-1", ConversationID: "conv-1", Title: "Measure the nook", SourceRunID: "run-1", CreatedAt: now},
		{ID: "t-2", ConversationID: "conv-1", Title: "Visit a showroom", SourceRunID: "run-1", SourceFindingID: "f-1", CreatedAt: now.Add(time.Second)},
	}
	if err := s.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	stored, err := s.ListTasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(stored) != 2 || stored[1].SourceFindingID != "f-1" {
		t.Fatalf("unexpected tasks %+v", stored)
	}
}

func TestReplaceFindingsSwapsOneSubQuestion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := planningRun("run-replace")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	finding := func(id string, index int, claim string) research.Finding {
		return research.Finding{
			ID: id, RunID: run.ID, SubQuestionIndex: index, SubQuestion: "How wide?",
			Claim: claim, Status: research.FindingPartial, CreatedAt: run.CreatedAt,
		}
	}
	if err := s.ReplaceFindings(ctx, run.ID, 0, []research.Finding{finding("a-0", 0, "first"), finding("a-1", 0, "second")}); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if err := s.InsertFinding(ctx, finding("b-0", 1, "other question")); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	if err := s.ReplaceFindings(ctx, run.ID, 0, []research.Finding{finding("a-0", 0, "fallback")}); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	findings, err := s.ListFindings(ctx, run.ID)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected two findings, got %+v", findings)
	}
	if findings[0].ID != "a-0" || findings[0].Claim != "fallback" || findings[1].ID != "b-0" {
		t.Fatalf("unexpected findings after replace: %+v", findings)
	}

	if err := s.ReplaceFindings(ctx, run.ID, 0, []research.Finding{finding("c-0", 2, "wrong question")}); err == nil {
		t.Fatalf("expected error for a finding from another sub-question")
	}
	findings, _ = s.ListFindings(ctx, run.ID)
	if len(findings) != 2 {
		t.Fatalf("expected rejected replace to leave findings untouched, got %+v", findings)
	}
}
