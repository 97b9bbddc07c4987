package research

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same conflict semantics as the
// SQL store.
type memStore struct {
	mu       sync.Mutex
	runs     map[string]Run
	sources  map[string][]Source
	findings map[string][]Finding
	reports  map[string]Report
	events   map[string][]RunEvent
	messages []ConversationMessage
	tasks    []Task

	failEvents bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:     make(map[string]Run),
		sources:  make(map[string][]Source),
		findings: make(map[string][]Finding),
		reports:  make(map[string]Report),
		events:   make(map[string][]RunEvent),
	}
}

func (m *memStore) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (m *memStore) ListRunsByConversation(_ context.Context, conversationID string, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0)
	for _, run := range m.runs {
		if run.ConversationID == conversationID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListRunsByStatus(_ context.Context, status RunStatus) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0)
	for _, run := range m.runs {
		if run.Status == status {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *memStore) MarkRunning(_ context.Context, runID string, plan Plan, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status != RunStatusPlanning {
		return false, nil
	}
	run.Status = RunStatusRunning
	run.Plan = &plan
	run.StartedAt = &startedAt
	run.UpdatedAt = startedAt
	m.runs[runID] = run
	return true, nil
}

func (m *memStore) UpdateMetrics(_ context.Context, runID string, metrics RunMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Metrics = metrics
	m.runs[runID] = run
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, status RunStatus, quality *float64, metrics RunMetrics, errText string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if run.Status.Terminal() {
		return false, nil
	}
	run.Status = status
	run.QualityScore = quality
	run.Metrics = metrics
	run.Error = errText
	run.UpdatedAt = at
	run.CompletedAt = &at
	m.runs[runID] = run
	return true, nil
}

func (m *memStore) InsertSource(_ context.Context, source Source) (Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sources[source.RunID] {
		if existing.URL == source.URL {
			return existing, false, nil
		}
	}
	m.sources[source.RunID] = append(m.sources[source.RunID], source)
	return source, true, nil
}

func (m *memStore) ListSources(_ context.Context, runID string) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Source(nil), m.sources[runID]...), nil
}

func (m *memStore) InsertFinding(_ context.Context, finding Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.findings[finding.RunID] {
		if existing.ID == finding.ID {
			return nil
		}
	}
	m.findings[finding.RunID] = append(m.findings[finding.RunID], finding)
	return nil
}

func (m *memStore) ReplaceFindings(_ context.Context, runID string, subQuestionIndex int, findings []Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]Finding, 0, len(m.findings[runID])+len(findings))
	for _, existing := range m.findings[runID] {
		if existing.SubQuestionIndex != subQuestionIndex {
			kept = append(kept, existing)
		}
	}
	m.findings[runID] = append(kept, findings...)
	return nil
}

func (m *memStore) ListFindings(_ context.Context, runID string) ([]Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Finding(nil), m.findings[runID]...), nil
}

func (m *memStore) UpsertReport(_ context.Context, report Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.RunID] = report
	return nil
}

func (m *memStore) GetReport(_ context.Context, runID string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[runID]
	if !ok {
		return nil, nil
	}
	report.ActionItems = append([]ActionItem(nil), report.ActionItems...)
	return &report, nil
}

func (m *memStore) AppendEvent(_ context.Context, event RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEvents {
		return errEventStoreDown
	}
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, runID string, limit int) ([]RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[runID]
	out := make([]RunEvent, 0, len(events))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

func (m *memStore) HasResearchMessage(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, message := range m.messages {
		if message.ResearchRunID == runID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AppendResearchMessage(_ context.Context, message ConversationMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.ResearchRunID == message.ResearchRunID {
			return false, nil
		}
	}
	m.messages = append(m.messages, message)
	return true, nil
}

func (m *memStore) CreateTasks(_ context.Context, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, tasks...)
	return nil
}

func (m *memStore) eventsFor(runID string) []RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunEvent(nil), m.events[runID]...)
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errEventStoreDown = storeError("event store unavailable")
