package research

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRunNotFound          = errors.New("research run not found")
	ErrInvalidEffort        = errors.New("effort must be quick, standard, or deep")
	ErrEmptyQuery           = errors.New("query is required")
	ErrConversationRequired = errors.New("conversationId is required")
	ErrPlanMissing          = errors.New("research run has no plan")
	ErrRunNotPending        = errors.New("research run is not in a startable state")
	ErrNothingToTrack       = errors.New("no findings or action items selected")
)

type Effort string

const (
	EffortQuick    Effort = "quick"
	EffortStandard Effort = "standard"
	EffortDeep     Effort = "deep"
)

func ParseEffort(raw string) (Effort, error) {
	switch Effort(raw) {
	case EffortQuick, EffortStandard, EffortDeep:
		return Effort(raw), nil
	case "":
		return EffortStandard, nil
	default:
		return "", ErrInvalidEffort
	}
}

type RunStatus string

const (
	RunStatusPlanning              RunStatus = "planning"
	RunStatusRunning               RunStatus = "running"
	RunStatusCompleted             RunStatus = "completed"
	RunStatusCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunStatusFailed                RunStatus = "failed"
	RunStatusCanceled              RunStatus = "canceled"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithWarnings, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

type EventStage string

const (
	StagePlanning        EventStage = "planning"
	StageSearch          EventStage = "search"
	StageSourceSelection EventStage = "source-selection"
	StageEvidence        EventStage = "evidence"
	StageSynthesis       EventStage = "synthesis"
	StageQualityCheck    EventStage = "quality-check"
	StagePresentation    EventStage = "presentation"
	StageRun             EventStage = "run"
)

type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventProgress  EventStatus = "progress"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventInfo      EventStatus = "info"
)

type FindingStatus string

const (
	FindingPartial    FindingStatus = "partial"
	FindingSufficient FindingStatus = "sufficient"
	FindingConflicted FindingStatus = "conflicted"
	FindingUnknown    FindingStatus = "unknown"
)

type StopCriteria struct {
	ConfidenceTarget         float64 `json:"confidenceTarget"`
	DiminishingReturnsDelta  float64 `json:"diminishingReturnsDelta"`
	DiminishingReturnsWindow int     `json:"diminishingReturnsWindow"`
}

type Plan struct {
	Objective       string       `json:"objective"`
	SubQuestions    []string     `json:"subQuestions"`
	Assumptions     []string     `json:"assumptions"`
	OutputFormat    string       `json:"outputFormat"`
	EffortRationale string       `json:"effortRationale,omitempty"`
	StopCriteria    StopCriteria `json:"stopCriteria"`
}

type RunMetrics struct {
	SubQuestionsTotal     int      `json:"subQuestionsTotal"`
	SubQuestionsCompleted int      `json:"subQuestionsCompleted"`
	Steps                 int      `json:"steps"`
	Sources               int      `json:"sources"`
	Findings              int      `json:"findings"`
	Warnings              []string `json:"warnings,omitempty"`
	QualityWarnings       []string `json:"qualityWarnings,omitempty"`
	DurationMS            int64    `json:"durationMs,omitempty"`
	StaleSuccessorRunID   string   `json:"staleSuccessorRunId,omitempty"`
}

type Run struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	HouseholdID    string     `json:"householdId,omitempty"`
	Query          string     `json:"query"`
	Effort         Effort     `json:"effort"`
	RecencyDays    *int       `json:"recencyDays,omitempty"`
	Plan           *Plan      `json:"plan,omitempty"`
	Status         RunStatus  `json:"status"`
	QualityScore   *float64   `json:"qualityScore"`
	Metrics        RunMetrics `json:"metrics"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

func (r Run) recencyDays() int {
	if r.RecencyDays == nil {
		return 0
	}
	return *r.RecencyDays
}

type SourceMetadata struct {
	Provider     string  `json:"provider"`
	SearchQuery  string  `json:"searchQuery"`
	RetryIndex   int     `json:"retryIndex"`
	QualityScore float64 `json:"qualityScore"`
	SubQuestion  int     `json:"subQuestionIndex"`
}

type Source struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	URL         string         `json:"url"`
	Title       string         `json:"title"`
	Domain      string         `json:"domain"`
	Snippet     string         `json:"snippet"`
	PublishedAt string         `json:"publishedAt,omitempty"`
	RetrievedAt time.Time      `json:"retrievedAt"`
	Score       float64        `json:"score"`
	Metadata    SourceMetadata `json:"metadata"`
}

type EvidenceRef struct {
	SourceID  string  `json:"sourceId"`
	Excerpt   string  `json:"excerpt"`
	Relevance float64 `json:"relevance"`
	URL       string  `json:"url"`
	Title     string  `json:"title"`
}

type Finding struct {
	ID                  string        `json:"id"`
	RunID               string        `json:"runId"`
	SubQuestionIndex    int           `json:"subQuestionIndex"`
	SubQuestion         string        `json:"subQuestion"`
	Claim               string        `json:"claim"`
	Confidence          float64       `json:"confidence"`
	Status              FindingStatus `json:"status"`
	SupportingSourceIDs []string      `json:"supportingSourceIds"`
	Evidence            []EvidenceRef `json:"evidence"`
	Notes               string        `json:"notes,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
}

type ActionItem struct {
	Text   string `json:"text"`
	TaskID string `json:"taskId,omitempty"`
}

type PresentationBlock struct {
	Type  string   `json:"type"`
	Title string   `json:"title,omitempty"`
	Body  string   `json:"body,omitempty"`
	Items []string `json:"items,omitempty"`
}

type Presentation struct {
	Markdown string              `json:"markdown"`
	Blocks   []PresentationBlock `json:"blocks"`
}

type Report struct {
	RunID        string        `json:"runId"`
	Summary      string        `json:"summary"`
	Markdown     string        `json:"markdown"`
	ActionItems  []ActionItem  `json:"actionItems"`
	Presentation *Presentation `json:"presentation,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type RunEvent struct {
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	Stage       EventStage      `json:"stage"`
	Status      EventStatus     `json:"status"`
	SubQuestion string          `json:"subQuestion,omitempty"`
	Message     string          `json:"message"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type ConversationMessage struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	ResearchRunID  string
	CreatedAt      time.Time
}

type Task struct {
	ID              string    `json:"id"`
	HouseholdID     string    `json:"householdId,omitempty"`
	ConversationID  string    `json:"conversationId"`
	Title           string    `json:"title"`
	Notes           string    `json:"notes,omitempty"`
	SourceRunID     string    `json:"sourceRunId"`
	SourceFindingID string    `json:"sourceFindingId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RunStore persists runs and their child records. Implementations must make
// InsertSource and InsertFinding conflict-ignoring and UpsertReport idempotent.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]Run, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]Run, error)
	// MarkRunning moves a planning run to running; false means it was not planning.
	MarkRunning(ctx context.Context, runID string, plan Plan, startedAt time.Time) (bool, error)
	UpdateMetrics(ctx context.Context, runID string, metrics RunMetrics) error
	// FinishRun sets a terminal status only when the run is still non-terminal.
	FinishRun(ctx context.Context, runID string, status RunStatus, quality *float64, metrics RunMetrics, errText string, at time.Time) (bool, error)

	// InsertSource returns the stored row, which is the pre-existing one on a
	// (run, url) conflict, and whether this call inserted it.
	InsertSource(ctx context.Context, source Source) (Source, bool, error)
	ListSources(ctx context.Context, runID string) ([]Source, error)
	InsertFinding(ctx context.Context, finding Finding) error
	// ReplaceFindings atomically replaces every finding of one sub-question.
	ReplaceFindings(ctx context.Context, runID string, subQuestionIndex int, findings []Finding) error
	ListFindings(ctx context.Context, runID string) ([]Finding, error)
	UpsertReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, runID string) (*Report, error)

	AppendEvent(ctx context.Context, event RunEvent) error
	ListEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error)
}

// ConversationAppender adds chat messages keyed by research run for
// idempotent re-delivery.
type ConversationAppender interface {
	HasResearchMessage(ctx context.Context, runID string) (bool, error)
	AppendResearchMessage(ctx context.Context, message ConversationMessage) (bool, error)
}

type TaskSink interface {
	CreateTasks(ctx context.Context, tasks []Task) error
}

type Store interface {
	RunStore
	ConversationAppender
	TaskSink
}

// Reader fetches a document and returns best-effort extracted text.
type Reader interface {
	Read(ctx context.Context, rawURL string) (ReadResult, error)
}

type ReadResult struct {
	URL         string
	FinalURL    string
	Title       string
	ContentType string
	Text        string
	Snippet     string
	FetchStatus string
	FetchedAt   time.Time
	Truncated   bool
}

// Executor submits a run for durable execution under its run id.
type Executor interface {
	Submit(ctx context.Context, runID string) error
}

// ReportArchiver receives the final markdown report of a finished run.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, runID, markdown string) error
}
