package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

const (
	minSubQuestions          = 3
	maxSubQuestions          = 8
	fallbackSubjectRunes     = 140
	defaultConfidenceTarget  = 0.75
	defaultDiminishingDelta  = 0.05
	defaultDiminishingWindow = 2
)

// PromptResponder returns the raw JSON text of a schema-constrained generation.
type PromptResponder interface {
	Respond(ctx context.Context, prompt StructuredPrompt) (string, error)
}

type PlannerStatus string

const (
	PlannerGenerated PlannerStatus = "generated"
	PlannerFallback  PlannerStatus = "fallback"
)

type PlanResult struct {
	Plan   Plan
	Status PlannerStatus
	Reason string
}

type Planner struct {
	responder PromptResponder
	logger    *zap.Logger
}

func NewPlanner(responder PromptResponder, logger *zap.Logger) Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Planner{responder: responder, logger: logger}
}

// Plan asks the model for a plan and falls back to a fixed template on any
// failure. The returned plan is always normalized.
func (p Planner) Plan(ctx context.Context, query string, effort Effort, recencyDays int) PlanResult {
	plan, err := p.fromResponder(ctx, query, effort, recencyDays)
	if err == nil {
		return PlanResult{Plan: normalizePlan(plan, query), Status: PlannerGenerated}
	}

	metrics.ModelFallbacks.WithLabelValues(string(StagePlanning)).Inc()
	p.logger.Info("planner fallback used", zap.String("stage", string(StagePlanning)), zap.Error(err))
	return PlanResult{
		Plan:   normalizePlan(FallbackPlan(query), query),
		Status: PlannerFallback,
		Reason: err.Error(),
	}
}

func (p Planner) fromResponder(ctx context.Context, query string, effort Effort, recencyDays int) (Plan, error) {
	if p.responder == nil {
		return Plan{}, errors.New("planner model is not configured")
	}
	raw, err := p.responder.Respond(ctx, buildPlanPrompt(query, effort, recencyDays))
	if err != nil {
		return Plan{}, fmt.Errorf("planner generation: %w", err)
	}
	return parsePlan(raw)
}

func parsePlan(raw string) (Plan, error) {
	jsonRaw := extractJSONBlock(raw)
	if jsonRaw == "" {
		return Plan{}, errors.New("planner response did not include json")
	}
	decoder := json.NewDecoder(strings.NewReader(jsonRaw))
	decoder.DisallowUnknownFields()

	var plan Plan
	if err := decoder.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if strings.TrimSpace(plan.Objective) == "" {
		return Plan{}, errors.New("plan objective is empty")
	}
	if len(plan.SubQuestions) == 0 {
		return Plan{}, errors.New("plan has no sub-questions")
	}
	return plan, nil
}

// FallbackPlan is the deterministic plan used when no model plan is available.
func FallbackPlan(query string) Plan {
	subject := fallbackSubject(query)
	return Plan{
		Objective:    fmt.Sprintf("Answer the household's question: %s", subject),
		SubQuestions: fallbackSubQuestions(query),
		Assumptions: []string{
			"The household wants practical, current guidance rather than exhaustive coverage.",
			"Publicly available web sources are sufficient to answer the question.",
		},
		OutputFormat:    "Executive summary, key findings with citations, open questions, and recommended next actions.",
		EffortRationale: "Generic plan used because a tailored plan could not be generated.",
		StopCriteria:    defaultStopCriteria(),
	}
}

func fallbackSubQuestions(query string) []string {
	subject := fallbackSubject(query)
	return []string{
		fmt.Sprintf("What are the key facts about %s?", subject),
		fmt.Sprintf("What do reputable sources recommend regarding %s?", subject),
		fmt.Sprintf("What costs, risks, or trade-offs apply to %s?", subject),
		fmt.Sprintf("What practical next steps follow for %s?", subject),
	}
}

func fallbackSubject(query string) string {
	subject := strings.Join(strings.Fields(query), " ")
	subject = strings.TrimRight(trimToRunes(subject, fallbackSubjectRunes), " ?.!")
	if subject == "" {
		return "the request"
	}
	return subject
}

func defaultStopCriteria() StopCriteria {
	return StopCriteria{
		ConfidenceTarget:         defaultConfidenceTarget,
		DiminishingReturnsDelta:  defaultDiminishingDelta,
		DiminishingReturnsWindow: defaultDiminishingWindow,
	}
}

// normalizePlan enforces 3 to 8 non-empty sub-questions and sane stop
// criteria on any plan.
func normalizePlan(plan Plan, query string) Plan {
	plan.Objective = strings.TrimSpace(plan.Objective)
	if plan.Objective == "" {
		plan.Objective = fmt.Sprintf("Answer the household's question: %s", fallbackSubject(query))
	}

	subQuestions := dedupeStrings(plan.SubQuestions)
	if len(subQuestions) > maxSubQuestions {
		subQuestions = subQuestions[:maxSubQuestions]
	}
	if len(subQuestions) < minSubQuestions {
		subQuestions = fallbackSubQuestions(query)
	}
	plan.SubQuestions = subQuestions

	plan.Assumptions = dedupeStrings(plan.Assumptions)
	if plan.Assumptions == nil {
		plan.Assumptions = []string{}
	}
	plan.OutputFormat = strings.TrimSpace(plan.OutputFormat)
	plan.EffortRationale = strings.TrimSpace(plan.EffortRationale)

	criteria := plan.StopCriteria
	if criteria.ConfidenceTarget <= 0 || criteria.ConfidenceTarget > 1 {
		criteria.ConfidenceTarget = defaultConfidenceTarget
	}
	if criteria.DiminishingReturnsDelta < 0 || criteria.DiminishingReturnsDelta > 1 {
		criteria.DiminishingReturnsDelta = defaultDiminishingDelta
	}
	if criteria.DiminishingReturnsWindow < 1 {
		criteria.DiminishingReturnsWindow = defaultDiminishingWindow
	}
	plan.StopCriteria = criteria
	return plan
}

func extractJSONBlock(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
		return value
	}
	start := strings.Index(value, "{")
	end := strings.LastIndex(value, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(value[start : end+1])
}

func appendUniqueWarning(warnings []string, warning string) []string {
	trimmed := strings.TrimSpace(warning)
	if trimmed == "" {
		return warnings
	}
	for _, existing := range warnings {
		if strings.EqualFold(strings.TrimSpace(existing), trimmed) {
			return warnings
		}
	}
	return append(warnings, trimmed)
}
