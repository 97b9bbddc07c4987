package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

const (
	selectionCountPerAttempt = 5
	readsPerAttempt          = 3
	maxQueryVariantRunes     = 180
	queryKeywordAugment      = 3
	confidenceRelevanceScale = 0.75
	domainDiversityBonus     = 0.05
	maxDiversityBonus        = 0.2
)

const runtimeBudgetWarning = "The run's time budget was reached before every sub-question was fully explored."

type StopReason string

const (
	StopConfidenceReached  StopReason = "confidence_target"
	StopDiminishingReturns StopReason = "diminishing_returns"
	StopAttemptsExhausted  StopReason = "attempts_exhausted"
	StopStepBudget         StopReason = "step_budget"
	StopRuntimeBudget      StopReason = "runtime_budget"
	StopCanceled           StopReason = "canceled"
)

var queryVariantSuffixes = []string{
	"expert guidance",
	"reviews comparison",
	"official data",
	"common problems",
}

// SubQuestionSummary is what one worker reports back to the run.
type SubQuestionSummary struct {
	Index        int
	SubQuestion  string
	Steps        int
	Sources      int
	Findings     int
	Confidence   float64
	StopReason   StopReason
	Unknowns     []string
	Actions      []string
	Warnings     []string
	UsedFallback bool
}

type subQuestionTask struct {
	Run      Run
	Plan     Plan
	Budget   Budget
	Index    int
	Question string
}

// runState is shared by every worker of one run.
type runState struct {
	startedAt time.Time
	seen      *seenSet
	steps     atomic.Int64
	sources   atomic.Int64
}

type subQuestionWorker struct {
	store     RunStore
	search    *SearchRegistry
	reader    Reader
	responder PromptResponder
	trusted   []string
	logger    *zap.Logger
	events    eventRecorder
	now       func() time.Time
}

func (w subQuestionWorker) run(ctx context.Context, state *runState, task subQuestionTask) SubQuestionSummary {
	logger := w.logger.With(
		zap.String("run_id", task.Run.ID),
		zap.Int("sub_question_index", task.Index),
	)
	summary := SubQuestionSummary{
		Index:       task.Index,
		SubQuestion: task.Question,
		StopReason:  StopAttemptsExhausted,
	}

	localSeen := make(map[string]struct{})
	evidence := make([]EvidenceBlock, 0, 8)
	history := make([]float64, 0, task.Budget.MaxRequeriesPerSubQuestion+1)
	confidence := 0.0
	criteria := task.Plan.StopCriteria

	attempts := task.Budget.MaxRequeriesPerSubQuestion + 1
	for retry := 0; retry < attempts; retry++ {
		if err := ctx.Err(); err != nil {
			summary.StopReason = StopCanceled
			if errors.Is(err, context.DeadlineExceeded) {
				summary.StopReason = StopRuntimeBudget
				summary.Warnings = appendUniqueWarning(summary.Warnings, runtimeBudgetWarning)
			}
			break
		}
		if state.steps.Load() >= int64(task.Budget.MaxSteps) {
			summary.StopReason = StopStepBudget
			summary.Warnings = appendUniqueWarning(summary.Warnings, "The run's step budget was reached before every sub-question was fully explored.")
			break
		}
		if time.Since(state.startedAt) > task.Budget.MaxRuntime {
			summary.StopReason = StopRuntimeBudget
			summary.Warnings = appendUniqueWarning(summary.Warnings, runtimeBudgetWarning)
			break
		}

		query := buildQueryVariant(task.Question, task.Run.Query, retry)
		w.events.record(ctx, task.Run.ID, StageSearch, EventStarted, task.Question,
			fmt.Sprintf("Searching (attempt %d of %d)", retry+1, attempts),
			map[string]any{"query": query, "retryIndex": retry, "providers": describeProviders(w.search.Rotated(task.Index + retry))})

		candidates := w.search.Search(ctx, SearchRequest{
			Query:       query,
			RecencyDays: task.Run.recencyDays(),
			Limit:       task.Budget.searchLimit(),
		}, task.Index, retry)

		seen := state.seen.snapshot()
		for key := range localSeen {
			seen[key] = struct{}{}
		}
		selected := SelectSearchResults(SelectionInput{
			Candidates:     candidates,
			Seen:           seen,
			Query:          task.Run.Query,
			SubQuestion:    task.Question,
			Count:          selectionCountPerAttempt,
			TrustedDomains: w.trusted,
		})

		urls := make([]string, 0, len(selected))
		for _, candidate := range selected {
			urls = append(urls, candidate.URL)
		}
		claimed := state.seen.claim(urls)
		for _, raw := range urls {
			localSeen[canonicalOrRawURL(raw)] = struct{}{}
		}
		fresh := filterClaimed(selected, claimed)

		summary.Steps++
		state.steps.Add(1)

		if len(fresh) == 0 {
			w.events.record(ctx, task.Run.ID, StageSourceSelection, EventInfo, task.Question,
				"No fresh sources found for this attempt",
				map[string]any{"retryIndex": retry, "candidates": len(candidates)})
			continue
		}

		w.events.record(ctx, task.Run.ID, StageSourceSelection, EventCompleted, task.Question,
			fmt.Sprintf("Selected %d of %d candidates", len(fresh), len(candidates)),
			map[string]any{"retryIndex": retry, "selected": urls})

		stored := w.persistSources(ctx, logger, state, task, query, retry, fresh)
		summary.Sources += len(stored)

		// stored includes rows kept from an earlier execution of this run, so a
		// resumed run rebuilds its evidence from them.
		blocks := w.readEvidence(ctx, logger, task.Question, stored)
		evidence = append(evidence, blocks...)

		confidence = nextConfidence(confidence, evidence)
		history = append(history, confidence)
		w.events.record(ctx, task.Run.ID, StageEvidence, EventProgress, task.Question,
			fmt.Sprintf("Collected %d evidence blocks", len(evidence)),
			map[string]any{"retryIndex": retry, "confidence": confidence, "newBlocks": len(blocks)})

		if confidence >= criteria.ConfidenceTarget && state.sources.Load() >= int64(task.Budget.stopMinSources()) {
			summary.StopReason = StopConfidenceReached
			break
		}
		if diminishingReturns(history, criteria.DiminishingReturnsWindow, criteria.DiminishingReturnsDelta) {
			summary.StopReason = StopDiminishingReturns
			break
		}
	}

	summary.Confidence = confidence
	metrics.SubQuestionSteps.Observe(float64(summary.Steps))
	w.events.record(ctx, task.Run.ID, StageEvidence, EventCompleted, task.Question,
		fmt.Sprintf("Stopped searching: %s", summary.StopReason),
		map[string]any{"stopReason": summary.StopReason, "steps": summary.Steps, "confidence": confidence})

	w.events.record(ctx, task.Run.ID, StageSynthesis, EventStarted, task.Question, "Synthesizing findings", nil)
	result := synthesizeSubQuestion(ctx, w.responder, logger, synthesisInput{
		RunID:            task.Run.ID,
		Objective:        task.Plan.Objective,
		SubQuestionIndex: task.Index,
		SubQuestion:      task.Question,
		Evidence:         evidence,
		Now:              w.now(),
	})
	if err := w.store.ReplaceFindings(context.WithoutCancel(ctx), task.Run.ID, task.Index, result.Findings); err != nil {
		logger.Warn("save findings failed", zap.Int("findings", len(result.Findings)), zap.Error(err))
		summary.Warnings = appendUniqueWarning(summary.Warnings, "Some findings could not be saved.")
	} else {
		summary.Findings = len(result.Findings)
	}
	summary.Unknowns = result.Unknowns
	summary.Actions = result.Actions
	summary.UsedFallback = result.UsedFallback
	if result.UsedFallback {
		summary.Warnings = appendUniqueWarning(summary.Warnings, "Fallback synthesis was used for at least one sub-question.")
	}
	w.events.record(ctx, task.Run.ID, StageSynthesis, EventCompleted, task.Question,
		fmt.Sprintf("Recorded %d findings", summary.Findings),
		map[string]any{"findings": summary.Findings, "fallback": result.UsedFallback})

	logger.Info("sub-question finished",
		zap.String("stop_reason", string(summary.StopReason)),
		zap.Int("steps", summary.Steps),
		zap.Int("sources", summary.Sources),
		zap.Int("findings", summary.Findings),
		zap.Float64("confidence", confidence),
	)
	return summary
}

func (w subQuestionWorker) persistSources(ctx context.Context, logger *zap.Logger, state *runState, task subQuestionTask, query string, retry int, fresh []ScoredCandidate) []Source {
	stored := make([]Source, 0, len(fresh))
	for _, candidate := range fresh {
		source, inserted, err := w.store.InsertSource(ctx, Source{
			ID:          uuid.NewString(),
			RunID:       task.Run.ID,
			URL:         strings.TrimSpace(candidate.URL),
			Title:       candidate.Title,
			Domain:      candidate.Domain,
			Snippet:     candidate.Snippet,
			PublishedAt: candidate.PublishedAt,
			RetrievedAt: w.now(),
			Score:       candidate.QualityScore,
			Metadata: SourceMetadata{
				Provider:     candidate.Provider,
				SearchQuery:  query,
				RetryIndex:   retry,
				QualityScore: candidate.QualityScore,
				SubQuestion:  task.Index,
			},
		})
		if err != nil {
			logger.Warn("insert source failed", zap.String("url", candidate.URL), zap.Error(err))
			continue
		}
		if inserted {
			state.sources.Add(1)
		}
		stored = append(stored, source)
	}
	return stored
}

func (w subQuestionWorker) readEvidence(ctx context.Context, logger *zap.Logger, question string, sources []Source) []EvidenceBlock {
	blocks := make([]EvidenceBlock, 0, readsPerAttempt)
	for i, source := range sources {
		if i >= readsPerAttempt {
			break
		}
		text := ""
		if w.reader != nil {
			result, err := w.reader.Read(ctx, source.URL)
			if err != nil {
				logger.Debug("source read failed",
					zap.String("url", source.URL),
					zap.String("reason", classifyReadFailure(err, result)),
					zap.Error(err),
				)
			} else {
				text = result.Text
			}
		}
		if strings.TrimSpace(text) == "" {
			text = source.Snippet
		}

		excerpt, relevance := ExtractEvidence(text, question)
		if relevance < EvidenceRelevanceFloor {
			continue
		}
		blocks = append(blocks, EvidenceBlock{
			SourceID:  source.ID,
			URL:       source.URL,
			Title:     source.Title,
			Domain:    source.Domain,
			Snippet:   source.Snippet,
			Text:      trimToRunes(text, 4000),
			Excerpt:   excerpt,
			Relevance: relevance,
		})
	}
	return blocks
}

// nextConfidence never decreases and stays within [0, 0.95].
func nextConfidence(previous float64, evidence []EvidenceBlock) float64 {
	candidate := averageRelevance(evidence)*confidenceRelevanceScale +
		min(maxDiversityBonus, float64(distinctDomains(evidence))*domainDiversityBonus)
	return clampRange(max(previous, candidate), 0, maxConfidence)
}

// diminishingReturns reports whether the last max(2, window) confidence
// samples span less than delta.
func diminishingReturns(history []float64, window int, delta float64) bool {
	k := max(2, window)
	if len(history) < k {
		return false
	}
	recent := history[len(history)-k:]
	low, high := recent[0], recent[0]
	for _, value := range recent[1:] {
		low = min(low, value)
		high = max(high, value)
	}
	return high-low < delta
}

func buildQueryVariant(subQuestion, query string, retry int) string {
	base := strings.Join(strings.Fields(subQuestion), " ")
	if retry <= 0 {
		keywords := queryKeywords(query, base, queryKeywordAugment)
		if len(keywords) > 0 {
			base = base + " " + strings.Join(keywords, " ")
		}
		return trimToRunes(base, maxQueryVariantRunes)
	}
	suffix := queryVariantSuffixes[(retry-1)%len(queryVariantSuffixes)]
	trimmed := strings.TrimRight(base, " ?.!")
	return trimToRunes(trimmed+" "+suffix, maxQueryVariantRunes)
}

// queryKeywords returns up to limit terms of query, in order, that the
// sub-question does not already contain.
func queryKeywords(query, subQuestion string, limit int) []string {
	existing := tokenSet(subQuestion)
	out := make([]string, 0, limit)
	seen := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(query)) {
		token := strings.Trim(field, ".,!?;:\"'()[]")
		if len(token) < 3 {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		if _, ok := existing[token]; ok {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func filterClaimed(selected []ScoredCandidate, claimed []string) []ScoredCandidate {
	keep := make(map[string]struct{}, len(claimed))
	for _, raw := range claimed {
		keep[raw] = struct{}{}
	}
	out := make([]ScoredCandidate, 0, len(claimed))
	for _, candidate := range selected {
		if _, ok := keep[candidate.URL]; ok {
			out = append(out, candidate)
		}
	}
	return out
}
