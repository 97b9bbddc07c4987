package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

const (
	// FallbackSynthesisMarker tags findings built without a model.
	FallbackSynthesisMarker    = "[fallback-synthesis]"
	insufficientEvidenceMarker = "[insufficient-evidence]"
	synthesisAttempts          = 2
	insufficientEvidenceScore  = 0.1
	sufficientConfidence       = 0.75
	maxConfidence              = 0.95
	fallbackClaimExcerptRunes  = 360
	maxFindingsPerSubQuestion  = 4
)

var findingNamespace = uuid.MustParse("6f1c8a52-3d7e-4b8e-9a51-2c4d7e9f0b13")

// findingID is stable for a run, sub-question, and ordinal so that a
// restarted run writes the same rows.
func findingID(runID string, subQuestionIndex, ordinal int) string {
	return uuid.NewSHA1(findingNamespace, []byte(fmt.Sprintf("%s:%d:%d", runID, subQuestionIndex, ordinal))).String()
}

type synthesisInput struct {
	RunID            string
	Objective        string
	SubQuestionIndex int
	SubQuestion      string
	Evidence         []EvidenceBlock
	Now              time.Time
}

type synthesisResult struct {
	Findings     []Finding
	Unknowns     []string
	Actions      []string
	UsedFallback bool
}

type synthesisPayload struct {
	Findings         []synthesizedFinding `json:"findings"`
	Unknowns         []string             `json:"unknowns"`
	SuggestedActions []string             `json:"suggestedActions"`
}

type synthesizedFinding struct {
	Claim               string        `json:"claim"`
	Confidence          float64       `json:"confidence"`
	SupportingSourceIDs []string      `json:"supportingSourceIds"`
	Status              FindingStatus `json:"status"`
	Notes               string        `json:"notes"`
}

func synthesizeSubQuestion(ctx context.Context, responder PromptResponder, logger *zap.Logger, input synthesisInput) synthesisResult {
	if len(input.Evidence) == 0 {
		return insufficientEvidence(input)
	}

	ranked := rankEvidence(input.Evidence)
	if responder != nil {
		prompt := buildSynthesisPrompt(input.Objective, input.SubQuestion, ranked)
		var lastErr error
		for attempt := 1; attempt <= synthesisAttempts; attempt++ {
			raw, err := responder.Respond(ctx, prompt)
			if err == nil {
				result, parseErr := parseSynthesis(raw, input, ranked)
				if parseErr == nil {
					return result
				}
				err = parseErr
			}
			lastErr = err
			logger.Warn("sub-question synthesis attempt failed",
				zap.String("run_id", input.RunID),
				zap.Int("sub_question_index", input.SubQuestionIndex),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		logger.Info("sub-question synthesis fallback used",
			zap.String("run_id", input.RunID),
			zap.Int("sub_question_index", input.SubQuestionIndex),
			zap.Error(lastErr),
		)
	}

	metrics.ModelFallbacks.WithLabelValues(string(StageSynthesis)).Inc()
	return fallbackSynthesis(input, ranked)
}

func insufficientEvidence(input synthesisInput) synthesisResult {
	question := strings.TrimSpace(input.SubQuestion)
	return synthesisResult{
		Findings: []Finding{{
			ID:                  findingID(input.RunID, input.SubQuestionIndex, 0),
			RunID:               input.RunID,
			SubQuestionIndex:    input.SubQuestionIndex,
			SubQuestion:         question,
			Claim:               fmt.Sprintf("Insufficient evidence was found to answer: %s", question),
			Confidence:          insufficientEvidenceScore,
			Status:              FindingUnknown,
			SupportingSourceIDs: []string{},
			Evidence:            []EvidenceRef{},
			Notes:               insufficientEvidenceMarker + " No relevant sources were collected for this sub-question.",
			CreatedAt:           input.Now,
		}},
		Unknowns: []string{question},
		Actions:  []string{fmt.Sprintf("Look into this directly or refine the question: %s", question)},
	}
}

func fallbackSynthesis(input synthesisInput, ranked []EvidenceBlock) synthesisResult {
	top := ranked[0]
	confidence := clampRange(top.Relevance, 0, maxConfidence)
	status := FindingPartial
	if confidence >= sufficientConfidence {
		status = FindingSufficient
	}
	label := strings.TrimSpace(top.Title)
	if label == "" {
		label = top.Domain
	}
	claim := strings.TrimSpace(trimToRunes(top.Excerpt, fallbackClaimExcerptRunes))
	if label != "" {
		claim = fmt.Sprintf("%s reports: %s", label, claim)
	}

	return synthesisResult{
		Findings: []Finding{{
			ID:                  findingID(input.RunID, input.SubQuestionIndex, 0),
			RunID:               input.RunID,
			SubQuestionIndex:    input.SubQuestionIndex,
			SubQuestion:         strings.TrimSpace(input.SubQuestion),
			Claim:               claim,
			Confidence:          confidence,
			Status:              status,
			SupportingSourceIDs: []string{top.SourceID},
			Evidence:            []EvidenceRef{top.ref()},
			Notes:               FallbackSynthesisMarker + " Built from the most relevant excerpt because model synthesis was unavailable.",
			CreatedAt:           input.Now,
		}},
		Actions:      []string{fmt.Sprintf("Review %s for details before deciding", top.URL)},
		UsedFallback: true,
	}
}

func parseSynthesis(raw string, input synthesisInput, ranked []EvidenceBlock) (synthesisResult, error) {
	jsonRaw := extractJSONBlock(raw)
	if jsonRaw == "" {
		return synthesisResult{}, errors.New("synthesis response did not include json")
	}
	decoder := json.NewDecoder(strings.NewReader(jsonRaw))
	decoder.DisallowUnknownFields()

	var payload synthesisPayload
	if err := decoder.Decode(&payload); err != nil {
		return synthesisResult{}, fmt.Errorf("decode synthesis: %w", err)
	}

	bySource := make(map[string]EvidenceBlock, len(ranked))
	for _, block := range ranked {
		if _, ok := bySource[block.SourceID]; !ok {
			bySource[block.SourceID] = block
		}
	}

	findings := make([]Finding, 0, len(payload.Findings))
	for _, item := range payload.Findings {
		claim := strings.TrimSpace(item.Claim)
		if claim == "" {
			continue
		}
		sourceIDs := make([]string, 0, len(item.SupportingSourceIDs))
		evidence := make([]EvidenceRef, 0, len(item.SupportingSourceIDs))
		for _, id := range dedupeStrings(item.SupportingSourceIDs) {
			block, ok := bySource[id]
			if !ok {
				continue
			}
			sourceIDs = append(sourceIDs, id)
			evidence = append(evidence, block.ref())
		}
		status := item.Status
		switch status {
		case FindingPartial, FindingSufficient, FindingConflicted, FindingUnknown:
		default:
			status = FindingPartial
		}
		confidence := clampRange(item.Confidence, 0, maxConfidence)
		if len(sourceIDs) == 0 && status != FindingUnknown {
			status = FindingUnknown
			confidence = min(confidence, 0.3)
		}
		findings = append(findings, Finding{
			ID:                  findingID(input.RunID, input.SubQuestionIndex, len(findings)),
			RunID:               input.RunID,
			SubQuestionIndex:    input.SubQuestionIndex,
			SubQuestion:         strings.TrimSpace(input.SubQuestion),
			Claim:               claim,
			Confidence:          confidence,
			Status:              status,
			SupportingSourceIDs: sourceIDs,
			Evidence:            evidence,
			Notes:               strings.TrimSpace(item.Notes),
			CreatedAt:           input.Now,
		})
		if len(findings) >= maxFindingsPerSubQuestion {
			break
		}
	}
	if len(findings) == 0 {
		return synthesisResult{}, errors.New("synthesis returned no usable findings")
	}

	return synthesisResult{
		Findings: findings,
		Unknowns: dedupeStrings(payload.Unknowns),
		Actions:  dedupeStrings(payload.SuggestedActions),
	}, nil
}

func isFallbackFinding(finding Finding) bool {
	return strings.Contains(finding.Notes, FallbackSynthesisMarker)
}
