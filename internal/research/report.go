package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"household/backend/internal/metrics"
)

const (
	digestFindings     = 5
	digestUnknowns     = 3
	digestActions      = 3
	digestSources      = 5
	digestExcerptRunes = 220
)

type reportInput struct {
	Run      Run
	Findings []Finding
	Sources  []Source
	Unknowns []string
	Actions  []string
	Quality  QualityAssessment
	Now      time.Time
}

type reportPayload struct {
	Summary   string `json:"summary"`
	Narrative string `json:"narrative"`
}

func buildReport(ctx context.Context, responder PromptResponder, logger *zap.Logger, in reportInput) Report {
	summary, narrative, err := generateReportText(ctx, responder, in)
	if err != nil {
		metrics.ModelFallbacks.WithLabelValues("report").Inc()
		logger.Info("report fallback used", zap.String("run_id", in.Run.ID), zap.Error(err))
		summary = fallbackSummary(in)
		narrative = ""
	}

	actions := dedupeStrings(in.Actions)
	items := make([]ActionItem, 0, len(actions))
	for _, action := range actions {
		items = append(items, ActionItem{Text: action})
	}

	return Report{
		RunID:       in.Run.ID,
		Summary:     summary,
		Markdown:    renderReportMarkdown(in, summary, narrative, items),
		ActionItems: items,
		CreatedAt:   in.Now,
		UpdatedAt:   in.Now,
	}
}

func generateReportText(ctx context.Context, responder PromptResponder, in reportInput) (string, string, error) {
	if responder == nil {
		return "", "", errors.New("report model is not configured")
	}
	raw, err := responder.Respond(ctx, buildReportPrompt(in.Run, in.Findings, in.Sources, in.Quality.Warnings))
	if err != nil {
		return "", "", err
	}
	jsonRaw := extractJSONBlock(raw)
	if jsonRaw == "" {
		return "", "", errors.New("report response did not include json")
	}
	var payload reportPayload
	decoder := json.NewDecoder(strings.NewReader(jsonRaw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return "", "", fmt.Errorf("decode report: %w", err)
	}
	summary := strings.TrimSpace(payload.Summary)
	if summary == "" {
		return "", "", errors.New("report summary is empty")
	}
	return summary, strings.TrimSpace(payload.Narrative), nil
}

func fallbackSummary(in reportInput) string {
	subQuestions := 0
	if in.Run.Plan != nil {
		subQuestions = len(in.Run.Plan.SubQuestions)
	}
	summary := fmt.Sprintf("Researched %d sub-questions using %d sources and recorded %d findings, %d of them answered with sources.",
		subQuestions, len(in.Sources), len(in.Findings), in.Quality.SourcedFindings)
	if len(in.Quality.Warnings) > 0 {
		summary += " Treat the results with care: the quality check raised warnings."
	}
	return summary
}

func renderReportMarkdown(in reportInput, summary, narrative string, actions []ActionItem) string {
	citation := make(map[string]int, len(in.Sources))
	for i, source := range in.Sources {
		citation[source.ID] = i + 1
	}

	var b strings.Builder
	b.WriteString("# Research report: ")
	b.WriteString(strings.TrimSpace(in.Run.Query))
	b.WriteString("\n\n## Summary\n\n")
	b.WriteString(summary)
	b.WriteString("\n")

	b.WriteString("\n## Findings\n")
	for _, group := range groupFindings(in.Findings) {
		b.WriteString("\n### ")
		b.WriteString(group[0].SubQuestion)
		b.WriteString("\n\n")
		for _, finding := range group {
			b.WriteString(fmt.Sprintf("- %s (confidence %.2f, %s)", strings.TrimSpace(finding.Claim), finding.Confidence, finding.Status))
			for _, id := range finding.SupportingSourceIDs {
				if n, ok := citation[id]; ok {
					b.WriteString(fmt.Sprintf(" [%d]", n))
				}
			}
			b.WriteString("\n")
		}
	}

	if unknowns := dedupeStrings(in.Unknowns); len(unknowns) > 0 {
		b.WriteString("\n## Open questions\n\n")
		for _, unknown := range unknowns {
			b.WriteString("- ")
			b.WriteString(unknown)
			b.WriteString("\n")
		}
	}

	if len(actions) > 0 {
		b.WriteString("\n## Recommended actions\n\n")
		for i, action := range actions {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, action.Text))
		}
	}

	if len(in.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for i, source := range in.Sources {
			b.WriteString(fmt.Sprintf("%d. [%s](%s)", i+1, sourceLabel(source), source.URL))
			if source.Domain != "" {
				b.WriteString(" - ")
				b.WriteString(source.Domain)
			}
			b.WriteString("\n")
		}
	}

	if len(in.Quality.Warnings) > 0 {
		b.WriteString("\n## Quality warnings\n\n")
		for _, warning := range in.Quality.Warnings {
			b.WriteString("- ")
			b.WriteString(warning)
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("\nQuality score: %.2f\n", in.Quality.Score))
	}

	if narrative != "" {
		b.WriteString("\n## Narrative\n\n")
		b.WriteString(narrative)
		b.WriteString("\n")
	}
	return b.String()
}

// groupFindings orders findings by sub-question index and keeps their
// original order within each group.
func groupFindings(findings []Finding) [][]Finding {
	byIndex := make(map[int][]Finding)
	indexes := make([]int, 0)
	for _, finding := range findings {
		if _, ok := byIndex[finding.SubQuestionIndex]; !ok {
			indexes = append(indexes, finding.SubQuestionIndex)
		}
		byIndex[finding.SubQuestionIndex] = append(byIndex[finding.SubQuestionIndex], finding)
	}
	sort.Ints(indexes)
	out := make([][]Finding, 0, len(indexes))
	for _, index := range indexes {
		out = append(out, byIndex[index])
	}
	return out
}

type presentationPayload struct {
	Markdown string              `json:"markdown"`
	Blocks   []PresentationBlock `json:"blocks"`
}

// buildPresentation returns nil when no usable presentation could be generated.
func buildPresentation(ctx context.Context, responder PromptResponder, logger *zap.Logger, run Run, report Report, findings []Finding) *Presentation {
	if responder == nil {
		metrics.ModelFallbacks.WithLabelValues(string(StagePresentation)).Inc()
		return nil
	}
	raw, err := responder.Respond(ctx, buildPresentationPrompt(run, report, findings))
	if err == nil {
		var presentation *Presentation
		presentation, err = parsePresentation(raw)
		if err == nil {
			return presentation
		}
	}
	metrics.ModelFallbacks.WithLabelValues(string(StagePresentation)).Inc()
	logger.Info("presentation fallback used", zap.String("run_id", run.ID), zap.Error(err))
	return nil
}

func parsePresentation(raw string) (*Presentation, error) {
	jsonRaw := extractJSONBlock(raw)
	if jsonRaw == "" {
		return nil, errors.New("presentation response did not include json")
	}
	var payload presentationPayload
	if err := json.Unmarshal([]byte(jsonRaw), &payload); err != nil {
		return nil, fmt.Errorf("decode presentation: %w", err)
	}
	markdown := strings.TrimSpace(payload.Markdown)
	if markdown == "" {
		return nil, errors.New("presentation markdown is empty")
	}
	blocks := make([]PresentationBlock, 0, len(payload.Blocks))
	for _, block := range payload.Blocks {
		block.Type = strings.TrimSpace(block.Type)
		if block.Type == "" {
			continue
		}
		block.Items = dedupeStrings(block.Items)
		blocks = append(blocks, block)
	}
	return &Presentation{Markdown: markdown, Blocks: blocks}, nil
}

// buildFallbackDigest is the chat message used when no presentation exists.
func buildFallbackDigest(report Report, findings []Finding, sources []Source, unknowns []string) string {
	byID := make(map[string]Source, len(sources))
	for _, source := range sources {
		byID[source.ID] = source
	}

	ranked := append([]Finding(nil), findings...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Confidence == ranked[j].Confidence {
			return ranked[i].SubQuestionIndex < ranked[j].SubQuestionIndex
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})

	var b strings.Builder
	b.WriteString("**Research complete.** ")
	b.WriteString(strings.TrimSpace(report.Summary))
	b.WriteString("\n")

	if len(ranked) > 0 {
		b.WriteString("\n**Top findings**\n\n")
		for i, finding := range ranked {
			if i >= digestFindings {
				break
			}
			b.WriteString(fmt.Sprintf("%d. %s (%.0f%% confidence)", i+1, strings.TrimSpace(finding.Claim), finding.Confidence*100))
			for _, id := range finding.SupportingSourceIDs {
				if source, ok := byID[id]; ok {
					b.WriteString(fmt.Sprintf(" [%s](%s)", sourceLabel(source), source.URL))
				}
			}
			b.WriteString("\n")
			if len(finding.Evidence) > 0 {
				if excerpt := strings.TrimSpace(finding.Evidence[0].Excerpt); excerpt != "" {
					b.WriteString("   > ")
					b.WriteString(trimToRunes(excerpt, digestExcerptRunes))
					b.WriteString("\n")
				}
			}
		}
	}

	if trimmed := dedupeStrings(unknowns); len(trimmed) > 0 {
		b.WriteString("\n**Still unknown**\n\n")
		for i, unknown := range trimmed {
			if i >= digestUnknowns {
				break
			}
			b.WriteString("- ")
			b.WriteString(unknown)
			b.WriteString("\n")
		}
	}

	if len(report.ActionItems) > 0 {
		b.WriteString("\n**Next steps**\n\n")
		for i, item := range report.ActionItems {
			if i >= digestActions {
				break
			}
			b.WriteString("- ")
			b.WriteString(item.Text)
			b.WriteString("\n")
		}
	}

	if len(sources) > 0 {
		b.WriteString("\n**Sources**\n\n")
		for i, source := range sortedSources(sources) {
			if i >= digestSources {
				break
			}
			b.WriteString(fmt.Sprintf("- [%s](%s)\n", sourceLabel(source), source.URL))
		}
	}
	return strings.TrimSpace(b.String())
}

func sortedSources(sources []Source) []Source {
	out := append([]Source(nil), sources...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].URL < out[j].URL
		}
		return out[i].Score > out[j].Score
	})
	return out
}

func sourceLabel(source Source) string {
	label := strings.TrimSpace(source.Title)
	if label == "" {
		label = source.Domain
	}
	if label == "" {
		label = source.URL
	}
	return strings.NewReplacer("[", "(", "]", ")").Replace(trimToRunes(label, 120))
}
