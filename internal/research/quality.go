package research

import (
	"fmt"
)

const (
	lowConfidenceThreshold = 0.35
	qualityWarningPenalty  = 0.12
)

type QualityAssessment struct {
	Score                float64  `json:"score"`
	Warnings             []string `json:"warnings"`
	FallbackFindings     int      `json:"fallbackFindings"`
	LowConfidence        int      `json:"lowConfidenceFindings"`
	SourcedFindings      int      `json:"sourcedFindings"`
	CorroboratedFindings int      `json:"corroboratedFindings"`
	AnsweredSubQuestions int      `json:"answeredSubQuestions"`
}

// AssessQuality scores a finished run. The result is advisory and never
// blocks completion.
func AssessQuality(findings []Finding, sourceCount, subQuestionCount int, budget Budget) QualityAssessment {
	assessment := QualityAssessment{Warnings: []string{}}
	answered := make(map[int]struct{})
	for _, finding := range findings {
		if isFallbackFinding(finding) {
			assessment.FallbackFindings++
		}
		lowConfidence := finding.Status == FindingUnknown || finding.Confidence < lowConfidenceThreshold
		if lowConfidence {
			assessment.LowConfidence++
		}
		sources := len(finding.SupportingSourceIDs)
		if sources >= 1 {
			assessment.SourcedFindings++
		}
		if sources >= 2 {
			assessment.CorroboratedFindings++
		}
		if finding.Status != FindingUnknown && sources >= 1 {
			answered[finding.SubQuestionIndex] = struct{}{}
		}
	}
	assessment.AnsweredSubQuestions = len(answered)

	minSources := max(3, min(budget.MinSources, 6))
	if sourceCount < minSources {
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("Only %d sources were collected; at least %d are expected.", sourceCount, minSources))
	}
	minAnswered := max(2, (subQuestionCount+1)/2)
	if assessment.AnsweredSubQuestions < minAnswered {
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("Only %d of %d sub-questions were answered with sourced findings.", assessment.AnsweredSubQuestions, subQuestionCount))
	}
	if assessment.CorroboratedFindings == 0 && assessment.SourcedFindings > 0 {
		assessment.Warnings = append(assessment.Warnings,
			"No finding is corroborated by two or more sources.")
	}
	if assessment.FallbackFindings > 0 {
		assessment.Warnings = append(assessment.Warnings,
			fmt.Sprintf("%d findings used fallback synthesis without a model.", assessment.FallbackFindings))
	}
	if assessment.LowConfidence*2 > len(findings) {
		assessment.Warnings = append(assessment.Warnings,
			"More than half of the findings are unknown or low confidence.")
	}

	coverageRatio := 0.0
	if subQuestionCount > 0 {
		coverageRatio = float64(assessment.AnsweredSubQuestions) / float64(subQuestionCount)
	}
	corroborationRatio := 0.0
	unknownRatio := 1.0
	if len(findings) > 0 {
		corroborationRatio = float64(assessment.CorroboratedFindings) / float64(len(findings))
		unknownRatio = float64(assessment.LowConfidence) / float64(len(findings))
	}
	sourceRatio := 1.0
	if budget.MinSources > 0 {
		sourceRatio = min(1, float64(sourceCount)/float64(budget.MinSources))
	}

	score := 0.45*coverageRatio +
		0.25*corroborationRatio +
		0.20*(1-unknownRatio) +
		0.10*sourceRatio -
		min(1, float64(len(assessment.Warnings))*qualityWarningPenalty)
	assessment.Score = clampScore(score)
	return assessment
}
