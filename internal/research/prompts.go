package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StructuredPrompt is one schema-constrained generation request.
type StructuredPrompt struct {
	Name   string
	System string
	User   string
	Schema json.RawMessage
}

var planSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["objective", "subQuestions", "assumptions", "outputFormat", "effortRationale", "stopCriteria"],
  "properties": {
    "objective": {"type": "string"},
    "subQuestions": {"type": "array", "minItems": 3, "maxItems": 8, "items": {"type": "string"}},
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "outputFormat": {"type": "string"},
    "effortRationale": {"type": "string"},
    "stopCriteria": {
      "type": "object",
      "additionalProperties": false,
      "required": ["confidenceTarget", "diminishingReturnsDelta", "diminishingReturnsWindow"],
      "properties": {
        "confidenceTarget": {"type": "number", "minimum": 0, "maximum": 1},
        "diminishingReturnsDelta": {"type": "number", "minimum": 0, "maximum": 1},
        "diminishingReturnsWindow": {"type": "integer", "minimum": 1}
      }
    }
  }
}`)

var synthesisSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["findings", "unknowns", "suggestedActions"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["claim", "confidence", "supportingSourceIds", "status", "notes"],
        "properties": {
          "claim": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "supportingSourceIds": {"type": "array", "items": {"type": "string"}},
          "status": {"type": "string", "enum": ["partial", "sufficient", "conflicted", "unknown"]},
          "notes": {"type": "string"}
        }
      }
    },
    "unknowns": {"type": "array", "items": {"type": "string"}},
    "suggestedActions": {"type": "array", "items": {"type": "string"}}
  }
}`)

var reportSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "narrative"],
  "properties": {
    "summary": {"type": "string"},
    "narrative": {"type": "string"}
  }
}`)

var presentationSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["markdown", "blocks"],
  "properties": {
    "markdown": {"type": "string"},
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["type", "title", "body", "items"],
        "properties": {
          "type": {"type": "string", "enum": ["summary", "findings", "comparison", "actions", "sources", "caveats"]},
          "title": {"type": "string"},
          "body": {"type": "string"},
          "items": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)

func buildPlanPrompt(query string, effort Effort, recencyDays int) StructuredPrompt {
	var b strings.Builder
	b.WriteString("Research request:\n")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Effort tier: %s\n", effort))
	if recencyDays > 0 {
		b.WriteString(fmt.Sprintf("Only sources from the last %d days are relevant.\n", recencyDays))
	}
	b.WriteString(fmt.Sprintf("Current UTC date: %s\n", time.Now().UTC().Format("2006-01-02")))
	return StructuredPrompt{
		Name: "research_plan",
		System: strings.Join([]string{
			"You plan household web research. Respond with JSON matching the schema only.",
			"Break the request into 3 to 8 specific, independently searchable sub-questions.",
			"State assumptions you are making about the household's situation.",
			"Choose a confidence target between 0.6 and 0.9 and a diminishing-returns delta between 0.02 and 0.1.",
		}, "\n"),
		User:   strings.TrimSpace(b.String()),
		Schema: planSchema,
	}
}

func buildSynthesisPrompt(objective, subQuestion string, blocks []EvidenceBlock) StructuredPrompt {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(strings.TrimSpace(objective))
	b.WriteString("\nSub-question: ")
	b.WriteString(strings.TrimSpace(subQuestion))
	b.WriteString("\n\nEvidence:\n")
	for i, block := range blocks {
		if i >= 8 {
			break
		}
		label := strings.TrimSpace(block.Title)
		if label == "" {
			label = block.URL
		}
		b.WriteString(fmt.Sprintf("- sourceId=%s | %s | %s | relevance=%.3f\n", block.SourceID, label, block.URL, block.Relevance))
		if snippet := strings.TrimSpace(block.Snippet); snippet != "" {
			b.WriteString("  snippet: ")
			b.WriteString(trimToRunes(snippet, 280))
			b.WriteString("\n")
		}
		if excerpt := strings.TrimSpace(block.Excerpt); excerpt != "" {
			b.WriteString("  excerpt: ")
			b.WriteString(trimToRunes(excerpt, 700))
			b.WriteString("\n")
		}
	}
	return StructuredPrompt{
		Name: "sub_question_findings",
		System: strings.Join([]string{
			"You synthesize findings for one research sub-question. Respond with JSON matching the schema only.",
			"Every claim must cite supportingSourceIds taken from the evidence list.",
			"Use status unknown when the evidence does not answer the sub-question, conflicted when sources disagree.",
			"List open unknowns and concrete suggested actions for the household.",
		}, "\n"),
		User:   strings.TrimSpace(b.String()),
		Schema: synthesisSchema,
	}
}

func buildReportPrompt(run Run, findings []Finding, sources []Source, qualityWarnings []string) StructuredPrompt {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(strings.TrimSpace(run.Query))
	if run.Plan != nil {
		b.WriteString("\nObjective: ")
		b.WriteString(strings.TrimSpace(run.Plan.Objective))
		b.WriteString("\nOutput format: ")
		b.WriteString(strings.TrimSpace(run.Plan.OutputFormat))
	}
	b.WriteString("\n\nFindings:\n")
	for _, finding := range findings {
		b.WriteString(fmt.Sprintf("- [%s, confidence %.2f] %s (sources: %s)\n",
			finding.Status, finding.Confidence, strings.TrimSpace(finding.Claim), strings.Join(finding.SupportingSourceIDs, ", ")))
	}
	b.WriteString("\nSources:\n")
	for i, source := range sources {
		if i >= 20 {
			break
		}
		b.WriteString(fmt.Sprintf("- %s | %s | %s\n", source.ID, strings.TrimSpace(source.Title), source.URL))
	}
	if len(qualityWarnings) > 0 {
		b.WriteString("\nQuality warnings:\n")
		for _, warning := range qualityWarnings {
			b.WriteString("- ")
			b.WriteString(warning)
			b.WriteString("\n")
		}
	}
	return StructuredPrompt{
		Name: "research_report",
		System: strings.Join([]string{
			"You write the final report of a household research run. Respond with JSON matching the schema only.",
			"summary is a 2-4 sentence executive summary. narrative is markdown prose that cites sources by title.",
			"Mention quality warnings plainly when present. Do not invent facts beyond the findings.",
		}, "\n"),
		User:   strings.TrimSpace(b.String()),
		Schema: reportSchema,
	}
}

func buildPresentationPrompt(run Run, report Report, findings []Finding) StructuredPrompt {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(strings.TrimSpace(run.Query))
	b.WriteString("\n\nSummary: ")
	b.WriteString(strings.TrimSpace(report.Summary))
	b.WriteString("\n\nFindings:\n")
	for i, finding := range findings {
		if i >= 12 {
			break
		}
		b.WriteString(fmt.Sprintf("- %s (confidence %.2f)\n", strings.TrimSpace(finding.Claim), finding.Confidence))
	}
	if len(report.ActionItems) > 0 {
		b.WriteString("\nActions:\n")
		for _, item := range report.ActionItems {
			b.WriteString("- ")
			b.WriteString(item.Text)
			b.WriteString("\n")
		}
	}
	return StructuredPrompt{
		Name: "research_presentation",
		System: strings.Join([]string{
			"You turn a research report into a chat message for a household. Respond with JSON matching the schema only.",
			"markdown is the full message. blocks mirror it as typed display sections.",
		}, "\n"),
		User:   strings.TrimSpace(b.String()),
		Schema: presentationSchema,
	}
}
