package research

import "strings"

type ProgressSummary struct {
	Title       string `json:"title"`
	Detail      string `json:"detail,omitempty"`
	IsQuickStep bool   `json:"isQuickStep,omitempty"`
}

// EventView is a run event with its human-readable summary.
type EventView struct {
	RunEvent
	Summary ProgressSummary `json:"summary"`
}

func BuildProgressSummary(event RunEvent) ProgressSummary {
	summary := ProgressSummary{}

	switch event.Stage {
	case StagePlanning:
		summary.Title = "Planning the research"
		summary.Detail = "Breaking the question into sub-questions"
	case StageSearch:
		summary.Title = "Searching the web"
		summary.Detail = "Trying search providers for fresh sources"
		if event.Status == EventStarted {
			summary.IsQuickStep = true
		}
	case StageSourceSelection:
		summary.Title = "Choosing sources"
		summary.Detail = "Filtering out low-quality and duplicate pages"
	case StageEvidence:
		summary.Title = "Reading selected sources"
		summary.Detail = "Pulling the passages that answer the sub-question"
	case StageSynthesis:
		summary.Title = "Drafting findings"
		summary.Detail = "Grounding claims to collected sources"
	case StageQualityCheck:
		summary.Title = "Checking research quality"
		summary.Detail = "Looking for thin coverage or weak corroboration"
	case StagePresentation:
		summary.Title = "Writing the report"
		summary.Detail = "Ordering findings, actions, and citations"
	case StageRun:
		switch event.Status {
		case EventCompleted:
			summary.Title = "Research finished"
		case EventFailed:
			summary.Title = "Research failed"
		default:
			summary.Title = "Research run update"
		}
	}

	switch event.Status {
	case EventFailed:
		if event.Stage != StageRun {
			summary.Title += " failed"
		}
		summary.Detail = strings.TrimSpace(event.Message)
	case EventCompleted:
		if sub := strings.TrimSpace(event.SubQuestion); sub != "" {
			summary.Detail = trimToRunes(sub, 160)
		}
	}

	if summary.Title == "" {
		summary.Title = strings.TrimSpace(event.Message)
	}
	if summary.Title == "" {
		summary.Title = "Working on your request"
	}
	if summary.IsQuickStep {
		summary.Detail = ""
	}
	return summary
}

func WithProgressSummaries(events []RunEvent) []EventView {
	out := make([]EventView, 0, len(events))
	for _, event := range events {
		out = append(out, EventView{RunEvent: event, Summary: BuildProgressSummary(event)})
	}
	return out
}
