package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"household/backend/internal/research"
)

type runRow struct {
	ID             string   `db:"id"`
	ConversationID string   `db:"conversation_id"`
	HouseholdID    string   `db:"household_id"`
	Query          string   `db:"query"`
	Effort         string   `db:"effort"`
	RecencyDays    *int     `db:"recency_days"`
	PlanJSON       string   `db:"plan_json"`
	Status         string   `db:"status"`
	QualityScore   *float64 `db:"quality_score"`
	MetricsJSON    string   `db:"metrics_json"`
	ErrorText      string   `db:"error_text"`
	CreatedAt      string   `db:"created_at"`
	StartedAt      *string  `db:"started_at"`
	UpdatedAt      string   `db:"updated_at"`
	CompletedAt    *string  `db:"completed_at"`
}

const runColumns = `id, conversation_id, household_id, query, effort, recency_days, plan_json, status,
  quality_score, metrics_json, error_text, created_at, started_at, updated_at, completed_at`

func (r runRow) toRun() (research.Run, error) {
	run := research.Run{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		HouseholdID:    r.HouseholdID,
		Query:          r.Query,
		Effort:         research.Effort(r.Effort),
		RecencyDays:    r.RecencyDays,
		Status:         research.RunStatus(r.Status),
		QualityScore:   r.QualityScore,
		Error:          r.ErrorText,
	}
	if r.PlanJSON != "" && r.PlanJSON != "{}" {
		var plan research.Plan
		if err := decodeJSON(r.PlanJSON, &plan); err != nil {
			return research.Run{}, fmt.Errorf("decode plan of run %s: %w", r.ID, err)
		}
		run.Plan = &plan
	}
	if err := decodeJSON(r.MetricsJSON, &run.Metrics); err != nil {
		return research.Run{}, fmt.Errorf("decode metrics of run %s: %w", r.ID, err)
	}

	var err error
	if run.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return research.Run{}, err
	}
	if run.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return research.Run{}, err
	}
	if run.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return research.Run{}, err
	}
	if run.CompletedAt, err = parseTimePtr(r.CompletedAt); err != nil {
		return research.Run{}, err
	}
	return run, nil
}

func (s Store) CreateRun(ctx context.Context, run research.Run) error {
	planJSON := "{}"
	if run.Plan != nil {
		encoded, err := encodeJSON(run.Plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		planJSON = encoded
	}
	metricsJSON, err := encodeJSON(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO research_runs (`+runColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		run.ID,
		run.ConversationID,
		run.HouseholdID,
		run.Query,
		string(run.Effort),
		nullable(run.RecencyDays),
		planJSON,
		string(run.Status),
		nullable(run.QualityScore),
		metricsJSON,
		run.Error,
		formatTime(run.CreatedAt),
		nullable(formatTimePtr(run.StartedAt)),
		formatTime(run.UpdatedAt),
		nullable(formatTimePtr(run.CompletedAt)),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s Store) GetRun(ctx context.Context, runID string) (research.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM research_runs WHERE id = ?;`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return research.Run{}, research.ErrRunNotFound
	}
	if err != nil {
		return research.Run{}, fmt.Errorf("get run: %w", err)
	}
	return row.toRun()
}

func (s Store) ListRunsByConversation(ctx context.Context, conversationID string, limit int) ([]research.Run, error) {
	return s.selectRuns(ctx, `
SELECT `+runColumns+`
FROM research_runs
WHERE conversation_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;
`, conversationID, limit)
}

func (s Store) ListRunsByStatus(ctx context.Context, status research.RunStatus) ([]research.Run, error) {
	return s.selectRuns(ctx, `
SELECT `+runColumns+`
FROM research_runs
WHERE status = ?
ORDER BY created_at ASC;
`, string(status))
}

func (s Store) selectRuns(ctx context.Context, query string, args ...any) ([]research.Run, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]research.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s Store) MarkRunning(ctx context.Context, runID string, plan research.Plan, startedAt time.Time) (bool, error) {
	planJSON, err := encodeJSON(plan)
	if err != nil {
		return false, fmt.Errorf("encode plan: %w", err)
	}
	metricsJSON, err := encodeJSON(research.RunMetrics{SubQuestionsTotal: len(plan.SubQuestions)})
	if err != nil {
		return false, fmt.Errorf("encode metrics: %w", err)
	}
	at := formatTime(startedAt)
	result, err := s.db.ExecContext(ctx, `
UPDATE research_runs
SET status = 'running', plan_json = ?, metrics_json = ?, started_at = ?, updated_at = ?
WHERE id = ? AND status = 'planning';
`, planJSON, metricsJSON, at, at, runID)
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	return s.affectedOrMissing(ctx, result, runID)
}

func (s Store) UpdateMetrics(ctx context.Context, runID string, metrics research.RunMetrics) error {
	metricsJSON, err := encodeJSON(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE research_runs SET metrics_json = ?, updated_at = ? WHERE id = ? AND status = 'running';
`, metricsJSON, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("update metrics: %w", err)
	}
	return nil
}

func (s Store) FinishRun(ctx context.Context, runID string, status research.RunStatus, quality *float64, metrics research.RunMetrics, errText string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run with non-terminal status %s", status)
	}
	metricsJSON, err := encodeJSON(metrics)
	if err != nil {
		return false, fmt.Errorf("encode metrics: %w", err)
	}
	finishedAt := formatTime(at)
	result, err := s.db.ExecContext(ctx, `
UPDATE research_runs
SET status = ?, quality_score = ?, metrics_json = ?, error_text = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND status IN ('planning', 'running');
`, string(status), nullable(quality), metricsJSON, errText, finishedAt, finishedAt, runID)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return s.affectedOrMissing(ctx, result, runID)
}

// affectedOrMissing turns a guarded UPDATE result into (changed, err), with
// ErrRunNotFound when the row does not exist at all.
func (s Store) affectedOrMissing(ctx context.Context, result sql.Result, runID string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	var exists int
	err = s.db.GetContext(ctx, &exists, `SELECT 1 FROM research_runs WHERE id = ?;`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, research.ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check run: %w", err)
	}
	return false, nil
}
