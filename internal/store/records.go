package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"household/backend/internal/research"
)

type sourceRow struct {
	ID           string  `db:"id"`
	RunID        string  `db:"run_id"`
	URL          string  `db:"url"`
	Title        string  `db:"title"`
	Domain       string  `db:"domain"`
	Snippet      string  `db:"snippet"`
	PublishedAt  string  `db:"published_at"`
	RetrievedAt  string  `db:"retrieved_at"`
	Score        float64 `db:"score"`
	MetadataJSON string  `db:"metadata_json"`
}

const sourceColumns = `id, run_id, url, title, domain, snippet, published_at, retrieved_at, score, metadata_json`

func (r sourceRow) toSource() (research.Source, error) {
	source := research.Source{
		ID:          r.ID,
		RunID:       r.RunID,
		URL:         r.URL,
		Title:       r.Title,
		Domain:      r.Domain,
		Snippet:     r.Snippet,
		PublishedAt: r.PublishedAt,
		Score:       r.Score,
	}
	if err := decodeJSON(r.MetadataJSON, &source.Metadata); err != nil {
		return research.Source{}, fmt.Errorf("decode source metadata: %w", err)
	}
	retrievedAt, err := parseTime(r.RetrievedAt)
	if err != nil {
		return research.Source{}, err
	}
	source.RetrievedAt = retrievedAt
	return source, nil
}

// InsertSource keeps the first row stored for a (run, url) pair and returns it.
func (s Store) InsertSource(ctx context.Context, source research.Source) (research.Source, bool, error) {
	metadataJSON, err := encodeJSON(source.Metadata)
	if err != nil {
		return research.Source{}, false, fmt.Errorf("encode source metadata: %w", err)
	}
	result, err := s.db.NamedExecContext(ctx, `
INSERT INTO research_sources (`+sourceColumns+`)
VALUES (:id, :run_id, :url, :title, :domain, :snippet, :published_at, :retrieved_at, :score, :metadata_json)
ON CONFLICT(run_id, url) DO NOTHING;
`, sourceRow{
		ID:           source.ID,
		RunID:        source.RunID,
		URL:          source.URL,
		Title:        source.Title,
		Domain:       source.Domain,
		Snippet:      source.Snippet,
		PublishedAt:  source.PublishedAt,
		RetrievedAt:  formatTime(source.RetrievedAt),
		Score:        source.Score,
		MetadataJSON: metadataJSON,
	})
	if err != nil {
		return research.Source{}, false, fmt.Errorf("insert source: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return research.Source{}, false, fmt.Errorf("rows affected: %w", err)
	}

	var row sourceRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+sourceColumns+` FROM research_sources WHERE run_id = ? AND url = ?;`, source.RunID, source.URL); err != nil {
		return research.Source{}, false, fmt.Errorf("load source: %w", err)
	}
	stored, err := row.toSource()
	if err != nil {
		return research.Source{}, false, err
	}
	return stored, affected > 0, nil
}

func (s Store) ListSources(ctx context.Context, runID string) ([]research.Source, error) {
	var rows []sourceRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+sourceColumns+`
FROM research_sources
WHERE run_id = ?
ORDER BY retrieved_at ASC, id ASC;
`, runID); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]research.Source, 0, len(rows))
	for _, row := range rows {
		source, err := row.toSource()
		if err != nil {
			return nil, err
		}
		out = append(out, source)
	}
	return out, nil
}

type findingRow struct {
	ID                      string  `db:"id"`
	RunID                   string  `db:"run_id"`
	SubQuestionIndex        int     `db:"sub_question_index"`
	SubQuestion             string  `db:"sub_question"`
	Claim                   string  `db:"claim"`
	Confidence              float64 `db:"confidence"`
	Status                  string  `db:"status"`
	SupportingSourceIDsJSON string  `db:"supporting_source_ids_json"`
	EvidenceJSON            string  `db:"evidence_json"`
	Notes                   string  `db:"notes"`
	CreatedAt               string  `db:"created_at"`
}

const findingColumns = `id, run_id, sub_question_index, sub_question, claim, confidence, status,
  supporting_source_ids_json, evidence_json, notes, created_at`

const insertFindingSQL = `
INSERT INTO research_findings (` + findingColumns + `)
VALUES (:id, :run_id, :sub_question_index, :sub_question, :claim, :confidence, :status,
  :supporting_source_ids_json, :evidence_json, :notes, :created_at)
ON CONFLICT(id) DO NOTHING;
`

func newFindingRow(finding research.Finding) (findingRow, error) {
	sourceIDs := finding.SupportingSourceIDs
	if sourceIDs == nil {
		sourceIDs = []string{}
	}
	evidence := finding.Evidence
	if evidence == nil {
		evidence = []research.EvidenceRef{}
	}
	sourceIDsJSON, err := encodeJSON(sourceIDs)
	if err != nil {
		return findingRow{}, fmt.Errorf("encode supporting sources: %w", err)
	}
	evidenceJSON, err := encodeJSON(evidence)
	if err != nil {
		return findingRow{}, fmt.Errorf("encode evidence: %w", err)
	}
	return findingRow{
		ID:                      finding.ID,
		RunID:                   finding.RunID,
		SubQuestionIndex:        finding.SubQuestionIndex,
		SubQuestion:             finding.SubQuestion,
		Claim:                   finding.Claim,
		Confidence:              finding.Confidence,
		Status:                  string(finding.Status),
		SupportingSourceIDsJSON: sourceIDsJSON,
		EvidenceJSON:            evidenceJSON,
		Notes:                   finding.Notes,
		CreatedAt:               formatTime(finding.CreatedAt),
	}, nil
}

func (s Store) InsertFinding(ctx context.Context, finding research.Finding) error {
	row, err := newFindingRow(finding)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertFindingSQL, row); err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

// ReplaceFindings swaps the findings of one sub-question in a single
// transaction, so a re-executed run keeps only its latest synthesis.
func (s Store) ReplaceFindings(ctx context.Context, runID string, subQuestionIndex int, findings []research.Finding) error {
	rows := make([]findingRow, 0, len(findings))
	for _, finding := range findings {
		if finding.RunID != runID || finding.SubQuestionIndex != subQuestionIndex {
			return fmt.Errorf("finding %s does not belong to run %s sub-question %d", finding.ID, runID, subQuestionIndex)
		}
		row, err := newFindingRow(finding)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM research_findings WHERE run_id = ? AND sub_question_index = ?;
`, runID, subQuestionIndex); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.NamedExecContext(ctx, insertFindingSQL, row); err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit findings: %w", err)
	}
	return nil
}

func (s Store) ListFindings(ctx context.Context, runID string) ([]research.Finding, error) {
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT `+findingColumns+`
FROM research_findings
WHERE run_id = ?
ORDER BY sub_question_index ASC, created_at ASC, id ASC;
`, runID); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	out := make([]research.Finding, 0, len(rows))
	for _, row := range rows {
		finding := research.Finding{
			ID:               row.ID,
			RunID:            row.RunID,
			SubQuestionIndex: row.SubQuestionIndex,
			SubQuestion:      row.SubQuestion,
			Claim:            row.Claim,
			Confidence:       row.Confidence,
			Status:           research.FindingStatus(row.Status),
			Notes:            row.Notes,
		}
		if err := decodeJSON(row.SupportingSourceIDsJSON, &finding.SupportingSourceIDs); err != nil {
			return nil, fmt.Errorf("decode supporting sources: %w", err)
		}
		if err := decodeJSON(row.EvidenceJSON, &finding.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		finding.CreatedAt = createdAt
		out = append(out, finding)
	}
	return out, nil
}

type reportRow struct {
	RunID            string  `db:"run_id"`
	Summary          string  `db:"summary"`
	Markdown         string  `db:"markdown"`
	ActionItemsJSON  string  `db:"action_items_json"`
	PresentationJSON *string `db:"presentation_json"`
	CreatedAt        string  `db:"created_at"`
	UpdatedAt        string  `db:"updated_at"`
}

func (s Store) UpsertReport(ctx context.Context, report research.Report) error {
	items := report.ActionItems
	if items == nil {
		items = []research.ActionItem{}
	}
	itemsJSON, err := encodeJSON(items)
	if err != nil {
		return fmt.Errorf("encode action items: %w", err)
	}
	var presentationJSON *string
	if report.Presentation != nil {
		encoded, err := encodeJSON(report.Presentation)
		if err != nil {
			return fmt.Errorf("encode presentation: %w", err)
		}
		presentationJSON = &encoded
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO research_reports (run_id, summary, markdown, action_items_json, presentation_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  summary = excluded.summary,
  markdown = excluded.markdown,
  action_items_json = excluded.action_items_json,
  presentation_json = excluded.presentation_json,
  updated_at = excluded.updated_at;
`, report.RunID, report.Summary, report.Markdown, itemsJSON, nullable(presentationJSON), formatTime(report.CreatedAt), formatTime(report.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport returns nil without error when the run has no report yet.
func (s Store) GetReport(ctx context.Context, runID string) (*research.Report, error) {
	var row reportRow
	err := s.db.GetContext(ctx, &row, `
SELECT run_id, summary, markdown, action_items_json, presentation_json, created_at, updated_at
FROM research_reports WHERE run_id = ?;
`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}

	report := research.Report{RunID: row.RunID, Summary: row.Summary, Markdown: row.Markdown}
	if err := decodeJSON(row.ActionItemsJSON, &report.ActionItems); err != nil {
		return nil, fmt.Errorf("decode action items: %w", err)
	}
	if row.PresentationJSON != nil {
		var presentation research.Presentation
		if err := decodeJSON(*row.PresentationJSON, &presentation); err != nil {
			return nil, fmt.Errorf("decode presentation: %w", err)
		}
		report.Presentation = &presentation
	}
	if report.CreatedAt, err = parseTime(row.CreatedAt); err != nil {
		return nil, err
	}
	if report.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return nil, err
	}
	return &report, nil
}

type eventRow struct {
	ID          string `db:"id"`
	RunID       string `db:"run_id"`
	Seq         int64  `db:"seq"`
	Stage       string `db:"stage"`
	Status      string `db:"status"`
	SubQuestion string `db:"sub_question"`
	Message     string `db:"message"`
	PayloadJSON string `db:"payload_json"`
	CreatedAt   string `db:"created_at"`
}

// AppendEvent assigns the next per-run sequence number in the same statement.
func (s Store) AppendEvent(ctx context.Context, event research.RunEvent) error {
	payload := "{}"
	if len(event.Payload) > 0 && json.Valid(event.Payload) {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO research_run_events (id, run_id, seq, stage, status, sub_question, message, payload_json, created_at)
SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
FROM research_run_events WHERE run_id = ?;
`, event.ID, event.RunID, string(event.Stage), string(event.Status), event.SubQuestion, event.Message, payload, formatTime(event.CreatedAt), event.RunID)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events first.
func (s Store) ListEvents(ctx context.Context, runID string, limit int) ([]research.RunEvent, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `
SELECT id, run_id, seq, stage, status, sub_question, message, payload_json, created_at
FROM research_run_events
WHERE run_id = ?
ORDER BY seq DESC
LIMIT ?;
`, runID, limit); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]research.RunEvent, 0, len(rows))
	for _, row := range rows {
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		event := research.RunEvent{
			ID:          row.ID,
			RunID:       row.RunID,
			Stage:       research.EventStage(row.Stage),
			Status:      research.EventStatus(row.Status),
			SubQuestion: row.SubQuestion,
			Message:     row.Message,
			CreatedAt:   createdAt,
		}
		if row.PayloadJSON != "" && row.PayloadJSON != "{}" {
			event.Payload = json.RawMessage(row.PayloadJSON)
		}
		out = append(out, event)
	}
	return out, nil
}
