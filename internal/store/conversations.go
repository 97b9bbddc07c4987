package store

import (
	"context"
	"fmt"

	"household/backend/internal/research"
)

func (s Store) HasResearchMessage(ctx context.Context, runID string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM conversation_messages WHERE research_run_id = ?;`, runID); err != nil {
		return false, fmt.Errorf("check research message: %w", err)
	}
	return count > 0, nil
}

// AppendResearchMessage writes at most one message per research run.
func (s Store) AppendResearchMessage(ctx context.Context, message research.ConversationMessage) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO conversation_messages (id, conversation_id, role, content, research_run_id, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`, message.ID, message.ConversationID, message.Role, message.Content, message.ResearchRunID, formatTime(message.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("append research message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s Store) CreateTasks(ctx context.Context, tasks []research.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO household_tasks (id, household_id, conversation_id, title, notes, source_run_id, source_finding_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, task.ID, task.HouseholdID, task.ConversationID, task.Title, task.Notes, task.SourceRunID, task.SourceFindingID, formatTime(task.CreatedAt)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

// ListTasks returns the follow-up tasks created from a research run.
func (s Store) ListTasks(ctx context.Context, runID string) ([]research.Task, error) {
	var rows []struct {
		ID              string `db:"id"`
		HouseholdID     string `db:"household_id"`
		ConversationID  string `db:"conversation_id"`
		Title           string `db:"title"`
		Notes           string `db:"notes"`
		SourceRunID     string `db:"source_run_id"`
		SourceFindingID string `db:"source_finding_id"`
		CreatedAt       string `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
SELECT id, household_id, conversation_id, title, notes, source_run_id, source_finding_id, created_at
FROM household_tasks
WHERE source_run_id = ?
ORDER BY created_at ASC, id ASC;
`, runID); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]research.Task, 0, len(rows))
	for _, row := range rows {
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, research.Task{
			ID:              row.ID,
			HouseholdID:     row.HouseholdID,
			ConversationID:  row.ConversationID,
			Title:           row.Title,
			Notes:           row.Notes,
			SourceRunID:     row.SourceRunID,
			SourceFindingID: row.SourceFindingID,
			CreatedAt:       createdAt,
		})
	}
	return out, nil
}

var _ research.Store = Store{}
