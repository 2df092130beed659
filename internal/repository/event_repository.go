package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artforge/genbot/internal/models"
)

// ErrAlreadyFinalized means a terminal status was written twice for the
// same event. Correct orchestration never does this; treat it as a bug,
// not a user-facing condition.
var ErrAlreadyFinalized = errors.New("generation event already finalized")

// EventRepository is the append/update journal of generation attempts.
// Rows are written by the billing orchestrator only; everything else reads.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Start appends a record in the started state and returns its id.
func (r *EventRepository) Start(ctx context.Context, ev *models.GenerationEvent) (int64, error) {
	const query = `
INSERT INTO generation_events (user_id, chat_id, model_id, category, status, is_free_applied, price_kopecks, request_id, task_id)
VALUES (?, ?, ?, ?, 'started', ?, ?, NULLIF(?, ''), NULLIF(?, ''))`
	free := 0
	if ev.IsFreeApplied {
		free = 1
	}
	res, err := r.db.ExecContext(ctx, query, ev.UserID, ev.ChatID, ev.ModelID, ev.Category, free, ev.PriceKopecks, ev.RequestID, ev.TaskID)
	if err != nil {
		return 0, fmt.Errorf("insert generation event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event last insert id: %w", err)
	}
	ev.ID = id
	ev.Status = models.StatusStarted
	return id, nil
}

// Finalize writes the terminal status for a started event. The status
// guard in the WHERE clause enforces the transition-exactly-once
// invariant: a second call hits zero rows and reports ErrAlreadyFinalized.
func (r *EventRepository) Finalize(ctx context.Context, eventID int64, status models.EventStatus, errorCode, errorMessage string, durationMS int64) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	const query = `
UPDATE generation_events
SET status = ?, error_code = NULLIF(?, ''), error_message = NULLIF(?, ''), duration_ms = ?, updated_at = NOW()
WHERE id = ? AND status = 'started'`
	res, err := r.db.ExecContext(ctx, query, status, errorCode, errorMessage, durationMS, eventID)
	if err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %d: %w", eventID, ErrAlreadyFinalized)
	}
	return nil
}

// SetTaskID records the provider task id once the provider accepted the job.
func (r *EventRepository) SetTaskID(ctx context.Context, eventID int64, taskID string) error {
	const query = `UPDATE generation_events SET task_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, taskID, eventID); err != nil {
		return fmt.Errorf("set event task id: %w", err)
	}
	return nil
}

// MarkRefunded flips the event's refunded flag. It returns true only for
// the first call per event, which makes every reversal idempotent.
func (r *EventRepository) MarkRefunded(ctx context.Context, eventID int64) (bool, error) {
	const query = `UPDATE generation_events SET refunded = 1, updated_at = NOW() WHERE id = ? AND refunded = 0`
	res, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event refunded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refund rows affected: %w", err)
	}
	return affected > 0, nil
}

// UserStats aggregates the user's generation history.
func (r *EventRepository) UserStats(ctx context.Context, userID int64) (models.UserStats, error) {
	const query = `
SELECT
    COUNT(*),
    COALESCE(SUM(status = 'success'), 0),
    COALESCE(SUM(status = 'failed'), 0),
    COALESCE(SUM(status = 'timeout'), 0),
    COALESCE(SUM(CASE WHEN status = 'success' AND refunded = 0 THEN price_kopecks ELSE 0 END), 0)
FROM generation_events
WHERE user_id = ?`
	var stats models.UserStats
	row := r.db.QueryRowContext(ctx, query, userID)
	if err := row.Scan(&stats.Total, &stats.Success, &stats.Failed, &stats.Timeout, &stats.TotalKopecks); err != nil {
		return models.UserStats{}, fmt.Errorf("scan user stats: %w", err)
	}
	return stats, nil
}

// RecentFailures lists the latest failed and timed-out events, newest first.
func (r *EventRepository) RecentFailures(ctx context.Context, limit int) ([]models.GenerationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
SELECT id, user_id, chat_id, model_id, category, status, is_free_applied, price_kopecks,
       COALESCE(request_id, ''), COALESCE(task_id, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
       duration_ms, refunded, created_at, updated_at
FROM generation_events
WHERE status IN ('failed', 'timeout')
ORDER BY id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent failures: %w", err)
	}
	defer rows.Close()

	var events []models.GenerationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetByID reads one event; used by tests and the admin panel.
func (r *EventRepository) GetByID(ctx context.Context, id int64) (*models.GenerationEvent, error) {
	const query = `
SELECT id, user_id, chat_id, model_id, category, status, is_free_applied, price_kopecks,
       COALESCE(request_id, ''), COALESCE(task_id, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
       duration_ms, refunded, created_at, updated_at
FROM generation_events
WHERE id = ?`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get event: %w", err)
		}
		return nil, nil
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanEvent(rows *sql.Rows) (models.GenerationEvent, error) {
	var ev models.GenerationEvent
	var chatID sql.NullInt64
	var free, refunded int
	if err := rows.Scan(&ev.ID, &ev.UserID, &chatID, &ev.ModelID, &ev.Category, &ev.Status, &free, &ev.PriceKopecks,
		&ev.RequestID, &ev.TaskID, &ev.ErrorCode, &ev.ErrorMessage, &ev.DurationMS, &refunded, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return models.GenerationEvent{}, fmt.Errorf("scan event: %w", err)
	}
	if chatID.Valid {
		ev.ChatID = &chatID.Int64
	}
	ev.IsFreeApplied = free != 0
	ev.Refunded = refunded != 0
	return ev, nil
}
