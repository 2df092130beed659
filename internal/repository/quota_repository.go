package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artforge/genbot/internal/models"
)

// QuotaRepository tracks per-user consumption of the free-tier allowance.
// Usage is counted per (user, model class) inside fixed UTC windows; a new
// window starts with a fresh allowance, which is how the daily reset works.
type QuotaRepository struct {
	db     *sql.DB
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewQuotaRepository(db *sql.DB, limit int, window time.Duration) *QuotaRepository {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &QuotaRepository{db: db, limit: limit, window: window, now: time.Now}
}

// Limit is the allowance granted per window.
func (r *QuotaRepository) Limit() int {
	return r.limit
}

func (r *QuotaRepository) windowStart() time.Time {
	return r.now().UTC().Truncate(r.window)
}

// Remaining returns how many free generations the user has left in the
// current window. A missing usage row means the full allowance.
func (r *QuotaRepository) Remaining(ctx context.Context, userID int64, class models.Category) (int, error) {
	const query = `
SELECT used FROM quota_usages
WHERE user_id = ? AND model_class = ? AND window_start = ?`
	var used int
	err := r.db.QueryRowContext(ctx, query, userID, class, r.windowStart()).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota usage: %w", err)
	}
	if used >= r.limit {
		return 0, nil
	}
	return r.limit - used, nil
}

// Consume takes one unit of the allowance. The increment is guarded by the
// limit inside the UPDATE itself, so concurrent consumers can never take
// more than the window allows; false means the allowance is exhausted.
func (r *QuotaRepository) Consume(ctx context.Context, userID int64, class models.Category) (bool, error) {
	start := r.windowStart()

	const ensure = `
INSERT IGNORE INTO quota_usages (user_id, model_class, window_start, used)
VALUES (?, ?, ?, 0)`
	if _, err := r.db.ExecContext(ctx, ensure, userID, class, start); err != nil {
		return false, fmt.Errorf("ensure quota row: %w", err)
	}

	const consume = `
UPDATE quota_usages SET used = used + 1
WHERE user_id = ? AND model_class = ? AND window_start = ? AND used < ?`
	res, err := r.db.ExecContext(ctx, consume, userID, class, start, r.limit)
	if err != nil {
		return false, fmt.Errorf("consume quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("quota rows affected: %w", err)
	}
	return affected > 0, nil
}

// Refund restores one unit after a failed or timed-out free generation.
// Callers gate it with the event's refunded flag so one event can never
// restore more than it consumed.
//
// The refund is applied to the current window, not the one the unit was
// consumed in. A generation that straddles a window boundary therefore
// restores nothing: the fresh row sits at zero and the GREATEST guard
// keeps it there. That loss is accepted — the new window already carries
// a full allowance, and crediting the old row would restore a unit nobody
// can spend.
func (r *QuotaRepository) Refund(ctx context.Context, userID int64, class models.Category) error {
	const query = `
UPDATE quota_usages SET used = GREATEST(used - 1, 0)
WHERE user_id = ? AND model_class = ? AND window_start = ?`
	if _, err := r.db.ExecContext(ctx, query, userID, class, r.windowStart()); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}
