package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artforge/genbot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) DB() *sql.DB {
	return r.db
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	const query = `
SELECT id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), balance_kopecks, bonus_granted, created_at, updated_at
FROM users WHERE telegram_id = ?`
	row := r.db.QueryRowContext(ctx, query, telegramID)
	var u models.User
	var granted int
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.BalanceKopecks, &granted, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.BonusGranted = granted != 0
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, balance_kopecks, bonus_granted)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 0, 0)`
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FirstName, user.LastName)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, firstName, lastName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), first_name = NULLIF(?, ''), last_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, firstName, lastName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		go func() {
			_ = r.UpdateProfile(context.Background(), user.ID, username, firstName, lastName)
		}()
		return user, false, nil
	}
	newUser := &models.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
	}
	created, err := r.Create(ctx, newUser)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GrantWelcomeBonusIfUnset credits the one-time welcome bonus and sets
// bonus_granted in a single statement. The flag guard makes repeat calls
// no-ops, and the flag is set even for a zero amount so a later config
// change can never re-grant a bonus already consumed.
func (r *UserRepository) GrantWelcomeBonusIfUnset(ctx context.Context, userID int64, amountKopecks int64) (bool, error) {
	const query = `
UPDATE users SET balance_kopecks = balance_kopecks + ?, bonus_granted = 1, updated_at = NOW()
WHERE id = ? AND bonus_granted = 0`
	res, err := r.db.ExecContext(ctx, query, amountKopecks, userID)
	if err != nil {
		return false, fmt.Errorf("grant welcome bonus: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bonus rows affected: %w", err)
	}
	return affected > 0, nil
}

// Debit atomically removes amountKopecks from the balance. It returns
// false when the balance does not cover the amount; the balance check and
// the decrement are one statement, so two concurrent debits can never both
// pass on the same funds.
func (r *UserRepository) Debit(ctx context.Context, userID int64, amountKopecks int64) (bool, error) {
	const query = `
UPDATE users SET balance_kopecks = balance_kopecks - ?, updated_at = NOW()
WHERE id = ? AND balance_kopecks >= ?`
	res, err := r.db.ExecContext(ctx, query, amountKopecks, userID, amountKopecks)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit rows affected: %w", err)
	}
	return affected > 0, nil
}

// Credit adds amountKopecks to the balance. Used for refunds, top-ups and
// promo bonuses; always succeeds for an existing user.
func (r *UserRepository) Credit(ctx context.Context, userID int64, amountKopecks int64) error {
	const query = `UPDATE users SET balance_kopecks = balance_kopecks + ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, amountKopecks, userID); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (r *UserRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	const query = `SELECT balance_kopecks FROM users WHERE id = ?`
	var balance int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
