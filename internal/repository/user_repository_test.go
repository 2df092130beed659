package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestUserRepositoryDebit(t *testing.T) {
	ctx := context.Background()

	t.Run("sufficient balance", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		mock.ExpectExec("UPDATE users SET balance_kopecks = balance_kopecks - ").
			WithArgs(int64(1500), int64(7), int64(1500)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Debit(ctx, 7, 1500)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance leaves row untouched", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		mock.ExpectExec("UPDATE users SET balance_kopecks = balance_kopecks - ").
			WithArgs(int64(1500), int64(7), int64(1500)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Debit(ctx, 7, 1500)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserRepositoryGrantWelcomeBonusIfUnset(t *testing.T) {
	ctx := context.Background()

	t.Run("first grant", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		mock.ExpectExec("UPDATE users SET balance_kopecks = balance_kopecks \\+ .+bonus_granted = 1").
			WithArgs(int64(2500), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		granted, err := repo.GrantWelcomeBonusIfUnset(ctx, 7, 2500)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second grant is a no-op", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		mock.ExpectExec("UPDATE users SET balance_kopecks = balance_kopecks \\+ .+bonus_granted = 1").
			WithArgs(int64(2500), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		granted, err := repo.GrantWelcomeBonusIfUnset(ctx, 7, 2500)
		require.NoError(t, err)
		assert.False(t, granted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserRepositoryFindByTelegramID(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		rows := sqlmock.NewRows([]string{"id", "telegram_id", "username", "first_name", "last_name", "balance_kopecks", "bonus_granted", "created_at", "updated_at"}).
			AddRow(1, 42, "ivan", "Иван", "", 5000, 1, time.Now(), time.Now())
		mock.ExpectQuery("SELECT (.+) FROM users WHERE telegram_id").
			WithArgs(int64(42)).
			WillReturnRows(rows)

		user, err := repo.FindByTelegramID(ctx, 42)
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, int64(5000), user.BalanceKopecks)
		assert.True(t, user.BonusGranted)
	})

	t.Run("missing user returns nil", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := NewUserRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM users WHERE telegram_id").
			WithArgs(int64(42)).
			WillReturnError(sql.ErrNoRows)

		user, err := repo.FindByTelegramID(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, user)
	})
}

func TestUserRepositoryBalance(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery("SELECT balance_kopecks FROM users WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"balance_kopecks"}).AddRow(12345))

	balance, err := repo.Balance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), balance)
}
