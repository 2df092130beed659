package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artforge/genbot/internal/models"
)

func newTestQuotaRepo(db *sql.DB, limit int) *QuotaRepository {
	repo := NewQuotaRepository(db, limit, 24*time.Hour)
	repo.now = func() time.Time {
		return time.Date(2025, 6, 15, 13, 45, 0, 0, time.UTC)
	}
	return repo
}

func TestQuotaWindowStart(t *testing.T) {
	db, _ := setupMockDB(t)
	repo := newTestQuotaRepo(db, 5)

	// 24h windows truncate to midnight UTC.
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), repo.windowStart())
}

func TestQuotaRemaining(t *testing.T) {
	ctx := context.Background()

	t.Run("no usage row means full allowance", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := newTestQuotaRepo(db, 5)

		mock.ExpectQuery("SELECT used FROM quota_usages").
			WithArgs(int64(7), models.CategoryImage, repo.windowStart()).
			WillReturnError(sql.ErrNoRows)

		remaining, err := repo.Remaining(ctx, 7, models.CategoryImage)
		require.NoError(t, err)
		assert.Equal(t, 5, remaining)
	})

	t.Run("partially used", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := newTestQuotaRepo(db, 5)

		mock.ExpectQuery("SELECT used FROM quota_usages").
			WithArgs(int64(7), models.CategoryImage, repo.windowStart()).
			WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(3))

		remaining, err := repo.Remaining(ctx, 7, models.CategoryImage)
		require.NoError(t, err)
		assert.Equal(t, 2, remaining)
	})

	t.Run("overconsumed row still reports zero", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := newTestQuotaRepo(db, 5)

		mock.ExpectQuery("SELECT used FROM quota_usages").
			WithArgs(int64(7), models.CategoryImage, repo.windowStart()).
			WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(9))

		remaining, err := repo.Remaining(ctx, 7, models.CategoryImage)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})
}

func TestQuotaConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("allowance available", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := newTestQuotaRepo(db, 5)
		start := repo.windowStart()

		mock.ExpectExec("INSERT IGNORE INTO quota_usages").
			WithArgs(int64(7), models.CategoryImage, start).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE quota_usages SET used = used \\+ 1").
			WithArgs(int64(7), models.CategoryImage, start, 5).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Consume(ctx, 7, models.CategoryImage)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted allowance", func(t *testing.T) {
		db, mock := setupMockDB(t)
		repo := newTestQuotaRepo(db, 5)
		start := repo.windowStart()

		mock.ExpectExec("INSERT IGNORE INTO quota_usages").
			WithArgs(int64(7), models.CategoryImage, start).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE quota_usages SET used = used \\+ 1").
			WithArgs(int64(7), models.CategoryImage, start, 5).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Consume(ctx, 7, models.CategoryImage)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQuotaRefund(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := newTestQuotaRepo(db, 5)

	mock.ExpectExec("UPDATE quota_usages SET used = GREATEST").
		WithArgs(int64(7), models.CategoryImage, repo.windowStart()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Refund(context.Background(), 7, models.CategoryImage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuotaRefundAfterWindowRollover(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := newTestQuotaRepo(db, 5)

	// The unit was consumed on the 15th; the failure lands after midnight.
	// The refund targets the new window's row, the GREATEST guard holds it
	// at zero, and the call still succeeds.
	repo.now = func() time.Time {
		return time.Date(2025, 6, 16, 0, 0, 5, 0, time.UTC)
	}

	mock.ExpectExec("UPDATE quota_usages SET used = GREATEST").
		WithArgs(int64(7), models.CategoryImage, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Refund(context.Background(), 7, models.CategoryImage))
	assert.NoError(t, mock.ExpectationsWereMet())
}
