package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artforge/genbot/internal/models"
)

type stubQuota struct {
	remaining int
	err       error
}

func (s *stubQuota) Remaining(ctx context.Context, userID int64, class models.Category) (int, error) {
	return s.remaining, s.err
}

func newTestService(t *testing.T, remaining int) *Service {
	t.Helper()
	table, err := NewTable(testModels())
	require.NoError(t, err)
	return NewService(table, &stubQuota{remaining: remaining})
}

func TestServiceQuote(t *testing.T) {
	ctx := context.Background()

	t.Run("free model with allowance", func(t *testing.T) {
		svc := newTestService(t, 3)
		q, err := svc.Quote(ctx, 1, "banana")
		require.NoError(t, err)
		assert.True(t, q.FreeApplied)
		assert.False(t, q.Degraded)
		assert.Equal(t, models.TierFree, q.Tier)
		assert.Equal(t, int64(0), q.PriceKopecks)
	})

	t.Run("free model out of allowance degrades to paid", func(t *testing.T) {
		svc := newTestService(t, 0)
		q, err := svc.Quote(ctx, 1, "banana")
		require.NoError(t, err)
		assert.False(t, q.FreeApplied)
		assert.True(t, q.Degraded)
		assert.Equal(t, models.TierPaid, q.Tier)
		assert.Equal(t, int64(500), q.PriceKopecks)
	})

	t.Run("paid model never consults quota", func(t *testing.T) {
		table, err := NewTable(testModels())
		require.NoError(t, err)
		svc := NewService(table, &stubQuota{err: errors.New("quota store down")})

		q, err := svc.Quote(ctx, 1, "flux-pro")
		require.NoError(t, err)
		assert.Equal(t, int64(1500), q.PriceKopecks)
		assert.False(t, q.FreeApplied)
	})

	t.Run("quota error surfaces for free model", func(t *testing.T) {
		table, err := NewTable(testModels())
		require.NoError(t, err)
		svc := NewService(table, &stubQuota{err: errors.New("quota store down")})

		_, err = svc.Quote(ctx, 1, "banana")
		assert.Error(t, err)
	})

	t.Run("unknown model", func(t *testing.T) {
		svc := newTestService(t, 3)
		_, err := svc.Quote(ctx, 1, "ghost")
		assert.ErrorIs(t, err, ErrUnknownModel)
	})
}

func TestServiceDegrade(t *testing.T) {
	svc := newTestService(t, 3)
	q, err := svc.Quote(context.Background(), 1, "banana")
	require.NoError(t, err)
	require.True(t, q.FreeApplied)

	degraded, err := svc.Degrade(q)
	require.NoError(t, err)
	assert.False(t, degraded.FreeApplied)
	assert.True(t, degraded.Degraded)
	assert.Equal(t, models.TierPaid, degraded.Tier)
	assert.Equal(t, int64(500), degraded.PriceKopecks)
}

// The menu string and the charged amount come from the same quote, so a
// quote rendered as free must charge zero and a paid rendering must match
// the charged price exactly.
func TestDisplayMatchesCharge(t *testing.T) {
	ctx := context.Background()

	t.Run("free display means zero charge", func(t *testing.T) {
		svc := newTestService(t, 1)
		q, err := svc.Quote(ctx, 7, "banana")
		require.NoError(t, err)

		display, err := svc.DisplayPrice(ctx, 7, "banana")
		require.NoError(t, err)
		assert.Equal(t, "Бесплатно", display)
		assert.Equal(t, int64(0), q.PriceKopecks)
	})

	t.Run("paid display matches charged kopecks", func(t *testing.T) {
		svc := newTestService(t, 1)
		q, err := svc.Quote(ctx, 7, "flux-pro")
		require.NoError(t, err)

		display, err := svc.DisplayPrice(ctx, 7, "flux-pro")
		require.NoError(t, err)
		assert.Equal(t, FormatKopecks(q.PriceKopecks), display)
	})
}

func TestFormatKopecks(t *testing.T) {
	cases := []struct {
		kopecks int64
		want    string
	}{
		{0, "0 ₽"},
		{-50, "0 ₽"},
		{100, "1 ₽"},
		{1500, "15 ₽"},
		{1550, "15.50 ₽"},
		{1505, "15.05 ₽"},
		{99, "0.99 ₽"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatKopecks(tc.kopecks), "kopecks=%d", tc.kopecks)
	}
}
