package pricing

import (
	"context"
	"fmt"

	"github.com/artforge/genbot/internal/models"
)

// QuotaChecker reports the free-tier allowance left for a user and model
// class in the current window.
type QuotaChecker interface {
	Remaining(ctx context.Context, userID int64, class models.Category) (int, error)
}

// Quote is a resolved pricing decision: the tier, the exact amount a
// generation will charge, and whether it rides on the free allowance.
// The front end renders it and the billing orchestrator charges it; both
// obtain it from Service.Quote so the two can never diverge.
type Quote struct {
	ModelID      string
	Title        string
	Category     models.Category
	Tier         models.Tier
	PriceKopecks int64
	FreeApplied  bool
	// Degraded marks a free-tier model quoted at its paid price because
	// the allowance ran out.
	Degraded bool
}

// Service combines the static table with the live quota state.
type Service struct {
	table *Table
	quota QuotaChecker
}

func NewService(table *Table, quota QuotaChecker) *Service {
	return &Service{table: table, quota: quota}
}

func (s *Service) Table() *Table {
	return s.table
}

// Quote resolves what a generation of modelID will cost userID right now.
// A free-tier model with allowance remaining is quoted at zero; with the
// allowance exhausted it is quoted at its paid price (degrade-to-paid).
func (s *Service) Quote(ctx context.Context, userID int64, modelID string) (Quote, error) {
	m, err := s.table.Get(modelID)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		ModelID:  m.ID,
		Title:    m.Title,
		Category: m.Category,
		Tier:     m.Tier,
	}

	if m.Tier == models.TierFree {
		remaining, err := s.quota.Remaining(ctx, userID, m.Category)
		if err != nil {
			return Quote{}, fmt.Errorf("check quota: %w", err)
		}
		if remaining > 0 {
			q.FreeApplied = true
			q.PriceKopecks = 0
			return q, nil
		}
		// Out of quota: the model bills at its paid price.
		q.Tier = models.TierPaid
		q.Degraded = true
	}

	q.PriceKopecks = m.PriceKopecks
	return q, nil
}

// Degrade converts a free quote into its paid form. The orchestrator uses
// it when an atomic quota consume loses the race after the quote was made.
func (s *Service) Degrade(q Quote) (Quote, error) {
	price, err := s.table.PaidPrice(q.ModelID)
	if err != nil {
		return Quote{}, err
	}
	q.Tier = models.TierPaid
	q.FreeApplied = false
	q.Degraded = true
	q.PriceKopecks = price
	return q, nil
}

// DisplayPrice renders the price the user sees in menus. It goes through
// the same Quote as the charge path.
func (s *Service) DisplayPrice(ctx context.Context, userID int64, modelID string) (string, error) {
	q, err := s.Quote(ctx, userID, modelID)
	if err != nil {
		return "", err
	}
	return q.Display(), nil
}

// Display renders the quote for the user.
func (q Quote) Display() string {
	if q.FreeApplied {
		return "Бесплатно"
	}
	return FormatKopecks(q.PriceKopecks)
}

// FormatKopecks renders a kopeck amount as rubles, keeping whole prices neat.
func FormatKopecks(kopecks int64) string {
	if kopecks <= 0 {
		return "0 ₽"
	}
	if kopecks%100 == 0 {
		return fmt.Sprintf("%d ₽", kopecks/100)
	}
	return fmt.Sprintf("%d.%02d ₽", kopecks/100, kopecks%100)
}
