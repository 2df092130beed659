package service

import (
	"context"
	"fmt"

	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/repository"
)

// StatsService is the read-only rollup surface over the generation event
// log, for diagnostics. It never writes.
type StatsService struct {
	events *repository.EventRepository
}

func NewStatsService(events *repository.EventRepository) *StatsService {
	return &StatsService{events: events}
}

func (s *StatsService) UserStats(ctx context.Context, userID int64) (models.UserStats, error) {
	stats, err := s.events.UserStats(ctx, userID)
	if err != nil {
		return models.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return stats, nil
}

func (s *StatsService) RecentFailures(ctx context.Context, limit int) ([]models.GenerationEvent, error) {
	events, err := s.events.RecentFailures(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	return events, nil
}
