package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/repository"
)

type UserService struct {
	cfg   config.Config
	log   *slog.Logger
	users *repository.UserRepository
}

func NewUserService(cfg config.Config, log *slog.Logger, users *repository.UserRepository) *UserService {
	return &UserService{cfg: cfg, log: log, users: users}
}

// Ensure creates or refreshes the user record and grants the one-time
// welcome bonus on first contact. The grant is idempotent at the store
// level, so calling this on every update is safe.
func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}

	if !user.BonusGranted {
		granted, err := s.users.GrantWelcomeBonusIfUnset(ctx, user.ID, s.cfg.StartBonusKopecks)
		if err != nil {
			return nil, false, fmt.Errorf("grant welcome bonus: %w", err)
		}
		if granted {
			user.BonusGranted = true
			user.BalanceKopecks += s.cfg.StartBonusKopecks
			if s.cfg.StartBonusKopecks > 0 {
				s.log.Info("welcome bonus granted", "user_id", user.ID, "amount_kopecks", s.cfg.StartBonusKopecks)
			}
		}
	}

	return user, created, nil
}

func (s *UserService) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return s.users.FindByTelegramID(ctx, telegramID)
}

func (s *UserService) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.users.Balance(ctx, userID)
}

func (s *UserService) Credit(ctx context.Context, userID int64, amountKopecks int64) error {
	return s.users.Credit(ctx, userID, amountKopecks)
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
