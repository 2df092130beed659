package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/pricing"
	"github.com/artforge/genbot/internal/repository"
)

// PaymentService handles balance top-ups through Telegram Payments: it
// issues invoices for the active top-up plan and credits the balance when
// the payment confirmation arrives.
type PaymentService struct {
	cfg      config.Config
	log      *slog.Logger
	payments *repository.PaymentRepository
	users    *repository.UserRepository
	plans    *PlanService
}

func NewPaymentService(cfg config.Config, log *slog.Logger, payments *repository.PaymentRepository, users *repository.UserRepository, plans *PlanService) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		log:      log,
		payments: payments,
		users:    users,
		plans:    plans,
	}
}

// SendInvoice sends a Telegram invoice for the default top-up plan.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, user *models.User, chatID int64) error {
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return fmt.Errorf("get default plan: %w", err)
	}
	if plan == nil {
		return fmt.Errorf("no active plan configured")
	}

	prices := []tgbotapi.LabeledPrice{
		{
			Label:  fmt.Sprintf("Пополнение на %s", pricing.FormatKopecks(plan.CreditKopecks)),
			Amount: plan.PriceMinorUnits,
		},
	}

	payload, _ := json.Marshal(map[string]any{
		"plan_id": plan.ID,
	})

	description := plan.Description
	if description == "" {
		description = "Пополнение баланса"
	}

	invoice := tgbotapi.NewInvoice(chatID,
		plan.Title,
		description,
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"topup",
		plan.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *PaymentService) HandlePreCheckout(bot *tgbotapi.BotAPI, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment credits the purchased amount. Telegram can
// redeliver the confirmation update, so the provider charge id is checked
// first and a repeat is a no-op.
func (s *PaymentService) HandleSuccessfulPayment(ctx context.Context, user *models.User, payment *tgbotapi.SuccessfulPayment) error {
	if payment.ProviderPaymentChargeID != "" {
		existing, err := s.payments.FindByProviderCharge(ctx, "telegram", payment.ProviderPaymentChargeID)
		if err != nil {
			return fmt.Errorf("check duplicate payment: %w", err)
		}
		if existing != nil {
			s.log.Info("duplicate payment confirmation ignored", "charge_id", payment.ProviderPaymentChargeID)
			return nil
		}
	}

	var payload struct {
		PlanID int64 `json:"plan_id"`
	}
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return fmt.Errorf("parse payment payload: %w", err)
	}

	plan, err := s.planFromPayload(ctx, payload.PlanID)
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("no plan available for payment recording")
	}

	if err := s.users.Credit(ctx, user.ID, plan.CreditKopecks); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	planID := plan.ID
	raw, _ := json.Marshal(payment)
	record := &models.Payment{
		UserID:         user.ID,
		PlanID:         &planID,
		Provider:       "telegram",
		ProviderCharge: payment.ProviderPaymentChargeID,
		Currency:       payment.Currency,
		Amount:         payment.TotalAmount,
		Status:         "succeeded",
		RawPayload:     string(raw),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	s.log.Info("balance topped up", "user_id", user.ID, "credit_kopecks", plan.CreditKopecks, "charge_id", payment.ProviderPaymentChargeID)
	return nil
}

func (s *PaymentService) planFromPayload(ctx context.Context, planID int64) (*models.TopupPlan, error) {
	if planID > 0 {
		plan, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("get plan %d: %w", planID, err)
		}
		if plan != nil {
			return plan, nil
		}
	}
	plan, err := s.plans.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("get default plan: %w", err)
	}
	return plan, nil
}
