package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artforge/genbot/internal/config"
	"github.com/artforge/genbot/internal/kie"
	"github.com/artforge/genbot/internal/models"
	"github.com/artforge/genbot/internal/pricing"
)

// ErrInsufficientFunds declines a paid generation before anything is
// written; the user sees the specific reason.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrQuotaExhausted is surfaced only under the block policy; the default
// degrade policy converts an exhausted allowance into a paid charge.
var ErrQuotaExhausted = errors.New("free quota exhausted")

// BalanceLedger is the per-user money store. Debit must be atomic
// check-and-decrement.
type BalanceLedger interface {
	Debit(ctx context.Context, userID int64, amountKopecks int64) (bool, error)
	Credit(ctx context.Context, userID int64, amountKopecks int64) error
}

// QuotaLedger is the per-user free-allowance store. Consume must be atomic
// check-and-decrement.
type QuotaLedger interface {
	Consume(ctx context.Context, userID int64, class models.Category) (bool, error)
	Refund(ctx context.Context, userID int64, class models.Category) error
}

// EventJournal records generation attempts. Finalize must reject a second
// terminal write, MarkRefunded must return true at most once per event.
type EventJournal interface {
	Start(ctx context.Context, ev *models.GenerationEvent) (int64, error)
	Finalize(ctx context.Context, eventID int64, status models.EventStatus, errorCode, errorMessage string, durationMS int64) error
	SetTaskID(ctx context.Context, eventID int64, taskID string) error
	MarkRefunded(ctx context.Context, eventID int64) (bool, error)
}

// Generator is the external provider call: opaque, slow, and the only
// thing allowed to block for non-trivial time.
type Generator interface {
	Generate(ctx context.Context, modelID string, input kie.GenerateInput) (*kie.Result, error)
}

// BillingService sequences quota check, balance check, event start,
// provider invocation and finalization with commit or rollback. One
// Generate call owns its event from start to terminal state.
type BillingService struct {
	cfg       config.Config
	log       *slog.Logger
	pricing   *pricing.Service
	balance   BalanceLedger
	quota     QuotaLedger
	events    EventJournal
	generator Generator
}

func NewBillingService(cfg config.Config, log *slog.Logger, pricingSvc *pricing.Service, balance BalanceLedger, quota QuotaLedger, events EventJournal, generator Generator) *BillingService {
	return &BillingService{
		cfg:       cfg,
		log:       log,
		pricing:   pricingSvc,
		balance:   balance,
		quota:     quota,
		events:    events,
		generator: generator,
	}
}

type GenerationRequest struct {
	ModelID      string
	ChatID       *int64
	Prompt       string
	AspectRatio  string
	Resolution   string
	OutputFormat string
	InputURLs    []string
}

type GenerationResult struct {
	URL       string
	Quote     pricing.Quote
	EventID   int64
	RequestID string
}

// Pricing exposes the quoting service so front ends render prices through
// the exact lookup the charge uses.
func (s *BillingService) Pricing() *pricing.Service {
	return s.pricing
}

// Generate runs one billed generation attempt.
//
// Declines (unknown model, insufficient funds, blocked quota) happen
// before the event is written and leave no trace. Once a started event
// exists it always reaches a terminal state, even when the caller has
// abandoned the request, and a failed or timed-out attempt gets exactly
// one reversal of whatever was taken up front.
func (s *BillingService) Generate(ctx context.Context, user *models.User, req GenerationRequest) (*GenerationResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	quote, err := s.pricing.Quote(ctx, user.ID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if quote.Degraded && s.cfg.QuotaExhausted == config.QuotaBlock {
		return nil, ErrQuotaExhausted
	}

	if quote.FreeApplied {
		ok, err := s.quota.Consume(ctx, user.ID, quote.Category)
		if err != nil {
			return nil, fmt.Errorf("consume quota: %w", err)
		}
		if !ok {
			// Lost the race on the last free slot.
			if s.cfg.QuotaExhausted == config.QuotaBlock {
				return nil, ErrQuotaExhausted
			}
			quote, err = s.pricing.Degrade(quote)
			if err != nil {
				return nil, err
			}
		}
	}

	if !quote.FreeApplied && quote.PriceKopecks > 0 {
		ok, err := s.balance.Debit(ctx, user.ID, quote.PriceKopecks)
		if err != nil {
			return nil, fmt.Errorf("debit balance: %w", err)
		}
		if !ok {
			return nil, ErrInsufficientFunds
		}
	}

	requestID := uuid.NewString()
	ev := &models.GenerationEvent{
		UserID:        user.ID,
		ChatID:        req.ChatID,
		ModelID:       quote.ModelID,
		Category:      quote.Category,
		IsFreeApplied: quote.FreeApplied,
		PriceKopecks:  quote.PriceKopecks,
		RequestID:     requestID,
	}
	eventID, err := s.events.Start(ctx, ev)
	if err != nil {
		// The charge is already taken; restore it rather than leak.
		s.reverse(context.WithoutCancel(ctx), eventID, user.ID, quote, true)
		return nil, fmt.Errorf("start event: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	startedAt := time.Now()
	result, genErr := s.generator.Generate(genCtx, quote.ModelID, kie.GenerateInput{
		Prompt:       req.Prompt,
		AspectRatio:  req.AspectRatio,
		Resolution:   req.Resolution,
		OutputFormat: req.OutputFormat,
		InputURLs:    req.InputURLs,
	})
	durationMS := time.Since(startedAt).Milliseconds()

	// Finalization and reversal must run even if the caller abandoned us.
	finCtx := context.WithoutCancel(ctx)

	if genErr == nil {
		if result.TaskID != "" {
			if err := s.events.SetTaskID(finCtx, eventID, result.TaskID); err != nil {
				s.log.Error("set task id", "event_id", eventID, "err", err)
			}
		}
		s.finalize(finCtx, eventID, models.StatusSuccess, "", "", durationMS)
		return &GenerationResult{
			URL:       result.URL,
			Quote:     quote,
			EventID:   eventID,
			RequestID: requestID,
		}, nil
	}

	status, errCode, errMsg := classifyFailure(genErr)
	s.finalize(finCtx, eventID, status, errCode, errMsg, durationMS)
	s.reverse(finCtx, eventID, user.ID, quote, false)

	return nil, fmt.Errorf("generation %s: %w", status, genErr)
}

// classifyFailure separates "provider explicitly rejected" from "no answer
// within bound" so diagnostics can tell them apart.
func classifyFailure(err error) (models.EventStatus, string, string) {
	if te, ok := kie.AsTaskError(err); ok {
		code := te.Code
		if code == "" {
			code = "provider_error"
		}
		return models.StatusFailed, code, te.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.StatusTimeout, "timeout", "generation did not finish within the configured bound"
	}
	if errors.Is(err, context.Canceled) {
		return models.StatusTimeout, "canceled", "request abandoned before the generation finished"
	}
	return models.StatusFailed, "internal", err.Error()
}

func (s *BillingService) finalize(ctx context.Context, eventID int64, status models.EventStatus, errCode, errMsg string, durationMS int64) {
	if err := s.events.Finalize(ctx, eventID, status, errCode, errMsg, durationMS); err != nil {
		// A double finalize is a broken invariant, not a user error.
		s.log.Error("finalize event", "event_id", eventID, "status", status, "err", err)
	}
}

// reverse restores whatever Generate took before the provider call: the
// quota slot on the free path or the debited balance on the paid path,
// never both. The refunded flag on the event makes it idempotent. When the
// event row itself was never written (startFailed), the gate is skipped.
func (s *BillingService) reverse(ctx context.Context, eventID, userID int64, quote pricing.Quote, startFailed bool) {
	if !startFailed {
		ok, err := s.events.MarkRefunded(ctx, eventID)
		if err != nil {
			s.log.Error("mark refunded: possible resource leak", "event_id", eventID, "err", err)
			return
		}
		if !ok {
			return
		}
	}

	switch {
	case quote.FreeApplied:
		if err := s.quota.Refund(ctx, userID, quote.Category); err != nil {
			s.log.Error("quota refund failed: resource leak", "event_id", eventID, "user_id", userID, "err", err)
		}
	case quote.PriceKopecks > 0:
		if err := s.balance.Credit(ctx, userID, quote.PriceKopecks); err != nil {
			s.log.Error("balance refund failed: resource leak", "event_id", eventID, "user_id", userID, "amount", quote.PriceKopecks, "err", err)
		}
	}
}
