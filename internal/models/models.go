package models

import "time"

// Tier classifies a model as quota-limited (free while quota lasts) or
// always charged.
type Tier string

const (
	TierFree Tier = "FREE"
	TierPaid Tier = "PAID"
)

// Category groups models for quota accounting. All models of one category
// draw from the same free allowance.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
)

// EventStatus is the lifecycle state of a generation event. An event is
// created as started and moves exactly once to one of the terminal states.
type EventStatus string

const (
	StatusStarted EventStatus = "started"
	StatusSuccess EventStatus = "success"
	StatusFailed  EventStatus = "failed"
	StatusTimeout EventStatus = "timeout"
)

// Terminal reports whether s is a closed state.
func (s EventStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

type User struct {
	ID             int64
	TelegramID     int64
	Username       string
	FirstName      string
	LastName       string
	BalanceKopecks int64
	BonusGranted   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GenerationEvent is the durable record of one generation attempt. The
// persisted field names are a contract read by diagnostics and billing
// audits, see internal/database/schema.go.
type GenerationEvent struct {
	ID            int64
	UserID        int64
	ChatID        *int64
	ModelID       string
	Category      Category
	Status        EventStatus
	IsFreeApplied bool
	PriceKopecks  int64
	RequestID     string
	TaskID        string
	ErrorCode     string
	ErrorMessage  string
	DurationMS    int64
	Refunded      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserStats is the per-user rollup over generation events.
type UserStats struct {
	Total        int64
	Success      int64
	Failed       int64
	Timeout      int64
	TotalKopecks int64
}

type PromoCode struct {
	ID        int64
	Code      string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}

type Payment struct {
	ID             int64
	UserID         int64
	PlanID         *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TopupPlan is a purchasable balance package: the user pays Price and the
// bot credits CreditKopecks to their balance.
type TopupPlan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	CreditKopecks   int64
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
