package payout

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrInFlight is returned when a payout is already claimed by another settlement attempt.
	ErrInFlight = errors.New("payout already in flight")
	// ErrNotRetryable is returned for payouts that are paid or still pending their first attempt.
	ErrNotRetryable = errors.New("payout is not in a retryable state")
	// ErrPeriodOpen is returned when payouts are generated for a week that has not ended.
	ErrPeriodOpen = errors.New("payout period has not closed")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
)

type Type string

const (
	TypeChipRewards Type = "chip_rewards"
	TypeRewardMatch Type = "reward_match"
)

// Payout is unique per (AffiliateID, Period, Type). Retries reuse the record.
type Payout struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	AffiliateID   uuid.UUID       `json:"affiliate_id" db:"affiliate_id"`
	Period        string          `json:"period" db:"period"`
	Type          Type            `json:"payout_type" db:"payout_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Status        Status          `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	ExternalRef   *string         `json:"external_ref,omitempty" db:"external_ref"`
	FailureReason *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// Claimable reports whether a settlement attempt may move p to approved.
func (p Payout) Claimable() bool {
	return p.Status == StatusPending || p.Status == StatusFailed
}

func New(affiliateID uuid.UUID, period string, typ Type, amount decimal.Decimal, now time.Time) Payout {
	return Payout{
		ID:          uuid.New(),
		AffiliateID: affiliateID,
		Period:      period,
		Type:        typ,
		Amount:      amount,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RunSummary is what a payout run reports back to the scheduler.
type RunSummary struct {
	Period    string          `json:"period"`
	Generated int             `json:"generated"`
	Skipped   int             `json:"skipped"`
	Paid      int             `json:"paid"`
	Failed    int             `json:"failed"`
	Released  int             `json:"released"`
	PaidTotal decimal.Decimal `json:"paid_total"`
}
