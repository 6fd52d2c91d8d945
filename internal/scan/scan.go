package scan

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrCodeAlreadyRedeemed is returned when a code has already produced a scan event.
var ErrCodeAlreadyRedeemed = errors.New("code already redeemed")

type Member struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	ClerkID    string     `json:"clerk_id" db:"clerk_id"`
	ReferredBy *uuid.UUID `json:"referred_by,omitempty" db:"referred_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Event is one redeemed code. Events are never updated or deleted.
type Event struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	MemberID  uuid.UUID       `json:"member_id" db:"member_id"`
	CodeID    string          `json:"code_id" db:"code_id"`
	ProductID string          `json:"product_id" db:"product_id"`
	Quarter   string          `json:"quarter" db:"quarter"`
	Month     string          `json:"month" db:"month"`
	Value     decimal.Decimal `json:"value" db:"value"`
	Streak    int             `json:"streak" db:"streak"`
	ScannedAt time.Time       `json:"scanned_at" db:"scanned_at"`
}

type RecordScanRequest struct {
	MemberID  uuid.UUID       `json:"member_id" validate:"required"`
	CodeID    string          `json:"code_id" validate:"required"`
	ProductID string          `json:"product_id"`
	Value     decimal.Decimal `json:"value"`
	Streak    int             `json:"streak"`
	ScannedAt *time.Time      `json:"scanned_at,omitempty"`
}
