package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/sunset"
	"loyaltyLedgerAPI/internal/tier"
	"loyaltyLedgerAPI/internal/treasury"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write collides with a natural uniqueness key.
	// Callers treat it as "already done".
	ErrConflict = errors.New("record already exists")
)

// MemberStore persists members and affiliates.
type MemberStore interface {
	// CreateMember inserts m and bumps the referring affiliate's referred count.
	CreateMember(ctx context.Context, m scan.Member) (scan.Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (scan.Member, error)
	GetMemberByClerkID(ctx context.Context, clerkID string) (scan.Member, error)

	CreateAffiliate(ctx context.Context, a chip.Affiliate) (chip.Affiliate, error)
	GetAffiliate(ctx context.Context, id uuid.UUID) (chip.Affiliate, error)
	GetAffiliateByMember(ctx context.Context, memberID uuid.UUID) (chip.Affiliate, error)
	GetAffiliateByCode(ctx context.Context, referralCode string) (chip.Affiliate, error)
	ListActiveAffiliates(ctx context.Context) ([]chip.Affiliate, error)
	// SetPermanentTier writes label only if the affiliate has none yet.
	SetPermanentTier(ctx context.Context, affiliateID uuid.UUID, label string) (bool, error)
}

// ScanStore is the append-only scan ledger.
type ScanStore interface {
	// RecordScan inserts ev and, when c is non-nil, the chip it issues, in one
	// atomic unit. A redeemed code yields ErrConflict and writes nothing.
	RecordScan(ctx context.Context, ev scan.Event, c *chip.Chip) error
	CountScans(ctx context.Context, memberID uuid.UUID, quarter string) (int, error)
	CountScansByQuarter(ctx context.Context, quarter string) (map[uuid.UUID]int, error)
	MonthlyVolume(ctx context.Context, month string) (decimal.Decimal, error)
	// DownlineValue sums scan value of members referred by the affiliate in [from, to).
	DownlineValue(ctx context.Context, affiliateID uuid.UUID, from, to time.Time) (decimal.Decimal, error)
}

type TierStore interface {
	GetAssignment(ctx context.Context, memberID uuid.UUID, period string) (tier.Assignment, error)
	// UpsertAssignment inserts a if none exists for (member, period), otherwise
	// updates the existing row when it is not permanent and its tier or count
	// differ. It returns the stored row and whether anything was written.
	UpsertAssignment(ctx context.Context, a tier.Assignment) (tier.Assignment, bool, error)
	ListAssignments(ctx context.Context, period string) ([]tier.Assignment, error)
	LatestAssignment(ctx context.Context, memberID uuid.UUID) (tier.Assignment, error)
	MakePermanent(ctx context.Context, memberID uuid.UUID, period string) error
}

type ChipStore interface {
	GetChip(ctx context.Context, id uuid.UUID) (chip.Chip, error)
	ListChips(ctx context.Context, affiliateID uuid.UUID) ([]chip.Chip, error)
	// VaultChip moves an issued chip owned by affiliateID to vaulted if now is
	// before its expiry. The check and write are one conditional update.
	VaultChip(ctx context.Context, affiliateID, chipID uuid.UUID, now time.Time) (chip.Chip, error)
	// ExpireChips moves every issued chip whose expiry is at or before now to expired.
	ExpireChips(ctx context.Context, now time.Time) (int, error)
	// CountVaulted returns vaulted chip counts per affiliate for chips vaulted in [from, to).
	CountVaulted(ctx context.Context, from, to time.Time) (map[uuid.UUID]int, error)
}

type PoolStore interface {
	// ApplyInflow records the inflow and adds each share to the matching pool
	// total. A reference seen before yields ErrConflict and changes nothing.
	ApplyInflow(ctx context.Context, in pool.Inflow, shares map[pool.Type]decimal.Decimal) error
	GetPools(ctx context.Context, period string) ([]pool.Pool, error)
	// AwardComp increments the pool's distributed amount, records the award and
	// credits the member in one atomic unit. It fails with pool.ErrPoolExhausted
	// when the remaining capacity is below the award and with ErrConflict when
	// the member already holds this benefit for the period.
	AwardComp(ctx context.Context, a pool.Award, credit ledger.Transaction) error
	ListAwards(ctx context.Context, period, benefit string) ([]pool.Award, error)
}

type PayoutStore interface {
	// CreatePayout inserts p unless (affiliate, period, type) exists, in which
	// case it returns ErrConflict.
	CreatePayout(ctx context.Context, p payout.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (payout.Payout, error)
	ListPayouts(ctx context.Context, period string, statuses ...payout.Status) ([]payout.Payout, error)
	// ListRetryable returns pending or failed payouts of any period that have
	// used fewer than maxAttempts settlement attempts, oldest first.
	ListRetryable(ctx context.Context, maxAttempts int) ([]payout.Payout, error)
	// ClaimPayout moves a pending or failed payout to approved and counts the attempt.
	ClaimPayout(ctx context.Context, id uuid.UUID, now time.Time) (payout.Payout, error)
	// CompletePayout marks an approved payout paid, appends the credit and adds
	// the amount to the affiliate's lifetime earnings atomically.
	CompletePayout(ctx context.Context, id uuid.UUID, externalRef string, now time.Time, credit ledger.Transaction) error
	FailPayout(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	// ReleaseStale fails approved payouts not updated since before.
	ReleaseStale(ctx context.Context, before, now time.Time) (int, error)
}

type SunsetStore interface {
	GetSunset(ctx context.Context) (sunset.Status, error)
	// SaveSunsetMetrics stores the volume figures. It never touches the trigger.
	SaveSunsetMetrics(ctx context.Context, s sunset.Status) error
	// TriggerSunset latches the trigger. It reports false if it was already set.
	TriggerSunset(ctx context.Context, at time.Time) (bool, error)
}

type TreasuryStore interface {
	// AppendSnapshot inserts s unless a row exists for its pool type and hour.
	AppendSnapshot(ctx context.Context, s treasury.Snapshot) (bool, error)
	ListSnapshots(ctx context.Context, since time.Time) ([]treasury.Snapshot, error)
}

type LedgerStore interface {
	// AppendTransaction inserts tx. A repeated reference yields ErrConflict.
	AppendTransaction(ctx context.Context, tx ledger.Transaction) error
	ListTransactions(ctx context.Context, memberID uuid.UUID) ([]ledger.Transaction, error)
}

// Store is everything the engine persists.
type Store interface {
	MemberStore
	ScanStore
	TierStore
	ChipStore
	PoolStore
	PayoutStore
	SunsetStore
	TreasuryStore
	LedgerStore

	Ping(ctx context.Context) error
}
