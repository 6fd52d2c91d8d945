package chip

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrChipNotFound       = errors.New("chip not found")
	ErrChipAlreadyVaulted = errors.New("chip already vaulted")
	ErrChipExpired        = errors.New("chip expired")
	ErrAffiliateNotFound  = errors.New("affiliate not found")
)

type State string

const (
	StateIssued  State = "issued"
	StateVaulted State = "vaulted"
	StateExpired State = "expired"
)

// Affiliate is a member with a referral relationship. PermanentTier is set
// once, when the program sunset fires.
type Affiliate struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	MemberID         uuid.UUID       `json:"member_id" db:"member_id"`
	ReferralCode     string          `json:"referral_code" db:"referral_code"`
	ReferredCount    int             `json:"referred_count" db:"referred_count"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings" db:"lifetime_earnings"`
	MatchingPct      decimal.Decimal `json:"matching_pct" db:"matching_pct"`
	PermanentTier    *string         `json:"permanent_tier,omitempty" db:"permanent_tier"`
	Active           bool            `json:"active" db:"active"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Chip is owned by exactly one affiliate and traces to exactly one scan.
type Chip struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	AffiliateID    uuid.UUID  `json:"affiliate_id" db:"affiliate_id"`
	SourceMemberID uuid.UUID  `json:"source_member_id" db:"source_member_id"`
	SourceScanID   uuid.UUID  `json:"source_scan_id" db:"source_scan_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	IsVaulted      bool       `json:"is_vaulted" db:"is_vaulted"`
	VaultedAt      *time.Time `json:"vaulted_at,omitempty" db:"vaulted_at"`
	VaultExpiry    time.Time  `json:"vault_expiry" db:"vault_expiry"`
	IsExpired      bool       `json:"is_expired" db:"is_expired"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty" db:"expired_at"`
}

func (c Chip) State() State {
	switch {
	case c.IsVaulted:
		return StateVaulted
	case c.IsExpired:
		return StateExpired
	default:
		return StateIssued
	}
}

// CanVault reports why the chip cannot be vaulted at now, or nil if it can.
func (c Chip) CanVault(now time.Time) error {
	switch {
	case c.IsVaulted:
		return ErrChipAlreadyVaulted
	case c.IsExpired, !now.Before(c.VaultExpiry):
		return ErrChipExpired
	}
	return nil
}

// Expirable reports whether a sweep at now should move the chip to expired.
func (c Chip) Expirable(now time.Time) bool {
	return !c.IsVaulted && !c.IsExpired && !now.Before(c.VaultExpiry)
}

// Issue builds the chip credited to affiliateID for a downline scan.
func Issue(affiliateID, sourceMemberID, sourceScanID uuid.UUID, at time.Time, window time.Duration) Chip {
	return Chip{
		ID:             uuid.New(),
		AffiliateID:    affiliateID,
		SourceMemberID: sourceMemberID,
		SourceScanID:   sourceScanID,
		CreatedAt:      at,
		VaultExpiry:    at.Add(window),
	}
}

type VaultRequest struct {
	ChipIDs []string `json:"chip_ids" validate:"required"`
}

// VaultResult reports the outcome of every chip in a vault request; a batch
// never fails as a whole.
type VaultResult struct {
	Vaulted []uuid.UUID       `json:"vaulted"`
	Failed  map[string]string `json:"failed"`
}

// FailureReason maps a per-chip error onto the code reported to callers.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrChipNotFound):
		return "not_found"
	case errors.Is(err, ErrChipAlreadyVaulted):
		return "already_vaulted"
	case errors.Is(err, ErrChipExpired):
		return "expired"
	default:
		return "error"
	}
}
