package tier

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNoTierDefinitions is returned when classification runs without any configured tiers.
var ErrNoTierDefinitions = errors.New("no tier definitions configured")

// ErrNoTierMatched is returned when the scan count is below every threshold.
var ErrNoTierMatched = errors.New("scan count below every tier threshold")

// Definition is program configuration; it is never deleted while assignments reference it.
type Definition struct {
	Name               string          `json:"name" db:"name"`
	MinScans           int             `json:"min_scans" db:"min_scans"`
	Multiplier         decimal.Decimal `json:"multiplier" db:"multiplier"`
	PartnerDiscountPct decimal.Decimal `json:"partner_discount_pct" db:"partner_discount_pct"`
	Benefits           map[string]bool `json:"benefits,omitempty"`
}

// HasBenefit looks up key in the tier's benefits map.
func (d Definition) HasBenefit(key string) bool {
	return d.Benefits[key]
}

// Assignment is the tier a member reached for one quarter. There is exactly one
// per (member, period).
type Assignment struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	MemberID   uuid.UUID       `json:"member_id" db:"member_id"`
	Period     string          `json:"period" db:"period"`
	TierName   string          `json:"tier_name" db:"tier_name"`
	ScanCount  int             `json:"scan_count" db:"scan_count"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
	AchievedAt time.Time       `json:"achieved_at" db:"achieved_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	Permanent  bool            `json:"permanent" db:"permanent"`
}

// Sorted returns defs ordered by MinScans ascending.
func Sorted(defs []Definition) []Definition {
	out := make([]Definition, len(defs))
	copy(out, defs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinScans < out[j].MinScans })
	return out
}

// Select returns the definition with the highest MinScans that scans meets.
// Declaration order never matters.
func Select(defs []Definition, scans int) (Definition, error) {
	if len(defs) == 0 {
		return Definition{}, ErrNoTierDefinitions
	}
	var (
		best  Definition
		found bool
	)
	for _, d := range defs {
		if scans < d.MinScans {
			continue
		}
		if !found || d.MinScans > best.MinScans {
			best = d
			found = true
		}
	}
	if !found {
		return Definition{}, ErrNoTierMatched
	}
	return best, nil
}

// Lookup finds a definition by name.
func Lookup(defs []Definition, name string) (Definition, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
