package treasury

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/pool"
)

const (
	SourceBank  = "bank"
	SourceChain = "chain"
)

// Snapshot is one hourly balance reading for a pool type. Rows are append-only.
type Snapshot struct {
	ID       uuid.UUID       `json:"id" db:"id"`
	PoolType pool.Type       `json:"pool_type" db:"pool_type"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
	Source   string          `json:"source" db:"source"`
	TakenAt  time.Time       `json:"taken_at" db:"taken_at"`
}

// Balances maps a pool type to a balance as reported by a balance source.
type Balances map[pool.Type]decimal.Decimal

// Merge adds every balance in other to b.
func (b Balances) Merge(other Balances) {
	for t, v := range other {
		b[t] = b[t].Add(v)
	}
}

// CachedBalances is the bank reading held between teller syncs.
type CachedBalances struct {
	Balances  Balances  `json:"balances"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SnapshotHour truncates t to the hour bucket a snapshot is keyed on.
func SnapshotHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
