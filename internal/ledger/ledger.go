package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

type Type string

const (
	TypePayout     Type = "payout"
	TypeComp       Type = "comp"
	TypeScanReward Type = "scan_reward"
	TypeAdjustment Type = "adjustment"
)

type Bucket string

const (
	BucketWalletAvailable Bucket = "wallet_available"
	BucketWalletPending   Bucket = "wallet_pending"
	BucketComp            Bucket = "comp"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Transaction is an append-only money movement. Balances are derived from
// these rows, never stored. Reference is unique when set.
type Transaction struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	MemberID    uuid.UUID       `json:"member_id" db:"member_id"`
	Kind        Kind            `json:"kind" db:"kind"`
	Type        Type            `json:"type" db:"tx_type"`
	Bucket      Bucket          `json:"bucket" db:"bucket"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Status      Status          `json:"status" db:"status"`
	Reference   *string         `json:"reference,omitempty" db:"reference"`
	Destination *string         `json:"destination,omitempty" db:"destination"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

type Balances struct {
	WalletAvailable decimal.Decimal `json:"wallet_available"`
	WalletPending   decimal.Decimal `json:"wallet_pending"`
	Comp            decimal.Decimal `json:"comp"`
}

// Derive folds txs into per-bucket balances.
func Derive(txs []Transaction) Balances {
	var b Balances
	for _, tx := range txs {
		amt := tx.Amount
		if tx.Kind == KindDebit {
			amt = amt.Neg()
		}
		switch tx.Bucket {
		case BucketWalletAvailable:
			b.WalletAvailable = b.WalletAvailable.Add(amt)
		case BucketWalletPending:
			b.WalletPending = b.WalletPending.Add(amt)
		case BucketComp:
			b.Comp = b.Comp.Add(amt)
		}
	}
	return b
}

func Ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
