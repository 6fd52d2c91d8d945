package pool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrPoolExhausted is returned when an award exceeds the pool's remaining capacity.
	ErrPoolExhausted  = errors.New("comp pool exhausted")
	ErrPoolNotFound   = errors.New("comp pool not found")
	ErrAlreadyAwarded = errors.New("comp already awarded for period")
)

type Type string

const (
	TypeConsumer  Type = "consumer"
	TypeAffiliate Type = "affiliate"
	TypeWholesale Type = "wholesale"
)

// Types lists every pool type in allocation order.
var Types = []Type{TypeConsumer, TypeAffiliate, TypeWholesale}

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown pool type %q", s)
}

// Pool is one bucket for one month. DistributedAmount never exceeds TotalAmount.
type Pool struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	Type              Type            `json:"type" db:"pool_type"`
	Period            string          `json:"period" db:"period"`
	TotalAmount       decimal.Decimal `json:"total_amount" db:"total_amount"`
	DistributedAmount decimal.Decimal `json:"distributed_amount" db:"distributed_amount"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

func (p Pool) Remaining() decimal.Decimal {
	return p.TotalAmount.Sub(p.DistributedAmount)
}

// Inflow is a treasury inflow, applied to the pools at most once per reference.
type Inflow struct {
	Reference string          `json:"reference" db:"reference"`
	Period    string          `json:"period" db:"period"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Award is one comp paid from a pool. There is at most one per (member, period, benefit).
type Award struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	PoolID    uuid.UUID       `json:"pool_id" db:"pool_id"`
	PoolType  Type            `json:"pool_type" db:"pool_type"`
	MemberID  uuid.UUID       `json:"member_id" db:"member_id"`
	Period    string          `json:"period" db:"period"`
	Benefit   string          `json:"benefit" db:"benefit"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	AwardedAt time.Time       `json:"awarded_at" db:"awarded_at"`
}

type InflowRequest struct {
	Reference string          `json:"reference" validate:"required"`
	Period    string          `json:"period"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
}

type AwardRequest struct {
	MemberID uuid.UUID       `json:"member_id" validate:"required"`
	PoolType Type            `json:"pool_type" validate:"required"`
	Period   string          `json:"period"`
	Benefit  string          `json:"benefit" validate:"required"`
	Amount   decimal.Decimal `json:"amount" validate:"required"`
}

// GuaranteedComp is a monthly comp drawn for members whose tier grants Benefit.
type GuaranteedComp struct {
	Benefit string
	Pool    Type
	Amount  decimal.Decimal
	Winners int
}

// Split divides amount across pools by percentage (0-100). Shares are rounded
// down to cents and the rounding remainder goes to the last pool, so the
// shares always sum to amount.
func Split(amount decimal.Decimal, pcts map[Type]decimal.Decimal) map[Type]decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	types := make([]Type, 0, len(pcts))
	for t := range pcts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return typeOrder(types[i]) < typeOrder(types[j]) })

	out := make(map[Type]decimal.Decimal, len(types))
	allocated := decimal.Zero
	for i, t := range types {
		if i == len(types)-1 {
			out[t] = amount.Sub(allocated)
			break
		}
		share := amount.Mul(pcts[t]).Div(hundred).RoundDown(2)
		out[t] = share
		allocated = allocated.Add(share)
	}
	return out
}

func typeOrder(t Type) int {
	for i, known := range Types {
		if known == t {
			return i
		}
	}
	return len(Types)
}
