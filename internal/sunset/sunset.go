package sunset

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the program-wide sunset record. IsTriggered only ever goes from
// false to true and TriggeredAt is written once.
type Status struct {
	CurrentMonth         string          `json:"current_month" db:"current_month"`
	CurrentMonthlyVolume decimal.Decimal `json:"current_monthly_volume" db:"current_monthly_volume"`
	RollingAverage       decimal.Decimal `json:"rolling_average" db:"rolling_average"`
	Threshold            decimal.Decimal `json:"threshold" db:"threshold"`
	IsTriggered          bool            `json:"is_triggered" db:"is_triggered"`
	TriggeredAt          *time.Time      `json:"triggered_at,omitempty" db:"triggered_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// RollingAverage is the mean of the monthly volumes. Missing months count as zero.
func RollingAverage(volumes []decimal.Decimal, months int) decimal.Decimal {
	if months <= 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range volumes {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(months))).Round(2)
}

// Reached reports whether avg meets the threshold. Equality counts.
func Reached(avg, threshold decimal.Decimal) bool {
	return avg.GreaterThanOrEqual(threshold)
}

type Migration struct {
	Frozen       int `json:"frozen"`
	AlreadySet   int `json:"already_set"`
	Pinned       int `json:"pinned"`
	Unclassified int `json:"unclassified"`
}
