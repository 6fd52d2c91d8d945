package sunset

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRollingAverage(t *testing.T) {
	vols := []decimal.Decimal{decimal.NewFromInt(90000), decimal.NewFromInt(100000), decimal.NewFromInt(110000)}
	avg := RollingAverage(vols, 3)
	assert.Equal(t, "100000", avg.String())
	assert.True(t, Reached(avg, decimal.NewFromInt(100000)))
	assert.False(t, Reached(avg, decimal.NewFromInt(100001)))
}

func TestRollingAverageMissingMonths(t *testing.T) {
	avg := RollingAverage([]decimal.Decimal{decimal.NewFromInt(300)}, 3)
	assert.Equal(t, "100", avg.String())
	assert.True(t, RollingAverage(nil, 0).IsZero())
}
