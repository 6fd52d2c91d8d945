package tier

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defs() []Definition {
	// Deliberately out of order.
	return []Definition{
		{Name: "High Roller", MinScans: 15, Multiplier: decimal.NewFromInt(2)},
		{Name: "Standard", MinScans: 0, Multiplier: decimal.NewFromInt(1)},
		{Name: "Whale", MinScans: 30, Multiplier: decimal.NewFromInt(3)},
		{Name: "VIP", MinScans: 7, Multiplier: decimal.RequireFromString("1.5")},
	}
}

func TestSelect(t *testing.T) {
	cases := map[int]string{0: "Standard", 6: "Standard", 7: "VIP", 8: "VIP", 15: "High Roller", 29: "High Roller", 30: "Whale", 500: "Whale"}
	for scans, want := range cases {
		got, err := Select(defs(), scans)
		require.NoError(t, err)
		assert.Equal(t, want, got.Name, "scans=%d", scans)
	}
}

func TestSelectErrors(t *testing.T) {
	_, err := Select(nil, 10)
	assert.ErrorIs(t, err, ErrNoTierDefinitions)

	_, err = Select([]Definition{{Name: "VIP", MinScans: 7}}, 3)
	assert.ErrorIs(t, err, ErrNoTierMatched)
}

func TestSortedAndLookup(t *testing.T) {
	sorted := Sorted(defs())
	names := []string{}
	for _, d := range sorted {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Standard", "VIP", "High Roller", "Whale"}, names)

	d, ok := Lookup(defs(), "Whale")
	assert.True(t, ok)
	assert.Equal(t, 30, d.MinScans)

	_, ok = Lookup(defs(), "Bronze")
	assert.False(t, ok)
}
