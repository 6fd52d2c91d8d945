package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/chip"
)

func TestVaultBeforeExpirySurvivesSweep(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)
	issuedAt := testNow
	chips := e.scan(t, m.ID, 1, issuedAt, decimal.NewFromInt(1))
	require.Len(t, chips, 1)
	id := chips[0].ID

	e.now = issuedAt.Add(13*24*time.Hour + 23*time.Hour)
	res := e.chips.Vault(ctx, aff.ID, []string{id.String()})
	assert.Equal(t, []uuid.UUID{id}, res.Vaulted)
	assert.Empty(t, res.Failed)

	e.now = issuedAt.Add(15 * 24 * time.Hour)
	n, err := e.chips.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.store.GetChip(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chip.StateVaulted, got.State())
	assert.False(t, got.IsExpired)
}

func TestVaultAfterExpiryIsRejected(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)
	chips := e.scan(t, m.ID, 1, testNow, decimal.NewFromInt(1))

	e.now = testNow.Add(vaultWindow)
	res := e.chips.Vault(ctx, aff.ID, []string{chips[0].ID.String()})
	assert.Empty(t, res.Vaulted)
	assert.Equal(t, "expired", res.Failed[chips[0].ID.String()])

	n, err := e.chips.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := e.chips.List(ctx, aff.ID, chip.StateExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestVaultBatchReportsPerChip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	other := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)
	stranger := e.member(t, &other.ID)

	mine := e.scan(t, m.ID, 2, testNow, decimal.NewFromInt(1))
	theirs := e.scan(t, stranger.ID, 1, testNow, decimal.NewFromInt(1))

	first := e.chips.Vault(ctx, aff.ID, []string{mine[0].ID.String()})
	require.Len(t, first.Vaulted, 1)

	res := e.chips.Vault(ctx, aff.ID, []string{
		mine[0].ID.String(),
		mine[1].ID.String(),
		mine[1].ID.String(),
		theirs[0].ID.String(),
		"not-a-uuid",
	})
	assert.Equal(t, []uuid.UUID{mine[1].ID}, res.Vaulted)
	assert.Equal(t, map[string]string{
		mine[0].ID.String():   "already_vaulted",
		theirs[0].ID.String(): "not_found",
		"not-a-uuid":          "not_found",
	}, res.Failed)
}

func TestSweepAndVaultRaceNeverDoubleTransitions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)
	chips := e.scan(t, m.ID, 50, testNow, decimal.NewFromInt(1))

	ids := make([]string, len(chips))
	for i, c := range chips {
		ids[i] = c.ID.String()
	}

	// Both run exactly at the deadline window edge.
	e.now = testNow.Add(vaultWindow - time.Second)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.chips.Vault(ctx, aff.ID, ids)
	}()
	go func() {
		defer wg.Done()
		_, err := e.store.ExpireChips(ctx, testNow.Add(vaultWindow))
		assert.NoError(t, err)
	}()
	wg.Wait()

	all, err := e.chips.List(ctx, aff.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 50)
	for _, c := range all {
		assert.False(t, c.IsVaulted && c.IsExpired, "chip %s is both vaulted and expired", c.ID)
		assert.NotEqual(t, chip.StateIssued, c.State())
	}
}

func TestAffiliateForMember(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)

	got, err := e.chips.AffiliateForMember(ctx, aff.MemberID)
	require.NoError(t, err)
	assert.Equal(t, aff.ID, got.ID)

	_, err = e.chips.AffiliateForMember(ctx, uuid.New())
	assert.ErrorIs(t, err, chip.ErrAffiliateNotFound)
}
