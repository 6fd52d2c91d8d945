package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/store"
)

func TestAllocateInflowSplitsExactlyOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	shares, err := e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-1", Amount: decimal.RequireFromString("100.01")})
	require.NoError(t, err)
	assert.Equal(t, "50", shares[pool.TypeConsumer].String())
	assert.Equal(t, "30", shares[pool.TypeAffiliate].String())
	assert.Equal(t, "20.01", shares[pool.TypeWholesale].String())

	_, err = e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-1", Amount: decimal.RequireFromString("100.01")})
	assert.ErrorIs(t, err, store.ErrConflict)

	pools, err := e.comps.PoolStatus(ctx, "2026-02")
	require.NoError(t, err)
	require.Len(t, pools, 3)
	total := decimal.Zero
	for _, p := range pools {
		total = total.Add(p.TotalAmount)
	}
	assert.Equal(t, "100.01", total.String())
}

func TestConcurrentAwardsNeverExceedPool(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-2", Amount: decimal.NewFromInt(120)})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.comps.Award(ctx, pool.AwardRequest{
				MemberID: uuid.New(),
				PoolType: pool.TypeConsumer,
				Benefit:  "crypto_100",
				Amount:   decimal.NewFromInt(50),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, pool.ErrPoolExhausted):
				exhausted++
			}
		}()
	}
	wg.Wait()

	// The consumer pool holds 60 of the 120.
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, exhausted)

	pools, err := e.comps.PoolStatus(ctx, "2026-02")
	require.NoError(t, err)
	for _, p := range pools {
		assert.True(t, p.DistributedAmount.LessThanOrEqual(p.TotalAmount), "pool %s overdrawn", p.Type)
	}
}

func TestAwardCreditsCompBalanceOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)
	_, err := e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-3", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	req := pool.AwardRequest{MemberID: m.ID, PoolType: pool.TypeConsumer, Benefit: "crypto_100", Amount: decimal.NewFromInt(100)}
	_, err = e.comps.Award(ctx, req)
	require.NoError(t, err)
	_, err = e.comps.Award(ctx, req)
	assert.ErrorIs(t, err, pool.ErrAlreadyAwarded)

	bal, err := e.wallet.Balances(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Comp.String())
	assert.Equal(t, 1, e.sender.count(notification.KindCompAwarded))
}

func TestAwardWithoutPool(t *testing.T) {
	e := newEngine(t)
	_, err := e.comps.Award(context.Background(), pool.AwardRequest{MemberID: uuid.New(), PoolType: pool.TypeWholesale, Benefit: "crypto_100", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)
}

func TestGuaranteedCompsNeverRepeatWinners(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-4", Amount: decimal.NewFromInt(10000)})
	require.NoError(t, err)

	var vips []uuid.UUID
	for i := 0; i < 3; i++ {
		m := e.member(t, nil)
		e.scan(t, m.ID, 7, testNow, decimal.NewFromInt(1))
		vips = append(vips, m.ID)
	}
	roller := e.member(t, nil)
	e.scan(t, roller.ID, 15, testNow, decimal.NewFromInt(1))
	standard := e.member(t, nil)
	e.scan(t, standard.ID, 2, testNow, decimal.NewFromInt(1))

	summary, err := e.comps.RunGuaranteedComps(ctx, "2026-02")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Awarded["crypto_100"])
	assert.Equal(t, 1, summary.Awarded["casino_comp"])

	casino, err := e.store.ListAwards(ctx, "2026-02", "casino_comp")
	require.NoError(t, err)
	require.Len(t, casino, 1)
	assert.Equal(t, roller.ID, casino[0].MemberID)

	again, err := e.comps.RunGuaranteedComps(ctx, "2026-02")
	require.NoError(t, err)
	assert.Zero(t, again.Awarded["crypto_100"])
	assert.Zero(t, again.Awarded["casino_comp"])

	crypto, err := e.store.ListAwards(ctx, "2026-02", "crypto_100")
	require.NoError(t, err)
	assert.Len(t, crypto, 2)
	seen := map[uuid.UUID]bool{}
	for _, a := range crypto {
		assert.False(t, seen[a.MemberID])
		seen[a.MemberID] = true
		assert.NotEqual(t, standard.ID, a.MemberID)
	}
}

func TestGuaranteedCompsStopOnExhaustion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	// Consumer pool gets 150: room for one 100 comp.
	_, err := e.comps.AllocateInflow(ctx, pool.InflowRequest{Reference: "wire-5", Amount: decimal.NewFromInt(300)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m := e.member(t, nil)
		e.scan(t, m.ID, 7, testNow, decimal.NewFromInt(1))
	}

	summary, err := e.comps.RunGuaranteedComps(ctx, "2026-02")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Awarded["crypto_100"])
	assert.Contains(t, summary.Exhausted, "crypto_100")
}

func TestGuaranteedCompsRejectQuarter(t *testing.T) {
	e := newEngine(t)
	_, err := e.comps.RunGuaranteedComps(context.Background(), "2026-Q1")
	assert.Error(t, err)
}
