package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/payout"
)

var (
	weekScanAt  = time.Date(2026, time.February, 3, 10, 0, 0, 0, time.UTC)
	weekVaultAt = time.Date(2026, time.February, 4, 10, 0, 0, 0, time.UTC)
)

// payoutFixture builds a VIP affiliate with four downline chips vaulted in
// 2026-W06 and 40 of downline scan value that week.
func payoutFixture(t *testing.T, e *engine) chip.Affiliate {
	t.Helper()
	aff := e.affiliate(t, 10)
	e.scan(t, aff.MemberID, 8, weekScanAt, decimal.NewFromInt(1))

	downline := e.member(t, &aff.ID)
	chips := e.scan(t, downline.ID, 4, weekScanAt, decimal.NewFromInt(10))
	require.Len(t, chips, 4)

	ids := make([]string, len(chips))
	for i, c := range chips {
		ids[i] = c.ID.String()
	}
	e.now = weekVaultAt
	res := e.chips.Vault(context.Background(), aff.ID, ids)
	require.Len(t, res.Vaulted, 4)
	e.now = testNow
	return aff
}

func TestGenerateComputesChipAndMatchPayouts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := payoutFixture(t, e)

	summary, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Generated)

	list, err := e.store.ListPayouts(ctx, "2026-W06")
	require.NoError(t, err)
	require.Len(t, list, 2)
	amounts := map[payout.Type]string{}
	for _, p := range list {
		assert.Equal(t, aff.ID, p.AffiliateID)
		assert.Equal(t, payout.StatusPending, p.Status)
		amounts[p.Type] = p.Amount.StringFixed(2)
	}
	// 4 chips x 2.50 x 1.5 (VIP) and 10% of 40.
	assert.Equal(t, "15.00", amounts[payout.TypeChipRewards])
	assert.Equal(t, "4.00", amounts[payout.TypeRewardMatch])

	again, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Zero(t, again.Generated)
	assert.Equal(t, 2, again.Skipped)
}

func TestGenerateRejectsOpenWeek(t *testing.T) {
	e := newEngine(t)
	_, err := e.payouts.Generate(context.Background(), "2026-W07")
	assert.ErrorIs(t, err, payout.ErrPeriodOpen)
}

func TestRunWeeklyTwicePaysOnce(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := payoutFixture(t, e)

	first, err := e.payouts.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-W06", first.Period)
	assert.Equal(t, 2, first.Paid)
	assert.Equal(t, "19", first.PaidTotal.String())

	second, err := e.payouts.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Paid)
	assert.True(t, second.PaidTotal.IsZero())

	bal, err := e.wallet.Balances(ctx, aff.MemberID)
	require.NoError(t, err)
	assert.Equal(t, "19", bal.WalletAvailable.String())

	refreshed, err := e.store.GetAffiliate(ctx, aff.ID)
	require.NoError(t, err)
	assert.Equal(t, "19", refreshed.LifetimeEarnings.String())

	st, err := e.sunset.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-02", st.CurrentMonth)
}

func TestFailedPayoutRetryReusesRecord(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := payoutFixture(t, e)
	_, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)

	e.settler.failures = 2
	summary, err := e.payouts.Settle(ctx, "2026-W06")
	assert.Error(t, err)
	assert.Equal(t, 2, summary.Failed)

	bal, err := e.wallet.Balances(ctx, aff.MemberID)
	require.NoError(t, err)
	assert.True(t, bal.WalletAvailable.IsZero())

	failed, err := e.store.ListPayouts(ctx, "2026-W06", payout.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.NotNil(t, failed[0].FailureReason)

	retried, err := e.payouts.Retry(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, failed[0].ID, retried.ID)
	assert.Equal(t, payout.StatusPaid, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, 2, e.settler.calls[failed[0].ID])

	_, err = e.payouts.Retry(ctx, failed[0].ID)
	assert.ErrorIs(t, err, payout.ErrNotRetryable)

	all, err := e.store.ListPayouts(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSettleStopsAfterMaxAttempts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	payoutFixture(t, e)
	_, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)

	e.settler.failures = 1000
	for i := 0; i < 3; i++ {
		_, err := e.payouts.Settle(ctx, "2026-W06")
		assert.Error(t, err)
	}
	summary, err := e.payouts.Settle(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Failed)

	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusFailed, p.Status)
		assert.Equal(t, 3, p.Attempts)
	}
}

func TestInFlightPayoutIsSkippedUntilReleased(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	payoutFixture(t, e)
	_, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)

	list := mustList(t, e, "2026-W06")
	_, err = e.store.ClaimPayout(ctx, list[0].ID, e.now)
	require.NoError(t, err)

	summary, err := e.payouts.Settle(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)

	_, err = e.payouts.Retry(ctx, list[0].ID)
	assert.ErrorIs(t, err, payout.ErrInFlight)

	e.now = e.now.Add(31 * time.Minute)
	summary, err = e.payouts.Settle(ctx, "2026-W06")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, 1, summary.Paid)

	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusPaid, p.Status)
	}
}

func TestRunWeeklyRetriesEarlierFailedPayouts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := payoutFixture(t, e)

	e.settler.failures = 2
	first, err := e.payouts.RunWeekly(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, first.Failed)
	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusFailed, p.Status)
		assert.Equal(t, 1, p.Attempts)
	}

	// The settlement provider is back a week later.
	e.now = testNow.Add(7 * 24 * time.Hour)
	next, err := e.payouts.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-W07", next.Period)
	assert.Equal(t, 2, next.Paid)
	assert.Equal(t, "19", next.PaidTotal.String())

	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusPaid, p.Status)
		assert.Equal(t, 2, p.Attempts)
	}
	bal, err := e.wallet.Balances(ctx, aff.MemberID)
	require.NoError(t, err)
	assert.Equal(t, "19", bal.WalletAvailable.String())

	e.now = testNow.Add(14 * 24 * time.Hour)
	later, err := e.payouts.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Zero(t, later.Paid)
}

func TestRunWeeklyStopsRetryingAtMaxAttempts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	payoutFixture(t, e)

	e.settler.failures = 1000
	for week := 0; week < 5; week++ {
		e.now = testNow.Add(time.Duration(week) * 7 * 24 * time.Hour)
		_, _ = e.payouts.RunWeekly(ctx)
	}

	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusFailed, p.Status)
		assert.Equal(t, 3, p.Attempts)
		assert.Equal(t, 3, e.settler.calls[p.ID])
	}
}

func TestRunWeeklyPaysReleasedPayoutFromEarlierWeek(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	payoutFixture(t, e)
	_, err := e.payouts.Generate(ctx, "2026-W06")
	require.NoError(t, err)

	list := mustList(t, e, "2026-W06")
	_, err = e.store.ClaimPayout(ctx, list[0].ID, e.now)
	require.NoError(t, err)
	_, err = e.payouts.RunWeekly(ctx)
	require.NoError(t, err)

	e.now = testNow.Add(7 * 24 * time.Hour)
	summary, err := e.payouts.RunWeekly(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, 1, summary.Paid)
	for _, p := range mustList(t, e, "2026-W06") {
		assert.Equal(t, payout.StatusPaid, p.Status)
	}
}

func mustList(t *testing.T, e *engine, week string) []payout.Payout {
	t.Helper()
	list, err := e.store.ListPayouts(context.Background(), week)
	require.NoError(t, err)
	return list
}
