package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/tier"
)

// setupTestStore connects to TEST_DATABASE_URL and applies the schema. Each
// test uses fresh identifiers, so runs do not interfere with each other.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres store tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Ping(ctx))

	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestScanChipVaultExpire(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	issuedAt := time.Now().UTC().Truncate(time.Second)

	owner, err := s.CreateMember(ctx, scan.Member{ClerkID: "user_" + uuid.NewString()})
	require.NoError(t, err)
	aff, err := s.CreateAffiliate(ctx, chip.Affiliate{MemberID: owner.ID, ReferralCode: uuid.NewString(), Active: true})
	require.NoError(t, err)
	downline, err := s.CreateMember(ctx, scan.Member{ClerkID: "user_" + uuid.NewString(), ReferredBy: &aff.ID})
	require.NoError(t, err)

	ev := scan.Event{ID: uuid.New(), MemberID: downline.ID, CodeID: uuid.NewString(), Quarter: "2026-Q1", Month: "2026-01",
		Value: decimal.NewFromInt(3), ScannedAt: issuedAt}
	c := chip.Issue(aff.ID, downline.ID, ev.ID, issuedAt, 14*24*time.Hour)
	require.NoError(t, s.RecordScan(ctx, ev, &c))

	dup := ev
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.RecordScan(ctx, dup, nil), store.ErrConflict)

	_, err = s.VaultChip(ctx, aff.ID, c.ID, issuedAt.Add(13*24*time.Hour+23*time.Hour))
	require.NoError(t, err)
	_, err = s.VaultChip(ctx, aff.ID, c.ID, issuedAt.Add(13*24*time.Hour+23*time.Hour))
	assert.ErrorIs(t, err, chip.ErrChipAlreadyVaulted)

	_, err = s.ExpireChips(ctx, issuedAt.Add(15*24*time.Hour))
	require.NoError(t, err)
	got, err := s.GetChip(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, chip.StateVaulted, got.State())

	refreshed, err := s.GetAffiliate(ctx, aff.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ReferredCount)
}

func TestUpsertAssignmentIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMember(ctx, scan.Member{ClerkID: "user_" + uuid.NewString()})
	require.NoError(t, err)

	a := tier.Assignment{MemberID: m.ID, Period: "2026-Q1", TierName: "VIP", ScanCount: 8,
		Multiplier: decimal.RequireFromString("1.5"), AchievedAt: time.Now().UTC()}
	first, changed, err := s.UpsertAssignment(ctx, a)
	require.NoError(t, err)
	assert.True(t, changed)

	a.ID = uuid.Nil
	second, changed, err := s.UpsertAssignment(ctx, a)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.ID, second.ID)
}

func TestAwardCompConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	period := "test-" + uuid.NewString()
	now := time.Now().UTC()

	require.NoError(t, s.ApplyInflow(ctx, pool.Inflow{Reference: uuid.NewString(), Period: period, Amount: decimal.NewFromInt(60), CreatedAt: now},
		map[pool.Type]decimal.Decimal{pool.TypeConsumer: decimal.NewFromInt(60)}))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := pool.Award{ID: uuid.New(), PoolType: pool.TypeConsumer, MemberID: uuid.New(), Period: period,
				Benefit: "crypto_100", Amount: decimal.NewFromInt(50), AwardedAt: now}
			errs[i] = s.AwardComp(ctx, a, ledger.Transaction{MemberID: a.MemberID, Kind: ledger.KindCredit,
				Type: ledger.TypeComp, Bucket: ledger.BucketComp, Amount: a.Amount, Status: ledger.StatusCompleted, CreatedAt: now})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	}
	assert.Equal(t, 1, succeeded)

	pools, err := s.GetPools(ctx, period)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "50", pools[0].DistributedAmount.String())
}

func TestPayoutUniqueAndClaim(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	owner, err := s.CreateMember(ctx, scan.Member{ClerkID: "user_" + uuid.NewString()})
	require.NoError(t, err)
	aff, err := s.CreateAffiliate(ctx, chip.Affiliate{MemberID: owner.ID, ReferralCode: uuid.NewString(), Active: true})
	require.NoError(t, err)

	p := payout.New(aff.ID, "2026-W06", payout.TypeChipRewards, decimal.NewFromInt(25), now)
	require.NoError(t, s.CreatePayout(ctx, p))
	assert.ErrorIs(t, s.CreatePayout(ctx, payout.New(aff.ID, "2026-W06", payout.TypeChipRewards, decimal.NewFromInt(25), now)), store.ErrConflict)

	_, err = s.ClaimPayout(ctx, p.ID, now)
	require.NoError(t, err)
	_, err = s.ClaimPayout(ctx, p.ID, now)
	assert.ErrorIs(t, err, payout.ErrInFlight)

	credit := ledger.Transaction{MemberID: owner.ID, Kind: ledger.KindCredit, Type: ledger.TypePayout,
		Bucket: ledger.BucketWalletAvailable, Amount: p.Amount, Status: ledger.StatusCompleted,
		Reference: ledger.Ref("payout:" + p.ID.String()), CreatedAt: now}
	require.NoError(t, s.CompletePayout(ctx, p.ID, "ext-1", now, credit))
	assert.ErrorIs(t, s.CompletePayout(ctx, p.ID, "ext-1", now, credit), store.ErrConflict)

	refreshed, err := s.GetAffiliate(ctx, aff.ID)
	require.NoError(t, err)
	assert.Equal(t, "25", refreshed.LifetimeEarnings.String())
}
