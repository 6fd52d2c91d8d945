package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store/memory"
	"loyaltyLedgerAPI/internal/tier"
	"loyaltyLedgerAPI/internal/treasury"
)

// Tuesday of ISO week 2026-W07; the previous week runs Feb 2 to Feb 9.
var testNow = time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

const vaultWindow = 14 * 24 * time.Hour

type recordingSender struct {
	mu   sync.Mutex
	sent []notification.Message
}

func (r *recordingSender) Send(_ context.Context, msg notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) count(kind notification.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type stubSettler struct {
	mu       sync.Mutex
	failures int
	calls    map[uuid.UUID]int
}

func (s *stubSettler) Settle(_ context.Context, p payout.Payout) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[uuid.UUID]int)
	}
	s.calls[p.ID]++
	if s.failures > 0 {
		s.failures--
		return "", errors.New("settlement api unavailable")
	}
	return "ext-" + p.ID.String(), nil
}

type stubSource struct {
	name     string
	balances treasury.Balances
	err      error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Balances(context.Context) (treasury.Balances, error) {
	return s.balances, s.err
}

// testDefinitions are declared out of threshold order on purpose.
func testDefinitions() []tier.Definition {
	return []tier.Definition{
		{Name: "Whale", MinScans: 30, Multiplier: decimal.NewFromInt(3), Benefits: map[string]bool{"crypto_100": true, "casino_comp": true, "crypto_1k": true}},
		{Name: "Standard", MinScans: 0, Multiplier: decimal.NewFromInt(1)},
		{Name: "High Roller", MinScans: 15, Multiplier: decimal.NewFromInt(2), Benefits: map[string]bool{"crypto_100": true, "casino_comp": true}},
		{Name: "VIP", MinScans: 7, Multiplier: decimal.RequireFromString("1.5"), Benefits: map[string]bool{"crypto_100": true}},
	}
}

type engine struct {
	now      time.Time
	store    *memory.Store
	cache    *cache.Memory
	sender   *recordingSender
	settler  *stubSettler
	bank     *stubSource
	chain    *stubSource
	tiers    *TierService
	scans    *ScanService
	chips    *ChipService
	comps    *CompPoolService
	payouts  *PayoutService
	sunset   *SunsetService
	treasury *TreasuryService
	board    *LeaderboardService
	wallet   *WalletService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	e := &engine{
		now:     testNow,
		store:   memory.New(),
		cache:   cache.NewMemory(),
		sender:  &recordingSender{},
		settler: &stubSettler{},
		bank:    &stubSource{name: treasury.SourceBank},
		chain:   &stubSource{name: treasury.SourceChain},
	}
	clock := func() time.Time { return e.now }

	e.tiers = NewTierService(e.store, testDefinitions(), e.sender, log)
	e.scans = NewScanService(e.store, e.cache, e.tiers, vaultWindow, log)
	e.chips = NewChipService(e.store, log)
	e.comps = NewCompPoolService(e.store, e.tiers,
		map[pool.Type]decimal.Decimal{
			pool.TypeConsumer:  decimal.NewFromInt(50),
			pool.TypeAffiliate: decimal.NewFromInt(30),
			pool.TypeWholesale: decimal.NewFromInt(20),
		},
		[]pool.GuaranteedComp{
			{Benefit: "crypto_100", Pool: pool.TypeConsumer, Amount: decimal.NewFromInt(100), Winners: 2},
			{Benefit: "casino_comp", Pool: pool.TypeAffiliate, Amount: decimal.NewFromInt(250), Winners: 1},
		},
		e.sender, log)
	e.comps.SetSeed(42)
	e.sunset = NewSunsetService(e.store, e.tiers, decimal.NewFromInt(300), 3, e.sender, log)
	e.payouts = NewPayoutService(e.store, e.tiers, e.sunset, e.settler, e.sender, PayoutOptions{
		ChipValue:       decimal.RequireFromString("2.50"),
		MaxAttempts:     3,
		InFlightTimeout: 30 * time.Minute,
	}, log)
	e.treasury = NewTreasuryService(e.store, e.cache, e.bank, e.chain, log)
	e.board = NewLeaderboardService(e.store, e.cache, 10, log)
	e.wallet = NewWalletService(e.store, log)

	for _, s := range []interface{ SetClock(Clock) }{e.tiers, e.scans, e.chips, e.comps, e.payouts, e.sunset, e.treasury, e.board, e.wallet} {
		s.SetClock(clock)
	}
	return e
}

func (e *engine) member(t *testing.T, referredBy *uuid.UUID) scan.Member {
	t.Helper()
	m, err := e.store.CreateMember(context.Background(), scan.Member{ClerkID: "user_" + uuid.NewString(), ReferredBy: referredBy})
	require.NoError(t, err)
	return m
}

// affiliate creates a member with an active affiliate record.
func (e *engine) affiliate(t *testing.T, matchingPct int64) chip.Affiliate {
	t.Helper()
	owner := e.member(t, nil)
	a, err := e.store.CreateAffiliate(context.Background(), chip.Affiliate{
		MemberID:     owner.ID,
		ReferralCode: uuid.NewString()[:8],
		MatchingPct:  decimal.NewFromInt(matchingPct),
		Active:       true,
		CreatedAt:    e.now,
	})
	require.NoError(t, err)
	return a
}

// scan records n scans for member at the given time, each worth value.
func (e *engine) scan(t *testing.T, memberID uuid.UUID, n int, at time.Time, value decimal.Decimal) []*chip.Chip {
	t.Helper()
	var chips []*chip.Chip
	for i := 0; i < n; i++ {
		ts := at
		_, c, err := e.scans.Record(context.Background(), scan.RecordScanRequest{
			MemberID:  memberID,
			CodeID:    fmt.Sprintf("code-%s", uuid.NewString()),
			Value:     value,
			ScannedAt: &ts,
		})
		require.NoError(t, err)
		if c != nil {
			chips = append(chips, c)
		}
	}
	return chips
}
