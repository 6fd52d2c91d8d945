package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/config"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store/memory"
	"loyaltyLedgerAPI/internal/tier"
	"loyaltyLedgerAPI/services"
)

func newScheduler(t *testing.T, validate func() error) (*Scheduler, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return New(time.Second, validate, logrus.NewEntry(logger)), hook
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s, hook := newScheduler(t, nil)
	var deadline bool
	require.NoError(t, s.Register("test_success", "@hourly", func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	}))
	require.NoError(t, s.Register("test_failure", "@hourly", func(context.Context) error {
		return errors.New("boom")
	}))

	require.NoError(t, s.RunNow(context.Background(), "test_success"))
	assert.True(t, deadline)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("test_success", "success")))

	assert.EqualError(t, s.RunNow(context.Background(), "test_failure"), "boom")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("test_failure", "failure")))
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "test_failure", hook.LastEntry().Data["job"])
}

func TestRunNowUnknownJob(t *testing.T) {
	s, _ := newScheduler(t, nil)
	assert.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)
}

func TestRegisterRejectsBadSpecAndDuplicates(t *testing.T) {
	s, _ := newScheduler(t, nil)
	noop := func(context.Context) error { return nil }
	assert.Error(t, s.Register("bad", "every now and then", noop))
	require.NoError(t, s.Register("once", "*/5 * * * *", noop))
	assert.Error(t, s.Register("once", "*/5 * * * *", noop))
	assert.Equal(t, []string{"once"}, s.Jobs())
}

func TestInvalidConfigSkipsRun(t *testing.T) {
	s, _ := newScheduler(t, func() error { return config.ErrInvalidConfig })
	var ran atomic.Bool
	require.NoError(t, s.Register("test_invalid", "@daily", func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "test_invalid"), config.ErrInvalidConfig)
	assert.False(t, ran.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobRuns.WithLabelValues("test_invalid", "invalid_config")))
}

func TestJobNeverOverlapsItself(t *testing.T) {
	s, _ := newScheduler(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register("test_slow", "@daily", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "test_slow") }()
	<-started

	assert.ErrorIs(t, s.RunNow(context.Background(), "test_slow"), ErrJobRunning)
	close(release)
	assert.NoError(t, <-done)
}

func TestPanicIsReportedAsFailure(t *testing.T) {
	s, _ := newScheduler(t, nil)
	require.NoError(t, s.Register("test_panic", "@daily", func(context.Context) error {
		panic("nil map")
	}))
	assert.ErrorContains(t, s.RunNow(context.Background(), "test_panic"), "nil map")
}

func TestEveryJobHasDefaultSchedule(t *testing.T) {
	s, _ := newScheduler(t, nil)
	tasks := Tasks(Services{})
	require.NoError(t, s.RegisterAll(config.DefaultSchedules(), tasks))
	assert.Len(t, s.Jobs(), len(config.DefaultSchedules()))

	other, _ := newScheduler(t, nil)
	err := other.RegisterAll(map[string]string{}, tasks)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestChipSweepJobExpiresChips(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)
	issued := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	now := issued.Add(15 * 24 * time.Hour)
	clock := func() time.Time { return now }

	st := memory.New()
	defs := []tier.Definition{{Name: "Standard", MinScans: 0, Multiplier: decimal.NewFromInt(1)}}
	tiers := services.NewTierService(st, defs, nil, log)
	chips := services.NewChipService(st, log)
	chips.SetClock(clock)

	aff, err := st.CreateAffiliate(ctx, chip.Affiliate{MemberID: uuid.New(), ReferralCode: "SWEEP", Active: true})
	require.NoError(t, err)
	m, err := st.CreateMember(ctx, scan.Member{ClerkID: "user_sweep", ReferredBy: &aff.ID})
	require.NoError(t, err)
	ev := scan.Event{ID: uuid.New(), MemberID: m.ID, CodeID: "code-sweep", Quarter: "2026-Q1", Month: "2026-01", ScannedAt: issued}
	c := chip.Issue(aff.ID, m.ID, ev.ID, issued, 14*24*time.Hour)
	require.NoError(t, st.RecordScan(ctx, ev, &c))

	s, _ := newScheduler(t, nil)
	tasks := Tasks(Services{
		Chips:       chips,
		Tiers:       tiers,
		Leaderboard: services.NewLeaderboardService(st, cache.NewMemory(), 10, log),
		Now:         clock,
	})
	require.NoError(t, s.RegisterAll(config.DefaultSchedules(), tasks))
	require.NoError(t, s.RunNow(ctx, config.JobChipExpirySweep))

	got, err := st.GetChip(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, chip.StateExpired, got.State())

	require.NoError(t, s.RunNow(ctx, config.JobTierRefresh))
	a, err := st.GetAssignment(ctx, m.ID, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, "Standard", a.TierName)
}
