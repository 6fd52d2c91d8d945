package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/cache"
)

// strayBoard is a memory cache that also holds entries which are not
// member IDs.
type strayBoard struct {
	*cache.Memory
	strays int
}

func (b *strayBoard) PruneStrays(context.Context, string) (int, error) {
	n := b.strays
	b.strays = 0
	return n, nil
}

func TestReconcileOverwritesCacheFromLedger(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	a := e.member(t, nil)
	b := e.member(t, nil)
	e.scan(t, a.ID, 5, testNow, decimal.NewFromInt(1))
	e.scan(t, b.ID, 3, testNow, decimal.NewFromInt(1))

	phantom := uuid.New()
	require.NoError(t, e.cache.SetScores(ctx, "2026-Q1", map[uuid.UUID]int{a.ID: 9, phantom: 4}))

	res, err := e.board.Reconcile(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	require.Len(t, res.Corrected, 1)
	assert.Equal(t, a.ID, res.Corrected[0].MemberID)
	assert.Equal(t, 9, res.Corrected[0].Cached)
	assert.Equal(t, 5, res.Corrected[0].Ledger)
	assert.Equal(t, 1, res.Removed)

	scores, err := e.cache.Scores(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{a.ID: 5, b.ID: 3}, scores)

	n, err := e.store.CountScans(ctx, a.ID, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	again, err := e.board.Reconcile(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Empty(t, again.Corrected)
	assert.Zero(t, again.Removed)
}

func TestReconcileRemovesStrayEntries(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)
	e.scan(t, m.ID, 2, testNow, decimal.NewFromInt(1))

	board := &strayBoard{Memory: e.cache, strays: 2}
	svc := NewLeaderboardService(e.store, board, 10, e.board.log)
	svc.SetClock(func() time.Time { return e.now })

	res, err := svc.Reconcile(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Empty(t, res.Corrected)
	assert.Equal(t, 2, res.Removed)

	again, err := svc.Reconcile(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Zero(t, again.Removed)
}

func TestReconcileRebuildsEmptyCache(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)
	e.scan(t, m.ID, 2, testNow, decimal.NewFromInt(1))
	require.NoError(t, e.cache.RemoveMembers(ctx, "2026-Q1", []uuid.UUID{m.ID}))

	res, err := e.board.Reconcile(ctx, "2026-Q1")
	require.NoError(t, err)
	require.Len(t, res.Corrected, 1)
	assert.Zero(t, res.Corrected[0].Cached)
}

func TestTopIncludesOwnPosition(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	var last uuid.UUID
	for i := 1; i <= 4; i++ {
		m := e.member(t, nil)
		e.scan(t, m.ID, i, testNow, decimal.NewFromInt(1))
		if i == 1 {
			last = m.ID
		}
	}

	board, err := e.board.Top(ctx, e.board.CurrentPeriod(), 2, &last)
	require.NoError(t, err)
	assert.Equal(t, "2026-Q1", board.Period)
	require.Len(t, board.Entries, 2)
	assert.Equal(t, 4, board.Entries[0].Scans)
	assert.Equal(t, 1, board.Entries[0].Rank)
	assert.Equal(t, 4, board.TotalUsers)
	require.NotNil(t, board.UserPosition)
	assert.Equal(t, 4, board.UserPosition.Rank)

	stranger := uuid.New()
	board, err = e.board.Top(ctx, "2026-Q1", 0, &stranger)
	require.NoError(t, err)
	assert.Nil(t, board.UserPosition)
	assert.Len(t, board.Entries, 4)
}
