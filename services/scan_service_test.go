package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
)

func TestRecordIssuesChipForReferredMember(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)

	ev, c, err := e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR-1", Value: decimal.NewFromInt(4), Streak: 2})
	require.NoError(t, err)
	assert.Equal(t, "2026-Q1", ev.Quarter)
	assert.Equal(t, "2026-02", ev.Month)
	require.NotNil(t, c)
	assert.Equal(t, aff.ID, c.AffiliateID)
	assert.Equal(t, ev.ID, c.SourceScanID)
	assert.Equal(t, testNow.Add(vaultWindow), c.VaultExpiry)
	assert.Equal(t, chip.StateIssued, c.State())

	scores, err := e.cache.Scores(ctx, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 1, scores[m.ID])

	a, err := e.store.GetAssignment(ctx, m.ID, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ScanCount)
}

func TestRecordWithoutReferralIssuesNoChip(t *testing.T) {
	e := newEngine(t)
	m := e.member(t, nil)

	_, c, err := e.scans.Record(context.Background(), scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR-2", Value: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRecordInactiveAffiliateIssuesNoChip(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	owner := e.member(t, nil)
	aff, err := e.store.CreateAffiliate(ctx, chip.Affiliate{MemberID: owner.ID, ReferralCode: "OFF", Active: false})
	require.NoError(t, err)
	m := e.member(t, &aff.ID)

	_, c, err := e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR-3"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRecordRejectsRedeemedCode(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	aff := e.affiliate(t, 0)
	m := e.member(t, &aff.ID)

	_, _, err := e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR-9"})
	require.NoError(t, err)
	_, _, err = e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR-9"})
	assert.ErrorIs(t, err, scan.ErrCodeAlreadyRedeemed)

	n, err := e.scans.CountByMember(ctx, m.ID, "2026-Q1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	chips, err := e.chips.List(ctx, aff.ID, "")
	require.NoError(t, err)
	assert.Len(t, chips, 1)
}

func TestRecordValidatesInput(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)

	_, _, err := e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.scans.Record(ctx, scan.RecordScanRequest{MemberID: m.ID, CodeID: "QR", Value: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = e.scans.Record(ctx, scan.RecordScanRequest{MemberID: uuid.New(), CodeID: "QR"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
