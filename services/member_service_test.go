package services

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/store"
)

func TestRegisterAttachesReferrer(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	members := NewMemberService(e.store, nil)
	aff := e.affiliate(t, 10)

	m, created, err := members.Register(ctx, "user_abc", aff.ReferralCode)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, m.ReferredBy)
	assert.Equal(t, aff.ID, *m.ReferredBy)

	again, created, err := members.Register(ctx, "user_abc", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m.ID, again.ID)

	refreshed, err := e.store.GetAffiliate(ctx, aff.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ReferredCount)
}

func TestRegisterIgnoresUnknownCode(t *testing.T) {
	members := NewMemberService(newEngine(t).store, nil)
	m, created, err := members.Register(context.Background(), "user_xyz", "NOPE")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, m.ReferredBy)

	_, _, err = members.Register(context.Background(), " ", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEnrollAffiliate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	members := NewMemberService(e.store, nil)
	m := e.member(t, nil)

	a, err := members.EnrollAffiliate(ctx, EnrollAffiliateRequest{MemberID: m.ID, ReferralCode: "BARTENDER", MatchingPct: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.True(t, a.Active)

	_, err = members.EnrollAffiliate(ctx, EnrollAffiliateRequest{MemberID: m.ID, ReferralCode: "OTHER"})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = members.EnrollAffiliate(ctx, EnrollAffiliateRequest{MemberID: m.ID, ReferralCode: "X", MatchingPct: decimal.NewFromInt(101)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
