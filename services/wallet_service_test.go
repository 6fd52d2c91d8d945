package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/store"
)

func TestCreditIsIdempotentPerReference(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)

	req := CreditRequest{MemberID: m.ID, Bucket: ledger.BucketWalletAvailable, Amount: decimal.RequireFromString("3.25"), Reference: "scan-reward:QR-1"}
	tx, err := e.wallet.Credit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeScanReward, tx.Type)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)

	_, err = e.wallet.Credit(ctx, req)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = e.wallet.Credit(ctx, CreditRequest{MemberID: m.ID, Bucket: ledger.BucketWalletPending, Amount: decimal.NewFromInt(2), Pending: true})
	require.NoError(t, err)
	_, err = e.wallet.Credit(ctx, CreditRequest{MemberID: m.ID, Type: ledger.TypeComp, Bucket: ledger.BucketComp, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	bal, err := e.wallet.Balances(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "3.25", bal.WalletAvailable.String())
	assert.Equal(t, "2", bal.WalletPending.String())
	assert.Equal(t, "5", bal.Comp.String())

	txs, err := e.wallet.Transactions(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestCreditValidation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	m := e.member(t, nil)

	_, err := e.wallet.Credit(ctx, CreditRequest{MemberID: m.ID, Bucket: ledger.BucketComp, Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.wallet.Credit(ctx, CreditRequest{MemberID: m.ID, Bucket: "vault", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.wallet.Credit(ctx, CreditRequest{MemberID: uuid.New(), Bucket: ledger.BucketComp, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
