package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/store"
)

type WalletService struct {
	store store.Store
	log   *logrus.Entry
	now   Clock
}

type CreditRequest struct {
	MemberID    uuid.UUID       `json:"member_id" validate:"required"`
	Type        ledger.Type     `json:"type"`
	Bucket      ledger.Bucket   `json:"bucket" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	Pending     bool            `json:"pending"`
	Reference   string          `json:"reference"`
	Destination string          `json:"destination"`
}

func NewWalletService(st store.Store, log *logrus.Entry) *WalletService {
	return &WalletService{store: st, log: componentLog(log, "wallet"), now: systemClock}
}

func (s *WalletService) SetClock(c Clock) { s.now = c }

// Credit appends a credit to the member's wallet or comp bucket. A request
// carrying a reference that was already used is a no-op and reports
// store.ErrConflict.
func (s *WalletService) Credit(ctx context.Context, req CreditRequest) (*ledger.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	switch req.Bucket {
	case ledger.BucketWalletAvailable, ledger.BucketWalletPending, ledger.BucketComp:
	default:
		return nil, fmt.Errorf("%w: unknown bucket %q", ErrInvalidRequest, req.Bucket)
	}
	if req.Type == "" {
		req.Type = ledger.TypeScanReward
	}
	if _, err := s.store.GetMember(ctx, req.MemberID); err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	status := ledger.StatusCompleted
	if req.Pending {
		status = ledger.StatusPending
	}
	tx := ledger.Transaction{
		ID:          uuid.New(),
		MemberID:    req.MemberID,
		Kind:        ledger.KindCredit,
		Type:        req.Type,
		Bucket:      req.Bucket,
		Amount:      req.Amount,
		Status:      status,
		Reference:   ledger.Ref(req.Reference),
		Destination: ledger.Ref(req.Destination),
		CreatedAt:   s.now(),
	}
	if err := s.store.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.log.WithField("reference", req.Reference).Info("credit already applied")
		}
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return &tx, nil
}

// Balances derives the member's balances from the ledger.
func (s *WalletService) Balances(ctx context.Context, memberID uuid.UUID) (ledger.Balances, error) {
	txs, err := s.store.ListTransactions(ctx, memberID)
	if err != nil {
		return ledger.Balances{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	return ledger.Derive(txs), nil
}

// Transactions returns the member's ledger history.
func (s *WalletService) Transactions(ctx context.Context, memberID uuid.UUID) ([]ledger.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}
