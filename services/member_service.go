package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
)

type MemberService struct {
	store store.Store
	log   *logrus.Entry
	now   Clock
}

type EnrollAffiliateRequest struct {
	MemberID     uuid.UUID       `json:"member_id" validate:"required"`
	ReferralCode string          `json:"referral_code" validate:"required"`
	MatchingPct  decimal.Decimal `json:"matching_pct"`
}

func NewMemberService(st store.Store, log *logrus.Entry) *MemberService {
	return &MemberService{store: st, log: componentLog(log, "member"), now: systemClock}
}

func (s *MemberService) SetClock(c Clock) { s.now = c }

// Register creates the member for a Clerk user. Registering the same user
// again returns the existing member. An unknown or inactive referral code is
// logged and the member is created without a referrer.
func (s *MemberService) Register(ctx context.Context, clerkID, referralCode string) (*scan.Member, bool, error) {
	if strings.TrimSpace(clerkID) == "" {
		return nil, false, fmt.Errorf("%w: clerk id is required", ErrInvalidRequest)
	}
	if existing, err := s.store.GetMemberByClerkID(ctx, clerkID); err == nil {
		return &existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load member: %w", err)
	}

	m := scan.Member{ID: uuid.New(), ClerkID: clerkID, CreatedAt: s.now()}
	if code := strings.TrimSpace(referralCode); code != "" {
		aff, err := s.store.GetAffiliateByCode(ctx, code)
		switch {
		case err == nil && aff.Active:
			m.ReferredBy = &aff.ID
		case err == nil, errors.Is(err, store.ErrNotFound):
			s.log.WithFields(logrus.Fields{"clerk_id": clerkID, "referral_code": code}).Warn("unknown or inactive referral code")
		default:
			return nil, false, fmt.Errorf("failed to look up referral code: %w", err)
		}
	}

	created, err := s.store.CreateMember(ctx, m)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := s.store.GetMemberByClerkID(ctx, clerkID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load member: %w", getErr)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create member: %w", err)
	}
	s.log.WithFields(logrus.Fields{"member_id": created.ID, "referred": created.ReferredBy != nil}).Info("member registered")
	return &created, true, nil
}

// ByClerkID resolves an authenticated Clerk user to a member.
func (s *MemberService) ByClerkID(ctx context.Context, clerkID string) (*scan.Member, error) {
	m, err := s.store.GetMemberByClerkID(ctx, clerkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return &m, nil
}

// EnrollAffiliate gives an existing member an active affiliate record.
func (s *MemberService) EnrollAffiliate(ctx context.Context, req EnrollAffiliateRequest) (*chip.Affiliate, error) {
	code := strings.TrimSpace(req.ReferralCode)
	if code == "" {
		return nil, fmt.Errorf("%w: referral_code is required", ErrInvalidRequest)
	}
	if req.MatchingPct.IsNegative() || req.MatchingPct.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: matching_pct must be within 0-100", ErrInvalidRequest)
	}
	if _, err := s.store.GetMember(ctx, req.MemberID); err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}

	a, err := s.store.CreateAffiliate(ctx, chip.Affiliate{
		ID:           uuid.New(),
		MemberID:     req.MemberID,
		ReferralCode: code,
		MatchingPct:  req.MatchingPct,
		Active:       true,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enroll affiliate: %w", err)
	}
	s.log.WithFields(logrus.Fields{"member_id": req.MemberID, "affiliate_id": a.ID}).Info("affiliate enrolled")
	return &a, nil
}
