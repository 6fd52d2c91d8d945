package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
)

type ScanService struct {
	store       store.Store
	cache       cache.Cache
	tiers       *TierService
	vaultWindow time.Duration
	log         *logrus.Entry
	now         Clock
}

func NewScanService(st store.Store, c cache.Cache, tiers *TierService, vaultWindow time.Duration, log *logrus.Entry) *ScanService {
	return &ScanService{
		store:       st,
		cache:       c,
		tiers:       tiers,
		vaultWindow: vaultWindow,
		log:         componentLog(log, "scan"),
		now:         systemClock,
	}
}

func (s *ScanService) SetClock(c Clock) { s.now = c }

// Record appends one scan event and, for referred members, the chip it issues
// to the referring affiliate. Both are written in one atomic unit. The cached
// leaderboard and the member's tier are refreshed afterwards; failures there
// are logged and left to reconciliation.
func (s *ScanService) Record(ctx context.Context, req scan.RecordScanRequest) (*scan.Event, *chip.Chip, error) {
	if strings.TrimSpace(req.CodeID) == "" {
		return nil, nil, fmt.Errorf("%w: code_id is required", ErrInvalidRequest)
	}
	if req.Value.IsNegative() {
		return nil, nil, fmt.Errorf("%w: value must not be negative", ErrInvalidRequest)
	}

	member, err := s.store.GetMember(ctx, req.MemberID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load member: %w", err)
	}

	at := s.now()
	if req.ScannedAt != nil {
		at = req.ScannedAt.UTC()
	}
	ev := scan.Event{
		ID:        uuid.New(),
		MemberID:  member.ID,
		CodeID:    req.CodeID,
		ProductID: req.ProductID,
		Quarter:   period.Quarter(at),
		Month:     period.Month(at),
		Value:     req.Value,
		Streak:    req.Streak,
		ScannedAt: at,
	}

	issued, err := s.chipFor(ctx, member, ev)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.RecordScan(ctx, ev, issued); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.log.WithField("code_id", req.CodeID).Info("code already redeemed, ignoring scan")
			return nil, nil, fmt.Errorf("%w: %s", scan.ErrCodeAlreadyRedeemed, req.CodeID)
		}
		return nil, nil, fmt.Errorf("failed to record scan: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"member_id": member.ID, "scan_id": ev.ID})
	if err := s.cache.IncrScans(ctx, ev.Quarter, member.ID, 1); err != nil {
		log.WithError(err).Warn("failed to update cached leaderboard")
	}
	if _, _, err := s.tiers.Classify(ctx, member.ID, ev.Quarter); err != nil {
		log.WithError(err).Warn("failed to refresh tier after scan")
	}
	return &ev, issued, nil
}

// CountByMember returns the member's scan count for a quarter.
func (s *ScanService) CountByMember(ctx context.Context, memberID uuid.UUID, quarter string) (int, error) {
	if kind, err := period.Parse(quarter); err != nil || kind != period.KindQuarter {
		return 0, fmt.Errorf("%w: %q", period.ErrInvalidPeriod, quarter)
	}
	n, err := s.store.CountScans(ctx, memberID, quarter)
	if err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

// chipFor returns the chip a scan issues, or nil when the member has no
// active referring affiliate.
func (s *ScanService) chipFor(ctx context.Context, member scan.Member, ev scan.Event) (*chip.Chip, error) {
	if member.ReferredBy == nil {
		return nil, nil
	}
	aff, err := s.store.GetAffiliate(ctx, *member.ReferredBy)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load referring affiliate: %w", err)
	}
	if !aff.Active || aff.MemberID == member.ID {
		return nil, nil
	}
	c := chip.Issue(aff.ID, member.ID, ev.ID, ev.ScannedAt, s.vaultWindow)
	return &c, nil
}
