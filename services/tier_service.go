package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/tier"
)

type TierService struct {
	store    store.Store
	defs     []tier.Definition
	notifier notification.Sender
	log      *logrus.Entry
	now      Clock
}

// ClassifySummary reports a period-wide classification run.
type ClassifySummary struct {
	Period  string `json:"period"`
	Checked int    `json:"checked"`
	Changed int    `json:"changed"`
	Failed  int    `json:"failed"`
}

func NewTierService(st store.Store, defs []tier.Definition, notifier notification.Sender, log *logrus.Entry) *TierService {
	return &TierService{
		store:    st,
		defs:     tier.Sorted(defs),
		notifier: notifier,
		log:      componentLog(log, "tier"),
		now:      systemClock,
	}
}

func (s *TierService) SetClock(c Clock) { s.now = c }

func (s *TierService) Definitions() []tier.Definition { return s.defs }

// Benefit reports whether the named tier grants the benefit key.
func (s *TierService) Benefit(tierName, key string) bool {
	def, ok := tier.Lookup(s.defs, tierName)
	return ok && def.HasBenefit(key)
}

// Classify computes the member's tier for a quarter and stores it. The bool
// reports whether the stored assignment changed. A permanent assignment is
// returned as is. If the scan count cannot be read nothing is written.
func (s *TierService) Classify(ctx context.Context, memberID uuid.UUID, quarter string) (*tier.Assignment, bool, error) {
	if kind, err := period.Parse(quarter); err != nil || kind != period.KindQuarter {
		return nil, false, fmt.Errorf("%w: tiers are classified per quarter, got %q", period.ErrInvalidPeriod, quarter)
	}
	if len(s.defs) == 0 {
		return nil, false, tier.ErrNoTierDefinitions
	}

	existing, err := s.store.GetAssignment(ctx, memberID, quarter)
	hasExisting := err == nil
	switch {
	case hasExisting && existing.Permanent:
		return &existing, false, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("failed to load tier assignment: %w", err)
	}

	count, err := s.store.CountScans(ctx, memberID, quarter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count scans: %w", err)
	}

	frozen, err := s.frozenLabel(ctx, memberID)
	if err != nil {
		return nil, false, err
	}

	var def tier.Definition
	if frozen != "" {
		d, ok := tier.Lookup(s.defs, frozen)
		if !ok {
			return nil, false, fmt.Errorf("permanent tier %q is not defined", frozen)
		}
		def = d
	} else {
		def, err = tier.Select(s.defs, count)
		if err != nil {
			return nil, false, err
		}
	}

	now := s.now()
	a := tier.Assignment{
		MemberID:   memberID,
		Period:     quarter,
		TierName:   def.Name,
		ScanCount:  count,
		Multiplier: def.Multiplier,
		AchievedAt: now,
		Permanent:  frozen != "",
	}
	if !a.Permanent {
		expires, err := expiresAt(quarter)
		if err != nil {
			return nil, false, err
		}
		a.ExpiresAt = &expires
	}

	stored, changed, err := s.store.UpsertAssignment(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store tier assignment: %w", err)
	}
	if changed && s.isUpgrade(existing, hasExisting, def) {
		notify(ctx, s.notifier, s.log, notification.TierUpgraded(memberID, def.Name, quarter))
	}
	return &stored, changed, nil
}

// Multiplier returns the reward multiplier the member holds for a quarter
// without writing anything. A stored assignment wins; otherwise the frozen
// label or the scan count decides.
func (s *TierService) Multiplier(ctx context.Context, memberID uuid.UUID, quarter string) (decimal.Decimal, error) {
	existing, err := s.store.GetAssignment(ctx, memberID, quarter)
	if err == nil {
		return existing.Multiplier, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("failed to load tier assignment: %w", err)
	}

	frozen, err := s.frozenLabel(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	if frozen != "" {
		def, ok := tier.Lookup(s.defs, frozen)
		if !ok {
			return decimal.Zero, fmt.Errorf("permanent tier %q is not defined", frozen)
		}
		return def.Multiplier, nil
	}

	count, err := s.store.CountScans(ctx, memberID, quarter)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to count scans: %w", err)
	}
	def, err := tier.Select(s.defs, count)
	if err != nil {
		return decimal.Zero, err
	}
	return def.Multiplier, nil
}

// ClassifyPeriod classifies every member with scans or an assignment in the
// quarter. Each member is its own unit; failures are collected and the run
// continues.
func (s *TierService) ClassifyPeriod(ctx context.Context, quarter string) (ClassifySummary, error) {
	summary := ClassifySummary{Period: quarter}

	counts, err := s.store.CountScansByQuarter(ctx, quarter)
	if err != nil {
		return summary, fmt.Errorf("failed to read scan ledger: %w", err)
	}
	assigned, err := s.store.ListAssignments(ctx, quarter)
	if err != nil {
		return summary, fmt.Errorf("failed to list assignments: %w", err)
	}

	members := make(map[uuid.UUID]struct{}, len(counts)+len(assigned))
	for id := range counts {
		members[id] = struct{}{}
	}
	for _, a := range assigned {
		members[a.MemberID] = struct{}{}
	}
	ids := make([]uuid.UUID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Checked++
		_, changed, err := s.Classify(ctx, id, quarter)
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("member %s: %w", id, err))
			continue
		}
		if changed {
			summary.Changed++
		}
	}

	s.log.WithFields(logrus.Fields{
		"period":  quarter,
		"checked": summary.Checked,
		"changed": summary.Changed,
		"failed":  summary.Failed,
	}).Info("tier classification finished")
	return summary, errors.Join(errs...)
}

// Refresh classifies the member for the current quarter.
func (s *TierService) Refresh(ctx context.Context, memberID uuid.UUID) (*tier.Assignment, bool, error) {
	return s.Classify(ctx, memberID, period.Quarter(s.now()))
}

// Current returns the member's assignment for the current quarter,
// classifying on first read.
func (s *TierService) Current(ctx context.Context, memberID uuid.UUID) (*tier.Assignment, error) {
	a, err := s.store.GetAssignment(ctx, memberID, period.Quarter(s.now()))
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load tier assignment: %w", err)
	}
	assigned, _, err := s.Refresh(ctx, memberID)
	return assigned, err
}

func (s *TierService) frozenLabel(ctx context.Context, memberID uuid.UUID) (string, error) {
	aff, err := s.store.GetAffiliateByMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load affiliate: %w", err)
	}
	if aff.PermanentTier == nil {
		return "", nil
	}
	return *aff.PermanentTier, nil
}

func (s *TierService) isUpgrade(prev tier.Assignment, hadPrev bool, next tier.Definition) bool {
	if !hadPrev {
		return next.MinScans > 0
	}
	old, ok := tier.Lookup(s.defs, prev.TierName)
	return !ok || next.MinScans > old.MinScans
}

// expiresAt is the end of the quarter after quarter.
func expiresAt(quarter string) (time.Time, error) {
	next, err := period.NextQuarter(quarter)
	if err != nil {
		return time.Time{}, err
	}
	_, end, err := period.Bounds(next)
	return end, err
}
