package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/sunset"
)

type SunsetService struct {
	store     store.Store
	tiers     *TierService
	threshold decimal.Decimal
	months    int
	notifier  notification.Sender
	log       *logrus.Entry
	now       Clock
}

func NewSunsetService(st store.Store, tiers *TierService, threshold decimal.Decimal, windowMonths int, notifier notification.Sender, log *logrus.Entry) *SunsetService {
	if windowMonths <= 0 {
		windowMonths = 3
	}
	return &SunsetService{
		store:     st,
		tiers:     tiers,
		threshold: threshold,
		months:    windowMonths,
		notifier:  notifier,
		log:       componentLog(log, "sunset"),
		now:       systemClock,
	}
}

func (s *SunsetService) SetClock(c Clock) { s.now = c }

// Recompute refreshes the monthly volume and rolling average. When the average
// reaches the threshold the trigger latches for good. Once latched, each run
// freezes the current tier of every active affiliate that has no label yet,
// so a migration interrupted by an error completes on a later run.
func (s *SunsetService) Recompute(ctx context.Context) (*sunset.Status, error) {
	now := s.now()
	month := period.Month(now)
	months, err := period.PrevMonths(month, s.months)
	if err != nil {
		return nil, err
	}

	volumes := make([]decimal.Decimal, 0, len(months))
	for _, m := range months {
		v, err := s.store.MonthlyVolume(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("failed to read volume for %s: %w", m, err)
		}
		volumes = append(volumes, v)
	}
	avg := sunset.RollingAverage(volumes, s.months)

	st := sunset.Status{
		CurrentMonth:         month,
		CurrentMonthlyVolume: volumes[len(volumes)-1],
		RollingAverage:       avg,
		Threshold:            s.threshold,
		UpdatedAt:            now,
	}
	if err := s.store.SaveSunsetMetrics(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save sunset metrics: %w", err)
	}
	metrics.SunsetRollingAverage.Set(avg.InexactFloat64())

	log := s.log.WithFields(logrus.Fields{"month": month, "rolling_average": avg, "threshold": s.threshold})
	if sunset.Reached(avg, s.threshold) {
		fired, err := s.store.TriggerSunset(ctx, now)
		if err != nil {
			return nil, fmt.Errorf("failed to latch sunset trigger: %w", err)
		}
		if fired {
			log.Warn("sunset threshold reached, freezing affiliate tiers")
		}
	}

	current, err := s.store.GetSunset(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sunset status: %w", err)
	}
	if !current.IsTriggered {
		return &current, nil
	}
	metrics.SunsetTriggered.Set(1)

	// Every run after the latch finishes whatever an earlier migration left.
	res, err := s.migrate(ctx)
	if res.Frozen > 0 || res.Pinned > 0 || err != nil {
		log.WithFields(logrus.Fields{
			"frozen":       res.Frozen,
			"pinned":       res.Pinned,
			"already_set":  res.AlreadySet,
			"unclassified": res.Unclassified,
		}).Info("sunset migration finished")
	}
	if err != nil {
		return nil, err
	}
	return &current, nil
}

// Status returns the stored sunset record. Before the first recompute it
// reports an untriggered status with the configured threshold.
func (s *SunsetService) Status(ctx context.Context) (*sunset.Status, error) {
	st, err := s.store.GetSunset(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &sunset.Status{Threshold: s.threshold}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sunset status: %w", err)
	}
	return &st, nil
}

// migrate gives every active affiliate without a label its current tier as a
// permanent label and pins the current quarter's assignment.
func (s *SunsetService) migrate(ctx context.Context) (sunset.Migration, error) {
	var res sunset.Migration
	affiliates, err := s.store.ListActiveAffiliates(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list affiliates: %w", err)
	}
	quarter := period.Quarter(s.now())

	var errs []error
	for _, aff := range affiliates {
		if aff.PermanentTier != nil {
			res.AlreadySet++
			pinned, err := s.pin(ctx, aff.MemberID, quarter, *aff.PermanentTier)
			if err != nil {
				errs = append(errs, fmt.Errorf("affiliate %s: %w", aff.ID, err))
			} else if pinned {
				res.Pinned++
			}
			continue
		}
		a, _, err := s.tiers.Classify(ctx, aff.MemberID, quarter)
		if err != nil {
			res.Unclassified++
			errs = append(errs, fmt.Errorf("affiliate %s: %w", aff.ID, err))
			continue
		}
		set, err := s.store.SetPermanentTier(ctx, aff.ID, a.TierName)
		if err != nil {
			errs = append(errs, fmt.Errorf("affiliate %s: %w", aff.ID, err))
			continue
		}
		if !set {
			res.AlreadySet++
			continue
		}
		if err := s.store.MakePermanent(ctx, aff.MemberID, quarter); err != nil {
			errs = append(errs, fmt.Errorf("affiliate %s: %w", aff.ID, err))
			continue
		}
		res.Frozen++
		notify(ctx, s.notifier, s.log, notification.SunsetFrozen(aff.MemberID, a.TierName))
	}
	return res, errors.Join(errs...)
}

// pin makes the member's assignment for quarter permanent if it exists, still
// floats and already carries the frozen label.
func (s *SunsetService) pin(ctx context.Context, memberID uuid.UUID, quarter, label string) (bool, error) {
	a, err := s.store.GetAssignment(ctx, memberID, quarter)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load tier assignment: %w", err)
	}
	if a.Permanent || a.TierName != label {
		return false, nil
	}
	if err := s.store.MakePermanent(ctx, memberID, quarter); err != nil {
		return false, err
	}
	return true, nil
}
