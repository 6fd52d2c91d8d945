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

	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/settlement"
	"loyaltyLedgerAPI/internal/store"
)

// PayoutOptions carries the program settings the payout run depends on.
type PayoutOptions struct {
	ChipValue       decimal.Decimal
	MaxAttempts     int
	InFlightTimeout time.Duration
}

type PayoutService struct {
	store    store.Store
	tiers    *TierService
	sunset   *SunsetService
	settler  settlement.Settler
	notifier notification.Sender
	opts     PayoutOptions
	log      *logrus.Entry
	now      Clock
}

func NewPayoutService(st store.Store, tiers *TierService, sunset *SunsetService, settler settlement.Settler, notifier notification.Sender, opts PayoutOptions, log *logrus.Entry) *PayoutService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &PayoutService{
		store:    st,
		tiers:    tiers,
		sunset:   sunset,
		settler:  settler,
		notifier: notifier,
		opts:     opts,
		log:      componentLog(log, "payout"),
		now:      systemClock,
	}
}

func (s *PayoutService) SetClock(c Clock) { s.now = c }

// Generate writes the chip reward and reward match payouts for a closed ISO
// week. Payouts that already exist are left alone, so a rerun is a no-op.
func (s *PayoutService) Generate(ctx context.Context, week string) (payout.RunSummary, error) {
	summary := payout.RunSummary{Period: week, PaidTotal: decimal.Zero}
	if kind, err := period.Parse(week); err != nil || kind != period.KindWeek {
		return summary, fmt.Errorf("%w: payouts run per ISO week, got %q", period.ErrInvalidPeriod, week)
	}
	from, to, err := period.Bounds(week)
	if err != nil {
		return summary, err
	}
	if s.now().Before(to) {
		return summary, fmt.Errorf("%w: %s ends %s", payout.ErrPeriodOpen, week, to.Format(time.RFC3339))
	}
	if !s.opts.ChipValue.IsPositive() {
		return summary, fmt.Errorf("chip value must be positive")
	}

	counts, err := s.store.CountVaulted(ctx, from, to)
	if err != nil {
		return summary, fmt.Errorf("failed to count vaulted chips: %w", err)
	}
	affiliates := make([]uuid.UUID, 0, len(counts))
	for id := range counts {
		affiliates = append(affiliates, id)
	}
	sort.Slice(affiliates, func(i, j int) bool { return affiliates[i].String() < affiliates[j].String() })

	quarter := period.Quarter(from)
	hundred := decimal.NewFromInt(100)
	var errs []error
	for _, affID := range affiliates {
		aff, err := s.store.GetAffiliate(ctx, affID)
		if err != nil {
			errs = append(errs, fmt.Errorf("affiliate %s: %w", affID, err))
			continue
		}
		multiplier, err := s.tiers.Multiplier(ctx, aff.MemberID, quarter)
		if err != nil {
			errs = append(errs, fmt.Errorf("affiliate %s: %w", affID, err))
			continue
		}

		chipAmount := s.opts.ChipValue.
			Mul(decimal.NewFromInt(int64(counts[affID]))).
			Mul(multiplier).
			Round(2)
		s.create(ctx, &summary, &errs, payout.New(aff.ID, week, payout.TypeChipRewards, chipAmount, s.now()))

		if aff.MatchingPct.IsPositive() {
			downline, err := s.store.DownlineValue(ctx, aff.ID, from, to)
			if err != nil {
				errs = append(errs, fmt.Errorf("affiliate %s: %w", affID, err))
				continue
			}
			match := downline.Mul(aff.MatchingPct).Div(hundred).Round(2)
			s.create(ctx, &summary, &errs, payout.New(aff.ID, week, payout.TypeRewardMatch, match, s.now()))
		}
	}

	s.log.WithFields(logrus.Fields{
		"period":    week,
		"generated": summary.Generated,
		"skipped":   summary.Skipped,
	}).Info("payouts generated")
	return summary, errors.Join(errs...)
}

func (s *PayoutService) create(ctx context.Context, summary *payout.RunSummary, errs *[]error, p payout.Payout) {
	if !p.Amount.IsPositive() {
		return
	}
	err := s.store.CreatePayout(ctx, p)
	switch {
	case err == nil:
		summary.Generated++
	case errors.Is(err, store.ErrConflict):
		summary.Skipped++
		s.log.WithFields(logrus.Fields{
			"affiliate_id": p.AffiliateID,
			"period":       p.Period,
			"payout_type":  p.Type,
		}).Info("payout already exists, skipping")
	default:
		*errs = append(*errs, fmt.Errorf("affiliate %s %s: %w", p.AffiliateID, p.Type, err))
	}
}

// Settle pays every pending or failed payout of the week. Stale in-flight
// payouts are released first. A payout that used up its attempts stays failed
// until retried by hand.
func (s *PayoutService) Settle(ctx context.Context, week string) (payout.RunSummary, error) {
	summary := payout.RunSummary{Period: week, PaidTotal: decimal.Zero}
	now := s.now()

	if s.opts.InFlightTimeout > 0 {
		released, err := s.store.ReleaseStale(ctx, now.Add(-s.opts.InFlightTimeout), now)
		if err != nil {
			return summary, fmt.Errorf("failed to release stale payouts: %w", err)
		}
		summary.Released = released
		if released > 0 {
			s.log.WithField("released", released).Warn("released stale in-flight payouts")
		}
	}

	due, err := s.store.ListPayouts(ctx, week, payout.StatusPending, payout.StatusFailed)
	if err != nil {
		return summary, fmt.Errorf("failed to list payouts: %w", err)
	}
	errs := s.settleAll(ctx, due, &summary)

	s.log.WithFields(logrus.Fields{
		"period":     week,
		"paid":       summary.Paid,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"paid_total": summary.PaidTotal,
	}).Info("payout settlement finished")
	return summary, errors.Join(errs...)
}

// settleAll settles each due payout as its own unit. A failed payout that
// used up its attempts is skipped.
func (s *PayoutService) settleAll(ctx context.Context, due []payout.Payout, summary *payout.RunSummary) []error {
	var errs []error
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if p.Status == payout.StatusFailed && p.Attempts >= s.opts.MaxAttempts {
			summary.Skipped++
			continue
		}
		paid, err := s.settleOne(ctx, p.ID)
		switch {
		case err == nil:
			summary.Paid++
			summary.PaidTotal = summary.PaidTotal.Add(paid.Amount)
		case errors.Is(err, payout.ErrInFlight), errors.Is(err, payout.ErrNotRetryable):
			summary.Skipped++
		default:
			summary.Failed++
			errs = append(errs, fmt.Errorf("payout %s: %w", p.ID, err))
		}
	}
	return errs
}

// Retry settles one failed payout again, reusing its record.
func (s *PayoutService) Retry(ctx context.Context, id uuid.UUID) (*payout.Payout, error) {
	p, err := s.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case payout.StatusPaid:
		return &p, payout.ErrNotRetryable
	case payout.StatusApproved:
		return &p, payout.ErrInFlight
	}
	if _, err := s.settleOne(ctx, id); err != nil {
		if errors.Is(err, payout.ErrInFlight) || errors.Is(err, payout.ErrNotRetryable) {
			return nil, err
		}
		s.log.WithError(err).WithField("payout_id", id).Warn("manual payout retry failed")
	}
	updated, err := s.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RetryOutstanding settles pending or failed payouts from any period other
// than skip that still have attempts left.
func (s *PayoutService) RetryOutstanding(ctx context.Context, skip string) (payout.RunSummary, error) {
	summary := payout.RunSummary{PaidTotal: decimal.Zero}
	retryable, err := s.store.ListRetryable(ctx, s.opts.MaxAttempts)
	if err != nil {
		return summary, fmt.Errorf("failed to list retryable payouts: %w", err)
	}
	due := make([]payout.Payout, 0, len(retryable))
	for _, p := range retryable {
		if p.Period != skip {
			due = append(due, p)
		}
	}
	if len(due) == 0 {
		return summary, nil
	}
	errs := s.settleAll(ctx, due, &summary)
	s.log.WithFields(logrus.Fields{
		"due":    len(due),
		"paid":   summary.Paid,
		"failed": summary.Failed,
	}).Info("retried outstanding payouts")
	return summary, errors.Join(errs...)
}

// RunWeekly generates and settles the week that closed before now, retries
// payouts left unsettled by earlier weeks, then recomputes the sunset status.
func (s *PayoutService) RunWeekly(ctx context.Context) (payout.RunSummary, error) {
	week := period.PreviousWeek(s.now())
	var errs []error

	gen, err := s.Generate(ctx, week)
	if err != nil {
		errs = append(errs, fmt.Errorf("generate: %w", err))
	}
	settled, err := s.Settle(ctx, week)
	if err != nil {
		errs = append(errs, fmt.Errorf("settle: %w", err))
	}
	settled.Generated = gen.Generated
	settled.Skipped += gen.Skipped

	earlier, err := s.RetryOutstanding(ctx, week)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	settled.Paid += earlier.Paid
	settled.Failed += earlier.Failed
	settled.Skipped += earlier.Skipped
	settled.PaidTotal = settled.PaidTotal.Add(earlier.PaidTotal)

	if s.sunset != nil {
		if _, err := s.sunset.Recompute(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sunset: %w", err))
		}
	}
	return settled, errors.Join(errs...)
}

// settleOne claims the payout, calls the settler with no store transaction
// open, then records the outcome.
func (s *PayoutService) settleOne(ctx context.Context, id uuid.UUID) (*payout.Payout, error) {
	now := s.now()
	claimed, err := s.store.ClaimPayout(ctx, id, now)
	if err != nil {
		if errors.Is(err, payout.ErrInFlight) {
			s.log.WithField("payout_id", id).Info("payout already in flight, skipping")
		}
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{
		"payout_id":    claimed.ID,
		"affiliate_id": claimed.AffiliateID,
		"attempt":      claimed.Attempts,
	})

	aff, err := s.store.GetAffiliate(ctx, claimed.AffiliateID)
	if err != nil {
		return nil, s.fail(ctx, claimed, fmt.Errorf("failed to load affiliate: %w", err))
	}

	ref, err := s.settler.Settle(ctx, claimed)
	if err != nil {
		metrics.ExternalErrors.WithLabelValues("settlement").Inc()
		return nil, s.fail(ctx, claimed, err)
	}

	done := s.now()
	credit := ledger.Transaction{
		ID:          uuid.New(),
		MemberID:    aff.MemberID,
		Kind:        ledger.KindCredit,
		Type:        ledger.TypePayout,
		Bucket:      ledger.BucketWalletAvailable,
		Amount:      claimed.Amount,
		Status:      ledger.StatusCompleted,
		Reference:   ledger.Ref("payout:" + claimed.ID.String()),
		Destination: ledger.Ref(ref),
		CreatedAt:   done,
	}
	if err := s.store.CompletePayout(ctx, claimed.ID, ref, done, credit); err != nil {
		// The payout stays approved and is released by a later run; the
		// settler dedupes the retry on the payout ID.
		log.WithError(err).WithField("external_ref", ref).Error("settled externally but failed to record payment")
		return nil, fmt.Errorf("failed to complete payout: %w", err)
	}

	metrics.PayoutOutcomes.WithLabelValues(string(claimed.Type), string(payout.StatusPaid)).Inc()
	log.WithField("amount", claimed.Amount).Info("payout paid")
	notify(ctx, s.notifier, s.log, notification.PayoutPaid(aff.MemberID, claimed.Amount.StringFixed(2), claimed.Period))
	return &claimed, nil
}

func (s *PayoutService) fail(ctx context.Context, p payout.Payout, cause error) error {
	metrics.PayoutOutcomes.WithLabelValues(string(p.Type), string(payout.StatusFailed)).Inc()
	s.log.WithError(cause).WithField("payout_id", p.ID).Warn("payout settlement failed")
	if err := s.store.FailPayout(ctx, p.ID, cause.Error(), s.now()); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to mark payout failed: %w", err))
	}
	return cause
}
