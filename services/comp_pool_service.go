package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/notification"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/store"
)

type CompPoolService struct {
	store    store.Store
	tiers    *TierService
	pcts     map[pool.Type]decimal.Decimal
	comps    []pool.GuaranteedComp
	notifier notification.Sender
	log      *logrus.Entry
	now      Clock

	rngMu sync.Mutex
	rng   *rand.Rand
}

// CompRunSummary reports one guaranteed comp run.
type CompRunSummary struct {
	Period    string         `json:"period"`
	Awarded   map[string]int `json:"awarded"`
	Exhausted []string       `json:"exhausted,omitempty"`
}

func NewCompPoolService(st store.Store, tiers *TierService, pcts map[pool.Type]decimal.Decimal, comps []pool.GuaranteedComp, notifier notification.Sender, log *logrus.Entry) *CompPoolService {
	return &CompPoolService{
		store:    st,
		tiers:    tiers,
		pcts:     pcts,
		comps:    comps,
		notifier: notifier,
		log:      componentLog(log, "comp_pool"),
		now:      systemClock,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

func (s *CompPoolService) SetClock(c Clock) { s.now = c }

// SetSeed makes winner selection reproducible.
func (s *CompPoolService) SetSeed(seed int64) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// AllocateInflow splits an inflow across the pools of its month. An inflow
// reference is applied at most once; a repeat returns store.ErrConflict.
func (s *CompPoolService) AllocateInflow(ctx context.Context, req pool.InflowRequest) (map[pool.Type]decimal.Decimal, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	now := s.now()
	month := req.Period
	if month == "" {
		month = period.Month(now)
	}
	if kind, err := period.Parse(month); err != nil || kind != period.KindMonth {
		return nil, fmt.Errorf("%w: pools are funded per month, got %q", period.ErrInvalidPeriod, month)
	}

	shares := pool.Split(req.Amount, s.pcts)
	in := pool.Inflow{Reference: req.Reference, Period: month, Amount: req.Amount, CreatedAt: now}
	if err := s.store.ApplyInflow(ctx, in, shares); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.log.WithField("reference", req.Reference).Info("inflow already applied")
		}
		return nil, fmt.Errorf("failed to apply inflow: %w", err)
	}
	s.log.WithFields(logrus.Fields{"reference": req.Reference, "period": month, "amount": req.Amount}).Info("inflow allocated")
	return shares, nil
}

// Award pays one comp from a pool. The pool's distributed amount, the award
// record and the member's comp credit are written together or not at all.
func (s *CompPoolService) Award(ctx context.Context, req pool.AwardRequest) (*pool.Award, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Benefit) == "" {
		return nil, fmt.Errorf("%w: benefit is required", ErrInvalidRequest)
	}
	now := s.now()
	month := req.Period
	if month == "" {
		month = period.Month(now)
	}
	if kind, err := period.Parse(month); err != nil || kind != period.KindMonth {
		return nil, fmt.Errorf("%w: %q", period.ErrInvalidPeriod, month)
	}

	a := pool.Award{
		ID:        uuid.New(),
		PoolType:  req.PoolType,
		MemberID:  req.MemberID,
		Period:    month,
		Benefit:   req.Benefit,
		Amount:    req.Amount,
		AwardedAt: now,
	}
	credit := ledger.Transaction{
		ID:        uuid.New(),
		MemberID:  req.MemberID,
		Kind:      ledger.KindCredit,
		Type:      ledger.TypeComp,
		Bucket:    ledger.BucketComp,
		Amount:    req.Amount,
		Status:    ledger.StatusCompleted,
		Reference: ledger.Ref(fmt.Sprintf("comp:%s:%s:%s", month, req.Benefit, req.MemberID)),
		CreatedAt: now,
	}

	log := s.log.WithFields(logrus.Fields{"member_id": req.MemberID, "pool_type": req.PoolType, "benefit": req.Benefit})
	if err := s.store.AwardComp(ctx, a, credit); err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolExhausted):
			metrics.PoolExhausted.WithLabelValues(string(req.PoolType)).Inc()
			log.WithField("amount", req.Amount).Warn("comp rejected, pool exhausted")
			return nil, err
		case errors.Is(err, store.ErrConflict):
			log.Info("comp already awarded for period")
			return nil, pool.ErrAlreadyAwarded
		}
		return nil, fmt.Errorf("failed to award comp: %w", err)
	}

	notify(ctx, s.notifier, s.log, notification.CompAwarded(req.MemberID, req.Benefit, req.Amount.StringFixed(2)))
	return &a, nil
}

// RunGuaranteedComps draws the configured number of winners for each
// guaranteed comp among members whose tier grants its benefit. Members already
// awarded the benefit this month are never drawn again, so a rerun only fills
// the remaining slots.
func (s *CompPoolService) RunGuaranteedComps(ctx context.Context, month string) (CompRunSummary, error) {
	summary := CompRunSummary{Period: month, Awarded: map[string]int{}}
	start, _, err := period.Bounds(month)
	if kind, _ := period.Parse(month); err != nil || kind != period.KindMonth {
		return summary, fmt.Errorf("%w: guaranteed comps run per month, got %q", period.ErrInvalidPeriod, month)
	}

	assignments, err := s.store.ListAssignments(ctx, period.Quarter(start))
	if err != nil {
		return summary, fmt.Errorf("failed to list tier assignments: %w", err)
	}

	var errs []error
	for _, gc := range s.comps {
		log := s.log.WithFields(logrus.Fields{"period": month, "benefit": gc.Benefit})

		awarded, err := s.store.ListAwards(ctx, month, gc.Benefit)
		if err != nil {
			errs = append(errs, fmt.Errorf("benefit %s: %w", gc.Benefit, err))
			continue
		}
		already := make(map[uuid.UUID]bool, len(awarded))
		for _, a := range awarded {
			already[a.MemberID] = true
		}

		var candidates []uuid.UUID
		for _, a := range assignments {
			if !already[a.MemberID] && s.tiers.Benefit(a.TierName, gc.Benefit) {
				candidates = append(candidates, a.MemberID)
			}
		}
		s.shuffle(candidates)

		slots := gc.Winners - len(awarded)
		for _, member := range candidates {
			if slots <= 0 {
				break
			}
			_, err := s.Award(ctx, pool.AwardRequest{MemberID: member, PoolType: gc.Pool, Period: month, Benefit: gc.Benefit, Amount: gc.Amount})
			switch {
			case err == nil:
				summary.Awarded[gc.Benefit]++
				slots--
				continue
			case errors.Is(err, pool.ErrAlreadyAwarded):
				continue
			case errors.Is(err, pool.ErrPoolExhausted):
				summary.Exhausted = append(summary.Exhausted, gc.Benefit)
			default:
				errs = append(errs, fmt.Errorf("benefit %s: %w", gc.Benefit, err))
			}
			break
		}
		log.WithFields(logrus.Fields{"eligible": len(candidates), "awarded": summary.Awarded[gc.Benefit]}).Info("guaranteed comps drawn")
	}
	return summary, errors.Join(errs...)
}

// PoolStatus returns the month's pools in allocation order.
func (s *CompPoolService) PoolStatus(ctx context.Context, month string) ([]pool.Pool, error) {
	if kind, err := period.Parse(month); err != nil || kind != period.KindMonth {
		return nil, fmt.Errorf("%w: %q", period.ErrInvalidPeriod, month)
	}
	pools, err := s.store.GetPools(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load pools: %w", err)
	}
	return pools, nil
}

func (s *CompPoolService) shuffle(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
