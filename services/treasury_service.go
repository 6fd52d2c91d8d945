package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/balance"
	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/treasury"
)

// ErrNoBalanceSource is returned when a sync or snapshot has nothing to read from.
var ErrNoBalanceSource = errors.New("no balance source configured")

type TreasuryService struct {
	store store.Store
	cache cache.Cache
	bank  balance.Source
	chain balance.Source
	log   *logrus.Entry
	now   Clock
}

// SnapshotSummary reports one treasury snapshot run.
type SnapshotSummary struct {
	TakenAt  time.Time         `json:"taken_at"`
	Written  int               `json:"written"`
	Existing int               `json:"existing"`
	Sources  []string          `json:"sources"`
	Balances treasury.Balances `json:"balances"`
}

// NewTreasuryService wires the bank and chain sources. Either may be nil when
// the corresponding integration is not configured.
func NewTreasuryService(st store.Store, c cache.Cache, bank, chain balance.Source, log *logrus.Entry) *TreasuryService {
	return &TreasuryService{store: st, cache: c, bank: bank, chain: chain, log: componentLog(log, "treasury"), now: systemClock}
}

func (s *TreasuryService) SetClock(c Clock) { s.now = c }

// SyncBank reads bank balances and holds them in the cache for the hourly
// snapshots.
func (s *TreasuryService) SyncBank(ctx context.Context) (treasury.CachedBalances, error) {
	if s.bank == nil {
		return treasury.CachedBalances{}, ErrNoBalanceSource
	}
	balances, err := s.bank.Balances(ctx)
	if err != nil {
		metrics.ExternalErrors.WithLabelValues(s.bank.Name()).Inc()
		return treasury.CachedBalances{}, fmt.Errorf("failed to fetch bank balances: %w", err)
	}
	cached := treasury.CachedBalances{Balances: balances, FetchedAt: s.now()}
	if err := s.cache.SetBankBalances(ctx, cached); err != nil {
		return cached, fmt.Errorf("failed to cache bank balances: %w", err)
	}
	s.log.WithField("accounts", len(balances)).Info("bank balances synced")
	return cached, nil
}

// Snapshot appends one row per pool type for the current hour, combining
// live chain balances with the last synced bank balances. A second run in the
// same hour writes nothing. If the chain read fails no row is written.
func (s *TreasuryService) Snapshot(ctx context.Context) (SnapshotSummary, error) {
	takenAt := treasury.SnapshotHour(s.now())
	summary := SnapshotSummary{TakenAt: takenAt, Balances: treasury.Balances{}}

	if s.chain != nil {
		onChain, err := s.chain.Balances(ctx)
		if err != nil {
			metrics.ExternalErrors.WithLabelValues(s.chain.Name()).Inc()
			return summary, fmt.Errorf("failed to fetch chain balances: %w", err)
		}
		summary.Balances.Merge(onChain)
		summary.Sources = append(summary.Sources, s.chain.Name())
	}

	bank, err := s.cache.BankBalances(ctx)
	switch {
	case err == nil:
		summary.Balances.Merge(bank.Balances)
		summary.Sources = append(summary.Sources, treasury.SourceBank)
	case errors.Is(err, cache.ErrMiss):
		s.log.Warn("no synced bank balances yet, snapshot covers chain only")
	default:
		return summary, fmt.Errorf("failed to read cached bank balances: %w", err)
	}

	if len(summary.Sources) == 0 {
		return summary, ErrNoBalanceSource
	}
	sort.Strings(summary.Sources)
	source := strings.Join(summary.Sources, "+")

	var errs []error
	for _, typ := range pool.Types {
		bal, ok := summary.Balances[typ]
		if !ok {
			continue
		}
		written, err := s.store.AppendSnapshot(ctx, treasury.Snapshot{
			PoolType: typ,
			Balance:  bal,
			Source:   source,
			TakenAt:  takenAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", typ, err))
			continue
		}
		if written {
			summary.Written++
		} else {
			summary.Existing++
		}
		metrics.TreasuryBalance.WithLabelValues(string(typ)).Set(bal.InexactFloat64())
	}

	s.log.WithFields(logrus.Fields{
		"taken_at": takenAt,
		"written":  summary.Written,
		"existing": summary.Existing,
		"source":   source,
	}).Info("treasury snapshot finished")
	return summary, errors.Join(errs...)
}

// History returns snapshots taken at or after since.
func (s *TreasuryService) History(ctx context.Context, since time.Time) ([]treasury.Snapshot, error) {
	snaps, err := s.store.ListSnapshots(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}
