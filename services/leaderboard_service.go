package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/cache"
	"loyaltyLedgerAPI/internal/leaderboard"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/internal/store"
)

type LeaderboardService struct {
	store store.Store
	cache cache.Cache
	size  int
	log   *logrus.Entry
	now   Clock
}

func NewLeaderboardService(st store.Store, c cache.Cache, size int, log *logrus.Entry) *LeaderboardService {
	if size <= 0 {
		size = 100
	}
	return &LeaderboardService{store: st, cache: c, size: size, log: componentLog(log, "leaderboard"), now: systemClock}
}

func (s *LeaderboardService) SetClock(c Clock) { s.now = c }

// CurrentPeriod is the quarter the leaderboard ranks.
func (s *LeaderboardService) CurrentPeriod() string {
	return period.Quarter(s.now())
}

// Reconcile rebuilds the cached ranking of a quarter from the scan ledger.
// Members whose cached score differs are overwritten. Members the ledger
// does not know, and entries that are not member IDs at all, are removed. The ledger is never written.
func (s *LeaderboardService) Reconcile(ctx context.Context, quarter string) (leaderboard.ReconcileResult, error) {
	result := leaderboard.ReconcileResult{Period: quarter, Corrected: []leaderboard.Drift{}}
	if kind, err := period.Parse(quarter); err != nil || kind != period.KindQuarter {
		return result, fmt.Errorf("%w: %q", period.ErrInvalidPeriod, quarter)
	}

	truth, err := s.store.CountScansByQuarter(ctx, quarter)
	if err != nil {
		return result, fmt.Errorf("failed to read scan ledger: %w", err)
	}
	cached, err := s.cache.Scores(ctx, quarter)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return result, fmt.Errorf("failed to read cached leaderboard: %w", err)
	}
	result.Checked = len(truth)

	fix := make(map[uuid.UUID]int)
	for member, n := range truth {
		if c, ok := cached[member]; !ok || c != n {
			fix[member] = n
			result.Corrected = append(result.Corrected, leaderboard.Drift{MemberID: member, Cached: c, Ledger: n})
		}
	}
	var phantom []uuid.UUID
	for member := range cached {
		if _, ok := truth[member]; !ok {
			phantom = append(phantom, member)
		}
	}
	sort.Slice(result.Corrected, func(i, j int) bool {
		return result.Corrected[i].MemberID.String() < result.Corrected[j].MemberID.String()
	})

	if len(fix) > 0 {
		if err := s.cache.SetScores(ctx, quarter, fix); err != nil {
			return result, fmt.Errorf("failed to correct cached leaderboard: %w", err)
		}
	}
	if len(phantom) > 0 {
		if err := s.cache.RemoveMembers(ctx, quarter, phantom); err != nil {
			return result, fmt.Errorf("failed to prune cached leaderboard: %w", err)
		}
		result.Removed = len(phantom)
	}

	strays, err := s.cache.PruneStrays(ctx, quarter)
	if err != nil {
		return result, fmt.Errorf("failed to prune cached leaderboard: %w", err)
	}
	result.Removed += strays

	metrics.LeaderboardDrift.WithLabelValues(quarter).Set(float64(len(result.Corrected) + result.Removed))
	log := s.log.WithFields(logrus.Fields{
		"period":    quarter,
		"checked":   result.Checked,
		"corrected": len(result.Corrected),
		"removed":   result.Removed,
	})
	if len(result.Corrected)+result.Removed > 0 {
		log.Warn("leaderboard drift corrected")
	} else {
		log.Info("leaderboard in sync")
	}
	return result, nil
}

// Top reads the cached ranking. When member is set its own position is
// included even if it falls outside the first n.
func (s *LeaderboardService) Top(ctx context.Context, quarter string, n int, member *uuid.UUID) (*leaderboard.Leaderboard, error) {
	if n <= 0 || n > s.size {
		n = s.size
	}
	entries, err := s.cache.Top(ctx, quarter, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	total, err := s.cache.Size(ctx, quarter)
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard size: %w", err)
	}
	board := &leaderboard.Leaderboard{Period: quarter, Entries: entries, TotalUsers: total}
	if member != nil {
		pos, err := s.cache.Position(ctx, quarter, *member)
		switch {
		case err == nil:
			board.UserPosition = pos
		case !errors.Is(err, cache.ErrMiss):
			return nil, fmt.Errorf("failed to read leaderboard position: %w", err)
		}
	}
	return board, nil
}
