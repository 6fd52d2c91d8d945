package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loyaltyLedgerAPI/internal/config"
	"loyaltyLedgerAPI/internal/period"
	"loyaltyLedgerAPI/services"
)

// Services are the collaborators the scheduled jobs drive.
type Services struct {
	Treasury    *services.TreasuryService
	Payouts     *services.PayoutService
	Comps       *services.CompPoolService
	Leaderboard *services.LeaderboardService
	Chips       *services.ChipService
	Tiers       *services.TierService
	Now         func() time.Time
}

// Tasks maps every job name to the work it performs.
func Tasks(svc Services) map[string]Task {
	now := svc.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return map[string]Task{
		config.JobTreasurySnapshot: func(ctx context.Context) error {
			_, err := svc.Treasury.Snapshot(ctx)
			return err
		},
		config.JobTellerSync: func(ctx context.Context) error {
			_, err := svc.Treasury.SyncBank(ctx)
			if errors.Is(err, services.ErrNoBalanceSource) {
				return nil
			}
			return err
		},
		config.JobAffiliatePayout: func(ctx context.Context) error {
			_, err := svc.Payouts.RunWeekly(ctx)
			return err
		},
		config.JobGuaranteedComps: func(ctx context.Context) error {
			_, err := svc.Comps.RunGuaranteedComps(ctx, period.Month(now()))
			return err
		},
		config.JobLeaderboardReconcile: func(ctx context.Context) error {
			_, err := svc.Leaderboard.Reconcile(ctx, svc.Leaderboard.CurrentPeriod())
			return err
		},
		config.JobChipExpirySweep: func(ctx context.Context) error {
			_, err := svc.Chips.SweepExpired(ctx)
			return err
		},
		config.JobTierRefresh: func(ctx context.Context) error {
			_, err := svc.Tiers.ClassifyPeriod(ctx, period.Quarter(now()))
			return err
		},
	}
}

// RegisterAll registers every task on its configured schedule. A job without
// a schedule is an error.
func (s *Scheduler) RegisterAll(schedules map[string]string, tasks map[string]Task) error {
	var errs []error
	for name, task := range tasks {
		spec, ok := schedules[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: no schedule for job %s", config.ErrInvalidConfig, name))
			continue
		}
		if err := s.Register(name, spec, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
