package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/metrics"
	"loyaltyLedgerAPI/internal/store"
)

type ChipService struct {
	store store.Store
	log   *logrus.Entry
	now   Clock
}

func NewChipService(st store.Store, log *logrus.Entry) *ChipService {
	return &ChipService{store: st, log: componentLog(log, "chip"), now: systemClock}
}

func (s *ChipService) SetClock(c Clock) { s.now = c }

// AffiliateForMember resolves the affiliate record owned by a member.
func (s *ChipService) AffiliateForMember(ctx context.Context, memberID uuid.UUID) (*chip.Affiliate, error) {
	aff, err := s.store.GetAffiliateByMember(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chip.ErrAffiliateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate: %w", err)
	}
	return &aff, nil
}

// Vault moves each requested chip to vaulted independently. The result lists
// every chip that moved and the reason for every one that did not.
func (s *ChipService) Vault(ctx context.Context, affiliateID uuid.UUID, chipIDs []string) chip.VaultResult {
	result := chip.VaultResult{Vaulted: []uuid.UUID{}, Failed: map[string]string{}}
	seen := make(map[uuid.UUID]bool, len(chipIDs))
	now := s.now()

	for _, raw := range chipIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			result.Failed[raw] = chip.FailureReason(chip.ErrChipNotFound)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		log := s.log.WithFields(logrus.Fields{"affiliate_id": affiliateID, "chip_id": id})
		if _, err := s.store.VaultChip(ctx, affiliateID, id, now); err != nil {
			result.Failed[raw] = chip.FailureReason(err)
			switch {
			case errors.Is(err, chip.ErrChipAlreadyVaulted):
				log.Info("chip already vaulted, nothing to do")
			case errors.Is(err, chip.ErrChipExpired), errors.Is(err, chip.ErrChipNotFound):
				log.WithError(err).Debug("chip not vaultable")
			default:
				log.WithError(err).Error("failed to vault chip")
			}
			continue
		}
		metrics.ChipTransitions.WithLabelValues(string(chip.StateVaulted)).Inc()
		result.Vaulted = append(result.Vaulted, id)
	}
	return result
}

// SweepExpired expires every issued chip whose vault deadline has passed.
func (s *ChipService) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.ExpireChips(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire chips: %w", err)
	}
	if n > 0 {
		metrics.ChipTransitions.WithLabelValues(string(chip.StateExpired)).Add(float64(n))
		s.log.WithField("expired", n).Info("expired unvaulted chips")
	}
	return n, nil
}

// List returns the affiliate's chips, optionally narrowed to one state.
func (s *ChipService) List(ctx context.Context, affiliateID uuid.UUID, state chip.State) ([]chip.Chip, error) {
	chips, err := s.store.ListChips(ctx, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chips: %w", err)
	}
	if state == "" {
		return chips, nil
	}
	out := make([]chip.Chip, 0, len(chips))
	for _, c := range chips {
		if c.State() == state {
			out = append(out, c)
		}
	}
	return out, nil
}
