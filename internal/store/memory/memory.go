package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/chip"
	"loyaltyLedgerAPI/internal/ledger"
	"loyaltyLedgerAPI/internal/payout"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/scan"
	"loyaltyLedgerAPI/internal/store"
	"loyaltyLedgerAPI/internal/sunset"
	"loyaltyLedgerAPI/internal/tier"
	"loyaltyLedgerAPI/internal/treasury"
)

type assignmentKey struct {
	member uuid.UUID
	period string
}

type poolKey struct {
	typ    pool.Type
	period string
}

type awardKey struct {
	member  uuid.UUID
	period  string
	benefit string
}

type payoutKey struct {
	affiliate uuid.UUID
	period    string
	typ       payout.Type
}

type snapshotKey struct {
	typ pool.Type
	at  time.Time
}

// Store is an in-memory implementation of store.Store. Every method holds the
// single lock for its whole body, so each call is atomic. Used by tests and
// local development.
type Store struct {
	mu sync.RWMutex

	members        map[uuid.UUID]scan.Member
	membersByClerk map[string]uuid.UUID
	affiliates     map[uuid.UUID]chip.Affiliate
	scans          []scan.Event
	codes          map[string]struct{}
	chips          map[uuid.UUID]chip.Chip
	chipSources    map[uuid.UUID]struct{}
	assignments    map[assignmentKey]tier.Assignment
	pools          map[poolKey]pool.Pool
	inflows        map[string]pool.Inflow
	awards         map[awardKey]pool.Award
	payouts        map[uuid.UUID]payout.Payout
	payoutKeys     map[payoutKey]uuid.UUID
	sunset         *sunset.Status
	snapshots      map[snapshotKey]treasury.Snapshot
	transactions   []ledger.Transaction
	references     map[string]struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		members:        make(map[uuid.UUID]scan.Member),
		membersByClerk: make(map[string]uuid.UUID),
		affiliates:     make(map[uuid.UUID]chip.Affiliate),
		codes:          make(map[string]struct{}),
		chips:          make(map[uuid.UUID]chip.Chip),
		chipSources:    make(map[uuid.UUID]struct{}),
		assignments:    make(map[assignmentKey]tier.Assignment),
		pools:          make(map[poolKey]pool.Pool),
		inflows:        make(map[string]pool.Inflow),
		awards:         make(map[awardKey]pool.Award),
		payouts:        make(map[uuid.UUID]payout.Payout),
		payoutKeys:     make(map[payoutKey]uuid.UUID),
		snapshots:      make(map[snapshotKey]treasury.Snapshot),
		references:     make(map[string]struct{}),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// MemberStore implementation --------------------------------------------------

func (s *Store) CreateMember(_ context.Context, m scan.Member) (scan.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if _, ok := s.members[m.ID]; ok {
		return scan.Member{}, store.ErrConflict
	}
	if _, ok := s.membersByClerk[m.ClerkID]; ok && m.ClerkID != "" {
		return scan.Member{}, store.ErrConflict
	}
	if m.ReferredBy != nil {
		a, ok := s.affiliates[*m.ReferredBy]
		if !ok {
			return scan.Member{}, fmt.Errorf("referring affiliate %s: %w", *m.ReferredBy, store.ErrNotFound)
		}
		a.ReferredCount++
		s.affiliates[a.ID] = a
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.members[m.ID] = m
	if m.ClerkID != "" {
		s.membersByClerk[m.ClerkID] = m.ID
	}
	return m, nil
}

func (s *Store) GetMember(_ context.Context, id uuid.UUID) (scan.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return scan.Member{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetMemberByClerkID(_ context.Context, clerkID string) (scan.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.membersByClerk[clerkID]
	if !ok {
		return scan.Member{}, store.ErrNotFound
	}
	return s.members[id], nil
}

func (s *Store) CreateAffiliate(_ context.Context, a chip.Affiliate) (chip.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	for _, existing := range s.affiliates {
		if existing.MemberID == a.MemberID || (a.ReferralCode != "" && existing.ReferralCode == a.ReferralCode) {
			return chip.Affiliate{}, store.ErrConflict
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.affiliates[a.ID] = a
	return a, nil
}

func (s *Store) GetAffiliate(_ context.Context, id uuid.UUID) (chip.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.affiliates[id]
	if !ok {
		return chip.Affiliate{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAffiliateByMember(_ context.Context, memberID uuid.UUID) (chip.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.affiliates {
		if a.MemberID == memberID {
			return a, nil
		}
	}
	return chip.Affiliate{}, store.ErrNotFound
}

func (s *Store) GetAffiliateByCode(_ context.Context, referralCode string) (chip.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.affiliates {
		if a.ReferralCode == referralCode {
			return a, nil
		}
	}
	return chip.Affiliate{}, store.ErrNotFound
}

func (s *Store) ListActiveAffiliates(_ context.Context) ([]chip.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chip.Affiliate, 0, len(s.affiliates))
	for _, a := range s.affiliates {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetPermanentTier(_ context.Context, affiliateID uuid.UUID, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.affiliates[affiliateID]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.PermanentTier != nil {
		return false, nil
	}
	a.PermanentTier = &label
	s.affiliates[affiliateID] = a
	return true, nil
}

// ScanStore implementation ----------------------------------------------------

func (s *Store) RecordScan(_ context.Context, ev scan.Event, c *chip.Chip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[ev.CodeID]; ok {
		return store.ErrConflict
	}
	if _, ok := s.members[ev.MemberID]; !ok {
		return fmt.Errorf("member %s: %w", ev.MemberID, store.ErrNotFound)
	}
	s.codes[ev.CodeID] = struct{}{}
	s.scans = append(s.scans, ev)

	if c != nil {
		if _, issued := s.chipSources[c.SourceScanID]; !issued {
			s.chips[c.ID] = *c
			s.chipSources[c.SourceScanID] = struct{}{}
		}
	}
	return nil
}

func (s *Store) CountScans(_ context.Context, memberID uuid.UUID, quarter string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.scans {
		if ev.MemberID == memberID && ev.Quarter == quarter {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountScansByQuarter(_ context.Context, quarter string) (map[uuid.UUID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]int)
	for _, ev := range s.scans {
		if ev.Quarter == quarter {
			out[ev.MemberID]++
		}
	}
	return out, nil
}

func (s *Store) MonthlyVolume(_ context.Context, month string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, ev := range s.scans {
		if ev.Month == month {
			total = total.Add(ev.Value)
		}
	}
	return total, nil
}

func (s *Store) DownlineValue(_ context.Context, affiliateID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, ev := range s.scans {
		m := s.members[ev.MemberID]
		if m.ReferredBy == nil || *m.ReferredBy != affiliateID {
			continue
		}
		if !ev.ScannedAt.Before(from) && ev.ScannedAt.Before(to) {
			total = total.Add(ev.Value)
		}
	}
	return total, nil
}

// TierStore implementation ----------------------------------------------------

func (s *Store) GetAssignment(_ context.Context, memberID uuid.UUID, period string) (tier.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{memberID, period}]
	if !ok {
		return tier.Assignment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) UpsertAssignment(_ context.Context, a tier.Assignment) (tier.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{a.MemberID, a.Period}
	existing, ok := s.assignments[key]
	if !ok {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		s.assignments[key] = a
		return a, true, nil
	}
	if existing.Permanent || (existing.TierName == a.TierName && existing.ScanCount == a.ScanCount && existing.Permanent == a.Permanent) {
		return existing, false, nil
	}
	if existing.TierName != a.TierName {
		existing.AchievedAt = a.AchievedAt
	}
	existing.TierName = a.TierName
	existing.ScanCount = a.ScanCount
	existing.Multiplier = a.Multiplier
	existing.ExpiresAt = a.ExpiresAt
	existing.Permanent = a.Permanent
	s.assignments[key] = existing
	return existing, true, nil
}

func (s *Store) ListAssignments(_ context.Context, period string) ([]tier.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []tier.Assignment
	for k, a := range s.assignments {
		if k.period == period {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID.String() < out[j].MemberID.String() })
	return out, nil
}

func (s *Store) LatestAssignment(_ context.Context, memberID uuid.UUID) (tier.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest tier.Assignment
		found  bool
	)
	for k, a := range s.assignments {
		if k.member != memberID {
			continue
		}
		if !found || a.Period > latest.Period {
			latest, found = a, true
		}
	}
	if !found {
		return tier.Assignment{}, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) MakePermanent(_ context.Context, memberID uuid.UUID, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{memberID, period}
	a, ok := s.assignments[key]
	if !ok {
		return store.ErrNotFound
	}
	a.Permanent = true
	a.ExpiresAt = nil
	s.assignments[key] = a
	return nil
}

// ChipStore implementation ----------------------------------------------------

func (s *Store) GetChip(_ context.Context, id uuid.UUID) (chip.Chip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chips[id]
	if !ok {
		return chip.Chip{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListChips(_ context.Context, affiliateID uuid.UUID) ([]chip.Chip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chip.Chip
	for _, c := range s.chips {
		if c.AffiliateID == affiliateID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) VaultChip(_ context.Context, affiliateID, chipID uuid.UUID, now time.Time) (chip.Chip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chips[chipID]
	if !ok || c.AffiliateID != affiliateID {
		return chip.Chip{}, chip.ErrChipNotFound
	}
	if err := c.CanVault(now); err != nil {
		return c, err
	}
	c.IsVaulted = true
	c.VaultedAt = &now
	s.chips[chipID] = c
	return c, nil
}

func (s *Store) ExpireChips(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.chips {
		if !c.Expirable(now) {
			continue
		}
		at := now
		c.IsExpired = true
		c.ExpiredAt = &at
		s.chips[id] = c
		n++
	}
	return n, nil
}

func (s *Store) CountVaulted(_ context.Context, from, to time.Time) (map[uuid.UUID]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID]int)
	for _, c := range s.chips {
		if !c.IsVaulted || c.VaultedAt == nil {
			continue
		}
		if !c.VaultedAt.Before(from) && c.VaultedAt.Before(to) {
			out[c.AffiliateID]++
		}
	}
	return out, nil
}

// PoolStore implementation ----------------------------------------------------

func (s *Store) ApplyInflow(_ context.Context, in pool.Inflow, shares map[pool.Type]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflows[in.Reference]; ok {
		return store.ErrConflict
	}
	s.inflows[in.Reference] = in
	for typ, amt := range shares {
		key := poolKey{typ, in.Period}
		p, ok := s.pools[key]
		if !ok {
			p = pool.Pool{ID: uuid.New(), Type: typ, Period: in.Period}
		}
		p.TotalAmount = p.TotalAmount.Add(amt)
		p.UpdatedAt = in.CreatedAt
		s.pools[key] = p
	}
	return nil
}

func (s *Store) GetPools(_ context.Context, period string) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pool.Pool
	for _, typ := range pool.Types {
		if p, ok := s.pools[poolKey{typ, period}]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AwardComp(_ context.Context, a pool.Award, credit ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ak := awardKey{a.MemberID, a.Period, a.Benefit}
	if _, ok := s.awards[ak]; ok {
		return store.ErrConflict
	}
	pk := poolKey{a.PoolType, a.Period}
	p, ok := s.pools[pk]
	if !ok {
		return pool.ErrPoolNotFound
	}
	if p.Remaining().LessThan(a.Amount) {
		return pool.ErrPoolExhausted
	}
	if credit.Reference != nil {
		if _, dup := s.references[*credit.Reference]; dup {
			return store.ErrConflict
		}
		s.references[*credit.Reference] = struct{}{}
	}

	p.DistributedAmount = p.DistributedAmount.Add(a.Amount)
	p.UpdatedAt = a.AwardedAt
	s.pools[pk] = p
	a.PoolID = p.ID
	s.awards[ak] = a
	s.transactions = append(s.transactions, credit)
	return nil
}

func (s *Store) ListAwards(_ context.Context, period, benefit string) ([]pool.Award, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pool.Award
	for k, a := range s.awards {
		if k.period == period && (benefit == "" || k.benefit == benefit) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AwardedAt.Before(out[j].AwardedAt) })
	return out, nil
}

// PayoutStore implementation --------------------------------------------------

func (s *Store) CreatePayout(_ context.Context, p payout.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := payoutKey{p.AffiliateID, p.Period, p.Type}
	if _, ok := s.payoutKeys[key]; ok {
		return store.ErrConflict
	}
	s.payoutKeys[key] = p.ID
	s.payouts[p.ID] = p
	return nil
}

func (s *Store) GetPayout(_ context.Context, id uuid.UUID) (payout.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return payout.Payout{}, payout.ErrPayoutNotFound
	}
	return p, nil
}

func (s *Store) ListPayouts(_ context.Context, period string, statuses ...payout.Status) ([]payout.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []payout.Payout
	for _, p := range s.payouts {
		if p.Period != period || !hasStatus(p.Status, statuses) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRetryable(_ context.Context, maxAttempts int) ([]payout.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []payout.Payout
	for _, p := range s.payouts {
		if !hasStatus(p.Status, []payout.Status{payout.StatusPending, payout.StatusFailed}) || p.Attempts >= maxAttempts {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ClaimPayout(_ context.Context, id uuid.UUID, now time.Time) (payout.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return payout.Payout{}, payout.ErrPayoutNotFound
	}
	switch p.Status {
	case payout.StatusApproved:
		return p, payout.ErrInFlight
	case payout.StatusPaid:
		return p, payout.ErrNotRetryable
	}
	p.Status = payout.StatusApproved
	p.Attempts++
	p.UpdatedAt = now
	s.payouts[id] = p
	return p, nil
}

func (s *Store) CompletePayout(_ context.Context, id uuid.UUID, externalRef string, now time.Time, credit ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return payout.ErrPayoutNotFound
	}
	if p.Status != payout.StatusApproved {
		return store.ErrConflict
	}
	a, ok := s.affiliates[p.AffiliateID]
	if !ok {
		return chip.ErrAffiliateNotFound
	}
	if credit.Reference != nil {
		if _, dup := s.references[*credit.Reference]; dup {
			return store.ErrConflict
		}
		s.references[*credit.Reference] = struct{}{}
	}

	p.Status = payout.StatusPaid
	p.ExternalRef = &externalRef
	p.FailureReason = nil
	p.PaidAt = &now
	p.UpdatedAt = now
	s.payouts[id] = p

	a.LifetimeEarnings = a.LifetimeEarnings.Add(p.Amount)
	s.affiliates[a.ID] = a
	s.transactions = append(s.transactions, credit)
	return nil
}

func (s *Store) FailPayout(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[id]
	if !ok {
		return payout.ErrPayoutNotFound
	}
	if p.Status != payout.StatusApproved {
		return store.ErrConflict
	}
	p.Status = payout.StatusFailed
	p.FailureReason = &reason
	p.UpdatedAt = now
	s.payouts[id] = p
	return nil
}

func (s *Store) ReleaseStale(_ context.Context, before, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	reason := "settlement attempt timed out"
	for id, p := range s.payouts {
		if p.Status != payout.StatusApproved || !p.UpdatedAt.Before(before) {
			continue
		}
		p.Status = payout.StatusFailed
		p.FailureReason = &reason
		p.UpdatedAt = now
		s.payouts[id] = p
		n++
	}
	return n, nil
}

func hasStatus(st payout.Status, want []payout.Status) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if st == w {
			return true
		}
	}
	return false
}

// SunsetStore implementation --------------------------------------------------

func (s *Store) GetSunset(_ context.Context) (sunset.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.sunset == nil {
		return sunset.Status{}, store.ErrNotFound
	}
	return *s.sunset, nil
}

func (s *Store) SaveSunsetMetrics(_ context.Context, st sunset.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sunset == nil {
		s.sunset = &sunset.Status{}
	}
	s.sunset.CurrentMonth = st.CurrentMonth
	s.sunset.CurrentMonthlyVolume = st.CurrentMonthlyVolume
	s.sunset.RollingAverage = st.RollingAverage
	s.sunset.Threshold = st.Threshold
	s.sunset.UpdatedAt = st.UpdatedAt
	return nil
}

func (s *Store) TriggerSunset(_ context.Context, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sunset == nil {
		return false, store.ErrNotFound
	}
	if s.sunset.IsTriggered {
		return false, nil
	}
	s.sunset.IsTriggered = true
	s.sunset.TriggeredAt = &at
	return true, nil
}

// TreasuryStore implementation ------------------------------------------------

func (s *Store) AppendSnapshot(_ context.Context, snap treasury.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snap.PoolType, snap.TakenAt}
	if _, ok := s.snapshots[key]; ok {
		return false, nil
	}
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	s.snapshots[key] = snap
	return true, nil
}

func (s *Store) ListSnapshots(_ context.Context, since time.Time) ([]treasury.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []treasury.Snapshot
	for _, snap := range s.snapshots {
		if !snap.TakenAt.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].PoolType < out[j].PoolType
		}
		return out[i].TakenAt.Before(out[j].TakenAt)
	})
	return out, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Reference != nil {
		if _, ok := s.references[*tx.Reference]; ok {
			return store.ErrConflict
		}
		s.references[*tx.Reference] = struct{}{}
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	s.transactions = append(s.transactions, tx)
	return nil
}

func (s *Store) ListTransactions(_ context.Context, memberID uuid.UUID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Transaction
	for _, tx := range s.transactions {
		if tx.MemberID == memberID {
			out = append(out, tx)
		}
	}
	return out, nil
}
