package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
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

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store implements store.Store on PostgreSQL. Every multi-row write runs in a
// single transaction and every state transition is a conditional UPDATE, so
// concurrent jobs rely on the database rather than on process locks.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

// MemberStore implementation --------------------------------------------------

const memberColumns = `id, clerk_id, referred_by, created_at`

func scanMember(row rowScanner) (scan.Member, error) {
	var (
		m       scan.Member
		clerkID *string
	)
	if err := row.Scan(&m.ID, &clerkID, &m.ReferredBy, &m.CreatedAt); err != nil {
		return scan.Member{}, err
	}
	if clerkID != nil {
		m.ClerkID = *clerkID
	}
	return m, nil
}

func (s *Store) CreateMember(ctx context.Context, m scan.Member) (scan.Member, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return scan.Member{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO members (id, clerk_id, referred_by, created_at) VALUES ($1, NULLIF($2, ''), $3, $4)`,
		m.ID, m.ClerkID, m.ReferredBy, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return scan.Member{}, store.ErrConflict
		}
		return scan.Member{}, fmt.Errorf("failed to insert member: %w", err)
	}

	if m.ReferredBy != nil {
		tag, err := tx.Exec(ctx, `UPDATE affiliates SET referred_count = referred_count + 1 WHERE id = $1`, *m.ReferredBy)
		if err != nil {
			return scan.Member{}, fmt.Errorf("failed to update referred count: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scan.Member{}, fmt.Errorf("referring affiliate %s: %w", *m.ReferredBy, store.ErrNotFound)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return scan.Member{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (scan.Member, error) {
	m, err := scanMember(s.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id))
	if err != nil {
		return scan.Member{}, notFound(err, store.ErrNotFound)
	}
	return m, nil
}

func (s *Store) GetMemberByClerkID(ctx context.Context, clerkID string) (scan.Member, error) {
	m, err := scanMember(s.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE clerk_id = $1`, clerkID))
	if err != nil {
		return scan.Member{}, notFound(err, store.ErrNotFound)
	}
	return m, nil
}

const affiliateColumns = `id, member_id, referral_code, referred_count, lifetime_earnings, matching_pct, permanent_tier, active, created_at`

func scanAffiliate(row rowScanner) (chip.Affiliate, error) {
	var a chip.Affiliate
	err := row.Scan(&a.ID, &a.MemberID, &a.ReferralCode, &a.ReferredCount, &a.LifetimeEarnings,
		&a.MatchingPct, &a.PermanentTier, &a.Active, &a.CreatedAt)
	return a, err
}

func (s *Store) CreateAffiliate(ctx context.Context, a chip.Affiliate) (chip.Affiliate, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO affiliates (`+affiliateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.MemberID, a.ReferralCode, a.ReferredCount, a.LifetimeEarnings, a.MatchingPct, a.PermanentTier, a.Active, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return chip.Affiliate{}, store.ErrConflict
		}
		return chip.Affiliate{}, fmt.Errorf("failed to insert affiliate: %w", err)
	}
	return a, nil
}

func (s *Store) GetAffiliate(ctx context.Context, id uuid.UUID) (chip.Affiliate, error) {
	a, err := scanAffiliate(s.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = $1`, id))
	if err != nil {
		return chip.Affiliate{}, notFound(err, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) GetAffiliateByMember(ctx context.Context, memberID uuid.UUID) (chip.Affiliate, error) {
	a, err := scanAffiliate(s.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE member_id = $1`, memberID))
	if err != nil {
		return chip.Affiliate{}, notFound(err, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) GetAffiliateByCode(ctx context.Context, referralCode string) (chip.Affiliate, error) {
	a, err := scanAffiliate(s.db.QueryRow(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE referral_code = $1`, referralCode))
	if err != nil {
		return chip.Affiliate{}, notFound(err, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListActiveAffiliates(ctx context.Context) ([]chip.Affiliate, error) {
	rows, err := s.db.Query(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliates: %w", err)
	}
	defer rows.Close()

	var out []chip.Affiliate
	for rows.Next() {
		a, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetPermanentTier(ctx context.Context, affiliateID uuid.UUID, label string) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE affiliates SET permanent_tier = $2 WHERE id = $1 AND permanent_tier IS NULL`, affiliateID, label)
	if err != nil {
		return false, fmt.Errorf("failed to set permanent tier: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM affiliates WHERE id = $1)`, affiliateID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ScanStore implementation ----------------------------------------------------

func (s *Store) RecordScan(ctx context.Context, ev scan.Event, c *chip.Chip) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO scan_events (id, member_id, code_id, product_id, quarter, month, value, streak, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code_id) DO NOTHING`,
		ev.ID, ev.MemberID, ev.CodeID, ev.ProductID, ev.Quarter, ev.Month, ev.Value, ev.Streak, ev.ScannedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scan event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	if c != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO affiliate_chips (id, affiliate_id, source_member_id, source_scan_id, created_at, vault_expiry)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (source_scan_id) DO NOTHING`,
			c.ID, c.AffiliateID, c.SourceMemberID, c.SourceScanID, c.CreatedAt, c.VaultExpiry)
		if err != nil {
			return fmt.Errorf("failed to issue chip: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) CountScans(ctx context.Context, memberID uuid.UUID, quarter string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scan_events WHERE member_id = $1 AND quarter = $2`, memberID, quarter).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count scans: %w", err)
	}
	return n, nil
}

func (s *Store) CountScansByQuarter(ctx context.Context, quarter string) (map[uuid.UUID]int, error) {
	rows, err := s.db.Query(ctx, `SELECT member_id, COUNT(*) FROM scan_events WHERE quarter = $1 GROUP BY member_id`, quarter)
	if err != nil {
		return nil, fmt.Errorf("failed to count scans: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *Store) MonthlyVolume(ctx context.Context, month string) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := s.db.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0) FROM scan_events WHERE month = $1`, month).Scan(&v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum monthly volume: %w", err)
	}
	return v, nil
}

func (s *Store) DownlineValue(ctx context.Context, affiliateID uuid.UUID, from, to time.Time) (decimal.Decimal, error) {
	var v decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.value), 0)
		FROM scan_events e
		JOIN members m ON m.id = e.member_id
		WHERE m.referred_by = $1 AND e.scanned_at >= $2 AND e.scanned_at < $3`,
		affiliateID, from, to).Scan(&v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum downline value: %w", err)
	}
	return v, nil
}

// TierStore implementation ----------------------------------------------------

const assignmentColumns = `id, member_id, period, tier_name, scan_count, multiplier, achieved_at, expires_at, permanent`

func scanAssignment(row rowScanner) (tier.Assignment, error) {
	var a tier.Assignment
	err := row.Scan(&a.ID, &a.MemberID, &a.Period, &a.TierName, &a.ScanCount, &a.Multiplier, &a.AchievedAt, &a.ExpiresAt, &a.Permanent)
	return a, err
}

func (s *Store) GetAssignment(ctx context.Context, memberID uuid.UUID, period string) (tier.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM tier_assignments WHERE member_id = $1 AND period = $2`, memberID, period))
	if err != nil {
		return tier.Assignment{}, notFound(err, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) UpsertAssignment(ctx context.Context, a tier.Assignment) (tier.Assignment, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	got, err := scanAssignment(s.db.QueryRow(ctx, `
		INSERT INTO tier_assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (member_id, period) DO UPDATE SET
			tier_name   = EXCLUDED.tier_name,
			scan_count  = EXCLUDED.scan_count,
			multiplier  = EXCLUDED.multiplier,
			expires_at  = EXCLUDED.expires_at,
			permanent   = EXCLUDED.permanent,
			achieved_at = CASE WHEN tier_assignments.tier_name = EXCLUDED.tier_name
				THEN tier_assignments.achieved_at ELSE EXCLUDED.achieved_at END
		WHERE NOT tier_assignments.permanent
			AND (tier_assignments.tier_name <> EXCLUDED.tier_name
				OR tier_assignments.scan_count <> EXCLUDED.scan_count
				OR tier_assignments.permanent <> EXCLUDED.permanent)
		RETURNING `+assignmentColumns,
		a.ID, a.MemberID, a.Period, a.TierName, a.ScanCount, a.Multiplier, a.AchievedAt, a.ExpiresAt, a.Permanent))
	if err == nil {
		return got, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tier.Assignment{}, false, fmt.Errorf("failed to upsert tier assignment: %w", err)
	}

	existing, err := s.GetAssignment(ctx, a.MemberID, a.Period)
	if err != nil {
		return tier.Assignment{}, false, err
	}
	return existing, false, nil
}

func (s *Store) ListAssignments(ctx context.Context, period string) ([]tier.Assignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+` FROM tier_assignments WHERE period = $1 ORDER BY member_id`, period)
	if err != nil {
		return nil, fmt.Errorf("failed to query tier assignments: %w", err)
	}
	defer rows.Close()

	var out []tier.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LatestAssignment(ctx context.Context, memberID uuid.UUID) (tier.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM tier_assignments WHERE member_id = $1 ORDER BY period DESC LIMIT 1`, memberID))
	if err != nil {
		return tier.Assignment{}, notFound(err, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) MakePermanent(ctx context.Context, memberID uuid.UUID, period string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tier_assignments SET permanent = TRUE, expires_at = NULL WHERE member_id = $1 AND period = $2`, memberID, period)
	if err != nil {
		return fmt.Errorf("failed to freeze tier assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ChipStore implementation ----------------------------------------------------

const chipColumns = `id, affiliate_id, source_member_id, source_scan_id, created_at, is_vaulted, vaulted_at, vault_expiry, is_expired, expired_at`

func scanChip(row rowScanner) (chip.Chip, error) {
	var c chip.Chip
	err := row.Scan(&c.ID, &c.AffiliateID, &c.SourceMemberID, &c.SourceScanID, &c.CreatedAt,
		&c.IsVaulted, &c.VaultedAt, &c.VaultExpiry, &c.IsExpired, &c.ExpiredAt)
	return c, err
}

func (s *Store) GetChip(ctx context.Context, id uuid.UUID) (chip.Chip, error) {
	c, err := scanChip(s.db.QueryRow(ctx, `SELECT `+chipColumns+` FROM affiliate_chips WHERE id = $1`, id))
	if err != nil {
		return chip.Chip{}, notFound(err, chip.ErrChipNotFound)
	}
	return c, nil
}

func (s *Store) ListChips(ctx context.Context, affiliateID uuid.UUID) ([]chip.Chip, error) {
	rows, err := s.db.Query(ctx, `SELECT `+chipColumns+` FROM affiliate_chips WHERE affiliate_id = $1 ORDER BY created_at`, affiliateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chips: %w", err)
	}
	defer rows.Close()

	var out []chip.Chip
	for rows.Next() {
		c, err := scanChip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) VaultChip(ctx context.Context, affiliateID, chipID uuid.UUID, now time.Time) (chip.Chip, error) {
	c, err := scanChip(s.db.QueryRow(ctx, `
		UPDATE affiliate_chips
		SET is_vaulted = TRUE, vaulted_at = $3
		WHERE id = $1 AND affiliate_id = $2
			AND NOT is_vaulted AND NOT is_expired AND vault_expiry > $3
		RETURNING `+chipColumns,
		chipID, affiliateID, now))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chip.Chip{}, fmt.Errorf("failed to vault chip: %w", err)
	}

	// Nothing matched; report why.
	c, err = s.GetChip(ctx, chipID)
	if err != nil {
		return chip.Chip{}, err
	}
	if c.AffiliateID != affiliateID {
		return chip.Chip{}, chip.ErrChipNotFound
	}
	if err := c.CanVault(now); err != nil {
		return c, err
	}
	return c, chip.ErrChipExpired
}

func (s *Store) ExpireChips(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE affiliate_chips
		SET is_expired = TRUE, expired_at = $1
		WHERE NOT is_vaulted AND NOT is_expired AND vault_expiry <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire chips: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountVaulted(ctx context.Context, from, to time.Time) (map[uuid.UUID]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT affiliate_id, COUNT(*)
		FROM affiliate_chips
		WHERE is_vaulted AND vaulted_at >= $1 AND vaulted_at < $2
		GROUP BY affiliate_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count vaulted chips: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id uuid.UUID
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// PoolStore implementation ----------------------------------------------------

const poolColumns = `id, pool_type, period, total_amount, distributed_amount, updated_at`

func scanPool(row rowScanner) (pool.Pool, error) {
	var p pool.Pool
	err := row.Scan(&p.ID, &p.Type, &p.Period, &p.TotalAmount, &p.DistributedAmount, &p.UpdatedAt)
	return p, err
}

func (s *Store) ApplyInflow(ctx context.Context, in pool.Inflow, shares map[pool.Type]decimal.Decimal) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO pool_inflows (reference, period, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference) DO NOTHING`,
		in.Reference, in.Period, in.Amount, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record inflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	for _, typ := range pool.Types {
		amt, ok := shares[typ]
		if !ok {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO comp_pools (id, pool_type, period, total_amount, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pool_type, period) DO UPDATE SET
				total_amount = comp_pools.total_amount + EXCLUDED.total_amount,
				updated_at   = EXCLUDED.updated_at`,
			uuid.New(), typ, in.Period, amt, in.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to credit %s pool: %w", typ, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetPools(ctx context.Context, period string) ([]pool.Pool, error) {
	rows, err := s.db.Query(ctx, `SELECT `+poolColumns+` FROM comp_pools WHERE period = $1`, period)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	byType := make(map[pool.Type]pool.Pool)
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		byType[p.Type] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []pool.Pool
	for _, typ := range pool.Types {
		if p, ok := byType[typ]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AwardComp(ctx context.Context, a pool.Award, credit ledger.Transaction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The capacity check and the increment are the same statement.
	var poolID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE comp_pools
		SET distributed_amount = distributed_amount + $3, updated_at = $4
		WHERE pool_type = $1 AND period = $2 AND distributed_amount + $3 <= total_amount
		RETURNING id`,
		a.PoolType, a.Period, a.Amount, a.AwardedAt).Scan(&poolID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to debit pool: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM comp_pools WHERE pool_type = $1 AND period = $2)`,
			a.PoolType, a.Period).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pool.ErrPoolNotFound
		}
		return pool.ErrPoolExhausted
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO comp_awards (id, pool_id, pool_type, member_id, period, benefit, amount, awarded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (member_id, period, benefit) DO NOTHING`,
		a.ID, poolID, a.PoolType, a.MemberID, a.Period, a.Benefit, a.Amount, a.AwardedAt)
	if err != nil {
		return fmt.Errorf("failed to record award: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	if err := insertTransaction(ctx, tx, credit); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) ListAwards(ctx context.Context, period, benefit string) ([]pool.Award, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, pool_id, pool_type, member_id, period, benefit, amount, awarded_at
		FROM comp_awards
		WHERE period = $1 AND ($2 = '' OR benefit = $2)
		ORDER BY awarded_at`, period, benefit)
	if err != nil {
		return nil, fmt.Errorf("failed to query awards: %w", err)
	}
	defer rows.Close()

	var out []pool.Award
	for rows.Next() {
		var a pool.Award
		if err := rows.Scan(&a.ID, &a.PoolID, &a.PoolType, &a.MemberID, &a.Period, &a.Benefit, &a.Amount, &a.AwardedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PayoutStore implementation --------------------------------------------------

const payoutColumns = `id, affiliate_id, period, payout_type, amount, status, attempts, external_ref, failure_reason, created_at, updated_at, paid_at`

func scanPayout(row rowScanner) (payout.Payout, error) {
	var p payout.Payout
	err := row.Scan(&p.ID, &p.AffiliateID, &p.Period, &p.Type, &p.Amount, &p.Status, &p.Attempts,
		&p.ExternalRef, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt)
	return p, err
}

func (s *Store) CreatePayout(ctx context.Context, p payout.Payout) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO affiliate_payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (affiliate_id, period, payout_type) DO NOTHING`,
		p.ID, p.AffiliateID, p.Period, p.Type, p.Amount, p.Status, p.Attempts,
		p.ExternalRef, p.FailureReason, p.CreatedAt, p.UpdatedAt, p.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, id uuid.UUID) (payout.Payout, error) {
	p, err := scanPayout(s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM affiliate_payouts WHERE id = $1`, id))
	if err != nil {
		return payout.Payout{}, notFound(err, payout.ErrPayoutNotFound)
	}
	return p, nil
}

func (s *Store) ListPayouts(ctx context.Context, period string, statuses ...payout.Status) ([]payout.Payout, error) {
	want := make([]string, 0, len(statuses))
	for _, st := range statuses {
		want = append(want, string(st))
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM affiliate_payouts
		WHERE period = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at`, period, want)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var out []payout.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListRetryable(ctx context.Context, maxAttempts int) ([]payout.Payout, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM affiliate_payouts
		WHERE status IN ('pending', 'failed') AND attempts < $1
		ORDER BY created_at`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable payouts: %w", err)
	}
	defer rows.Close()

	var out []payout.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ClaimPayout(ctx context.Context, id uuid.UUID, now time.Time) (payout.Payout, error) {
	p, err := scanPayout(s.db.QueryRow(ctx, `
		UPDATE affiliate_payouts
		SET status = 'approved', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING `+payoutColumns, id, now))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return payout.Payout{}, fmt.Errorf("failed to claim payout: %w", err)
	}

	p, err = s.GetPayout(ctx, id)
	if err != nil {
		return payout.Payout{}, err
	}
	if p.Status == payout.StatusApproved {
		return p, payout.ErrInFlight
	}
	return p, payout.ErrNotRetryable
}

func (s *Store) CompletePayout(ctx context.Context, id uuid.UUID, externalRef string, now time.Time, credit ledger.Transaction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		affiliateID uuid.UUID
		amount      decimal.Decimal
	)
	err = tx.QueryRow(ctx, `
		UPDATE affiliate_payouts
		SET status = 'paid', external_ref = $2, failure_reason = NULL, paid_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'approved'
		RETURNING affiliate_id, amount`, id, externalRef, now).Scan(&affiliateID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to mark payout paid: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE affiliates SET lifetime_earnings = lifetime_earnings + $2 WHERE id = $1`, affiliateID, amount)
	if err != nil {
		return fmt.Errorf("failed to update lifetime earnings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chip.ErrAffiliateNotFound
	}

	if err := insertTransaction(ctx, tx, credit); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) FailPayout(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE affiliate_payouts
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'approved'`, id, reason, now)
	if err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ReleaseStale(ctx context.Context, before, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE affiliate_payouts
		SET status = 'failed', failure_reason = 'settlement attempt timed out', updated_at = $2
		WHERE status = 'approved' AND updated_at < $1`, before, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale payouts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SunsetStore implementation --------------------------------------------------

func (s *Store) GetSunset(ctx context.Context) (sunset.Status, error) {
	var st sunset.Status
	err := s.db.QueryRow(ctx, `
		SELECT current_month, current_monthly_volume, rolling_average, threshold, is_triggered, triggered_at, updated_at
		FROM sunset_status WHERE id = 1`).Scan(
		&st.CurrentMonth, &st.CurrentMonthlyVolume, &st.RollingAverage, &st.Threshold, &st.IsTriggered, &st.TriggeredAt, &st.UpdatedAt)
	if err != nil {
		return sunset.Status{}, notFound(err, store.ErrNotFound)
	}
	return st, nil
}

func (s *Store) SaveSunsetMetrics(ctx context.Context, st sunset.Status) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sunset_status (id, current_month, current_monthly_volume, rolling_average, threshold, updated_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			current_month          = EXCLUDED.current_month,
			current_monthly_volume = EXCLUDED.current_monthly_volume,
			rolling_average        = EXCLUDED.rolling_average,
			threshold              = EXCLUDED.threshold,
			updated_at             = EXCLUDED.updated_at`,
		st.CurrentMonth, st.CurrentMonthlyVolume, st.RollingAverage, st.Threshold, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sunset metrics: %w", err)
	}
	return nil
}

func (s *Store) TriggerSunset(ctx context.Context, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE sunset_status SET is_triggered = TRUE, triggered_at = $1 WHERE id = 1 AND NOT is_triggered`, at)
	if err != nil {
		return false, fmt.Errorf("failed to latch sunset: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSunset(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// TreasuryStore implementation ------------------------------------------------

func (s *Store) AppendSnapshot(ctx context.Context, snap treasury.Snapshot) (bool, error) {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO treasury_snapshots (id, pool_type, balance, source, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_type, taken_at) DO NOTHING`,
		snap.ID, snap.PoolType, snap.Balance, snap.Source, snap.TakenAt)
	if err != nil {
		return false, fmt.Errorf("failed to append treasury snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListSnapshots(ctx context.Context, since time.Time) ([]treasury.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, pool_type, balance, source, taken_at
		FROM treasury_snapshots
		WHERE taken_at >= $1
		ORDER BY taken_at, pool_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query treasury snapshots: %w", err)
	}
	defer rows.Close()

	var out []treasury.Snapshot
	for rows.Next() {
		var snap treasury.Snapshot
		if err := rows.Scan(&snap.ID, &snap.PoolType, &snap.Balance, &snap.Source, &snap.TakenAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LedgerStore implementation --------------------------------------------------

const transactionColumns = `id, member_id, kind, tx_type, bucket, amount, status, reference, destination, created_at`

func insertTransaction(ctx context.Context, tx pgx.Tx, t ledger.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.MemberID, t.Kind, t.Type, t.Bucket, t.Amount, t.Status, t.Reference, t.Destination, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, t ledger.Transaction) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTransactions(ctx context.Context, memberID uuid.UUID) ([]ledger.Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE member_id = $1 ORDER BY created_at`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		if err := rows.Scan(&t.ID, &t.MemberID, &t.Kind, &t.Type, &t.Bucket, &t.Amount, &t.Status, &t.Reference, &t.Destination, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
