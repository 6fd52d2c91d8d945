package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/tier"
)

// ErrInvalidConfig marks configuration that must stop startup or a scheduled run.
var ErrInvalidConfig = errors.New("invalid configuration")

// Job names, shared by the schedule table and the scheduler.
const (
	JobTreasurySnapshot     = "treasury_snapshot"
	JobTellerSync           = "teller_sync"
	JobAffiliatePayout      = "affiliate_payout"
	JobGuaranteedComps      = "guaranteed_comps"
	JobLeaderboardReconcile = "leaderboard_reconcile"
	JobChipExpirySweep      = "chip_expiry_sweep"
	JobTierRefresh          = "tier_refresh"
)

// Program is the loyalty program definition loaded from YAML.
type Program struct {
	Tiers           []TierConfig           `yaml:"tiers"`
	Pools           map[string]Decimal     `yaml:"pools"`
	Chips           ChipConfig             `yaml:"chips"`
	Sunset          SunsetConfig           `yaml:"sunset"`
	GuaranteedComps []GuaranteedCompConfig `yaml:"guaranteed_comps"`
	Payout          PayoutConfig           `yaml:"payout"`
	Treasury        TreasuryConfig         `yaml:"treasury"`
	External        ExternalConfig         `yaml:"external"`
	Schedules       map[string]string      `yaml:"schedules"`
	JobTimeout      Duration               `yaml:"job_timeout"`
	Leaderboard     LeaderboardConfig      `yaml:"leaderboard"`
}

type TierConfig struct {
	Name               string          `yaml:"name"`
	MinScans           int             `yaml:"min_scans"`
	Multiplier         Decimal         `yaml:"multiplier"`
	PartnerDiscountPct Decimal         `yaml:"partner_discount_pct"`
	Benefits           map[string]bool `yaml:"benefits"`
}

type ChipConfig struct {
	VaultWindow Duration `yaml:"vault_window"`
	Value       Decimal  `yaml:"value"`
}

type SunsetConfig struct {
	Threshold    Decimal `yaml:"threshold"`
	WindowMonths int     `yaml:"window_months"`
}

type GuaranteedCompConfig struct {
	Benefit string  `yaml:"benefit"`
	Pool    string  `yaml:"pool"`
	Amount  Decimal `yaml:"amount"`
	Winners int     `yaml:"winners"`
}

type PayoutConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InFlightTimeout Duration `yaml:"in_flight_timeout"`
}

type TreasuryConfig struct {
	BankAccounts  map[string]string `yaml:"bank_accounts"`
	ChainWallets  map[string]string `yaml:"chain_wallets"`
	ChainToken    string            `yaml:"chain_token"`
	TokenDecimals int32             `yaml:"token_decimals"`
}

type ExternalConfig struct {
	Timeout       Duration `yaml:"timeout"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryInitial  Duration `yaml:"retry_initial"`
	RetryMax      Duration `yaml:"retry_max"`
}

type LeaderboardConfig struct {
	Size int `yaml:"size"`
}

// LoadProgram reads, defaults and validates the program file at path.
func LoadProgram(path string) (*Program, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open program config: %w", err)
	}
	defer file.Close()

	var p Program
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode program config: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Program) applyDefaults() {
	if p.Chips.VaultWindow.Duration == 0 {
		p.Chips.VaultWindow.Duration = 14 * 24 * time.Hour
	}
	if p.Sunset.WindowMonths <= 0 {
		p.Sunset.WindowMonths = 3
	}
	if p.Payout.MaxAttempts <= 0 {
		p.Payout.MaxAttempts = 3
	}
	if p.Payout.InFlightTimeout.Duration == 0 {
		p.Payout.InFlightTimeout.Duration = 30 * time.Minute
	}
	if p.External.Timeout.Duration == 0 {
		p.External.Timeout.Duration = 10 * time.Second
	}
	if p.External.RetryAttempts <= 0 {
		p.External.RetryAttempts = 4
	}
	if p.External.RetryInitial.Duration == 0 {
		p.External.RetryInitial.Duration = 500 * time.Millisecond
	}
	if p.External.RetryMax.Duration == 0 {
		p.External.RetryMax.Duration = 5 * time.Second
	}
	if p.JobTimeout.Duration == 0 {
		p.JobTimeout.Duration = 10 * time.Minute
	}
	if p.Treasury.TokenDecimals <= 0 {
		p.Treasury.TokenDecimals = 6
	}
	if p.Leaderboard.Size <= 0 {
		p.Leaderboard.Size = 100
	}
	if p.Schedules == nil {
		p.Schedules = map[string]string{}
	}
	for job, spec := range DefaultSchedules() {
		if strings.TrimSpace(p.Schedules[job]) == "" {
			p.Schedules[job] = spec
		}
	}
}

// DefaultSchedules are the cron specs used when the program file leaves a job out.
func DefaultSchedules() map[string]string {
	return map[string]string{
		JobTreasurySnapshot:     "0 * * * *",
		JobTellerSync:           "0 */6 * * *",
		JobAffiliatePayout:      "0 9 * * MON",
		JobGuaranteedComps:      "0 10 1 * *",
		JobLeaderboardReconcile: "30 3 * * *",
		JobChipExpirySweep:      "*/15 * * * *",
		JobTierRefresh:          "0 4 * * *",
	}
}

// Validate reports every problem in p, joined, each wrapping ErrInvalidConfig.
func (p *Program) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(p.Tiers) == 0 {
		bad("no tier definitions")
	}
	names := make(map[string]bool, len(p.Tiers))
	thresholds := make(map[int]string, len(p.Tiers))
	hasBase := false
	benefits := make(map[string]bool)
	for _, t := range p.Tiers {
		switch {
		case strings.TrimSpace(t.Name) == "":
			bad("tier with empty name")
		case names[t.Name]:
			bad("duplicate tier %q", t.Name)
		}
		names[t.Name] = true
		if other, ok := thresholds[t.MinScans]; ok {
			bad("tiers %q and %q share min_scans %d", other, t.Name, t.MinScans)
		}
		thresholds[t.MinScans] = t.Name
		if t.MinScans < 0 {
			bad("tier %q has negative min_scans", t.Name)
		}
		if t.MinScans == 0 {
			hasBase = true
		}
		if !t.Multiplier.IsPositive() {
			bad("tier %q multiplier must be > 0", t.Name)
		}
		if t.PartnerDiscountPct.IsNegative() || t.PartnerDiscountPct.GreaterThan(decimal.NewFromInt(100)) {
			bad("tier %q partner_discount_pct must be within 0-100", t.Name)
		}
		for k, on := range t.Benefits {
			if on {
				benefits[k] = true
			}
		}
	}
	if len(p.Tiers) > 0 && !hasBase {
		bad("a tier with min_scans 0 is required")
	}

	total := decimal.Zero
	for name, pct := range p.Pools {
		if _, err := pool.ParseType(name); err != nil {
			bad("%v", err)
		}
		if pct.IsNegative() {
			bad("pool %q percentage is negative", name)
		}
		total = total.Add(pct.Decimal)
	}
	if !total.Equal(decimal.NewFromInt(100)) {
		bad("pool percentages sum to %s, want 100", total)
	}

	if p.Chips.VaultWindow.Duration <= 0 {
		bad("chips.vault_window must be > 0")
	}
	if !p.Chips.Value.IsPositive() {
		bad("chips.value must be > 0")
	}
	if !p.Sunset.Threshold.IsPositive() {
		bad("sunset.threshold must be > 0")
	}

	for _, gc := range p.GuaranteedComps {
		if _, ok := p.Pools[gc.Pool]; !ok {
			bad("guaranteed comp %q references unknown pool %q", gc.Benefit, gc.Pool)
		}
		if !benefits[gc.Benefit] {
			bad("guaranteed comp benefit %q is not granted by any tier", gc.Benefit)
		}
		if !gc.Amount.IsPositive() {
			bad("guaranteed comp %q amount must be > 0", gc.Benefit)
		}
		if gc.Winners <= 0 {
			bad("guaranteed comp %q winners must be > 0", gc.Benefit)
		}
	}

	for name := range p.Treasury.BankAccounts {
		if _, err := pool.ParseType(name); err != nil {
			bad("treasury.bank_accounts: %v", err)
		}
	}
	for name := range p.Treasury.ChainWallets {
		if _, err := pool.ParseType(name); err != nil {
			bad("treasury.chain_wallets: %v", err)
		}
	}
	if len(p.Treasury.ChainWallets) > 0 && strings.TrimSpace(p.Treasury.ChainToken) == "" {
		bad("treasury.chain_token is required when chain_wallets are set")
	}

	for job := range p.Schedules {
		if _, ok := DefaultSchedules()[job]; !ok {
			bad("schedule for unknown job %q", job)
		}
	}

	return errors.Join(errs...)
}

// TierDefinitions converts the tier table into domain definitions, ordered by threshold.
func (p *Program) TierDefinitions() []tier.Definition {
	defs := make([]tier.Definition, 0, len(p.Tiers))
	for _, t := range p.Tiers {
		defs = append(defs, tier.Definition{
			Name:               t.Name,
			MinScans:           t.MinScans,
			Multiplier:         t.Multiplier.Decimal,
			PartnerDiscountPct: t.PartnerDiscountPct.Decimal,
			Benefits:           t.Benefits,
		})
	}
	return tier.Sorted(defs)
}

// PoolPercentages returns the configured split keyed by pool type.
func (p *Program) PoolPercentages() map[pool.Type]decimal.Decimal {
	out := make(map[pool.Type]decimal.Decimal, len(p.Pools))
	for name, pct := range p.Pools {
		if typ, err := pool.ParseType(name); err == nil {
			out[typ] = pct.Decimal
		}
	}
	return out
}

// GuaranteedCompRules converts the guaranteed comp table into pool rules.
func (p *Program) GuaranteedCompRules() []pool.GuaranteedComp {
	out := make([]pool.GuaranteedComp, 0, len(p.GuaranteedComps))
	for _, gc := range p.GuaranteedComps {
		typ, err := pool.ParseType(gc.Pool)
		if err != nil {
			continue
		}
		out = append(out, pool.GuaranteedComp{
			Benefit: gc.Benefit,
			Pool:    typ,
			Amount:  gc.Amount.Decimal,
			Winners: gc.Winners,
		})
	}
	return out
}

// Accounts maps pool types to the external account identifiers in m.
func Accounts(m map[string]string) map[pool.Type]string {
	out := make(map[pool.Type]string, len(m))
	for name, id := range m {
		if typ, err := pool.ParseType(name); err == nil {
			out[typ] = id
		}
	}
	return out
}
