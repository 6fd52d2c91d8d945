package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"loyaltyLedgerAPI/internal/leaderboard"
	"loyaltyLedgerAPI/internal/treasury"
)

// Memory is a process-local Cache for tests and single-instance runs.
type Memory struct {
	mu     sync.Mutex
	boards map[string]map[uuid.UUID]int
	bank   *treasury.CachedBalances
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{boards: make(map[string]map[uuid.UUID]int)}
}

func (m *Memory) board(period string) map[uuid.UUID]int {
	b, ok := m.boards[period]
	if !ok {
		b = make(map[uuid.UUID]int)
		m.boards[period] = b
	}
	return b
}

func (m *Memory) IncrScans(_ context.Context, period string, member uuid.UUID, by int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.board(period)[member] += by
	return nil
}

func (m *Memory) Scores(_ context.Context, period string) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uuid.UUID]int, len(m.boards[period]))
	for id, n := range m.boards[period] {
		out[id] = n
	}
	return out, nil
}

func (m *Memory) SetScores(_ context.Context, period string, scores map[uuid.UUID]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.board(period)
	for id, n := range scores {
		b[id] = n
	}
	return nil
}

func (m *Memory) RemoveMembers(_ context.Context, period string, members []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.board(period)
	for _, id := range members {
		delete(b, id)
	}
	return nil
}

// PruneStrays is a no-op: the memory board is keyed by member ID.
func (m *Memory) PruneStrays(context.Context, string) (int, error) { return 0, nil }

func (m *Memory) ranked(period string) []*leaderboard.LeaderboardEntry {
	b := m.boards[period]
	out := make([]*leaderboard.LeaderboardEntry, 0, len(b))
	for id, n := range b {
		out = append(out, &leaderboard.LeaderboardEntry{MemberID: id, Scans: n})
	}
	// Same order as ZREVRANGE: score descending, then member descending.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scans != out[j].Scans {
			return out[i].Scans > out[j].Scans
		}
		return out[i].MemberID.String() > out[j].MemberID.String()
	})
	for i, e := range out {
		e.Rank = i + 1
	}
	return out
}

func (m *Memory) Top(_ context.Context, period string, n int) ([]*leaderboard.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.ranked(period)
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

func (m *Memory) Position(_ context.Context, period string, member uuid.UUID) (*leaderboard.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.ranked(period) {
		if e.MemberID == member {
			return e, nil
		}
	}
	return nil, ErrMiss
}

func (m *Memory) Size(_ context.Context, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boards[period]), nil
}

func (m *Memory) SetBankBalances(_ context.Context, b treasury.CachedBalances) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := treasury.CachedBalances{Balances: make(treasury.Balances, len(b.Balances)), FetchedAt: b.FetchedAt}
	cp.Balances.Merge(b.Balances)
	m.bank = &cp
	return nil
}

func (m *Memory) BankBalances(context.Context) (treasury.CachedBalances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bank == nil {
		return treasury.CachedBalances{}, ErrMiss
	}
	cp := treasury.CachedBalances{Balances: make(treasury.Balances, len(m.bank.Balances)), FetchedAt: m.bank.FetchedAt}
	cp.Balances.Merge(m.bank.Balances)
	return cp, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
