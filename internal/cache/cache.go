package cache

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"loyaltyLedgerAPI/internal/leaderboard"
	"loyaltyLedgerAPI/internal/treasury"
)

// ErrMiss is returned when a cached value has never been written.
var ErrMiss = errors.New("cache miss")

// Cache is the fast, derived view of the ledger. It is never authoritative:
// anything held here can be rebuilt from the store.
type Cache interface {
	IncrScans(ctx context.Context, period string, member uuid.UUID, by int) error
	Scores(ctx context.Context, period string) (map[uuid.UUID]int, error)
	SetScores(ctx context.Context, period string, scores map[uuid.UUID]int) error
	RemoveMembers(ctx context.Context, period string, members []uuid.UUID) error
	// PruneStrays drops entries of a period that are not member IDs and
	// reports how many went.
	PruneStrays(ctx context.Context, period string) (int, error)
	// Top returns the n highest entries, ranked from 1.
	Top(ctx context.Context, period string, n int) ([]*leaderboard.LeaderboardEntry, error)
	Position(ctx context.Context, period string, member uuid.UUID) (*leaderboard.LeaderboardEntry, error)
	Size(ctx context.Context, period string) (int, error)

	SetBankBalances(ctx context.Context, b treasury.CachedBalances) error
	BankBalances(ctx context.Context) (treasury.CachedBalances, error)

	Ping(ctx context.Context) error
}
