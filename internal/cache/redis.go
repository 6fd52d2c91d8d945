package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltyLedgerAPI/internal/leaderboard"
	"loyaltyLedgerAPI/internal/pool"
	"loyaltyLedgerAPI/internal/treasury"
)

const (
	bankKey        = "treasury:bank"
	fetchedAtField = "fetched_at"
)

// Redis keeps one sorted set per leaderboard period and the bank balances in a hash.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*Redis)(nil)

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *Redis) boardKey(period string) string {
	return r.key("leaderboard", period)
}

func (r *Redis) IncrScans(ctx context.Context, period string, member uuid.UUID, by int) error {
	return r.client.ZIncrBy(ctx, r.boardKey(period), float64(by), member.String()).Err()
}

func (r *Redis) Scores(ctx context.Context, period string) (map[uuid.UUID]int, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.boardKey(period), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard %s: %w", period, err)
	}
	out := make(map[uuid.UUID]int, len(zs))
	for _, z := range zs {
		id, err := uuid.Parse(fmt.Sprint(z.Member))
		if err != nil {
			continue
		}
		out[id] = int(z.Score)
	}
	return out, nil
}

func (r *Redis) SetScores(ctx context.Context, period string, scores map[uuid.UUID]int) error {
	if len(scores) == 0 {
		return nil
	}
	members := make([]*redis.Z, 0, len(scores))
	for id, n := range scores {
		members = append(members, &redis.Z{Score: float64(n), Member: id.String()})
	}
	return r.client.ZAdd(ctx, r.boardKey(period), members...).Err()
}

func (r *Redis) RemoveMembers(ctx context.Context, period string, members []uuid.UUID) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, id := range members {
		args[i] = id.String()
	}
	return r.client.ZRem(ctx, r.boardKey(period), args...).Err()
}

func (r *Redis) PruneStrays(ctx context.Context, period string) (int, error) {
	members, err := r.client.ZRange(ctx, r.boardKey(period), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read leaderboard %s: %w", period, err)
	}
	var strays []interface{}
	for _, m := range members {
		if _, err := uuid.Parse(m); err != nil {
			strays = append(strays, m)
		}
	}
	if len(strays) == 0 {
		return 0, nil
	}
	if err := r.client.ZRem(ctx, r.boardKey(period), strays...).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune leaderboard %s: %w", period, err)
	}
	return len(strays), nil
}

func (r *Redis) Top(ctx context.Context, period string, n int) ([]*leaderboard.LeaderboardEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := r.client.ZRevRangeWithScores(ctx, r.boardKey(period), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard %s: %w", period, err)
	}
	out := make([]*leaderboard.LeaderboardEntry, 0, len(zs))
	for i, z := range zs {
		id, err := uuid.Parse(fmt.Sprint(z.Member))
		if err != nil {
			continue
		}
		out = append(out, &leaderboard.LeaderboardEntry{MemberID: id, Scans: int(z.Score), Rank: i + 1})
	}
	return out, nil
}

func (r *Redis) Position(ctx context.Context, period string, member uuid.UUID) (*leaderboard.LeaderboardEntry, error) {
	key := r.boardKey(period)
	rank, err := r.client.ZRevRank(ctx, key, member.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	score, err := r.client.ZScore(ctx, key, member.String()).Result()
	if err != nil {
		return nil, err
	}
	return &leaderboard.LeaderboardEntry{MemberID: member, Scans: int(score), Rank: int(rank) + 1}, nil
}

func (r *Redis) Size(ctx context.Context, period string) (int, error) {
	n, err := r.client.ZCard(ctx, r.boardKey(period)).Result()
	return int(n), err
}

func (r *Redis) SetBankBalances(ctx context.Context, b treasury.CachedBalances) error {
	fields := map[string]interface{}{fetchedAtField: b.FetchedAt.UTC().Format(time.RFC3339)}
	for t, v := range b.Balances {
		fields[string(t)] = v.String()
	}
	key := r.key(bankKey)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	return err
}

func (r *Redis) BankBalances(ctx context.Context) (treasury.CachedBalances, error) {
	vals, err := r.client.HGetAll(ctx, r.key(bankKey)).Result()
	if err != nil {
		return treasury.CachedBalances{}, err
	}
	if len(vals) == 0 {
		return treasury.CachedBalances{}, ErrMiss
	}

	out := treasury.CachedBalances{Balances: make(treasury.Balances)}
	for field, raw := range vals {
		if field == fetchedAtField {
			if out.FetchedAt, err = time.Parse(time.RFC3339, raw); err != nil {
				return treasury.CachedBalances{}, fmt.Errorf("bad %s in bank cache: %w", fetchedAtField, err)
			}
			continue
		}
		typ, err := pool.ParseType(field)
		if err != nil {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return treasury.CachedBalances{}, fmt.Errorf("bad %s balance %s in bank cache: %w", field, strconv.Quote(raw), err)
		}
		out.Balances[typ] = v
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
