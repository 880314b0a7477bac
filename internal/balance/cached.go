package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"omen-backend/pkg/types"
)

const balanceCacheTTL = 5 * time.Minute

func balanceCacheKey(userID, tokenID string) string {
	return "token:balance:" + userID + ":" + tokenID
}

type balanceRow struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// Cached fronts the Book with a short-TTL Redis read cache. Mutations made
// through the Keeper drop the affected key after the Postgres write commits;
// the trade executor invalidates through its post-commit hook. The TTL is a
// backstop for writers that miss both paths.
type Cached struct {
	*Book
	rdb    *redis.Client
	logger *slog.Logger
}

func NewCached(inner *Book, rdb *redis.Client, logger *slog.Logger) *Cached {
	return &Cached{Book: inner, rdb: rdb, logger: logger.With("component", "balance-cache")}
}

func (c *Cached) Get(ctx context.Context, userID, tokenID string) (*big.Int, *big.Int, error) {
	key := balanceCacheKey(userID, tokenID)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var row balanceRow
		if err := json.Unmarshal(raw, &row); err == nil {
			avail, okA := new(big.Int).SetString(row.Available, 10)
			locked, okL := new(big.Int).SetString(row.Locked, 10)
			if okA && okL {
				return avail, locked, nil
			}
		}
	}

	avail, locked, err := c.Book.Get(ctx, userID, tokenID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(balanceRow{
		Available: types.AmountString(avail),
		Locked:    types.AmountString(locked),
	})
	if err == nil {
		if err := c.rdb.Set(ctx, key, raw, balanceCacheTTL).Err(); err != nil {
			c.logger.Debug("cache store failed", "user", userID, "token", tokenID, "error", err)
		}
	}
	return avail, locked, nil
}

func (c *Cached) Lock(ctx context.Context, userID, tokenID string, amount *big.Int) error {
	if err := c.Book.Lock(ctx, userID, tokenID, amount); err != nil {
		return err
	}
	c.drop(ctx, userID, tokenID)
	return nil
}

func (c *Cached) Unlock(ctx context.Context, userID, tokenID string, amount *big.Int) error {
	if err := c.Book.Unlock(ctx, userID, tokenID, amount); err != nil {
		return err
	}
	c.drop(ctx, userID, tokenID)
	return nil
}

func (c *Cached) Credit(ctx context.Context, userID, tokenID string, availDelta, lockedDelta *big.Int) error {
	if err := c.Book.Credit(ctx, userID, tokenID, availDelta, lockedDelta); err != nil {
		return err
	}
	c.drop(ctx, userID, tokenID)
	return nil
}

func (c *Cached) Upsert(ctx context.Context, userID, tokenID string, available, locked *big.Int) error {
	if err := c.Book.Upsert(ctx, userID, tokenID, available, locked); err != nil {
		return err
	}
	c.drop(ctx, userID, tokenID)
	return nil
}

// Invalidate drops one cached balance. Used by writers that commit outside
// this wrapper, like the trade executor.
func (c *Cached) Invalidate(ctx context.Context, userID, tokenID string) {
	c.drop(ctx, userID, tokenID)
}

func (c *Cached) drop(ctx context.Context, userID, tokenID string) {
	if err := c.rdb.Del(ctx, balanceCacheKey(userID, tokenID)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "user", userID, "token", tokenID, "error", err)
	}
}
