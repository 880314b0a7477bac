// Package orderbook maintains the warm per-(pair, side) mirror of open
// orders in Redis. The relational store stays authoritative; the cache only
// accelerates candidate lookup and depth snapshots, and every entry carries
// a bounded TTL so a stale mirror self-heals.
package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"omen-backend/pkg/types"
)

const (
	bookTTL  = 5 * time.Minute
	depthTTL = 10 * time.Second

	// topN bounds every read of one side of the book.
	topN = 100
)

// OrderSource is the authoritative read behind the cache.
type OrderSource interface {
	// OpenBySide returns OPEN/PARTIAL orders in price-time priority.
	OpenBySide(ctx context.Context, pairID string, side types.Side, limit int) ([]*types.Order, error)
}

// Cache is the Redis-backed book mirror.
type Cache struct {
	rdb    *redis.Client
	source OrderSource
}

// New creates the cache over the shared Redis connection.
func New(rdb *redis.Client, source OrderSource) *Cache {
	return &Cache{rdb: rdb, source: source}
}

func sideKey(pairID string, side types.Side) string {
	if side == types.BUY {
		return "orderbook:" + pairID + ":buys"
	}
	return "orderbook:" + pairID + ":sells"
}

func depthKey(pairID string) string {
	return "market:" + pairID + ":depth"
}

// priceScore collapses an arbitrary-precision price into the sorted-set
// score. Precision loss at extreme magnitudes is tolerable: candidates are
// re-sorted exactly after loading from the store.
func priceScore(price *big.Int) float64 {
	f, _ := new(big.Float).SetInt(price).Float64()
	return f
}

// bookMember keys an order inside its sorted set. Redis breaks equal-score
// ties by member order, so a fixed-width arrival tick prefixes the id. Sells
// are traversed ascending and carry the raw tick; buys are traversed
// descending and carry its complement, so older orders rank first on both
// sides.
func bookMember(o *types.Order) string {
	tick := o.CreatedAt.UnixNano()
	if tick < 0 {
		tick = 0
	}
	if o.Side == types.BUY {
		tick = math.MaxInt64 - tick
	}
	return fmt.Sprintf("%019d:%s", tick, o.ID)
}

func memberID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// Add mirrors a resting order onto its side of the book.
func (c *Cache) Add(ctx context.Context, o *types.Order) error {
	if o.Price == nil {
		return nil
	}
	key := sideKey(o.PairID, o.Side)
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: priceScore(o.Price), Member: bookMember(o)})
	pipe.Expire(ctx, key, bookTTL)
	pipe.Del(ctx, depthKey(o.PairID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("book add: %w", err)
	}
	return nil
}

// Remove drops one order from the mirror. The arrival tick in the member is
// not known to every caller, so the member is located by id suffix.
func (c *Cache) Remove(ctx context.Context, pairID string, side types.Side, orderID string) error {
	key := sideKey(pairID, side)
	var (
		members []any
		cursor  uint64
	)
	for {
		batch, next, err := c.rdb.ZScan(ctx, key, cursor, "*:"+orderID, 64).Result()
		if err != nil {
			return fmt.Errorf("book remove: %w", err)
		}
		// ZScan interleaves members with scores.
		for i := 0; i+1 < len(batch); i += 2 {
			members = append(members, batch[i])
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	pipe := c.rdb.Pipeline()
	if len(members) > 0 {
		pipe.ZRem(ctx, key, members...)
	}
	pipe.Del(ctx, depthKey(pairID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("book remove: %w", err)
	}
	return nil
}

// Invalidate clears the whole mirror for a pair. Called after every trade
// commit so the next read rebuilds from the store.
func (c *Cache) Invalidate(ctx context.Context, pairID string) error {
	err := c.rdb.Del(ctx,
		sideKey(pairID, types.BUY),
		sideKey(pairID, types.SELL),
		depthKey(pairID)).Err()
	if err != nil {
		return fmt.Errorf("book invalidate: %w", err)
	}
	return nil
}

// Top returns up to n candidate order ids for one side, best price first
// (highest bid or lowest ask). On a cold mirror it reads the store and
// refills. Callers must re-load each order before acting on it.
func (c *Cache) Top(ctx context.Context, pairID string, side types.Side, n int) ([]string, error) {
	if n <= 0 || n > topN {
		n = topN
	}
	key := sideKey(pairID, side)

	var ids []string
	var err error
	if side == types.BUY {
		ids, err = c.rdb.ZRevRange(ctx, key, 0, int64(n-1)).Result()
	} else {
		ids, err = c.rdb.ZRange(ctx, key, 0, int64(n-1)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("book read: %w", err)
	}
	if len(ids) > 0 {
		for i, m := range ids {
			ids[i] = memberID(m)
		}
		return ids, nil
	}
	return c.refill(ctx, pairID, side, n)
}

func (c *Cache) refill(ctx context.Context, pairID string, side types.Side, n int) ([]string, error) {
	orders, err := c.source.OpenBySide(ctx, pairID, side, topN)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	key := sideKey(pairID, side)
	members := make([]redis.Z, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		members = append(members, redis.Z{Score: priceScore(o.Price), Member: bookMember(o)})
		ids = append(ids, o.ID)
	}
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, bookTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("book refill: %w", err)
	}
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

// Level is one aggregated price level.
type Level struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int    `json:"orderCount"`
}

// Depth is the aggregated two-sided snapshot served by the API.
type Depth struct {
	PairID     string    `json:"tradingPairId"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Snapshot returns the aggregated depth for a pair, cached briefly.
func (c *Cache) Snapshot(ctx context.Context, pairID string) (*Depth, error) {
	raw, err := c.rdb.Get(ctx, depthKey(pairID)).Bytes()
	if err == nil {
		var d Depth
		if json.Unmarshal(raw, &d) == nil {
			return &d, nil
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("depth read: %w", err)
	}

	bids, err := c.aggregate(ctx, pairID, types.BUY)
	if err != nil {
		return nil, err
	}
	asks, err := c.aggregate(ctx, pairID, types.SELL)
	if err != nil {
		return nil, err
	}
	d := &Depth{
		PairID:     pairID,
		Bids:       bids,
		Asks:       asks,
		LastUpdate: time.Now().UTC(),
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("depth encode: %w", err)
	}
	if err := c.rdb.Set(ctx, depthKey(pairID), encoded, depthTTL).Err(); err != nil {
		return nil, fmt.Errorf("depth write: %w", err)
	}
	return d, nil
}

// aggregate groups one side's unfilled quantity by price, preserving the
// store's price ordering.
func (c *Cache) aggregate(ctx context.Context, pairID string, side types.Side) ([]Level, error) {
	orders, err := c.source.OpenBySide(ctx, pairID, side, topN)
	if err != nil {
		return nil, err
	}
	levels := make([]Level, 0, len(orders))
	var (
		curPrice *big.Int
		curQty   *big.Int
		curCount int
	)
	flush := func() {
		if curPrice == nil {
			return
		}
		levels = append(levels, Level{
			Price:      curPrice.String(),
			Quantity:   curQty.String(),
			OrderCount: curCount,
		})
	}
	for _, o := range orders {
		if curPrice == nil || curPrice.Cmp(o.Price) != 0 {
			flush()
			curPrice = o.Price
			curQty = new(big.Int)
			curCount = 0
		}
		curQty.Add(curQty, o.Unfilled())
		curCount++
	}
	flush()
	return levels, nil
}
