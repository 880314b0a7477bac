package orderbook

import (
	"context"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"omen-backend/pkg/types"
)

// fakeSource serves canned orders in price-time priority.
type fakeSource struct {
	orders map[types.Side][]*types.Order
	calls  int
}

func (f *fakeSource) OpenBySide(_ context.Context, _ string, side types.Side, limit int) ([]*types.Order, error) {
	f.calls++
	out := f.orders[side]
	sort.SliceStable(out, func(i, j int) bool {
		cmp := out[i].Price.Cmp(out[j].Price)
		if cmp == 0 {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if side == types.BUY {
			return cmp > 0
		}
		return cmp < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func order(id string, side types.Side, price, qty int64, at time.Time) *types.Order {
	return &types.Order{
		ID:        id,
		PairID:    "pair-1",
		Side:      side,
		Status:    types.OrderOpen,
		Price:     big.NewInt(price),
		Quantity:  big.NewInt(qty),
		CreatedAt: at,
	}
}

func cacheSetup(t *testing.T, src *fakeSource) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, src)
}

func TestTopOrdersByPrice(t *testing.T) {
	t.Parallel()
	c := cacheSetup(t, &fakeSource{orders: map[types.Side][]*types.Order{}})
	ctx := context.Background()
	now := time.Now()

	for _, o := range []*types.Order{
		order("bid-low", types.BUY, 95, 10, now),
		order("bid-high", types.BUY, 105, 10, now),
		order("ask-high", types.SELL, 120, 10, now),
		order("ask-low", types.SELL, 110, 10, now),
	} {
		if err := c.Add(ctx, o); err != nil {
			t.Fatalf("add %s: %v", o.ID, err)
		}
	}

	bids, err := c.Top(ctx, "pair-1", types.BUY, 10)
	if err != nil {
		t.Fatalf("top bids: %v", err)
	}
	if len(bids) != 2 || bids[0] != "bid-high" {
		t.Fatalf("bids = %v, want highest first", bids)
	}

	asks, err := c.Top(ctx, "pair-1", types.SELL, 10)
	if err != nil {
		t.Fatalf("top asks: %v", err)
	}
	if len(asks) != 2 || asks[0] != "ask-low" {
		t.Fatalf("asks = %v, want lowest first", asks)
	}
}

func TestEqualPricesOrderByArrival(t *testing.T) {
	t.Parallel()
	c := cacheSetup(t, &fakeSource{orders: map[types.Side][]*types.Order{}})
	ctx := context.Background()
	now := time.Now()

	// Ids chosen so that lexicographic member order would put the younger
	// order first on both traversal directions.
	for _, o := range []*types.Order{
		order("zzz-older-ask", types.SELL, 100, 5, now.Add(-time.Minute)),
		order("aaa-younger-ask", types.SELL, 100, 5, now),
		order("aaa-older-bid", types.BUY, 100, 5, now.Add(-time.Minute)),
		order("zzz-younger-bid", types.BUY, 100, 5, now),
	} {
		if err := c.Add(ctx, o); err != nil {
			t.Fatalf("add %s: %v", o.ID, err)
		}
	}

	asks, err := c.Top(ctx, "pair-1", types.SELL, 10)
	if err != nil {
		t.Fatalf("top asks: %v", err)
	}
	if len(asks) != 2 || asks[0] != "zzz-older-ask" {
		t.Fatalf("asks = %v, want older first at the same price", asks)
	}

	bids, err := c.Top(ctx, "pair-1", types.BUY, 10)
	if err != nil {
		t.Fatalf("top bids: %v", err)
	}
	if len(bids) != 2 || bids[0] != "aaa-older-bid" {
		t.Fatalf("bids = %v, want older first at the same price", bids)
	}
}

func TestRemoveDropsOrderByID(t *testing.T) {
	t.Parallel()
	c := cacheSetup(t, &fakeSource{orders: map[types.Side][]*types.Order{}})
	ctx := context.Background()
	now := time.Now()

	if err := c.Add(ctx, order("keep", types.SELL, 100, 5, now)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add(ctx, order("drop", types.SELL, 100, 5, now.Add(time.Second))); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := c.Remove(ctx, "pair-1", types.SELL, "drop"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	asks, err := c.Top(ctx, "pair-1", types.SELL, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(asks) != 1 || asks[0] != "keep" {
		t.Fatalf("asks = %v, want only the surviving order", asks)
	}
}

func TestColdMirrorRefillsFromStore(t *testing.T) {
	t.Parallel()
	now := time.Now()
	src := &fakeSource{orders: map[types.Side][]*types.Order{
		types.SELL: {
			order("a", types.SELL, 110, 5, now),
			order("b", types.SELL, 100, 5, now),
		},
	}}
	c := cacheSetup(t, src)
	ctx := context.Background()

	asks, err := c.Top(ctx, "pair-1", types.SELL, 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(asks) != 2 || asks[0] != "b" {
		t.Fatalf("asks = %v, want store order", asks)
	}
	if src.calls != 1 {
		t.Fatalf("store reads = %d, want 1", src.calls)
	}

	// Second read hits the warm mirror.
	if _, err := c.Top(ctx, "pair-1", types.SELL, 10); err != nil {
		t.Fatalf("warm top: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("store reads = %d after warm read, want 1", src.calls)
	}
}

func TestInvalidateForcesRefill(t *testing.T) {
	t.Parallel()
	now := time.Now()
	src := &fakeSource{orders: map[types.Side][]*types.Order{
		types.BUY: {order("x", types.BUY, 100, 5, now)},
	}}
	c := cacheSetup(t, src)
	ctx := context.Background()

	if _, err := c.Top(ctx, "pair-1", types.BUY, 10); err != nil {
		t.Fatalf("top: %v", err)
	}
	if err := c.Invalidate(ctx, "pair-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.Top(ctx, "pair-1", types.BUY, 10); err != nil {
		t.Fatalf("top after invalidate: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("store reads = %d, want 2", src.calls)
	}
}

func TestDepthAggregatesLevels(t *testing.T) {
	t.Parallel()
	now := time.Now()
	src := &fakeSource{orders: map[types.Side][]*types.Order{
		types.BUY: {
			order("b1", types.BUY, 100, 5, now),
			order("b2", types.BUY, 100, 7, now.Add(time.Second)),
			order("b3", types.BUY, 90, 3, now),
		},
		types.SELL: {
			order("s1", types.SELL, 110, 4, now),
		},
	}}
	c := cacheSetup(t, src)
	ctx := context.Background()

	d, err := c.Snapshot(ctx, "pair-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(d.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(d.Bids))
	}
	if d.Bids[0].Price != "100" || d.Bids[0].Quantity != "12" || d.Bids[0].OrderCount != 2 {
		t.Fatalf("top bid level = %+v", d.Bids[0])
	}
	if len(d.Asks) != 1 || d.Asks[0].Price != "110" {
		t.Fatalf("asks = %+v", d.Asks)
	}

	// Cached snapshot short-circuits the store.
	before := src.calls
	if _, err := c.Snapshot(ctx, "pair-1"); err != nil {
		t.Fatalf("cached snapshot: %v", err)
	}
	if src.calls != before {
		t.Fatalf("store reads grew on cached snapshot")
	}
}

func TestPartialFillUsesUnfilledQuantity(t *testing.T) {
	t.Parallel()
	now := time.Now()
	partial := order("p1", types.BUY, 100, 10, now)
	partial.Status = types.OrderPartial
	partial.FilledQuantity = big.NewInt(4)
	src := &fakeSource{orders: map[types.Side][]*types.Order{
		types.BUY: {partial},
	}}
	c := cacheSetup(t, src)

	d, err := c.Snapshot(context.Background(), "pair-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if d.Bids[0].Quantity != "6" {
		t.Fatalf("level quantity = %s, want unfilled 6", d.Bids[0].Quantity)
	}
}
