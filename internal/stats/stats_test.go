package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

const testPair = "pair-rwa1-usdo"

type memTrades struct {
	byID   map[string]*types.Trade
	byPair map[string][]*types.Trade
}

func newMemTrades() *memTrades {
	return &memTrades{byID: map[string]*types.Trade{}, byPair: map[string][]*types.Trade{}}
}

func (m *memTrades) add(t *types.Trade) {
	m.byID[t.ID] = t
	m.byPair[t.PairID] = append(m.byPair[t.PairID], t)
}

func (m *memTrades) Get(_ context.Context, id string) (*types.Trade, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("trade %s not found", id)
	}
	return t, nil
}

func (m *memTrades) SinceByPair(_ context.Context, pairID string, cutoff time.Time) ([]*types.Trade, error) {
	var out []*types.Trade
	for _, t := range m.byPair[pairID] {
		if !t.ExecutedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

type staticPairs struct{}

func (staticPairs) Get(_ context.Context, id string) (*types.TradingPair, error) {
	return &types.TradingPair{ID: id, BaseTokenID: "tok-rwa1", QuoteTokenID: "tok-usdo"}, nil
}

type staticTokens struct{}

func (staticTokens) Get(_ context.Context, id string) (*types.Token, error) {
	return &types.Token{ID: id, Decimals: 18}, nil
}

func testAggregator(t *testing.T) (*Aggregator, *memTrades, time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	trades := newMemTrades()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(rdb, trades, staticPairs{}, staticTokens{}, logger)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	return a, trades, now
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func trade(id string, price, qty *big.Int, at time.Time) *types.Trade {
	return &types.Trade{
		ID:         id,
		PairID:     testPair,
		Price:      price,
		Quantity:   qty,
		ExecutedAt: at,
	}
}

func TestStatsAggregatesWindow(t *testing.T) {
	t.Parallel()
	a, trades, now := testAggregator(t)
	ctx := context.Background()

	fixtures := []*types.Trade{
		trade("t1", e18(2), e18(5), now.Add(-3*time.Hour)),
		trade("t2", e18(3), e18(1), now.Add(-2*time.Hour)),
		trade("t3", big.NewInt(2500000000000000000), e18(2), now.Add(-time.Hour)),
	}
	for _, tr := range fixtures {
		trades.add(tr)
		if err := a.Record(ctx, tr); err != nil {
			t.Fatalf("record %s: %v", tr.ID, err)
		}
	}

	st, err := a.Stats(ctx, testPair)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.LastPrice != "2.5" {
		t.Errorf("last price = %s, want 2.5", st.LastPrice)
	}
	if st.High24h != "3" || st.Low24h != "2" {
		t.Errorf("high/low = %s/%s, want 3/2", st.High24h, st.Low24h)
	}
	if st.Volume24h != "8" {
		t.Errorf("volume = %s, want 8", st.Volume24h)
	}
	if st.TradeCount24h != 3 {
		t.Errorf("trade count = %d, want 3", st.TradeCount24h)
	}
	// First 2.0 to last 2.5 is +25%.
	if st.Change24h != "25.00" {
		t.Errorf("change = %s, want 25.00", st.Change24h)
	}
}

func TestStatsPrunesExpiredSamples(t *testing.T) {
	t.Parallel()
	a, trades, now := testAggregator(t)
	ctx := context.Background()

	old := trade("t-old", e18(9), e18(100), now.Add(-25*time.Hour))
	fresh := trade("t-new", e18(2), e18(1), now.Add(-time.Minute))
	for _, tr := range []*types.Trade{old, fresh} {
		trades.add(tr)
		if err := a.Record(ctx, tr); err != nil {
			t.Fatalf("record %s: %v", tr.ID, err)
		}
	}

	st, err := a.Stats(ctx, testPair)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TradeCount24h != 1 {
		t.Fatalf("trade count = %d, want 1 after pruning", st.TradeCount24h)
	}
	if st.High24h != "2" || st.Volume24h != "1" {
		t.Errorf("high/volume = %s/%s, want 2/1", st.High24h, st.Volume24h)
	}
}

func TestStatsRebuildsFromStore(t *testing.T) {
	t.Parallel()
	a, trades, now := testAggregator(t)
	ctx := context.Background()

	// Samples were never recorded in Redis, only persisted.
	trades.add(trade("t1", e18(4), e18(2), now.Add(-time.Hour)))

	st, err := a.Stats(ctx, testPair)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TradeCount24h != 1 || st.LastPrice != "4" {
		t.Fatalf("stats after rebuild = %+v", st)
	}

	// The rebuild persisted the sample, so a second read hits Redis.
	st2, err := a.Stats(ctx, testPair)
	if err != nil {
		t.Fatalf("second stats: %v", err)
	}
	if st2.TradeCount24h != 1 {
		t.Fatalf("second read count = %d, want 1", st2.TradeCount24h)
	}
}

func TestStatsEmptyWindow(t *testing.T) {
	t.Parallel()
	a, _, _ := testAggregator(t)

	st, err := a.Stats(context.Background(), testPair)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TradeCount24h != 0 || st.LastPrice != "0" || st.Change24h != "0.00" {
		t.Fatalf("empty stats = %+v", st)
	}
}

func TestHandleRecordTradeIdempotent(t *testing.T) {
	t.Parallel()
	a, trades, now := testAggregator(t)
	ctx := context.Background()

	tr := trade("t1", e18(2), e18(1), now.Add(-time.Minute))
	trades.add(tr)
	job := &jobs.Job{ID: "record-t1", Payload: []byte(`{"tradeId":"t1"}`)}
	for i := 0; i < 2; i++ {
		if err := a.HandleRecordTrade(ctx, job); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	st, err := a.Stats(ctx, testPair)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TradeCount24h != 1 {
		t.Fatalf("trade count = %d, want 1 after redelivery", st.TradeCount24h)
	}
}

func TestHandleRecordTradeMissingPayload(t *testing.T) {
	t.Parallel()
	a, _, _ := testAggregator(t)

	job := &jobs.Job{ID: "record-x", Payload: []byte(`{}`)}
	err := a.HandleRecordTrade(context.Background(), job)
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
}
