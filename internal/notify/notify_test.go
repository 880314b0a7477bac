package notify

import (
	"context"
	"encoding/json"
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

type memTrades struct{ trades map[string]*types.Trade }

func (m *memTrades) Get(_ context.Context, id string) (*types.Trade, error) {
	t, ok := m.trades[id]
	if !ok {
		return nil, context.Canceled
	}
	return t, nil
}

func setup(t *testing.T) (*Dispatcher, *memTrades) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	trades := &memTrades{trades: map[string]*types.Trade{}}
	return New(rdb, trades, slog.New(slog.NewTextHandler(io.Discard, nil))), trades
}

func notifyJob(t *testing.T, tradeID string) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"tradeId": tradeID})
	if err != nil {
		t.Fatal(err)
	}
	return &jobs.Job{ID: "job-1", Name: "trade-executed", Payload: raw, MaxAttempts: 1}
}

func TestTradeNotifiesBothSides(t *testing.T) {
	t.Parallel()
	d, trades := setup(t)
	trades.trades["tr-1"] = &types.Trade{
		ID:         "tr-1",
		PairID:     "pair-1",
		BuyerID:    "user-b",
		SellerID:   "user-s",
		Price:      big.NewInt(2_500_000),
		Quantity:   big.NewInt(10),
		ExecutedAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}

	if err := d.HandleTradeExecuted(context.Background(), notifyJob(t, "tr-1")); err != nil {
		t.Fatalf("HandleTradeExecuted: %v", err)
	}

	for user, title := range map[string]string{"user-b": "Buy order executed", "user-s": "Sell order executed"} {
		got, err := d.Recent(context.Background(), user, 10)
		if err != nil {
			t.Fatalf("Recent(%s): %v", user, err)
		}
		if len(got) != 1 {
			t.Fatalf("Recent(%s) = %d entries", user, len(got))
		}
		n := got[0]
		if n.Kind != "trade.executed" || n.Title != title {
			t.Fatalf("notification = %+v", n)
		}
		if n.Data["price"] != "2500000" || n.Data["tradeId"] != "tr-1" {
			t.Fatalf("data = %v", n.Data)
		}
	}
}

func TestFeedIsCapped(t *testing.T) {
	t.Parallel()
	d, _ := setup(t)

	for i := 0; i < feedCap+25; i++ {
		if err := d.Push(context.Background(), "user-1", Notification{Kind: "test", Title: "n"}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	got, err := d.Recent(context.Background(), "user-1", feedCap)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != feedCap {
		t.Fatalf("feed length = %d, want %d", len(got), feedCap)
	}
}

func TestHandleRejectsMissingTrade(t *testing.T) {
	t.Parallel()
	d, _ := setup(t)

	if err := d.HandleTradeExecuted(context.Background(), notifyJob(t, "")); !jobs.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}
