// Package notify maintains per-user notification feeds fed by the
// notifications job queue. Feeds live in Redis as capped lists so a user
// who never polls cannot grow unbounded state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

const (
	feedCap = 100
	feedTTL = 7 * 24 * time.Hour
)

// TradeSource loads executed trades.
type TradeSource interface {
	Get(ctx context.Context, id string) (*types.Trade, error)
}

// Notification is one feed entry.
type Notification struct {
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Dispatcher consumes notification jobs and appends feed entries.
type Dispatcher struct {
	rdb    *redis.Client
	trades TradeSource
	logger *slog.Logger

	now func() time.Time
}

func New(rdb *redis.Client, trades TradeSource, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		rdb:    rdb,
		trades: trades,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

func feedKey(userID string) string { return "notify:user:" + userID }

// HandleTradeExecuted fans one executed trade out to both counterparties.
func (d *Dispatcher) HandleTradeExecuted(ctx context.Context, job *jobs.Job) error {
	var payload struct {
		TradeID string `json:"tradeId"`
	}
	if err := job.Bind(&payload); err != nil {
		return jobs.Terminal(err)
	}
	if payload.TradeID == "" {
		return jobs.Terminal(fmt.Errorf("notification job %s has no trade id", job.ID))
	}

	t, err := d.trades.Get(ctx, payload.TradeID)
	if err != nil {
		return err
	}

	data := map[string]any{
		"tradeId":       t.ID,
		"tradingPairId": t.PairID,
		"price":         types.AmountString(t.Price),
		"quantity":      types.AmountString(t.Quantity),
	}
	for userID, title := range map[string]string{
		t.BuyerID:  "Buy order executed",
		t.SellerID: "Sell order executed",
	} {
		if err := d.Push(ctx, userID, Notification{
			Kind:      "trade.executed",
			Title:     title,
			Data:      data,
			CreatedAt: t.ExecutedAt,
		}); err != nil {
			return err
		}
	}
	d.logger.Debug("trade notifications delivered", "trade_id", t.ID)
	return nil
}

// Push appends one entry to a user's feed, trimming to the cap.
func (d *Dispatcher) Push(ctx context.Context, userID string, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	pipe := d.rdb.Pipeline()
	pipe.LPush(ctx, feedKey(userID), raw)
	pipe.LTrim(ctx, feedKey(userID), 0, feedCap-1)
	pipe.Expire(ctx, feedKey(userID), feedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push notification for %s: %w", userID, err)
	}
	return nil
}

// Recent returns the newest entries for a user, newest first.
func (d *Dispatcher) Recent(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > feedCap {
		limit = 20
	}
	raw, err := d.rdb.LRange(ctx, feedKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read notifications for %s: %w", userID, err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			d.logger.Warn("dropping unreadable notification", "user_id", userID, "error", err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
