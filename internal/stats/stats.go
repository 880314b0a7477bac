// Package stats maintains rolling 24 hour market statistics per trading
// pair. Every executed trade appends one sample to a Redis sorted set keyed
// by execution time; reads prune the window and aggregate what is left. The
// window survives process restarts and, after a Redis flush, is rebuilt from
// the trades table.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

const (
	window    = 24 * time.Hour
	samplesTTL = window + time.Hour
)

// TradeSource loads trades for sample recording and window rebuilds.
type TradeSource interface {
	Get(ctx context.Context, id string) (*types.Trade, error)
	SinceByPair(ctx context.Context, pairID string, cutoff time.Time) ([]*types.Trade, error)
}

// PairSource resolves trading pairs.
type PairSource interface {
	Get(ctx context.Context, id string) (*types.TradingPair, error)
}

// TokenSource resolves tokens for display scaling.
type TokenSource interface {
	Get(ctx context.Context, id string) (*types.Token, error)
}

// PairStats is the aggregate over the trailing 24h window. Display fields
// are scaled by the base token's decimals.
type PairStats struct {
	PairID        string    `json:"pairId"`
	LastPrice     string    `json:"lastPrice"`
	High24h       string    `json:"high24h"`
	Low24h        string    `json:"low24h"`
	Volume24h     string    `json:"volume24h"`
	TradeCount24h int       `json:"tradeCount24h"`
	Change24h     string    `json:"change24h"` // percent, two decimals
	UpdatedAt     time.Time `json:"updatedAt"`
}

type sample struct {
	TradeID  string `json:"tradeId"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	At       int64  `json:"at"` // unix milliseconds
}

// Aggregator records trade samples and serves window aggregates.
type Aggregator struct {
	rdb    *redis.Client
	trades TradeSource
	pairs  PairSource
	tokens TokenSource
	logger *slog.Logger
	now    func() time.Time
}

func New(rdb *redis.Client, trades TradeSource, pairs PairSource, tokens TokenSource, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		rdb:    rdb,
		trades: trades,
		pairs:  pairs,
		tokens: tokens,
		logger: logger.With("component", "stats"),
		now:    time.Now,
	}
}

func samplesKey(pairID string) string {
	return fmt.Sprintf("stats:%s:trades", pairID)
}

// HandleRecordTrade consumes one record-trade job. The job id carries the
// trade id, so redelivery after a crash re-records the same sample and the
// set member dedupes it.
func (a *Aggregator) HandleRecordTrade(ctx context.Context, job *jobs.Job) error {
	var p struct {
		TradeID string `json:"tradeId"`
	}
	if err := job.Bind(&p); err != nil {
		return jobs.Terminal(err)
	}
	if p.TradeID == "" {
		return jobs.Terminal(fmt.Errorf("record-trade payload missing tradeId"))
	}
	t, err := a.trades.Get(ctx, p.TradeID)
	if err != nil {
		return fmt.Errorf("load trade: %w", err)
	}
	return a.Record(ctx, t)
}

// Record appends one trade sample to the pair's window. Members are keyed
// by trade id, so recording the same trade twice is a no-op.
func (a *Aggregator) Record(ctx context.Context, t *types.Trade) error {
	s := sample{
		TradeID:  t.ID,
		Price:    types.AmountString(t.Price),
		Quantity: types.AmountString(t.Quantity),
		At:       t.ExecutedAt.UnixMilli(),
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	key := samplesKey(t.PairID)
	pipe := a.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.At), Member: string(raw)})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", a.now().Add(-window).UnixMilli()))
	pipe.Expire(ctx, key, samplesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record sample: %w", err)
	}
	a.logger.Debug("trade sample recorded", "trade_id", t.ID, "pair_id", t.PairID)
	return nil
}

// Stats aggregates the trailing window for a pair. An empty window after a
// Redis flush is rebuilt from the trades table before aggregating.
func (a *Aggregator) Stats(ctx context.Context, pairID string) (*PairStats, error) {
	pair, err := a.pairs.Get(ctx, pairID)
	if err != nil {
		return nil, err
	}
	base, err := a.tokens.Get(ctx, pair.BaseTokenID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	cutoff := now.Add(-window)
	samples, err := a.windowSamples(ctx, pairID, cutoff)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		if samples, err = a.rebuild(ctx, pairID, cutoff); err != nil {
			return nil, err
		}
	}

	st := &PairStats{PairID: pairID, UpdatedAt: now}
	if len(samples) == 0 {
		st.LastPrice, st.High24h, st.Low24h, st.Volume24h = "0", "0", "0", "0"
		st.Change24h = "0.00"
		return st, nil
	}

	scale := decimal.New(1, -int32(base.Decimals))
	var first, last, high, low decimal.Decimal
	volume := new(big.Int)
	for i, s := range samples {
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return nil, fmt.Errorf("sample price %q: %w", s.Price, err)
		}
		qty, ok := new(big.Int).SetString(s.Quantity, 10)
		if !ok {
			return nil, fmt.Errorf("sample quantity %q", s.Quantity)
		}
		if i == 0 {
			first, high, low = price, price, price
		}
		if price.GreaterThan(high) {
			high = price
		}
		if price.LessThan(low) {
			low = price
		}
		last = price
		volume.Add(volume, qty)
	}

	st.TradeCount24h = len(samples)
	st.LastPrice = last.Mul(scale).String()
	st.High24h = high.Mul(scale).String()
	st.Low24h = low.Mul(scale).String()
	st.Volume24h = decimal.NewFromBigInt(volume, -int32(base.Decimals)).String()
	st.Change24h = changePct(first, last)
	return st, nil
}

// changePct is ((last-first)/first)·100 rendered with two decimals.
func changePct(first, last decimal.Decimal) string {
	if first.IsZero() {
		return "0.00"
	}
	return last.Sub(first).Div(first).Mul(decimal.New(100, 0)).StringFixed(2)
}

func (a *Aggregator) windowSamples(ctx context.Context, pairID string, cutoff time.Time) ([]sample, error) {
	key := samplesKey(pairID)
	if err := a.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixMilli())).Err(); err != nil {
		return nil, fmt.Errorf("prune window: %w", err)
	}
	raw, err := a.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	out := make([]sample, 0, len(raw))
	for _, r := range raw {
		var s sample
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			a.logger.Warn("dropping malformed sample", "pair_id", pairID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Aggregator) rebuild(ctx context.Context, pairID string, cutoff time.Time) ([]sample, error) {
	trades, err := a.trades.SinceByPair(ctx, pairID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("rebuild window: %w", err)
	}
	if len(trades) == 0 {
		return nil, nil
	}
	out := make([]sample, 0, len(trades))
	for _, t := range trades {
		if err := a.Record(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, sample{
			TradeID:  t.ID,
			Price:    types.AmountString(t.Price),
			Quantity: types.AmountString(t.Quantity),
			At:       t.ExecutedAt.UnixMilli(),
		})
	}
	a.logger.Info("stats window rebuilt from store", "pair_id", pairID, "samples", len(out))
	return out, nil
}
