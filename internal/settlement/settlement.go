// Package settlement pushes executed trades on chain and keeps the local
// books aligned with chain state. The worker consumes settle-trade jobs;
// the reconciler sweeps supplies, balances and stuck settlements on a
// fixed schedule.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"omen-backend/internal/apperr"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

// TradeStore persists settlement outcomes.
type TradeStore interface {
	Get(ctx context.Context, id string) (*types.Trade, error)
	MarkSettled(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id string) error
}

// Settler is the on-chain settlement path.
type Settler interface {
	SettleTrade(ctx context.Context, tradeID, pairID string) (string, error)
}

// Publisher fans settlement events out to in-process subscribers.
type Publisher interface {
	Publish(kind events.Kind, payload map[string]any)
}

// Worker settles trades on chain.
type Worker struct {
	trades TradeStore
	chain  Settler
	bus    Publisher
	logger *slog.Logger
}

func NewWorker(trades TradeStore, chain Settler, bus Publisher, logger *slog.Logger) *Worker {
	return &Worker{
		trades: trades,
		chain:  chain,
		bus:    bus,
		logger: logger.With("component", "settlement"),
	}
}

// HandleSettle consumes one settle-trade job. A trade already settled by an
// earlier delivery is left alone.
func (w *Worker) HandleSettle(ctx context.Context, job *jobs.Job) error {
	var p struct {
		TradeID string `json:"tradeId"`
	}
	if err := job.Bind(&p); err != nil {
		return jobs.Terminal(err)
	}
	t, err := w.trades.Get(ctx, p.TradeID)
	if err != nil {
		return err
	}
	if t.Settlement != types.SettlementPending {
		w.logger.Info("settlement already resolved",
			"trade_id", t.ID, "status", string(t.Settlement))
		return nil
	}

	txHash, err := w.chain.SettleTrade(ctx, t.ID, t.PairID)
	if err != nil {
		return w.settleFailed(ctx, t, job, err)
	}
	if err := w.trades.MarkSettled(ctx, t.ID, txHash); err != nil {
		return err
	}
	w.bus.Publish(events.TradeSettled, map[string]any{"tradeId": t.ID, "txHash": txHash})
	w.logger.Info("trade settled", "trade_id", t.ID, "tx_hash", txHash)
	return nil
}

func (w *Worker) settleFailed(ctx context.Context, t *types.Trade, job *jobs.Job, cause error) error {
	if !job.FinalAttempt() {
		w.logger.Warn("settlement attempt failed",
			"trade_id", t.ID, "attempt", job.AttemptsMade, "error", cause)
		return apperr.Wrap(apperr.CodeChainUnavailable, "settle trade", cause)
	}
	if err := w.trades.MarkFailed(ctx, t.ID); err != nil {
		w.logger.Error("marking trade failed", "trade_id", t.ID, "error", err)
	}
	w.bus.Publish(events.TradeSettlementFailed, map[string]any{
		"tradeId": t.ID,
		"error":   cause.Error(),
	})
	w.logger.Error("settlement exhausted retries", "trade_id", t.ID, "error", cause)
	return fmt.Errorf("settle trade %s exhausted retries: %w", t.ID, cause)
}
