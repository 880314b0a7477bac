package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"omen-backend/pkg/types"
)

// Trades maps the trades table. Rows are written by the trade executor in
// the same transaction as the balance moves; this repository only reads and
// advances the settlement fields.
type Trades struct {
	db *sql.DB
}

// NewTrades creates the trade repository.
func NewTrades(db *sql.DB) *Trades {
	return &Trades{db: db}
}

const tradeCols = `id, seq, pair_id, buy_order_id, sell_order_id, buyer_id, seller_id,
	price::text, quantity::text, buyer_fee::text, seller_fee::text,
	settlement, COALESCE(tx_hash, ''), executed_at, settled_at`

func scanTrade(s interface{ Scan(...any) error }) (*types.Trade, error) {
	var (
		t         types.Trade
		price     string
		qty       string
		buyerFee  string
		sellerFee string
		settledAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.Seq, &t.PairID, &t.BuyOrderID, &t.SellOrderID,
		&t.BuyerID, &t.SellerID, &price, &qty, &buyerFee, &sellerFee,
		&t.Settlement, &t.TxHash, &t.ExecutedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if t.Price, err = scanAmount(price); err != nil {
		return nil, err
	}
	if t.Quantity, err = scanAmount(qty); err != nil {
		return nil, err
	}
	if t.BuyerFee, err = scanAmount(buyerFee); err != nil {
		return nil, err
	}
	if t.SellerFee, err = scanAmount(sellerFee); err != nil {
		return nil, err
	}
	if settledAt.Valid {
		t.SettledAt = &settledAt.Time
	}
	return &t, nil
}

// Get returns one trade.
func (r *Trades) Get(ctx context.Context, id string) (*types.Trade, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// ListByPair returns recent trades for a pair, newest first.
func (r *Trades) ListByPair(ctx context.Context, pairID string, limit int) ([]*types.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE pair_id = $1
		ORDER BY executed_at DESC LIMIT $2`, pairID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return collectTrades(rows)
}

// ListByUser returns trades where the user was buyer or seller, newest first.
func (r *Trades) ListByUser(ctx context.Context, userID string, limit int) ([]*types.Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY executed_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user trades: %w", err)
	}
	return collectTrades(rows)
}

// PendingOlderThan returns PENDING trades executed before the cutoff, for
// the reconciliation sweep over stale settlements.
func (r *Trades) PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE settlement = 'PENDING' AND executed_at < $1
		ORDER BY executed_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("pending trades: %w", err)
	}
	return collectTrades(rows)
}

// SinceByPair returns trades for a pair executed at or after the cutoff,
// oldest first. Used to rebuild rolling statistics.
func (r *Trades) SinceByPair(ctx context.Context, pairID string, cutoff time.Time) ([]*types.Trade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE pair_id = $1 AND executed_at >= $2
		ORDER BY executed_at ASC`, pairID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("trades since: %w", err)
	}
	return collectTrades(rows)
}

// MarkSettled records a successful on-chain settlement.
func (r *Trades) MarkSettled(ctx context.Context, id, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET settlement = 'SETTLED', tx_hash = $2, settled_at = now()
		WHERE id = $1`, id, txHash)
	if err != nil {
		return fmt.Errorf("mark trade settled: %w", err)
	}
	return nil
}

// MarkFailed records a terminally failed settlement.
func (r *Trades) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET settlement = 'FAILED' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark trade failed: %w", err)
	}
	return nil
}

// SetTxHash attaches a submitted transaction hash without changing status.
func (r *Trades) SetTxHash(ctx context.Context, id, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE trades SET tx_hash = $2 WHERE id = $1`, id, txHash)
	if err != nil {
		return fmt.Errorf("set trade tx hash: %w", err)
	}
	return nil
}

func collectTrades(rows *sql.Rows) ([]*types.Trade, error) {
	defer rows.Close()
	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
