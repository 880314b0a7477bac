package repo

import (
	"context"
	"database/sql"
	"fmt"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

// Pairs maps the trading_pairs table.
type Pairs struct {
	db *sql.DB
}

// NewPairs creates the trading-pair repository.
func NewPairs(db *sql.DB) *Pairs {
	return &Pairs{db: db}
}

const pairCols = `id, symbol, base_token_id, quote_token_id, COALESCE(market_id::text, ''),
	is_active, min_order_size::text, max_order_size::text, price_precision,
	quantity_precision, created_at`

func scanPair(s interface{ Scan(...any) error }) (*types.TradingPair, error) {
	var (
		p      types.TradingPair
		minStr string
		maxStr string
	)
	err := s.Scan(&p.ID, &p.Symbol, &p.BaseTokenID, &p.QuoteTokenID, &p.MarketID,
		&p.IsActive, &minStr, &maxStr, &p.PricePrecision, &p.QuantityPrecision, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.MinOrderSize, err = scanAmount(minStr); err != nil {
		return nil, err
	}
	if p.MaxOrderSize, err = scanAmount(maxStr); err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert creates the pair if its symbol is new and returns the stored row
// either way.
func (r *Pairs) Upsert(ctx context.Context, p *types.TradingPair) (*types.TradingPair, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO trading_pairs (id, symbol, base_token_id, quote_token_id, market_id,
			is_active, min_order_size, max_order_size, price_precision, quantity_precision)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, $6, $7::numeric, $8::numeric, $9, $10)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING `+pairCols,
		p.ID, p.Symbol, p.BaseTokenID, p.QuoteTokenID, p.MarketID, p.IsActive,
		amountArg(p.MinOrderSize), amountArg(p.MaxOrderSize),
		p.PricePrecision, p.QuantityPrecision)
	stored, err := scanPair(row)
	if err != nil {
		return nil, fmt.Errorf("upsert pair %s: %w", p.Symbol, err)
	}
	return stored, nil
}

// Get returns one pair by id.
func (r *Pairs) Get(ctx context.Context, id string) (*types.TradingPair, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pairCols+` FROM trading_pairs WHERE id = $1`, id)
	p, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodePairNotFound, "trading pair %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return p, nil
}

// ListActive returns all active pairs.
func (r *Pairs) ListActive(ctx context.Context) ([]*types.TradingPair, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+pairCols+` FROM trading_pairs WHERE is_active ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var out []*types.TradingPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
