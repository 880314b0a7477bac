package repo

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"omen-backend/internal/balance"
	"omen-backend/internal/storage"
	"omen-backend/pkg/types"
)

// TradeExec applies one executed cross atomically: all four balance moves,
// the trade row and both order fills commit or roll back together. Balance
// row locks are taken in canonical order before any write, so concurrent
// executions over overlapping users cannot deadlock.
type TradeExec struct {
	db *sql.DB

	// invalidate, when set, is called for each touched (user, token) after
	// the transaction commits.
	invalidate func(ctx context.Context, userID, tokenID string)
}

// NewTradeExec creates the executor over the shared pool.
func NewTradeExec(db *sql.DB) *TradeExec {
	return &TradeExec{db: db}
}

// WithInvalidator registers a post-commit balance-cache invalidation hook.
func (x *TradeExec) WithInvalidator(fn func(ctx context.Context, userID, tokenID string)) *TradeExec {
	x.invalidate = fn
	return x
}

// Execute settles the trade t between its buy and sell orders.
//
// quoteAmount is quantity * price scaled to the quote token. The moves are:
//
//	seller: locked base -= quantity, available quote += quoteAmount - sellerFee
//	buyer:  locked quote -= quoteAmount, available base += quantity - buyerFee
//
// On success t.Seq and t.ExecutedAt are filled in from the inserted row.
func (x *TradeExec) Execute(ctx context.Context, t *types.Trade, baseTokenID, quoteTokenID string, quoteAmount *big.Int) error {
	err := storage.InTx(ctx, x.db, func(tx *sql.Tx) error {
		if err := balance.AcquireLocks(ctx, tx,
			balance.Key{UserID: t.BuyerID, TokenID: baseTokenID},
			balance.Key{UserID: t.BuyerID, TokenID: quoteTokenID},
			balance.Key{UserID: t.SellerID, TokenID: baseTokenID},
			balance.Key{UserID: t.SellerID, TokenID: quoteTokenID},
		); err != nil {
			return err
		}

		zero := new(big.Int)
		sellerProceeds := new(big.Int).Sub(quoteAmount, t.SellerFee)
		buyerReceives := new(big.Int).Sub(t.Quantity, t.BuyerFee)

		if err := balance.CreditQ(ctx, tx, t.SellerID, baseTokenID,
			zero, new(big.Int).Neg(t.Quantity), "trade", t.ID); err != nil {
			return fmt.Errorf("seller base: %w", err)
		}
		if err := balance.CreditQ(ctx, tx, t.SellerID, quoteTokenID,
			sellerProceeds, zero, "trade", t.ID); err != nil {
			return fmt.Errorf("seller quote: %w", err)
		}
		if err := balance.CreditQ(ctx, tx, t.BuyerID, quoteTokenID,
			zero, new(big.Int).Neg(quoteAmount), "trade", t.ID); err != nil {
			return fmt.Errorf("buyer quote: %w", err)
		}
		if err := balance.CreditQ(ctx, tx, t.BuyerID, baseTokenID,
			buyerReceives, zero, "trade", t.ID); err != nil {
			return fmt.Errorf("buyer base: %w", err)
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO trades (id, pair_id, buy_order_id, sell_order_id,
				buyer_id, seller_id, price, quantity, buyer_fee, seller_fee, settlement)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11)
			RETURNING seq, executed_at`,
			t.ID, t.PairID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
			amountArg(t.Price), amountArg(t.Quantity), amountArg(t.BuyerFee),
			amountArg(t.SellerFee), string(types.SettlementPending)).
			Scan(&t.Seq, &t.ExecutedAt)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		if err := applyFill(ctx, tx, t.BuyOrderID, t.Quantity, t.Price); err != nil {
			return fmt.Errorf("buy order fill: %w", err)
		}
		if err := applyFill(ctx, tx, t.SellOrderID, t.Quantity, t.Price); err != nil {
			return fmt.Errorf("sell order fill: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if x.invalidate != nil {
		for _, k := range []balance.Key{
			{UserID: t.BuyerID, TokenID: baseTokenID},
			{UserID: t.BuyerID, TokenID: quoteTokenID},
			{UserID: t.SellerID, TokenID: baseTokenID},
			{UserID: t.SellerID, TokenID: quoteTokenID},
		} {
			x.invalidate(ctx, k.UserID, k.TokenID)
		}
	}
	return nil
}

// applyFill advances one order's fill under a row lock: filled quantity grows
// by qty, the average fill price is re-weighted and the status becomes FILLED
// when the order is complete, PARTIAL otherwise.
func applyFill(ctx context.Context, tx *sql.Tx, orderID string, qty, price *big.Int) error {
	var totalStr, filledStr, avgStr string
	err := tx.QueryRowContext(ctx, `
		SELECT quantity::text, filled_quantity::text, avg_fill_price::text
		FROM orders WHERE id = $1 FOR UPDATE`, orderID).
		Scan(&totalStr, &filledStr, &avgStr)
	if err != nil {
		return err
	}
	total, err := scanAmount(totalStr)
	if err != nil {
		return err
	}
	filled, err := scanAmount(filledStr)
	if err != nil {
		return err
	}
	avg, err := scanAmount(avgStr)
	if err != nil {
		return err
	}

	newFilled := new(big.Int).Add(filled, qty)
	if newFilled.Cmp(total) > 0 {
		return fmt.Errorf("order %s overfill: %s of %s", orderID, newFilled, total)
	}

	// weighted average: (avg*filled + price*qty) / newFilled
	num := new(big.Int).Mul(avg, filled)
	num.Add(num, new(big.Int).Mul(price, qty))
	newAvg := new(big.Int).Quo(num, newFilled)

	status := types.OrderPartial
	if newFilled.Cmp(total) == 0 {
		status = types.OrderFilled
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET filled_quantity = $2::numeric, avg_fill_price = $3::numeric,
			status = $4, updated_at = now()
		WHERE id = $1`, orderID, newFilled.String(), newAvg.String(), string(status))
	return err
}
