package matching

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	"omen-backend/internal/apperr"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

// rematchFanout bounds the opposing re-match jobs scheduled per resting
// order; keeps queue growth linear in order flow.
const rematchFanout = 10

// candidateBatch bounds one read of the opposing side per loop pass.
const candidateBatch = 50

// HandleMatch is the matching job handler. Idempotent on re-delivery: a
// re-run over an order that already left the matchable statuses is a no-op.
func (e *Engine) HandleMatch(ctx context.Context, job *jobs.Job) error {
	var p matchPayload
	if err := job.Bind(&p); err != nil {
		return jobs.Terminal(err)
	}

	o, err := e.orders.Get(ctx, p.OrderID)
	if err != nil {
		if apperr.Is(err, apperr.CodeOrderNotFound) {
			return jobs.Terminal(err)
		}
		return err
	}
	if !o.Status.Matchable() {
		return nil
	}

	pair, err := e.pairs.Get(ctx, o.PairID)
	if err != nil {
		return err
	}
	if !pair.IsActive {
		return e.cancelUnmatched(ctx, o, pair)
	}
	base, err := e.tokens.Get(ctx, pair.BaseTokenID)
	if err != nil {
		return err
	}

	if o.Status == types.OrderPendingMatch {
		if err := e.orders.SetStatus(ctx, o.ID, types.OrderPendingMatch, types.OrderOpen); err != nil {
			// A concurrent delivery already opened it; re-read and continue.
			if !apperr.Is(err, apperr.CodeInvalidStatus) {
				return err
			}
		}
		o.Status = types.OrderOpen
	}

	if o.TimeInForce == types.FOK {
		ok, err := e.canFillAll(ctx, o, pair)
		if err != nil {
			return err
		}
		if !ok {
			return e.cancelRemainder(ctx, o, pair, base, &crossResult{
				remaining:     o.Unfilled(),
				consumedQuote: new(big.Int),
				filledNow:     new(big.Int),
			})
		}
	}

	res, err := e.cross(ctx, o, pair, base)
	if err != nil {
		return err
	}

	if res.matched {
		if err := e.book.Invalidate(ctx, pair.ID); err != nil {
			e.logger.Warn("book invalidate", "pair", pair.ID, "error", err)
		}
	}

	return e.finish(ctx, o, pair, base, res)
}

// crossResult accumulates one handler run.
type crossResult struct {
	matched   bool
	remaining *big.Int
	// consumedQuote sums the quote spent by a BUY taker, for surplus refund.
	consumedQuote *big.Int
	filledNow     *big.Int
}

// cross walks the opposing side in price-time order, executing trades until
// the order is exhausted or nothing crosses. Per-trade failures skip that
// maker and continue.
func (e *Engine) cross(ctx context.Context, o *types.Order, pair *types.TradingPair, base *types.Token) (*crossResult, error) {
	res := &crossResult{
		remaining:     o.Unfilled(),
		consumedQuote: new(big.Int),
		filledNow:     new(big.Int),
	}
	opposite := o.Side.Opposite()
	seen := map[string]bool{}

	for res.remaining.Sign() > 0 {
		ids, err := e.book.Top(ctx, pair.ID, opposite, candidateBatch)
		if err != nil {
			return nil, err
		}
		progressed := false
		for _, id := range ids {
			if seen[id] || res.remaining.Sign() <= 0 {
				continue
			}
			seen[id] = true

			opp, err := e.orders.Get(ctx, id)
			if err != nil || !opp.Status.Matchable() || opp.Price == nil {
				e.book.Remove(ctx, pair.ID, opposite, id)
				continue
			}
			if !crosses(o, opp) {
				// Sorted best-first, so nothing further can cross either.
				return res, nil
			}

			qty := new(big.Int).Set(minInt(res.remaining, opp.Unfilled()))
			if qty.Sign() <= 0 {
				e.book.Remove(ctx, pair.ID, opposite, id)
				continue
			}
			trade, quoteAmount := e.buildTrade(o, opp, pair, base, qty)
			if err := e.exec.Execute(ctx, trade, pair.BaseTokenID, pair.QuoteTokenID, quoteAmount); err != nil {
				e.logger.Warn("trade execution failed, skipping maker",
					"taker", o.ID, "maker", opp.ID, "error", err)
				continue
			}
			progressed = true
			res.matched = true
			res.remaining.Sub(res.remaining, qty)
			res.filledNow.Add(res.filledNow, qty)
			res.consumedQuote.Add(res.consumedQuote, quoteAmount)

			e.afterTrade(ctx, trade, pair)
			if new(big.Int).Sub(opp.Unfilled(), qty).Sign() == 0 {
				e.book.Remove(ctx, pair.ID, opposite, opp.ID)
			}
		}
		if !progressed {
			break
		}
	}
	return res, nil
}

// canFillAll reports whether the opposing side holds enough crossing depth
// to fill the order completely. Fill-or-kill trades all or nothing, so the
// check runs before the first execution; a positive answer can still race a
// concurrent fill, in which case the remainder cancels after the loop.
func (e *Engine) canFillAll(ctx context.Context, o *types.Order, pair *types.TradingPair) (bool, error) {
	need := o.Unfilled()
	ids, err := e.book.Top(ctx, pair.ID, o.Side.Opposite(), candidateBatch)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		opp, err := e.orders.Get(ctx, id)
		if err != nil || !opp.Status.Matchable() || opp.Price == nil {
			continue
		}
		if !crosses(o, opp) {
			// Sorted best-first, so no deeper level can cross.
			break
		}
		need.Sub(need, opp.Unfilled())
		if need.Sign() <= 0 {
			return true, nil
		}
	}
	return false, nil
}

// crosses reports whether taker o can trade against resting opp.
func crosses(o, opp *types.Order) bool {
	if o.Kind == types.MarketOrder {
		return true
	}
	if o.Side == types.BUY {
		return o.Price.Cmp(opp.Price) >= 0
	}
	return o.Price.Cmp(opp.Price) <= 0
}

// buildTrade prices the cross at the maker's resting price and computes
// both 25 bps fees on the quote value.
func (e *Engine) buildTrade(taker, maker *types.Order, pair *types.TradingPair, base *types.Token, qty *big.Int) (*types.Trade, *big.Int) {
	price := maker.Price
	quoteAmount := QuoteAmount(qty, price, base.Decimals)
	fee := Fee(quoteAmount)

	t := &types.Trade{
		ID:         uuid.NewString(),
		PairID:     pair.ID,
		Price:      price,
		Quantity:   qty,
		BuyerFee:   fee,
		SellerFee:  new(big.Int).Set(fee),
		Settlement: types.SettlementPending,
	}
	if taker.Side == types.BUY {
		t.BuyOrderID, t.BuyerID = taker.ID, taker.UserID
		t.SellOrderID, t.SellerID = maker.ID, maker.UserID
	} else {
		t.BuyOrderID, t.BuyerID = maker.ID, maker.UserID
		t.SellOrderID, t.SellerID = taker.ID, taker.UserID
	}
	return t, quoteAmount
}

// afterTrade publishes events and fans out the post-commit jobs.
func (e *Engine) afterTrade(ctx context.Context, t *types.Trade, pair *types.TradingPair) {
	payload := map[string]any{
		"tradeId": t.ID, "tradingPairId": pair.ID,
		"price": t.Price.String(), "quantity": t.Quantity.String(),
		"buyerId": t.BuyerID, "sellerId": t.SellerID,
	}
	e.bus.Publish(events.TradeExecuted, payload)
	e.bus.Publish(events.TradeSettlementPending, map[string]any{"tradeId": t.ID})
	tradesExecuted.Inc()

	if _, err := e.jobs.Submit(ctx, e.queues.Settlement, "settle-trade",
		map[string]string{"tradeId": t.ID},
		jobs.Options{JobID: "settle-" + t.ID, Attempts: 5}); err != nil {
		e.logger.Error("settlement job submit", "trade", t.ID, "error", err)
	}
	if _, err := e.jobs.Submit(ctx, e.queues.Stats, "record-trade",
		map[string]string{"tradeId": t.ID}, jobs.Options{}); err != nil {
		e.logger.Warn("stats job submit", "trade", t.ID, "error", err)
	}
	if _, err := e.jobs.Submit(ctx, e.queues.Notifications, "trade-executed",
		map[string]string{"tradeId": t.ID}, jobs.Options{}); err != nil {
		e.logger.Warn("notification job submit", "trade", t.ID, "error", err)
	}
}

// finish settles the order's terminal-or-resting state after the loop.
func (e *Engine) finish(ctx context.Context, o *types.Order, pair *types.TradingPair, base *types.Token, res *crossResult) error {
	// A BUY taker locked at its limit price but filled at maker prices;
	// release the price-improvement surplus so the lock ledger stays exact.
	if o.Side == types.BUY && o.Price != nil && res.filledNow.Sign() > 0 {
		lockedForFilled := QuoteAmount(res.filledNow, o.Price, base.Decimals)
		surplus := new(big.Int).Sub(lockedForFilled, res.consumedQuote)
		if surplus.Sign() > 0 {
			if err := e.balances.Unlock(ctx, o.UserID, pair.QuoteTokenID, surplus); err != nil {
				e.logger.Error("surplus unlock failed", "order", o.ID, "error", err)
			}
		}
	}

	if res.remaining.Sign() == 0 {
		e.book.Remove(ctx, pair.ID, o.Side, o.ID)
		e.bus.Publish(events.OrderFilled, map[string]any{"orderId": o.ID})
		return nil
	}

	// Market orders and IOC/FOK cannot rest; cancel the remainder.
	if o.Kind == types.MarketOrder || o.TimeInForce == types.IOC || o.TimeInForce == types.FOK {
		fresh, err := e.orders.Get(ctx, o.ID)
		if err != nil {
			return err
		}
		return e.cancelRemainder(ctx, fresh, pair, base, res)
	}

	if err := e.book.Add(ctx, refreshed(o, res)); err != nil {
		e.logger.Warn("book add", "order", o.ID, "error", err)
	}
	if res.matched {
		e.bus.Publish(events.OrderPartial, map[string]any{
			"orderId": o.ID, "remaining": res.remaining.String(),
		})
	} else {
		e.bus.Publish(events.OrderOpened, map[string]any{"orderId": o.ID})
	}
	e.scheduleRematches(ctx, o, pair)
	return nil
}

// refreshed returns o with its fill advanced by this run, for the book add.
func refreshed(o *types.Order, res *crossResult) *types.Order {
	c := *o
	filled := new(big.Int)
	if o.FilledQuantity != nil {
		filled.Set(o.FilledQuantity)
	}
	c.FilledQuantity = filled.Add(filled, res.filledNow)
	return &c
}

// cancelRemainder releases the funds behind an unfillable remainder and
// closes the order.
func (e *Engine) cancelRemainder(ctx context.Context, o *types.Order, pair *types.TradingPair, base *types.Token, res *crossResult) error {
	var token string
	var amount *big.Int
	if o.Side == types.SELL {
		token, amount = pair.BaseTokenID, res.remaining
	} else {
		token = pair.QuoteTokenID
		locked, err := lockedAmountFromMetadata(o)
		if err != nil {
			return jobs.Terminal(err)
		}
		// Whatever was not consumed by fills (surplus already released).
		spent := res.consumedQuote
		if o.Price != nil {
			spent = QuoteAmount(res.filledNow, o.Price, base.Decimals)
		}
		amount = new(big.Int).Sub(locked, spent)
	}

	if err := e.orders.SetStatus(ctx, o.ID, o.Status, types.OrderCancelled); err != nil {
		return err
	}
	if amount.Sign() > 0 {
		if err := e.balances.Unlock(ctx, o.UserID, token, amount); err != nil {
			e.logger.Error("remainder unlock failed", "order", o.ID, "error", err)
		}
	}
	e.bus.Publish(events.OrderCancelled, map[string]any{
		"orderId": o.ID, "remaining": res.remaining.String(),
	})
	return nil
}

// lockedAmountFromMetadata reads back the amount frozen at submission.
func lockedAmountFromMetadata(o *types.Order) (*big.Int, error) {
	raw, _ := o.Metadata["lockedAmount"].(string)
	return types.ParseAmount(raw)
}

// cancelUnmatched closes an order whose pair went inactive before matching.
func (e *Engine) cancelUnmatched(ctx context.Context, o *types.Order, pair *types.TradingPair) error {
	token := pair.QuoteTokenID
	if o.Side == types.SELL {
		token = pair.BaseTokenID
	}
	locked, err := lockedAmountFromMetadata(o)
	if err != nil {
		return jobs.Terminal(err)
	}
	if err := e.orders.SetStatus(ctx, o.ID, o.Status, types.OrderCancelled); err != nil {
		return err
	}
	if err := e.balances.Unlock(ctx, o.UserID, token, locked); err != nil {
		e.logger.Error("inactive-pair unlock failed", "order", o.ID, "error", err)
	}
	e.bus.Publish(events.OrderCancelled, map[string]any{
		"orderId": o.ID, "reason": "pair inactive",
	})
	return nil
}

// scheduleRematches fans out delayed matching jobs for opposing orders that
// can cross the newly resting order. Deterministic job ids keep duplicate
// triggers collapsed; the delay batches bursts.
func (e *Engine) scheduleRematches(ctx context.Context, o *types.Order, pair *types.TradingPair) {
	ids, err := e.book.Top(ctx, pair.ID, o.Side.Opposite(), rematchFanout)
	if err != nil {
		e.logger.Warn("rematch scan", "pair", pair.ID, "error", err)
		return
	}
	scheduled := 0
	for _, id := range ids {
		if scheduled >= rematchFanout {
			break
		}
		opp, err := e.orders.Get(ctx, id)
		if err != nil || !opp.Status.Matchable() {
			continue
		}
		if !crosses(opp, o) {
			continue
		}
		_, err = e.jobs.Submit(ctx, e.queues.Match, "match",
			matchPayload{OrderID: opp.ID}, jobs.Options{
				JobID: "match-" + opp.ID + "-trigger-" + o.ID,
				Delay: 100 * time.Millisecond,
			})
		if err != nil {
			e.logger.Warn("rematch submit", "order", opp.ID, "error", err)
			continue
		}
		scheduled++
	}
}
