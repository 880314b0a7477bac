// Package matching is the order ingress and crossing engine. Submission
// verifies the typed-data signature, reserves the nonce, locks funds and
// persists the order; the actual crossing runs in a matching job keyed by
// order id, so no two executions ever own the same order concurrently.
package matching

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"omen-backend/internal/apperr"
	"omen-backend/internal/balance"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/internal/sigverify"
	"omen-backend/pkg/types"
)

// OrderStore is the order persistence the engine consumes.
type OrderStore interface {
	Create(ctx context.Context, o *types.Order) error
	Get(ctx context.Context, id string) (*types.Order, error)
	SetStatus(ctx context.Context, id string, from, to types.OrderStatus) error
	OpenBySide(ctx context.Context, pairID string, side types.Side, limit int) ([]*types.Order, error)
}

// PairStore resolves trading pairs.
type PairStore interface {
	Get(ctx context.Context, id string) (*types.TradingPair, error)
}

// MarketStore resolves markets for pair gating.
type MarketStore interface {
	Get(ctx context.Context, id string) (*types.Market, error)
}

// TokenStore resolves tokens for decimals and compliance scoping.
type TokenStore interface {
	Get(ctx context.Context, id string) (*types.Token, error)
}

// TradeExecutor commits one cross atomically.
type TradeExecutor interface {
	Execute(ctx context.Context, t *types.Trade, baseTokenID, quoteTokenID string, quoteAmount *big.Int) error
}

// Book is the warm order-book mirror.
type Book interface {
	Add(ctx context.Context, o *types.Order) error
	Remove(ctx context.Context, pairID string, side types.Side, orderID string) error
	Invalidate(ctx context.Context, pairID string) error
	Top(ctx context.Context, pairID string, side types.Side, n int) ([]string, error)
}

// Submitter enqueues background jobs.
type Submitter interface {
	Submit(ctx context.Context, queue, name string, payload any, opts jobs.Options) (string, error)
}

// Verifier checks typed-data signatures.
type Verifier interface {
	Verify(msg sigverify.Message, sig []byte, expected string) error
}

// NonceReserver provides replay protection.
type NonceReserver interface {
	Reserve(ctx context.Context, address, nonce string) error
}

// ComplianceGate authorizes RWA-token operations per user.
type ComplianceGate interface {
	Require(ctx context.Context, userID, tokenID string) error
}

// Publisher delivers domain events.
type Publisher interface {
	Publish(kind events.Kind, payload map[string]any)
}

// Queues names the destinations the engine submits to.
type Queues struct {
	Match         string
	Settlement    string
	Notifications string
	Stats         string
}

// Engine wires the whole order path together.
type Engine struct {
	orders     OrderStore
	pairs      PairStore
	markets    MarketStore
	tokens     TokenStore
	balances   balance.Keeper
	exec       TradeExecutor
	book       Book
	jobs       Submitter
	verifier   Verifier
	nonces     NonceReserver
	compliance ComplianceGate
	bus        Publisher
	queues     Queues
	logger     *slog.Logger
}

// Deps collects the engine's collaborators.
type Deps struct {
	Orders     OrderStore
	Pairs      PairStore
	Markets    MarketStore
	Tokens     TokenStore
	Balances   balance.Keeper
	Exec       TradeExecutor
	Book       Book
	Jobs       Submitter
	Verifier   Verifier
	Nonces     NonceReserver
	Compliance ComplianceGate
	Bus        Publisher
	Queues     Queues
}

// New creates the engine.
func New(d Deps, logger *slog.Logger) *Engine {
	return &Engine{
		orders:     d.Orders,
		pairs:      d.Pairs,
		markets:    d.Markets,
		tokens:     d.Tokens,
		balances:   d.Balances,
		exec:       d.Exec,
		book:       d.Book,
		jobs:       d.Jobs,
		verifier:   d.Verifier,
		nonces:     d.Nonces,
		compliance: d.Compliance,
		bus:        d.Bus,
		queues:     d.Queues,
		logger:     logger.With("component", "matching"),
	}
}

// OrderInput is one signed order submission.
type OrderInput struct {
	UserID      string            `json:"userId" validate:"required"`
	UserAddress string            `json:"userAddress" validate:"required"`
	PairID      string            `json:"tradingPairId" validate:"required"`
	Side        types.Side        `json:"side" validate:"required,oneof=BUY SELL"`
	Kind        types.OrderKind   `json:"orderKind" validate:"required,oneof=LIMIT MARKET STOP_LIMIT"`
	Quantity    string            `json:"quantity" validate:"required"`
	Price       string            `json:"price"`
	Signature   string            `json:"signature" validate:"required"`
	Nonce       string            `json:"nonce" validate:"required"`
	Expiry      int64             `json:"expiry" validate:"required"`
	TimeInForce types.TimeInForce `json:"timeInForce"`
	Metadata    map[string]any    `json:"metadata"`
}

// matchPayload is the matching job body.
type matchPayload struct {
	OrderID string `json:"orderId"`
}

// SubmitOrder runs the full ingress path and enqueues the matching job.
// The order is persisted at PENDING_MATCH; crossing happens asynchronously.
func (e *Engine) SubmitOrder(ctx context.Context, in OrderInput) (*types.Order, error) {
	qty, price, err := e.validateInput(&in)
	if err != nil {
		return nil, err
	}

	sig, err := sigverify.ParseSignature(in.Signature)
	if err != nil {
		return nil, err
	}
	sigPrice := in.Price
	if sigPrice == "" {
		sigPrice = "0"
	}
	msg := sigverify.Message{
		Schema: sigverify.SchemaOrder,
		Fields: map[string]string{
			"marketId":  in.PairID,
			"side":      string(in.Side),
			"orderKind": string(in.Kind),
			"quantity":  in.Quantity,
			"price":     sigPrice,
			"nonce":     in.Nonce,
		},
		Expiry: in.Expiry,
	}
	if err := e.verifier.Verify(msg, sig, in.UserAddress); err != nil {
		return nil, err
	}
	if err := e.nonces.Reserve(ctx, in.UserAddress, in.Nonce); err != nil {
		return nil, err
	}

	pair, base, err := e.gatePair(ctx, in.UserID, in.PairID)
	if err != nil {
		return nil, err
	}
	if pair.MinOrderSize != nil && pair.MinOrderSize.Sign() > 0 && qty.Cmp(pair.MinOrderSize) < 0 {
		return nil, apperr.Newf(apperr.CodeValidation, "quantity below minimum %s", pair.MinOrderSize)
	}
	if pair.MaxOrderSize != nil && pair.MaxOrderSize.Sign() > 0 && qty.Cmp(pair.MaxOrderSize) > 0 {
		return nil, apperr.Newf(apperr.CodeValidation, "quantity above maximum %s", pair.MaxOrderSize)
	}

	lockToken, lockAmount, err := e.amountToLock(ctx, pair, base, in.Side, qty, price)
	if err != nil {
		return nil, err
	}
	if err := e.balances.Lock(ctx, in.UserID, lockToken, lockAmount); err != nil {
		return nil, err
	}

	o := &types.Order{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		UserAddress:    in.UserAddress,
		PairID:         in.PairID,
		Side:           in.Side,
		Kind:           in.Kind,
		Status:         types.OrderPendingMatch,
		Price:          price,
		Quantity:       qty,
		FilledQuantity: new(big.Int),
		AvgFillPrice:   new(big.Int),
		TimeInForce:    in.TimeInForce,
		Metadata:       in.Metadata,
	}
	if o.TimeInForce == "" {
		o.TimeInForce = types.GTC
	}
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	o.Metadata["lockedToken"] = lockToken
	o.Metadata["lockedAmount"] = lockAmount.String()

	if err := e.orders.Create(ctx, o); err != nil {
		if uerr := e.balances.Unlock(ctx, in.UserID, lockToken, lockAmount); uerr != nil {
			e.logger.Error("lock leak after failed order insert",
				"user", in.UserID, "token", lockToken, "amount", lockAmount, "error", uerr)
		}
		return nil, err
	}

	priority := jobs.PriorityDefault
	if o.Kind == types.MarketOrder {
		priority = jobs.PriorityUrgent
	}
	_, err = e.jobs.Submit(ctx, e.queues.Match, "match", matchPayload{OrderID: o.ID}, jobs.Options{
		JobID:    "match-" + o.ID,
		Priority: priority,
	})
	if err != nil {
		e.logger.Error("matching job submit failed", "order", o.ID, "error", err)
	}
	e.bus.Publish(events.OrderCreated, map[string]any{
		"orderId": o.ID, "userId": o.UserID, "tradingPairId": o.PairID,
	})
	ordersSubmitted.WithLabelValues(string(o.Side), string(o.Kind)).Inc()
	return o, nil
}

func (e *Engine) validateInput(in *OrderInput) (qty, price *big.Int, err error) {
	switch in.Side {
	case types.BUY, types.SELL:
	default:
		return nil, nil, apperr.Newf(apperr.CodeValidation, "invalid side %q", in.Side)
	}
	switch in.Kind {
	case types.Limit, types.MarketOrder, types.StopLimit:
	default:
		return nil, nil, apperr.Newf(apperr.CodeValidation, "invalid order kind %q", in.Kind)
	}

	qty, err = types.ParseAmount(in.Quantity)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "quantity", err)
	}
	if qty.Sign() <= 0 {
		return nil, nil, apperr.New(apperr.CodeValidation, "quantity must be positive")
	}

	if in.Kind == types.MarketOrder {
		if in.Price != "" {
			return nil, nil, apperr.New(apperr.CodeValidation, "market orders carry no price")
		}
		return qty, nil, nil
	}
	if in.Price == "" {
		return nil, nil, apperr.Newf(apperr.CodeValidation, "%s orders require a price", in.Kind)
	}
	price, err = types.ParseAmount(in.Price)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "price", err)
	}
	if price.Sign() <= 0 {
		return nil, nil, apperr.New(apperr.CodeValidation, "price must be positive")
	}
	return qty, price, nil
}

// gatePair checks the pair is tradeable by this user and returns it with
// its base token.
func (e *Engine) gatePair(ctx context.Context, userID, pairID string) (*types.TradingPair, *types.Token, error) {
	pair, err := e.pairs.Get(ctx, pairID)
	if err != nil {
		return nil, nil, err
	}
	if !pair.IsActive {
		return nil, nil, apperr.Newf(apperr.CodePairNotFound, "pair %s is inactive", pairID)
	}
	if pair.MarketID != "" {
		m, err := e.markets.Get(ctx, pair.MarketID)
		if err != nil {
			return nil, nil, err
		}
		if m.Status != types.MarketActive {
			return nil, nil, apperr.Newf(apperr.CodeMarketNotActive,
				"market %s is %s", m.ID, m.Status)
		}
	}
	base, err := e.tokens.Get(ctx, pair.BaseTokenID)
	if err != nil {
		return nil, nil, err
	}
	if base.Type == types.TokenRWA {
		if err := e.compliance.Require(ctx, userID, base.ID); err != nil {
			return nil, nil, err
		}
	}
	return pair, base, nil
}

// amountToLock computes the funds frozen at submission: the quote cost for
// a BUY, the base quantity for a SELL. A market BUY has no limit price, so
// its cost is estimated from the best resting ask.
func (e *Engine) amountToLock(ctx context.Context, pair *types.TradingPair, base *types.Token, side types.Side, qty, price *big.Int) (string, *big.Int, error) {
	if side == types.SELL {
		return pair.BaseTokenID, qty, nil
	}
	refPrice := price
	if refPrice == nil {
		best, err := e.bestPrice(ctx, pair.ID, types.SELL)
		if err != nil {
			return "", nil, err
		}
		if best == nil {
			return "", nil, apperr.New(apperr.CodeValidation,
				"no resting asks to price a market buy")
		}
		refPrice = best
	}
	return pair.QuoteTokenID, QuoteAmount(qty, refPrice, base.Decimals), nil
}

func (e *Engine) bestPrice(ctx context.Context, pairID string, side types.Side) (*big.Int, error) {
	ids, err := e.book.Top(ctx, pairID, side, 5)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		o, err := e.orders.Get(ctx, id)
		if err != nil || !o.Status.Matchable() {
			continue
		}
		return o.Price, nil
	}
	return nil, nil
}

// CancelOrder releases the unfilled portion of a resting order.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*types.Order, error) {
	o, err := e.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.New(apperr.CodeForbidden, "order belongs to another user")
	}
	if o.Status != types.OrderOpen && o.Status != types.OrderPartial {
		return nil, apperr.Newf(apperr.CodeInvalidStatus, "order %s is %s", orderID, o.Status)
	}

	pair, err := e.pairs.Get(ctx, o.PairID)
	if err != nil {
		return nil, err
	}
	token, amount, err := e.unfilledLock(ctx, o, pair)
	if err != nil {
		return nil, err
	}

	// The guard loses if a concurrent fill moved the status.
	if err := e.orders.SetStatus(ctx, orderID, o.Status, types.OrderCancelled); err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := e.balances.Unlock(ctx, o.UserID, token, amount); err != nil {
			e.logger.Error("cancel unlock failed",
				"order", orderID, "token", token, "amount", amount, "error", err)
		}
	}
	if err := e.book.Remove(ctx, o.PairID, o.Side, o.ID); err != nil {
		e.logger.Warn("book remove on cancel", "order", orderID, "error", err)
	}

	e.bus.Publish(events.OrderCancelled, map[string]any{
		"orderId": o.ID, "userId": o.UserID, "tradingPairId": o.PairID,
		"unfilled": o.Unfilled().String(),
	})
	o.Status = types.OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	return o, nil
}

// unfilledLock computes the still-locked funds behind an order's unfilled
// remainder.
func (e *Engine) unfilledLock(ctx context.Context, o *types.Order, pair *types.TradingPair) (string, *big.Int, error) {
	unfilled := o.Unfilled()
	if o.Side == types.SELL {
		return pair.BaseTokenID, unfilled, nil
	}
	base, err := e.tokens.Get(ctx, pair.BaseTokenID)
	if err != nil {
		return "", nil, err
	}
	return pair.QuoteTokenID, QuoteAmount(unfilled, o.Price, base.Decimals), nil
}
