package matching

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/apperr"
	"omen-backend/internal/balance"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/internal/orderbook"
	"omen-backend/internal/sigverify"
	"omen-backend/pkg/types"
)

// ---- fakes ----

type memOrders struct {
	mu     sync.Mutex
	byID   map[string]*types.Order
	nextSq int64
}

func newMemOrders() *memOrders {
	return &memOrders{byID: map[string]*types.Order{}}
}

func (m *memOrders) Create(_ context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSq++
	o.Seq = m.nextSq
	o.CreatedAt = time.Now().Add(time.Duration(m.nextSq) * time.Millisecond)
	cp := *o
	m.byID[o.ID] = &cp
	return nil
}

func (m *memOrders) Get(_ context.Context, id string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) SetStatus(_ context.Context, id string, from, to types.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", id)
	}
	if o.Status != from {
		return apperr.Newf(apperr.CodeInvalidStatus, "order %s is not %s", id, from)
	}
	o.Status = to
	return nil
}

func (m *memOrders) OpenBySide(_ context.Context, pairID string, side types.Side, limit int) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Order
	for _, o := range m.byID {
		if o.PairID == pairID && o.Side == side &&
			(o.Status == types.OrderOpen || o.Status == types.OrderPartial) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		cmp := out[i].Price.Cmp(out[j].Price)
		if cmp == 0 {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if side == types.BUY {
			return cmp > 0
		}
		return cmp < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memExec mirrors the relational executor against in-memory state.
type memExec struct {
	orders   *memOrders
	balances balance.Keeper
	base     string
	quote    string

	mu     sync.Mutex
	trades []*types.Trade
}

func (x *memExec) Execute(ctx context.Context, t *types.Trade, baseTokenID, quoteTokenID string, quoteAmount *big.Int) error {
	zero := new(big.Int)
	if err := x.balances.Credit(ctx, t.SellerID, baseTokenID, zero, new(big.Int).Neg(t.Quantity)); err != nil {
		return err
	}
	if err := x.balances.Credit(ctx, t.SellerID, quoteTokenID, new(big.Int).Sub(quoteAmount, t.SellerFee), zero); err != nil {
		return err
	}
	if err := x.balances.Credit(ctx, t.BuyerID, quoteTokenID, zero, new(big.Int).Neg(quoteAmount)); err != nil {
		return err
	}
	if err := x.balances.Credit(ctx, t.BuyerID, baseTokenID, new(big.Int).Sub(t.Quantity, t.BuyerFee), zero); err != nil {
		return err
	}
	for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
		x.orders.mu.Lock()
		o := x.orders.byID[id]
		if o.FilledQuantity == nil {
			o.FilledQuantity = new(big.Int)
		}
		o.FilledQuantity = new(big.Int).Add(o.FilledQuantity, t.Quantity)
		if o.FilledQuantity.Cmp(o.Quantity) == 0 {
			o.Status = types.OrderFilled
		} else {
			o.Status = types.OrderPartial
		}
		x.orders.mu.Unlock()
	}
	x.mu.Lock()
	x.trades = append(x.trades, t)
	x.mu.Unlock()
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	seen map[string]bool
	subs []submission
}

type submission struct {
	queue, name, jobID string
}

func (f *fakeJobs) Submit(_ context.Context, queue, name string, _ any, opts jobs.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.JobID != "" {
		if f.seen[opts.JobID] {
			return opts.JobID, nil
		}
		f.seen[opts.JobID] = true
	}
	f.subs = append(f.subs, submission{queue: queue, name: name, jobID: opts.JobID})
	return opts.JobID, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(sigverify.Message, []byte, string) error { return nil }

type fakeNonces struct {
	mu   sync.Mutex
	used map[string]bool
}

func (f *fakeNonces) Reserve(_ context.Context, address, nonce string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := strings.ToLower(address) + ":" + nonce
	if f.used[k] {
		return apperr.Newf(apperr.CodeNonceReused, "nonce %s already used", nonce)
	}
	f.used[k] = true
	return nil
}

type allowAll struct{}

func (allowAll) Require(context.Context, string, string) error { return nil }

type staticPairs struct{ pair *types.TradingPair }

func (s staticPairs) Get(_ context.Context, id string) (*types.TradingPair, error) {
	if s.pair.ID != id {
		return nil, apperr.Newf(apperr.CodePairNotFound, "pair %s not found", id)
	}
	cp := *s.pair
	return &cp, nil
}

type staticMarkets struct{}

func (staticMarkets) Get(_ context.Context, id string) (*types.Market, error) {
	return &types.Market{ID: id, Status: types.MarketActive}, nil
}

type staticTokens struct{ byID map[string]*types.Token }

func (s staticTokens) Get(_ context.Context, id string) (*types.Token, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "token %s not found", id)
	}
	return t, nil
}

// ---- fixture ----

const (
	baseToken  = "tok-base"
	quoteToken = "tok-quote"
	pairID     = "pair-1"
)

// e18 scales n into 18-decimal smallest units.
func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(18))
}

type fixture struct {
	engine   *Engine
	orders   *memOrders
	balances *balance.Memory
	exec     *memExec
	jobs     *fakeJobs
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	orders := newMemOrders()
	balances := balance.NewMemory()
	exec := &memExec{orders: orders, balances: balances, base: baseToken, quote: quoteToken}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fj := &fakeJobs{seen: map[string]bool{}}

	pair := &types.TradingPair{
		ID:           pairID,
		Symbol:       "RWA-USDO",
		BaseTokenID:  baseToken,
		QuoteTokenID: quoteToken,
		IsActive:     true,
	}
	tokens := staticTokens{byID: map[string]*types.Token{
		baseToken:  {ID: baseToken, Type: types.TokenRWA, Decimals: 18},
		quoteToken: {ID: quoteToken, Type: types.TokenStable, Decimals: 18},
	}}

	eng := New(Deps{
		Orders:     orders,
		Pairs:      staticPairs{pair: pair},
		Markets:    staticMarkets{},
		Tokens:     tokens,
		Balances:   balances,
		Exec:       exec,
		Book:       orderbook.New(rdb, orders),
		Jobs:       fj,
		Verifier:   fakeVerifier{},
		Nonces:     &fakeNonces{used: map[string]bool{}},
		Compliance: allowAll{},
		Bus:        events.NewBus(logger),
		Queues: Queues{
			Match: "transactions", Settlement: "settlement",
			Notifications: "notifications", Stats: "stats",
		},
	}, logger)

	return &fixture{engine: eng, orders: orders, balances: balances, exec: exec, jobs: fj}
}

func (f *fixture) fund(t *testing.T, user, token string, amount *big.Int) {
	t.Helper()
	if err := f.balances.Upsert(context.Background(), user, token, amount, new(big.Int)); err != nil {
		t.Fatalf("fund %s: %v", user, err)
	}
}

func (f *fixture) submit(t *testing.T, user string, side types.Side, kind types.OrderKind, qty, price *big.Int, nonce string) *types.Order {
	t.Helper()
	in := OrderInput{
		UserID:      user,
		UserAddress: "0x" + strings.Repeat("a", 39) + user[len(user)-1:],
		PairID:      pairID,
		Side:        side,
		Kind:        kind,
		Quantity:    qty.String(),
		Signature:   "0x" + strings.Repeat("ab", 65),
		Nonce:       nonce,
		Expiry:      time.Now().Add(time.Hour).Unix(),
	}
	if price != nil {
		in.Price = price.String()
	}
	o, err := f.engine.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("submit order for %s: %v", user, err)
	}
	return o
}

func (f *fixture) submitTIF(t *testing.T, user string, side types.Side, tif types.TimeInForce, qty, price *big.Int, nonce string) *types.Order {
	t.Helper()
	in := OrderInput{
		UserID:      user,
		UserAddress: "0x" + strings.Repeat("a", 39) + user[len(user)-1:],
		PairID:      pairID,
		Side:        side,
		Kind:        types.Limit,
		TimeInForce: tif,
		Quantity:    qty.String(),
		Price:       price.String(),
		Signature:   "0x" + strings.Repeat("ab", 65),
		Nonce:       nonce,
		Expiry:      time.Now().Add(time.Hour).Unix(),
	}
	o, err := f.engine.SubmitOrder(context.Background(), in)
	if err != nil {
		t.Fatalf("submit %s order for %s: %v", tif, user, err)
	}
	return o
}

func (f *fixture) match(t *testing.T, orderID string) {
	t.Helper()
	job := &jobs.Job{ID: "match-" + orderID, Name: "match",
		Payload: []byte(`{"orderId":"` + orderID + `"}`), MaxAttempts: 3, AttemptsMade: 1}
	if err := f.engine.HandleMatch(context.Background(), job); err != nil {
		t.Fatalf("match %s: %v", orderID, err)
	}
}

func (f *fixture) balanceOf(t *testing.T, user, token string) (*big.Int, *big.Int) {
	t.Helper()
	avail, locked, err := f.balances.Get(context.Background(), user, token)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return avail, locked
}

// ---- scenarios ----

func TestSimpleCross(t *testing.T) {
	t.Parallel()
	f := setup(t)

	f.fund(t, "seller", baseToken, e18(10))
	f.fund(t, "buyer", quoteToken, e18(20))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(10), e18(2), "n1")
	f.match(t, sell.ID)

	buy := f.submit(t, "buyer", types.BUY, types.Limit, e18(4), e18(2), "n2")
	f.match(t, buy.ID)

	if len(f.exec.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(f.exec.trades))
	}
	tr := f.exec.trades[0]
	if tr.Price.Cmp(e18(2)) != 0 || tr.Quantity.Cmp(e18(4)) != 0 {
		t.Fatalf("trade = price %s qty %s", tr.Price, tr.Quantity)
	}
	// fee = 8 quote * 25/10000 = 0.02 in 18-decimal units
	wantFee := new(big.Int).Quo(new(big.Int).Mul(e18(8), big.NewInt(25)), big.NewInt(10000))
	if tr.BuyerFee.Cmp(wantFee) != 0 || tr.SellerFee.Cmp(wantFee) != 0 {
		t.Fatalf("fees = %s/%s, want %s", tr.BuyerFee, tr.SellerFee, wantFee)
	}

	buyAfter, _ := f.orders.Get(context.Background(), buy.ID)
	if buyAfter.Status != types.OrderFilled {
		t.Fatalf("buy order = %s, want FILLED", buyAfter.Status)
	}
	sellAfter, _ := f.orders.Get(context.Background(), sell.ID)
	if sellAfter.Status != types.OrderPartial || sellAfter.FilledQuantity.Cmp(e18(4)) != 0 {
		t.Fatalf("sell order = %s filled %s, want PARTIAL 4e18", sellAfter.Status, sellAfter.FilledQuantity)
	}

	// Buyer received 4 base less fee; spent exactly 8 quote of the lock.
	avail, locked := f.balanceOf(t, "buyer", baseToken)
	if avail.Cmp(new(big.Int).Sub(e18(4), wantFee)) != 0 {
		t.Fatalf("buyer base = %s", avail)
	}
	_, locked = f.balanceOf(t, "buyer", quoteToken)
	if locked.Sign() != 0 {
		t.Fatalf("buyer quote still locked: %s", locked)
	}
	// Seller has 6 base still locked and 8 quote less fee available.
	_, locked = f.balanceOf(t, "seller", baseToken)
	if locked.Cmp(e18(6)) != 0 {
		t.Fatalf("seller base locked = %s, want 6e18", locked)
	}
	avail, _ = f.balanceOf(t, "seller", quoteToken)
	if avail.Cmp(new(big.Int).Sub(e18(8), wantFee)) != 0 {
		t.Fatalf("seller quote = %s", avail)
	}
}

func TestPartialThenCancel(t *testing.T) {
	t.Parallel()
	f := setup(t)

	f.fund(t, "seller", baseToken, e18(10))
	f.fund(t, "buyer", quoteToken, e18(20))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(10), e18(2), "n1")
	f.match(t, sell.ID)
	buy := f.submit(t, "buyer", types.BUY, types.Limit, e18(4), e18(2), "n2")
	f.match(t, buy.ID)

	cancelled, err := f.engine.CancelOrder(context.Background(), sell.ID, "seller")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.OrderCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	avail, locked := f.balanceOf(t, "seller", baseToken)
	if locked.Sign() != 0 {
		t.Fatalf("seller base still locked: %s", locked)
	}
	if avail.Cmp(e18(6)) != 0 {
		t.Fatalf("seller base available = %s, want 6e18", avail)
	}
}

func TestCancelByNonOwnerForbidden(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(10))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(10), e18(2), "n1")
	f.match(t, sell.ID)

	if _, err := f.engine.CancelOrder(context.Background(), sell.ID, "mallory"); !apperr.Is(err, apperr.CodeForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(20))

	f.submit(t, "seller", types.SELL, types.Limit, e18(5), e18(2), "dup")

	in := OrderInput{
		UserID:      "seller",
		UserAddress: "0x" + strings.Repeat("a", 39) + "r",
		PairID:      pairID,
		Side:        types.SELL,
		Kind:        types.Limit,
		Quantity:    e18(5).String(),
		Price:       e18(2).String(),
		Signature:   "0x" + strings.Repeat("ab", 65),
		Nonce:       "dup",
		Expiry:      time.Now().Add(time.Hour).Unix(),
	}
	_, err := f.engine.SubmitOrder(context.Background(), in)
	if !apperr.Is(err, apperr.CodeNonceReused) {
		t.Fatalf("err = %v, want nonce_reused", err)
	}
	if len(f.orders.byID) != 1 {
		t.Fatalf("orders persisted = %d, want 1", len(f.orders.byID))
	}
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()
	f := setup(t)

	f.fund(t, "bidderHigh", quoteToken, e18(100))
	f.fund(t, "bidderLow", quoteToken, e18(100))
	f.fund(t, "seller", baseToken, e18(3))

	low := f.submit(t, "bidderLow", types.BUY, types.Limit, e18(5), e18(2), "n1")
	f.match(t, low.ID)
	high := f.submit(t, "bidderHigh", types.BUY, types.Limit, e18(5), e18(3), "n2")
	f.match(t, high.ID)

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(3), e18(1), "n3")
	f.match(t, sell.ID)

	if len(f.exec.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(f.exec.trades))
	}
	tr := f.exec.trades[0]
	if tr.BuyerID != "bidderHigh" {
		t.Fatalf("matched %s first, want highest bid", tr.BuyerID)
	}
	if tr.Price.Cmp(e18(3)) != 0 {
		t.Fatalf("trade at %s, want maker price 3e18", tr.Price)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(1))

	in := OrderInput{
		UserID:      "seller",
		UserAddress: "0x" + strings.Repeat("a", 40),
		PairID:      pairID,
		Side:        types.SELL,
		Kind:        types.Limit,
		Quantity:    e18(5).String(),
		Price:       e18(2).String(),
		Signature:   "0x" + strings.Repeat("ab", 65),
		Nonce:       "n1",
		Expiry:      time.Now().Add(time.Hour).Unix(),
	}
	_, err := f.engine.SubmitOrder(context.Background(), in)
	if !apperr.Is(err, apperr.CodeInsufficientBalance) {
		t.Fatalf("err = %v, want insufficient_balance", err)
	}
}

func TestMatchJobIdempotentOnRedelivery(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(10))
	f.fund(t, "buyer", quoteToken, e18(20))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(4), e18(2), "n1")
	f.match(t, sell.ID)
	buy := f.submit(t, "buyer", types.BUY, types.Limit, e18(4), e18(2), "n2")
	f.match(t, buy.ID)
	// Redelivery of a completed job must not re-trade.
	f.match(t, buy.ID)

	if len(f.exec.trades) != 1 {
		t.Fatalf("trades after redelivery = %d, want 1", len(f.exec.trades))
	}
}

func TestMarketBuyConsumesBook(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(10))
	f.fund(t, "buyer", quoteToken, e18(30))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(10), e18(2), "n1")
	f.match(t, sell.ID)

	buy := f.submit(t, "buyer", types.BUY, types.MarketOrder, e18(5), nil, "n2")
	f.match(t, buy.ID)

	after, _ := f.orders.Get(context.Background(), buy.ID)
	if after.Status != types.OrderFilled {
		t.Fatalf("market buy = %s, want FILLED", after.Status)
	}
	if len(f.exec.trades) != 1 || f.exec.trades[0].Price.Cmp(e18(2)) != 0 {
		t.Fatalf("trade = %+v", f.exec.trades)
	}
	// The market buy locked at the best ask and consumed it exactly.
	_, locked := f.balanceOf(t, "buyer", quoteToken)
	if locked.Sign() != 0 {
		t.Fatalf("buyer quote locked = %s, want 0", locked)
	}
}

func TestImmediateOrCancelCancelsRemainder(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(3))
	f.fund(t, "buyer", quoteToken, e18(20))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(3), e18(2), "n1")
	f.match(t, sell.ID)

	buy := f.submitTIF(t, "buyer", types.BUY, types.IOC, e18(5), e18(2), "n2")
	f.match(t, buy.ID)

	// The available 3 trade; the 2 remainder cancels instead of resting.
	if len(f.exec.trades) != 1 || f.exec.trades[0].Quantity.Cmp(e18(3)) != 0 {
		t.Fatalf("trades = %+v", f.exec.trades)
	}
	after, _ := f.orders.Get(context.Background(), buy.ID)
	if after.Status != types.OrderCancelled {
		t.Fatalf("order = %s, want CANCELLED", after.Status)
	}
	// The lock behind the unfilled remainder releases in full.
	_, locked := f.balanceOf(t, "buyer", quoteToken)
	if locked.Sign() != 0 {
		t.Fatalf("buyer quote locked = %s, want 0", locked)
	}
}

func TestFillOrKillIsAllOrNothing(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(10))
	f.fund(t, "buyer", quoteToken, e18(40))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(3), e18(2), "n1")
	f.match(t, sell.ID)

	// Depth covers only 3 of 5: the order kills without trading.
	buy := f.submitTIF(t, "buyer", types.BUY, types.FOK, e18(5), e18(2), "n2")
	f.match(t, buy.ID)

	if len(f.exec.trades) != 0 {
		t.Fatalf("trades = %+v, want none on a killed order", f.exec.trades)
	}
	after, _ := f.orders.Get(context.Background(), buy.ID)
	if after.Status != types.OrderCancelled {
		t.Fatalf("killed order = %s, want CANCELLED", after.Status)
	}
	restingAfter, _ := f.orders.Get(context.Background(), sell.ID)
	if restingAfter.Status != types.OrderOpen || restingAfter.Unfilled().Cmp(e18(3)) != 0 {
		t.Fatalf("resting ask = %s unfilled %s, want untouched", restingAfter.Status, restingAfter.Unfilled())
	}
	_, locked := f.balanceOf(t, "buyer", quoteToken)
	if locked.Sign() != 0 {
		t.Fatalf("buyer quote locked = %s, want 0", locked)
	}

	// With enough depth the same request fills completely across levels.
	sell2 := f.submit(t, "seller", types.SELL, types.Limit, e18(7), e18(2), "n3")
	f.match(t, sell2.ID)

	buy2 := f.submitTIF(t, "buyer", types.BUY, types.FOK, e18(5), e18(2), "n4")
	f.match(t, buy2.ID)

	if len(f.exec.trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(f.exec.trades))
	}
	filled, _ := f.orders.Get(context.Background(), buy2.ID)
	if filled.Status != types.OrderFilled {
		t.Fatalf("order = %s, want FILLED", filled.Status)
	}
}

func TestSettlementJobSubmittedPerTrade(t *testing.T) {
	t.Parallel()
	f := setup(t)
	f.fund(t, "seller", baseToken, e18(4))
	f.fund(t, "buyer", quoteToken, e18(8))

	sell := f.submit(t, "seller", types.SELL, types.Limit, e18(4), e18(2), "n1")
	f.match(t, sell.ID)
	buy := f.submit(t, "buyer", types.BUY, types.Limit, e18(4), e18(2), "n2")
	f.match(t, buy.ID)

	var settlements int
	for _, s := range f.jobs.subs {
		if s.queue == "settlement" && s.name == "settle-trade" {
			settlements++
		}
	}
	if settlements != 1 {
		t.Fatalf("settlement jobs = %d, want 1", settlements)
	}
}
