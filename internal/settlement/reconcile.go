package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"omen-backend/internal/balance"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

const (
	// Trades pending longer than this get their tx hash re-checked.
	pendingSettlementAge = 5 * time.Minute
	pendingBatch         = 100
)

// TokenSource resolves tokens for supply and balance checks.
type TokenSource interface {
	Get(ctx context.Context, id string) (*types.Token, error)
	ActiveWithContract(ctx context.Context) ([]*types.Token, error)
}

// BalanceSource lists and overwrites balance rows. Chain state wins.
type BalanceSource interface {
	Nonzero(ctx context.Context) ([]balance.Entry, error)
	Upsert(ctx context.Context, userID, tokenID string, available, locked *big.Int) error
}

// PendingTrades finds trades stuck in PENDING settlement.
type PendingTrades interface {
	PendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.Trade, error)
	MarkSettled(ctx context.Context, id, txHash string) error
}

// ChainReader reads chain state during a sweep.
type ChainReader interface {
	TotalSupply(ctx context.Context, contract string) (*big.Int, error)
	BalanceOf(ctx context.Context, contract, holder string) (*big.Int, error)
	ConfirmTransaction(ctx context.Context, txHash string) (bool, error)
}

// Discrepancy is one finding from a sweep.
type Discrepancy struct {
	Kind   string `json:"kind"` // supply | balance | settlement
	Ref    string `json:"ref"`
	Action string `json:"action"` // updated | flagged
	Detail string `json:"detail"`
}

// Summary is the outcome of one reconciliation sweep.
type Summary struct {
	TokensChecked   int           `json:"tokensChecked"`
	BalancesChecked int           `json:"balancesChecked"`
	TradesChecked   int           `json:"tradesChecked"`
	Discrepancies   []Discrepancy `json:"discrepancies,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt"`
}

// Reconciler sweeps supplies, balances and stuck settlements.
type Reconciler struct {
	tokens   TokenSource
	balances BalanceSource
	trades   PendingTrades
	chain    ChainReader
	bus      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(tokens TokenSource, balances BalanceSource, trades PendingTrades, chain ChainReader, bus Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		tokens:   tokens,
		balances: balances,
		trades:   trades,
		chain:    chain,
		bus:      bus,
		logger:   logger.With("component", "reconciliation"),
		now:      time.Now,
	}
}

// HandleReconcile consumes one scheduled reconcile job.
func (r *Reconciler) HandleReconcile(ctx context.Context, _ *jobs.Job) error {
	sum, err := r.Run(ctx)
	if err != nil {
		return err
	}
	r.bus.Publish(events.ReconciliationCompleted, map[string]any{
		"tokensChecked":   sum.TokensChecked,
		"balancesChecked": sum.BalancesChecked,
		"tradesChecked":   sum.TradesChecked,
		"discrepancies":   len(sum.Discrepancies),
	})
	return nil
}

// Run executes one full sweep. Individual check failures are logged and
// skipped so one unreachable contract cannot stall the rest of the sweep.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{StartedAt: r.now()}

	if err := r.checkSupplies(ctx, sum); err != nil {
		return nil, err
	}
	if err := r.checkBalances(ctx, sum); err != nil {
		return nil, err
	}
	if err := r.checkPendingTrades(ctx, sum); err != nil {
		return nil, err
	}
	sum.FinishedAt = r.now()

	if n := len(sum.Discrepancies); n > 0 {
		r.logger.Warn("reconciliation found discrepancies",
			"tokens_checked", sum.TokensChecked,
			"balances_checked", sum.BalancesChecked,
			"trades_checked", sum.TradesChecked,
			"discrepancies", n)
	} else {
		r.logger.Info("reconciliation clean",
			"tokens_checked", sum.TokensChecked,
			"balances_checked", sum.BalancesChecked,
			"trades_checked", sum.TradesChecked)
	}
	return sum, nil
}

// checkSupplies compares stored total supply with the chain. Supply is
// never auto-corrected; a mismatch means issuance happened out of band and
// needs a human decision.
func (r *Reconciler) checkSupplies(ctx context.Context, sum *Summary) error {
	tokens, err := r.tokens.ActiveWithContract(ctx)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		sum.TokensChecked++
		onchain, err := r.chain.TotalSupply(ctx, tok.ContractAddress)
		if err != nil {
			r.logger.Error("supply read failed", "token_id", tok.ID, "error", err)
			continue
		}
		if tok.TotalSupply != nil && onchain.Cmp(tok.TotalSupply) == 0 {
			continue
		}
		sum.Discrepancies = append(sum.Discrepancies, Discrepancy{
			Kind:   "supply",
			Ref:    tok.ID,
			Action: "flagged",
			Detail: "stored " + types.AmountString(tok.TotalSupply) + ", on-chain " + onchain.String(),
		})
	}
	return nil
}

// checkBalances overwrites local rows that disagree with the chain. The
// chain value lands in available with locked reset to zero; open orders
// against the stale lock will fail their next balance operation and cancel.
func (r *Reconciler) checkBalances(ctx context.Context, sum *Summary) error {
	entries, err := r.balances.Nonzero(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		tok, err := r.tokens.Get(ctx, e.TokenID)
		if err != nil {
			r.logger.Error("token lookup failed", "token_id", e.TokenID, "error", err)
			continue
		}
		if tok.ContractAddress == "" {
			continue
		}
		sum.BalancesChecked++

		onchain, err := r.chain.BalanceOf(ctx, tok.ContractAddress, e.UserID)
		if err != nil {
			r.logger.Error("balance read failed",
				"user_id", e.UserID, "token_id", e.TokenID, "error", err)
			continue
		}
		local := new(big.Int).Add(e.Available, e.Locked)
		if onchain.Cmp(local) == 0 {
			continue
		}
		if err := r.balances.Upsert(ctx, e.UserID, e.TokenID, onchain, big.NewInt(0)); err != nil {
			r.logger.Error("balance overwrite failed",
				"user_id", e.UserID, "token_id", e.TokenID, "error", err)
			continue
		}
		sum.Discrepancies = append(sum.Discrepancies, Discrepancy{
			Kind:   "balance",
			Ref:    e.UserID + "/" + e.TokenID,
			Action: "updated",
			Detail: "local " + local.String() + ", on-chain " + onchain.String(),
		})
	}
	return nil
}

// checkPendingTrades resolves trades stuck in PENDING. With a tx hash the
// chain receipt decides; without one there is nothing to verify yet.
func (r *Reconciler) checkPendingTrades(ctx context.Context, sum *Summary) error {
	cutoff := r.now().Add(-pendingSettlementAge)
	stuck, err := r.trades.PendingOlderThan(ctx, cutoff, pendingBatch)
	if err != nil {
		return err
	}
	for _, t := range stuck {
		sum.TradesChecked++
		if t.TxHash == "" {
			sum.Discrepancies = append(sum.Discrepancies, Discrepancy{
				Kind:   "settlement",
				Ref:    t.ID,
				Action: "flagged",
				Detail: "pending beyond threshold without tx hash",
			})
			continue
		}
		confirmed, err := r.chain.ConfirmTransaction(ctx, t.TxHash)
		if err != nil {
			r.logger.Error("confirmation check failed", "trade_id", t.ID, "error", err)
			continue
		}
		if !confirmed {
			sum.Discrepancies = append(sum.Discrepancies, Discrepancy{
				Kind:   "settlement",
				Ref:    t.ID,
				Action: "flagged",
				Detail: "tx " + t.TxHash + " not confirmed",
			})
			continue
		}
		if err := r.trades.MarkSettled(ctx, t.ID, t.TxHash); err != nil {
			r.logger.Error("marking reconciled trade settled", "trade_id", t.ID, "error", err)
			continue
		}
		sum.Discrepancies = append(sum.Discrepancies, Discrepancy{
			Kind:   "settlement",
			Ref:    t.ID,
			Action: "updated",
			Detail: "confirmed on chain, marked settled",
		})
		r.bus.Publish(events.TradeSettled, map[string]any{"tradeId": t.ID, "txHash": t.TxHash})
	}
	return nil
}
