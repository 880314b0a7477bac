// Package swap quotes and executes cross-chain token swaps. A swap locks
// the user's source balance, rides the job fabric through the bridge call,
// and either credits the target token or refunds the lock after the final
// failed attempt.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"omen-backend/internal/apperr"
	"omen-backend/internal/balance"
	"omen-backend/internal/chain"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/pkg/types"
)

const (
	platformFeeBps = 25
	bridgeFeeBps   = 15
	feeDenominator = 10000

	// Flat network fee in the source token's smallest unit.
	networkFee = 1000

	quoteTTL     = 5 * time.Minute
	swapAttempts = 3
)

// Store persists swap records.
type Store interface {
	Create(ctx context.Context, sw *types.SwapRecord) error
	Get(ctx context.Context, id string) (*types.SwapRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.SwapRecord, error)
	Transition(ctx context.Context, id string, from, to types.SwapStatus) error
	SetBridgeResult(ctx context.Context, id, bridgeSwapID, sourceTxHash string) error
	SetTargetTx(ctx context.Context, id, targetTxHash string) error
	SetFailure(ctx context.Context, id, reason string) error
}

// TokenSource resolves tokens for fee and rate math.
type TokenSource interface {
	Get(ctx context.Context, id string) (*types.Token, error)
}

// Bridge is the on-chain swap path.
type Bridge interface {
	Swap(ctx context.Context, req chain.SwapRequest) (*chain.SwapResult, error)
}

// ComplianceGate checks holder eligibility. Swap checks are best-effort.
type ComplianceGate interface {
	Require(ctx context.Context, userID, tokenID string) error
}

// Submitter enqueues swap jobs.
type Submitter interface {
	Submit(ctx context.Context, queue, name string, payload any, opts jobs.Options) (string, error)
}

// Publisher fans swap events out to in-process subscribers.
type Publisher interface {
	Publish(kind events.Kind, payload map[string]any)
}

// Quote prices a prospective swap. No state effect.
type Quote struct {
	SourceTokenID  string    `json:"sourceTokenId"`
	TargetTokenID  string    `json:"targetTokenId"`
	SourceAmount   *big.Int  `json:"-"`
	PlatformFee    *big.Int  `json:"-"`
	BridgeFee      *big.Int  `json:"-"`
	NetworkFee     *big.Int  `json:"-"`
	TotalFee       *big.Int  `json:"-"`
	NetAmount      *big.Int  `json:"-"`
	ExpectedTarget *big.Int  `json:"-"`
	Rate           string    `json:"rate"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// MarshalJSON renders the big-int fields as decimal strings.
func (q Quote) MarshalJSON() ([]byte, error) {
	type alias Quote
	return json.Marshal(struct {
		alias
		SourceAmount   string `json:"sourceAmount"`
		PlatformFee    string `json:"platformFee"`
		BridgeFee      string `json:"bridgeFee"`
		NetworkFee     string `json:"networkFee"`
		TotalFee       string `json:"totalFee"`
		NetAmount      string `json:"netAmount"`
		ExpectedTarget string `json:"expectedTarget"`
	}{alias(q), types.AmountString(q.SourceAmount), types.AmountString(q.PlatformFee),
		types.AmountString(q.BridgeFee), types.AmountString(q.NetworkFee),
		types.AmountString(q.TotalFee), types.AmountString(q.NetAmount),
		types.AmountString(q.ExpectedTarget)})
}

// Processor owns the swap lifecycle.
type Processor struct {
	swaps      Store
	tokens     TokenSource
	balances   balance.Keeper
	bridge     Bridge
	compliance ComplianceGate
	jobs       Submitter
	bus        Publisher
	validate   *validator.Validate
	logger     *slog.Logger
	queue      string
	now        func() time.Time
}

// Deps wires the processor's collaborators.
type Deps struct {
	Swaps      Store
	Tokens     TokenSource
	Balances   balance.Keeper
	Bridge     Bridge
	Compliance ComplianceGate
	Jobs       Submitter
	Bus        Publisher
	Logger     *slog.Logger
	Queue      string
}

func New(d Deps) *Processor {
	return &Processor{
		swaps:      d.Swaps,
		tokens:     d.Tokens,
		balances:   d.Balances,
		bridge:     d.Bridge,
		compliance: d.Compliance,
		jobs:       d.Jobs,
		bus:        d.Bus,
		validate:   validator.New(),
		logger:     d.Logger.With("component", "swap"),
		queue:      d.Queue,
		now:        time.Now,
	}
}

// QuoteSwap prices amount of the source token against the target token.
func (p *Processor) QuoteSwap(ctx context.Context, sourceTokenID, targetTokenID, amount string) (*Quote, error) {
	if sourceTokenID == targetTokenID {
		return nil, apperr.New(apperr.CodeValidation, "source and target tokens must differ")
	}
	amt, err := types.ParseAmount(amount)
	if err != nil || amt.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "source amount must be a positive integer")
	}
	source, err := p.tokens.Get(ctx, sourceTokenID)
	if err != nil {
		return nil, err
	}
	target, err := p.tokens.Get(ctx, targetTokenID)
	if err != nil {
		return nil, err
	}
	return p.quote(source, target, amt)
}

func (p *Processor) quote(source, target *types.Token, amt *big.Int) (*Quote, error) {
	platformFee := bps(amt, platformFeeBps)
	bridgeFee := bps(amt, bridgeFeeBps)
	netFee := big.NewInt(networkFee)
	totalFee := new(big.Int).Add(new(big.Int).Add(platformFee, bridgeFee), netFee)
	if totalFee.Cmp(amt) >= 0 {
		return nil, apperr.Newf(apperr.CodeValidation,
			"fees %s exceed swap amount %s", totalFee, amt)
	}
	net := new(big.Int).Sub(amt, totalFee)

	rate := swapRate(source, target)
	// Shift by the decimals differential, truncating toward zero.
	expected := decimal.NewFromBigInt(net, int32(target.Decimals-source.Decimals)).
		Mul(rate).Truncate(0).BigInt()

	return &Quote{
		SourceTokenID:  source.ID,
		TargetTokenID:  target.ID,
		SourceAmount:   amt,
		PlatformFee:    platformFee,
		BridgeFee:      bridgeFee,
		NetworkFee:     netFee,
		TotalFee:       totalFee,
		NetAmount:      net,
		ExpectedTarget: expected,
		Rate:           rate.String(),
		ExpiresAt:      p.now().Add(quoteTTL),
	}, nil
}

// swapRate is 1.0 for same-chain swaps, 0.999 when either side is the
// stable token, and 1.02 otherwise.
func swapRate(source, target *types.Token) decimal.Decimal {
	switch {
	case source.Blockchain == target.Blockchain:
		return decimal.New(1, 0)
	case source.Type == types.TokenStable || target.Type == types.TokenStable:
		return decimal.New(999, -3)
	default:
		return decimal.New(102, -2)
	}
}

func bps(amt *big.Int, points int64) *big.Int {
	fee := new(big.Int).Mul(amt, big.NewInt(points))
	return fee.Quo(fee, big.NewInt(feeDenominator))
}

// RequestInput is a user's swap request.
type RequestInput struct {
	UserID             string `json:"userId" validate:"required"`
	SourceTokenID      string `json:"sourceTokenId" validate:"required"`
	TargetTokenID      string `json:"targetTokenId" validate:"required"`
	SourceAmount       string `json:"sourceAmount" validate:"required"`
	DestinationAddress string `json:"destinationAddress" validate:"required"`
}

type swapPayload struct {
	SwapID string `json:"swapId"`
}

// RequestSwap locks the source balance, persists the swap and queues the
// bridge job. The caller gets the record back in QUEUED.
func (p *Processor) RequestSwap(ctx context.Context, in RequestInput) (*types.SwapRecord, error) {
	if err := p.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid swap request", err)
	}
	if in.SourceTokenID == in.TargetTokenID {
		return nil, apperr.New(apperr.CodeValidation, "source and target tokens must differ")
	}
	amt, err := types.ParseAmount(in.SourceAmount)
	if err != nil || amt.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "source amount must be a positive integer")
	}
	source, err := p.tokens.Get(ctx, in.SourceTokenID)
	if err != nil {
		return nil, err
	}
	target, err := p.tokens.Get(ctx, in.TargetTokenID)
	if err != nil {
		return nil, err
	}

	// Holder eligibility is advisory for swaps; the bridge enforces its own
	// transfer restrictions.
	for _, tok := range []*types.Token{source, target} {
		if tok.Type != types.TokenRWA {
			continue
		}
		if err := p.compliance.Require(ctx, in.UserID, tok.ID); err != nil {
			p.logger.Warn("swap compliance check failed",
				"user_id", in.UserID, "token_id", tok.ID, "error", err)
		}
	}

	q, err := p.quote(source, target, amt)
	if err != nil {
		return nil, err
	}
	if err := p.balances.Lock(ctx, in.UserID, source.ID, amt); err != nil {
		return nil, err
	}

	sw := &types.SwapRecord{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		SourceTokenID:  source.ID,
		TargetTokenID:  target.ID,
		SourceChain:    source.Blockchain,
		TargetChain:    target.Blockchain,
		SourceAmount:   amt,
		ExpectedTarget: q.ExpectedTarget,
		Destination:    in.DestinationAddress,
		Status:         types.SwapPending,
	}
	if err := p.swaps.Create(ctx, sw); err != nil {
		if uerr := p.balances.Unlock(ctx, in.UserID, source.ID, amt); uerr != nil {
			p.logger.Error("releasing lock after failed swap insert",
				"swap_id", sw.ID, "error", uerr)
		}
		return nil, err
	}
	if _, err := p.jobs.Submit(ctx, p.queue, "process-swap", swapPayload{SwapID: sw.ID}, jobs.Options{
		JobID:    "swap-" + sw.ID,
		Attempts: swapAttempts,
	}); err != nil {
		return nil, fmt.Errorf("submit swap job: %w", err)
	}
	if err := p.swaps.Transition(ctx, sw.ID, types.SwapPending, types.SwapQueued); err != nil {
		return nil, err
	}
	sw.Status = types.SwapQueued

	p.bus.Publish(events.SwapRequested, map[string]any{
		"swapId":        sw.ID,
		"userId":        sw.UserID,
		"sourceTokenId": sw.SourceTokenID,
		"targetTokenId": sw.TargetTokenID,
		"sourceAmount":  types.AmountString(sw.SourceAmount),
	})
	p.logger.Info("swap queued",
		"swap_id", sw.ID, "user_id", sw.UserID, "amount", types.AmountString(amt))
	return sw, nil
}

// HandleSwap consumes one process-swap job.
func (p *Processor) HandleSwap(ctx context.Context, job *jobs.Job) error {
	var pl swapPayload
	if err := job.Bind(&pl); err != nil {
		return jobs.Terminal(err)
	}
	sw, err := p.swaps.Get(ctx, pl.SwapID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeSwapNotFound {
			return jobs.Terminal(err)
		}
		return err
	}
	if sw.Status.Terminal() {
		p.logger.Info("swap already terminal", "swap_id", sw.ID, "status", string(sw.Status))
		return nil
	}

	if err := p.swaps.Transition(ctx, sw.ID, sw.Status, types.SwapProcessing); err != nil {
		return err
	}
	p.bus.Publish(events.SwapProcessing, map[string]any{"swapId": sw.ID})

	res, err := p.bridge.Swap(ctx, chain.SwapRequest{
		SwapID:      sw.ID,
		SourceToken: sw.SourceTokenID,
		TargetToken: sw.TargetTokenID,
		SourceChain: sw.SourceChain,
		TargetChain: sw.TargetChain,
		Amount:      sw.SourceAmount,
		Destination: sw.Destination,
	})
	if err != nil {
		return p.swapFailed(ctx, sw, job, err)
	}
	if err := p.swaps.SetBridgeResult(ctx, sw.ID, res.BridgeSwapID, res.TxHash); err != nil {
		return err
	}
	// On a same-chain swap the one bridge transaction is also the
	// destination leg. Cross-chain target transactions surface on the far
	// chain and are not tracked here.
	if sw.SourceChain == sw.TargetChain {
		if err := p.swaps.SetTargetTx(ctx, sw.ID, res.TxHash); err != nil {
			return err
		}
	}

	// The lock is consumed, not released: the source tokens left custody.
	if err := p.balances.Credit(ctx, sw.UserID, sw.SourceTokenID, big.NewInt(0), new(big.Int).Neg(sw.SourceAmount)); err != nil {
		return err
	}
	if err := p.balances.Credit(ctx, sw.UserID, sw.TargetTokenID, sw.ExpectedTarget, big.NewInt(0)); err != nil {
		return err
	}
	if err := p.swaps.Transition(ctx, sw.ID, types.SwapProcessing, types.SwapCompleted); err != nil {
		return err
	}

	p.bus.Publish(events.SwapCompleted, map[string]any{
		"swapId":       sw.ID,
		"bridgeSwapId": res.BridgeSwapID,
		"txHash":       res.TxHash,
	})
	p.logger.Info("swap completed", "swap_id", sw.ID, "tx_hash", res.TxHash)
	return nil
}

// swapFailed requeues a retryable failure or, on the final attempt, marks
// the swap FAILED and refunds the source lock.
func (p *Processor) swapFailed(ctx context.Context, sw *types.SwapRecord, job *jobs.Job, cause error) error {
	if !job.FinalAttempt() {
		if err := p.swaps.Transition(ctx, sw.ID, types.SwapProcessing, types.SwapQueued); err != nil {
			p.logger.Error("requeue transition failed", "swap_id", sw.ID, "error", err)
		}
		p.bus.Publish(events.SwapQueuedKind, map[string]any{
			"swapId":  sw.ID,
			"attempt": job.AttemptsMade,
		})
		p.logger.Warn("swap attempt failed, requeued",
			"swap_id", sw.ID, "attempt", job.AttemptsMade, "error", cause)
		return fmt.Errorf("bridge swap %s: %w", sw.ID, cause)
	}

	if err := p.swaps.SetFailure(ctx, sw.ID, cause.Error()); err != nil {
		p.logger.Error("recording swap failure", "swap_id", sw.ID, "error", err)
	}
	if err := p.swaps.Transition(ctx, sw.ID, types.SwapProcessing, types.SwapFailed); err != nil {
		p.logger.Error("failure transition", "swap_id", sw.ID, "error", err)
	}
	if err := p.balances.Unlock(ctx, sw.UserID, sw.SourceTokenID, sw.SourceAmount); err != nil {
		p.logger.Error("refunding source lock", "swap_id", sw.ID, "error", err)
	}
	p.bus.Publish(events.SwapFailed, map[string]any{
		"swapId": sw.ID,
		"reason": cause.Error(),
	})
	p.logger.Warn("swap failed terminally", "swap_id", sw.ID, "error", cause)
	return fmt.Errorf("bridge swap %s exhausted retries: %w", sw.ID, cause)
}

// Get returns one swap record.
func (p *Processor) Get(ctx context.Context, id string) (*types.SwapRecord, error) {
	return p.swaps.Get(ctx, id)
}

// ListByUser returns a user's recent swaps, newest first.
func (p *Processor) ListByUser(ctx context.Context, userID string, limit int) ([]*types.SwapRecord, error) {
	return p.swaps.ListByUser(ctx, userID, limit)
}
