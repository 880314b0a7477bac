// Package lifecycle drives the market state machine from issuer
// registration through approval, token deployment and live trading.
// External approval decisions arrive via ingress; all other transitions
// are admin actions. Every transition is authorized against the entity
// permissions service and appended to the market's approval audit trail.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"omen-backend/internal/apperr"
	"omen-backend/internal/chain"
	"omen-backend/internal/events"
	"omen-backend/internal/jobs"
	"omen-backend/internal/permissions"
	"omen-backend/pkg/types"
)

const (
	deployAttempts = 5
	deployBackoff  = 2 * time.Second

	// RWA tokens deploy with the venue-wide default precision.
	tokenDecimals = 18

	pairPricePrecision = 6
)

// MarketStore persists markets and their audit trail.
type MarketStore interface {
	Create(ctx context.Context, m *types.Market, asset *types.MarketAsset) error
	Get(ctx context.Context, id string) (*types.Market, error)
	Transition(ctx context.Context, marketID string, from, to types.MarketStatus, evt types.MarketApprovalEvent) error
	SetApproval(ctx context.Context, marketID, approvedBy string) error
	SetDeployment(ctx context.Context, marketID, contractAddr, txHash string) error
	MergeMetadata(ctx context.Context, marketID string, fields map[string]any) error
}

// TokenStore creates and resolves tokens during activation.
type TokenStore interface {
	Upsert(ctx context.Context, t *types.Token) (*types.Token, error)
	Stable(ctx context.Context) (*types.Token, error)
}

// PairStore creates trading pairs during activation.
type PairStore interface {
	Upsert(ctx context.Context, p *types.TradingPair) (*types.TradingPair, error)
}

// Authorizer asks the entity permissions service whether a principal may
// act on a market.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, entityID, action string, extra map[string]any) (*permissions.Decision, error)
}

// Deployer is the chain path that creates the market's token contract.
type Deployer interface {
	DeployToken(ctx context.Context, symbol, name string, supply *big.Int, decimals int) (*chain.DeployResult, error)
}

// Submitter enqueues deployment jobs.
type Submitter interface {
	Submit(ctx context.Context, queue, name string, payload any, opts jobs.Options) (string, error)
}

// Publisher fans lifecycle events out to in-process subscribers.
type Publisher interface {
	Publish(kind events.Kind, payload map[string]any)
}

// Actor identifies who requested a transition.
type Actor struct {
	ID    string
	Roles []string
}

// Engine is the market lifecycle state machine.
type Engine struct {
	markets  MarketStore
	tokens   TokenStore
	pairs    PairStore
	auth     Authorizer
	chain    Deployer
	jobs     Submitter
	bus      Publisher
	validate *validator.Validate
	logger   *slog.Logger
	queue    string
	chainTag string
}

// Deps wires the engine's collaborators.
type Deps struct {
	Markets    MarketStore
	Tokens     TokenStore
	Pairs      PairStore
	Authorizer Authorizer
	Chain      Deployer
	Jobs       Submitter
	Bus        Publisher
	Logger     *slog.Logger
	Queue      string // lifecycle job queue name
	ChainTag   string // blockchain tag stamped on deployed tokens
}

func New(d Deps) *Engine {
	return &Engine{
		markets:  d.Markets,
		tokens:   d.Tokens,
		pairs:    d.Pairs,
		auth:     d.Authorizer,
		chain:    d.Chain,
		jobs:     d.Jobs,
		bus:      d.Bus,
		validate: validator.New(),
		logger:   d.Logger.With("component", "lifecycle"),
		queue:    d.Queue,
		chainTag: d.ChainTag,
	}
}

// RegisterInput is an issuer's market registration request.
type RegisterInput struct {
	Name        string `json:"name" validate:"required,min=3,max=200"`
	OwnerID     string `json:"ownerId" validate:"required"`
	IssuerID    string `json:"issuerId"`
	Category    string `json:"category" validate:"required,oneof=real_estate corporate_stock government_bond commodity private_equity art_collectible carbon_credit other"`
	TokenSymbol string `json:"tokenSymbol" validate:"required,min=2,max=12,uppercase"`
	TokenName   string `json:"tokenName" validate:"required,min=2,max=100"`
	TotalSupply string `json:"totalSupply" validate:"required"`

	Valuation      string         `json:"valuation" validate:"required"`
	Currency       string         `json:"currency" validate:"required,len=3"`
	Description    string         `json:"description"`
	DocumentIDs    []string       `json:"documentIds"`
	RegulatoryInfo map[string]any `json:"regulatoryInfo"`
	Attributes     map[string]any `json:"attributes"`
	Metadata       map[string]any `json:"metadata"`
}

// Register creates a market in draft and immediately moves it to
// pending_approval, announcing it to the approval service's consumers.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*types.Market, *types.MarketAsset, error) {
	if err := e.validate.Struct(in); err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "invalid registration", err)
	}
	supply, err := types.ParseAmount(in.TotalSupply)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "invalid total supply", err)
	}
	valuation, err := types.ParseAmount(in.Valuation)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodeValidation, "invalid valuation", err)
	}

	market := &types.Market{
		ID:          uuid.NewString(),
		Name:        in.Name,
		OwnerID:     in.OwnerID,
		IssuerID:    in.IssuerID,
		Category:    types.AssetCategory(in.Category),
		Status:      types.MarketDraft,
		TokenSymbol: strings.ToUpper(in.TokenSymbol),
		TokenName:   in.TokenName,
		TotalSupply: supply,
		Metadata:    in.Metadata,
	}
	asset := &types.MarketAsset{
		ID:             uuid.NewString(),
		MarketID:       market.ID,
		Valuation:      valuation,
		Currency:       strings.ToUpper(in.Currency),
		Description:    in.Description,
		DocumentIDs:    in.DocumentIDs,
		RegulatoryInfo: in.RegulatoryInfo,
		Attributes:     in.Attributes,
	}

	if err := e.authorize(ctx, in.OwnerID, market.ID, "market.register", nil); err != nil {
		return nil, nil, err
	}
	if err := e.markets.Create(ctx, market, asset); err != nil {
		return nil, nil, err
	}
	if err := e.markets.Transition(ctx, market.ID, types.MarketDraft, types.MarketPendingApproval,
		e.event(market.ID, types.MarketDraft, types.MarketPendingApproval, in.OwnerID, "submitted", "")); err != nil {
		return nil, nil, err
	}
	market.Status = types.MarketPendingApproval

	e.bus.Publish(events.MarketRegistered, map[string]any{
		"marketId":    market.ID,
		"name":        market.Name,
		"tokenSymbol": market.TokenSymbol,
		"ownerId":     market.OwnerID,
	})
	e.logger.Info("market registered",
		"market_id", market.ID, "token_symbol", market.TokenSymbol, "owner_id", market.OwnerID)
	return market, asset, nil
}

// ProcessApprovalDecision applies an external approve or reject decision.
// Approval schedules the token deployment job and moves the market to
// activating; the deployment handler finishes the activation.
func (e *Engine) ProcessApprovalDecision(ctx context.Context, marketID string, approved bool, actor Actor, reason string) (*types.Market, error) {
	action := "market.approve"
	if !approved {
		action = "market.reject"
	}
	extra := map[string]any{}
	if len(actor.Roles) > 0 {
		extra["roles"] = actor.Roles
	}
	if err := e.authorize(ctx, actor.ID, marketID, action, extra); err != nil {
		return nil, err
	}

	if !approved {
		if err := e.markets.Transition(ctx, marketID, types.MarketPendingApproval, types.MarketRejected,
			e.event(marketID, types.MarketPendingApproval, types.MarketRejected, actor.ID, "rejected", reason)); err != nil {
			return nil, err
		}
		e.bus.Publish(events.MarketRejected, map[string]any{"marketId": marketID, "actorId": actor.ID, "reason": reason})
		e.logger.Info("market rejected", "market_id", marketID, "actor_id", actor.ID, "reason", reason)
		return e.markets.Get(ctx, marketID)
	}

	if err := e.markets.Transition(ctx, marketID, types.MarketPendingApproval, types.MarketApproved,
		e.event(marketID, types.MarketPendingApproval, types.MarketApproved, actor.ID, "approved", reason)); err != nil {
		return nil, err
	}
	if err := e.markets.SetApproval(ctx, marketID, actor.ID); err != nil {
		return nil, err
	}
	if err := e.beginActivation(ctx, marketID, "system"); err != nil {
		return nil, err
	}
	e.bus.Publish(events.MarketApproved, map[string]any{"marketId": marketID, "actorId": actor.ID})
	e.logger.Info("market approved", "market_id", marketID, "actor_id", actor.ID)
	return e.markets.Get(ctx, marketID)
}

// beginActivation moves approved → activating and schedules the deployment
// job. The job id is stable per market, so a decision replay cannot enqueue
// a second deployment while one is in flight.
func (e *Engine) beginActivation(ctx context.Context, marketID, actorID string) error {
	if err := e.markets.Transition(ctx, marketID, types.MarketApproved, types.MarketActivating,
		e.event(marketID, types.MarketApproved, types.MarketActivating, actorID, "activation_started", "")); err != nil {
		return err
	}
	_, err := e.jobs.Submit(ctx, e.queue, "deploy-token", map[string]string{"marketId": marketID}, jobs.Options{
		JobID:    "deploy-" + marketID,
		Attempts: deployAttempts,
		Backoff:  deployBackoff,
	})
	if err != nil {
		return fmt.Errorf("submit deployment job: %w", err)
	}
	return nil
}

// Activate is the admin action. A paused market resumes trading; an
// approved market (for example after exhausted deployment retries) gets a
// fresh deployment attempt.
func (e *Engine) Activate(ctx context.Context, marketID string, actor Actor) (*types.Market, error) {
	if err := e.authorize(ctx, actor.ID, marketID, "market.activate", nil); err != nil {
		return nil, err
	}
	m, err := e.markets.Get(ctx, marketID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case types.MarketPaused:
		if err := e.markets.Transition(ctx, marketID, types.MarketPaused, types.MarketActive,
			e.event(marketID, types.MarketPaused, types.MarketActive, actor.ID, "resumed", "")); err != nil {
			return nil, err
		}
		e.bus.Publish(events.MarketActivated, map[string]any{"marketId": marketID, "actorId": actor.ID})
	case types.MarketApproved:
		if err := e.beginActivation(ctx, marketID, actor.ID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Newf(apperr.CodeInvalidStatus,
			"market %s cannot activate from status %s", marketID, m.Status)
	}
	return e.markets.Get(ctx, marketID)
}

// Pause suspends trading on an active market.
func (e *Engine) Pause(ctx context.Context, marketID string, actor Actor) (*types.Market, error) {
	if err := e.authorize(ctx, actor.ID, marketID, "market.pause", nil); err != nil {
		return nil, err
	}
	if err := e.markets.Transition(ctx, marketID, types.MarketActive, types.MarketPaused,
		e.event(marketID, types.MarketActive, types.MarketPaused, actor.ID, "paused", "")); err != nil {
		return nil, err
	}
	e.bus.Publish(events.MarketPaused, map[string]any{"marketId": marketID, "actorId": actor.ID})
	return e.markets.Get(ctx, marketID)
}

// Archive retires an active market. Archived is terminal.
func (e *Engine) Archive(ctx context.Context, marketID string, actor Actor) (*types.Market, error) {
	if err := e.authorize(ctx, actor.ID, marketID, "market.archive", nil); err != nil {
		return nil, err
	}
	if err := e.markets.Transition(ctx, marketID, types.MarketActive, types.MarketArchived,
		e.event(marketID, types.MarketActive, types.MarketArchived, actor.ID, "archived", "")); err != nil {
		return nil, err
	}
	e.bus.Publish(events.MarketArchived, map[string]any{"marketId": marketID, "actorId": actor.ID})
	return e.markets.Get(ctx, marketID)
}

// HandleDeploy consumes one deploy-token job. Redelivery is safe: a market
// already past activating is left alone, and a market that fell back to
// approved after a failed attempt is picked up again.
func (e *Engine) HandleDeploy(ctx context.Context, job *jobs.Job) error {
	var p struct {
		MarketID string `json:"marketId"`
	}
	if err := job.Bind(&p); err != nil {
		return jobs.Terminal(err)
	}
	m, err := e.markets.Get(ctx, p.MarketID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeMarketNotFound {
			return jobs.Terminal(err)
		}
		return err
	}

	if m.Status == types.MarketApproved {
		// Previous attempt failed and rolled back; resume the activation.
		if err := e.markets.Transition(ctx, p.MarketID, types.MarketApproved, types.MarketActivating,
			e.event(p.MarketID, types.MarketApproved, types.MarketActivating, "system", "activation_retried", "")); err != nil {
			return err
		}
		m.Status = types.MarketActivating
	}
	if m.Status != types.MarketActivating {
		e.logger.Info("deployment skipped",
			"market_id", p.MarketID, "status", string(m.Status), "job_id", job.ID)
		return nil
	}

	res, err := e.chain.DeployToken(ctx, m.TokenSymbol, m.TokenName, m.TotalSupply, tokenDecimals)
	if err != nil {
		return e.deployFailed(ctx, m, job, err)
	}
	if err := e.markets.SetDeployment(ctx, p.MarketID, res.ContractAddress, res.TxHash); err != nil {
		return err
	}
	if err := e.markets.Transition(ctx, p.MarketID, types.MarketActivating, types.MarketActive,
		e.event(p.MarketID, types.MarketActivating, types.MarketActive, "system", "activated", "")); err != nil {
		return err
	}
	token, pair, err := e.createListings(ctx, m, res.ContractAddress)
	if err != nil {
		return err
	}

	e.bus.Publish(events.MarketActivated, map[string]any{
		"marketId":        p.MarketID,
		"contractAddress": res.ContractAddress,
		"tokenId":         token.ID,
		"tradingPairId":   pair.ID,
	})
	e.logger.Info("market activated",
		"market_id", p.MarketID, "contract", res.ContractAddress, "pair_id", pair.ID)
	return nil
}

// createListings idempotently creates the token and trading pair for an
// activated market. Both upserts key on symbol, so a crash between the
// status update and here is healed by the job redelivery.
func (e *Engine) createListings(ctx context.Context, m *types.Market, contractAddr string) (*types.Token, *types.TradingPair, error) {
	stable, err := e.tokens.Stable(ctx)
	if err != nil {
		return nil, nil, err
	}
	token, err := e.tokens.Upsert(ctx, &types.Token{
		ID:              uuid.NewString(),
		Symbol:          m.TokenSymbol,
		Name:            m.TokenName,
		Type:            types.TokenRWA,
		ContractAddress: contractAddr,
		Blockchain:      e.chainTag,
		Decimals:        tokenDecimals,
		TotalSupply:     m.TotalSupply,
		IsActive:        true,
	})
	if err != nil {
		return nil, nil, err
	}
	pair, err := e.pairs.Upsert(ctx, &types.TradingPair{
		ID:                uuid.NewString(),
		Symbol:            token.Symbol + "/" + stable.Symbol,
		BaseTokenID:       token.ID,
		QuoteTokenID:      stable.ID,
		MarketID:          m.ID,
		IsActive:          true,
		PricePrecision:    pairPricePrecision,
		QuantityPrecision: token.Decimals,
	})
	if err != nil {
		return nil, nil, err
	}
	return token, pair, nil
}

// deployFailed rolls the market back to approved and rethrows so the job
// fabric applies the backoff policy.
func (e *Engine) deployFailed(ctx context.Context, m *types.Market, job *jobs.Job, cause error) error {
	if err := e.markets.Transition(ctx, m.ID, types.MarketActivating, types.MarketApproved,
		e.event(m.ID, types.MarketActivating, types.MarketApproved, "system", "activation_failed", cause.Error())); err != nil {
		e.logger.Error("deployment rollback failed", "market_id", m.ID, "error", err)
	}
	if err := e.markets.MergeMetadata(ctx, m.ID, map[string]any{"activationError": cause.Error()}); err != nil {
		e.logger.Error("recording activation error failed", "market_id", m.ID, "error", err)
	}
	e.bus.Publish(events.MarketActivationFailed, map[string]any{
		"marketId": m.ID,
		"error":    cause.Error(),
		"attempt":  job.AttemptsMade,
	})
	e.logger.Warn("token deployment failed",
		"market_id", m.ID, "attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts, "error", cause)
	return fmt.Errorf("deploy token for market %s: %w", m.ID, cause)
}

func (e *Engine) authorize(ctx context.Context, principalID, marketID, action string, extra map[string]any) error {
	dec, err := e.auth.Authorize(ctx, principalID, marketID, action, extra)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", action, err)
	}
	if !dec.Allowed {
		return apperr.Newf(apperr.CodeForbidden,
			"%s denied for %s: %s", action, principalID, strings.Join(dec.Reasons, "; "))
	}
	return nil
}

func (e *Engine) event(marketID string, from, to types.MarketStatus, actorID, decision, reason string) types.MarketApprovalEvent {
	return types.MarketApprovalEvent{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Decision:   decision,
		Reason:     reason,
	}
}
