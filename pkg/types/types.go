// Package types defines the domain model shared by every component of the
// Omen RWA trading backend: markets, tokens, trading pairs, orders, trades,
// balances, swaps and the processed-event ledger rows. It has no dependencies
// on internal packages, so it can be imported by any layer.
//
// All monetary amounts are arbitrary-precision integers in the token's
// smallest unit (up to 2^256). They are parsed from decimal strings at the
// boundary via ParseAmount and are never converted to floating point.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// MarketStatus is the lifecycle state of an RWA market.
type MarketStatus string

const (
	MarketDraft           MarketStatus = "draft"
	MarketPendingApproval MarketStatus = "pending_approval"
	MarketApproved        MarketStatus = "approved"
	MarketRejected        MarketStatus = "rejected"
	MarketActivating      MarketStatus = "activating"
	MarketActive          MarketStatus = "active"
	MarketPaused          MarketStatus = "paused"
	MarketArchived        MarketStatus = "archived"
)

// AssetCategory classifies the real-world asset backing a market.
type AssetCategory string

const (
	AssetRealEstate     AssetCategory = "real_estate"
	AssetCorporateStock AssetCategory = "corporate_stock"
	AssetGovernmentBond AssetCategory = "government_bond"
	AssetCommodity      AssetCategory = "commodity"
	AssetPrivateEquity  AssetCategory = "private_equity"
	AssetArtCollectible AssetCategory = "art_collectible"
	AssetCarbonCredit   AssetCategory = "carbon_credit"
	AssetOther          AssetCategory = "other"
)

// ValidCategory reports whether c is one of the known asset categories.
func ValidCategory(c AssetCategory) bool {
	switch c {
	case AssetRealEstate, AssetCorporateStock, AssetGovernmentBond,
		AssetCommodity, AssetPrivateEquity, AssetArtCollectible,
		AssetCarbonCredit, AssetOther:
		return true
	}
	return false
}

// TokenType distinguishes tokenized assets from crypto and the stable quote.
type TokenType string

const (
	TokenRWA    TokenType = "RWA"
	TokenCrypto TokenType = "CRYPTO"
	TokenStable TokenType = "STABLE"
)

// Side is the order side.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderKind is the order type.
type OrderKind string

const (
	Limit       OrderKind = "LIMIT"
	MarketOrder OrderKind = "MARKET"
	StopLimit   OrderKind = "STOP_LIMIT"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderPendingMatch OrderStatus = "PENDING_MATCH"
	OrderOpen         OrderStatus = "OPEN"
	OrderPartial      OrderStatus = "PARTIAL"
	OrderFilled       OrderStatus = "FILLED"
	OrderCancelled    OrderStatus = "CANCELLED"
	OrderRejected     OrderStatus = "REJECTED"
)

// Matchable reports whether an order in this status may still cross.
func (s OrderStatus) Matchable() bool {
	return s == OrderPendingMatch || s == OrderOpen || s == OrderPartial
}

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// SettlementStatus tracks on-chain settlement of a trade.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "PENDING"
	SettlementSettled SettlementStatus = "SETTLED"
	SettlementFailed  SettlementStatus = "FAILED"
)

// SwapStatus is the cross-chain swap lifecycle state.
type SwapStatus string

const (
	SwapPending    SwapStatus = "PENDING"
	SwapQueued     SwapStatus = "QUEUED"
	SwapProcessing SwapStatus = "PROCESSING"
	SwapCompleted  SwapStatus = "COMPLETED"
	SwapFailed     SwapStatus = "FAILED"
	SwapCancelled  SwapStatus = "CANCELLED"
)

// Terminal reports whether the swap can no longer change state.
func (s SwapStatus) Terminal() bool {
	return s == SwapCompleted || s == SwapFailed || s == SwapCancelled
}

// EventStatus is the processing outcome recorded for an external event.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
	EventSkipped EventStatus = "skipped"
)

// KYCStatus is the compliance verification state of a user.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCApproved KYCStatus = "APPROVED"
	KYCRejected KYCStatus = "REJECTED"
)

// maxAmount is 2^256, the exclusive upper bound for any amount.
var maxAmount = new(big.Int).Lsh(big.NewInt(1), 256)

// ParseAmount validates a decimal string into a non-negative big integer
// bounded by 2^256. Amounts cross repository and API boundaries as strings;
// this is the single place they become integers.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	if v.Cmp(maxAmount) >= 0 {
		return nil, fmt.Errorf("amount %q exceeds 2^256", s)
	}
	return v, nil
}

// ParseDelta is ParseAmount without the non-negativity requirement, for
// signed balance deltas.
func ParseDelta(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("delta is empty")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("delta %q is not a base-10 integer", s)
	}
	if new(big.Int).Abs(v).Cmp(maxAmount) >= 0 {
		return nil, fmt.Errorf("delta %q exceeds 2^256", s)
	}
	return v, nil
}

// AmountString renders an amount for storage or JSON. A nil amount reads
// as "0".
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Market is a tokenized real-world-asset market.
type Market struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	OwnerID          string         `json:"ownerId"`
	IssuerID         string         `json:"issuerId,omitempty"`
	Category         AssetCategory  `json:"category"`
	Status           MarketStatus   `json:"status"`
	TokenSymbol      string         `json:"tokenSymbol"`
	TokenName        string         `json:"tokenName"`
	TotalSupply      *big.Int       `json:"-"`
	ContractAddress  string         `json:"contractAddress,omitempty"`
	DeploymentTxHash string         `json:"deploymentTxHash,omitempty"`
	ApprovedBy       string         `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time     `json:"approvedAt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// MarshalJSON renders TotalSupply as a decimal string.
func (m Market) MarshalJSON() ([]byte, error) {
	type alias Market
	return json.Marshal(struct {
		alias
		TotalSupply string `json:"totalSupply"`
	}{alias(m), AmountString(m.TotalSupply)})
}

// MarketAsset holds valuation and compliance detail for a market, one row
// per market.
type MarketAsset struct {
	ID             string         `json:"id"`
	MarketID       string         `json:"marketId"`
	Valuation      *big.Int       `json:"-"`
	Currency       string         `json:"currency"`
	Description    string         `json:"description,omitempty"`
	DocumentIDs    []string       `json:"documentIds,omitempty"`
	RegulatoryInfo map[string]any `json:"regulatoryInfo,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// MarshalJSON renders Valuation as a decimal string.
func (a MarketAsset) MarshalJSON() ([]byte, error) {
	type alias MarketAsset
	return json.Marshal(struct {
		alias
		Valuation string `json:"valuation"`
	}{alias(a), AmountString(a.Valuation)})
}

// Token is a tradeable asset. Exactly one active STABLE token is the quote
// for all RWA pairs.
type Token struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	Type            TokenType `json:"type"`
	ContractAddress string    `json:"contractAddress,omitempty"`
	Blockchain      string    `json:"blockchain"`
	Decimals        int       `json:"decimals"`
	TotalSupply     *big.Int  `json:"-"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TradingPair links a base and quote token with trading parameters.
// Precisions are integer exponents applied to prices and quantities.
type TradingPair struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	BaseTokenID       string    `json:"baseTokenId"`
	QuoteTokenID      string    `json:"quoteTokenId"`
	MarketID          string    `json:"marketId,omitempty"`
	IsActive          bool      `json:"isActive"`
	MinOrderSize      *big.Int  `json:"-"`
	MaxOrderSize      *big.Int  `json:"-"`
	PricePrecision    int       `json:"pricePrecision"`
	QuantityPrecision int       `json:"quantityPrecision"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Order is a signed user order. Side, kind and quantity are immutable after
// creation; only the matching engine mutates filled quantity and status.
type Order struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	UserID         string         `json:"userId"`
	UserAddress    string         `json:"userAddress"`
	PairID         string         `json:"tradingPairId"`
	Side           Side           `json:"side"`
	Kind           OrderKind      `json:"orderKind"`
	Status         OrderStatus    `json:"status"`
	Price          *big.Int       `json:"-"` // nil iff Kind == Market
	Quantity       *big.Int       `json:"-"`
	FilledQuantity *big.Int       `json:"-"`
	AvgFillPrice   *big.Int       `json:"-"`
	TimeInForce    TimeInForce    `json:"timeInForce"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Unfilled returns quantity - filled.
func (o *Order) Unfilled() *big.Int {
	filled := o.FilledQuantity
	if filled == nil {
		filled = new(big.Int)
	}
	return new(big.Int).Sub(o.Quantity, filled)
}

// MarshalJSON renders the big-int fields as decimal strings. Price is null
// for market orders.
func (o Order) MarshalJSON() ([]byte, error) {
	type alias Order
	out := struct {
		alias
		Price          *string `json:"price"`
		Quantity       string  `json:"quantity"`
		FilledQuantity string  `json:"filledQuantity"`
		AvgFillPrice   string  `json:"averageFillPrice"`
	}{
		alias:          alias(o),
		Quantity:       AmountString(o.Quantity),
		FilledQuantity: AmountString(o.FilledQuantity),
		AvgFillPrice:   AmountString(o.AvgFillPrice),
	}
	if o.Price != nil {
		p := o.Price.String()
		out.Price = &p
	}
	return json.Marshal(out)
}

// Trade is an executed cross between two orders. Immutable after creation
// except for the settlement fields.
type Trade struct {
	ID          string           `json:"id"`
	Seq         int64            `json:"seq"`
	PairID      string           `json:"tradingPairId"`
	BuyOrderID  string           `json:"buyOrderId"`
	SellOrderID string           `json:"sellOrderId"`
	BuyerID     string           `json:"buyerId"`
	SellerID    string           `json:"sellerId"`
	Price       *big.Int         `json:"-"`
	Quantity    *big.Int         `json:"-"`
	BuyerFee    *big.Int         `json:"-"`
	SellerFee   *big.Int         `json:"-"`
	Settlement  SettlementStatus `json:"settlementStatus"`
	TxHash      string           `json:"txHash,omitempty"`
	ExecutedAt  time.Time        `json:"executedAt"`
	SettledAt   *time.Time       `json:"settledAt,omitempty"`
}

// MarshalJSON renders the big-int fields as decimal strings.
func (t Trade) MarshalJSON() ([]byte, error) {
	type alias Trade
	return json.Marshal(struct {
		alias
		Price     string `json:"price"`
		Quantity  string `json:"quantity"`
		BuyerFee  string `json:"buyerFee"`
		SellerFee string `json:"sellerFee"`
	}{alias(t), AmountString(t.Price), AmountString(t.Quantity),
		AmountString(t.BuyerFee), AmountString(t.SellerFee)})
}

// UserBalance is the available/locked balance for one (user, token) pair.
type UserBalance struct {
	UserID    string    `json:"userId"`
	TokenID   string    `json:"tokenId"`
	Available *big.Int  `json:"-"`
	Locked    *big.Int  `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarshalJSON renders balances as decimal strings.
func (b UserBalance) MarshalJSON() ([]byte, error) {
	type alias UserBalance
	return json.Marshal(struct {
		alias
		Available string `json:"available"`
		Locked    string `json:"locked"`
	}{alias(b), AmountString(b.Available), AmountString(b.Locked)})
}

// ComplianceRecord gates RWA-token operations per user.
type ComplianceRecord struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	TokenID             string     `json:"tokenId,omitempty"`
	KYCStatus           KYCStatus  `json:"kycStatus"`
	KYCLevel            int        `json:"kycLevel"`
	AccreditationStatus string     `json:"accreditationStatus,omitempty"`
	Whitelisted         bool       `json:"whitelisted"`
	Jurisdiction        string     `json:"jurisdiction,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
}

// Eligible reports whether the record authorizes an RWA-scoped operation
// at the given instant.
func (c *ComplianceRecord) Eligible(now time.Time) bool {
	if c.KYCStatus != KYCApproved || !c.Whitelisted {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

// ProcessedEvent is one row of the processed-event ledger.
type ProcessedEvent struct {
	EventID     string         `json:"eventId"`
	EventType   string         `json:"eventType"`
	Source      string         `json:"source"`
	Payload     map[string]any `json:"payload,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Status      EventStatus    `json:"processingStatus"`
	Error       string         `json:"processingError,omitempty"`
	ProcessedAt time.Time      `json:"processedAt"`
}

// SwapRecord tracks one cross-chain swap through its state machine.
type SwapRecord struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	SourceTokenID  string     `json:"sourceTokenId"`
	TargetTokenID  string     `json:"targetTokenId"`
	SourceChain    string     `json:"sourceChain"`
	TargetChain    string     `json:"targetChain"`
	SourceAmount   *big.Int   `json:"-"`
	ExpectedTarget *big.Int   `json:"-"`
	Destination    string     `json:"destinationAddress"`
	BridgeContract string     `json:"bridgeContract,omitempty"`
	Status         SwapStatus `json:"status"`
	BridgeSwapID   string     `json:"bridgeSwapId,omitempty"`
	SourceTxHash   string     `json:"sourceTxHash,omitempty"`
	TargetTxHash   string     `json:"targetTxHash,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// MarshalJSON renders the big-int fields as decimal strings.
func (s SwapRecord) MarshalJSON() ([]byte, error) {
	type alias SwapRecord
	return json.Marshal(struct {
		alias
		SourceAmount   string `json:"sourceAmount"`
		ExpectedTarget string `json:"expectedTargetAmount"`
	}{alias(s), AmountString(s.SourceAmount), AmountString(s.ExpectedTarget)})
}

// MarketApprovalEvent is one append-only audit row of a lifecycle transition.
type MarketApprovalEvent struct {
	ID         string       `json:"id"`
	MarketID   string       `json:"marketId"`
	FromStatus MarketStatus `json:"fromStatus"`
	ToStatus   MarketStatus `json:"toStatus"`
	ActorID    string       `json:"actorId"`
	Decision   string       `json:"decision,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}
