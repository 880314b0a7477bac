package repo

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"omen-backend/pkg/types"
)

// Read-through TTLs. Token metadata and pair parameters change only through
// admin paths that invalidate, so the TTL is a backstop, not the contract.
const (
	tokenCacheTTL = time.Hour
	pairCacheTTL  = time.Hour
)

func tokenCacheKey(id string) string { return "token:metadata:" + id }
func pairCacheKey(id string) string  { return "trading-pair:" + id }

// tokenRow is the cache envelope; big ints travel as decimal strings.
type tokenRow struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	ContractAddress string    `json:"contractAddress"`
	Blockchain      string    `json:"blockchain"`
	Decimals        int       `json:"decimals"`
	TotalSupply     string    `json:"totalSupply"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
}

func packToken(t *types.Token) tokenRow {
	return tokenRow{
		ID:              t.ID,
		Symbol:          t.Symbol,
		Name:            t.Name,
		Type:            string(t.Type),
		ContractAddress: t.ContractAddress,
		Blockchain:      t.Blockchain,
		Decimals:        t.Decimals,
		TotalSupply:     types.AmountString(t.TotalSupply),
		IsActive:        t.IsActive,
		CreatedAt:       t.CreatedAt,
	}
}

func (r tokenRow) unpack() *types.Token {
	supply, _ := new(big.Int).SetString(r.TotalSupply, 10)
	return &types.Token{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Name:            r.Name,
		Type:            types.TokenType(r.Type),
		ContractAddress: r.ContractAddress,
		Blockchain:      r.Blockchain,
		Decimals:        r.Decimals,
		TotalSupply:     supply,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt,
	}
}

// CachedTokens fronts Tokens with a Redis read-through on Get. Writes go to
// Postgres first and then drop the cache entry.
type CachedTokens struct {
	*Tokens
	rdb    *redis.Client
	logger *slog.Logger
}

func NewCachedTokens(inner *Tokens, rdb *redis.Client, logger *slog.Logger) *CachedTokens {
	return &CachedTokens{Tokens: inner, rdb: rdb, logger: logger.With("component", "token-cache")}
}

func (c *CachedTokens) Get(ctx context.Context, id string) (*types.Token, error) {
	if raw, err := c.rdb.Get(ctx, tokenCacheKey(id)).Bytes(); err == nil {
		var row tokenRow
		if err := json.Unmarshal(raw, &row); err == nil {
			return row.unpack(), nil
		}
	}
	t, err := c.Tokens.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, tokenCacheKey(id), packToken(t), tokenCacheTTL)
	return t, nil
}

func (c *CachedTokens) Upsert(ctx context.Context, t *types.Token) (*types.Token, error) {
	stored, err := c.Tokens.Upsert(ctx, t)
	if err != nil {
		return nil, err
	}
	c.drop(ctx, tokenCacheKey(stored.ID))
	return stored, nil
}

func (c *CachedTokens) SetSupply(ctx context.Context, id string, supply string) error {
	if err := c.Tokens.SetSupply(ctx, id, supply); err != nil {
		return err
	}
	c.drop(ctx, tokenCacheKey(id))
	return nil
}

func (c *CachedTokens) store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Debug("cache store failed", "key", key, "error", err)
	}
}

func (c *CachedTokens) drop(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "key", key, "error", err)
	}
}

type pairRow struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	BaseTokenID       string    `json:"baseTokenId"`
	QuoteTokenID      string    `json:"quoteTokenId"`
	MarketID          string    `json:"marketId"`
	IsActive          bool      `json:"isActive"`
	MinOrderSize      string    `json:"minOrderSize"`
	MaxOrderSize      string    `json:"maxOrderSize"`
	PricePrecision    int       `json:"pricePrecision"`
	QuantityPrecision int       `json:"quantityPrecision"`
	CreatedAt         time.Time `json:"createdAt"`
}

func packPair(p *types.TradingPair) pairRow {
	return pairRow{
		ID:                p.ID,
		Symbol:            p.Symbol,
		BaseTokenID:       p.BaseTokenID,
		QuoteTokenID:      p.QuoteTokenID,
		MarketID:          p.MarketID,
		IsActive:          p.IsActive,
		MinOrderSize:      types.AmountString(p.MinOrderSize),
		MaxOrderSize:      types.AmountString(p.MaxOrderSize),
		PricePrecision:    p.PricePrecision,
		QuantityPrecision: p.QuantityPrecision,
		CreatedAt:         p.CreatedAt,
	}
}

func (r pairRow) unpack() *types.TradingPair {
	minSize, _ := new(big.Int).SetString(r.MinOrderSize, 10)
	maxSize, _ := new(big.Int).SetString(r.MaxOrderSize, 10)
	return &types.TradingPair{
		ID:                r.ID,
		Symbol:            r.Symbol,
		BaseTokenID:       r.BaseTokenID,
		QuoteTokenID:      r.QuoteTokenID,
		MarketID:          r.MarketID,
		IsActive:          r.IsActive,
		MinOrderSize:      minSize,
		MaxOrderSize:      maxSize,
		PricePrecision:    r.PricePrecision,
		QuantityPrecision: r.QuantityPrecision,
		CreatedAt:         r.CreatedAt,
	}
}

// CachedPairs fronts Pairs the same way CachedTokens fronts Tokens.
type CachedPairs struct {
	*Pairs
	rdb    *redis.Client
	logger *slog.Logger
}

func NewCachedPairs(inner *Pairs, rdb *redis.Client, logger *slog.Logger) *CachedPairs {
	return &CachedPairs{Pairs: inner, rdb: rdb, logger: logger.With("component", "pair-cache")}
}

func (c *CachedPairs) Get(ctx context.Context, id string) (*types.TradingPair, error) {
	if raw, err := c.rdb.Get(ctx, pairCacheKey(id)).Bytes(); err == nil {
		var row pairRow
		if err := json.Unmarshal(raw, &row); err == nil {
			return row.unpack(), nil
		}
	}
	p, err := c.Pairs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(packPair(p))
	if err == nil {
		if err := c.rdb.Set(ctx, pairCacheKey(id), raw, pairCacheTTL).Err(); err != nil {
			c.logger.Debug("cache store failed", "pair", id, "error", err)
		}
	}
	return p, nil
}

func (c *CachedPairs) Upsert(ctx context.Context, p *types.TradingPair) (*types.TradingPair, error) {
	stored, err := c.Pairs.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Del(ctx, pairCacheKey(stored.ID)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "pair", stored.ID, "error", err)
	}
	return stored, nil
}
