// Package api is the HTTP and WebSocket edge. Handlers translate between
// the wire and the domain services; all policy lives behind them.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/config"
	"omen-backend/internal/events"
	"omen-backend/internal/ingress"
	"omen-backend/internal/lifecycle"
	"omen-backend/internal/matching"
	"omen-backend/internal/notify"
	"omen-backend/internal/orderbook"
	"omen-backend/internal/repo"
	"omen-backend/internal/stats"
	"omen-backend/internal/swap"
	"omen-backend/pkg/types"
)

// MarketService drives the lifecycle state machine.
type MarketService interface {
	Register(ctx context.Context, in lifecycle.RegisterInput) (*types.Market, *types.MarketAsset, error)
	ProcessApprovalDecision(ctx context.Context, marketID string, approved bool, actor lifecycle.Actor, reason string) (*types.Market, error)
	Activate(ctx context.Context, marketID string, actor lifecycle.Actor) (*types.Market, error)
	Pause(ctx context.Context, marketID string, actor lifecycle.Actor) (*types.Market, error)
	Archive(ctx context.Context, marketID string, actor lifecycle.Actor) (*types.Market, error)
}

// MarketReader serves market queries.
type MarketReader interface {
	Get(ctx context.Context, id string) (*types.Market, error)
	GetAsset(ctx context.Context, marketID string) (*types.MarketAsset, error)
	List(ctx context.Context, f repo.ListFilter) ([]*types.Market, int, error)
	ApprovalEvents(ctx context.Context, marketID string) ([]types.MarketApprovalEvent, error)
}

// OrderService submits and cancels orders.
type OrderService interface {
	SubmitOrder(ctx context.Context, in matching.OrderInput) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID, userID string) (*types.Order, error)
}

// OrderReader serves order queries.
type OrderReader interface {
	Get(ctx context.Context, id string) (*types.Order, error)
	ListByUser(ctx context.Context, userID string, status types.OrderStatus, limit int) ([]*types.Order, error)
}

// TradeReader serves trade queries.
type TradeReader interface {
	ListByPair(ctx context.Context, pairID string, limit int) ([]*types.Trade, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.Trade, error)
}

// PairReader serves trading pair queries.
type PairReader interface {
	Get(ctx context.Context, id string) (*types.TradingPair, error)
	ListActive(ctx context.Context) ([]*types.TradingPair, error)
}

// SwapService quotes, requests and reads swaps.
type SwapService interface {
	QuoteSwap(ctx context.Context, sourceTokenID, targetTokenID, amount string) (*swap.Quote, error)
	RequestSwap(ctx context.Context, in swap.RequestInput) (*types.SwapRecord, error)
	Get(ctx context.Context, id string) (*types.SwapRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.SwapRecord, error)
}

// BalanceReader serves balance queries.
type BalanceReader interface {
	Get(ctx context.Context, userID, tokenID string) (available, locked *big.Int, err error)
}

// NotificationReader serves per-user notification feeds.
type NotificationReader interface {
	Recent(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
}

// StatsReader serves 24h pair statistics.
type StatsReader interface {
	Stats(ctx context.Context, pairID string) (*stats.PairStats, error)
}

// DepthReader serves aggregated order book depth.
type DepthReader interface {
	Snapshot(ctx context.Context, pairID string) (*orderbook.Depth, error)
}

// Deps wires the server's collaborators.
type Deps struct {
	Markets     MarketService
	MarketReads MarketReader
	Orders      OrderService
	OrderReads  OrderReader
	Trades      TradeReader
	Pairs       PairReader
	Swaps       SwapService
	Balances    BalanceReader
	Stats       StatsReader
	Depth       DepthReader
	Notify      NotificationReader
	Ingress     *ingress.Processor
	Bus         *events.Bus
	DB          *sql.DB
	Redis       *redis.Client
	Logger      *slog.Logger
}

// Server is the HTTP edge.
type Server struct {
	cfg    *config.Config
	deps   Deps
	hub    *Hub
	server *http.Server
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger.With("component", "api")
	auth, err := newAdminAuth(cfg.Admin.APIKey, cfg.Admin.JWTPublicKey, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	if cfg.EnableWebsockets {
		s.hub = NewHub(deps.Bus, deps.Logger)
	}

	mux := http.NewServeMux()
	s.routes(mux, auth)

	limiter := newRateLimiter(deps.Redis, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, logger)
	var handler http.Handler = mux
	handler = limiter.middleware(handler)
	handler = withLogging(logger, handler)
	handler = withRequestID(handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux, auth *adminAuth) {
	admin := auth.middleware

	// Markets.
	mux.HandleFunc("POST /api/v1/markets/register", s.handleRegisterMarket)
	mux.Handle("POST /api/v1/markets/{id}/approve", admin(http.HandlerFunc(s.handleApproveMarket)))
	mux.Handle("POST /api/v1/markets/{id}/reject", admin(http.HandlerFunc(s.handleRejectMarket)))
	mux.Handle("POST /api/v1/markets/{id}/activate", admin(http.HandlerFunc(s.handleActivateMarket)))
	mux.Handle("POST /api/v1/markets/{id}/pause", admin(http.HandlerFunc(s.handlePauseMarket)))
	mux.Handle("POST /api/v1/markets/{id}/archive", admin(http.HandlerFunc(s.handleArchiveMarket)))
	mux.Handle("GET /api/v1/markets/{id}/events", admin(http.HandlerFunc(s.handleMarketEvents)))
	mux.HandleFunc("GET /api/v1/markets/{id}", s.handleGetMarket)
	mux.HandleFunc("GET /api/v1/markets", s.handleListMarkets)

	// Trading.
	mux.HandleFunc("POST /api/v1/trading/orders", s.handleSubmitOrder)
	mux.HandleFunc("DELETE /api/v1/trading/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/v1/trading/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/v1/trading/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/v1/trading/pairs", s.handleListPairs)
	mux.HandleFunc("GET /api/v1/trading/pairs/{id}/orderbook", s.handleOrderbook)
	mux.HandleFunc("GET /api/v1/trading/pairs/{id}/stats", s.handlePairStats)
	mux.HandleFunc("GET /api/v1/trading/pairs/{id}/trades", s.handlePairTrades)

	// Swaps.
	mux.HandleFunc("POST /api/v1/swaps/quote", s.handleSwapQuote)
	mux.HandleFunc("POST /api/v1/swaps", s.handleRequestSwap)
	mux.HandleFunc("GET /api/v1/swaps/{id}", s.handleGetSwap)
	mux.HandleFunc("GET /api/v1/swaps", s.handleListSwaps)

	// Balances and notifications.
	mux.HandleFunc("GET /api/v1/balances/{userId}/{tokenId}", s.handleGetBalance)
	mux.HandleFunc("GET /api/v1/notifications/{userId}", s.handleNotifications)

	// Ingress.
	mux.HandleFunc("POST /api/v1/webhooks/entity-permissions", s.handleWebhook)

	// Operational.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.handleWS)
	}
}

// Start serves until the listener fails or Stop is called. The WebSocket
// hub runs until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("api server stopping")
	return s.server.Shutdown(ctx)
}
