// Package events provides the in-process typed event bus and the
// processed-event ledger.
//
// The bus replaces an untyped runtime emitter with a fixed enum of event
// kinds, so handler coverage is checkable at compile time. Subscribers get
// their own buffered channel; a subscriber that cannot keep up drops
// events rather than blocking publishers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates every event the backend publishes.
type Kind string

const (
	MarketRegistered       Kind = "market.registered"
	MarketApproved         Kind = "market.approved"
	MarketRejected         Kind = "market.rejected"
	MarketActivated        Kind = "market.activated"
	MarketActivationFailed Kind = "market.activation_failed"
	MarketPaused           Kind = "market.paused"
	MarketArchived         Kind = "market.archived"

	OrderCreated   Kind = "order.created"
	OrderOpened    Kind = "order.opened"
	OrderFilled    Kind = "order.filled"
	OrderPartial   Kind = "order.partial"
	OrderCancelled Kind = "order.cancelled"

	TradeExecuted          Kind = "trade.executed"
	TradeSettlementPending Kind = "trade.settlement_pending"
	TradeSettled           Kind = "trade.settled"
	TradeSettlementFailed  Kind = "trade.settlement_failed"

	SwapRequested  Kind = "swap.requested"
	SwapQueuedKind Kind = "swap.queued"
	SwapProcessing Kind = "swap.processing"
	SwapCompleted  Kind = "swap.completed"
	SwapFailed     Kind = "swap.failed"

	ReconciliationCompleted Kind = "reconciliation.completed"
)

// Event is one published event.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subscriber is one registered consumer.
type subscriber struct {
	kinds map[Kind]bool // nil means all kinds
	ch    chan Event
}

// Bus is the in-process publish/subscribe fabric.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "event-bus")}
}

// Subscribe returns a channel receiving the given kinds (all kinds when
// none are named). The channel is closed by Bus.Close.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	sub := &subscriber{ch: make(chan Event, 256)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers the event to every matching subscriber. Slow
// subscribers lose the event.
func (b *Bus) Publish(kind Kind, payload map[string]any) {
	evt := Event{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber lagging, event dropped", "kind", kind)
		}
	}
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
