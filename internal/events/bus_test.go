package events

import (
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	defer bus.Close()

	trades := bus.Subscribe(TradeExecuted)
	all := bus.Subscribe()

	bus.Publish(TradeExecuted, map[string]any{"trade_id": "t1"})
	bus.Publish(SwapCompleted, map[string]any{"swap_id": "s1"})

	select {
	case evt := <-trades:
		if evt.Kind != TradeExecuted {
			t.Errorf("kind = %s, want trade.executed", evt.Kind)
		}
		if evt.Payload["trade_id"] != "t1" {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trade event")
	}

	// Filtered subscriber must not see the swap event.
	select {
	case evt := <-trades:
		t.Fatalf("unexpected event on filtered channel: %s", evt.Kind)
	default:
	}

	// Unfiltered subscriber sees both in order.
	first := <-all
	second := <-all
	if first.Kind != TradeExecuted || second.Kind != SwapCompleted {
		t.Errorf("got %s, %s", first.Kind, second.Kind)
	}
}

func TestBusPublishAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	ch := bus.Subscribe()
	bus.Close()

	bus.Publish(OrderCreated, nil)

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	defer bus.Close()
	ch := bus.Subscribe(OrderCreated)

	// One more than the buffer; the publisher must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			bus.Publish(OrderCreated, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if len(ch) == 0 {
		t.Error("no events buffered")
	}
}
