package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"omen-backend/internal/apperr"
	"omen-backend/internal/lifecycle"
	"omen-backend/internal/permissions"
	"omen-backend/pkg/types"
)

type memLedger struct {
	mu   sync.Mutex
	rows map[string]types.ProcessedEvent
}

func newMemLedger() *memLedger {
	return &memLedger{rows: map[string]types.ProcessedEvent{}}
}

func (m *memLedger) IsProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	return ok && row.Status != types.EventFailed, nil
}

func (m *memLedger) Record(_ context.Context, evt types.ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[evt.EventID] = evt
	return nil
}

type decision struct {
	marketID string
	approved bool
	actor    lifecycle.Actor
	reason   string
}

type fakeLifecycle struct {
	mu    sync.Mutex
	calls []decision
	err   error
}

func (f *fakeLifecycle) ProcessApprovalDecision(_ context.Context, marketID string, approved bool, actor lifecycle.Actor, reason string) (*types.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, decision{marketID: marketID, approved: approved, actor: actor, reason: reason})
	return &types.Market{ID: marketID}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approvalEvent(eventID, marketID string) permissions.ExternalEvent {
	return permissions.ExternalEvent{
		EventID:   eventID,
		EventType: "market.approved",
		Source:    "entity_permissions_core",
		Payload:   map[string]any{"market_id": marketID},
		Context:   map[string]any{"actor_id": "admin-1"},
	}
}

func TestProcessAppliesDecisionOnce(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	lc := &fakeLifecycle{}
	p := NewProcessor(ledger, lc, discard())
	ctx := context.Background()

	res, err := p.Process(ctx, approvalEvent("e1", "mkt-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != "processed" {
		t.Fatalf("status = %s, want processed", res.Status)
	}
	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v, want 1", lc.calls)
	}
	call := lc.calls[0]
	if call.marketID != "mkt-1" || !call.approved || call.actor.ID != "admin-1" {
		t.Fatalf("call = %+v", call)
	}

	// Second delivery of the same event id is a no-op.
	res, err = p.Process(ctx, approvalEvent("e1", "mkt-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Status != "already_processed" {
		t.Fatalf("status = %s, want already_processed", res.Status)
	}
	if len(lc.calls) != 1 {
		t.Fatalf("decision applied twice: %+v", lc.calls)
	}
}

func TestProcessRejectionCarriesReason(t *testing.T) {
	t.Parallel()
	lc := &fakeLifecycle{}
	p := NewProcessor(newMemLedger(), lc, discard())

	evt := permissions.ExternalEvent{
		EventID:   "e2",
		EventType: "market.rejected",
		Payload:   map[string]any{"market_id": "mkt-1", "reason": "incomplete filings"},
	}
	if _, err := p.Process(context.Background(), evt); err != nil {
		t.Fatalf("process: %v", err)
	}
	call := lc.calls[0]
	if call.approved || call.reason != "incomplete filings" {
		t.Fatalf("call = %+v", call)
	}
	// No actor in context falls back to the synthesized system admin.
	if call.actor.ID != "system" || len(call.actor.Roles) != 1 || call.actor.Roles[0] != "admin" {
		t.Fatalf("actor = %+v", call.actor)
	}
}

func TestProcessSkipsUnknownType(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	lc := &fakeLifecycle{}
	p := NewProcessor(ledger, lc, discard())

	res, err := p.Process(context.Background(), permissions.ExternalEvent{
		EventID:   "e3",
		EventType: "entity.updated",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != "skipped" {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	if len(lc.calls) != 0 {
		t.Fatalf("unexpected dispatch: %+v", lc.calls)
	}
	if ledger.rows["e3"].Status != types.EventSkipped {
		t.Fatalf("ledger row = %+v", ledger.rows["e3"])
	}
}

func TestProcessRecordsFailureAndPropagates(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	lc := &fakeLifecycle{err: errors.New("market is not in status pending_approval")}
	p := NewProcessor(ledger, lc, discard())

	_, err := p.Process(context.Background(), approvalEvent("e4", "mkt-1"))
	if err == nil {
		t.Fatal("want dispatch error")
	}
	row := ledger.rows["e4"]
	if row.Status != types.EventFailed || row.Error == "" {
		t.Fatalf("ledger row = %+v", row)
	}

	// A failed row does not dedupe the sender's retry: once the transient
	// cause clears, the same event id runs the handler and succeeds.
	lc.err = nil
	res, err := p.Process(context.Background(), approvalEvent("e4", "mkt-1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Status != "processed" {
		t.Fatalf("status = %s, want processed", res.Status)
	}
	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v, want the retried decision applied once", lc.calls)
	}
	if ledger.rows["e4"].Status != types.EventSuccess {
		t.Fatalf("ledger row = %+v, want success after retry", ledger.rows["e4"])
	}

	// A further delivery after success is deduped.
	res, err = p.Process(context.Background(), approvalEvent("e4", "mkt-1"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Status != "already_processed" || len(lc.calls) != 1 {
		t.Fatalf("status = %s calls = %d", res.Status, len(lc.calls))
	}
}

func TestProcessValidatesRequiredFields(t *testing.T) {
	t.Parallel()
	p := NewProcessor(newMemLedger(), &fakeLifecycle{}, discard())

	_, err := p.Process(context.Background(), permissions.ExternalEvent{EventType: "market.approved"})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("err = %v, want validation", err)
	}

	_, err = p.Process(context.Background(), permissions.ExternalEvent{
		EventID:   "e5",
		EventType: "market.approved",
	})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("missing market_id err = %v, want validation", err)
	}
}

func TestParseWebhookDirectAndEnveloped(t *testing.T) {
	t.Parallel()

	direct := []byte(`{"event_id":"e1","event_type":"market.approved","payload":{"market_id":"mkt-1"}}`)
	evt, err := ParseWebhook(direct)
	if err != nil {
		t.Fatalf("direct: %v", err)
	}
	if evt.EventID != "e1" || evt.Payload["market_id"] != "mkt-1" {
		t.Fatalf("direct event = %+v", evt)
	}

	enveloped := []byte(fmt.Sprintf(`{"event":%q}`, direct))
	evt, err = ParseWebhook(enveloped)
	if err != nil {
		t.Fatalf("enveloped: %v", err)
	}
	if evt.EventID != "e1" || evt.EventType != "market.approved" {
		t.Fatalf("enveloped event = %+v", evt)
	}

	if _, err := ParseWebhook([]byte(`not json`)); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("malformed err = %v, want validation", err)
	}
}

type staticFeed struct {
	events []permissions.ExternalEvent
}

func (s staticFeed) Events(context.Context, []string, string, int) ([]permissions.ExternalEvent, error) {
	return s.events, nil
}

func TestPollerRunsPipeline(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	lc := &fakeLifecycle{}
	p := NewProcessor(ledger, lc, discard())
	feed := staticFeed{events: []permissions.ExternalEvent{
		approvalEvent("e1", "mkt-1"),
		approvalEvent("e1", "mkt-1"), // duplicate in the same batch
		{EventID: "e2", EventType: "entity.updated"},
	}}
	poller := NewPoller(feed, p, 0, discard())

	poller.poll(context.Background())

	if len(lc.calls) != 1 {
		t.Fatalf("calls = %+v, want 1", lc.calls)
	}
	if ledger.rows["e2"].Status != types.EventSkipped {
		t.Fatalf("e2 row = %+v", ledger.rows["e2"])
	}
}
