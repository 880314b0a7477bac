// Package ingress feeds external approval decisions into the market
// lifecycle engine. Events arrive over the webhook endpoint or, as a
// safety net, from polling the entity permissions service; both paths run
// the same pipeline behind the processed-event ledger, so a decision
// delivered twice takes effect once.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"omen-backend/internal/apperr"
	"omen-backend/internal/lifecycle"
	"omen-backend/internal/permissions"
	"omen-backend/pkg/types"
)

const (
	eventSource  = "entity_permissions_core"
	pollBatch    = 10
	eventApprove = "market.approved"
	eventReject  = "market.rejected"
)

// Ledger guards against duplicate event effect.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, evt types.ProcessedEvent) error
}

// Lifecycle applies approval decisions to markets.
type Lifecycle interface {
	ProcessApprovalDecision(ctx context.Context, marketID string, approved bool, actor lifecycle.Actor, reason string) (*types.Market, error)
}

// Result is the pipeline outcome surfaced to the webhook response.
type Result struct {
	EventID string `json:"eventId"`
	Status  string `json:"status"` // processed | already_processed | skipped
}

// Processor runs external events through the dedupe-and-dispatch pipeline.
type Processor struct {
	ledger    Ledger
	lifecycle Lifecycle
	logger    *slog.Logger
}

func NewProcessor(ledger Ledger, lc Lifecycle, logger *slog.Logger) *Processor {
	return &Processor{
		ledger:    ledger,
		lifecycle: lc,
		logger:    logger.With("component", "ingress"),
	}
}

// ParseWebhook decodes a webhook body, accepting either a bare event or an
// envelope carrying the event as a JSON string.
func ParseWebhook(body []byte) (permissions.ExternalEvent, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Event != "" {
		body = []byte(envelope.Event)
	}
	var evt permissions.ExternalEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, apperr.Wrap(apperr.CodeValidation, "malformed webhook body", err)
	}
	return evt, nil
}

// Process runs one event through the pipeline. Unknown event types are
// recorded and skipped; dispatch errors are recorded as failed and
// returned so the transport can signal the sender to retry.
func (p *Processor) Process(ctx context.Context, evt permissions.ExternalEvent) (*Result, error) {
	if evt.EventID == "" || evt.EventType == "" {
		return nil, apperr.New(apperr.CodeValidation, "event_id and event_type are required")
	}

	done, err := p.ledger.IsProcessed(ctx, evt.EventID)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{EventID: evt.EventID, Status: "already_processed"}, nil
	}

	switch evt.EventType {
	case eventApprove, eventReject:
		if err := p.dispatchDecision(ctx, evt); err != nil {
			p.record(ctx, evt, types.EventFailed, err.Error())
			return nil, err
		}
		p.record(ctx, evt, types.EventSuccess, "")
		return &Result{EventID: evt.EventID, Status: "processed"}, nil
	default:
		p.record(ctx, evt, types.EventSkipped, "")
		p.logger.Info("event type skipped",
			"event_id", evt.EventID, "event_type", evt.EventType)
		return &Result{EventID: evt.EventID, Status: "skipped"}, nil
	}
}

func (p *Processor) dispatchDecision(ctx context.Context, evt permissions.ExternalEvent) error {
	marketID, _ := evt.Payload["market_id"].(string)
	if marketID == "" {
		return apperr.Newf(apperr.CodeValidation,
			"event %s payload missing market_id", evt.EventID)
	}
	reason, _ := evt.Payload["reason"].(string)

	actor := lifecycle.Actor{ID: "system", Roles: []string{"admin"}}
	if id, ok := evt.Context["actor_id"].(string); ok && id != "" {
		actor.ID = id
	}

	approved := evt.EventType == eventApprove
	if _, err := p.lifecycle.ProcessApprovalDecision(ctx, marketID, approved, actor, reason); err != nil {
		return fmt.Errorf("apply decision %s for market %s: %w", evt.EventType, marketID, err)
	}
	p.logger.Info("approval decision applied",
		"event_id", evt.EventID, "event_type", evt.EventType,
		"market_id", marketID, "actor_id", actor.ID)
	return nil
}

func (p *Processor) record(ctx context.Context, evt permissions.ExternalEvent, status types.EventStatus, procErr string) {
	err := p.ledger.Record(ctx, types.ProcessedEvent{
		EventID:   evt.EventID,
		EventType: evt.EventType,
		Source:    evt.Source,
		Payload:   evt.Payload,
		Context:   evt.Context,
		Status:    status,
		Error:     procErr,
	})
	if err != nil {
		p.logger.Error("recording processed event",
			"event_id", evt.EventID, "error", err)
	}
}

// EventFeed is the permissions service's pull feed.
type EventFeed interface {
	Events(ctx context.Context, eventTypes []string, source string, limit int) ([]permissions.ExternalEvent, error)
}

// Poller periodically pulls decision events. The webhook is the primary
// path; polling catches deliveries the webhook dropped.
type Poller struct {
	feed      EventFeed
	processor *Processor
	interval  time.Duration
	logger    *slog.Logger
}

func NewPoller(feed EventFeed, processor *Processor, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		feed:      feed,
		processor: processor,
		interval:  interval,
		logger:    logger.With("component", "ingress_poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	events, err := p.feed.Events(ctx, []string{eventApprove, eventReject}, eventSource, pollBatch)
	if err != nil {
		p.logger.Warn("polling decision events", "error", err)
		return
	}
	for _, evt := range events {
		res, err := p.processor.Process(ctx, evt)
		if err != nil {
			p.logger.Error("processing polled event",
				"event_id", evt.EventID, "error", err)
			continue
		}
		if res.Status == "processed" {
			p.logger.Info("polled event applied", "event_id", evt.EventID)
		}
	}
}
