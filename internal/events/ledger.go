package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"omen-backend/pkg/types"
)

// Ledger is the processed-event ledger: one row per external event_id,
// written with upsert semantics. Callers check IsProcessed before applying
// side effects and Record the outcome after; the unique event_id key is
// what makes every inbound external event idempotent.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger over the shared Postgres pool.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// IsProcessed reports whether the event id has already been applied or
// skipped. Rows recorded as failed do not count: the sender retries those
// deliveries and the next one must run the handler again.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = $1 AND status IN ($2, $3)`,
		eventID, string(types.EventSuccess), string(types.EventSkipped)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed event: %w", err)
	}
	return true, nil
}

// Record upserts the event row. The first write for an event_id wins the
// effect; later writes only refresh status, error and timestamp.
func (l *Ledger) Record(ctx context.Context, evt types.ProcessedEvent) error {
	payload, err := json.Marshal(orEmpty(evt.Payload))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	evtCtx, err := json.Marshal(orEmpty(evt.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, source, payload, context, status, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now())
		ON CONFLICT (event_id) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, processed_at = now()`,
		evt.EventID, evt.EventType, evt.Source, payload, evtCtx, string(evt.Status), evt.Error)
	if err != nil {
		return fmt.Errorf("record event %s: %w", evt.EventID, err)
	}
	return nil
}

// Failed lists failed events since the cutoff, newest first, for retry
// dashboards.
func (l *Ledger) Failed(ctx context.Context, since time.Time, limit int) ([]types.ProcessedEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, source, payload, context, status, COALESCE(error, ''), processed_at
		FROM processed_events
		WHERE status = $1 AND processed_at >= $2
		ORDER BY processed_at DESC
		LIMIT $3`, string(types.EventFailed), since, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	defer rows.Close()

	var out []types.ProcessedEvent
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Get returns one recorded event by id.
func (l *Ledger) Get(ctx context.Context, eventID string) (*types.ProcessedEvent, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, source, payload, context, status, COALESCE(error, ''), processed_at
		FROM processed_events WHERE event_id = $1`, eventID)
	evt, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEventRow(s scanner) (types.ProcessedEvent, error) {
	var (
		evt             types.ProcessedEvent
		payload, evtCtx []byte
		status          string
	)
	if err := s.Scan(&evt.EventID, &evt.EventType, &evt.Source, &payload, &evtCtx, &status, &evt.Error, &evt.ProcessedAt); err != nil {
		return evt, err
	}
	evt.Status = types.EventStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return evt, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(evtCtx) > 0 {
		if err := json.Unmarshal(evtCtx, &evt.Context); err != nil {
			return evt, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return evt, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
