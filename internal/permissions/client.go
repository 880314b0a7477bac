// Package permissions is the client for the external entity-permissions
// service. It answers "may principal P perform action A on entity E" and
// serves the event feed the ingress poller drains. Authorization decisions
// are cached for five minutes keyed by (principal, entity, action, context).
package permissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/config"
)

const cacheTTL = 5 * time.Minute

// Decision is one authorization answer.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// ExternalEvent is one event from the service's pull feed, shaped like the
// webhook body.
type ExternalEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Context   map[string]any `json:"context"`
}

// Client talks to the entity-permissions service.
type Client struct {
	http   *resty.Client
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient creates the client with retry on 5xx and the configured timeout.
func NewClient(cfg config.PermsConfig, rdb *redis.Client, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("x-api-key", cfg.APIKey)
	}
	return &Client{
		http:   httpClient,
		rdb:    rdb,
		logger: logger.With("component", "permissions"),
	}
}

// Authorize asks whether the principal may perform the action on the
// entity. Results, allow or deny, are cached.
func (c *Client) Authorize(ctx context.Context, principalID, entityID, action string, extra map[string]any) (*Decision, error) {
	key := cacheKey(principalID, entityID, action, extra)
	if cached, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var d Decision
		if json.Unmarshal(cached, &d) == nil {
			return &d, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("auth cache read failed", "error", err)
	}

	var d Decision
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"principal_id": principalID,
			"entity_id":    entityID,
			"action":       action,
			"context":      extra,
		}).
		ForceContentType("application/json").
		SetResult(&d).
		Post("/authorize")
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("authorize: status %d: %s", resp.StatusCode(), resp.String())
	}

	if encoded, err := json.Marshal(&d); err == nil {
		if err := c.rdb.Set(ctx, key, encoded, cacheTTL).Err(); err != nil {
			c.logger.Warn("auth cache write failed", "error", err)
		}
	}
	return &d, nil
}

// Events drains up to limit pending events of the given types from the
// pull feed.
func (c *Client) Events(ctx context.Context, eventTypes []string, source string, limit int) ([]ExternalEvent, error) {
	var out []ExternalEvent
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("event_type", strings.Join(eventTypes, ",")).
		SetQueryParam("source", source).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("poll events: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("poll events: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// cacheKey hashes the free-form context so arbitrary maps produce a stable,
// bounded key.
func cacheKey(principalID, entityID, action string, extra map[string]any) string {
	ctxHash := "-"
	if len(extra) > 0 {
		raw, _ := json.Marshal(extra)
		sum := sha256.Sum256(raw)
		ctxHash = hex.EncodeToString(sum[:8])
	}
	return fmt.Sprintf("auth:%s:%s:%s:%s", principalID, entityID, action, ctxHash)
}
