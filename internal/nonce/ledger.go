// Package nonce implements the per-address single-use nonce ledger.
//
// Replay protection for every signed write-path operation lives here and
// nowhere else: the caller must Reserve before any state change, and only
// a successful Reserve consumes the nonce.
package nonce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"omen-backend/internal/apperr"
)

// DefaultTTL bounds how long a reserved nonce blocks reuse.
const DefaultTTL = time.Hour

// Ledger reserves nonces with an atomic SET NX against Redis.
type Ledger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLedger creates a nonce ledger with the default TTL.
func NewLedger(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb, ttl: DefaultTTL}
}

// WithTTL overrides the reservation TTL.
func (l *Ledger) WithTTL(ttl time.Duration) *Ledger {
	l.ttl = ttl
	return l
}

func key(address, nonce string) string {
	return "nonce:" + strings.ToLower(address) + ":" + nonce
}

// Reserve atomically claims (address, nonce). A second reservation of the
// same pair inside the TTL fails with nonce_reused.
func (l *Ledger) Reserve(ctx context.Context, address, nonce string) error {
	ok, err := l.rdb.SetNX(ctx, key(address, nonce), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	if !ok {
		return apperr.Newf(apperr.CodeNonceReused, "nonce %s already used by %s", nonce, address)
	}
	return nil
}

// IsReserved reports whether the pair is currently held, for diagnostics.
func (l *Ledger) IsReserved(ctx context.Context, address, nonce string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key(address, nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return n > 0, nil
}
