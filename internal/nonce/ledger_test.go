package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"omen-backend/internal/apperr"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLedger(rdb), mr
}

func TestReserveOnce(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, "0xAbC", "42"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := l.Reserve(ctx, "0xABC", "42") // address match is case-insensitive
	if err == nil {
		t.Fatal("second reserve succeeded")
	}
	if apperr.CodeOf(err) != apperr.CodeNonceReused {
		t.Errorf("code = %s, want nonce_reused", apperr.CodeOf(err))
	}
}

func TestReserveDistinctNonces(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.Reserve(ctx, "0xabc", "1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve(ctx, "0xabc", "2"); err != nil {
		t.Errorf("distinct nonce rejected: %v", err)
	}
	if err := l.Reserve(ctx, "0xdef", "1"); err != nil {
		t.Errorf("distinct address rejected: %v", err)
	}
}

func TestReserveAfterTTLExpiry(t *testing.T) {
	t.Parallel()
	l, mr := newTestLedger(t)
	l.WithTTL(time.Second)
	ctx := context.Background()

	if err := l.Reserve(ctx, "0xabc", "9"); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)
	if err := l.Reserve(ctx, "0xabc", "9"); err != nil {
		t.Errorf("reserve after expiry failed: %v", err)
	}
}
