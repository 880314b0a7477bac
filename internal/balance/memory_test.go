package balance

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"omen-backend/internal/apperr"
)

func TestMemoryLockUnlockRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Upsert(ctx, "u1", "tok", big.NewInt(100), big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	if err := m.Lock(ctx, "u1", "tok", big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	avail, locked, _ := m.Get(ctx, "u1", "tok")
	if avail.Int64() != 40 || locked.Int64() != 60 {
		t.Errorf("after lock: avail=%s locked=%s, want 40/60", avail, locked)
	}

	if err := m.Unlock(ctx, "u1", "tok", big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	avail, locked, _ = m.Get(ctx, "u1", "tok")
	if avail.Int64() != 100 || locked.Int64() != 0 {
		t.Errorf("after unlock: avail=%s locked=%s, want 100/0", avail, locked)
	}
}

func TestMemoryLockInsufficient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	err := m.Lock(ctx, "u1", "tok", big.NewInt(1))
	if apperr.CodeOf(err) != apperr.CodeInsufficientBalance {
		t.Errorf("code = %s, want insufficient_balance", apperr.CodeOf(err))
	}
}

func TestMemoryCreditRejectsNegativeResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	if err := m.Credit(ctx, "u1", "tok", big.NewInt(50), big.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	err := m.Credit(ctx, "u1", "tok", big.NewInt(-51), big.NewInt(0))
	if apperr.CodeOf(err) != apperr.CodeInsufficientBalance {
		t.Errorf("code = %s, want insufficient_balance", apperr.CodeOf(err))
	}
	// Failed credit must not partially apply.
	avail, locked, _ := m.Get(ctx, "u1", "tok")
	if avail.Int64() != 50 || locked.Int64() != 0 {
		t.Errorf("avail=%s locked=%s, want 50/0", avail, locked)
	}
}

func TestMemoryGetMissingReadsZero(t *testing.T) {
	t.Parallel()
	avail, locked, err := NewMemory().Get(context.Background(), "nobody", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if avail.Sign() != 0 || locked.Sign() != 0 {
		t.Errorf("missing row = (%s, %s), want (0, 0)", avail, locked)
	}
}

func TestMemoryConcurrentLocksNeverGoNegative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	m.Upsert(ctx, "u1", "tok", big.NewInt(100), big.NewInt(0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(ctx, "u1", "tok", big.NewInt(3))
		}()
	}
	wg.Wait()

	avail, locked, _ := m.Get(ctx, "u1", "tok")
	if avail.Sign() < 0 {
		t.Errorf("available went negative: %s", avail)
	}
	total := new(big.Int).Add(avail, locked)
	if total.Int64() != 100 {
		t.Errorf("conservation broken: avail+locked = %s, want 100", total)
	}
}
