package chain

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestFakeFailureInjection(t *testing.T) {
	t.Parallel()
	f := NewFake()
	f.FailDeploys = 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.DeployToken(ctx, "RWA1", "Asset One", big.NewInt(1000), 18); err == nil {
			t.Fatalf("deploy %d succeeded, want injected failure", i+1)
		}
	}
	res, err := f.DeployToken(ctx, "RWA1", "Asset One", big.NewInt(1000), 18)
	if err != nil {
		t.Fatalf("deploy after failures: %v", err)
	}
	if res.ContractAddress == "" || res.TxHash == "" {
		t.Fatalf("result = %+v", res)
	}
	if f.Deploys() != 1 {
		t.Fatalf("deploys = %d, want 1", f.Deploys())
	}

	supply, err := f.TotalSupply(ctx, res.ContractAddress)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("supply = %s", supply)
	}

	ok, err := f.ConfirmTransaction(ctx, res.TxHash)
	if err != nil || !ok {
		t.Fatalf("confirm = %v, %v", ok, err)
	}
}

func TestFakeBalances(t *testing.T) {
	t.Parallel()
	f := NewFake()
	f.SetBalance("0xc", "0xholder", big.NewInt(42))

	b, err := f.BalanceOf(context.Background(), "0xc", "0xholder")
	if err != nil || b.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("balance = %s, %v", b, err)
	}
	zero, err := f.BalanceOf(context.Background(), "0xc", "0xother")
	if err != nil || zero.Sign() != 0 {
		t.Fatalf("unknown holder balance = %s, %v", zero, err)
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(60) // burst 15, 1/s refill
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	// Bucket drained; a cancelled context must unblock promptly.
	cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Fatal("wait returned without a token on drained bucket")
	}
}
