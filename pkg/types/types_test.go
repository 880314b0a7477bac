package types

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"10000000000000000000", "10000000000000000000", false},
		{"", "", true},
		{"-5", "", true},
		{"1.5", "", true},
		{"0x10", "", true},
		{strings.Repeat("9", 78), "", true}, // > 2^256
	}
	for _, c := range cases {
		got, err := ParseAmount(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q): expected error, got %v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q): %v", c.in, err)
			continue
		}
		if got.String() != c.want {
			t.Errorf("ParseAmount(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseDeltaAllowsNegative(t *testing.T) {
	t.Parallel()

	v, err := ParseDelta("-100")
	if err != nil {
		t.Fatalf("ParseDelta(-100): %v", err)
	}
	if v.Cmp(big.NewInt(-100)) != 0 {
		t.Errorf("ParseDelta(-100) = %s", v)
	}
}

func TestOrderJSONPriceNullForMarket(t *testing.T) {
	t.Parallel()

	o := Order{
		ID:       "o1",
		Kind:     MarketOrder,
		Side:     BUY,
		Quantity: big.NewInt(1000),
	}
	data, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["price"] != nil {
		t.Errorf("market order price = %v, want null", m["price"])
	}
	if m["quantity"] != "1000" {
		t.Errorf("quantity = %v, want \"1000\"", m["quantity"])
	}
}

func TestUnfilled(t *testing.T) {
	t.Parallel()

	o := Order{Quantity: big.NewInt(10), FilledQuantity: big.NewInt(4)}
	if got := o.Unfilled(); got.Cmp(big.NewInt(6)) != 0 {
		t.Errorf("Unfilled = %s, want 6", got)
	}
	o2 := Order{Quantity: big.NewInt(10)}
	if got := o2.Unfilled(); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("Unfilled with nil filled = %s, want 10", got)
	}
}

func TestComplianceEligible(t *testing.T) {
	t.Parallel()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		rec  ComplianceRecord
		want bool
	}{
		{"approved whitelisted no expiry", ComplianceRecord{KYCStatus: KYCApproved, Whitelisted: true}, true},
		{"approved whitelisted future expiry", ComplianceRecord{KYCStatus: KYCApproved, Whitelisted: true, ExpiresAt: &future}, true},
		{"expired", ComplianceRecord{KYCStatus: KYCApproved, Whitelisted: true, ExpiresAt: &past}, false},
		{"not whitelisted", ComplianceRecord{KYCStatus: KYCApproved}, false},
		{"pending kyc", ComplianceRecord{KYCStatus: KYCPending, Whitelisted: true}, false},
	}
	for _, c := range cases {
		if got := c.rec.Eligible(now); got != c.want {
			t.Errorf("%s: Eligible = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestSwapTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []SwapStatus{SwapCompleted, SwapFailed, SwapCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []SwapStatus{SwapPending, SwapQueued, SwapProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
