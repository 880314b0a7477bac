package matching

import "math/big"

// Fee schedule: 25 bps of quote value, charged to both sides.
var (
	feeNumerator   = big.NewInt(25)
	feeDenominator = big.NewInt(10000)
)

// pow10 returns 10^n.
func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// QuoteAmount converts a base quantity at a price into the quote token's
// smallest unit: qty * price / 10^baseDecimals. Integer arithmetic
// throughout; truncation favors the venue.
func QuoteAmount(qty, price *big.Int, baseDecimals int) *big.Int {
	v := new(big.Int).Mul(qty, price)
	return v.Quo(v, pow10(baseDecimals))
}

// Fee returns the per-side trading fee on a quote value.
func Fee(quoteValue *big.Int) *big.Int {
	f := new(big.Int).Mul(quoteValue, feeNumerator)
	return f.Quo(f, feeDenominator)
}

// minInt returns the smaller of a and b.
func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
