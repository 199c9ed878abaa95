package fixedpoint

import "math/big"

// WAD is the 18-decimal fixed-point scale used for ratios, rates and the LP
// share price. All balances are plain base-unit integers; only rates and
// prices carry the WAD scale.
var WAD = big.NewInt(1_000_000_000_000_000_000)

// BasisPointsDivisor converts basis points to a ratio (10_000 bps = 100%).
var BasisPointsDivisor = big.NewInt(10_000)

// SecondsPerYear is the accrual denominator for annual rates.
const SecondsPerYear int64 = 31_536_000

// RoundingMode selects the rounding applied when a division is inexact.
type RoundingMode int

const (
	// RoundDown truncates toward zero. Used when value leaves the pool
	// (share minting, withdrawal payout) so dust accretes to the pool.
	RoundDown RoundingMode = iota
	// RoundHalfUp rounds .5 away from zero. Used for interest accrual.
	RoundHalfUp
	// RoundUp always rounds away from zero.
	RoundUp
)

// MulDiv computes a * b / denom on arbitrary-width integers with explicit
// rounding. Inputs must be non-negative; a nil or zero denominator yields
// zero rather than panicking, matching how an empty pool prices shares.
func MulDiv(a, b, denom *big.Int, mode RoundingMode) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return new(big.Int)
	}

	num := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(num, denom, new(big.Int))

	if rem.Sign() == 0 {
		return quo
	}

	switch mode {
	case RoundUp:
		quo.Add(quo, big.NewInt(1))
	case RoundHalfUp:
		// rem*2 >= denom → round away from zero
		doubled := new(big.Int).Lsh(rem, 1)
		if doubled.Cmp(denom) >= 0 {
			quo.Add(quo, big.NewInt(1))
		}
	}

	return quo
}

// WadMul multiplies two WAD-scaled values, result WAD-scaled, half-up.
func WadMul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, WAD, RoundHalfUp)
}

// WadDiv divides a by b, result WAD-scaled, half-up.
func WadDiv(a, b *big.Int) *big.Int {
	if b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	return MulDiv(a, WAD, b, RoundHalfUp)
}

// BpsOf returns amount * bps / 10_000, rounded down.
func BpsOf(amount *big.Int, bps uint64) *big.Int {
	return MulDiv(amount, new(big.Int).SetUint64(bps), BasisPointsDivisor, RoundDown)
}

// Clone returns an independent copy; nil is treated as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Min returns the smaller of a and b as a fresh value.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// IsPositive reports whether v is non-nil and strictly greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
