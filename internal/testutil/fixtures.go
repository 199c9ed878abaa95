package testutil

import (
	"math/big"
)

// Amount parses a decimal base-unit amount, panicking on malformed input.
// Test-only convenience.
func Amount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("testutil: bad amount " + s)
	}
	return v
}

// Tokens returns n whole tokens at 18 decimals.
func Tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// Drain consumes everything currently buffered on a channel and returns the
// drained items. Keeps engine tests from blocking on full persist channels.
func Drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
