package state

import (
	"math/big"

	"FactorPool/internal/fixedpoint"
)

// ReserveManager holds the first-loss buffer. The reserve is funded by the
// pool operator independently of LP deposits and is not part of NAV; it is
// consumed before LP NAV is touched on non-recourse write-downs. The target
// is informational only.
type ReserveManager struct {
	balance   *big.Int
	targetBps uint64
}

func NewReserveManager() *ReserveManager {
	return &ReserveManager{balance: new(big.Int)}
}

// Balance returns the current reserve balance (copy).
func (r *ReserveManager) Balance() *big.Int {
	return fixedpoint.Clone(r.balance)
}

// TargetBps returns the informational reserve target.
func (r *ReserveManager) TargetBps() uint64 {
	return r.targetBps
}

// Fund adds externally sourced funds to the reserve.
func (r *ReserveManager) Fund(amount *big.Int) error {
	if !fixedpoint.IsPositive(amount) {
		return ErrInvalidAmount
	}
	r.balance.Add(r.balance, amount)
	return nil
}

// SetTarget records the informational target in basis points of NAV.
func (r *ReserveManager) SetTarget(bps uint64) {
	r.targetBps = bps
}

// Absorb consumes min(loss, balance) from the reserve and returns the amount
// absorbed. The caller pairs the decrease one-to-one with the matching pool
// credit in the same atomic step.
func (r *ReserveManager) Absorb(loss *big.Int) *big.Int {
	if !fixedpoint.IsPositive(loss) {
		return new(big.Int)
	}
	absorbed := fixedpoint.Min(loss, r.balance)
	r.balance.Sub(r.balance, absorbed)
	return absorbed
}

// Restore sets the balance directly. Snapshot recovery only.
func (r *ReserveManager) Restore(balance *big.Int, targetBps uint64) {
	r.balance = fixedpoint.Clone(balance)
	r.targetBps = targetBps
}
