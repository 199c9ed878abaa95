package state

import (
	"math/big"

	"FactorPool/internal/fixedpoint"
)

// AccrualEngine advances a position's accrued interest from its last accrual
// timestamp to now, at the pool-wide annual borrow rate:
//
//	delta = usedCredit * borrowAprWad * elapsed / (SecondsPerYear * WAD)
//
// The protocol's fee slice of each delta accrues at the same time, which
// keeps the LP share price monotonically non-decreasing through the whole
// accrue/repay cycle.
type AccrualEngine struct {
	ledger *LiquidityLedger
}

func NewAccrualEngine(ledger *LiquidityLedger) *AccrualEngine {
	return &AccrualEngine{ledger: ledger}
}

// Accrue brings pos up to date as of now. Idempotent: zero elapsed time (or
// a clock that has not moved past the last accrual) is a no-op. Returns the
// gross interest delta. Accrual stays live while the pool is paused.
func (a *AccrualEngine) Accrue(pos *Position, now int64) *big.Int {
	elapsed := now - pos.LastAccrualTimestamp
	if elapsed <= 0 {
		return new(big.Int)
	}
	pos.LastAccrualTimestamp = now

	if pos.UsedCredit.Sign() == 0 {
		return new(big.Int)
	}

	params := a.ledger.Pool().Params
	num := new(big.Int).Mul(pos.UsedCredit, params.BorrowAprWad)
	num.Mul(num, big.NewInt(elapsed))
	denom := new(big.Int).Mul(big.NewInt(fixedpoint.SecondsPerYear), fixedpoint.WAD)
	delta := fixedpoint.MulDiv(num, big.NewInt(1), denom, fixedpoint.RoundHalfUp)
	if delta.Sign() == 0 {
		return delta
	}

	feeDelta := fixedpoint.BpsOf(delta, params.ProtocolFeeBps)

	pos.InterestAccrued.Add(pos.InterestAccrued, delta)
	pos.FeeAccrued.Add(pos.FeeAccrued, feeDelta)
	pos.Version++
	a.ledger.RecordAccrual(delta, feeDelta)

	return delta
}
