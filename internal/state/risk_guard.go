package state

import (
	"math/big"

	"FactorPool/internal/fixedpoint"
)

// RiskGuard evaluates the circuit-breaker limits consulted before any credit
// draw. All checks are pure reads over current state; the engine runs them
// before mutating anything so a rejection leaves the ledger untouched.
type RiskGuard struct {
	pool      *Pool
	positions *PositionManager
}

func NewRiskGuard(pool *Pool, positions *PositionManager) *RiskGuard {
	return &RiskGuard{pool: pool, positions: positions}
}

// CheckUtilization rejects a draw that would push utilization strictly past
// the cap; drawing to exactly the cap is allowed (withdrawals are what get
// blocked at the cap). Backing liquidity is everything still attributable to
// the pool's loan book: idle cash plus principal already deployed.
func (g *RiskGuard) CheckUtilization(amount *big.Int) error {
	backing := new(big.Int).Add(g.pool.TotalLiquidityAsset, g.pool.TotalPrincipalOutstanding)
	if backing.Sign() == 0 {
		return ErrUtilizationLimitExceeded
	}
	proposed := new(big.Int).Add(g.pool.TotalPrincipalOutstanding, amount)
	ratio := fixedpoint.MulDiv(proposed, fixedpoint.BasisPointsDivisor, backing, fixedpoint.RoundUp)
	if ratio.Cmp(new(big.Int).SetUint64(g.pool.Params.MaxUtilizationBps)) > 0 {
		return ErrUtilizationLimitExceeded
	}
	return nil
}

// CheckMaxSingleLoan rejects a draw larger than the NAV-relative single-loan
// cap.
func (g *RiskGuard) CheckMaxSingleLoan(amount *big.Int) error {
	limit := fixedpoint.BpsOf(g.pool.NAV(), g.pool.Params.MaxLoanBpsOfNAV)
	if amount.Cmp(limit) > 0 {
		return ErrMaxSingleLoanExceeded
	}
	return nil
}

// CheckIssuerExposure rejects a draw that would lift the counterparty's
// aggregate usedCredit past the NAV-relative issuer cap.
func (g *RiskGuard) CheckIssuerExposure(owner string, amount *big.Int) error {
	exposure := g.positions.IssuerExposure(owner)
	exposure.Add(exposure, amount)
	limit := fixedpoint.BpsOf(g.pool.NAV(), g.pool.Params.MaxIssuerExposureBps)
	if exposure.Cmp(limit) > 0 {
		return ErrIssuerExposureLimitExceeded
	}
	return nil
}

// CheckDraw runs all three circuit breakers. Failing any one aborts the whole
// draw.
func (g *RiskGuard) CheckDraw(owner string, amount *big.Int) error {
	if err := g.CheckUtilization(amount); err != nil {
		return err
	}
	if err := g.CheckMaxSingleLoan(amount); err != nil {
		return err
	}
	if err := g.CheckIssuerExposure(owner, amount); err != nil {
		return err
	}
	return nil
}
