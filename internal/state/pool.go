package state

import (
	"fmt"
	"math/big"

	"FactorPool/internal/fixedpoint"
)

// PoolParams groups the governance-controlled limits and rates of the pool.
// Basis-point fields use the 10_000 = 100% convention; BorrowAprWad carries
// the WAD scale.
type PoolParams struct {
	MaxUtilizationBps     uint64
	MaxLoanBpsOfNAV       uint64
	MaxIssuerExposureBps  uint64
	BorrowAprWad          *big.Int
	ProtocolFeeBps        uint64
	LTVNonRecourseBps     uint64
	LTVRecourseBps        uint64
	GracePeriodSeconds    int64
	RecoveryWindowSeconds int64
}

// DefaultPoolParams is the bootstrap configuration: 80% utilization cap, 10%
// max single loan, 20% max issuer exposure, 15% APR, 10% protocol fee on
// interest, 60%/80% non-recourse/recourse LTV, 3-day grace, 7-day recovery.
func DefaultPoolParams() PoolParams {
	apr := new(big.Int).Mul(big.NewInt(15), new(big.Int).Quo(fixedpoint.WAD, big.NewInt(100)))
	return PoolParams{
		MaxUtilizationBps:     8_000,
		MaxLoanBpsOfNAV:       1_000,
		MaxIssuerExposureBps:  2_000,
		BorrowAprWad:          apr,
		ProtocolFeeBps:        1_000,
		LTVNonRecourseBps:     6_000,
		LTVRecourseBps:        8_000,
		GracePeriodSeconds:    3 * 24 * 3600,
		RecoveryWindowSeconds: 7 * 24 * 3600,
	}
}

// Validate checks that parameters are within sane ranges.
func (p PoolParams) Validate() error {
	if p.MaxUtilizationBps == 0 || p.MaxUtilizationBps > 10_000 {
		return fmt.Errorf("max_utilization_bps out of range: %d", p.MaxUtilizationBps)
	}
	if p.MaxLoanBpsOfNAV == 0 || p.MaxLoanBpsOfNAV > 10_000 {
		return fmt.Errorf("max_loan_bps_of_nav out of range: %d", p.MaxLoanBpsOfNAV)
	}
	if p.MaxIssuerExposureBps == 0 || p.MaxIssuerExposureBps > 10_000 {
		return fmt.Errorf("max_issuer_exposure_bps out of range: %d", p.MaxIssuerExposureBps)
	}
	if p.BorrowAprWad == nil || p.BorrowAprWad.Sign() < 0 {
		return fmt.Errorf("borrow_apr_wad must be non-negative")
	}
	if p.ProtocolFeeBps >= 10_000 {
		return fmt.Errorf("protocol_fee_bps must be < 10_000, got %d", p.ProtocolFeeBps)
	}
	if p.LTVNonRecourseBps == 0 || p.LTVNonRecourseBps > 10_000 {
		return fmt.Errorf("ltv_non_recourse_bps out of range: %d", p.LTVNonRecourseBps)
	}
	if p.LTVRecourseBps < p.LTVNonRecourseBps || p.LTVRecourseBps > 10_000 {
		return fmt.Errorf("ltv_recourse_bps out of range: %d", p.LTVRecourseBps)
	}
	if p.GracePeriodSeconds <= 0 {
		return fmt.Errorf("grace_period_seconds must be > 0")
	}
	if p.RecoveryWindowSeconds <= 0 {
		return fmt.Errorf("recovery_window_seconds must be > 0")
	}
	return nil
}

// Pool is the pool-wide accounting state. All amount fields are base-unit
// big integers owned exclusively by the LiquidityLedger; callers receive
// copies via the getters.
//
// Identity: NAV = TotalLiquidityAsset + TotalPrincipalOutstanding +
// TotalInterestAccrued − TotalLosses − ProtocolFeesAccrued.
type Pool struct {
	TotalLiquidityAsset       *big.Int
	TotalPrincipalOutstanding *big.Int
	TotalInterestAccrued      *big.Int
	TotalLosses               *big.Int
	ProtocolFeesAccrued       *big.Int
	LPShareSupply             *big.Int
	Paused                    bool
	Params                    PoolParams
}

// NewPool returns an empty pool under the given parameters.
func NewPool(params PoolParams) *Pool {
	return &Pool{
		TotalLiquidityAsset:       new(big.Int),
		TotalPrincipalOutstanding: new(big.Int),
		TotalInterestAccrued:      new(big.Int),
		TotalLosses:               new(big.Int),
		ProtocolFeesAccrued:       new(big.Int),
		LPShareSupply:             new(big.Int),
		Params:                    params,
	}
}

// NAV computes the pool's net asset value.
func (p *Pool) NAV() *big.Int {
	nav := new(big.Int).Add(p.TotalLiquidityAsset, p.TotalPrincipalOutstanding)
	nav.Add(nav, p.TotalInterestAccrued)
	nav.Sub(nav, p.TotalLosses)
	nav.Sub(nav, p.ProtocolFeesAccrued)
	return nav
}

// SharePriceWad is NAV * WAD / LPShareSupply, or WAD while supply is zero.
func (p *Pool) SharePriceWad() *big.Int {
	if p.LPShareSupply.Sign() == 0 {
		return fixedpoint.Clone(fixedpoint.WAD)
	}
	return fixedpoint.MulDiv(p.NAV(), fixedpoint.WAD, p.LPShareSupply, fixedpoint.RoundDown)
}

// UtilizationBps is outstanding principal over deployed-plus-idle liquidity,
// in basis points. A pool with no liquidity backing reports full utilization.
func (p *Pool) UtilizationBps() uint64 {
	backing := new(big.Int).Add(p.TotalLiquidityAsset, p.TotalPrincipalOutstanding)
	if backing.Sign() == 0 {
		if p.TotalPrincipalOutstanding.Sign() == 0 {
			return 0
		}
		return 10_000
	}
	ratio := fixedpoint.MulDiv(p.TotalPrincipalOutstanding, fixedpoint.BasisPointsDivisor, backing, fixedpoint.RoundDown)
	return ratio.Uint64()
}

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = appendBig(buf, p.TotalLiquidityAsset)
	buf = appendBig(buf, p.TotalPrincipalOutstanding)
	buf = appendBig(buf, p.TotalInterestAccrued)
	buf = appendBig(buf, p.TotalLosses)
	buf = appendBig(buf, p.ProtocolFeesAccrued)
	buf = appendBig(buf, p.LPShareSupply)
	if p.Paused {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func appendBig(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

// LiquidityLedger owns the Pool and the per-LP share register and applies
// all pool-level value movements. It performs no locking of its own; the
// engine serializes access.
type LiquidityLedger struct {
	pool     *Pool
	lpShares map[string]*big.Int
}

func NewLiquidityLedger(pool *Pool) *LiquidityLedger {
	return &LiquidityLedger{
		pool:     pool,
		lpShares: make(map[string]*big.Int),
	}
}

// Pool exposes the underlying pool state for read paths and hashing.
func (l *LiquidityLedger) Pool() *Pool {
	return l.pool
}

// SharesOf returns the LP's share balance (copy).
func (l *LiquidityLedger) SharesOf(lp string) *big.Int {
	return fixedpoint.Clone(l.lpShares[lp])
}

// Deposit mints shares at the current share price and moves amount into pool
// cash. First deposit prices at exactly WAD (1:1).
func (l *LiquidityLedger) Deposit(lp string, amount *big.Int) (*big.Int, error) {
	if l.pool.Paused {
		return nil, ErrPaused
	}
	if !fixedpoint.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	price := l.pool.SharePriceWad()
	// Shares round down: dust stays with the pool.
	shares := fixedpoint.MulDiv(amount, fixedpoint.WAD, price, fixedpoint.RoundDown)
	if shares.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	l.pool.TotalLiquidityAsset.Add(l.pool.TotalLiquidityAsset, amount)
	l.pool.LPShareSupply.Add(l.pool.LPShareSupply, shares)

	cur, ok := l.lpShares[lp]
	if !ok {
		cur = new(big.Int)
		l.lpShares[lp] = cur
	}
	cur.Add(cur, shares)

	return fixedpoint.Clone(shares), nil
}

// Withdraw burns shares and pays out at the current share price, capped at
// available pool cash. Blocked while the pool is stressed (utilization at or
// above the cap).
func (l *LiquidityLedger) Withdraw(lp string, shares *big.Int) (*big.Int, error) {
	if l.pool.Paused {
		return nil, ErrPaused
	}
	if !fixedpoint.IsPositive(shares) {
		return nil, ErrInvalidAmount
	}
	if l.pool.UtilizationBps() >= l.pool.Params.MaxUtilizationBps {
		return nil, ErrUtilizationLimitExceeded
	}
	held := l.lpShares[lp]
	if held == nil || held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}

	amountOut := fixedpoint.MulDiv(shares, l.pool.SharePriceWad(), fixedpoint.WAD, fixedpoint.RoundDown)
	if amountOut.Cmp(l.pool.TotalLiquidityAsset) > 0 {
		amountOut = fixedpoint.Clone(l.pool.TotalLiquidityAsset)
	}

	held.Sub(held, shares)
	if held.Sign() == 0 {
		delete(l.lpShares, lp)
	}
	l.pool.LPShareSupply.Sub(l.pool.LPShareSupply, shares)
	l.pool.TotalLiquidityAsset.Sub(l.pool.TotalLiquidityAsset, amountOut)

	return amountOut, nil
}

// ShareBalances returns a copy of the per-LP share register, for
// snapshotting.
func (l *LiquidityLedger) ShareBalances() map[string]*big.Int {
	out := make(map[string]*big.Int, len(l.lpShares))
	for lp, shares := range l.lpShares {
		out[lp] = fixedpoint.Clone(shares)
	}
	return out
}

// RestoreShareBalances replaces the share register. Snapshot recovery only.
func (l *LiquidityLedger) RestoreShareBalances(balances map[string]*big.Int) {
	l.lpShares = make(map[string]*big.Int, len(balances))
	for lp, shares := range balances {
		l.lpShares[lp] = fixedpoint.Clone(shares)
	}
}

// RecordDraw moves amount from pool cash into outstanding principal.
// Caller has already passed the risk guard; only cash sufficiency is
// re-checked here.
func (l *LiquidityLedger) RecordDraw(amount *big.Int) error {
	if amount.Cmp(l.pool.TotalLiquidityAsset) > 0 {
		return ErrInsufficientLiquidity
	}
	l.pool.TotalLiquidityAsset.Sub(l.pool.TotalLiquidityAsset, amount)
	l.pool.TotalPrincipalOutstanding.Add(l.pool.TotalPrincipalOutstanding, amount)
	return nil
}

// RecordAccrual adds freshly accrued interest to the pool-wide receivable
// total. The protocol fee slice of the new interest accrues to
// ProtocolFeesAccrued at the same instant, so accrual never inflates and
// repayment never deflates the LP share price by the fee.
func (l *LiquidityLedger) RecordAccrual(delta, feeDelta *big.Int) {
	if !fixedpoint.IsPositive(delta) {
		return
	}
	l.pool.TotalInterestAccrued.Add(l.pool.TotalInterestAccrued, delta)
	l.pool.ProtocolFeesAccrued.Add(l.pool.ProtocolFeesAccrued, feeDelta)
}

// RecordRepayment applies an interest-then-principal payment to the pool
// totals. The full payment lands in pool cash; interest and principal
// receivables shrink by the amounts collected. NAV-neutral: every unit of
// receivable removed is replaced by a unit of cash.
func (l *LiquidityLedger) RecordRepayment(interestPaid, principalPaid *big.Int) {
	l.pool.TotalLiquidityAsset.Add(l.pool.TotalLiquidityAsset, interestPaid)
	l.pool.TotalLiquidityAsset.Add(l.pool.TotalLiquidityAsset, principalPaid)
	l.pool.TotalInterestAccrued.Sub(l.pool.TotalInterestAccrued, interestPaid)
	l.pool.TotalPrincipalOutstanding.Sub(l.pool.TotalPrincipalOutstanding, principalPaid)
}

// RecordWriteDown derecognizes a written-down position's receivables:
// lost principal, its unpaid interest, and the uncollected protocol fee
// claim on that interest.
func (l *LiquidityLedger) RecordWriteDown(principal, interest, feeCancelled *big.Int) {
	l.pool.TotalPrincipalOutstanding.Sub(l.pool.TotalPrincipalOutstanding, principal)
	l.pool.TotalInterestAccrued.Sub(l.pool.TotalInterestAccrued, interest)
	l.pool.ProtocolFeesAccrued.Sub(l.pool.ProtocolFeesAccrued, feeCancelled)
}

// CreditReserveAbsorption adds cash transferred in from the first-loss
// reserve. A fully reserve-covered write-down leaves the share price exactly
// unchanged.
func (l *LiquidityLedger) CreditReserveAbsorption(absorbed *big.Int) {
	if !fixedpoint.IsPositive(absorbed) {
		return
	}
	l.pool.TotalLiquidityAsset.Add(l.pool.TotalLiquidityAsset, absorbed)
}

// ApplyLoss charges a realized loss against LP NAV, clamped so NAV never goes
// negative. Returns the amount actually applied. Never fails.
func (l *LiquidityLedger) ApplyLoss(amount *big.Int) *big.Int {
	if !fixedpoint.IsPositive(amount) {
		return new(big.Int)
	}
	applied := fixedpoint.Min(amount, l.pool.NAV())
	if applied.Sign() < 0 {
		applied = new(big.Int)
	}
	l.pool.TotalLosses.Add(l.pool.TotalLosses, applied)
	return applied
}

// WithdrawProtocolFees pays accrued protocol fees out of pool cash.
func (l *LiquidityLedger) WithdrawProtocolFees(amount *big.Int) error {
	if !fixedpoint.IsPositive(amount) {
		return ErrInvalidAmount
	}
	if amount.Cmp(l.pool.ProtocolFeesAccrued) > 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(l.pool.TotalLiquidityAsset) > 0 {
		return ErrInsufficientLiquidity
	}
	l.pool.ProtocolFeesAccrued.Sub(l.pool.ProtocolFeesAccrued, amount)
	l.pool.TotalLiquidityAsset.Sub(l.pool.TotalLiquidityAsset, amount)
	return nil
}
