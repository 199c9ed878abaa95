package state

import "errors"

// Ledger and position errors. Every public operation validates all of its
// preconditions before mutating anything, so any of these errors implies the
// ledger is untouched.
var (
	ErrPaused                = errors.New("pool is paused")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrInsufficientShares    = errors.New("shares exceed holder balance")

	ErrUtilizationLimitExceeded    = errors.New("utilization limit exceeded")
	ErrMaxSingleLoanExceeded       = errors.New("max single loan exceeded")
	ErrIssuerExposureLimitExceeded = errors.New("issuer exposure limit exceeded")
	ErrCreditLineExceeded          = errors.New("credit line exceeded")

	ErrPositionNotFound      = errors.New("position not found")
	ErrPositionAlreadyExists = errors.New("position already exists for collateral")
	ErrOutstandingDebt       = errors.New("position has outstanding debt")

	ErrNotOverdue               = errors.New("position is not yet overdue")
	ErrGraceAlreadyStarted      = errors.New("grace period already started")
	ErrGracePeriodNotElapsed    = errors.New("grace period has not elapsed")
	ErrRecoveryWindowNotElapsed = errors.New("recovery window has not elapsed")
	ErrAlreadyInDefault         = errors.New("position already in default")
	ErrNotInDefault             = errors.New("position not in default")
	ErrPositionResolved         = errors.New("position already resolved")
	ErrWrongRecourseMode        = errors.New("operation not valid for recourse mode")

	ErrOverpayment    = errors.New("payment exceeds outstanding debt")
	ErrInvalidDueDate = errors.New("due date must be in the future")
)
