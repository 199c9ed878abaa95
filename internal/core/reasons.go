package core

import (
	"errors"

	"FactorPool/internal/state"
)

// rejectReason maps an operation error to a stable metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateOperation):
		return "duplicate"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, state.ErrPaused):
		return "paused"
	case errors.Is(err, state.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, state.ErrInvalidDueDate):
		return "invalid_due_date"
	case errors.Is(err, state.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, state.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, state.ErrUtilizationLimitExceeded):
		return "utilization_limit"
	case errors.Is(err, state.ErrMaxSingleLoanExceeded):
		return "max_single_loan"
	case errors.Is(err, state.ErrIssuerExposureLimitExceeded):
		return "issuer_exposure_limit"
	case errors.Is(err, state.ErrCreditLineExceeded):
		return "credit_line_exceeded"
	case errors.Is(err, state.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, state.ErrPositionAlreadyExists):
		return "position_exists"
	case errors.Is(err, state.ErrOutstandingDebt):
		return "outstanding_debt"
	case errors.Is(err, state.ErrNotOverdue):
		return "not_overdue"
	case errors.Is(err, state.ErrGraceAlreadyStarted):
		return "grace_already_started"
	case errors.Is(err, state.ErrGracePeriodNotElapsed):
		return "grace_not_elapsed"
	case errors.Is(err, state.ErrRecoveryWindowNotElapsed):
		return "recovery_not_elapsed"
	case errors.Is(err, state.ErrAlreadyInDefault):
		return "in_default"
	case errors.Is(err, state.ErrNotInDefault):
		return "not_in_default"
	case errors.Is(err, state.ErrPositionResolved):
		return "resolved"
	case errors.Is(err, state.ErrWrongRecourseMode):
		return "wrong_recourse_mode"
	case errors.Is(err, state.ErrOverpayment):
		return "overpayment"
	default:
		return "internal"
	}
}
