package state

import (
	"math/big"

	"FactorPool/internal/fixedpoint"
)

// RecourseMode says who bears the loss when a financed invoice goes bad.
type RecourseMode int32

const (
	// NonRecourse: the pool alone bears the loss. Default on lock.
	NonRecourse RecourseMode = iota
	// Recourse: the borrowing counterparty remains personally liable.
	Recourse
)

func (m RecourseMode) String() string {
	switch m {
	case NonRecourse:
		return "NON_RECOURSE"
	case Recourse:
		return "RECOURSE"
	default:
		return "Unknown"
	}
}

// Resolution is the terminal outcome of a position.
type Resolution int32

const (
	ResolutionNone Resolution = iota
	ResolutionRepaid
	ResolutionWrittenDown
	ResolutionRecourseClaimed
)

func (r Resolution) String() string {
	switch r {
	case ResolutionNone:
		return "NONE"
	case ResolutionRepaid:
		return "REPAID"
	case ResolutionWrittenDown:
		return "WRITTEN_DOWN"
	case ResolutionRecourseClaimed:
		return "RECOURSE_CLAIMED"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates resolution transitions. A position reaches at
// most one terminal state.
func (r Resolution) CanTransitionTo(next Resolution) bool {
	if r != ResolutionNone {
		return false
	}
	switch next {
	case ResolutionRepaid, ResolutionWrittenDown, ResolutionRecourseClaimed:
		return true
	default:
		return false
	}
}

// Position is the credit ledger entry for one locked collateral reference.
// At most one Position exists per collateral ref at a time; re-locking after
// release creates a fresh record. All big.Int fields are owned by the
// position and mutated in place under the engine's writer lock.
type Position struct {
	CollateralRef string
	Owner         string
	FaceValue     *big.Int
	LTVBps        uint64
	MaxCreditLine *big.Int
	UsedCredit    *big.Int

	// InterestAccrued is the gross interest the borrower owes; FeeAccrued is
	// the protocol's uncollected slice of it (FeeAccrued <= InterestAccrued).
	InterestAccrued      *big.Int
	FeeAccrued           *big.Int
	LastAccrualTimestamp int64

	RecourseMode RecourseMode

	DueDate           int64
	GraceEndsAt       int64 // 0 until grace started
	IsInDefault       bool
	DefaultDeclaredAt int64
	Resolution        Resolution
	Liquidated        bool

	Version int64
}

// NewPosition creates a freshly locked position in non-recourse mode with the
// credit line implied by faceValue and ltvBps.
func NewPosition(ref, owner string, faceValue *big.Int, ltvBps uint64, dueDate, now int64) *Position {
	return &Position{
		CollateralRef:        ref,
		Owner:                owner,
		FaceValue:            fixedpoint.Clone(faceValue),
		LTVBps:               ltvBps,
		MaxCreditLine:        fixedpoint.BpsOf(faceValue, ltvBps),
		UsedCredit:           new(big.Int),
		InterestAccrued:      new(big.Int),
		FeeAccrued:           new(big.Int),
		LastAccrualTimestamp: now,
		RecourseMode:         NonRecourse,
		DueDate:              dueDate,
	}
}

// SetRecourseMode switches the loss-bearing mode and recomputes the credit
// line from the mode-specific LTV.
func (p *Position) SetRecourseMode(mode RecourseMode, ltvBps uint64) {
	p.RecourseMode = mode
	p.LTVBps = ltvBps
	p.MaxCreditLine = fixedpoint.BpsOf(p.FaceValue, ltvBps)
	p.Version++
}

// Outstanding returns usedCredit + interestAccrued.
func (p *Position) Outstanding() *big.Int {
	return new(big.Int).Add(p.UsedCredit, p.InterestAccrued)
}

// IsCleared reports whether all debt has been repaid.
func (p *Position) IsCleared() bool {
	return p.UsedCredit.Sign() == 0 && p.InterestAccrued.Sign() == 0
}

// IsTerminal reports whether the position reached a terminal resolution.
func (p *Position) IsTerminal() bool {
	return p.Resolution != ResolutionNone
}

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, byte(len(p.CollateralRef)))
	buf = append(buf, []byte(p.CollateralRef)...)
	buf = append(buf, byte(len(p.Owner)))
	buf = append(buf, []byte(p.Owner)...)

	buf = appendBig(buf, p.FaceValue)
	buf = appendUint64(buf, p.LTVBps)
	buf = appendBig(buf, p.UsedCredit)
	buf = appendBig(buf, p.InterestAccrued)
	buf = appendBig(buf, p.FeeAccrued)
	buf = appendUint64(buf, uint64(p.LastAccrualTimestamp))

	buf = append(buf, byte(p.RecourseMode))
	buf = appendUint64(buf, uint64(p.DueDate))
	buf = appendUint64(buf, uint64(p.GraceEndsAt))
	if p.IsInDefault {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint64(buf, uint64(p.DefaultDeclaredAt))
	buf = append(buf, byte(p.Resolution))

	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
