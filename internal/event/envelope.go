package event

import "time"

// EventType discriminator for event payloads.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeCollateralLocked
	EventTypeRecourseModeSet
	EventTypeCreditDrawn
	EventTypeCreditRepaid
	EventTypeInterestAccrued
	EventTypeCollateralReleased
	EventTypeGraceStarted
	EventTypeDefaultDeclared
	EventTypeRecoursePaid
	EventTypeLossWrittenDown
	EventTypeReserveFunded
	EventTypeReserveTargetSet
	EventTypeProtocolFeesWithdrawn
	EventTypePoolPaused
	EventTypePoolUnpaused
)

// EventEnvelope wraps every event in the append-only log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key for the originating operation
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Collateral context (nil for pool-level events)
	CollateralRef *string

	// Engine clock timestamp of the operation
	Timestamp time.Time

	// JSON-encoded event-specific payload
	Payload []byte

	// SHA-256 of ledger state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all payloads implement.
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// CollateralRef returns the collateral context (nil for pool-level events)
	CollateralRef() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeCollateralLocked:
		return "CollateralLocked"
	case EventTypeRecourseModeSet:
		return "RecourseModeSet"
	case EventTypeCreditDrawn:
		return "CreditDrawn"
	case EventTypeCreditRepaid:
		return "CreditRepaid"
	case EventTypeInterestAccrued:
		return "InterestAccrued"
	case EventTypeCollateralReleased:
		return "CollateralReleased"
	case EventTypeGraceStarted:
		return "GraceStarted"
	case EventTypeDefaultDeclared:
		return "DefaultDeclared"
	case EventTypeRecoursePaid:
		return "RecoursePaid"
	case EventTypeLossWrittenDown:
		return "LossWrittenDown"
	case EventTypeReserveFunded:
		return "ReserveFunded"
	case EventTypeReserveTargetSet:
		return "ReserveTargetSet"
	case EventTypeProtocolFeesWithdrawn:
		return "ProtocolFeesWithdrawn"
	case EventTypePoolPaused:
		return "PoolPaused"
	case EventTypePoolUnpaused:
		return "PoolUnpaused"
	default:
		return "Unknown"
	}
}
