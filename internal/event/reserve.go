package event

// ReserveFunded records a contribution to the first-loss reserve.
type ReserveFunded struct {
	Funder  string `json:"funder"`
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
}

func (e *ReserveFunded) EventType() EventType   { return EventTypeReserveFunded }
func (e *ReserveFunded) CollateralRef() *string { return nil }

// ReserveTargetSet records a governance change of the reserve target.
type ReserveTargetSet struct {
	TargetBps uint32 `json:"target_bps"`
}

func (e *ReserveTargetSet) EventType() EventType   { return EventTypeReserveTargetSet }
func (e *ReserveTargetSet) CollateralRef() *string { return nil }
