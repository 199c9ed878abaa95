package event

// Deposited records an LP deposit and the shares minted for it.
type Deposited struct {
	Provider      string `json:"provider"`
	Amount        string `json:"amount"`
	SharesMinted  string `json:"shares_minted"`
	SharePriceWad string `json:"share_price_wad"`
}

func (e *Deposited) EventType() EventType   { return EventTypeDeposited }
func (e *Deposited) CollateralRef() *string { return nil }

// Withdrawn records an LP share redemption.
type Withdrawn struct {
	Provider      string `json:"provider"`
	SharesBurned  string `json:"shares_burned"`
	AmountOut     string `json:"amount_out"`
	SharePriceWad string `json:"share_price_wad"`
}

func (e *Withdrawn) EventType() EventType   { return EventTypeWithdrawn }
func (e *Withdrawn) CollateralRef() *string { return nil }

// ProtocolFeesWithdrawn records a protocol fee sweep to the treasury.
type ProtocolFeesWithdrawn struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func (e *ProtocolFeesWithdrawn) EventType() EventType   { return EventTypeProtocolFeesWithdrawn }
func (e *ProtocolFeesWithdrawn) CollateralRef() *string { return nil }

// PoolPaused records an operator pausing state-changing operations.
type PoolPaused struct {
	Actor string `json:"actor"`
}

func (e *PoolPaused) EventType() EventType   { return EventTypePoolPaused }
func (e *PoolPaused) CollateralRef() *string { return nil }

// PoolUnpaused records an operator resuming state-changing operations.
type PoolUnpaused struct {
	Actor string `json:"actor"`
}

func (e *PoolUnpaused) EventType() EventType   { return EventTypePoolUnpaused }
func (e *PoolUnpaused) CollateralRef() *string { return nil }
