package event

// GraceStarted records the grace clock starting on an overdue position.
type GraceStarted struct {
	Ref         string `json:"ref"`
	GraceEndsAt int64  `json:"grace_ends_at"`
	Outstanding string `json:"outstanding"`
}

func (e *GraceStarted) EventType() EventType   { return EventTypeGraceStarted }
func (e *GraceStarted) CollateralRef() *string { return &e.Ref }

// DefaultDeclared records a position entering default after grace expiry.
type DefaultDeclared struct {
	Ref          string `json:"ref"`
	RecourseMode string `json:"recourse_mode"`
	Outstanding  string `json:"outstanding"`
	DeclaredAt   int64  `json:"declared_at"`
}

func (e *DefaultDeclared) EventType() EventType   { return EventTypeDefaultDeclared }
func (e *DefaultDeclared) CollateralRef() *string { return &e.Ref }

// RecoursePaid records an issuer payment against a defaulted recourse
// position.
type RecoursePaid struct {
	Ref           string `json:"ref"`
	Payer         string `json:"payer"`
	Amount        string `json:"amount"`
	InterestPaid  string `json:"interest_paid"`
	PrincipalPaid string `json:"principal_paid"`
	Outstanding   string `json:"outstanding"`
	Resolved      bool   `json:"resolved"`
}

func (e *RecoursePaid) EventType() EventType   { return EventTypeRecoursePaid }
func (e *RecoursePaid) CollateralRef() *string { return &e.Ref }

// LossWrittenDown records non-recourse principal written off after the
// recovery window, absorbed reserve-first. Resolved marks a full write-off,
// which also cancels the unpaid interest and its fee claim.
type LossWrittenDown struct {
	Ref                string `json:"ref"`
	PrincipalLoss      string `json:"principal_loss"`
	InterestWrittenOff string `json:"interest_written_off"`
	FeeCancelled       string `json:"fee_cancelled"`
	ReserveAbsorbed    string `json:"reserve_absorbed"`
	LPLoss             string `json:"lp_loss"`
	SharePriceWad      string `json:"share_price_wad"`
	Resolved           bool   `json:"resolved"`
}

func (e *LossWrittenDown) EventType() EventType   { return EventTypeLossWrittenDown }
func (e *LossWrittenDown) CollateralRef() *string { return &e.Ref }
