package event

// CollateralLocked records an invoice pledged as collateral and the
// credit line opened against it.
type CollateralLocked struct {
	Ref           string `json:"ref"`
	Owner         string `json:"owner"`
	FaceValue     string `json:"face_value"`
	LTVBps        uint32 `json:"ltv_bps"`
	MaxCreditLine string `json:"max_credit_line"`
	RecourseMode  string `json:"recourse_mode"`
	DueDate       int64  `json:"due_date"`
}

func (e *CollateralLocked) EventType() EventType   { return EventTypeCollateralLocked }
func (e *CollateralLocked) CollateralRef() *string { return &e.Ref }

// RecourseModeSet records a recourse mode change before any draw.
type RecourseModeSet struct {
	Ref           string `json:"ref"`
	RecourseMode  string `json:"recourse_mode"`
	LTVBps        uint32 `json:"ltv_bps"`
	MaxCreditLine string `json:"max_credit_line"`
}

func (e *RecourseModeSet) EventType() EventType   { return EventTypeRecourseModeSet }
func (e *RecourseModeSet) CollateralRef() *string { return &e.Ref }

// CreditDrawn records principal advanced against a collateral position.
type CreditDrawn struct {
	Ref            string `json:"ref"`
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	UsedCredit     string `json:"used_credit"`
	UtilizationBps uint32 `json:"utilization_bps"`
}

func (e *CreditDrawn) EventType() EventType   { return EventTypeCreditDrawn }
func (e *CreditDrawn) CollateralRef() *string { return &e.Ref }

// CreditRepaid records a repayment applied interest-first.
type CreditRepaid struct {
	Ref           string `json:"ref"`
	Payer         string `json:"payer"`
	Amount        string `json:"amount"`
	InterestPaid  string `json:"interest_paid"`
	PrincipalPaid string `json:"principal_paid"`
	Outstanding   string `json:"outstanding"`
}

func (e *CreditRepaid) EventType() EventType   { return EventTypeCreditRepaid }
func (e *CreditRepaid) CollateralRef() *string { return &e.Ref }

// InterestAccrued records simple interest accrued on used credit since
// the last accrual checkpoint.
type InterestAccrued struct {
	Ref             string `json:"ref"`
	Delta           string `json:"delta"`
	FeeDelta        string `json:"fee_delta"`
	InterestAccrued string `json:"interest_accrued"`
	ElapsedSeconds  int64  `json:"elapsed_seconds"`
}

func (e *InterestAccrued) EventType() EventType   { return EventTypeInterestAccrued }
func (e *InterestAccrued) CollateralRef() *string { return &e.Ref }

// CollateralReleased records a cleared position returned to its owner.
type CollateralReleased struct {
	Ref   string `json:"ref"`
	Owner string `json:"owner"`
}

func (e *CollateralReleased) EventType() EventType   { return EventTypeCollateralReleased }
func (e *CollateralReleased) CollateralRef() *string { return &e.Ref }
