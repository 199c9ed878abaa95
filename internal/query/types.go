package query

import (
	"encoding/json"
	"time"
)

// PoolStateResponse is the read-side view of the pool, served from the
// projections.pool singleton row. Amounts are decimal strings in base units.
type PoolStateResponse struct {
	TotalLiquidityAsset       string `json:"total_liquidity_asset"`
	TotalPrincipalOutstanding string `json:"total_principal_outstanding"`
	TotalInterestAccrued      string `json:"total_interest_accrued"`
	TotalLosses               string `json:"total_losses"`
	ProtocolFeesAccrued       string `json:"protocol_fees_accrued"`
	LPShareSupply             string `json:"lp_share_supply"`
	SharePriceWad             string `json:"share_price_wad"`
	ReserveBalance            string `json:"reserve_balance"`
	ReserveTargetBps          uint32 `json:"reserve_target_bps"`
	Paused                    bool   `json:"paused"`
	AsOfSequence              int64  `json:"as_of_sequence"`
}

// PositionResponse represents a financed collateral position for API queries.
type PositionResponse struct {
	CollateralRef     string `json:"collateral_ref"`
	Owner             string `json:"owner"`
	FaceValue         string `json:"face_value"`
	LTVBps            uint32 `json:"ltv_bps"`
	MaxCreditLine     string `json:"max_credit_line"`
	UsedCredit        string `json:"used_credit"`
	InterestAccrued   string `json:"interest_accrued"`
	RecourseMode      string `json:"recourse_mode"`
	DueDate           int64  `json:"due_date"`
	GraceEndsAt       int64  `json:"grace_ends_at,omitempty"`
	InDefault         bool   `json:"in_default"`
	DefaultDeclaredAt int64  `json:"default_declared_at,omitempty"`
	Resolution        string `json:"resolution"`
	Released          bool   `json:"released"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// LPShareResponse represents a liquidity provider's share balance.
type LPShareResponse struct {
	Provider     string `json:"provider"`
	Shares       string `json:"shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventHistoryEntry is a single row from the event log for API queries.
type EventHistoryEntry struct {
	Sequence      int64           `json:"sequence"`
	EventType     string          `json:"event_type"`
	CollateralRef *string         `json:"collateral_ref,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an event log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
}
