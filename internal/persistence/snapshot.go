package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"FactorPool/internal/core"
	"FactorPool/internal/state"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// On warm restart: load the latest verified snapshot, then replay events from
// snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized engine state at a point in time. All amount
// fields are decimal strings, so arbitrary-width balances survive the JSON
// round trip.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	TotalLiquidityAsset       string `json:"total_liquidity_asset"`
	TotalPrincipalOutstanding string `json:"total_principal_outstanding"`
	TotalInterestAccrued      string `json:"total_interest_accrued"`
	TotalLosses               string `json:"total_losses"`
	ProtocolFeesAccrued       string `json:"protocol_fees_accrued"`
	LPShareSupply             string `json:"lp_share_supply"`
	Paused                    bool   `json:"paused"`

	ShareBalances map[string]string  `json:"share_balances"`
	Positions     []PositionSnapshot `json:"positions"`

	ReserveBalance   string `json:"reserve_balance"`
	ReserveTargetBps uint64 `json:"reserve_target_bps"`

	IdempotencyKeys []string  `json:"idempotency_keys"`
	CreatedAt       time.Time `json:"created_at"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	CollateralRef        string `json:"collateral_ref"`
	Owner                string `json:"owner"`
	FaceValue            string `json:"face_value"`
	LTVBps               uint64 `json:"ltv_bps"`
	MaxCreditLine        string `json:"max_credit_line"`
	UsedCredit           string `json:"used_credit"`
	InterestAccrued      string `json:"interest_accrued"`
	FeeAccrued           string `json:"fee_accrued"`
	LastAccrualTimestamp int64  `json:"last_accrual_timestamp"`
	RecourseMode         int32  `json:"recourse_mode"`
	DueDate              int64  `json:"due_date"`
	GraceEndsAt          int64  `json:"grace_ends_at"`
	IsInDefault          bool   `json:"is_in_default"`
	DefaultDeclaredAt    int64  `json:"default_declared_at"`
	Resolution           int32  `json:"resolution"`
	Liquidated           bool   `json:"liquidated"`
	Version              int64  `json:"version"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineState converts the engine's snapshot into its storage form.
func FromEngineState(snap *core.SnapshotState) *SnapshotData {
	shareBalances := make(map[string]string, len(snap.ShareBalances))
	for lp, shares := range snap.ShareBalances {
		shareBalances[lp] = shares.String()
	}

	positions := make([]PositionSnapshot, 0, len(snap.Positions))
	for _, pos := range snap.Positions {
		positions = append(positions, PositionSnapshot{
			CollateralRef:        pos.CollateralRef,
			Owner:                pos.Owner,
			FaceValue:            pos.FaceValue.String(),
			LTVBps:               pos.LTVBps,
			MaxCreditLine:        pos.MaxCreditLine.String(),
			UsedCredit:           pos.UsedCredit.String(),
			InterestAccrued:      pos.InterestAccrued.String(),
			FeeAccrued:           pos.FeeAccrued.String(),
			LastAccrualTimestamp: pos.LastAccrualTimestamp,
			RecourseMode:         int32(pos.RecourseMode),
			DueDate:              pos.DueDate,
			GraceEndsAt:          pos.GraceEndsAt,
			IsInDefault:          pos.IsInDefault,
			DefaultDeclaredAt:    pos.DefaultDeclaredAt,
			Resolution:           int32(pos.Resolution),
			Liquidated:           pos.Liquidated,
			Version:              pos.Version,
		})
	}

	stateHash := make([]byte, 32)
	copy(stateHash, snap.StateHash[:])

	return &SnapshotData{
		Sequence:                  snap.Sequence,
		StateHash:                 stateHash,
		TotalLiquidityAsset:       snap.TotalLiquidityAsset.String(),
		TotalPrincipalOutstanding: snap.TotalPrincipalOutstanding.String(),
		TotalInterestAccrued:      snap.TotalInterestAccrued.String(),
		TotalLosses:               snap.TotalLosses.String(),
		ProtocolFeesAccrued:       snap.ProtocolFeesAccrued.String(),
		LPShareSupply:             snap.LPShareSupply.String(),
		Paused:                    snap.Paused,
		ShareBalances:             shareBalances,
		Positions:                 positions,
		ReserveBalance:            snap.ReserveBalance.String(),
		ReserveTargetBps:          snap.ReserveTargetBps,
		IdempotencyKeys:           snap.IdempotencyKeys,
		CreatedAt:                 time.Now().UTC(),
	}
}

// ToEngineState converts a loaded snapshot back into engine form.
func (sd *SnapshotData) ToEngineState() (*core.SnapshotState, error) {
	shareBalances := make(map[string]*big.Int, len(sd.ShareBalances))
	for lp, shares := range sd.ShareBalances {
		v, err := parseAmount(shares)
		if err != nil {
			return nil, fmt.Errorf("share balance for %s: %w", lp, err)
		}
		shareBalances[lp] = v
	}

	positions := make([]*state.Position, 0, len(sd.Positions))
	for _, ps := range sd.Positions {
		faceValue, err := parseAmount(ps.FaceValue)
		if err != nil {
			return nil, fmt.Errorf("position %s face value: %w", ps.CollateralRef, err)
		}
		maxLine, err := parseAmount(ps.MaxCreditLine)
		if err != nil {
			return nil, fmt.Errorf("position %s credit line: %w", ps.CollateralRef, err)
		}
		usedCredit, err := parseAmount(ps.UsedCredit)
		if err != nil {
			return nil, fmt.Errorf("position %s used credit: %w", ps.CollateralRef, err)
		}
		interest, err := parseAmount(ps.InterestAccrued)
		if err != nil {
			return nil, fmt.Errorf("position %s interest: %w", ps.CollateralRef, err)
		}
		fee, err := parseAmount(ps.FeeAccrued)
		if err != nil {
			return nil, fmt.Errorf("position %s fee: %w", ps.CollateralRef, err)
		}

		positions = append(positions, &state.Position{
			CollateralRef:        ps.CollateralRef,
			Owner:                ps.Owner,
			FaceValue:            faceValue,
			LTVBps:               ps.LTVBps,
			MaxCreditLine:        maxLine,
			UsedCredit:           usedCredit,
			InterestAccrued:      interest,
			FeeAccrued:           fee,
			LastAccrualTimestamp: ps.LastAccrualTimestamp,
			RecourseMode:         state.RecourseMode(ps.RecourseMode),
			DueDate:              ps.DueDate,
			GraceEndsAt:          ps.GraceEndsAt,
			IsInDefault:          ps.IsInDefault,
			DefaultDeclaredAt:    ps.DefaultDeclaredAt,
			Resolution:           state.Resolution(ps.Resolution),
			Liquidated:           ps.Liquidated,
			Version:              ps.Version,
		})
	}

	cash, err := parseAmount(sd.TotalLiquidityAsset)
	if err != nil {
		return nil, fmt.Errorf("total liquidity: %w", err)
	}
	principal, err := parseAmount(sd.TotalPrincipalOutstanding)
	if err != nil {
		return nil, fmt.Errorf("principal outstanding: %w", err)
	}
	interest, err := parseAmount(sd.TotalInterestAccrued)
	if err != nil {
		return nil, fmt.Errorf("interest accrued: %w", err)
	}
	losses, err := parseAmount(sd.TotalLosses)
	if err != nil {
		return nil, fmt.Errorf("total losses: %w", err)
	}
	fees, err := parseAmount(sd.ProtocolFeesAccrued)
	if err != nil {
		return nil, fmt.Errorf("protocol fees: %w", err)
	}
	supply, err := parseAmount(sd.LPShareSupply)
	if err != nil {
		return nil, fmt.Errorf("share supply: %w", err)
	}
	reserveBalance, err := parseAmount(sd.ReserveBalance)
	if err != nil {
		return nil, fmt.Errorf("reserve balance: %w", err)
	}

	var stateHash [32]byte
	copy(stateHash[:], sd.StateHash)

	return &core.SnapshotState{
		Sequence:                  sd.Sequence,
		StateHash:                 stateHash,
		TotalLiquidityAsset:       cash,
		TotalPrincipalOutstanding: principal,
		TotalInterestAccrued:      interest,
		TotalLosses:               losses,
		ProtocolFeesAccrued:       fees,
		LPShareSupply:             supply,
		Paused:                    sd.Paused,
		ShareBalances:             shareBalances,
		Positions:                 positions,
		ReserveBalance:            reserveBalance,
		ReserveTargetBps:          sd.ReserveTargetBps,
		IdempotencyKeys:           sd.IdempotencyKeys,
	}, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", s)
	}
	return v, nil
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before they are trusted for restore.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. A nil result
// with nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for warm
// restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, collateral_ref, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.CollateralRef,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
