package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Service provides read-only access to the projection tables and the event
// log. All responses carry as_of_sequence so callers can reason about
// freshness: projections trail the engine and are eventually consistent.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetPoolState returns the projected pool aggregates.
func (s *Service) GetPoolState(ctx context.Context) (*PoolStateResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var r PoolStateResponse
	r.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT total_liquidity_asset::text, total_principal_outstanding::text,
		       total_interest_accrued::text, total_losses::text,
		       protocol_fees_accrued::text, lp_share_supply::text,
		       share_price_wad::text, reserve_balance::text,
		       reserve_target_bps, paused
		FROM projections.pool
		WHERE id = 1
	`).Scan(
		&r.TotalLiquidityAsset, &r.TotalPrincipalOutstanding,
		&r.TotalInterestAccrued, &r.TotalLosses,
		&r.ProtocolFeesAccrued, &r.LPShareSupply,
		&r.SharePriceWad, &r.ReserveBalance,
		&r.ReserveTargetBps, &r.Paused,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetPosition returns a single position by collateral reference.
// Returns (nil, nil) when the reference is unknown.
func (s *Service) GetPosition(ctx context.Context, ref string) (*PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var p PositionResponse
	p.AsOfSequence = asOfSeq
	err = s.db.QueryRowContext(ctx, `
		SELECT collateral_ref, owner, face_value::text, ltv_bps, max_credit_line::text,
		       used_credit::text, interest_accrued::text, recourse_mode, due_date,
		       grace_ends_at, in_default, default_declared_at, resolution, released
		FROM projections.positions
		WHERE collateral_ref = $1
	`, ref).Scan(
		&p.CollateralRef, &p.Owner, &p.FaceValue, &p.LTVBps, &p.MaxCreditLine,
		&p.UsedCredit, &p.InterestAccrued, &p.RecourseMode, &p.DueDate,
		&p.GraceEndsAt, &p.InDefault, &p.DefaultDeclaredAt, &p.Resolution, &p.Released,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns positions, optionally filtered by owner. Released and
// written-down positions are included: history queries need the tombstones.
func (s *Service) ListPositions(ctx context.Context, owner *string, limit int) ([]PositionResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT collateral_ref, owner, face_value::text, ltv_bps, max_credit_line::text,
		       used_credit::text, interest_accrued::text, recourse_mode, due_date,
		       grace_ends_at, in_default, default_declared_at, resolution, released
		FROM projections.positions
	`
	args := []interface{}{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" WHERE owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}

	query += " ORDER BY collateral_ref"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.CollateralRef, &p.Owner, &p.FaceValue, &p.LTVBps, &p.MaxCreditLine,
			&p.UsedCredit, &p.InterestAccrued, &p.RecourseMode, &p.DueDate,
			&p.GraceEndsAt, &p.InDefault, &p.DefaultDeclaredAt, &p.Resolution, &p.Released,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	return positions, rows.Err()
}

// GetLPShares returns a provider's share balance. Unknown providers hold zero.
func (s *Service) GetLPShares(ctx context.Context, provider string) (*LPShareResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	r := &LPShareResponse{Provider: provider, Shares: "0", AsOfSequence: asOfSeq}
	err = s.db.QueryRowContext(ctx, `
		SELECT shares::text FROM projections.lp_shares WHERE provider = $1
	`, provider).Scan(&r.Shares)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return r, nil
}

// GetEventHistory returns event log entries with cursor-based pagination,
// newest first. A collateral ref filter narrows to one position's lifecycle.
func (s *Service) GetEventHistory(
	ctx context.Context,
	collateralRef *string,
	limit int,
	beforeSequence *int64,
) ([]EventHistoryEntry, error) {
	query := `
		SELECT sequence, event_type, collateral_ref, payload, timestamp
		FROM event_log.events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if collateralRef != nil {
		query += fmt.Sprintf(" AND collateral_ref = $%d", argIdx)
		args = append(args, *collateralRef)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		var payload []byte
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.CollateralRef, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity across the event log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&report.LastSequence)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
