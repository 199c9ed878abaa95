package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FactorPool/internal/core"
	"FactorPool/internal/event"
	"FactorPool/internal/observability"

	"github.com/rs/zerolog"
)

// Worker maintains the read-side tables (projections.pool,
// projections.positions, projections.lp_shares) from the engine's event
// stream. The projection channel is non-blocking with drop: a worker that
// falls behind is rebuilt from the event log, so a failed update here is
// logged and skipped rather than retried.
type Worker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: rebuildable from the event log.
				pw.log.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Str("event_type", output.Envelope.EventType.String()).
					Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("pool").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	if err := pw.applyEvent(ctx, tx, output.Payload, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) applyEvent(ctx context.Context, tx *sql.Tx, payload event.Event, seq int64) error {
	switch evt := payload.(type) {
	case *event.Deposited:
		if err := pw.updatePool(ctx, tx, seq, `
			total_liquidity_asset = p.total_liquidity_asset + $2::numeric,
			lp_share_supply = p.lp_share_supply + $3::numeric,
			share_price_wad = $4::numeric
		`, evt.Amount, evt.SharesMinted, evt.SharePriceWad); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.lp_shares (provider, shares, last_sequence, updated_at)
			VALUES ($1, $2::numeric, $3, NOW())
			ON CONFLICT (provider)
			DO UPDATE SET shares = projections.lp_shares.shares + $2::numeric, last_sequence = $3, updated_at = NOW()
		`, evt.Provider, evt.SharesMinted, seq)
		return err

	case *event.Withdrawn:
		if err := pw.updatePool(ctx, tx, seq, `
			total_liquidity_asset = p.total_liquidity_asset - $2::numeric,
			lp_share_supply = p.lp_share_supply - $3::numeric
		`, evt.AmountOut, evt.SharesBurned); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.lp_shares
			SET shares = shares - $2::numeric, last_sequence = $3, updated_at = NOW()
			WHERE provider = $1
		`, evt.Provider, evt.SharesBurned, seq)
		return err

	case *event.CollateralLocked:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(collateral_ref, owner, face_value, ltv_bps, max_credit_line, used_credit,
				 interest_accrued, recourse_mode, due_date, grace_ends_at, in_default,
				 default_declared_at, resolution, released, last_sequence, updated_at)
			VALUES ($1, $2, $3::numeric, $4, $5::numeric, 0, 0, $6, $7, 0, FALSE, 0, 'NONE', FALSE, $8, NOW())
			ON CONFLICT (collateral_ref) DO UPDATE SET
				owner = $2, face_value = $3::numeric, ltv_bps = $4, max_credit_line = $5::numeric,
				used_credit = 0, interest_accrued = 0, recourse_mode = $6, due_date = $7,
				grace_ends_at = 0, in_default = FALSE, default_declared_at = 0,
				resolution = 'NONE', released = FALSE, last_sequence = $8, updated_at = NOW()
		`, evt.Ref, evt.Owner, evt.FaceValue, evt.LTVBps, evt.MaxCreditLine, evt.RecourseMode, evt.DueDate, seq)
		return err

	case *event.RecourseModeSet:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET recourse_mode = $2, ltv_bps = $3, max_credit_line = $4::numeric,
			    last_sequence = $5, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.RecourseMode, evt.LTVBps, evt.MaxCreditLine, seq)
		return err

	case *event.CreditDrawn:
		if err := pw.updatePool(ctx, tx, seq, `
			total_liquidity_asset = p.total_liquidity_asset - $2::numeric,
			total_principal_outstanding = p.total_principal_outstanding + $2::numeric
		`, evt.Amount); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET used_credit = $2::numeric, last_sequence = $3, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.UsedCredit, seq)
		return err

	case *event.InterestAccrued:
		if err := pw.updatePool(ctx, tx, seq, `
			total_interest_accrued = p.total_interest_accrued + $2::numeric,
			protocol_fees_accrued = p.protocol_fees_accrued + $3::numeric
		`, evt.Delta, evt.FeeDelta); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET interest_accrued = $2::numeric, last_sequence = $3, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.InterestAccrued, seq)
		return err

	case *event.CreditRepaid:
		if err := pw.updatePool(ctx, tx, seq, `
			total_liquidity_asset = p.total_liquidity_asset + $2::numeric,
			total_interest_accrued = p.total_interest_accrued - $3::numeric,
			total_principal_outstanding = p.total_principal_outstanding - $4::numeric
		`, evt.Amount, evt.InterestPaid, evt.PrincipalPaid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET used_credit = used_credit - $2::numeric,
			    interest_accrued = interest_accrued - $3::numeric,
			    last_sequence = $4, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.PrincipalPaid, evt.InterestPaid, seq)
		return err

	case *event.CollateralReleased:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET released = TRUE,
			    resolution = CASE WHEN resolution = 'NONE' THEN 'REPAID' ELSE resolution END,
			    last_sequence = $2, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, seq)
		return err

	case *event.GraceStarted:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET grace_ends_at = $2, last_sequence = $3, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.GraceEndsAt, seq)
		return err

	case *event.DefaultDeclared:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET in_default = TRUE, default_declared_at = $2, last_sequence = $3, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.DeclaredAt, seq)
		return err

	case *event.RecoursePaid:
		if err := pw.updatePool(ctx, tx, seq, `
			total_liquidity_asset = p.total_liquidity_asset + $2::numeric,
			total_interest_accrued = p.total_interest_accrued - $3::numeric,
			total_principal_outstanding = p.total_principal_outstanding - $4::numeric
		`, evt.Amount, evt.InterestPaid, evt.PrincipalPaid); err != nil {
			return err
		}
		resolution := "NONE"
		if evt.Resolved {
			resolution = "RECOURSE_CLAIMED"
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET used_credit = used_credit - $2::numeric,
			    interest_accrued = interest_accrued - $3::numeric,
			    resolution = CASE WHEN $4 <> 'NONE' THEN $4 ELSE resolution END,
			    in_default = CASE WHEN $4 <> 'NONE' THEN FALSE ELSE in_default END,
			    last_sequence = $5, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.PrincipalPaid, evt.InterestPaid, resolution, seq)
		return err

	case *event.LossWrittenDown:
		if err := pw.updatePool(ctx, tx, seq, `
			total_principal_outstanding = p.total_principal_outstanding - $2::numeric,
			total_interest_accrued = p.total_interest_accrued - $3::numeric,
			protocol_fees_accrued = p.protocol_fees_accrued - $4::numeric,
			total_liquidity_asset = p.total_liquidity_asset + $5::numeric,
			total_losses = p.total_losses + $6::numeric,
			reserve_balance = p.reserve_balance - $5::numeric,
			share_price_wad = $7::numeric
		`, evt.PrincipalLoss, evt.InterestWrittenOff, evt.FeeCancelled, evt.ReserveAbsorbed, evt.LPLoss, evt.SharePriceWad); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.positions
			SET used_credit = used_credit - $2::numeric,
			    interest_accrued = interest_accrued - $3::numeric,
			    resolution = CASE WHEN $4 THEN 'WRITTEN_DOWN' ELSE resolution END,
			    last_sequence = $5, updated_at = NOW()
			WHERE collateral_ref = $1
		`, evt.Ref, evt.PrincipalLoss, evt.InterestWrittenOff, evt.Resolved, seq)
		return err

	case *event.ReserveFunded:
		return pw.updatePool(ctx, tx, seq, `reserve_balance = $2::numeric`, evt.Balance)

	case *event.ReserveTargetSet:
		return pw.updatePool(ctx, tx, seq, `reserve_target_bps = $2`, evt.TargetBps)

	case *event.ProtocolFeesWithdrawn:
		return pw.updatePool(ctx, tx, seq, `
			protocol_fees_accrued = p.protocol_fees_accrued - $2::numeric,
			total_liquidity_asset = p.total_liquidity_asset - $2::numeric
		`, evt.Amount)

	case *event.PoolPaused:
		return pw.updatePool(ctx, tx, seq, `paused = TRUE`)

	case *event.PoolUnpaused:
		return pw.updatePool(ctx, tx, seq, `paused = FALSE`)

	default:
		return fmt.Errorf("unknown payload type %T", payload)
	}
}

// updatePool applies a SET clause to the singleton pool row. $1 is always the
// sequence; extra args start at $2.
func (pw *Worker) updatePool(ctx context.Context, tx *sql.Tx, seq int64, setClause string, args ...interface{}) error {
	query := fmt.Sprintf(`
		UPDATE projections.pool AS p
		SET %s, last_sequence = $1, updated_at = NOW()
		WHERE p.id = 1
	`, setClause)

	allArgs := append([]interface{}{seq}, args...)
	_, err := tx.ExecContext(ctx, query, allArgs...)
	return err
}
