package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"FactorPool/internal/event"
	"FactorPool/internal/state"
)

// ReplayEvent applies a logged event directly to in-memory state, without
// re-validating preconditions or re-emitting. Replay assumes the log is
// trusted: events were valid when first applied, and applying them in
// sequence order over the same starting state reproduces the same state.
func (e *Engine) ReplayEvent(eventType, idempotencyKey string, payload []byte, sequence int64, stateHash []byte, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.applyReplay(eventType, payload, ts); err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", sequence, eventType, err)
	}

	e.sequence = sequence + 1
	var hash [32]byte
	copy(hash[:], stateHash)
	e.hasher.SetPrevHash(hash)
	e.idempotency.MarkProcessed(eventType, idempotencyKey)

	return nil
}

func (e *Engine) applyReplay(eventType string, payload []byte, ts time.Time) error {
	switch eventType {
	case "Deposited":
		var evt event.Deposited
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		_, err = e.ledger.Deposit(evt.Provider, amount)
		return err

	case "Withdrawn":
		var evt event.Withdrawn
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		shares, err := replayAmount(evt.SharesBurned)
		if err != nil {
			return err
		}
		_, err = e.ledger.Withdraw(evt.Provider, shares)
		return err

	case "CollateralLocked":
		var evt event.CollateralLocked
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		faceValue, err := replayAmount(evt.FaceValue)
		if err != nil {
			return err
		}
		pos := state.NewPosition(evt.Ref, evt.Owner, faceValue, uint64(evt.LTVBps), evt.DueDate, ts.Unix())
		return e.positions.Create(pos)

	case "RecourseModeSet":
		var evt event.RecourseModeSet
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		mode := state.NonRecourse
		if evt.RecourseMode == state.Recourse.String() {
			mode = state.Recourse
		}
		pos.SetRecourseMode(mode, uint64(evt.LTVBps))
		return nil

	case "CreditDrawn":
		var evt event.CreditDrawn
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		if err := e.ledger.RecordDraw(amount); err != nil {
			return err
		}
		pos.UsedCredit.Add(pos.UsedCredit, amount)
		pos.Version++
		return nil

	case "InterestAccrued":
		var evt event.InterestAccrued
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		delta, err := replayAmount(evt.Delta)
		if err != nil {
			return err
		}
		feeDelta, err := replayAmount(evt.FeeDelta)
		if err != nil {
			return err
		}
		pos.LastAccrualTimestamp += evt.ElapsedSeconds
		pos.InterestAccrued.Add(pos.InterestAccrued, delta)
		pos.FeeAccrued.Add(pos.FeeAccrued, feeDelta)
		pos.Version++
		e.ledger.RecordAccrual(delta, feeDelta)
		return nil

	case "CreditRepaid":
		var evt event.CreditRepaid
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		e.applyPayment(pos, amount)
		return nil

	case "CollateralReleased":
		var evt event.CollateralReleased
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		if pos.Resolution == state.ResolutionNone {
			pos.Resolution = state.ResolutionRepaid
		}
		e.positions.Remove(evt.Ref)
		return nil

	case "GraceStarted":
		var evt event.GraceStarted
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		pos.GraceEndsAt = evt.GraceEndsAt
		pos.Version++
		return nil

	case "DefaultDeclared":
		var evt event.DefaultDeclared
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		pos.IsInDefault = true
		pos.DefaultDeclaredAt = evt.DeclaredAt
		pos.Version++
		return nil

	case "RecoursePaid":
		var evt event.RecoursePaid
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		e.applyPayment(pos, amount)
		if evt.Resolved {
			pos.Resolution = state.ResolutionRecourseClaimed
			pos.IsInDefault = false
		}
		return nil

	case "LossWrittenDown":
		var evt event.LossWrittenDown
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		pos, ok := e.positions.Get(evt.Ref)
		if !ok {
			return state.ErrPositionNotFound
		}
		principalLoss, err := replayAmount(evt.PrincipalLoss)
		if err != nil {
			return err
		}
		interestWrittenOff, err := replayAmount(evt.InterestWrittenOff)
		if err != nil {
			return err
		}
		feeCancelled, err := replayAmount(evt.FeeCancelled)
		if err != nil {
			return err
		}

		claim := new(big.Int).Add(principalLoss, interestWrittenOff)
		claim.Sub(claim, feeCancelled)

		e.ledger.RecordWriteDown(principalLoss, interestWrittenOff, feeCancelled)
		absorbed := e.reserve.Absorb(claim)
		e.ledger.CreditReserveAbsorption(absorbed)
		shortfall := new(big.Int).Sub(claim, absorbed)
		e.ledger.ApplyLoss(shortfall)

		pos.UsedCredit.Sub(pos.UsedCredit, principalLoss)
		if evt.Resolved {
			pos.InterestAccrued.SetInt64(0)
			pos.FeeAccrued.SetInt64(0)
			pos.Resolution = state.ResolutionWrittenDown
			pos.Liquidated = true
		}
		pos.Version++
		return nil

	case "ReserveFunded":
		var evt event.ReserveFunded
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		return e.reserve.Fund(amount)

	case "ReserveTargetSet":
		var evt event.ReserveTargetSet
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		e.reserve.SetTarget(uint64(evt.TargetBps))
		return nil

	case "ProtocolFeesWithdrawn":
		var evt event.ProtocolFeesWithdrawn
		if err := json.Unmarshal(payload, &evt); err != nil {
			return err
		}
		amount, err := replayAmount(evt.Amount)
		if err != nil {
			return err
		}
		return e.ledger.WithdrawProtocolFees(amount)

	case "PoolPaused":
		e.ledger.Pool().Paused = true
		return nil

	case "PoolUnpaused":
		e.ledger.Pool().Paused = false
		return nil

	default:
		return fmt.Errorf("unknown event type %q", eventType)
	}
}

func replayAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
