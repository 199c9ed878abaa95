package core

import (
	"math/big"

	"FactorPool/internal/fixedpoint"
	"FactorPool/internal/state"
)

// PoolStatus is a point-in-time read of committed pool state. All big.Int
// fields are copies.
type PoolStatus struct {
	TotalLiquidityAsset       *big.Int
	TotalPrincipalOutstanding *big.Int
	TotalInterestAccrued      *big.Int
	TotalLosses               *big.Int
	ProtocolFeesAccrued       *big.Int
	LPShareSupply             *big.Int
	NAV                       *big.Int
	SharePriceWad             *big.Int
	UtilizationBps            uint64
	ReserveBalance            *big.Int
	ReserveTargetBps          uint64
	Paused                    bool
	Sequence                  int64
	StateHash                 [32]byte
	ActivePositions           int
}

// PoolStatus reads the current pool state under the writer lock.
func (e *Engine) PoolStatus() PoolStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.ledger.Pool()
	return PoolStatus{
		TotalLiquidityAsset:       fixedpoint.Clone(p.TotalLiquidityAsset),
		TotalPrincipalOutstanding: fixedpoint.Clone(p.TotalPrincipalOutstanding),
		TotalInterestAccrued:      fixedpoint.Clone(p.TotalInterestAccrued),
		TotalLosses:               fixedpoint.Clone(p.TotalLosses),
		ProtocolFeesAccrued:       fixedpoint.Clone(p.ProtocolFeesAccrued),
		LPShareSupply:             fixedpoint.Clone(p.LPShareSupply),
		NAV:                       p.NAV(),
		SharePriceWad:             p.SharePriceWad(),
		UtilizationBps:            p.UtilizationBps(),
		ReserveBalance:            e.reserve.Balance(),
		ReserveTargetBps:          e.reserve.TargetBps(),
		Paused:                    p.Paused,
		Sequence:                  e.sequence,
		StateHash:                 e.hasher.GetPrevHash(),
		ActivePositions:           e.positions.Count(),
	}
}

// Position returns a deep copy of the position for a collateral ref.
func (e *Engine) Position(ref string) (*state.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, false
	}
	return clonePosition(pos), true
}

// Positions returns deep copies of all active positions.
func (e *Engine) Positions() []*state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := e.positions.All()
	out := make([]*state.Position, len(all))
	for i, pos := range all {
		out[i] = clonePosition(pos)
	}
	return out
}

// SharesOf returns an LP's share balance.
func (e *Engine) SharesOf(provider string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SharesOf(provider)
}

// GetSequence returns the next sequence the engine will assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// WarmIdempotency preloads the duplicate-detection cache with composite keys
// from the event log, for cold starts without a snapshot.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.WarmFromKeys(keys)
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte

	TotalLiquidityAsset       *big.Int
	TotalPrincipalOutstanding *big.Int
	TotalInterestAccrued      *big.Int
	TotalLosses               *big.Int
	ProtocolFeesAccrued       *big.Int
	LPShareSupply             *big.Int
	Paused                    bool

	ShareBalances map[string]*big.Int
	Positions     []*state.Position

	ReserveBalance   *big.Int
	ReserveTargetBps uint64

	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.ledger.Pool()
	all := e.positions.All()
	positions := make([]*state.Position, len(all))
	for i, pos := range all {
		positions[i] = clonePosition(pos)
	}

	return &SnapshotState{
		Sequence:                  e.sequence - 1, // Last assigned sequence
		StateHash:                 e.hasher.GetPrevHash(),
		TotalLiquidityAsset:       fixedpoint.Clone(p.TotalLiquidityAsset),
		TotalPrincipalOutstanding: fixedpoint.Clone(p.TotalPrincipalOutstanding),
		TotalInterestAccrued:      fixedpoint.Clone(p.TotalInterestAccrued),
		TotalLosses:               fixedpoint.Clone(p.TotalLosses),
		ProtocolFeesAccrued:       fixedpoint.Clone(p.ProtocolFeesAccrued),
		LPShareSupply:             fixedpoint.Clone(p.LPShareSupply),
		Paused:                    p.Paused,
		ShareBalances:             e.ledger.ShareBalances(),
		Positions:                 positions,
		ReserveBalance:            e.reserve.Balance(),
		ReserveTargetBps:          e.reserve.TargetBps(),
		IdempotencyKeys:           e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state.
// On warm restart: load the latest snapshot, then replay newer events.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1 // Next sequence to assign
	e.hasher.SetPrevHash(snap.StateHash)

	p := e.ledger.Pool()
	p.TotalLiquidityAsset.Set(snap.TotalLiquidityAsset)
	p.TotalPrincipalOutstanding.Set(snap.TotalPrincipalOutstanding)
	p.TotalInterestAccrued.Set(snap.TotalInterestAccrued)
	p.TotalLosses.Set(snap.TotalLosses)
	p.ProtocolFeesAccrued.Set(snap.ProtocolFeesAccrued)
	p.LPShareSupply.Set(snap.LPShareSupply)
	p.Paused = snap.Paused

	e.ledger.RestoreShareBalances(snap.ShareBalances)

	for _, pos := range snap.Positions {
		e.positions.Set(clonePosition(pos))
	}

	e.reserve.Restore(snap.ReserveBalance, snap.ReserveTargetBps)
	e.idempotency.WarmFromKeys(snap.IdempotencyKeys)
}

func clonePosition(p *state.Position) *state.Position {
	cp := *p
	cp.FaceValue = fixedpoint.Clone(p.FaceValue)
	cp.MaxCreditLine = fixedpoint.Clone(p.MaxCreditLine)
	cp.UsedCredit = fixedpoint.Clone(p.UsedCredit)
	cp.InterestAccrued = fixedpoint.Clone(p.InterestAccrued)
	cp.FeeAccrued = fixedpoint.Clone(p.FeeAccrued)
	return &cp
}
