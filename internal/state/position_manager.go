package state

import (
	"math/big"
	"sort"
)

// PositionManager owns the active positions, keyed by collateral reference.
// Not thread-safe; the engine serializes access.
type PositionManager struct {
	positions map[string]*Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[string]*Position),
	}
}

// Create registers a new position. Fails if one already exists for the ref.
func (pm *PositionManager) Create(pos *Position) error {
	if _, exists := pm.positions[pos.CollateralRef]; exists {
		return ErrPositionAlreadyExists
	}
	pm.positions[pos.CollateralRef] = pos
	return nil
}

// Set stores a position unconditionally. Snapshot recovery only.
func (pm *PositionManager) Set(pos *Position) {
	pm.positions[pos.CollateralRef] = pos
}

// Get returns the active position for a collateral ref.
func (pm *PositionManager) Get(ref string) (*Position, bool) {
	pos, ok := pm.positions[ref]
	return pos, ok
}

// Remove drops a position from the active set. History survives in the
// event log and projections.
func (pm *PositionManager) Remove(ref string) {
	delete(pm.positions, ref)
}

// All returns all active positions ordered by collateral ref for
// deterministic iteration.
func (pm *PositionManager) All() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CollateralRef < out[j].CollateralRef
	})
	return out
}

// Count returns the number of active positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// IssuerExposure sums usedCredit across all active positions owned by the
// given counterparty.
func (pm *PositionManager) IssuerExposure(owner string) *big.Int {
	total := new(big.Int)
	for _, pos := range pm.positions {
		if pos.Owner == owner {
			total.Add(total, pos.UsedCredit)
		}
	}
	return total
}
