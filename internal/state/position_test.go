package state_test

import (
	"testing"

	"FactorPool/internal/state"
)

// ============================================================================
// Test: Position credit line
// ============================================================================

func TestNewPosition_CreditLineFromLTV(t *testing.T) {
	pos := state.NewPosition("inv-1", "issuer-a", bi(500), 6_000, 1000, 0)

	if pos.MaxCreditLine.Cmp(bi(300)) != 0 {
		t.Fatalf("expected credit line 300, got %s", pos.MaxCreditLine)
	}
	if pos.RecourseMode != state.NonRecourse {
		t.Fatalf("expected non-recourse default, got %s", pos.RecourseMode)
	}
	if !pos.IsCleared() {
		t.Fatal("fresh position should be cleared")
	}
}

func TestSetRecourseMode_RecomputesCreditLine(t *testing.T) {
	pos := state.NewPosition("inv-1", "issuer-a", bi(500), 6_000, 1000, 0)

	pos.SetRecourseMode(state.Recourse, 8_000)
	if pos.MaxCreditLine.Cmp(bi(400)) != 0 {
		t.Fatalf("expected credit line 400 at 80%% LTV, got %s", pos.MaxCreditLine)
	}
}

func TestPosition_Outstanding(t *testing.T) {
	pos := state.NewPosition("inv-1", "issuer-a", bi(500), 6_000, 1000, 0)
	pos.UsedCredit.SetInt64(200)
	pos.InterestAccrued.SetInt64(30)

	if pos.Outstanding().Cmp(bi(230)) != 0 {
		t.Fatalf("expected outstanding 230, got %s", pos.Outstanding())
	}
}

// ============================================================================
// Test: Resolution transitions
// ============================================================================

func TestResolution_SingleTerminalState(t *testing.T) {
	if !state.ResolutionNone.CanTransitionTo(state.ResolutionRepaid) {
		t.Error("NONE -> REPAID should be legal")
	}
	if !state.ResolutionNone.CanTransitionTo(state.ResolutionWrittenDown) {
		t.Error("NONE -> WRITTEN_DOWN should be legal")
	}
	if !state.ResolutionNone.CanTransitionTo(state.ResolutionRecourseClaimed) {
		t.Error("NONE -> RECOURSE_CLAIMED should be legal")
	}
	if state.ResolutionRepaid.CanTransitionTo(state.ResolutionWrittenDown) {
		t.Error("terminal states must not transition")
	}
	if state.ResolutionNone.CanTransitionTo(state.ResolutionNone) {
		t.Error("NONE -> NONE is not a transition")
	}
}

// ============================================================================
// Test: PositionManager
// ============================================================================

func TestPositionManager_CreateDuplicate_Fails(t *testing.T) {
	pm := state.NewPositionManager()

	if err := pm.Create(state.NewPosition("inv-1", "a", bi(100), 6_000, 10, 0)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := pm.Create(state.NewPosition("inv-1", "b", bi(200), 6_000, 10, 0))
	if err != state.ErrPositionAlreadyExists {
		t.Fatalf("expected ErrPositionAlreadyExists, got %v", err)
	}
}

func TestPositionManager_RemoveThenRecreate(t *testing.T) {
	pm := state.NewPositionManager()

	if err := pm.Create(state.NewPosition("inv-1", "a", bi(100), 6_000, 10, 0)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	pm.Remove("inv-1")
	if _, ok := pm.Get("inv-1"); ok {
		t.Fatal("position should be gone after remove")
	}
	if err := pm.Create(state.NewPosition("inv-1", "a", bi(100), 6_000, 10, 0)); err != nil {
		t.Fatalf("re-create after remove failed: %v", err)
	}
}

func TestPositionManager_IssuerExposure(t *testing.T) {
	pm := state.NewPositionManager()

	p1 := state.NewPosition("inv-1", "issuer-a", bi(1000), 6_000, 10, 0)
	p1.UsedCredit.SetInt64(200)
	p2 := state.NewPosition("inv-2", "issuer-a", bi(1000), 6_000, 10, 0)
	p2.UsedCredit.SetInt64(300)
	p3 := state.NewPosition("inv-3", "issuer-b", bi(1000), 6_000, 10, 0)
	p3.UsedCredit.SetInt64(999)

	for _, p := range []*state.Position{p1, p2, p3} {
		if err := pm.Create(p); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	if got := pm.IssuerExposure("issuer-a"); got.Cmp(bi(500)) != 0 {
		t.Fatalf("expected exposure 500, got %s", got)
	}
}

func TestPositionManager_AllIsSorted(t *testing.T) {
	pm := state.NewPositionManager()
	for _, ref := range []string{"inv-c", "inv-a", "inv-b"} {
		if err := pm.Create(state.NewPosition(ref, "x", bi(100), 6_000, 10, 0)); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	all := pm.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(all))
	}
	for i, want := range []string{"inv-a", "inv-b", "inv-c"} {
		if all[i].CollateralRef != want {
			t.Errorf("position %d: expected %s, got %s", i, want, all[i].CollateralRef)
		}
	}
}
