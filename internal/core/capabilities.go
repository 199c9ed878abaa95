package core

import "time"

// Role names checked through AccessControl.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// AccessControl answers role checks for privileged operations. The engine
// never stores actor identities itself.
type AccessControl interface {
	HasRole(actor string, role string) bool
}

// CollateralCustody moves invoice tokens in and out of escrow. The engine
// calls TransferIn before registering a position and TransferOut when
// releasing one; a custody failure aborts the operation before any ledger
// mutation.
type CollateralCustody interface {
	TransferIn(ref string, owner string) error
	TransferOut(ref string, owner string) error
}

// Clock supplies the engine's notion of now. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// StaticAccessControl is a fixed role table loaded from configuration.
type StaticAccessControl struct {
	grants map[string]map[string]bool
}

func NewStaticAccessControl() *StaticAccessControl {
	return &StaticAccessControl{grants: make(map[string]map[string]bool)}
}

// Grant gives actor the role.
func (a *StaticAccessControl) Grant(actor, role string) {
	roles, ok := a.grants[actor]
	if !ok {
		roles = make(map[string]bool)
		a.grants[actor] = roles
	}
	roles[role] = true
}

func (a *StaticAccessControl) HasRole(actor, role string) bool {
	return a.grants[actor][role]
}

// NoopCustody accepts every transfer. Used when escrow is handled by an
// external settlement system that feeds this service, and in tests.
type NoopCustody struct{}

func (NoopCustody) TransferIn(string, string) error  { return nil }
func (NoopCustody) TransferOut(string, string) error { return nil }
