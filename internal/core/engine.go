package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"FactorPool/internal/event"
	"FactorPool/internal/fixedpoint"
	"FactorPool/internal/observability"
	"FactorPool/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-writer command processor. Every state-changing
// operation validates all its preconditions first, mutates pool and position
// state, then appends exactly one envelope per state change to the event log.
// A mutex serializes writers; reads of committed state go through the
// projection layer.
type Engine struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	ledger    *state.LiquidityLedger
	positions *state.PositionManager
	riskGuard *state.RiskGuard
	accrual   *state.AccrualEngine
	reserve   *state.ReserveManager

	idempotency *IdempotencyChecker
	access      AccessControl
	custody     CollateralCustody
	clock       Clock
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- CoreOutput
}

// CoreOutput is what the engine emits per committed event.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Payload    event.Event
	StateDelta []byte
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Params         state.PoolParams
	StartSequence  int64
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	PublishChan    chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Access         AccessControl
	Custody        CollateralCustody
	Clock          Clock
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool params: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Custody == nil {
		cfg.Custody = NoopCustody{}
	}

	pool := state.NewPool(cfg.Params)
	ledger := state.NewLiquidityLedger(pool)
	positions := state.NewPositionManager()

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		ledger:         ledger,
		positions:      positions,
		riskGuard:      state.NewRiskGuard(pool, positions),
		accrual:        state.NewAccrualEngine(ledger),
		reserve:        state.NewReserveManager(),
		idempotency:    NewIdempotencyChecker(1_000_000, cfg.DBChecker),
		access:         cfg.Access,
		custody:        cfg.Custody,
		clock:          cfg.Clock,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		publishChan:    cfg.PublishChan,
	}, nil
}

// --- Liquidity operations ---

type DepositResult struct {
	Envelope     *event.EventEnvelope
	SharesMinted *big.Int
}

// Deposit mints LP shares for a liquidity contribution.
func (e *Engine) Deposit(provider string, amount *big.Int, idemKey string) (*DepositResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "Deposited"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	shares, err := e.ledger.Deposit(provider, amount)
	if err != nil {
		return nil, e.reject(op, err)
	}

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.Deposited{
		Provider:      provider,
		Amount:        amount.String(),
		SharesMinted:  shares.String(),
		SharePriceWad: e.ledger.Pool().SharePriceWad().String(),
	})

	e.log.Info().
		Str("provider", provider).
		Str("amount", amount.String()).
		Str("shares", shares.String()).
		Int64("sequence", env.Sequence).
		Msg("deposit applied")

	e.finish(op, start)
	return &DepositResult{Envelope: env, SharesMinted: shares}, nil
}

type WithdrawResult struct {
	Envelope  *event.EventEnvelope
	AmountOut *big.Int
}

// Withdraw burns LP shares and pays out at the current share price.
func (e *Engine) Withdraw(provider string, shares *big.Int, idemKey string) (*WithdrawResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "Withdrawn"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	price := e.ledger.Pool().SharePriceWad()
	amountOut, err := e.ledger.Withdraw(provider, shares)
	if err != nil {
		return nil, e.reject(op, err)
	}

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.Withdrawn{
		Provider:      provider,
		SharesBurned:  shares.String(),
		AmountOut:     amountOut.String(),
		SharePriceWad: price.String(),
	})

	e.log.Info().
		Str("provider", provider).
		Str("shares", shares.String()).
		Str("amount_out", amountOut.String()).
		Int64("sequence", env.Sequence).
		Msg("withdrawal applied")

	e.finish(op, start)
	return &WithdrawResult{Envelope: env, AmountOut: amountOut}, nil
}

// --- Credit lifecycle ---

// LockCollateral escrows an invoice and opens a non-recourse credit line
// against it at the pool's non-recourse LTV.
func (e *Engine) LockCollateral(owner, ref string, faceValue *big.Int, dueDate time.Time, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "CollateralLocked"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	ts := e.clock.Now()
	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	if !fixedpoint.IsPositive(faceValue) {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}
	if !dueDate.After(ts) {
		return nil, e.reject(op, state.ErrInvalidDueDate)
	}
	if _, exists := e.positions.Get(ref); exists {
		return nil, e.reject(op, state.ErrPositionAlreadyExists)
	}

	if err := e.custody.TransferIn(ref, owner); err != nil {
		return nil, e.reject(op, fmt.Errorf("custody transfer in: %w", err))
	}

	pos := state.NewPosition(ref, owner, faceValue, e.ledger.Pool().Params.LTVNonRecourseBps, dueDate.Unix(), ts.Unix())
	if err := e.positions.Create(pos); err != nil {
		return nil, e.reject(op, err)
	}

	env := e.commit(op, key, ts, pos, &event.CollateralLocked{
		Ref:           ref,
		Owner:         owner,
		FaceValue:     faceValue.String(),
		LTVBps:        uint32(pos.LTVBps),
		MaxCreditLine: pos.MaxCreditLine.String(),
		RecourseMode:  pos.RecourseMode.String(),
		DueDate:       pos.DueDate,
	})

	e.log.Info().
		Str("ref", ref).
		Str("owner", owner).
		Str("face_value", faceValue.String()).
		Str("max_credit_line", pos.MaxCreditLine.String()).
		Int64("sequence", env.Sequence).
		Msg("collateral locked")

	e.finish(op, start)
	return env, nil
}

// SetRecourseMode switches a position's loss-bearing mode. Position owner or
// admin, and only before any credit has been drawn.
func (e *Engine) SetRecourseMode(actor, ref string, mode state.RecourseMode, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "RecourseModeSet"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if actor != pos.Owner && !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}
	if pos.UsedCredit.Sign() != 0 {
		return nil, e.reject(op, state.ErrOutstandingDebt)
	}

	params := e.ledger.Pool().Params
	ltv := params.LTVNonRecourseBps
	if mode == state.Recourse {
		ltv = params.LTVRecourseBps
	}
	pos.SetRecourseMode(mode, ltv)

	ts := e.clock.Now()
	env := e.commit(op, key, ts, pos, &event.RecourseModeSet{
		Ref:           ref,
		RecourseMode:  mode.String(),
		LTVBps:        uint32(ltv),
		MaxCreditLine: pos.MaxCreditLine.String(),
	})

	e.log.Info().
		Str("ref", ref).
		Str("mode", mode.String()).
		Int64("sequence", env.Sequence).
		Msg("recourse mode set")

	e.finish(op, start)
	return env, nil
}

// Draw advances principal against a locked position, subject to the credit
// line and all pool-wide circuit breakers.
func (e *Engine) Draw(owner, ref string, amount *big.Int, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "CreditDrawn"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	if !fixedpoint.IsPositive(amount) {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.Owner != owner {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}

	ts := e.clock.Now()

	// Checkpoint interest on the old principal first: the circuit breakers
	// measure against NAV, which the pending accrual is part of.
	e.accrueAndEmit(pos, ts)

	if err := e.riskGuard.CheckDraw(owner, amount); err != nil {
		return nil, e.reject(op, err)
	}
	proposed := new(big.Int).Add(pos.UsedCredit, amount)
	if proposed.Cmp(pos.MaxCreditLine) > 0 {
		return nil, e.reject(op, state.ErrCreditLineExceeded)
	}

	if err := e.ledger.RecordDraw(amount); err != nil {
		return nil, e.reject(op, err)
	}
	pos.UsedCredit.Add(pos.UsedCredit, amount)
	pos.Version++

	env := e.commit(op, key, ts, pos, &event.CreditDrawn{
		Ref:            ref,
		Owner:          owner,
		Amount:         amount.String(),
		UsedCredit:     pos.UsedCredit.String(),
		UtilizationBps: uint32(e.ledger.Pool().UtilizationBps()),
	})

	e.log.Info().
		Str("ref", ref).
		Str("owner", owner).
		Str("amount", amount.String()).
		Str("used_credit", pos.UsedCredit.String()).
		Int64("sequence", env.Sequence).
		Msg("credit drawn")

	e.finish(op, start)
	return env, nil
}

type RepayResult struct {
	Envelope      *event.EventEnvelope
	InterestPaid  *big.Int
	PrincipalPaid *big.Int
	Outstanding   *big.Int
}

// Repay applies a payment interest-first against a position that has not
// defaulted. Overpayment is rejected whole.
func (e *Engine) Repay(payer, ref string, amount *big.Int, idemKey string) (*RepayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "CreditRepaid"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	if !fixedpoint.IsPositive(amount) {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}

	ts := e.clock.Now()
	e.accrueAndEmit(pos, ts)

	if amount.Cmp(pos.Outstanding()) > 0 {
		return nil, e.reject(op, state.ErrOverpayment)
	}

	interestPaid, principalPaid := e.applyPayment(pos, amount)
	outstanding := pos.Outstanding()

	env := e.commit(op, key, ts, pos, &event.CreditRepaid{
		Ref:           ref,
		Payer:         payer,
		Amount:        amount.String(),
		InterestPaid:  interestPaid.String(),
		PrincipalPaid: principalPaid.String(),
		Outstanding:   outstanding.String(),
	})

	e.log.Info().
		Str("ref", ref).
		Str("payer", payer).
		Str("interest_paid", interestPaid.String()).
		Str("principal_paid", principalPaid.String()).
		Int64("sequence", env.Sequence).
		Msg("credit repaid")

	e.finish(op, start)
	return &RepayResult{
		Envelope:      env,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Outstanding:   outstanding,
	}, nil
}

type AccrueResult struct {
	// Envelope is nil when no time elapsed and no interest accrued.
	Envelope *event.EventEnvelope
	Delta    *big.Int
}

// AccrueInterest brings a position's interest up to the engine clock. A keeper
// operation: callable by anyone, live while the pool is paused, and an
// idempotent no-op when the clock has not advanced.
func (e *Engine) AccrueInterest(ref string, idemKey string) (*AccrueResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "InterestAccrued"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}

	ts := e.clock.Now()
	prevLast := pos.LastAccrualTimestamp
	prevFee := fixedpoint.Clone(pos.FeeAccrued)

	delta := e.accrual.Accrue(pos, ts.Unix())
	if delta.Sign() == 0 && pos.LastAccrualTimestamp == prevLast {
		// Clock has not advanced past the checkpoint.
		e.finish(op, start)
		return &AccrueResult{Delta: delta}, nil
	}

	feeDelta := new(big.Int).Sub(pos.FeeAccrued, prevFee)

	env := e.commit(op, key, ts, pos, &event.InterestAccrued{
		Ref:             ref,
		Delta:           delta.String(),
		FeeDelta:        feeDelta.String(),
		InterestAccrued: pos.InterestAccrued.String(),
		ElapsedSeconds:  pos.LastAccrualTimestamp - prevLast,
	})

	e.log.Debug().
		Str("ref", ref).
		Str("delta", delta.String()).
		Int64("sequence", env.Sequence).
		Msg("interest accrued")

	e.finish(op, start)
	return &AccrueResult{Envelope: env, Delta: delta}, nil
}

// Release returns cleared collateral to its owner and retires the position.
// Operator operation.
func (e *Engine) Release(actor, ref string, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "CollateralReleased"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleOperator) && !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.Liquidated {
		return nil, e.reject(op, state.ErrPositionResolved)
	}

	ts := e.clock.Now()
	if !pos.IsInDefault {
		e.accrueAndEmit(pos, ts)
	}
	if !pos.IsCleared() {
		return nil, e.reject(op, state.ErrOutstandingDebt)
	}

	if err := e.custody.TransferOut(ref, pos.Owner); err != nil {
		return nil, e.reject(op, fmt.Errorf("custody transfer out: %w", err))
	}

	if pos.Resolution == state.ResolutionNone {
		pos.Resolution = state.ResolutionRepaid
		pos.Version++
	}
	e.positions.Remove(ref)

	env := e.commit(op, key, ts, pos, &event.CollateralReleased{
		Ref:   ref,
		Owner: pos.Owner,
	})

	e.log.Info().
		Str("ref", ref).
		Str("owner", pos.Owner).
		Int64("sequence", env.Sequence).
		Msg("collateral released")

	e.finish(op, start)
	return env, nil
}

// --- Default lifecycle ---

// MarkOverdueAndStartGrace starts the grace clock on a position past its due
// date with debt outstanding. Keeper operation.
func (e *Engine) MarkOverdueAndStartGrace(ref string, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "GraceStarted"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}
	if pos.GraceEndsAt != 0 {
		return nil, e.reject(op, state.ErrGraceAlreadyStarted)
	}

	ts := e.clock.Now()
	if ts.Unix() < pos.DueDate {
		return nil, e.reject(op, state.ErrNotOverdue)
	}

	e.accrueAndEmit(pos, ts)
	if pos.Outstanding().Sign() == 0 {
		return nil, e.reject(op, state.ErrNotOverdue)
	}

	pos.GraceEndsAt = ts.Unix() + e.ledger.Pool().Params.GracePeriodSeconds
	pos.Version++

	env := e.commit(op, key, ts, pos, &event.GraceStarted{
		Ref:         ref,
		GraceEndsAt: pos.GraceEndsAt,
		Outstanding: pos.Outstanding().String(),
	})

	e.log.Info().
		Str("ref", ref).
		Int64("grace_ends_at", pos.GraceEndsAt).
		Int64("sequence", env.Sequence).
		Msg("grace period started")

	e.finish(op, start)
	return env, nil
}

// DeclareDefault moves a position into default once its grace period has
// fully elapsed. Non-recourse interest freezes at the declared amount;
// recourse debt keeps accruing until collected.
func (e *Engine) DeclareDefault(ref string, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "DefaultDeclared"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if pos.IsInDefault {
		return nil, e.reject(op, state.ErrAlreadyInDefault)
	}
	if pos.GraceEndsAt == 0 {
		return nil, e.reject(op, state.ErrGracePeriodNotElapsed)
	}

	ts := e.clock.Now()
	if ts.Unix() < pos.GraceEndsAt {
		return nil, e.reject(op, state.ErrGracePeriodNotElapsed)
	}

	// Final accrual up to the default instant, then the clock stops.
	e.accrueAndEmit(pos, ts)

	pos.IsInDefault = true
	pos.DefaultDeclaredAt = ts.Unix()
	pos.Version++

	env := e.commit(op, key, ts, pos, &event.DefaultDeclared{
		Ref:          ref,
		RecourseMode: pos.RecourseMode.String(),
		Outstanding:  pos.Outstanding().String(),
		DeclaredAt:   pos.DefaultDeclaredAt,
	})

	e.log.Warn().
		Str("ref", ref).
		Str("mode", pos.RecourseMode.String()).
		Str("outstanding", pos.Outstanding().String()).
		Int64("sequence", env.Sequence).
		Msg("default declared")

	e.finish(op, start)
	return env, nil
}

type RecourseResult struct {
	Envelope      *event.EventEnvelope
	InterestPaid  *big.Int
	PrincipalPaid *big.Int
	Outstanding   *big.Int
	Resolved      bool
}

// PayRecourse collects on the issuer's personal liability for a defaulted
// recourse position. Interest keeps accruing until the debt is settled.
// Partial payments keep the position in default; full payment resolves it as
// RECOURSE_CLAIMED and clears the default flag.
func (e *Engine) PayRecourse(payer, ref string, amount *big.Int, idemKey string) (*RecourseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "RecoursePaid"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !fixedpoint.IsPositive(amount) {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if !pos.IsInDefault {
		return nil, e.reject(op, state.ErrNotInDefault)
	}
	if pos.RecourseMode != state.Recourse {
		return nil, e.reject(op, state.ErrWrongRecourseMode)
	}

	ts := e.clock.Now()
	e.accrueAndEmit(pos, ts)

	if amount.Cmp(pos.Outstanding()) > 0 {
		return nil, e.reject(op, state.ErrOverpayment)
	}

	interestPaid, principalPaid := e.applyPayment(pos, amount)
	resolved := pos.IsCleared()
	if resolved {
		pos.Resolution = state.ResolutionRecourseClaimed
		pos.IsInDefault = false
		pos.Version++
	}
	outstanding := pos.Outstanding()

	env := e.commit(op, key, ts, pos, &event.RecoursePaid{
		Ref:           ref,
		Payer:         payer,
		Amount:        amount.String(),
		InterestPaid:  interestPaid.String(),
		PrincipalPaid: principalPaid.String(),
		Outstanding:   outstanding.String(),
		Resolved:      resolved,
	})

	e.log.Info().
		Str("ref", ref).
		Str("payer", payer).
		Str("amount", amount.String()).
		Bool("resolved", resolved).
		Int64("sequence", env.Sequence).
		Msg("recourse payment applied")

	e.finish(op, start)
	return &RecourseResult{
		Envelope:      env,
		InterestPaid:  interestPaid,
		PrincipalPaid: principalPaid,
		Outstanding:   outstanding,
		Resolved:      resolved,
	}, nil
}

type WriteDownResult struct {
	Envelope        *event.EventEnvelope
	PrincipalLoss   *big.Int
	ReserveAbsorbed *big.Int
	LPLoss          *big.Int
}

// WriteDownLoss writes off up to lossAmount of a defaulted non-recourse
// position's principal after the recovery window. A full write-off also
// derecognizes the unpaid interest and its fee claim. The whole uncovered
// claim flows reserve-first: the first-loss reserve absorbs what it can, and
// only the shortfall hits LP NAV. A partial write-down leaves the remainder
// outstanding for a later recovery. Admin only.
func (e *Engine) WriteDownLoss(actor, ref string, lossAmount *big.Int, idemKey string) (*WriteDownResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "LossWrittenDown"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if !fixedpoint.IsPositive(lossAmount) {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}
	pos, ok := e.positions.Get(ref)
	if !ok {
		return nil, e.reject(op, state.ErrPositionNotFound)
	}
	if pos.IsTerminal() {
		return nil, e.reject(op, state.ErrPositionResolved)
	}
	if !pos.IsInDefault {
		return nil, e.reject(op, state.ErrNotInDefault)
	}
	if pos.RecourseMode != state.NonRecourse {
		return nil, e.reject(op, state.ErrWrongRecourseMode)
	}
	if lossAmount.Cmp(pos.UsedCredit) > 0 {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}

	ts := e.clock.Now()
	if ts.Unix() < pos.DefaultDeclaredAt+e.ledger.Pool().Params.RecoveryWindowSeconds {
		return nil, e.reject(op, state.ErrRecoveryWindowNotElapsed)
	}

	principalLoss := fixedpoint.Clone(lossAmount)
	resolved := lossAmount.Cmp(pos.UsedCredit) == 0
	interestWrittenOff := new(big.Int)
	feeCancelled := new(big.Int)
	if resolved {
		interestWrittenOff = fixedpoint.Clone(pos.InterestAccrued)
		feeCancelled = fixedpoint.Clone(pos.FeeAccrued)
	}

	// The claim on LP value: lost principal plus unpaid interest, net of the
	// protocol fee claim that dies with it.
	claim := new(big.Int).Add(principalLoss, interestWrittenOff)
	claim.Sub(claim, feeCancelled)

	e.ledger.RecordWriteDown(principalLoss, interestWrittenOff, feeCancelled)
	absorbed := e.reserve.Absorb(claim)
	e.ledger.CreditReserveAbsorption(absorbed)
	shortfall := new(big.Int).Sub(claim, absorbed)
	lpLoss := e.ledger.ApplyLoss(shortfall)

	pos.UsedCredit.Sub(pos.UsedCredit, principalLoss)
	if resolved {
		pos.InterestAccrued.SetInt64(0)
		pos.FeeAccrued.SetInt64(0)
		pos.Resolution = state.ResolutionWrittenDown
		pos.Liquidated = true
	}
	pos.Version++

	env := e.commit(op, key, ts, pos, &event.LossWrittenDown{
		Ref:                ref,
		PrincipalLoss:      principalLoss.String(),
		InterestWrittenOff: interestWrittenOff.String(),
		FeeCancelled:       feeCancelled.String(),
		ReserveAbsorbed:    absorbed.String(),
		LPLoss:             lpLoss.String(),
		SharePriceWad:      e.ledger.Pool().SharePriceWad().String(),
		Resolved:           resolved,
	})

	e.log.Warn().
		Str("ref", ref).
		Str("principal_loss", principalLoss.String()).
		Str("reserve_absorbed", absorbed.String()).
		Str("lp_loss", lpLoss.String()).
		Int64("sequence", env.Sequence).
		Msg("loss written down")

	e.finish(op, start)
	return &WriteDownResult{
		Envelope:        env,
		PrincipalLoss:   principalLoss,
		ReserveAbsorbed: absorbed,
		LPLoss:          lpLoss,
	}, nil
}

// --- Reserve & governance ---

// FundReserve adds externally sourced funds to the first-loss reserve.
// Allowed while paused: it only adds protection.
func (e *Engine) FundReserve(funder string, amount *big.Int, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "ReserveFunded"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if err := e.reserve.Fund(amount); err != nil {
		return nil, e.reject(op, err)
	}

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.ReserveFunded{
		Funder:  funder,
		Amount:  amount.String(),
		Balance: e.reserve.Balance().String(),
	})

	e.log.Info().
		Str("funder", funder).
		Str("amount", amount.String()).
		Str("balance", e.reserve.Balance().String()).
		Int64("sequence", env.Sequence).
		Msg("reserve funded")

	e.finish(op, start)
	return env, nil
}

// SetReserveTarget records the informational reserve target. Admin only.
func (e *Engine) SetReserveTarget(actor string, targetBps uint64, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "ReserveTargetSet"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if targetBps > 10_000 {
		return nil, e.reject(op, state.ErrInvalidAmount)
	}

	e.reserve.SetTarget(targetBps)

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.ReserveTargetSet{
		TargetBps: uint32(targetBps),
	})

	e.log.Info().
		Uint64("target_bps", targetBps).
		Int64("sequence", env.Sequence).
		Msg("reserve target set")

	e.finish(op, start)
	return env, nil
}

// WithdrawProtocolFees sweeps collected protocol fees to a treasury address.
// Admin only.
func (e *Engine) WithdrawProtocolFees(actor, recipient string, amount *big.Int, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "ProtocolFeesWithdrawn"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if e.ledger.Pool().Paused {
		return nil, e.reject(op, state.ErrPaused)
	}
	if err := e.ledger.WithdrawProtocolFees(amount); err != nil {
		return nil, e.reject(op, err)
	}

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.ProtocolFeesWithdrawn{
		Recipient: recipient,
		Amount:    amount.String(),
	})

	e.log.Info().
		Str("recipient", recipient).
		Str("amount", amount.String()).
		Int64("sequence", env.Sequence).
		Msg("protocol fees withdrawn")

	e.finish(op, start)
	return env, nil
}

// Pause halts all state-changing operations except accrual and reserve
// funding. Operator or admin.
func (e *Engine) Pause(actor string, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "PoolPaused"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleOperator) && !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if e.ledger.Pool().Paused {
		// Already paused: nothing to record.
		e.finish(op, start)
		return nil, nil
	}

	e.ledger.Pool().Paused = true

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.PoolPaused{Actor: actor})

	e.log.Warn().Str("actor", actor).Int64("sequence", env.Sequence).Msg("pool paused")

	e.finish(op, start)
	return env, nil
}

// Unpause resumes operations. Operator or admin.
func (e *Engine) Unpause(actor string, idemKey string) (*event.EventEnvelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const op = "PoolUnpaused"
	start := time.Now()

	key, err := e.begin(op, idemKey)
	if err != nil {
		return nil, err
	}

	if !e.access.HasRole(actor, RoleOperator) && !e.access.HasRole(actor, RoleAdmin) {
		return nil, e.reject(op, ErrUnauthorized)
	}
	if !e.ledger.Pool().Paused {
		e.finish(op, start)
		return nil, nil
	}

	e.ledger.Pool().Paused = false

	ts := e.clock.Now()
	env := e.commit(op, key, ts, nil, &event.PoolUnpaused{Actor: actor})

	e.log.Info().Str("actor", actor).Int64("sequence", env.Sequence).Msg("pool unpaused")

	e.finish(op, start)
	return env, nil
}

// --- Shared internals ---

// begin resolves the idempotency key for an operation. An empty key gets a
// fresh UUID; an explicit key that was already processed is rejected.
func (e *Engine) begin(op, idemKey string) (string, error) {
	if idemKey == "" {
		return uuid.NewString(), nil
	}
	if e.idempotency.IsDuplicate(op, idemKey) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return "", ErrDuplicateOperation
	}
	return idemKey, nil
}

func (e *Engine) reject(op string, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
	return err
}

func (e *Engine) finish(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// accrueAndEmit checkpoints interest on a position and, when anything
// accrued, records a derived InterestAccrued event under its own sequence.
// Callers that freeze interest in default guard for that themselves; recourse
// collection accrues right through it.
func (e *Engine) accrueAndEmit(pos *state.Position, ts time.Time) {
	if pos.IsTerminal() {
		return
	}

	prevLast := pos.LastAccrualTimestamp
	prevFee := fixedpoint.Clone(pos.FeeAccrued)

	delta := e.accrual.Accrue(pos, ts.Unix())
	if delta.Sign() == 0 {
		return
	}
	feeDelta := new(big.Int).Sub(pos.FeeAccrued, prevFee)

	key := fmt.Sprintf("accrual:%s:%d", pos.CollateralRef, e.sequence)
	e.commit("InterestAccrued", key, ts, pos, &event.InterestAccrued{
		Ref:             pos.CollateralRef,
		Delta:           delta.String(),
		FeeDelta:        feeDelta.String(),
		InterestAccrued: pos.InterestAccrued.String(),
		ElapsedSeconds:  pos.LastAccrualTimestamp - prevLast,
	})
}

// applyPayment splits a payment interest-first and applies it to the pool and
// position. Caller has already bounded amount by Outstanding().
func (e *Engine) applyPayment(pos *state.Position, amount *big.Int) (interestPaid, principalPaid *big.Int) {
	interestPaid = fixedpoint.Min(amount, pos.InterestAccrued)
	principalPaid = new(big.Int).Sub(amount, interestPaid)

	e.ledger.RecordRepayment(interestPaid, principalPaid)
	pos.InterestAccrued.Sub(pos.InterestAccrued, interestPaid)
	pos.UsedCredit.Sub(pos.UsedCredit, principalPaid)

	// The fee claim on paid interest is now funded by cash; only the claim on
	// still-unpaid interest remains cancellable.
	if pos.InterestAccrued.Sign() == 0 {
		pos.FeeAccrued.SetInt64(0)
	} else {
		settled := fixedpoint.Min(pos.FeeAccrued, fixedpoint.BpsOf(interestPaid, e.ledger.Pool().Params.ProtocolFeeBps))
		pos.FeeAccrued.Sub(pos.FeeAccrued, settled)
	}
	pos.Version++

	return interestPaid, principalPaid
}

// commit hashes the post-state, assigns a sequence, and emits the envelope.
// Persist channel send is blocking (backpressure); projection send is
// non-blocking with drop.
func (e *Engine) commit(op, idemKey string, ts time.Time, pos *state.Position, payload event.Event) *event.EventEnvelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payload marshal failed for %s: %v", op, err))
	}

	hashStart := time.Now()
	digest := e.stateDigest(pos)
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, digest)
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idemKey,
		EventType:      payload.EventType(),
		CollateralRef:  payload.CollateralRef(),
		Timestamp:      ts,
		Payload:        raw,
		StateHash:      hash,
		PrevHash:       prev,
	}

	output := CoreOutput{Envelope: env, Payload: payload, StateDelta: digest}

	// Blocking send: the engine stalls until the persistence worker drains.
	// Guarantees no committed event is lost.
	e.persistChan <- output

	// Projections can rebuild from the event log if they fall behind.
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDrops.Inc()
		}
	}

	// Outbound stream consumers can backfill from the event log too.
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	e.sequence++
	e.idempotency.MarkProcessed(op, idemKey)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.updatePoolGauges()
	}

	return env
}

// stateDigest builds canonical bytes over the pool, the reserve, and the
// affected position (when any).
func (e *Engine) stateDigest(pos *state.Position) []byte {
	digest := e.ledger.Pool().CanonicalBytes()

	bal := e.reserve.Balance().Bytes()
	digest = append(digest, byte(len(bal)))
	digest = append(digest, bal...)

	if pos != nil {
		digest = append(digest, pos.CanonicalBytes()...)
	}
	return digest
}

func (e *Engine) updatePoolGauges() {
	p := e.ledger.Pool()
	e.metrics.PoolNAV.Set(bigFloat(p.NAV()))
	e.metrics.PoolSharePriceWad.Set(bigFloat(p.SharePriceWad()))
	e.metrics.PoolUtilizationBps.Set(float64(p.UtilizationBps()))
	e.metrics.PoolCash.Set(bigFloat(p.TotalLiquidityAsset))
	e.metrics.PrincipalOutstanding.Set(bigFloat(p.TotalPrincipalOutstanding))
	e.metrics.InterestAccrued.Set(bigFloat(p.TotalInterestAccrued))
	e.metrics.TotalLosses.Set(bigFloat(p.TotalLosses))
	e.metrics.ProtocolFeesAccrued.Set(bigFloat(p.ProtocolFeesAccrued))
	e.metrics.ReserveBalance.Set(bigFloat(e.reserve.Balance()))
	e.metrics.ActivePositions.Set(float64(e.positions.Count()))

	inDefault := 0
	for _, pos := range e.positions.All() {
		if pos.IsInDefault && !pos.IsTerminal() {
			inDefault++
		}
	}
	e.metrics.PositionsInDefault.Set(float64(inDefault))
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
