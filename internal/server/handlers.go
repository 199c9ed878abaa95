package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"FactorPool/internal/state"

	"github.com/go-chi/chi/v5"
)

// --- liquidity ---

type depositRequest struct {
	Amount string `json:"amount"`
}

type depositResponse struct {
	SharesMinted  string `json:"shares_minted"`
	NAV           string `json:"nav"`
	SharePriceWad string `json:"share_price_wad"`
	Sequence      int64  `json:"sequence"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req depositRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	result, err := s.engine.Deposit(a, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := s.engine.PoolStatus()
	s.writeJSON(w, http.StatusOK, depositResponse{
		SharesMinted:  result.SharesMinted.String(),
		NAV:           status.NAV.String(),
		SharePriceWad: status.SharePriceWad.String(),
		Sequence:      result.Envelope.Sequence,
	})
}

type withdrawRequest struct {
	Shares string `json:"shares"`
}

type withdrawResponse struct {
	AmountOut     string `json:"amount_out"`
	NAV           string `json:"nav"`
	SharePriceWad string `json:"share_price_wad"`
	Sequence      int64  `json:"sequence"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req withdrawRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	result, err := s.engine.Withdraw(a, shares, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := s.engine.PoolStatus()
	s.writeJSON(w, http.StatusOK, withdrawResponse{
		AmountOut:     result.AmountOut.String(),
		NAV:           status.NAV.String(),
		SharePriceWad: status.SharePriceWad.String(),
		Sequence:      result.Envelope.Sequence,
	})
}

// --- collateral lifecycle ---

type lockCollateralRequest struct {
	CollateralRef string `json:"collateral_ref"`
	FaceValue     string `json:"face_value"`
	DueDate       int64  `json:"due_date"`
}

func (s *Server) handleLockCollateral(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req lockCollateralRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.CollateralRef == "" {
		s.badRequest(w, fmt.Errorf("collateral_ref is required"))
		return
	}
	faceValue, err := parseAmount(req.FaceValue)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.LockCollateral(a, req.CollateralRef, faceValue, time.Unix(req.DueDate, 0), idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePosition(w, req.CollateralRef, env.Sequence)
}

type recourseModeRequest struct {
	RecourseMode string `json:"recourse_mode"`
}

func (s *Server) handleSetRecourseMode(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")
	var req recourseModeRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	mode, err := parseRecourseMode(req.RecourseMode)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.SetRecourseMode(a, ref, mode, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePosition(w, ref, env.Sequence)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.Draw(a, ref, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePosition(w, ref, env.Sequence)
}

type repayResponse struct {
	InterestPaid  string `json:"interest_paid"`
	PrincipalPaid string `json:"principal_paid"`
	Outstanding   string `json:"outstanding"`
	Sequence      int64  `json:"sequence"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	result, err := s.engine.Repay(a, ref, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, repayResponse{
		InterestPaid:  result.InterestPaid.String(),
		PrincipalPaid: result.PrincipalPaid.String(),
		Outstanding:   result.Outstanding.String(),
		Sequence:      result.Envelope.Sequence,
	})
}

type accrueResponse struct {
	Delta    string `json:"delta"`
	Sequence int64  `json:"sequence,omitempty"`
	Accrued  bool   `json:"accrued"`
}

// handleAccrue is a keeper endpoint: anyone may drive accrual forward.
func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	result, err := s.engine.AccrueInterest(ref, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := accrueResponse{Delta: result.Delta.String(), Accrued: result.Envelope != nil}
	if result.Envelope != nil {
		resp.Sequence = result.Envelope.Sequence
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")

	env, err := s.engine.Release(a, ref, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sequenceResponse{Sequence: env.Sequence})
}

// --- default lifecycle ---

type sequenceResponse struct {
	Sequence int64 `json:"sequence"`
}

func (s *Server) handleStartGrace(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	env, err := s.engine.MarkOverdueAndStartGrace(ref, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePosition(w, ref, env.Sequence)
}

func (s *Server) handleDeclareDefault(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	env, err := s.engine.DeclareDefault(ref, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePosition(w, ref, env.Sequence)
}

type recoursePaymentResponse struct {
	InterestPaid  string `json:"interest_paid"`
	PrincipalPaid string `json:"principal_paid"`
	Outstanding   string `json:"outstanding"`
	Resolved      bool   `json:"resolved"`
	Sequence      int64  `json:"sequence"`
}

func (s *Server) handlePayRecourse(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	result, err := s.engine.PayRecourse(a, ref, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recoursePaymentResponse{
		InterestPaid:  result.InterestPaid.String(),
		PrincipalPaid: result.PrincipalPaid.String(),
		Outstanding:   result.Outstanding.String(),
		Resolved:      result.Resolved,
		Sequence:      result.Envelope.Sequence,
	})
}

type writeDownRequest struct {
	LossAmount string `json:"loss_amount"`
}

type writeDownResponse struct {
	PrincipalLoss   string `json:"principal_loss"`
	ReserveAbsorbed string `json:"reserve_absorbed"`
	LPLoss          string `json:"lp_loss"`
	Sequence        int64  `json:"sequence"`
}

func (s *Server) handleWriteDown(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	ref := chi.URLParam(r, "ref")
	var req writeDownRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	lossAmount, err := parseAmount(req.LossAmount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	result, err := s.engine.WriteDownLoss(a, ref, lossAmount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, writeDownResponse{
		PrincipalLoss:   result.PrincipalLoss.String(),
		ReserveAbsorbed: result.ReserveAbsorbed.String(),
		LPLoss:          result.LPLoss.String(),
		Sequence:        result.Envelope.Sequence,
	})
}

// --- reserve, fees, pause ---

func (s *Server) handleFundReserve(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.FundReserve(a, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sequenceResponse{Sequence: env.Sequence})
}

type reserveTargetRequest struct {
	TargetBps uint64 `json:"target_bps"`
}

func (s *Server) handleSetReserveTarget(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req reserveTargetRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.SetReserveTarget(a, req.TargetBps, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sequenceResponse{Sequence: env.Sequence})
}

type feesWithdrawalRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	var req feesWithdrawalRequest
	if err := s.decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.Recipient == "" {
		s.badRequest(w, fmt.Errorf("recipient is required"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.WithdrawProtocolFees(a, req.Recipient, amount, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sequenceResponse{Sequence: env.Sequence})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.Pause(a, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := sequenceResponse{}
	if env != nil {
		resp.Sequence = env.Sequence
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	a, err := actor(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}

	env, err := s.engine.Unpause(a, idemKey(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := sequenceResponse{}
	if env != nil {
		resp.Sequence = env.Sequence
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// --- views ---

type poolView struct {
	TotalLiquidityAsset       string `json:"total_liquidity_asset"`
	TotalPrincipalOutstanding string `json:"total_principal_outstanding"`
	TotalInterestAccrued      string `json:"total_interest_accrued"`
	TotalLosses               string `json:"total_losses"`
	ProtocolFeesAccrued       string `json:"protocol_fees_accrued"`
	LPShareSupply             string `json:"lp_share_supply"`
	NAV                       string `json:"nav"`
	SharePriceWad             string `json:"share_price_wad"`
	UtilizationBps            uint64 `json:"utilization_bps"`
	ReserveBalance            string `json:"reserve_balance"`
	ReserveTargetBps          uint64 `json:"reserve_target_bps"`
	Paused                    bool   `json:"paused"`
	Sequence                  int64  `json:"sequence"`
	StateHash                 string `json:"state_hash"`
	ActivePositions           int    `json:"active_positions"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	st := s.engine.PoolStatus()
	s.writeJSON(w, http.StatusOK, poolView{
		TotalLiquidityAsset:       st.TotalLiquidityAsset.String(),
		TotalPrincipalOutstanding: st.TotalPrincipalOutstanding.String(),
		TotalInterestAccrued:      st.TotalInterestAccrued.String(),
		TotalLosses:               st.TotalLosses.String(),
		ProtocolFeesAccrued:       st.ProtocolFeesAccrued.String(),
		LPShareSupply:             st.LPShareSupply.String(),
		NAV:                       st.NAV.String(),
		SharePriceWad:             st.SharePriceWad.String(),
		UtilizationBps:            st.UtilizationBps,
		ReserveBalance:            st.ReserveBalance.String(),
		ReserveTargetBps:          st.ReserveTargetBps,
		Paused:                    st.Paused,
		Sequence:                  st.Sequence,
		StateHash:                 hex.EncodeToString(st.StateHash[:]),
		ActivePositions:           st.ActivePositions,
	})
}

type positionView struct {
	CollateralRef     string `json:"collateral_ref"`
	Owner             string `json:"owner"`
	FaceValue         string `json:"face_value"`
	LTVBps            uint64 `json:"ltv_bps"`
	MaxCreditLine     string `json:"max_credit_line"`
	UsedCredit        string `json:"used_credit"`
	InterestAccrued   string `json:"interest_accrued"`
	Outstanding       string `json:"outstanding"`
	RecourseMode      string `json:"recourse_mode"`
	DueDate           int64  `json:"due_date"`
	GraceEndsAt       int64  `json:"grace_ends_at,omitempty"`
	InDefault         bool   `json:"in_default"`
	DefaultDeclaredAt int64  `json:"default_declared_at,omitempty"`
	Resolution        string `json:"resolution"`
	Sequence          int64  `json:"sequence,omitempty"`
}

func positionToView(pos *state.Position, seq int64) positionView {
	return positionView{
		CollateralRef:     pos.CollateralRef,
		Owner:             pos.Owner,
		FaceValue:         pos.FaceValue.String(),
		LTVBps:            pos.LTVBps,
		MaxCreditLine:     pos.MaxCreditLine.String(),
		UsedCredit:        pos.UsedCredit.String(),
		InterestAccrued:   pos.InterestAccrued.String(),
		Outstanding:       pos.Outstanding().String(),
		RecourseMode:      pos.RecourseMode.String(),
		DueDate:           pos.DueDate,
		GraceEndsAt:       pos.GraceEndsAt,
		InDefault:         pos.IsInDefault,
		DefaultDeclaredAt: pos.DefaultDeclaredAt,
		Resolution:        pos.Resolution.String(),
		Sequence:          seq,
	}
}

// writePosition responds with the post-operation view of a position. After a
// release the position is gone from the active set; respond with the sequence
// alone.
func (s *Server) writePosition(w http.ResponseWriter, ref string, seq int64) {
	pos, ok := s.engine.Position(ref)
	if !ok {
		s.writeJSON(w, http.StatusOK, sequenceResponse{Sequence: seq})
		return
	}
	s.writeJSON(w, http.StatusOK, positionToView(pos, seq))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	if pos, ok := s.engine.Position(ref); ok {
		s.writeJSON(w, http.StatusOK, positionToView(pos, 0))
		return
	}

	// Released and written-down positions survive in the projections.
	proj, err := s.queries.GetPosition(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if proj == nil {
		s.writeError(w, state.ErrPositionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, proj)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	var owner *string
	if o := r.URL.Query().Get("owner"); o != "" {
		owner = &o
	}
	limit := queryLimit(r, 100)

	positions, err := s.queries.ListPositions(r.Context(), owner, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	var ref *string
	if v := r.URL.Query().Get("ref"); v != "" {
		ref = &v
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.badRequest(w, fmt.Errorf("invalid before cursor"))
			return
		}
		before = &n
	}
	limit := queryLimit(r, 100)

	events, err := s.queries.GetEventHistory(r.Context(), ref, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetLPShares(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	resp, err := s.queries.GetLPShares(r.Context(), provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Live balance from the engine wins over the projection.
	resp.Shares = s.engine.SharesOf(provider).String()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func parseRecourseMode(v string) (state.RecourseMode, error) {
	switch v {
	case "RECOURSE":
		return state.Recourse, nil
	case "NON_RECOURSE":
		return state.NonRecourse, nil
	default:
		return 0, fmt.Errorf("invalid recourse_mode %q", v)
	}
}

func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
