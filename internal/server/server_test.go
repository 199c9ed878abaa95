package server_test

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"FactorPool/internal/core"
	"FactorPool/internal/server"
	"FactorPool/internal/state"
	"FactorPool/internal/testutil"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Harness
// ============================================================================

type testServer struct {
	handler http.Handler
	engine  *core.Engine
	clock   *testutil.Clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	access := core.NewStaticAccessControl()
	access.Grant("admin", core.RoleAdmin)
	access.Grant("operator", core.RoleOperator)

	clock := testutil.NewClock()
	engine, err := core.NewEngine(core.EngineConfig{
		Params:         state.DefaultPoolParams(),
		PersistChan:    make(chan core.CoreOutput, 1024),
		ProjectionChan: make(chan core.CoreOutput, 1024),
		Access:         access,
		Clock:          clock,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	srv := server.NewServer(engine, nil, nil, nil, zerolog.Nop())
	return &testServer{handler: srv.Router(), engine: engine, clock: clock}
}

type request struct {
	method string
	path   string
	actor  string
	idem   string
	body   string
}

func (ts *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()

	var body *strings.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	} else {
		body = strings.NewReader("{}")
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.actor != "" {
		httpReq.Header.Set("X-Actor", req.actor)
	}
	if req.idem != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.idem)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httpReq)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func (ts *testServer) seedPosition(t *testing.T, owner, ref string, faceValue, draw int64) {
	t.Helper()
	if _, err := ts.engine.Deposit("lp-1", big.NewInt(10_000), ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	due := ts.clock.Now().Add(30 * 24 * time.Hour)
	if _, err := ts.engine.LockCollateral(owner, ref, big.NewInt(faceValue), due, ""); err != nil {
		t.Fatalf("LockCollateral: %v", err)
	}
	if draw > 0 {
		if _, err := ts.engine.Draw(owner, ref, big.NewInt(draw), ""); err != nil {
			t.Fatalf("Draw: %v", err)
		}
	}
}

// ============================================================================
// Liquidity Endpoints
// ============================================================================

func TestDepositEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/v1/pool/deposits",
		actor:  "lp-1",
		body:   `{"amount":"1000"}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		SharesMinted string `json:"shares_minted"`
		NAV          string `json:"nav"`
		Sequence     int64  `json:"sequence"`
	}
	decodeBody(t, rec, &resp)
	if resp.SharesMinted != "1000" {
		t.Errorf("shares_minted = %q, want 1000", resp.SharesMinted)
	}
	if resp.NAV != "1000" {
		t.Errorf("nav = %q, want 1000", resp.NAV)
	}
	if resp.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", resp.Sequence)
	}
}

func TestDepositEndpoint_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		req  request
	}{
		{"missing actor", request{method: http.MethodPost, path: "/v1/pool/deposits", body: `{"amount":"100"}`}},
		{"negative amount", request{method: http.MethodPost, path: "/v1/pool/deposits", actor: "lp-1", body: `{"amount":"-5"}`}},
		{"non-numeric amount", request{method: http.MethodPost, path: "/v1/pool/deposits", actor: "lp-1", body: `{"amount":"abc"}`}},
		{"unknown field", request{method: http.MethodPost, path: "/v1/pool/deposits", actor: "lp-1", body: `{"amount":"100","bogus":1}`}},
	}
	for _, tc := range cases {
		if rec := ts.do(t, tc.req); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

// ============================================================================
// Error Status Mapping
// ============================================================================

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPosition(t, "acme", "inv-1", 500, 300)

	// Unknown position.
	rec := ts.do(t, request{method: http.MethodPost, path: "/v1/positions/ghost/draws", actor: "acme", body: `{"amount":"1"}`})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown position: status = %d, want 404", rec.Code)
	}

	// Credit line exceeded is a state conflict.
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/positions/inv-1/draws", actor: "acme", body: `{"amount":"1"}`})
	if rec.Code != http.StatusConflict {
		t.Errorf("over the line: status = %d, want 409", rec.Code)
	}

	// Paying more than the outstanding debt is malformed input.
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/positions/inv-1/repayments", actor: "acme", body: `{"amount":"301"}`})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("overpayment: status = %d, want 400", rec.Code)
	}

	// Privileged operation without the role.
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/pool/pause", actor: "acme"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("unprivileged pause: status = %d, want 403", rec.Code)
	}

	// Duplicate idempotency key.
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/reserve/fundings", actor: "treasury", idem: "fund-1", body: `{"amount":"100"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund reserve: status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/reserve/fundings", actor: "treasury", idem: "fund-1", body: `{"amount":"100"}`})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate key: status = %d, want 409", rec.Code)
	}

	// Paused pool locks out liquidity operations.
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/pool/pause", actor: "operator"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d", rec.Code)
	}
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/pool/deposits", actor: "lp-2", body: `{"amount":"100"}`})
	if rec.Code != http.StatusLocked {
		t.Errorf("deposit while paused: status = %d, want 423", rec.Code)
	}
}

// ============================================================================
// Position Endpoints
// ============================================================================

func TestLockAndGetPosition(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.engine.Deposit("lp-1", big.NewInt(10_000), ""); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	due := ts.clock.Now().Add(30 * 24 * time.Hour).Unix()
	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/v1/positions",
		actor:  "acme",
		body:   `{"collateral_ref":"inv-1","face_value":"500","due_date":` + strconv.FormatInt(due, 10) + `}`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("lock: status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created struct {
		MaxCreditLine string `json:"max_credit_line"`
		RecourseMode  string `json:"recourse_mode"`
	}
	decodeBody(t, rec, &created)
	if created.MaxCreditLine != "300" {
		t.Errorf("max_credit_line = %q, want 300", created.MaxCreditLine)
	}
	if created.RecourseMode != "NON_RECOURSE" {
		t.Errorf("recourse_mode = %q, want NON_RECOURSE", created.RecourseMode)
	}

	rec = ts.do(t, request{method: http.MethodGet, path: "/v1/positions/inv-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var got struct {
		Owner       string `json:"owner"`
		Outstanding string `json:"outstanding"`
	}
	decodeBody(t, rec, &got)
	if got.Owner != "acme" {
		t.Errorf("owner = %q, want acme", got.Owner)
	}
	if got.Outstanding != "0" {
		t.Errorf("outstanding = %q, want 0", got.Outstanding)
	}
}

func TestAccrueEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPosition(t, "acme", "inv-1", 500, 300)

	// Keeper endpoint: no actor header required. Nothing to accrue yet.
	rec := ts.do(t, request{method: http.MethodPost, path: "/v1/positions/inv-1/accrue"})
	if rec.Code != http.StatusOK {
		t.Fatalf("accrue: status = %d", rec.Code)
	}
	var resp struct {
		Delta   string `json:"delta"`
		Accrued bool   `json:"accrued"`
	}
	decodeBody(t, rec, &resp)
	if resp.Accrued {
		t.Error("accrued = true with no elapsed time")
	}

	ts.clock.AdvanceSeconds(31_536_000)
	rec = ts.do(t, request{method: http.MethodPost, path: "/v1/positions/inv-1/accrue"})
	decodeBody(t, rec, &resp)
	if !resp.Accrued {
		t.Error("accrued = false after a year")
	}
	if resp.Delta != "45" {
		t.Errorf("delta = %q, want 45", resp.Delta)
	}
}

func TestGetPoolEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedPosition(t, "acme", "inv-1", 500, 300)

	rec := ts.do(t, request{method: http.MethodGet, path: "/v1/pool"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		TotalLiquidityAsset       string `json:"total_liquidity_asset"`
		TotalPrincipalOutstanding string `json:"total_principal_outstanding"`
		NAV                       string `json:"nav"`
		UtilizationBps            uint64 `json:"utilization_bps"`
		StateHash                 string `json:"state_hash"`
		ActivePositions           int    `json:"active_positions"`
	}
	decodeBody(t, rec, &resp)
	if resp.TotalLiquidityAsset != "9700" {
		t.Errorf("cash = %q, want 9700", resp.TotalLiquidityAsset)
	}
	if resp.TotalPrincipalOutstanding != "300" {
		t.Errorf("principal = %q, want 300", resp.TotalPrincipalOutstanding)
	}
	if resp.NAV != "10000" {
		t.Errorf("nav = %q, want 10000", resp.NAV)
	}
	if resp.UtilizationBps != 300 {
		t.Errorf("utilization = %d, want 300", resp.UtilizationBps)
	}
	if len(resp.StateHash) != 64 {
		t.Errorf("state hash = %q, want 64 hex chars", resp.StateHash)
	}
	if resp.ActivePositions != 1 {
		t.Errorf("active positions = %d, want 1", resp.ActivePositions)
	}
}
