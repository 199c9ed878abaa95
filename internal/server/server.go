package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"FactorPool/internal/core"
	"FactorPool/internal/observability"
	"FactorPool/internal/query"
	"FactorPool/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Server exposes the engine's operations over HTTP/JSON. Writes go through
// the engine; reads are served from the query service (projections) except
// for /v1/pool and /v1/positions/{ref}, which read the engine's in-memory
// state for read-your-writes behavior.
type Server struct {
	engine  *core.Engine
	queries *query.Service
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewServer(engine *core.Engine, queries *query.Service, db *sql.DB, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		queries: queries,
		db:      db,
		metrics: metrics,
		log:     log,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/pool/deposits", s.handleDeposit)
		r.Post("/pool/withdrawals", s.handleWithdraw)
		r.Post("/pool/pause", s.handlePause)
		r.Post("/pool/unpause", s.handleUnpause)
		r.Get("/pool", s.handleGetPool)

		r.Post("/positions", s.handleLockCollateral)
		r.Get("/positions", s.handleListPositions)
		r.Route("/positions/{ref}", func(r chi.Router) {
			r.Get("/", s.handleGetPosition)
			r.Post("/recourse-mode", s.handleSetRecourseMode)
			r.Post("/draws", s.handleDraw)
			r.Post("/repayments", s.handleRepay)
			r.Post("/accrue", s.handleAccrue)
			r.Post("/release", s.handleRelease)
			r.Post("/grace", s.handleStartGrace)
			r.Post("/default", s.handleDeclareDefault)
			r.Post("/recourse-payments", s.handlePayRecourse)
			r.Post("/write-down", s.handleWriteDown)
		})

		r.Post("/reserve/fundings", s.handleFundReserve)
		r.Put("/reserve/target", s.handleSetReserveTarget)
		r.Post("/fees/withdrawals", s.handleWithdrawFees)

		r.Get("/events", s.handleGetEvents)
		r.Get("/lp-shares/{provider}", s.handleGetLPShares)
		r.Get("/integrity", s.handleVerifyIntegrity)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the database answers a ping. The engine
// itself is ready as soon as the process is up (state lives in memory).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// instrument records per-endpoint request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if s.metrics == nil {
			return
		}
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- request plumbing ---

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps engine errors to HTTP status codes. State-precondition and
// risk failures are conflicts: the request was well-formed but the ledger's
// current state forbids it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrInvalidAmount),
		errors.Is(err, state.ErrInvalidDueDate),
		errors.Is(err, state.ErrOverpayment),
		errors.Is(err, state.ErrInsufficientShares):
		return http.StatusBadRequest

	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, state.ErrPositionNotFound):
		return http.StatusNotFound

	case errors.Is(err, state.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity

	case errors.Is(err, state.ErrPaused):
		return http.StatusLocked

	case errors.Is(err, core.ErrDuplicateOperation),
		errors.Is(err, state.ErrPositionAlreadyExists),
		errors.Is(err, state.ErrOutstandingDebt),
		errors.Is(err, state.ErrNotOverdue),
		errors.Is(err, state.ErrGraceAlreadyStarted),
		errors.Is(err, state.ErrGracePeriodNotElapsed),
		errors.Is(err, state.ErrRecoveryWindowNotElapsed),
		errors.Is(err, state.ErrAlreadyInDefault),
		errors.Is(err, state.ErrNotInDefault),
		errors.Is(err, state.ErrPositionResolved),
		errors.Is(err, state.ErrWrongRecourseMode),
		errors.Is(err, state.ErrUtilizationLimitExceeded),
		errors.Is(err, state.ErrMaxSingleLoanExceeded),
		errors.Is(err, state.ErrIssuerExposureLimitExceeded),
		errors.Is(err, state.ErrCreditLineExceeded):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

var errMissingActor = errors.New("missing X-Actor header")

// actor extracts the acting identity. Authorization itself happens in the
// engine; the HTTP layer only requires that an identity is present.
func actor(r *http.Request) (string, error) {
	a := r.Header.Get("X-Actor")
	if a == "" {
		return "", errMissingActor
	}
	return a, nil
}

func idemKey(r *http.Request) string {
	return r.Header.Get("X-Idempotency-Key")
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseAmount parses a non-negative decimal string in base units.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, state.ErrInvalidAmount
	}
	return v, nil
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}
