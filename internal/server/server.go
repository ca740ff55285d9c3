package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"decenterai/internal/association"
	"decenterai/internal/config"
	"decenterai/internal/hmacauth"
	"decenterai/internal/idempotency"
	"decenterai/internal/ledger"
	"decenterai/internal/payment"
	"decenterai/internal/ratelimit"
	"decenterai/internal/session"
	"decenterai/internal/users"
)

const (
	maxBodyBytes       = 64 << 10
	// 500 bodies never carry internal error text; details go to the log.
	serverErrorMessage = "Server error"
)

type PaymentService interface {
	Submit(ctx context.Context, wallet string, claim payment.Claim) (payment.Outcome, error)
}

// OperatorLedger is what the operator review routes read and repair.
type OperatorLedger interface {
	ListByStatus(ctx context.Context, status ledger.Status, createdBefore time.Time, limit int) ([]ledger.Record, error)
	ListReservations(ctx context.Context, state ledger.ReservationState, limit int) ([]ledger.Reservation, error)
	Release(ctx context.Context, txHash string) error
}

type UserRegistrar interface {
	GetOrCreateUser(ctx context.Context, email, wallet string) (*users.User, bool, error)
}

type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

// Deps are the collaborators the HTTP layer drives. Limiter and Users are
// optional.
type Deps struct {
	Payments    PaymentService
	Preparer    association.PrepareService
	Ledger      OperatorLedger
	Users       UserRegistrar
	Sessions    *session.Manager
	Idempotency idempotency.Store
	Limiter     ratelimit.Limiter
	Metrics     *Metrics
	Checks      []HealthCheck
	Log         *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	operator   *hmacauth.Verifier
	metrics    *Metrics
	log        *zap.Logger
	walletLock idempotency.KeyedMutex
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	log := deps.Log.With(zap.String("component", "http"))

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		log:     log,
		operator: &hmacauth.Verifier{
			Secret:  cfg.Operator.HMACSecret,
			MaxSkew: cfg.Operator.ClockSkew,
			Log:     log,
		},
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Sessions.Middleware)
		r.Post("/api/verify-payment", s.handleVerifyPayment)
		r.Post("/api/auth/session", s.handleCreateSession)
		r.Delete("/api/auth/session", s.handleDeleteSession)
	})
	r.Post("/api/associate-usdc", s.handleAssociate)

	r.Route("/api/v1/operator", func(r chi.Router) {
		r.Use(s.operator.Middleware)
		r.Get("/payments", s.handleListPayments)
		r.Get("/claims", s.handleListClaims)
		r.Post("/claims/{hash}/release", s.handleReleaseClaim)
	})
	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/api/v1/metrics", s.metrics.handler())
	return r
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type transactionView struct {
	Hash        string      `json:"hash"`
	Sender      string      `json:"sender"`
	Receiver    string      `json:"receiver"`
	Amount      json.Number `json:"amount"`
	Credits     int64       `json:"credits"`
	ExplorerURL string      `json:"explorerUrl"`
}

type rewardView struct {
	Amount          int64  `json:"amount"`
	TransactionHash string `json:"transactionHash"`
	ExplorerURL     string `json:"explorerUrl"`
}

type verifyPaymentResponse struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message,omitempty"`
	Warning      string           `json:"warning,omitempty"`
	TokenError   string           `json:"tokenError,omitempty"`
	Transaction  *transactionView `json:"transaction,omitempty"`
	RewardTokens *rewardView      `json:"rewardTokens,omitempty"`
	// UnrealTokens repeats RewardTokens for older web clients.
	UnrealTokens *rewardView      `json:"unrealTokens,omitempty"`
	CreditsToAdd int64            `json:"creditsToAdd"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wallet, ok := session.WalletFrom(ctx)
	if !ok {
		s.metrics.incRejection("unauthenticated")
		writeError(w, http.StatusUnauthorized, "Unauthorized - Please log in")
		return
	}
	if !s.allow(w, r, "verify_payment", wallet, s.cfg.Redis.PaymentLimit, s.cfg.Redis.PaymentWindow) {
		return
	}

	var claim payment.Claim
	if err := decodeJSON(w, r, &claim); err != nil {
		s.metrics.incRejection("invalid")
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	out, err := s.deps.Payments.Submit(ctx, wallet, claim)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	tx := &transactionView{
		Hash:        claim.TransactionHash,
		Sender:      claim.SenderAddress,
		Receiver:    claim.ReceiverAddress,
		Amount:      json.Number(claim.Amount.String()),
		Credits:     claim.Credits,
		ExplorerURL: s.cfg.Settlement.ExplorerURL + claim.TransactionHash,
	}
	resp := verifyPaymentResponse{Success: true, Transaction: tx, CreditsToAdd: out.CreditsToAdd}
	if out.DisbursementFailed {
		resp.Warning = "Payment confirmed but token distribution failed"
		resp.TokenError = out.Reward.Error
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Message = "Payment confirmed and UNREAL tokens sent successfully"
	resp.RewardTokens = &rewardView{
		Amount:          claim.Credits,
		TransactionHash: out.Reward.TxHash,
		ExplorerURL:     s.cfg.Reward.ExplorerURL + "/tx/" + out.Reward.TxHash,
	}
	resp.UnrealTokens = resp.RewardTokens
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var invalid *payment.InvalidClaimError
	switch {
	case errors.Is(err, payment.ErrUnauthenticated):
		s.metrics.incRejection("unauthenticated")
		writeError(w, http.StatusUnauthorized, "Unauthorized - Please log in")
	case errors.Is(err, payment.ErrUnknownUser):
		s.metrics.incRejection("unknown_user")
		writeError(w, http.StatusUnauthorized, "User not found")
	case errors.As(err, &invalid):
		s.metrics.incRejection("invalid")
		writeError(w, http.StatusBadRequest, invalid.Reason)
	case errors.Is(err, payment.ErrOwnershipMismatch):
		s.metrics.incRejection("ownership")
		writeError(w, http.StatusForbidden, "Sender address does not match your wallet")
	case errors.Is(err, payment.ErrAlreadyProcessed):
		s.metrics.incRejection("duplicate")
		writeError(w, http.StatusBadRequest, "Transaction already processed")
	default:
		s.metrics.incRejection("error")
		s.log.Error("verify payment failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrorMessage)
	}
}

type associateRequest struct {
	UserAddress string `json:"userAddress"`
}

type associateResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	AlreadyAssociated bool   `json:"alreadyAssociated,omitempty"`
	NeedsAssociation  bool   `json:"needsAssociation,omitempty"`
	HbarSent          *bool  `json:"hbarSent,omitempty"`
	FundingTxHash     string `json:"fundingTxHash,omitempty"`
}

func (s *Server) handleAssociate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req associateRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.UserAddress) == "" {
		writeError(w, http.StatusBadRequest, "User address is required")
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		writeError(w, http.StatusBadRequest, "Invalid user address")
		return
	}
	addr := common.HexToAddress(req.UserAddress)
	if !s.allow(w, r, "associate", addr.Hex(), s.cfg.Redis.AssociateLimit, s.cfg.Redis.AssociateWindow) {
		return
	}

	// Funding is not idempotent on chain, so one request per wallet at a time
	// and a replay window after a wallet was funded.
	unlock := s.walletLock.Lock(addr.Hex())
	defer unlock()

	clientKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	keys := []string{idempotency.Key("associate", addr.Hex(), "funded")}
	if clientKey != "" {
		keys = append(keys, idempotency.Key("associate", addr.Hex(), clientKey))
	}
	for _, key := range keys {
		if existing, _ := s.deps.Idempotency.Get(ctx, key); existing != nil {
			s.metrics.incAssociation("cached")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	res, err := s.deps.Preparer.Prepare(ctx, addr)
	if err != nil {
		s.metrics.incAssociation("failed")
		s.log.Error("prepare association failed", zap.String("wallet", addr.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to prepare association")
		return
	}

	var resp associateResponse
	if res.AlreadyAssociated {
		s.metrics.incAssociation("already_associated")
		resp = associateResponse{Success: true, Message: "USDC token already associated", AlreadyAssociated: true}
	} else {
		sent := res.NativeSent
		if sent {
			s.metrics.incAssociation("funded")
		} else {
			s.metrics.incAssociation("ready")
		}
		resp = associateResponse{
			Success:          true,
			Message:          "Ready for token association. User must sign the association transaction.",
			NeedsAssociation: true,
			HbarSent:         &sent,
			FundingTxHash:    res.FundingTxHash,
		}
	}

	body, _ := json.Marshal(resp)
	now := time.Now()
	record := idempotency.Record{
		StatusCode: http.StatusOK,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if res.NativeSent {
		if err := s.deps.Idempotency.Save(ctx, keys[0], record); err != nil {
			s.log.Warn("failed to remember funding", zap.String("wallet", addr.Hex()), zap.Error(err))
		}
	}
	if clientKey != "" {
		_ = s.deps.Idempotency.Save(ctx, keys[len(keys)-1], record)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type sessionRequest struct {
	Wallet string `json:"wallet"`
	Email  string `json:"email,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req); err != nil || !common.IsHexAddress(req.Wallet) {
		writeError(w, http.StatusBadRequest, "Wallet is required")
		return
	}
	if s.deps.Users != nil {
		u, created, err := s.deps.Users.GetOrCreateUser(r.Context(), strings.TrimSpace(req.Email), req.Wallet)
		if err != nil {
			s.log.Error("session user lookup failed", zap.String("wallet", req.Wallet), zap.Error(err))
			writeError(w, http.StatusInternalServerError, serverErrorMessage)
			return
		}
		if created {
			s.log.Info("user created", zap.String("user_id", u.ID), zap.String("wallet", req.Wallet))
		}
	}
	if _, err := s.deps.Sessions.Issue(w, req.Wallet); err != nil {
		s.log.Error("issue session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := ledger.StatusFraudSuspected
	if raw := q.Get("status"); raw != "" {
		status = ledger.Status(raw)
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown status")
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	var before time.Time
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = t
	}

	records, err := s.deps.Ledger.ListByStatus(r.Context(), status, before, limit)
	if err != nil {
		s.log.Error("list payments failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrorMessage)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"status":   status,
		"count":    len(records),
		"payments": records,
	})
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := ledger.ReservationDisbursementFailed
	if raw := q.Get("state"); raw != "" {
		state = ledger.ReservationState(raw)
	}
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown state")
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	claims, err := s.deps.Ledger.ListReservations(r.Context(), state, limit)
	if err != nil {
		s.log.Error("list claims failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrorMessage)
		return
	}
	if claims == nil {
		claims = []ledger.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"state":   state,
		"count":   len(claims),
		"claims":  claims,
	})
}

// handleReleaseClaim frees a claim whose reward transfer failed, so the
// payer can submit the same transaction hash again.
func (s *Server) handleReleaseClaim(w http.ResponseWriter, r *http.Request) {
	hash := ledger.NormalizeHash(chi.URLParam(r, "hash"))
	err := s.deps.Ledger.Release(r.Context(), hash)
	switch {
	case err == nil:
		s.log.Info("claim released by operator", zap.String("tx_hash", hash))
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "transactionHash": hash})
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Claim not found")
	case errors.Is(err, ledger.ErrNotReleasable):
		writeError(w, http.StatusConflict, "Claim is not in disbursement_failed state")
	default:
		s.log.Error("release claim failed", zap.String("tx_hash", hash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, serverErrorMessage)
	}
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 100, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return 0, false
	}
	return n, true
}

type checkResult struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true
	checks := make(map[string]checkResult, len(s.deps.Checks))

	for _, hc := range s.deps.Checks {
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := hc.Check(checkCtx)
		cancel()

		res := checkResult{Connected: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			res.Error = err.Error()
			healthy = false
		}
		checks[hc.Name] = res
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// allow applies a rate-limit rule and writes 429 when exceeded. Limiter
// errors let the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope, subject string, limit int, window time.Duration) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), scope, subject, ratelimit.Rule{Limit: limit, Window: window})
	if err != nil {
		s.log.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		return true
	}
	if d.Allowed {
		return true
	}
	s.metrics.incRateLimited(scope)
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
	writeError(w, http.StatusTooManyRequests, "Too many requests")
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		http.Error(w, `{"success":false,"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": message})
}
