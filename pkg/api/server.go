package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/governor"
	"github.com/lodestar-ops/lodestar/pkg/observability"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
)

// ServerConfig tunes the control API.
type ServerConfig struct {
	Addr      string
	JWTSecret []byte
	RateRPS   int
	RateBurst int
	ListLimit int
}

func (c *ServerConfig) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateRPS <= 0 {
		c.RateRPS = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
}

// HealthCheck is one named readiness probe. Check errors mark the node
// degraded; the name and error surface in the /healthz body.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// healthTimeout bounds the whole check pass so a hung dependency cannot
// stall the probe.
const healthTimeout = 2 * time.Second

// Server is the approval control surface. All routes except /healthz
// require a bearer token bound to a workspace.
type Server struct {
	cfg     ServerConfig
	gov     *governor.Governor
	recs    *orchestrator.Store
	idem    IdempotencyStore
	limiter *RateLimiter
	obs     *observability.Provider
	logger  *slog.Logger
	checks  []HealthCheck
}

// NewServer assembles the control API. idem may be nil to disable
// Idempotency-Key replay; obs may be nil to disable telemetry.
func NewServer(cfg ServerConfig, gov *governor.Governor, recs *orchestrator.Store, idem IdempotencyStore, obs *observability.Provider, logger *slog.Logger, checks ...HealthCheck) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		gov:     gov,
		recs:    recs,
		idem:    idem,
		limiter: NewRateLimiter(cfg.RateRPS, cfg.RateBurst),
		obs:     obs,
		logger:  logger,
		checks:  checks,
	}
}

// Handler builds the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /approvals", s.handleList)
	mux.HandleFunc("GET /approvals/{id}", s.handleGet)
	mux.HandleFunc("GET /approvals/{id}/receipts", s.handleReceipts)
	mux.HandleFunc("POST /approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /approvals/{id}/defer", s.handleDefer)

	var h http.Handler = mux
	if s.idem != nil {
		h = IdempotencyMiddleware(s.idem)(h)
	}
	h = AuthMiddleware(NewJWTValidator(s.cfg.JWTSecret))(h)
	h = s.limiter.Middleware(h)
	h = Telemetry(s.obs)(h)
	h = AccessLog(s.logger)(h)
	h = RequestID(h)
	return h
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("control api listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	s.writeJSON(w, status, resp)
}

// recommendationResponse is the wire shape of a recommendation. SLADeadline
// is computed, not stored: it moves if the governor's SLA table changes.
type recommendationResponse struct {
	ID               string                      `json:"id"`
	CorrelationID    string                      `json:"correlation_id"`
	WorkspaceID      string                      `json:"workspace_id"`
	Action           string                      `json:"action"`
	Status           string                      `json:"status"`
	Severity         string                      `json:"severity"`
	Confidence       float64                     `json:"confidence"`
	ImpactUSD        float64                     `json:"impact_usd"`
	RiskProbability  float64                     `json:"risk_probability"`
	RequiresApproval bool                        `json:"requires_approval"`
	RequiredRole     string                      `json:"required_role"`
	Rationale        string                      `json:"rationale,omitempty"`
	Contributions    []orchestrator.Contribution `json:"contributions"`
	PolicyResults    []orchestrator.PolicyResult `json:"policy_results,omitempty"`
	DeferUntil       *time.Time                  `json:"defer_until,omitempty"`
	SLADeadline      time.Time                   `json:"sla_deadline"`
	CreatedAt        time.Time                   `json:"created_at"`
	DecidedAt        *time.Time                  `json:"decided_at,omitempty"`
	DecidedBy        string                      `json:"decided_by,omitempty"`
}

func (s *Server) toResponse(rec *orchestrator.Recommendation) *recommendationResponse {
	return &recommendationResponse{
		ID:               rec.ID,
		CorrelationID:    rec.CorrelationID,
		WorkspaceID:      rec.WorkspaceID,
		Action:           string(rec.Action),
		Status:           rec.Status,
		Severity:         string(rec.Severity),
		Confidence:       rec.Confidence,
		ImpactUSD:        rec.ImpactUSD,
		RiskProbability:  rec.RiskProbability,
		RequiresApproval: rec.RequiresApproval,
		RequiredRole:     rec.RequiredRole,
		Rationale:        rec.Rationale,
		Contributions:    rec.Contributions,
		PolicyResults:    rec.PolicyResults,
		DeferUntil:       rec.DeferUntil,
		SLADeadline:      s.gov.Deadline(rec),
		CreatedAt:        rec.CreatedAt,
		DecidedAt:        rec.DecidedAt,
		DecidedBy:        rec.DecidedBy,
	}
}

type recommendationList struct {
	Items []*recommendationResponse `json:"items"`
}

type receiptList struct {
	Items []*governor.Receipt `json:"items"`
}

func knownStatus(status string) bool {
	switch status {
	case orchestrator.StatusProposed, orchestrator.StatusPolicyEvaluated,
		orchestrator.StatusApproved, orchestrator.StatusRejected,
		orchestrator.StatusDeferred, orchestrator.StatusExpired,
		orchestrator.StatusSuperseded:
		return true
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && !knownStatus(status) {
		WriteBadRequest(w, fmt.Sprintf("Unknown status %q", status))
		return
	}

	recs, err := s.recs.ListWorkspace(r.Context(), p.WorkspaceID, status, s.cfg.ListLimit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	items := make([]*recommendationResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, s.toResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, recommendationList{Items: items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, _, ok := s.scoped(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(rec))
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	rec, _, ok := s.scoped(w, r)
	if !ok {
		return
	}
	receipts, err := s.gov.Receipts(r.Context(), rec.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receiptList{Items: receipts})
}

type decisionRequest struct {
	Comments string `json:"comments"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gov.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gov.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide func(context.Context, string, string, string) (*orchestrator.Recommendation, error)) {
	rec, p, ok := s.scoped(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !orchestrator.RoleAtLeast(p.Role, rec.RequiredRole) {
		WriteForbidden(w, fmt.Sprintf("Decision requires role %s or above", rec.RequiredRole))
		return
	}

	updated, err := decide(r.Context(), rec.ID, p.Subject, req.Comments)
	if err != nil {
		s.writeDecisionError(r.Context(), w, rec.ID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(updated))
}

type deferRequest struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	rec, p, ok := s.scoped(w, r)
	if !ok {
		return
	}
	var req deferRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Until.IsZero() {
		WriteBadRequest(w, "until is required (RFC 3339)")
		return
	}
	if !orchestrator.RoleAtLeast(p.Role, rec.RequiredRole) {
		WriteForbidden(w, fmt.Sprintf("Decision requires role %s or above", rec.RequiredRole))
		return
	}

	updated, err := s.gov.Defer(r.Context(), rec.ID, p.Subject, req.Until, req.Reason)
	if err != nil {
		s.writeDecisionError(r.Context(), w, rec.ID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(updated))
}

// scoped loads the recommendation and enforces workspace isolation. A
// foreign workspace's recommendation is indistinguishable from a missing
// one.
func (s *Server) scoped(w http.ResponseWriter, r *http.Request) (*orchestrator.Recommendation, *Principal, bool) {
	p, err := PrincipalFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return nil, nil, false
	}
	rec, err := s.recs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, "")
		return nil, nil, false
	}
	if rec.WorkspaceID != p.WorkspaceID {
		WriteNotFound(w, "No such recommendation")
		return nil, nil, false
	}
	return rec, p, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// writeDecisionError enriches conflicts with the recommendation's current
// status so the losing caller learns the winning decision in one round trip.
func (s *Server) writeDecisionError(ctx context.Context, w http.ResponseWriter, id string, err error) {
	currentStatus := ""
	if errors.Is(err, envelope.ErrConflict) {
		if cur, gerr := s.recs.Get(ctx, id); gerr == nil {
			currentStatus = cur.Status
		}
	}
	writeDomainError(w, err, currentStatus)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
