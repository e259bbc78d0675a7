package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	gochi "github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/domain/action"
	"github.com/kailas-cloud/promptmeter/internal/domain/event"
	"github.com/kailas-cloud/promptmeter/internal/domain/usage"
	logpkg "github.com/kailas-cloud/promptmeter/internal/logger"
	healthuc "github.com/kailas-cloud/promptmeter/internal/usecase/health"
	promptuc "github.com/kailas-cloud/promptmeter/internal/usecase/prompt"
)

const (
	visitorHeader = "X-Visitor-ID"
	actionHeader  = "X-Action-ID"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the metering API over chi.
type Server struct {
	sessions      *promptuc.Sessions
	prompts       *promptuc.Service
	health        *healthuc.Service
	identity      domain.Identity
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(
	sessions *promptuc.Sessions,
	prompts *promptuc.Service,
	health *healthuc.Service,
	identity domain.Identity,
	logger *zap.Logger,
) *Server {
	s := &Server{
		sessions: sessions,
		prompts:  prompts,
		health:   health,
		identity: identity,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrGuestLimitReached, http.StatusTooManyRequests, CodeSignupRequired),
		sentinelHandler(domain.ErrInsufficientTokens, http.StatusPaymentRequired, CodeInsufficientTokens),
		sentinelHandler(domain.ErrSignInRequired, http.StatusUnauthorized, CodeSignInRequired),
		sentinelHandler(domain.ErrPlanNotFound, http.StatusNotFound, CodePlanNotFound),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrUnknownAction, http.StatusBadRequest, CodeUnknownAction),
		sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, CodeValidationFailed),
		sentinelHandler(domain.ErrGeneratorFailed, http.StatusBadGateway, CodeGeneratorError),
		sentinelHandler(domain.ErrRemoteUnavailable, http.StatusServiceUnavailable, CodeRemoteUnavailable),
	}
	return s
}

// Routes registers the API on r.
func (s *Server) Routes(r gochi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
	r.Route("/v1", func(r gochi.Router) {
		r.Post("/prompts/{family}", s.RunPrompt)
		r.Get("/estimate", s.Estimate)
		r.Get("/guest/usage", s.GetGuestUsage)
		r.Post("/guest/reset", s.ResetGuest)
		r.Get("/plan", s.GetPlan)
		r.Post("/plan/upgrade", s.UpgradePlan)
		r.Get("/usage", s.GetUsage)
		r.Get("/pricing-plans", s.ListPricingPlans)
	})
}

// RunPrompt handles POST /v1/prompts/{family}.
func (s *Server) RunPrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	sess, rec, err := s.open(r, true)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	res, err := s.prompts.Run(r.Context(), sess.Meters(), promptuc.Request{
		Family:   gochi.URLParam(r, "family"),
		Prompt:   req.Prompt,
		Model:    req.Model,
		ActionID: r.Header.Get(actionHeader),
	})
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	resp := PromptResponse{
		Text:            res.Text,
		Model:           res.Model,
		Action:          string(res.Action),
		EstimatedTokens: res.EstimatedTokens,
		TokensCharged:   res.TokensCharged,
		Charged:         res.Charged,
		GuestRemaining:  finite(res.GuestRemaining),
		Shared:          res.Shared,
		Events:          eventsToItems(rec.Events()),
	}
	if res.ChargeErr != nil {
		resp.ChargeError = safeDomainMessage(res.ChargeErr)
	}
	setChargeHeaders(w, res)
	writeJSON(w, http.StatusOK, resp)
}

// Estimate handles GET /v1/estimate.
func (s *Server) Estimate(w http.ResponseWriter, r *http.Request) {
	var (
		family        string
		contentLength int
	)
	if err := runtime.BindQueryParameter("form", true, true, "action", r.URL.Query(), &family); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter(
		"form", true, false, "content_length", r.URL.Query(), &contentLength,
	); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	a, err := action.Parse(family)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	sess, _, _ := s.open(r, false)
	resp := EstimateResponse{
		Action:          string(a),
		EstimatedTokens: sess.Ledger.EstimateCost(a, contentLength),
	}
	if _, ok := s.identity.CurrentUser(r.Context()); ok {
		if _, err := sess.Ledger.LoadPlan(r.Context()); err != nil {
			s.handleDomainError(r.Context(), w, err)
			return
		}
		sufficient := sess.Ledger.HasSufficientBalance(resp.EstimatedTokens)
		resp.Sufficient = &sufficient
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetGuestUsage handles GET /v1/guest/usage.
func (s *Server) GetGuestUsage(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.open(r, true)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	ctx := r.Context()
	_, authed := s.identity.CurrentUser(ctx)
	state := sess.Tracker.State()
	limits := sess.Tracker.Limits()
	writeJSON(w, http.StatusOK, GuestUsageResponse{
		Authenticated:     authed,
		GenerateAttempts:  state.GenerateAttempts,
		RefineAttempts:    state.RefineAttempts,
		MaxGenerate:       limits.MaxGenerate,
		MaxRefine:         limits.MaxRefine,
		RemainingGenerate: finite(sess.Tracker.RemainingAttempts(ctx, action.Generate)),
		RemainingRefine:   finite(sess.Tracker.RemainingAttempts(ctx, action.Refine)),
		SignupRequired: sess.Tracker.HasReachedLimit(ctx, action.Generate) &&
			sess.Tracker.HasReachedLimit(ctx, action.Refine),
	})
}

// ResetGuest handles POST /v1/guest/reset.
func (s *Server) ResetGuest(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.open(r, true)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	sess.Tracker.Reset(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetPlan handles GET /v1/plan.
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	if err := s.requireUser(r.Context()); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	sess, _, _ := s.open(r, false)
	res, err := sess.Ledger.LoadPlan(r.Context())
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, planResultToResponse(res))
}

// UpgradePlan handles POST /v1/plan/upgrade.
func (s *Server) UpgradePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.requireUser(r.Context()); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Plan == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "Plan name is required")
		return
	}

	sess, _, _ := s.open(r, false)
	ok, err := sess.Ledger.UpgradePlan(r.Context(), req.Plan)
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	if !ok {
		s.handleDomainError(r.Context(), w, domain.ErrSignInRequired)
		return
	}
	writeJSON(w, http.StatusOK, planResultToResponse(sess.Ledger.Plan()))
}

// GetUsage handles GET /v1/usage.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.requireUser(r.Context()); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	limit := usage.HistoryWindow
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if limit < 1 || limit > usage.HistoryWindow {
		writeError(w, http.StatusBadRequest, CodeValidationFailed,
			"limit must be between 1 and "+strconv.Itoa(usage.HistoryWindow))
		return
	}

	sess, _, _ := s.open(r, false)
	if err := sess.Ledger.Refresh(r.Context()); err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	history := sess.Ledger.History()
	if len(history) > limit {
		history = history[:limit]
	}
	writeJSON(w, http.StatusOK, summaryToResponse(sess.Ledger.Summary(), history))
}

// ListPricingPlans handles GET /v1/pricing-plans.
func (s *Server) ListPricingPlans(w http.ResponseWriter, r *http.Request) {
	sess, _, _ := s.open(r, false)
	plans, err := sess.Ledger.PricingPlans(r.Context())
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, PricingPlansResponse{Plans: pricingToItems(plans)})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// open builds the caller's session. Guests must identify themselves with a
// visitor ID when requireVisitor is set.
func (s *Server) open(r *http.Request, requireVisitor bool) (*promptuc.Session, *event.Recorder, error) {
	visitorID := r.Header.Get(visitorHeader)
	if requireVisitor && visitorID == "" {
		if _, ok := s.identity.CurrentUser(r.Context()); !ok {
			return nil, nil, fmt.Errorf("%w: %s header is required", domain.ErrInvalidRequest, visitorHeader)
		}
	}
	rec := &event.Recorder{}
	n := event.Multi(rec, logNotifier(logpkg.FromContext(r.Context())))
	return s.sessions.Open(r.Context(), visitorID, n), rec, nil
}

func (s *Server) requireUser(ctx context.Context) error {
	if _, ok := s.identity.CurrentUser(ctx); !ok {
		return domain.ErrSignInRequired
	}
	return nil
}

// logNotifier writes metering events to the request logger.
func logNotifier(l *zap.Logger) event.Notifier {
	return event.NotifierFunc(func(_ context.Context, e event.Event) {
		fields := []zap.Field{zap.String("kind", string(e.Kind))}
		if e.Action != "" {
			fields = append(fields, zap.String("action", e.Action))
		}
		if e.Err != nil {
			fields = append(fields, zap.Error(e.Err))
		}
		l.Debug("metering event", fields...)
	})
}

func setChargeHeaders(w http.ResponseWriter, res promptuc.Result) {
	w.Header().Set("X-Estimated-Tokens", strconv.Itoa(res.EstimatedTokens))
	if res.Charged {
		w.Header().Set("X-Tokens-Charged", strconv.Itoa(res.TokensCharged))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a client-safe message. Validation errors carry their
// detail; other errors are reduced to their sentinel so internals stay hidden.
func safeDomainMessage(err error) string {
	if errors.Is(err, domain.ErrInvalidRequest) || errors.Is(err, domain.ErrUnknownAction) {
		return err.Error()
	}
	sentinels := []error{
		domain.ErrGuestLimitReached,
		domain.ErrInsufficientTokens,
		domain.ErrSignInRequired,
		domain.ErrPlanNotFound,
		domain.ErrNotFound,
		domain.ErrGeneratorFailed,
		domain.ErrRemoteUnavailable,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	l := logpkg.FromContext(ctx)
	l.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
