package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dealerdesk/backend/internal/domain"
	"dealerdesk/backend/internal/logger"
	"dealerdesk/backend/internal/service"
	"dealerdesk/backend/internal/store"
)

var staffRoles = []string{domain.RoleOwner, domain.RoleManager, domain.RoleSales}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *clientLimiter
	pinLimiter    *clientLimiter
	csrfSecret    []byte
	logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Warn("crypto/rand unavailable, using fallback csrf secret", zap.Error(err))
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newClientLimiter(rate.Every(12*time.Second), 5),
		pinLimiter:    newClientLimiter(rate.Every(20*time.Second), 3),
		csrfSecret:    csrfSecret,
		logger:        log.Named("http"),
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (Unix time truncated to the hour), hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

// clientLimiter keeps one token bucket per client key.
type clientLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newClientLimiter(every rate.Limit, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{every: every, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *clientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/brokers", a.requireAuth(a.handleBrokers, staffRoles...))
	mux.HandleFunc("/api/v1/brokers/", a.requireAuth(a.handleBrokerActions, staffRoles...))
	mux.HandleFunc("/api/v1/cars", a.requireAuth(a.handleCars, staffRoles...))
	mux.HandleFunc("/api/v1/cars/", a.requireAuth(a.handleCarActions, staffRoles...))
	mux.HandleFunc("/api/v1/commissions", a.requireAuth(a.handleCommissions, domain.RoleOwner, domain.RoleManager))
	mux.HandleFunc("/api/v1/commissions/", a.requireAuth(a.handleCommissionActions, domain.RoleOwner, domain.RoleManager))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleOwner))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleOwner))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.logger.Info("login rejected", zap.String("username", req.Username), zap.String("client", clientKey(r)))
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour
// bucket. Mutating requests must echo it in the X-CSRF-Token header.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// Login is called before a client can hold a CSRF token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces the CSRF token for POST/PUT/PATCH/DELETE and writes the
// error response itself when the check fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleBrokers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		brokers, err := a.service.ListBrokers(r.Context())
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"brokers": brokers})
	case http.MethodPost:
		var req domain.BrokerCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		broker, err := a.service.CreateBroker(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"broker": broker})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBrokerActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/brokers/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("broker id required"))
		return
	}

	if tail == "rebuild-totals" {
		a.handleRebuildTotals(w, r)
		return
	}
	if strings.Contains(tail, "/") {
		writeError(w, http.StatusNotFound, errors.New("unknown broker action"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	broker, err := a.service.GetBroker(r.Context(), tail)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broker": broker})
}

func (a *API) handleRebuildTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if actor, ok := service.ActorFromContext(r.Context()); !ok || actor.Role != domain.RoleOwner {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return
	}

	var req domain.RebuildTotalsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:rebuild:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many owner pin attempts"))
		return
	}
	if !a.auth.ValidateOwnerPIN(req.OwnerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid owner pin"))
		return
	}

	resp, err := a.service.RebuildBrokerTotals(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCars(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

		cars, err := a.service.ListCars(r.Context(), status, limit)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cars": cars})
	case http.MethodPost:
		var req domain.CarCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := a.service.CreateCar(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCarActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/cars/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("car id required"))
		return
	}

	switch {
	case strings.HasSuffix(tail, "/sale"):
		a.handleCarSale(w, r, strings.TrimSuffix(tail, "/sale"))
		return
	case strings.HasSuffix(tail, "/reconcile"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.ReconcileCar(r.Context(), strings.TrimSuffix(tail, "/reconcile"))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	case strings.Contains(tail, "/"):
		writeError(w, http.StatusNotFound, errors.New("unknown car action"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		resp, err := a.service.GetCar(r.Context(), tail)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPatch:
		var req domain.CarUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := a.service.UpdateCar(r.Context(), tail, req)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCarSale(w http.ResponseWriter, r *http.Request, carID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.RecordSale(r.Context(), carID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleCommissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := r.URL.Query()
	filter := domain.CommissionFilter{
		BrokerID: query.Get("broker_id"),
		Limit:    parsePositiveLimit(query.Get("limit"), 100, 500),
	}
	if raw := strings.TrimSpace(query.Get("paid")); raw != "" {
		paid, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("paid must be true or false"))
			return
		}
		filter.Paid = &paid
	}

	resp, err := a.service.ListCommissions(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCommissionActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/commissions/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("commission id required"))
		return
	}

	if strings.HasSuffix(tail, "/pay") {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.MarkCommissionPaid(r.Context(), strings.TrimSuffix(tail, "/pay"))
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if strings.Contains(tail, "/") {
		writeError(w, http.StatusNotFound, errors.New("unknown commission action"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	record, err := a.service.GetCommission(r.Context(), tail)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commission": record})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		user, err := a.auth.CreateStaff(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		reqLogger := a.logger.With(
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("client", clientKey(r)))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context(), reqLogger)))
		reqLogger.Info("request",
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(startedAt)))
	})
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func statusForError(err error) int {
	var perr *service.PersistenceError
	switch {
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyPaid), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses so store and driver details
// never reach the client.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
