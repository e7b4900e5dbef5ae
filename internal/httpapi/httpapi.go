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
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	lmemory "github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/service"
)

const (
	maxBodyBytes     = 1 << 20
	defaultAuthRate  = "5-M"
	authLimitPrefix  = "magsd:auth-limit"
	roleAdmin        = "admin"
	defaultListLimit = 100
)

type Options struct {
	AllowedOrigin string
	// AuthRate limits register and login per client address, in the
	// formatted notation of ulule/limiter ("5-M" is five per minute).
	AuthRate string
	// Redis, when set, shares rate limit counters between instances.
	Redis *redis.Client
	// CSRFSecret keys CSRF tokens. A random key is used when empty, which
	// only works for a single instance.
	CSRFSecret []byte
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	authLimiter   *stdlib.Middleware
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, opts Options) (*API, error) {
	authLimiter, err := newAuthLimiter(opts.AuthRate, opts.Redis)
	if err != nil {
		return nil, err
	}

	csrfSecret := opts.CSRFSecret
	if len(csrfSecret) == 0 {
		csrfSecret = make([]byte, 32)
		if _, err := rand.Read(csrfSecret); err != nil {
			return nil, fmt.Errorf("generate csrf secret: %w", err)
		}
	}

	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		authLimiter:   authLimiter,
		csrfSecret:    csrfSecret,
	}, nil
}

func newAuthLimiter(formatted string, client *redis.Client) (*stdlib.Middleware, error) {
	if strings.TrimSpace(formatted) == "" {
		formatted = defaultAuthRate
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit %q: %w", formatted, err)
	}

	var limitStore limiter.Store
	if client != nil {
		limitStore, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: authLimitPrefix, MaxRetry: 3})
		if err != nil {
			return nil, fmt.Errorf("redis rate limit store: %w", err)
		}
	} else {
		limitStore = lmemory.NewStoreWithOptions(limiter.StoreOptions{Prefix: authLimitPrefix, CleanUpInterval: time.Minute})
	}

	return stdlib.NewMiddleware(limiter.New(limitStore, rate),
		stdlib.WithKeyGetter(clientKey),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, try again later"))
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("rate limiter: %w", err))
		}),
	), nil
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts tokens from the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
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
	mux.Handle("/api/v1/auth/register", a.authLimiter.Handler(http.HandlerFunc(a.handleRegister)))
	mux.Handle("/api/v1/auth/login", a.authLimiter.Handler(http.HandlerFunc(a.handleLogin)))
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/api/v1/auth/me", a.requireAuth(a.handleMe))

	mux.HandleFunc("/api/v1/catalog", a.handleCatalog)

	mux.HandleFunc("/api/v1/reservations", a.requireAuth(a.handleReservations))
	mux.HandleFunc("/api/v1/reservations/cancel", a.requireAuth(a.handleReservationCancel))
	mux.HandleFunc("/api/v1/reservations/cancel-all", a.requireAuth(a.handleReservationCancelAll))

	mux.HandleFunc("/api/v1/admin/items", a.requireAuth(a.handleAdminItems, roleAdmin))
	mux.HandleFunc("/api/v1/admin/items/", a.requireAuth(a.handleAdminItemActions, roleAdmin))
	mux.HandleFunc("/api/v1/admin/users", a.requireAuth(a.handleAdminUsers, roleAdmin))
	mux.HandleFunc("/api/v1/admin/users/", a.requireAuth(a.handleAdminUserActions, roleAdmin))
	mux.HandleFunc("/api/v1/admin/sales/finalize", a.requireAuth(a.handleFinalizeSale, roleAdmin))
	mux.HandleFunc("/api/v1/admin/sales/refund", a.requireAuth(a.handleRefund, roleAdmin))
	mux.HandleFunc("/api/v1/admin/sales/history", a.requireAuth(a.handleSaleHistory, roleAdmin))
	mux.HandleFunc("/api/v1/admin/sales/", a.requireAuth(a.handleSaleActions, roleAdmin))
	mux.HandleFunc("/api/v1/admin/refunds/", a.requireAuth(a.handleRefundReceipt, roleAdmin))
	mux.HandleFunc("/api/v1/admin/reports/inventory", a.requireAuth(a.handleInventoryReport, roleAdmin))
	mux.HandleFunc("/api/v1/admin/reports/sales-summary", a.requireAuth(a.handleSalesSummary, roleAdmin))
	mux.HandleFunc("/api/v1/admin/audit-logs", a.requireAuth(a.handleAuditLogs, roleAdmin))

	return a.withMiddleware(mux)
}

// requireAuth verifies the bearer token and attaches the actor. Blocked
// accounts are refused everywhere; roles restricts the route further.
func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.Verify(r.Context(), token)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if actor.Blocked {
			writeServiceError(w, domain.NewError(domain.CodeForbidden, "account is blocked"))
			return
		}
		if len(roles) > 0 && !slices.Contains(roles, actor.Role()) {
			writeServiceError(w, domain.NewError(domain.CodeForbidden, "admin role required"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
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

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := a.auth.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())
	user, err := a.auth.Me(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "role": actor.Role()})
}

var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/auth/register",
}

// checkCSRF enforces CSRF token validation for state-changing methods.
// Returns false and writes an error response if validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	if slices.Contains(csrfExemptPaths, r.URL.Path) {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeServiceError(w, domain.NewError(domain.CodeForbidden, "missing or invalid CSRF token"))
		return false
	}
	return true
}

func itemFilterFromQuery(r *http.Request) domain.ItemFilter {
	q := r.URL.Query()
	return domain.ItemFilter{
		CategoryType: strings.TrimSpace(q.Get("category_type")),
		GoldType:     strings.TrimSpace(q.Get("gold_type")),
		Karat:        strings.TrimSpace(q.Get("karat")),
	}
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := a.service.Catalog(r.Context(), itemFilterFromQuery(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleReservations(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		resp, err := a.service.ListReservations(r.Context(), actor.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req domain.ReserveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := a.service.Reserve(r.Context(), actor.UserID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleReservationCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())

	var req domain.CancelReservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := a.service.CancelReservation(r.Context(), actor.UserID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReservationCancelAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	actor, _ := service.ActorFromContext(r.Context())

	resp, err := a.service.CancelAllReservations(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAdminItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := itemFilterFromQuery(r)
		filter.ActiveOnly = r.URL.Query().Get("active") == "true"
		items, err := a.service.ListItems(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req domain.ItemCreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		item, err := a.service.CreateItem(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAdminItemActions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/admin/items/")
	if len(segments) == 0 {
		writeServiceError(w, domain.Validation("item id is required"))
		return
	}
	id := segments[0]

	if len(segments) == 2 && segments[1] == "restock" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.RestockRequest
		if !decodeBody(w, r, &req) {
			return
		}
		item, err := a.service.RestockItem(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
		return
	}
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, errors.New("unknown item action"))
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req domain.ItemUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		item, err := a.service.UpdateItem(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})
	case http.MethodDelete:
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		resp, err := a.service.DeleteItem(r.Context(), id, force)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.auth.ListUsers(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		a.service.RecordAudit(r.Context(), "user_create", "user", user.ID, fmt.Sprintf("email=%s,admin=%t", user.Email, user.IsAdmin))
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAdminUserActions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/admin/users/")
	if len(segments) == 0 {
		writeServiceError(w, domain.Validation("user id is required"))
		return
	}
	id := segments[0]

	if len(segments) == 2 && segments[1] == "reservations" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.ListUserReservations(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, errors.New("unknown user action"))
		return
	}

	actor, _ := service.ActorFromContext(r.Context())
	switch r.Method {
	case http.MethodPatch:
		var req domain.UserUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		user, err := a.auth.UpdateUser(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		a.service.RecordAudit(r.Context(), "user_update", "user", user.ID, fmt.Sprintf("admin=%t,blocked=%t,password_changed=%t", user.IsAdmin, user.Blocked, req.Password != nil))
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	case http.MethodDelete:
		if id == actor.UserID {
			writeServiceError(w, domain.Validation("admins cannot delete their own account"))
			return
		}
		if err := a.auth.DeleteUser(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		a.service.RecordAudit(r.Context(), "user_delete", "user", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleFinalizeSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.FinalizeSaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := a.service.FinalizeSale(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := a.service.Refund(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSaleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	limit := parsePositiveLimit(q.Get("limit"), defaultListLimit, defaultListLimit)
	resp, err := a.service.SaleHistory(r.Context(), q.Get("user_id"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/v1/admin/sales/")
	if len(segments) != 2 || segments[1] != "invoice" {
		writeError(w, http.StatusNotFound, errors.New("unknown sale action"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	invoice, err := a.service.Invoice(r.Context(), segments[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "html") {
		writeHTML(w, invoiceHTML(invoice))
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (a *API) handleRefundReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	segments := pathSegments(r.URL.Path, "/api/v1/admin/refunds/")
	if len(segments) != 1 {
		writeServiceError(w, domain.Validation("refund id is required"))
		return
	}

	receipt, err := a.service.RefundReceipt(r.Context(), segments[0])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *API) handleInventoryReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	report, err := a.service.InventoryReport(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		body, err := inventoryReportCSV(report)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="inventory-%s.csv"`, report.GeneratedAt.Format("2006-01-02")))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	loc := a.service.Location()
	start, err := parseReportTime(q.Get("start"), loc, false)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	end, err := parseReportTime(q.Get("end"), loc, true)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	summary, err := a.service.SalesSummary(r.Context(), q.Get("period"), start, end)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), defaultListLimit, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Body != nil && r.Method != http.MethodGet {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		var event *zerolog.Event
		switch {
		case rec.status >= 500:
			event = log.Error()
		case rec.status >= 400:
			event = log.Warn()
		default:
			event = log.Info()
		}
		event.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("client_ip", clientKey(r)).
			Dur("latency", time.Since(startedAt)).
			Msg("request")
	})
}

func pathSegments(path string, prefix string) []string {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}

// parseReportTime accepts RFC3339 or a calendar date in the shop timezone.
// A date used as a range end covers the whole day.
func parseReportTime(raw string, loc *time.Location, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, domain.Validation("dates must be YYYY-MM-DD or RFC3339, got %q", raw)
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return day, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeBody decodes a strict JSON body, writing a 400 (or 413) when it
// cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	err := decodeJSON(r, dest)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return false
	}
	writeServiceError(w, domain.Validation("invalid request body: %v", err))
	return false
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

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeStockExceeded, domain.CodeFKViolation, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders a classified error as {"error","code","hint"}.
// Unclassified errors become a generic 500. SCHEMA_DRIFT and
// PARTIAL_FAILURE_UNRECOVERABLE keep their code and message.
func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInvalidToken) {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var de *domain.Error
	if !errors.As(err, &de) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := statusForCode(de.Code)
	if status >= 500 {
		log.Error().Err(err).Str("code", string(de.Code)).Msg("request failed")
	}
	body := map[string]any{
		"error": de.Message,
		"code":  de.Code,
	}
	if de.Hint != "" {
		body["hint"] = de.Hint
	}
	writeJSON(w, status, body)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry the underlying error.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
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

func writeHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
