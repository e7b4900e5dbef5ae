package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/service"
	"magsd/backend/internal/store/memory"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(t, http.MethodGet, "/healthz", "", nil)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
	if got := res.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Fatalf("expected PATCH in allowed methods, got %q", got)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/admin/items", nil)
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t)
	body, _ := json.Marshal(domain.LoginRequest{Email: adminEmail, Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		ts.handler.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}

	// Other clients keep their own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.2:5000"
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a different client, got %d", res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	ts := newTestServer(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"email":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	ts.handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for too large body, got %d", res.Code)
	}
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, customerEmail, customerPassword).AccessToken

	body, _ := json.Marshal(map[string]any{"item_id": "x", "delta": 1})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)
	expectErrorCode(t, res, http.StatusForbidden, domain.CodeForbidden)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reservations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", "forged")
	res = httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)
	expectErrorCode(t, res, http.StatusForbidden, domain.CodeForbidden)
}

func TestCSRFTokenAcceptsPreviousHour(t *testing.T) {
	ts := newTestServer(t)
	previous := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour).Unix()
	if !ts.api.validateCSRFToken(ts.api.csrfTokenForHour(previous)) {
		t.Fatalf("expected previous hour token to validate")
	}
	stale := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour).Unix()
	if ts.api.validateCSRFToken(ts.api.csrfTokenForHour(stale)) {
		t.Fatalf("expected token older than one hour to be rejected")
	}
}

func TestInvalidRateRejected(t *testing.T) {
	repo := memory.New()
	svc := service.New(repo, nil, service.Options{})
	auth := NewAuthManager("test-secret", time.Hour, repo)
	if _, err := New(svc, auth, Options{AuthRate: "five per minute"}); err == nil {
		t.Fatalf("expected malformed rate to be rejected")
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	res := httptest.NewRecorder()
	writeServiceError(res, fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"))
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "10.0.0.5") {
		t.Fatalf("expected internal details to be hidden, got %s", res.Body.String())
	}

	res = httptest.NewRecorder()
	writeServiceError(res, domain.NewError(domain.CodeSchemaDrift, "sales table is missing payment columns"))
	body := expectErrorCode(t, res, http.StatusInternalServerError, domain.CodeSchemaDrift)
	if body["error"] != "sales table is missing payment columns" {
		t.Fatalf("expected schema drift message to be kept, got %v", body["error"])
	}
}

// fetchCSRFToken calls the CSRF token endpoint and returns the token string.
func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("csrf-token endpoint returned status %d", res.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode csrf-token response failed: %v", err)
	}
	tok := payload["csrf_token"]
	if strings.TrimSpace(tok) == "" {
		t.Fatalf("expected non-empty csrf_token in response")
	}
	return tok
}
