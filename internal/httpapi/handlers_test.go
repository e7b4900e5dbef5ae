package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/service"
	"magsd/backend/internal/store/memory"
)

const (
	adminEmail       = "admin@magsd.local"
	adminPassword    = "admin12345"
	customerEmail    = "customer@magsd.local"
	customerPassword = "customer12345"
)

type testServer struct {
	api     *API
	handler http.Handler
	repo    *memory.Store
	csrf    string
}

// newTestServer builds the full API over a seeded in-memory store, a real
// AuthManager and a real Service so handler tests exercise the whole request
// path.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", adminPassword)
	t.Setenv("SEED_CUSTOMER_PASSWORD", customerPassword)

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, service.Options{ShopName: "Test Jewelers"})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)
	api, err := New(svc, auth, Options{AllowedOrigin: "*", AuthRate: "5-M", CSRFSecret: []byte("test-csrf-secret")})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	ts := &testServer{api: api, handler: api.Handler(), repo: repo}
	ts.csrf = fetchCSRFToken(t, ts.handler)
	return ts
}

func (ts *testServer) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", ts.csrf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	ts.handler.ServeHTTP(res, req)
	return res
}

func (ts *testServer) login(t *testing.T, email string, password string) domain.LoginResponse {
	t.Helper()
	res := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: email, Password: password})
	if res.Code != http.StatusOK {
		t.Fatalf("login %s failed, status %d body %s", email, res.Code, res.Body.String())
	}
	var payload domain.LoginResponse
	decodeResponse(t, res, &payload)
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload
}

func (ts *testServer) firstCatalogItem(t *testing.T) domain.CatalogItem {
	t.Helper()
	res := ts.do(t, http.MethodGet, "/api/v1/catalog?category_type=ring", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("catalog status %d", res.Code)
	}
	var payload struct {
		Items []domain.CatalogItem `json:"items"`
	}
	decodeResponse(t, res, &payload)
	if len(payload.Items) == 0 {
		t.Fatalf("expected seeded ring in catalog")
	}
	return payload.Items[0]
}

func decodeResponse(t *testing.T, res *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectErrorCode(t *testing.T, res *httptest.ResponseRecorder, status int, code domain.ErrorCode) map[string]any {
	t.Helper()
	if res.Code != status {
		t.Fatalf("expected status %d, got %d (body: %s)", status, res.Code, res.Body.String())
	}
	var body map[string]any
	decodeResponse(t, res, &body)
	if body["code"] != string(code) {
		t.Fatalf("expected code %s, got %v", code, body["code"])
	}
	return body
}

func intPtr(v int) *int { return &v }

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	res := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var body map[string]any
	decodeResponse(t, res, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.login(t, customerEmail, customerPassword)
	if resp.User.Email != customerEmail || resp.User.IsAdmin {
		t.Fatalf("unexpected user %+v", resp.User)
	}

	res := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Email: customerEmail, Password: "wrong-pass"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/auth/me", resp.AccessToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from me, got %d", res.Code)
	}
	var me struct {
		User domain.UserAccount `json:"user"`
		Role string             `json:"role"`
	}
	decodeResponse(t, res, &me)
	if me.User.ID != resp.User.ID || me.Role != "customer" {
		t.Fatalf("unexpected me payload %+v", me)
	}
}

func TestCatalogIsPublicAndShowsEffectivePrice(t *testing.T) {
	ts := newTestServer(t)
	item := ts.firstCatalogItem(t)

	// The seeded ring carries a fixed discount of 1500 on 24999.
	if !item.EffectivePrice.Equal(item.SellPrice.Sub(item.DiscountValue)) {
		t.Fatalf("expected effective price to apply the fixed discount, got %s", item.EffectivePrice)
	}
}

func TestRegisterReserveAndList(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", domain.RegisterRequest{Email: "walkin@magsd.local", Password: "walkin-pass"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d (body: %s)", res.Code, res.Body.String())
	}
	var registered domain.LoginResponse
	decodeResponse(t, res, &registered)

	item := ts.firstCatalogItem(t)
	res = ts.do(t, http.MethodPost, "/api/v1/reservations", registered.AccessToken, domain.ReserveRequest{ItemID: item.ID, Delta: intPtr(2)})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from reserve, got %d (body: %s)", res.Code, res.Body.String())
	}
	var reserved domain.ReserveResponse
	decodeResponse(t, res, &reserved)
	if reserved.Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", reserved.Quantity)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/reservations", registered.AccessToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from list, got %d", res.Code)
	}
	var list domain.ReservationListResponse
	decodeResponse(t, res, &list)
	if len(list.Reservations) != 1 || list.Reservations[0].Quantity != 2 {
		t.Fatalf("unexpected reservations %+v", list.Reservations)
	}

	res = ts.do(t, http.MethodPost, "/api/v1/reservations/cancel-all", registered.AccessToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from cancel-all, got %d", res.Code)
	}
	var canceled domain.CancelResponse
	decodeResponse(t, res, &canceled)
	if canceled.Canceled != 1 {
		t.Fatalf("expected 1 canceled reservation, got %d", canceled.Canceled)
	}
}

func TestReserveErrorsCarryCodes(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, customerEmail, customerPassword).AccessToken

	res := ts.do(t, http.MethodPost, "/api/v1/reservations", token, domain.ReserveRequest{ItemID: "missing", Delta: intPtr(1)})
	expectErrorCode(t, res, http.StatusNotFound, domain.CodeNotFound)

	item := ts.firstCatalogItem(t)
	res = ts.do(t, http.MethodPost, "/api/v1/reservations", token, domain.ReserveRequest{ItemID: item.ID, Delta: intPtr(0)})
	expectErrorCode(t, res, http.StatusBadRequest, domain.CodeValidation)

	res = ts.do(t, http.MethodPost, "/api/v1/reservations", token, map[string]any{"item_id": item.ID, "delta": 1, "note": "extra"})
	expectErrorCode(t, res, http.StatusBadRequest, domain.CodeValidation)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/api/v1/reservations", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}
	res = ts.do(t, http.MethodGet, "/api/v1/reservations", "not-a-token", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.Code)
	}

	customer := ts.login(t, customerEmail, customerPassword).AccessToken
	res = ts.do(t, http.MethodGet, "/api/v1/admin/items", customer, nil)
	expectErrorCode(t, res, http.StatusForbidden, domain.CodeForbidden)
	res = ts.do(t, http.MethodPost, "/api/v1/admin/sales/finalize", customer, domain.FinalizeSaleRequest{UserID: "anyone"})
	expectErrorCode(t, res, http.StatusForbidden, domain.CodeForbidden)
}

func TestBlockedUserIsRefused(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, adminEmail, adminPassword).AccessToken
	customer := ts.login(t, customerEmail, customerPassword)

	blocked := true
	res := ts.do(t, http.MethodPatch, "/api/v1/admin/users/"+customer.User.ID, admin, domain.UserUpdateRequest{Blocked: &blocked})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from user update, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = ts.do(t, http.MethodGet, "/api/v1/reservations", customer.AccessToken, nil)
	expectErrorCode(t, res, http.StatusForbidden, domain.CodeForbidden)

	res = ts.do(t, http.MethodGet, "/api/v1/admin/audit-logs", admin, nil)
	var audit struct {
		Logs []domain.AuditLog `json:"audit_logs"`
	}
	decodeResponse(t, res, &audit)
	if len(audit.Logs) == 0 || audit.Logs[0].Action != "user_update" || audit.Logs[0].ActorEmail != adminEmail {
		t.Fatalf("expected user_update audit entry, got %+v", audit.Logs)
	}
}

func TestAdminFinalizeInvoiceAndReports(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, adminEmail, adminPassword).AccessToken
	customer := ts.login(t, customerEmail, customerPassword)
	item := ts.firstCatalogItem(t)

	res := ts.do(t, http.MethodPost, "/api/v1/reservations", customer.AccessToken, domain.ReserveRequest{ItemID: item.ID, Delta: intPtr(1)})
	if res.Code != http.StatusOK {
		t.Fatalf("reserve status %d", res.Code)
	}

	res = ts.do(t, http.MethodPost, "/api/v1/admin/sales/finalize", admin, map[string]any{
		"user_id":        customer.User.ID,
		"payment_method": 1,
		"layaway_months": 12,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 from finalize, got %d (body: %s)", res.Code, res.Body.String())
	}
	var sale domain.FinalizeSaleResponse
	decodeResponse(t, res, &sale)
	if !sale.Total.Equal(item.EffectivePrice) || sale.Sale.PaymentMethod != domain.PaymentLayaway {
		t.Fatalf("unexpected sale %+v", sale)
	}
	if sale.Sale.LayawayMonths == nil || *sale.Sale.LayawayMonths != 12 {
		t.Fatalf("expected 12 layaway months, got %v", sale.Sale.LayawayMonths)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/admin/sales/"+sale.SaleID+"/invoice?format=html", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from invoice, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html invoice, got %q", ct)
	}
	if html := res.Body.String(); !strings.Contains(html, "Test Jewelers") || !strings.Contains(html, "White Gold Solitaire Ring") {
		t.Fatalf("invoice missing shop or item name: %s", html)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/admin/reports/inventory?format=csv", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from inventory csv, got %d", res.Code)
	}
	csvBody := res.Body.String()
	if !strings.HasPrefix(csvBody, "item_id,name,total_quantity") || !strings.Contains(csvBody, "grand_total") {
		t.Fatalf("unexpected inventory csv: %s", csvBody)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/admin/reports/sales-summary?period=monthly", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from sales summary, got %d (body: %s)", res.Code, res.Body.String())
	}
	var summary domain.SalesSummary
	decodeResponse(t, res, &summary)
	if len(summary.Summary) != 1 || !summary.TotalNet.Equal(item.EffectivePrice) {
		t.Fatalf("unexpected summary %+v", summary)
	}

	res = ts.do(t, http.MethodGet, "/api/v1/admin/reports/sales-summary?start=yesterday", admin, nil)
	expectErrorCode(t, res, http.StatusBadRequest, domain.CodeValidation)
}

func TestDeleteHeldItemReportsForeignKeyHint(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, adminEmail, adminPassword).AccessToken
	customer := ts.login(t, customerEmail, customerPassword).AccessToken
	item := ts.firstCatalogItem(t)

	res := ts.do(t, http.MethodPost, "/api/v1/reservations", customer, domain.ReserveRequest{ItemID: item.ID, Delta: intPtr(1)})
	if res.Code != http.StatusOK {
		t.Fatalf("reserve status %d", res.Code)
	}

	res = ts.do(t, http.MethodDelete, "/api/v1/admin/items/"+item.ID, admin, nil)
	body := expectErrorCode(t, res, http.StatusConflict, domain.CodeFKViolation)
	if hint, _ := body["hint"].(string); !strings.Contains(hint, "force=true") {
		t.Fatalf("expected force hint, got %v", body["hint"])
	}

	res = ts.do(t, http.MethodDelete, "/api/v1/admin/items/"+item.ID+"?force=true", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 from forced delete, got %d (body: %s)", res.Code, res.Body.String())
	}
	var deleted domain.ItemDeleteResponse
	decodeResponse(t, res, &deleted)
	if deleted.DeletedReservations != 1 {
		t.Fatalf("expected 1 reservation removed, got %d", deleted.DeletedReservations)
	}
}

func TestAdminCannotDeleteOwnAccount(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, adminEmail, adminPassword)

	res := ts.do(t, http.MethodDelete, "/api/v1/admin/users/"+admin.User.ID, admin.AccessToken, nil)
	expectErrorCode(t, res, http.StatusBadRequest, domain.CodeValidation)
}
