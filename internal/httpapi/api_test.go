package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/recon"
	"hourbank.org/internal/timesource"
)

func newTestAPI(t *testing.T) (*API, *timesource.Memory) {
	t.Helper()
	svc := ledger.NewInMemory(nil)
	ts := timesource.NewMemory()
	engine := &recon.Engine{Ledger: svc, Time: ts, Threshold: 480, Workers: 2}
	return New(Options{
		Ledger:  svc,
		Engine:  engine,
		Version: "test",
	}), ts
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{
		"X-Tenant-ID": "t1",
		"X-Actor-ID":  "admin-1",
		"X-Roles":     "admin",
	}
}

func TestHealthzIsPublic(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/users/u1/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerAuthRejectsBadToken(t *testing.T) {
	svc := ledger.NewInMemory(nil)
	tokens, err := auth.NewTokens("test-secret", "test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	api := New(Options{Ledger: svc, Tokens: tokens, Version: "test"})

	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/users/u1/balance", "",
		map[string]string{"Authorization": "Bearer garbage"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	signed, err := tokens.Generate(auth.Scope{TenantID: "t1", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, api.Handler(), http.MethodGet, "/v1/users/u1/balance", "",
		map[string]string{"Authorization": "Bearer " + signed})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateDebtAndBalanceFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/debts",
		`{"debtor_id":"u1","date":"2024-01-05","minutes_owed":120,"reason":"medical appointment"}`,
		adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/v1/debts/") {
		t.Fatalf("missing Location header: %q", loc)
	}
	var debt ledger.Debt
	if err := json.Unmarshal(rec.Body.Bytes(), &debt); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/users/u1/balance", "", adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bal struct {
		BalanceMinutes int `json:"balance_minutes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatal(err)
	}
	if bal.BalanceMinutes != 120 {
		t.Fatalf("expected balance 120, got %d", bal.BalanceMinutes)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/debts/"+debt.ID+"/audit", "", adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit trail, got %d", rec.Code)
	}
}

func TestCreateDebtValidationMapsTo400(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/debts",
		`{"debtor_id":"u1","date":"2024-01-05","minutes_owed":0}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetDebtNotFoundMapsTo404(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/debts/does-not-exist", "", adminHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()
	viewer := map[string]string{"X-Tenant-ID": "t1", "X-Actor-ID": "u1", "X-Roles": "viewer"}

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPatch, "/v1/debts/x", `{"minutes_owed":10,"reason":"r"}`},
		{http.MethodPatch, "/v1/debts/x/cancel", `{"reason":"r"}`},
		{http.MethodDelete, "/v1/debts/x", ""},
		{http.MethodPost, "/v1/reconciliation/review", ""},
		{http.MethodPost, "/v1/reconciliation/correct", ""},
	} {
		rec := doJSON(t, h, tc.method, tc.path, tc.body, viewer)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCancelConflictMapsTo409(t *testing.T) {
	api, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/debts",
		`{"debtor_id":"u1","date":"2024-01-05","minutes_owed":60}`, adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var debt ledger.Debt
	if err := json.Unmarshal(rec.Body.Bytes(), &debt); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, http.MethodPatch, "/v1/debts/"+debt.ID+"/cancel", `{"reason":"dup"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("first cancel: %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodPatch, "/v1/debts/"+debt.ID+"/cancel", `{"reason":"dup"}`, adminHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestCancelWithoutReasonMapsTo400(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPatch, "/v1/debts/x/cancel", `{"reason":"  "}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestReviewEndpoint(t *testing.T) {
	api, ts := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/debts",
		`{"debtor_id":"u1","date":"2024-01-05","minutes_owed":120}`, adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	day, _ := time.Parse(time.DateOnly, "2024-02-01")
	ts.Add("t1", timesource.Record{ID: "tr1", UserID: "u1", Date: day, Minutes: 600})

	rec = doJSON(t, h, http.MethodPost, "/v1/reconciliation/review",
		`{"from":"2024-02-01","to":"2024-02-29"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("review: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report recon.ReviewReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.MinutesApplied != 120 {
		t.Fatalf("expected 120 minutes applied, got %d", report.MinutesApplied)
	}
}

func TestReviewRejectsHalfRange(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/reconciliation/review",
		`{"from":"2024-02-01"}`, adminHeaders())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "",
		map[string]string{"X-Request-ID": "fixed-id"})
	if got := rec.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	rec = doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}
