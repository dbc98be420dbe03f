package ehrsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ehrsync/internal/domain/conflict"
)

func setupHandler(t *testing.T) (*echo.Echo, *Gateway, *fakeEHR) {
	t.Helper()
	f := newFakeEHR(t)
	gw := newTestGateway(f)
	e := echo.New()
	NewHandler(gw).RegisterRoutes(e.Group("/api/v1"))
	return e, gw, f
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Connections(t *testing.T) {
	e, _, f := setupHandler(t)

	cfg, _ := json.Marshal(f.connection("c1"))
	rec := doRequest(e, http.MethodPost, "/api/v1/connections", string(cfg))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var view ConnectionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ID != "c1" || view.System != "generic" || view.Authorized {
		t.Errorf("unexpected view %+v", view)
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/connections", string(cfg))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/connections", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data  []ConnectionView `json:"data"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != "c1" {
		t.Errorf("unexpected page %+v", page)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/connections/c1/authorize", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "authorization_url") {
		t.Errorf("authorize: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodGet, "/api/v1/connections/c1/authorize?redirect=true", "")
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), f.srv.URL+"/oauth/authorize") {
		t.Errorf("authorize redirect: %d %s", rec.Code, rec.Header().Get("Location"))
	}

	rec = doRequest(e, http.MethodDelete, "/api/v1/connections/c1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodGet, "/api/v1/connections/c1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandler_CallbackErrors(t *testing.T) {
	e, gw, f := setupHandler(t)
	if _, err := gw.Connect(f.connection("c1")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		code  int
	}{
		{"?error=access_denied&error_description=user+said+no", http.StatusBadRequest},
		{"?code=abc", http.StatusBadRequest},
		{"?code=abc&state=unknown", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := doRequest(e, http.MethodGet, "/api/v1/connections/c1/callback"+tt.query, "")
		if rec.Code != tt.code {
			t.Errorf("%s: expected %d, got %d", tt.query, tt.code, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"resourceType":"OperationOutcome"`) {
			t.Errorf("%s: expected an OperationOutcome, got %s", tt.query, rec.Body.String())
		}
	}
}

func TestHandler_PullWithoutToken(t *testing.T) {
	e, gw, f := setupHandler(t)
	if _, err := gw.Connect(f.connection("c1")); err != nil {
		t.Fatal(err)
	}
	rec := doRequest(e, http.MethodPost, "/api/v1/connections/c1/patients/p1/pull", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(e, http.MethodPost, "/api/v1/connections/c1/patients/p1/sync", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("sync without patient_hash: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Conflicts(t *testing.T) {
	e, gw, _ := setupHandler(t)

	rec := doRequest(e, http.MethodGet, "/api/v1/conflicts/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var outcome struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Code string `json:"code"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 || outcome.Issue[0].Code != "not-found" {
		t.Errorf("unexpected outcome %+v", outcome)
	}

	created, err := gw.Resolver().Register(context.Background(), conflict.Info{
		ResourceType: "Condition", ResourceID: "c9",
		LocalVersion: "1", RemoteVersion: "2",
		LocalData:  []byte(`{"a":1}`),
		RemoteData: []byte(`{"b":2}`),
		Type:       conflict.TypeUpdate,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/conflicts?status=pending", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
		t.Errorf("list: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/conflicts/"+created.ID+"/resolve", `{"strategy":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown strategy: expected 400, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPost, "/api/v1/conflicts/"+created.ID+"/resolve", `{"strategy":"manual"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("manual without data: expected 400, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/conflicts/"+created.ID+"/resolve", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve with default strategy: %d %s", rec.Code, rec.Body.String())
	}
	var resolved conflict.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatal(err)
	}
	if resolved.Status != conflict.StatusResolved || resolved.Resolution.Strategy != conflict.Merge {
		t.Errorf("unexpected record %+v", resolved)
	}
	if string(resolved.Resolution.Data) != `{"a":1,"b":2}` {
		t.Errorf("unexpected merged data %s", resolved.Resolution.Data)
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/conflicts/"+created.ID+"/defer", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("defer after resolve: expected 409, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Conflicts.Resolved != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}
