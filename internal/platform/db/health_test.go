package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func runHealth(t *testing.T, p Pinger) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(p)(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Memory(t *testing.T) {
	code, body := runHealth(t, nil)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["store"] != "memory" || body["status"] != "healthy" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := runHealth(t, stubPinger{})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" || body["store"] != "postgres" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, body := runHealth(t, stubPinger{err: errors.New("connection refused")})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" || body["error"] != "connection refused" {
		t.Errorf("unexpected body: %v", body)
	}
}
