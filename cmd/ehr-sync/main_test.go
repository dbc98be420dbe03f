package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "test",
		LogLevel:            "info",
		AdapterMaxAttempts:  1,
		AdapterTimeout:      time.Second,
		TokenRefreshBuffer:  5 * time.Minute,
		CacheMaxEntries:     100,
		MetadataCacheTTL:    time.Hour,
		ResourceCacheTTL:    time.Minute,
		ConflictThreshold:   0.1,
		ConflictStrategy:    "merge",
		ConflictRetention:   24 * time.Hour,
		MaintenanceSchedule: "@every 1m",
	}
}

func TestBuildApp_InMemory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "connections.json")
	body := `{"connections":[{"id":"epic","system":"epic","base_url":"https://fhir.epic.example/R4","client_id":"c","redirect_uri":"https://sync.example.org/cb","use_pkce":true}]}`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.ConnectionsFile = file

	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"memory"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connections/epic", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get connection: %d %s", rec.Code, rec.Body.String())
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view["system"] != "epic" || view["authorized"] != false {
		t.Errorf("unexpected connection view %v", view)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id on API responses")
	}

	r := a.maintenance.RunOnce(context.Background())
	if len(r.Errors) != 0 {
		t.Errorf("maintenance errors: %v", r.Errors)
	}
}

func TestBuildApp_BadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceSchedule = "whenever"
	if _, err := buildApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected an error for an invalid maintenance schedule")
	}
}

func TestBuildApp_MissingConnectionsFile(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionsFile = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := buildApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected an error for a missing connections file")
	}
}
