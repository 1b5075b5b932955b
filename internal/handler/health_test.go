package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", NewStats())
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestRoot(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{Server: config.ServerConfig{ServerName: "img-relay"}}
	h := NewHealthHandler(cfg, "test", NewStats())
	if err := h.Root(c); err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "img-relay" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "img-relay")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Camo: config.CamoConfig{Key: "super-secret", Encoding: "hex"},
		Fetch: config.FetchConfig{
			MaxSizeBytes:   5 * 1024 * 1024,
			MaxRedirects:   3,
			TimeoutSeconds: 4,
			MaxConcurrent:  256,
		},
	}
	stats := NewStats()
	stats.record(100)
	stats.record(23)

	h := NewHealthHandler(cfg, "1.2.3", stats)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Error("status body leaks the HMAC key")
	}

	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.Encoding != "hex" {
		t.Errorf("body.encoding = %q, want %q", body.Encoding, "hex")
	}
	if body.MaxSizeBytes != 5*1024*1024 {
		t.Errorf("body.max_size_bytes = %d, want %d", body.MaxSizeBytes, 5*1024*1024)
	}
	if body.ClientsServed != 2 {
		t.Errorf("body.clients_served = %d, want 2", body.ClientsServed)
	}
	if body.BytesServed != 123 {
		t.Errorf("body.bytes_served = %d, want 123", body.BytesServed)
	}
}
