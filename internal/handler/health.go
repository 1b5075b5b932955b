package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the root, health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	stats   *Stats
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, stats *Stats) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, stats: stats}
}

// Root answers with the server name.
func (h *HealthHandler) Root(c echo.Context) error {
	return c.String(http.StatusOK, h.cfg.Server.ServerName)
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Encoding       string `json:"encoding"`
	MaxSizeBytes   int64  `json:"max_size_bytes"`
	MaxRedirects   int    `json:"max_redirects"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxConcurrent  int    `json:"max_concurrent"`
	ClientsServed  uint64 `json:"clients_served"`
	BytesServed    uint64 `json:"bytes_served"`
}

// Status returns proxy status information. The key is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Encoding:       h.cfg.Camo.Encoding,
		MaxSizeBytes:   h.cfg.Fetch.MaxSizeBytes,
		MaxRedirects:   h.cfg.Fetch.MaxRedirects,
		TimeoutSeconds: h.cfg.Fetch.TimeoutSeconds,
		MaxConcurrent:  h.cfg.Fetch.MaxConcurrent,
		ClientsServed:  h.stats.ClientsServed(),
		BytesServed:    h.stats.BytesServed(),
	})
}
