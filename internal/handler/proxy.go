package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/model"
	"camo-proxy-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs quoted by error messages.
var userinfoPattern = regexp.MustCompile(`(://)[^/@\s"]+@`)

// queryPattern matches the query string of a quoted URL.
var queryPattern = regexp.MustCompile(`\?[^\s"]*`)

// ProxyHandler serves signed /<digest>/<encoded-url> requests.
type ProxyHandler struct {
	service *service.ProxyService
	stats   *Stats
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyHandler(svc *service.ProxyService, stats *Stats, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		stats:   stats,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle verifies the signed path, fetches the target and streams it back.
// Every rejection, including a full outbound pool, produces the same 404.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:        req.Context(),
		Method:     req.Method,
		Digest:     c.Param("digest"),
		EncodedURL: c.Param("url"),
		Header:     req.Header,
		RemoteAddr: c.RealIP(),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead || resp.StatusCode == http.StatusNotModified {
		h.record(0)
		return nil
	}

	// The status line is already out, so a failure past this point can only
	// end the response early.
	n, err := io.Copy(c.Response(), resp.Body)
	h.record(n)
	if err == nil {
		return nil
	}

	if errors.Is(err, model.ErrSizeExceeded) {
		if h.metrics != nil {
			h.metrics.ResponsesTruncated.Inc()
			h.metrics.RejectionsTotal.WithLabelValues(model.Reason(err)).Inc()
		}
		h.logger.Warn("response exceeded size limit mid-stream, aborting",
			"bytes", n,
			"route", c.Path(),
		)
		// Tear down the connection so the client cannot mistake the
		// truncated body for a complete one.
		panic(http.ErrAbortHandler)
	}

	h.logger.Error("streaming response body",
		"err", sanitizeError(err),
		"bytes", n,
		"route", c.Path(),
	)
	return nil
}

func (h *ProxyHandler) record(n int64) {
	h.stats.record(n)
	if h.metrics != nil {
		h.metrics.ClientsServed.Inc()
		h.metrics.BytesServed.Add(float64(n))
	}
}

// mapError records why a request was rejected and returns the uniform
// response. Details stay in logs, metrics and the trace span.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	reason := model.Reason(err)

	trace.SpanFromContext(c.Request().Context()).SetAttributes(
		attribute.String("camo.rejection_reason", reason),
	)
	if h.metrics != nil {
		h.metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	}

	logLevel := slog.LevelDebug
	switch reason {
	case "origin_unreachable", "origin_timeout", "origin_non_2xx", "capacity":
		logLevel = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), logLevel, "request rejected",
		"reason", reason,
		"err", sanitizeError(err),
		"route", c.Path(),
	)

	return echo.ErrNotFound
}

// sanitizeError redacts credentials and query strings from error messages
// that may quote target URLs.
func sanitizeError(err error) string {
	msg := userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
	return queryPattern.ReplaceAllString(msg, "?[REDACTED]")
}
