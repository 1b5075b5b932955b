package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/fx"

	"camo-proxy-go/internal/client"
	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/guard"
	"camo-proxy-go/internal/handler"
	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/middleware"
	"camo-proxy-go/internal/service"
	"camo-proxy-go/internal/telemetry"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("camo-proxy"),
		kong.Description("Signed-URL image proxy with SSRF protection."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newValidator,
			newEcho,
			client.NewOriginClient,
			service.NewProxyService,
			handler.NewStats,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(startTracing, handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newValidator(cfg *config.Config, logger *slog.Logger) (*guard.Validator, error) {
	policy := cfg.Filter.Policy()
	if policy.DenyNetworks == nil {
		logger.Info("using built-in deny networks")
	} else {
		logger.Info("using configured deny networks", "count", len(policy.DenyNetworks))
	}
	return guard.New(policy, nil)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Client addresses come from X-Forwarded-For only when the hop is a
	// private or loopback proxy.
	e.IPExtractor = echo.ExtractIPFromXFFHeader()

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the origin client timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.SetKeepAlivesEnabled(!cfg.Server.DisableKeepAlives)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	if cfg.Tracing.Enabled {
		e.Use(otelecho.Middleware(cfg.Server.ServerName))
	}
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	// Every route is GET or HEAD.
	e.Use(echomw.BodyLimit("1K"))
	e.Use(middleware.SecurityHeaders(cfg.Server.ServerName, cfg.Server.ExtraHeaders))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
}

func startTracing(lc fx.Lifecycle, cfg *config.Config, v handler.Version, logger *slog.Logger) error {
	shutdown, err := telemetry.Setup(context.Background(), cfg.Tracing, cfg.Server.ServerName, string(v))
	if err != nil {
		return err
	}
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled",
			"endpoint", cfg.Tracing.Endpoint,
			"sample_ratio", cfg.Tracing.SampleRatio,
		)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return shutdown(ctx)
		},
	})
	return nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"tls", cfg.Server.TLSEnabled(),
				"encoding", cfg.Camo.Encoding,
				"max_size_bytes", cfg.Fetch.MaxSizeBytes,
			)
			go func() {
				if err := serve(e.Server, ln, &cfg.Server); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

func serve(srv *http.Server, ln net.Listener, cfg *config.ServerConfig) error {
	if cfg.TLSEnabled() {
		return srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
	}
	return srv.Serve(ln)
}
