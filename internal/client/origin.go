// Package client provides the outbound HTTP client used to fetch origin content.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/guard"
	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/model"
)

// OriginClient fetches target URLs. Every dialed address and every redirect
// hop passes through the guard.Validator, and the number of concurrent
// fetches is bounded.
type OriginClient struct {
	httpClient   *http.Client
	validator    *guard.Validator
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	maxRedirects int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling, timeouts
// and SSRF checks at dial time.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, v *guard.Validator, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	timeout := cfg.Fetch.Timeout()

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   v.DialControl,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.Fetch.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Fetch.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DisableCompression:    true,
		DisableKeepAlives:     cfg.Fetch.DisableKeepAlives,
	}

	c := &OriginClient{
		validator:    v,
		sem:          semaphore.NewWeighted(int64(cfg.Fetch.MaxConcurrent)),
		queueTimeout: cfg.Fetch.QueueTimeout(),
		maxRedirects: cfg.Fetch.MaxRedirects,
		logger:       logger.With("component", "origin_client"),
		metrics:      m,
	}
	c.httpClient = &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: c.checkRedirect,
	}
	return c
}

// checkRedirect bounds the hop count and re-authorizes every hop.
// via holds the requests already made, so len(via) hops have been taken
// once this one is followed.
func (c *OriginClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		return fmt.Errorf("%w: more than %d hops", model.ErrRedirectBudgetExceeded, c.maxRedirects)
	}
	if err := c.validator.Authorize(req.Context(), req.URL); err != nil {
		return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), err)
	}
	c.logger.Debug("following redirect",
		"hop", len(via),
		"host", req.URL.Host,
	)
	if c.metrics != nil {
		c.metrics.RedirectsFollowed.Inc()
	}
	return nil
}

// acquire waits for an outbound slot. It gives up with model.ErrCapacity once
// the queue timeout passes; a canceled request context is returned as is.
func (c *OriginClient) acquire(ctx context.Context) error {
	waitCtx := ctx
	if c.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.queueTimeout)
		defer cancel()
	}
	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: waited %s", model.ErrCapacity, c.queueTimeout)
	}
	if c.metrics != nil {
		c.metrics.UpstreamInFlight.Inc()
	}
	return nil
}

func (c *OriginClient) release() {
	c.sem.Release(1)
	if c.metrics != nil {
		c.metrics.UpstreamInFlight.Dec()
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body; closing it also
// frees the outbound slot.
func (c *OriginClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	if err := c.acquire(req.Context()); err != nil {
		return nil, err
	}

	c.logger.Debug("origin request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		c.release()
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, classify(err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &releasingBody{ReadCloser: resp.Body, release: c.release},
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the origin request:
// when the context is canceled (e.g. client disconnects), the origin
// request is also canceled.
func (c *OriginClient) DoStream(ctx context.Context, method, url string, header http.Header) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build origin request: %w", model.ErrDecodeMalformed, err)
	}
	req.Header = header

	return c.Do(req)
}

// classify maps transport failures onto the rejection taxonomy. Errors that
// already carry a sentinel, such as a denied redirect, keep it.
func classify(err error) error {
	for _, known := range []error{
		model.ErrRedirectBudgetExceeded,
		model.ErrHostDenied,
		model.ErrSchemeNotAllowed,
		model.ErrOriginUnreachable,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("origin request: %w", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("origin request: %w", err)
	}
	if model.IsTimeout(err) {
		return fmt.Errorf("%w: %w", model.ErrOriginTimeout, err)
	}
	return fmt.Errorf("%w: %w", model.ErrOriginUnreachable, err)
}

// releasingBody frees the outbound slot once, when the body is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
