// Package service implements the core proxy logic: verify a signed request,
// authorize its target and fetch it within the configured limits.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"camo-proxy-go/internal/client"
	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/guard"
	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/model"
	"camo-proxy-go/internal/sign"
)

// forwardableRequestHeaders are the only inbound request headers sent to the origin.
var forwardableRequestHeaders = []string{
	"Accept-Charset",
	"Accept-Language",
	"Cache-Control",
	"If-None-Match",
	"If-Modified-Since",
	"Range",
}

// forwardableResponseHeaders are the only origin response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Accept-Ranges":    true,
	"Cache-Control":    true,
	"Content-Encoding": true,
	"Content-Length":   true,
	"Content-Range":    true,
	"Content-Type":     true,
	"Etag":             true,
	"Expires":          true,
	"Last-Modified":    true,
}

// ProxyService turns a ProxyRequest into a streamed origin response or a
// rejection from the model error taxonomy.
type ProxyService struct {
	client    *client.OriginClient
	validator *guard.Validator
	cfg       *config.Config
	key       []byte
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyService(c *client.OriginClient, v *guard.Validator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:    c,
		validator: v,
		cfg:       cfg,
		key:       []byte(cfg.Camo.Key),
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
}

// Forward verifies and authorizes a signed request, then fetches its target.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if s.isLoop(pr.Header) {
		return nil, model.ErrRequestLoop
	}

	enc, ok := s.cfg.Camo.FixedEncoding()
	if !ok {
		enc = sign.DetectEncoding(pr.Digest)
	}

	target, err := s.validator.Decode(pr.EncodedURL, enc)
	if err != nil {
		return nil, err
	}
	if !sign.Verify(s.key, target.Raw, pr.Digest, enc) {
		return nil, fmt.Errorf("%w: %s digest", model.ErrSignatureInvalid, enc)
	}
	if err := s.authorize(pr.Ctx, target); err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.URL.Host,
		"encoding", enc.String(),
	)

	return s.Fetch(pr.Ctx, pr.Method, target, pr.Header, pr.RemoteAddr)
}

// Fetch requests an already authorized target and checks the origin's answer
// against the status, content type and size rules. The returned body fails
// with model.ErrSizeExceeded once more than fetch.max_size_bytes is read.
func (s *ProxyService) Fetch(ctx context.Context, method string, target *guard.Target, inHeader http.Header, remoteAddr string) (*model.ProxyResponse, error) {
	if method != http.MethodHead {
		method = http.MethodGet
	}

	resp, err := s.client.DoStream(ctx, method, target.Raw, s.filterRequestHeaders(inHeader, remoteAddr))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotModified:
		_ = resp.Body.Close()
		resp.Header = s.filterResponseHeaders(resp.Header)
		resp.Body = http.NoBody
		resp.ContentLength = -1
		return resp, nil
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", model.ErrOriginNon2xx, resp.StatusCode)
	}

	maxSize := s.cfg.Fetch.MaxSizeBytes
	if maxSize > 0 && resp.ContentLength > maxSize {
		_ = resp.Body.Close()
		if s.metrics != nil {
			s.metrics.ContentLengthExceeded.Inc()
		}
		return nil, fmt.Errorf("%w: content-length %d > %d", model.ErrSizeExceeded, resp.ContentLength, maxSize)
	}

	ct := resp.Header.Get("Content-Type")
	if !s.contentTypeAllowed(ct) {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %q", model.ErrContentTypeDenied, ct)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	if maxSize > 0 {
		resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: maxSize}
	}
	return resp, nil
}

// authorize runs the target checks under the fetch timeout, since they
// include a DNS lookup.
func (s *ProxyService) authorize(ctx context.Context, target *guard.Target) error {
	if timeout := s.cfg.Fetch.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.validator.Authorize(ctx, target.URL)
}

// isLoop reports whether the request already passed through this server.
func (s *ProxyService) isLoop(header http.Header) bool {
	name := s.cfg.Server.ServerName
	for _, v := range header.Values("Via") {
		for _, hop := range strings.Split(v, ",") {
			fields := strings.Fields(hop)
			if len(fields) > 0 && fields[len(fields)-1] == name {
				return true
			}
		}
	}
	return false
}

func (s *ProxyService) contentTypeAllowed(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	for _, pattern := range s.cfg.Fetch.ContentTypes {
		pattern = strings.ToLower(pattern)
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(mediaType, prefix+"/") {
				return true
			}
			continue
		}
		if mediaType == pattern {
			return true
		}
	}
	return false
}

func (s *ProxyService) filterRequestHeaders(src http.Header, remoteAddr string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Accept", strings.Join(s.cfg.Fetch.ContentTypes, ", "))
	dst.Set("User-Agent", s.cfg.Server.ServerName)
	dst.Set("Via", s.cfg.Server.ServerName)

	if s.cfg.Fetch.ForwardClientIP {
		if ip, ok := clientAddr(remoteAddr); ok && !s.validator.DeniedAddr(ip) {
			dst.Set("X-Forwarded-For", ip.String())
		}
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// clientAddr extracts the client address from a host:port or bare address.
func clientAddr(remoteAddr string) (netip.Addr, bool) {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
