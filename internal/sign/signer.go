package sign

import (
	"fmt"
	"net/url"
	"strings"
)

// Signer builds signed proxy paths for a fixed key and encoding.
type Signer struct {
	key         []byte
	enc         Encoding
	bypassHTTPS bool
}

// Option configures a Signer.
type Option func(*Signer)

// WithHTTPSBypass controls whether ProxyURL returns https targets unchanged.
func WithHTTPSBypass(enabled bool) Option {
	return func(s *Signer) { s.bypassHTTPS = enabled }
}

// NewSigner returns a Signer. The https bypass is on by default.
func NewSigner(key []byte, enc Encoding, opts ...Option) *Signer {
	s := &Signer{
		key:         append([]byte(nil), key...),
		enc:         enc,
		bypassHTTPS: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns "/<digest>/<encoded-url>" for target.
func (s *Signer) Path(target string) string {
	return "/" + Sign(s.key, target, s.enc) + "/" + EncodeURL(target, s.enc)
}

// ProxyURL returns the proxied form of target under base. When the https
// bypass is enabled an https target is returned as-is.
func (s *Signer) ProxyURL(base, target string) (string, error) {
	if s.bypassHTTPS && strings.HasPrefix(strings.ToLower(target), "https:") {
		return target, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse proxy base url: %w", err)
	}
	if b.Scheme == "" || b.Host == "" {
		return "", fmt.Errorf("proxy base url %q must be absolute", base)
	}
	return strings.TrimSuffix(b.String(), "/") + s.Path(target), nil
}

// Verify checks digest against target using the Signer's key and encoding.
func (s *Signer) Verify(target, digest string) bool {
	return Verify(s.key, target, digest, s.enc)
}
