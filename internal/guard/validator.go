// Package guard decides which target URLs the proxy may fetch.
//
// Checks happen twice: Authorize runs on the decoded target and on every
// redirect hop, and DialControl runs on the socket address the transport is
// about to connect to. The second check closes the window in which a hostname
// could resolve to a public address at authorization time and a private one
// at connect time.
package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"syscall"

	"camo-proxy-go/internal/model"
	"camo-proxy-go/internal/sign"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy is the read-only configuration of a Validator.
type Policy struct {
	// DenyNetworks are the address ranges never fetched. Nil means
	// DefaultDenyNetworks.
	DenyNetworks []netip.Prefix
	// ExcludeHosts are domain patterns never fetched, in addition to
	// localhost and localdomain.
	ExcludeHosts []string
	// AllowHosts, when non-empty, are the only domain patterns fetched.
	// IP literal targets must then be listed verbatim.
	AllowHosts []string
	// AllowCredentialURLs permits user:pass@host targets.
	AllowCredentialURLs bool
}

// Target is a decoded target URL: the raw string the digest covers, and its
// parsed form.
type Target struct {
	Raw string
	URL *url.URL
}

// Validator applies a Policy. It holds no mutable state and is safe for
// concurrent use.
type Validator struct {
	deny                []netip.Prefix
	hosts               *hostMatcher
	allow               *hostMatcher
	resolver            Resolver
	allowCredentialURLs bool
}

// New builds a Validator. A nil resolver uses net.DefaultResolver.
func New(p Policy, r Resolver) (*Validator, error) {
	deny := p.DenyNetworks
	if deny == nil {
		deny = DefaultDenyNetworks()
	}
	hosts, err := newHostMatcher(append(append([]string(nil), defaultExcludedHosts...), p.ExcludeHosts...))
	if err != nil {
		return nil, err
	}
	var allow *hostMatcher
	if len(p.AllowHosts) > 0 {
		if allow, err = newHostMatcher(p.AllowHosts); err != nil {
			return nil, err
		}
	}
	if r == nil {
		r = net.DefaultResolver
	}
	return &Validator{
		deny:                append([]netip.Prefix(nil), deny...),
		hosts:               hosts,
		allow:               allow,
		resolver:            r,
		allowCredentialURLs: p.AllowCredentialURLs,
	}, nil
}

// Decode reverses the URL encoding step of the signer and parses the result.
func (v *Validator) Decode(encoded string, enc sign.Encoding) (*Target, error) {
	raw, err := sign.DecodeURL(encoded, enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrDecodeMalformed, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse target: %w", model.ErrDecodeMalformed, err)
	}
	return &Target{Raw: raw, URL: u}, nil
}

// Authorize returns nil when u may be fetched. The host must pass the
// exclusion and allow lists, and every address it resolves to must be
// outside the deny table.
func (v *Validator) Authorize(ctx context.Context, u *url.URL) error {
	if u == nil {
		return fmt.Errorf("%w: empty url", model.ErrSchemeNotAllowed)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", model.ErrSchemeNotAllowed, u.Scheme)
	}
	if u.User != nil && !v.allowCredentialURLs {
		return fmt.Errorf("%w: credentials in url", model.ErrHostDenied)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("%w: missing host", model.ErrHostDenied)
	}

	if addr, err := netip.ParseAddr(hostname); err == nil {
		if v.allow != nil && !v.allow.match(addr.Unmap().String()) {
			return fmt.Errorf("%w: address %s not in allow list", model.ErrHostDenied, addr)
		}
		if v.DeniedAddr(addr) {
			return fmt.Errorf("%w: address %s", model.ErrHostDenied, addr)
		}
		return nil
	}

	host, err := normalizeHost(hostname)
	if err != nil {
		return fmt.Errorf("%w: invalid hostname: %w", model.ErrHostDenied, err)
	}
	if v.hosts.match(host) {
		return fmt.Errorf("%w: excluded host %s", model.ErrHostDenied, host)
	}
	if v.allow != nil && !v.allow.match(host) {
		return fmt.Errorf("%w: host %s not in allow list", model.ErrHostDenied, host)
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", model.ErrOriginUnreachable, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no addresses for %s", model.ErrOriginUnreachable, host)
	}
	for _, addr := range addrs {
		if v.DeniedAddr(addr) {
			return fmt.Errorf("%w: %s resolves to %s", model.ErrHostDenied, host, addr)
		}
	}
	return nil
}

// DeniedAddr reports whether addr falls in the deny table.
func (v *Validator) DeniedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	return containsAddr(v.deny, addr)
}

// DialControl is a net.Dialer Control hook. It rejects the connection when the
// address being dialed is denied.
func (v *Validator) DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: dial address %q: %w", model.ErrHostDenied, address, err)
	}
	if v.DeniedAddr(ap.Addr()) {
		return fmt.Errorf("%w: dial %s", model.ErrHostDenied, ap.Addr())
	}
	return nil
}
