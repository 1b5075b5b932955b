package guard

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// defaultExcludedHosts are always excluded, with their subdomains.
var defaultExcludedHosts = []string{"localhost", "localdomain"}

// hostMatcher matches hostnames against domain patterns.
//
// A plain pattern ("example.com") matches the domain and every subdomain.
// A wildcard pattern ("*.example.com") matches subdomains only.
// An IP literal pattern matches that address only.
type hostMatcher struct {
	exact    map[string]bool
	suffixes []string
}

func newHostMatcher(patterns []string) (*hostMatcher, error) {
	m := &hostMatcher{exact: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if addr, err := netip.ParseAddr(strings.Trim(p, "[]")); err == nil {
			m.exact[addr.Unmap().String()] = true
			continue
		}
		wildcard := strings.HasPrefix(p, "*.")
		name, err := normalizeHost(strings.TrimPrefix(p, "*."))
		if err != nil {
			return nil, fmt.Errorf("host pattern %q: %w", p, err)
		}
		if !wildcard {
			m.exact[name] = true
		}
		m.suffixes = append(m.suffixes, "."+name)
	}
	return m, nil
}

func (m *hostMatcher) match(host string) bool {
	if m.exact[host] {
		return true
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}

// normalizeHost lowercases host, strips a trailing dot and converts IDNs to
// their ASCII form so that lookalike spellings compare equal.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return ascii, nil
}
