package guard

import (
	"fmt"
	"net/netip"
)

// defaultDenyCIDRs are address ranges a proxied fetch may never reach.
var defaultDenyCIDRs = []string{
	// ipv4 "this network", loopback, link-local, rfc1918
	"0.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// ipv4 shared address space (carrier-grade NAT)
	"100.64.0.0/10",
	// ipv4 multicast and broadcast
	"224.0.0.0/4",
	"255.255.255.255/32",
	// ipv6 unspecified, loopback, link-local, old site-local, ULA, multicast
	"::/128",
	"::1/128",
	"fe80::/10",
	"fec0::/10",
	"fc00::/7",
	"ff00::/8",
}

// DefaultDenyNetworks returns a fresh copy of the default deny table.
func DefaultDenyNetworks() []netip.Prefix {
	nets, err := ParseNetworks(defaultDenyCIDRs)
	if err != nil {
		panic("guard: bad default deny table: " + err.Error())
	}
	return nets
}

// ParseNetworks parses CIDR strings into prefixes.
func ParseNetworks(cidrs []string) ([]netip.Prefix, error) {
	nets := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("parse network %q: %w", s, err)
		}
		nets = append(nets, p.Masked())
	}
	return nets, nil
}

func containsAddr(nets []netip.Prefix, addr netip.Addr) bool {
	// IPv4-mapped IPv6 addresses are matched against the IPv4 table.
	addr = addr.Unmap().WithZone("")
	for _, p := range nets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
