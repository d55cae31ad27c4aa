package netx

import (
	"fmt"
	"net/netip"
	"strings"
)

// CIDRSet is the trusted-proxy allow list: forwarded-for headers are only
// believed when the direct peer falls inside it. Built once at boot,
// read-only afterwards.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet accepts CIDR notation plus plain-address shorthand
// ("10.0.0.1" means a /32, v6 addresses a /128).
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
			}
			addr = addr.Unmap()
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return set, nil
}

// Contains reports whether addr is a trusted proxy. 4-in-6 addresses are
// unmapped first so a v4 prefix trusts the same peer on either socket family.
func (s *CIDRSet) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
