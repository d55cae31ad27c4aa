package netx

import (
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver extracts the client address for rate-limit keying. Forwarded
// headers are honoured only when the direct peer is a trusted proxy; the
// left-most non-private address wins, matching what the edge LB stamps.
type IPResolver struct {
	Trusted *CIDRSet
	Header  string // forwarded-for header name, default X-Forwarded-For
}

func (r IPResolver) ClientIP(req *http.Request) string {
	remote, ok := parseRemoteAddr(req.RemoteAddr)
	if ok && r.Trusted.Contains(remote) {
		header := r.Header
		if header == "" {
			header = "X-Forwarded-For"
		}
		if xff := req.Header.Get(header); xff != "" {
			if addr, found := leftmostPublic(xff); found {
				return addr.String()
			}
		}
		if xrip, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); err == nil {
			return xrip.Unmap().String()
		}
	}
	if ok {
		return remote.String()
	}
	return req.RemoteAddr
}

// leftmostPublic returns the left-most address in a comma-separated
// forwarded-for list that is not private or loopback. Falls back to the
// left-most parseable address when every hop is private.
func leftmostPublic(xff string) (netip.Addr, bool) {
	var first netip.Addr
	for _, part := range strings.Split(xff, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if !first.IsValid() {
			first = addr
		}
		if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
			return addr, true
		}
	}
	return first, first.IsValid()
}

func parseRemoteAddr(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}
