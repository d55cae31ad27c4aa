package netx

import (
	"net/http"
	"net/netip"
	"testing"
)

func TestCIDRSetContains(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatal(err)
	}
	if !set.Contains(netip.MustParseAddr("10.1.2.3")) {
		t.Fatal("expected 10.1.2.3 in set")
	}
	if !set.Contains(netip.MustParseAddr("192.168.1.1")) {
		t.Fatal("expected plain-ip shorthand to match")
	}
	if set.Contains(netip.MustParseAddr("8.8.8.8")) {
		t.Fatal("did not expect 8.8.8.8 in set")
	}
}

func TestCIDRSetUnmapsFourInSix(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	if !set.Contains(netip.MustParseAddr("::ffff:10.1.2.3")) {
		t.Fatal("v4 prefix must trust the same peer on a v6 socket")
	}
}

func TestParseCIDRSetRejectsGarbage(t *testing.T) {
	if _, err := ParseCIDRSet([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := ParseCIDRSet([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected error for an impossible mask")
	}
}

func TestClientIPTrustedProxySkipsPrivateHops(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := IPResolver{Trusted: set}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "10.1.2.3:1234" // trusted proxy
	req.Header.Set("X-Forwarded-For", "192.168.0.9, 203.0.113.9, 10.1.2.3")

	if got := r.ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected left-most public ip, got %q", got)
	}
}

func TestClientIPUntrustedIgnoresXFF(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}
	r := IPResolver{Trusted: set}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "192.168.1.5:1234" // not trusted
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	if got := r.ClientIP(req); got != "192.168.1.5" {
		t.Fatalf("expected remote ip, got %q", got)
	}
}

func TestClientIPAllPrivateHopsFallsBackToLeftmost(t *testing.T) {
	set, _ := ParseCIDRSet([]string{"10.0.0.0/8"})
	r := IPResolver{Trusted: set}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	req.Header.Set("X-Forwarded-For", "192.168.0.9, 10.1.2.3")

	if got := r.ClientIP(req); got != "192.168.0.9" {
		t.Fatalf("expected left-most hop when no public address exists, got %q", got)
	}
}

func TestClientIPCustomHeader(t *testing.T) {
	set, _ := ParseCIDRSet([]string{"10.0.0.0/8"})
	r := IPResolver{Trusted: set, Header: "X-Client-Ip"}

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	req.RemoteAddr = "10.0.0.1:999"
	req.Header.Set("X-Client-Ip", "198.51.100.7")

	if got := r.ClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected configured header ip, got %q", got)
	}
}
