package wsmux

import (
	"net"
	"net/http"

	"github.com/sammck-go/wsmuxgw/internal/metrics"
	"github.com/tomasen/realip"
)

// AdmissionConfig is the static configuration an AdmissionGate checks every
// upgrade attempt against. It is set once at listener startup; per spec.md
// §3, admission decisions are final for the lifetime of a WebSocket -- there
// is no per-frame re-check.
type AdmissionConfig struct {
	// Path is the exact request path required for upgrade (e.g. "/ws").
	Path string
	// Token, if non-empty, must equal the offered Sec-WebSocket-Protocol value.
	Token string
	// CIDRs is the IPv4 allow-list. "0.0.0.0/0" or "::/0" admits any peer.
	CIDRs []*net.IPNet
	// allowAny is set if the allow-list contains a catch-all CIDR.
	allowAny bool
}

// NewAdmissionConfig parses a comma-separated CIDR list (spec.md §6's CIDRS
// key) into an AdmissionConfig. Entries that fail to parse are skipped; a
// caller that wants strict validation should pre-validate the raw strings.
func NewAdmissionConfig(path, token string, cidrs []string) *AdmissionConfig {
	cfg := &AdmissionConfig{Path: path, Token: token}
	for _, s := range cidrs {
		if s == "0.0.0.0/0" || s == "::/0" {
			cfg.allowAny = true
			continue
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			continue
		}
		cfg.CIDRs = append(cfg.CIDRs, ipnet)
	}
	return cfg
}

// AdmitResult is the outcome of running the admission gate on one request.
type AdmitResult int

const (
	// AdmitOK means the upgrade may proceed.
	AdmitOK AdmitResult = iota
	// AdmitDenyIP means the peer failed the CIDR check -> HTTP 403.
	AdmitDenyIP
	// AdmitDenyToken means the peer offered the wrong (or no) subprotocol -> HTTP 401.
	AdmitDenyToken
	// AdmitDenyPath means the request path didn't match -> connection dropped, no response.
	AdmitDenyPath
)

// Check runs the admission gate (spec.md §4.2) against one upgrade request. It
// performs no I/O and has no side effects other than metrics counters; the
// caller is responsible for translating the result into the HTTP behavior
// spec.md §4.2 requires (403 / 401 / dropped connection).
func (c *AdmissionConfig) Check(r *http.Request) AdmitResult {
	if r.URL.Path != c.Path {
		metrics.AdmissionDenialsTotal.WithLabelValues("path").Inc()
		return AdmitDenyPath
	}
	if !c.admitIP(peerIP(r)) {
		metrics.AdmissionDenialsTotal.WithLabelValues("ip").Inc()
		return AdmitDenyIP
	}
	if c.Token != "" && r.Header.Get("Sec-WebSocket-Protocol") != c.Token {
		metrics.AdmissionDenialsTotal.WithLabelValues("token").Inc()
		return AdmitDenyToken
	}
	return AdmitOK
}

// peerIP extracts the connecting peer's address, honoring X-Forwarded-For /
// X-Real-IP ahead of the raw socket address the same way the teacher's
// indirect realip dependency is used elsewhere in the pack.
func peerIP(r *http.Request) net.IP {
	return net.ParseIP(realip.FromRequest(r))
}

// admitIP applies spec.md §4.2's decision rule: any catch-all CIDR admits
// everything; otherwise the peer's IPv4 address must match at least one
// allow-list network by (addr & mask) == network. IPv6 peers are rejected
// unless a catch-all is present -- no IPv6 subnet matching is implemented.
func (c *AdmissionConfig) admitIP(ip net.IP) bool {
	if c.allowAny {
		return true
	}
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for _, ipnet := range c.CIDRs {
		if ipnet.Contains(v4) {
			return true
		}
	}
	return false
}
