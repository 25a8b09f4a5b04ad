package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPExtractor resolves the client address of a request. Forwarding
// headers are only believed when the direct peer is a trusted proxy.
type ClientIPExtractor struct {
	trusted []netip.Prefix
}

// NewClientIPExtractor creates an extractor trusting the given CIDRs or
// single addresses. Entries that parse as neither are skipped.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	prefixes := make([]netip.Prefix, 0, len(trustedProxies))
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return &ClientIPExtractor{trusted: prefixes}
}

// TrustedProxies returns the number of trusted prefixes.
func (e *ClientIPExtractor) TrustedProxies() int {
	if e == nil {
		return 0
	}
	return len(e.trusted)
}

// Extract returns the client IP of r. A nil extractor behaves like one
// with no trusted proxies and always returns the RemoteAddr host.
//
// When the peer is trusted, X-Forwarded-For is walked right to left and
// the first untrusted hop wins. X-Real-IP is used when X-Forwarded-For
// is absent.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remote := hostOnly(r.RemoteAddr)
	if e == nil || len(e.trusted) == 0 || !e.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !e.isTrusted(hop) {
				return hop
			}
		}
		return remote
	}

	if realIP := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); realIP != "" {
		if _, err := netip.ParseAddr(realIP); err == nil {
			return realIP
		}
	}
	return remote
}

func (e *ClientIPExtractor) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range e.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// hostOnly strips the port from addr, returning addr unchanged when it
// has none.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
