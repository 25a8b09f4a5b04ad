package backend

import (
	"net/http"
	"strings"
)

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyHeaders copies src into dst, skipping hop-by-hop headers and any
// header named in src's Connection header.
func CopyHeaders(dst, src http.Header) {
	skip := connectionTokens(src)
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if isHopHeader(canonical) || skip[canonical] {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]bool)
			}
			tokens[http.CanonicalHeaderKey(tok)] = true
		}
	}
	return tokens
}
