// Package headerpolicy computes the outbound header set for a proxied request
// and the client-facing header set for an upstream response.
//
// Everything here is pure: inputs are never mutated and no I/O happens.
package headerpolicy

import (
	"net/http"
	"net/textproto"
	"strings"

	"cf-access-proxy-go/internal/model"
)

// Injected credential header names.
const (
	HeaderClientID     = "CF-Access-Client-Id"
	HeaderClientSecret = "CF-Access-Client-Secret"
)

// HopByHop lists headers that are meaningful for a single transport leg only.
// They never cross the proxy in either direction. Matching is case-insensitive.
var HopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

var hopByHopSet = func() map[string]bool {
	m := make(map[string]bool, len(HopByHop))
	for _, h := range HopByHop {
		m[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
	return m
}()

// IsHopByHop reports whether name belongs to the fixed hop-by-hop set.
func IsHopByHop(name string) bool {
	return hopByHopSet[textproto.CanonicalMIMEHeaderKey(name)]
}

// Policy rewrites headers for one proxy mode with one credential pair.
type Policy struct {
	Mode        model.Mode
	Credentials model.Credentials
	// StripAcceptEncoding drops Accept-Encoding in reverse mode.
	StripAcceptEncoding bool
}

// Rewrite returns the outbound header set for a request bound to upstreamHost.
// clientHost is the Host the client sent and clientScheme the scheme of the
// client's connection; both are used only in reverse mode.
func (p Policy) Rewrite(in http.Header, upstreamHost, clientHost, clientScheme string) http.Header {
	out := StripHopByHop(in)

	// The proxy is the only source of these.
	out.Del(HeaderClientID)
	out.Del(HeaderClientSecret)
	out.Set(HeaderClientID, p.Credentials.ClientID)
	out.Set(HeaderClientSecret, p.Credentials.ClientSecret)

	out.Del("Host")
	if upstreamHost != "" {
		out.Set("Host", upstreamHost)
	}

	if p.Mode == model.ModeReverse {
		out.Del("X-Forwarded-Host")
		if clientHost != "" {
			out.Set("X-Forwarded-Host", clientHost)
		}
		scheme := clientScheme
		if scheme == "" {
			scheme = "http"
		}
		out.Set("X-Forwarded-Proto", scheme)

		if p.StripAcceptEncoding {
			out.Del("Accept-Encoding")
		}
	}

	return out
}

// StripHopByHop returns a copy of h without the fixed hop-by-hop headers and
// without any header named in a Connection header value. Repeated values and
// their order are preserved. A nil h yields an empty header.
func StripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	if h == nil {
		return out
	}

	listed := connectionTokens(h)
	for key, vals := range h {
		if key == "" {
			continue
		}
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if hopByHopSet[canon] || listed[canon] {
			continue
		}
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[canon] = append(out[canon], cp...)
	}
	return out
}

// connectionTokens collects header names listed in Connection values.
func connectionTokens(h http.Header) map[string]bool {
	var tokens map[string]bool
	for key, vals := range h {
		if !strings.EqualFold(key, "Connection") {
			continue
		}
		for _, v := range vals {
			for _, tok := range strings.Split(v, ",") {
				tok = strings.TrimSpace(tok)
				if tok == "" {
					continue
				}
				if tokens == nil {
					tokens = make(map[string]bool)
				}
				tokens[textproto.CanonicalMIMEHeaderKey(tok)] = true
			}
		}
	}
	return tokens
}
