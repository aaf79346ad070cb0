package dispatch

import (
	"net/http"
	"strings"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

// Hop-by-hop headers per RFC 7230 §6.1, never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OutboundHeaders derives the downstream header set from the inbound one:
// hop-by-hop headers and any client-supplied Authorization are dropped, the
// session's access token is injected as the bearer, and the trace id is
// propagated. Everything else passes through untouched.
func OutboundHeaders(inbound http.Header, accessToken, traceID string) http.Header {
	out := make(http.Header, len(inbound))
	for k, vs := range inbound {
		out[k] = append([]string(nil), vs...)
	}

	// Headers the inbound Connection header nominates are hop-by-hop too.
	for _, v := range inbound.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}

	// The client never speaks for itself to downstreams; the session does.
	out.Del("Authorization")
	if accessToken != "" {
		out.Set("Authorization", "Bearer "+accessToken)
	}
	if traceID != "" {
		out.Set(domain.TraceHeaderName, traceID)
	}
	stripGatewayCookies(out)
	return out
}

// ResponseHeaders filters a downstream reply's headers for relay to the
// client: hop-by-hop headers are dropped, everything else passes through.
func ResponseHeaders(downstream http.Header) http.Header {
	out := make(http.Header, len(downstream))
	for k, vs := range downstream {
		out[k] = append([]string(nil), vs...)
	}
	for _, v := range downstream.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	return out
}

// stripGatewayCookies removes the session and CSRF cookies from the Cookie
// header; they are a browser-gateway secret. Application cookies survive.
func stripGatewayCookies(h http.Header) {
	raw := h.Get("Cookie")
	if raw == "" {
		return
	}

	kept := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ";") {
		pair := strings.TrimSpace(part)
		name, _, _ := strings.Cut(pair, "=")
		if name == domain.SessionCookieName || name == domain.CSRFCookieName {
			continue
		}
		if pair != "" {
			kept = append(kept, pair)
		}
	}
	if len(kept) == 0 {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", strings.Join(kept, "; "))
}
