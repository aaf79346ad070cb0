package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aelexs/edge-auth-gateway/internal/dispatch"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/errmap"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

// maxProxyBody bounds how much request body the gateway buffers; the body
// must be replayable for the retry path.
const maxProxyBody = 10 << 20

// Proxy is the catch-all downstream forwarder: route lookup, auth filter,
// route policy, then resilient dispatch.
type Proxy struct {
	table      *RouteTable
	filter     *AuthFilter
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewProxy wires the forwarding path.
func NewProxy(table *RouteTable, filter *AuthFilter, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Proxy {
	return &Proxy{table: table, filter: filter, dispatcher: dispatcher, logger: logger}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := p.table.Match(r.URL.Path)
	if route == nil {
		errmap.WriteError(w, r, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, r.URL.Path))
		return
	}

	var accessToken string
	if !route.Public {
		if err := p.filter.CheckCSRF(r); err != nil {
			errmap.WriteError(w, r, err)
			return
		}
		res, err := p.filter.Authenticate(r)
		if err != nil {
			errmap.WriteError(w, r, err)
			return
		}
		if !p.filter.evaluator.Evaluate(res.Principal, route.Policy) {
			errmap.WriteError(w, r, fmt.Errorf("%w: route %s", domain.ErrForbidden, route.Name))
			return
		}
		accessToken = res.AccessToken
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		errmap.WriteError(w, r, fmt.Errorf("%w: read request body", domain.ErrInvalidInput))
		return
	}

	req := &dispatch.Request{
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Header:     dispatch.OutboundHeaders(r.Header, accessToken, observability.TraceIDFromContext(r.Context())),
		Body:       body,
		Idempotent: idempotentMethod(r.Method),
	}

	resp, err := p.dispatcher.Do(r.Context(), route.Service, req)
	if err != nil {
		errmap.WriteError(w, r, err)
		return
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

// copyResponse relays the downstream reply verbatim, minus hop-by-hop headers.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	out := dispatch.ResponseHeaders(resp.Header)
	for k, vs := range out {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func idempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
