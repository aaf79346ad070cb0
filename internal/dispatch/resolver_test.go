package dispatch_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/edge-auth-gateway/internal/dispatch"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

func TestStaticResolver(t *testing.T) {
	t.Run("round-robins across endpoints", func(t *testing.T) {
		r := dispatch.NewStaticResolver(map[string][]string{
			"user-service": {"http://a:8080", "http://b:8080"},
		})

		first, err := r.Endpoint("user-service")
		require.NoError(t, err)
		second, err := r.Endpoint("user-service")
		require.NoError(t, err)
		third, err := r.Endpoint("user-service")
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
		assert.Equal(t, first, third)
	})

	t.Run("trims trailing slashes", func(t *testing.T) {
		r := dispatch.NewStaticResolver(map[string][]string{
			"svc": {" http://a:8080/ "},
		})
		ep, err := r.Endpoint("svc")
		require.NoError(t, err)
		assert.Equal(t, "http://a:8080", ep)
	})

	t.Run("unknown or empty service is unavailable", func(t *testing.T) {
		r := dispatch.NewStaticResolver(map[string][]string{"empty": {}})

		_, err := r.Resolve("missing")
		require.ErrorIs(t, err, domain.ErrServiceUnavailable)
		_, err = r.Endpoint("empty")
		require.ErrorIs(t, err, domain.ErrServiceUnavailable)
	})

	t.Run("update swaps the table at runtime", func(t *testing.T) {
		r := dispatch.NewStaticResolver(map[string][]string{"svc": {"http://old:1"}})
		r.Update(map[string][]string{"svc": {"http://new:1"}})

		ep, err := r.Endpoint("svc")
		require.NoError(t, err)
		assert.Equal(t, "http://new:1", ep)
	})
}

func TestOutboundHeaders(t *testing.T) {
	inbound := http.Header{
		"Accept":            {"application/json"},
		"Authorization":     {"Bearer client-supplied"},
		"Connection":        {"X-Custom-Hop"},
		"X-Custom-Hop":      {"1"},
		"Transfer-Encoding": {"chunked"},
		"Cookie":            {"SESSION_ID=abc; theme=dark; CSRF_TOKEN=xyz"},
		"X-Request-Id":      {"r1"},
	}

	out := dispatch.OutboundHeaders(inbound, "session-access-token", "trace-1")

	assert.Equal(t, "Bearer session-access-token", out.Get("Authorization"))
	assert.Equal(t, "trace-1", out.Get(domain.TraceHeaderName))
	assert.Equal(t, "application/json", out.Get("Accept"))
	assert.Equal(t, "r1", out.Get("X-Request-Id"))

	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("X-Custom-Hop"), "headers nominated by Connection are hop-by-hop")
	assert.Empty(t, out.Get("Transfer-Encoding"))

	assert.Equal(t, "theme=dark", out.Get("Cookie"), "gateway cookies stripped, app cookies kept")

	t.Run("empty token leaves no authorization header", func(t *testing.T) {
		out := dispatch.OutboundHeaders(http.Header{"Authorization": {"Bearer x"}}, "", "")
		assert.Empty(t, out.Get("Authorization"))
	})
}
