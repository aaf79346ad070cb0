package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/edge-auth-gateway/internal/dispatch"
	"github.com/aelexs/edge-auth-gateway/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T, endpoints map[string][]string, cfg dispatch.Config) *dispatch.Dispatcher {
	t.Helper()
	return dispatch.NewDispatcher(dispatch.NewStaticResolver(endpoints), discardLogger(), cfg)
}

func TestDispatcher_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards and returns the downstream response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1}`))
		}))
		defer srv.Close()

		d := newDispatcher(t, map[string][]string{"svc": {srv.URL}}, dispatch.Config{})
		resp, err := d.Do(ctx, "svc", &dispatch.Request{
			Method: http.MethodPost,
			Path:   "/api/v1/things",
			Header: http.Header{"Authorization": {"Bearer tok"}},
			Body:   []byte(`{}`),
		})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"id":1}`, string(body))
	})

	t.Run("retries an idempotent request once on 503", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := newDispatcher(t, map[string][]string{"svc": {srv.URL}},
			dispatch.Config{RetryInterval: time.Millisecond})
		resp, err := d.Do(ctx, "svc", &dispatch.Request{
			Method: http.MethodGet, Path: "/", Idempotent: true,
		})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("never retries a non-idempotent request", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		d := newDispatcher(t, map[string][]string{"svc": {srv.URL}},
			dispatch.Config{RetryInterval: time.Millisecond})
		resp, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodPost, Path: "/"})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "5xx passes through")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retry lands on the next endpoint", func(t *testing.T) {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer down.Close()
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer up.Close()

		d := newDispatcher(t, map[string][]string{"svc": {down.URL, up.URL}},
			dispatch.Config{RetryInterval: time.Millisecond})
		resp, err := d.Do(ctx, "svc", &dispatch.Request{
			Method: http.MethodGet, Path: "/", Idempotent: true,
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("no endpoints means service unavailable", func(t *testing.T) {
		d := newDispatcher(t, map[string][]string{}, dispatch.Config{})
		_, err := d.Do(ctx, "ghost", &dispatch.Request{Method: http.MethodGet, Path: "/"})
		require.ErrorIs(t, err, domain.ErrServiceUnavailable)
	})

	t.Run("bulkhead rejects when the service is saturated", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		d := newDispatcher(t, map[string][]string{"svc": {srv.URL}},
			dispatch.Config{Bulkhead: 1})

		started := make(chan struct{})
		go func() {
			close(started)
			resp, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodGet, Path: "/"})
			if err == nil {
				resp.Body.Close()
			}
		}()
		<-started

		require.Eventually(t, func() bool {
			_, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodGet, Path: "/"})
			return errors.Is(err, domain.ErrBulkheadFull)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("circuit opens after sustained failures", func(t *testing.T) {
		d := newDispatcher(t, map[string][]string{"svc": {"http://127.0.0.1:1"}},
			dispatch.Config{RetryInterval: time.Millisecond})

		for i := 0; i < 10; i++ {
			_, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodGet, Path: "/", Idempotent: true})
			require.ErrorIs(t, err, domain.ErrServiceUnavailable)
		}

		_, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodGet, Path: "/", Idempotent: true})
		require.ErrorIs(t, err, domain.ErrCircuitOpen)
	})

	t.Run("slow downstream maps to a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		d := newDispatcher(t, map[string][]string{"svc": {srv.URL}},
			dispatch.Config{DefaultTimeout: 50 * time.Millisecond, RetryInterval: time.Millisecond})
		_, err := d.Do(ctx, "svc", &dispatch.Request{Method: http.MethodGet, Path: "/"})
		require.ErrorIs(t, err, domain.ErrDownstreamTimeout)
	})
}
