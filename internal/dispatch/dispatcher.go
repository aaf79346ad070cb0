package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
)

var tracer = observability.Tracer("dispatch")

// errDownstreamStatus marks a delivered 5xx: the breaker counts it as a
// failure while the response still flows back to the client.
var errDownstreamStatus = errors.New("downstream returned server error")

// Endpointer picks one endpoint for a named service.
type Endpointer interface {
	Endpoint(service string) (string, error)
}

// Request is one outbound call, body buffered so an attempt can be replayed.
type Request struct {
	Method     string
	Path       string // includes the query string
	Header     http.Header
	Body       []byte
	Idempotent bool
}

func (r *Request) build(ctx context.Context, endpoint string) (*http.Request, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, endpoint+r.Path, body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}
	return req, nil
}

// Config tunes the per-service resilience stack.
type Config struct {
	Bulkhead       int           // max in-flight per service
	RateLimit      float64       // requests/second per service, 0 = unlimited
	RateBurst      int
	RetryMax       int           // extra attempts, idempotent requests only
	RetryInterval  time.Duration // initial backoff
	DefaultTimeout time.Duration // budget when the inbound carries no deadline
	DeadlineSlack  time.Duration // margin kept back from the inbound deadline
}

func (c *Config) applyDefaults() {
	if c.Bulkhead <= 0 {
		c.Bulkhead = domain.BulkheadPerService
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryMax == 0 {
		c.RetryMax = domain.DispatchRetryMax
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = domain.DispatchRetryInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DeadlineSlack <= 0 {
		c.DeadlineSlack = domain.DispatchDeadlineSlack
	}
}

type serviceState struct {
	bulkhead *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	limiter  *rate.Limiter
}

// Dispatcher sends requests to downstream services through the resilience
// stack. One state bundle per service, created lazily.
type Dispatcher struct {
	endpoints Endpointer
	http      *http.Client
	logger    *slog.Logger
	cfg       Config

	mu     sync.Mutex
	states map[string]*serviceState
}

// NewDispatcher creates a dispatcher over the given endpoint picker.
func NewDispatcher(endpoints Endpointer, logger *slog.Logger, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		endpoints: endpoints,
		http: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 32},
		},
		logger: logger,
		cfg:    cfg,
		states: make(map[string]*serviceState),
	}
}

// Do sends req to the named service. A downstream 5xx is returned as a
// normal response (the breaker has already counted it); errors carry the
// domain sentinel the HTTP layer maps to a status.
func (d *Dispatcher) Do(ctx context.Context, service string, req *Request) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "dispatch."+service)
	defer span.End()

	st := d.state(service)

	if !st.bulkhead.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBulkheadFull, service)
	}
	defer st.bulkhead.Release(1)

	ctx, cancel := d.withBudget(ctx)
	defer cancel()

	resp, err := st.breaker.Execute(func() (*http.Response, error) {
		if st.limiter != nil {
			if err := st.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, service)
			}
		}
		return d.send(ctx, service, req)
	})

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, errDownstreamStatus) && resp != nil:
		// Failure recorded; the client still sees what downstream said.
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, service)
	default:
		return nil, d.mapError(service, err)
	}
}

// send runs the bounded retry loop: one extra attempt, idempotent requests
// only, on transport errors and retryable statuses. Each attempt picks its
// endpoint fresh so a retry can land on a healthy instance.
func (d *Dispatcher) send(ctx context.Context, service string, req *Request) (*http.Response, error) {
	var resp *http.Response

	op := func() error {
		if resp != nil {
			drain(resp)
			resp = nil
		}

		endpoint, err := d.endpoints.Endpoint(service)
		if err != nil {
			return backoff.Permanent(err)
		}

		hreq, err := req.build(ctx, endpoint)
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := d.http.Do(hreq)
		if err != nil {
			if !req.Idempotent {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = r
		if req.Idempotent && retryableStatus(r.StatusCode) {
			return fmt.Errorf("status %d: %w", r.StatusCode, errDownstreamStatus)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInterval
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(d.cfg.RetryMax)), ctx))

	if err != nil {
		if resp != nil {
			// Retries exhausted on a 5xx; hand the last reply through.
			return resp, fmt.Errorf("%s: %w", service, errDownstreamStatus)
		}
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp, fmt.Errorf("%s: %w", service, errDownstreamStatus)
	}
	return resp, nil
}

func (d *Dispatcher) state(service string) *serviceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.states[service]; ok {
		return st
	}

	var limiter *rate.Limiter
	if d.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), d.cfg.RateBurst)
	}
	st := &serviceState{
		bulkhead: semaphore.NewWeighted(int64(d.cfg.Bulkhead)),
		limiter:  limiter,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        service,
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Warn("circuit breaker state change",
					slog.String("service", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
	d.states[service] = st
	return st
}

// withBudget bounds the attempt: inbound deadline minus the slack, or the
// default timeout when the inbound request carries none.
func (d *Dispatcher) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) - d.cfg.DeadlineSlack
		if budget < 0 {
			budget = 0
		}
		return context.WithTimeout(ctx, budget)
	}
	return context.WithTimeout(ctx, d.cfg.DefaultTimeout)
}

func (d *Dispatcher) mapError(service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrDownstreamTimeout, service, err)
	}
	if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrServiceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrServiceUnavailable, service, err)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
