// Package metrics implements the dashboard pipeline: per-request collection
// into the shared store, the distributed CCU sampler, the per-service
// reporter, and the aggregation read path. Collection is fire-and-forget;
// a slow or absent store never delays a response.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/pool"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

// emaScript folds a sample into an exponential moving average atomically.
// KEYS[1] value key; ARGV[1] sample, ARGV[2] alpha, ARGV[3] TTL millis
// (0 = no expiry).
const emaScript = `
local cur = redis.call('GET', KEYS[1])
local v = tonumber(ARGV[1])
local alpha = tonumber(ARGV[2])
local new
if cur then
  new = alpha * v + (1 - alpha) * tonumber(cur)
else
  new = v
end
redis.call('SET', KEYS[1], tostring(new))
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return tostring(new)
`

// quantileScript advances a frugal-streaming quantile estimate by one
// sample. KEYS[1] estimate key; ARGV[1] sample, ARGV[2] quantile,
// ARGV[3] step, ARGV[4] TTL millis.
const quantileScript = `
local est = redis.call('GET', KEYS[1])
local v = tonumber(ARGV[1])
local q = tonumber(ARGV[2])
local step = tonumber(ARGV[3])
local new
if est then
  new = tonumber(est)
  local r = math.random()
  if v > new and r < q then
    new = new + step
  elseif v < new and r < (1 - q) then
    new = new - step
  end
else
  new = v
end
redis.call('SET', KEYS[1], tostring(new))
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return tostring(new)
`

// RequestStat is one finished request as seen by the ingress middleware.
type RequestStat struct {
	Method  string
	Path    string
	Status  int
	Latency time.Duration
}

// IsError reports whether the stat counts toward the dashboard error rate.
// 5xx always does; 403 does too, to surface authorization misuse.
func (s RequestStat) IsError() bool {
	return s.Status >= 500 || s.Status == 403
}

// CollectorConfig tunes the collector.
type CollectorConfig struct {
	SlowThreshold time.Duration
	EMAAlpha      float64
}

func (c *CollectorConfig) applyDefaults() {
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = domain.SlowEndpointThreshold
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha >= 1 {
		c.EMAAlpha = domain.LatencyEMAAlpha
	}
}

// Collector records request stats into the shared store and keeps the
// in-process counters the reporter snapshots.
type Collector struct {
	rdb     redis.Cmdable
	workers *pool.Pool
	clock   domain.Clock
	logger  *slog.Logger
	cfg     CollectorConfig

	requests atomic.Uint64
	errors   atomic.Uint64

	mu         sync.Mutex
	latencyEMA float64
	hasEMA     bool

	promRequests *prometheus.CounterVec
	promLatency  prometheus.Histogram
}

// NewCollector creates a collector. Store writes run on workers; a nil pool
// gets the default depth. reg may be nil to skip the Prometheus
// instruments (tests).
func NewCollector(rdb redis.Cmdable, workers *pool.Pool, clock domain.Clock,
	logger *slog.Logger, reg prometheus.Registerer, cfg CollectorConfig) *Collector {
	cfg.applyDefaults()
	if workers == nil {
		workers = pool.New(0)
	}
	if clock == nil {
		clock = domain.RealClock{}
	}

	c := &Collector{rdb: rdb, workers: workers, clock: clock, logger: logger, cfg: cfg}
	if reg != nil {
		c.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests completed, by method and status class.",
		}, []string{"method", "class"})
		c.promLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.promRequests, c.promLatency)
	}
	return c
}

// Record accounts one finished request. The in-process counters update
// synchronously; the shared-store writes run on a worker slot with their
// own deadline, and are dropped when the pool is saturated, so the
// response is never held up.
func (c *Collector) Record(stat RequestStat) {
	c.requests.Add(1)
	if stat.IsError() {
		c.errors.Add(1)
	}
	c.foldLocalEMA(float64(stat.Latency.Milliseconds()))

	if c.promRequests != nil {
		c.promRequests.WithLabelValues(stat.Method, statusClass(stat.Status)).Inc()
		c.promLatency.Observe(stat.Latency.Seconds())
	}

	ctx, cancel := context.WithTimeout(context.Background(), domain.MetricsDispatchTimeout)
	ok := c.workers.Go(ctx, func(ctx context.Context) {
		defer cancel()
		c.flush(ctx, stat)
	})
	if !ok {
		cancel()
		c.logger.Debug("metrics dispatch dropped, worker pool saturated")
	}
}

// Snapshot returns lifetime request and error counts plus the current
// latency EMA in milliseconds. Feeds the reporter's health record.
func (c *Collector) Snapshot() (requests, errors uint64, latencyMs float64) {
	c.mu.Lock()
	latencyMs = c.latencyEMA
	c.mu.Unlock()
	return c.requests.Load(), c.errors.Load(), latencyMs
}

// flush issues the whole store side of one stat: a single pipelined counter
// batch, then the read-modify-write EMAs.
func (c *Collector) flush(ctx context.Context, stat RequestStat) {
	bucket := domain.TrafficBucket(c.clock.Now())

	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, redis.DashboardRPS)
	pipe.Expire(ctx, redis.DashboardRPS, domain.RPSWindowTTL)
	pipe.Incr(ctx, redis.DashboardRequestCount)
	pipe.Incr(ctx, redis.TrafficRequestsKey(bucket))
	pipe.Expire(ctx, redis.TrafficRequestsKey(bucket), domain.TrafficHistoryTTL)
	if stat.IsError() {
		pipe.Incr(ctx, redis.DashboardErrorCount)
		pipe.Incr(ctx, redis.TrafficErrorsKey(bucket))
		pipe.Expire(ctx, redis.TrafficErrorsKey(bucket), domain.TrafficHistoryTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("metrics batch failed", slog.String("error", err.Error()))
		return
	}

	ms := float64(stat.Latency.Milliseconds())
	c.ema(ctx, redis.DashboardLatencyAvg, ms, 0)

	if stat.Latency > c.cfg.SlowThreshold {
		c.recordSlow(ctx, stat, ms)
	}
}

func (c *Collector) recordSlow(ctx context.Context, stat RequestStat, ms float64) {
	ttl := domain.SlowEndpointTTL
	c.ema(ctx, redis.SlowEndpointKey(stat.Method, stat.Path, "avg"), ms, ttl)

	p95Key := redis.SlowEndpointKey(stat.Method, stat.Path, "p95")
	if err := c.rdb.Eval(ctx, quantileScript, []string{p95Key},
		ms, 0.95, 1.0, ttl.Milliseconds()).Err(); err != nil {
		c.logger.Debug("slow endpoint p95 update failed", slog.String("error", err.Error()))
	}

	callsKey := redis.SlowEndpointKey(stat.Method, stat.Path, "calls")
	pipe := c.rdb.Pipeline()
	pipe.Incr(ctx, callsKey)
	pipe.Expire(ctx, callsKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("slow endpoint calls update failed", slog.String("error", err.Error()))
	}
}

func (c *Collector) ema(ctx context.Context, key string, sample float64, ttl time.Duration) {
	if err := c.rdb.Eval(ctx, emaScript, []string{key},
		sample, c.cfg.EMAAlpha, ttl.Milliseconds()).Err(); err != nil {
		c.logger.Debug("latency EMA update failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (c *Collector) foldLocalEMA(ms float64) {
	c.mu.Lock()
	if c.hasEMA {
		c.latencyEMA = c.cfg.EMAAlpha*ms + (1-c.cfg.EMAAlpha)*c.latencyEMA
	} else {
		c.latencyEMA = ms
		c.hasEMA = true
	}
	c.mu.Unlock()
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
