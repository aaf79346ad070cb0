package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/observability"
	"github.com/aelexs/edge-auth-gateway/internal/pool"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

var aggTracer = observability.Tracer("metrics.aggregator")

// RealtimeStats is the headline dashboard DTO.
type RealtimeStats struct {
	CCU          int64   `json:"ccu"`
	RPS          int64   `json:"rps"`
	AvgLatency   float64 `json:"avgLatency"`
	RequestCount int64   `json:"requestCount"`
	ErrorCount   int64   `json:"errorCount"`
	ErrorRate    float64 `json:"errorRate"`
}

// TrafficPoint is one nonzero five-minute bucket.
type TrafficPoint struct {
	Timestamp int64 `json:"timestamp"` // bucket start, epoch millis
	Requests  int64 `json:"requests"`
	Errors    int64 `json:"errors"`
}

// LatencyEntry approximates a service's latency quantiles from its EMA.
// The p95/p99 factors are a documented approximation, not measured values.
type LatencyEntry struct {
	Service string  `json:"service"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// SlowEndpoint is one slow route aggregate.
type SlowEndpoint struct {
	Method string  `json:"method"`
	Path   string  `json:"path"`
	Avg    float64 `json:"avg"`
	P95    float64 `json:"p95"`
	Calls  int64   `json:"calls"`
}

// Aggregator computes the dashboard read DTOs. Every handler is exactly one
// SCAN plus one MGET against the shared store, and runs under a worker-pool
// slot so a slow store can never starve the HTTP serving goroutines.
type Aggregator struct {
	rdb    redis.Cmdable
	pool   *pool.Pool
	clock  domain.Clock
	logger *slog.Logger
}

// NewAggregator creates the dashboard read path.
func NewAggregator(rdb redis.Cmdable, workers *pool.Pool, clock domain.Clock, logger *slog.Logger) *Aggregator {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Aggregator{rdb: rdb, pool: workers, clock: clock, logger: logger}
}

// Realtime returns CCU, RPS, the gateway latency EMA and lifetime counters.
func (a *Aggregator) Realtime(ctx context.Context) (*RealtimeStats, error) {
	var out *RealtimeStats
	err := a.run(ctx, "realtime", func(ctx context.Context) error {
		onlineKeys, err := a.scan(ctx, redis.OnlinePattern)
		if err != nil {
			return err
		}

		vals, err := a.rdb.MGet(ctx, redis.DashboardRPS, redis.DashboardLatencyAvg,
			redis.DashboardErrorCount, redis.DashboardRequestCount).Result()
		if err != nil {
			return fmt.Errorf("%w: realtime mget: %w", domain.ErrStoreUnavailable, err)
		}

		stats := &RealtimeStats{
			CCU:          int64(len(onlineKeys)),
			RPS:          asInt(vals[0]),
			AvgLatency:   asFloat(vals[1]),
			ErrorCount:   asInt(vals[2]),
			RequestCount: asInt(vals[3]),
		}
		stats.ErrorRate = float64(stats.ErrorCount) / float64(max(stats.RequestCount, 1))
		out = stats
		return nil
	})
	return out, err
}

// Services returns every live health snapshot, sorted by service name.
func (a *Aggregator) Services(ctx context.Context) ([]HealthRecord, error) {
	var out []HealthRecord
	err := a.run(ctx, "services", func(ctx context.Context) error {
		records, err := mgetJSON[HealthRecord](ctx, a, redis.ServiceHealthPattern)
		if err != nil {
			return err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
		out = records
		return nil
	})
	return out, err
}

// Traffic returns the nonzero points of the last 24 hours of five-minute
// buckets. All 576 counter keys are fetched in a single MGET.
func (a *Aggregator) Traffic(ctx context.Context) ([]TrafficPoint, error) {
	var out []TrafficPoint
	err := a.run(ctx, "traffic", func(ctx context.Context) error {
		current := domain.TrafficBucket(a.clock.Now())
		size := domain.TrafficBucketSize.Milliseconds()

		buckets := make([]int64, domain.TrafficHistoryBuckets)
		keys := make([]string, 0, 2*domain.TrafficHistoryBuckets)
		for i := range buckets {
			b := current - int64(domain.TrafficHistoryBuckets-1-i)*size
			buckets[i] = b
			keys = append(keys, redis.TrafficRequestsKey(b), redis.TrafficErrorsKey(b))
		}

		vals, err := a.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("%w: traffic mget: %w", domain.ErrStoreUnavailable, err)
		}

		points := make([]TrafficPoint, 0, len(buckets))
		for i, b := range buckets {
			requests, errCount := asInt(vals[2*i]), asInt(vals[2*i+1])
			if requests == 0 && errCount == 0 {
				continue
			}
			points = append(points, TrafficPoint{Timestamp: b, Requests: requests, Errors: errCount})
		}
		out = points
		return nil
	})
	return out, err
}

// Latency returns per-service quantile approximations plus the gateway's own.
func (a *Aggregator) Latency(ctx context.Context) ([]LatencyEntry, error) {
	var out []LatencyEntry
	err := a.run(ctx, "latency", func(ctx context.Context) error {
		keys, err := a.scan(ctx, redis.ServiceLatencyPattern)
		if err != nil {
			return err
		}
		keys = append(keys, redis.DashboardLatencyAvg)

		vals, err := a.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("%w: latency mget: %w", domain.ErrStoreUnavailable, err)
		}

		entries := make([]LatencyEntry, 0, len(keys))
		for i, key := range keys {
			if vals[i] == nil {
				continue
			}
			name := "gateway"
			if key != redis.DashboardLatencyAvg {
				name = serviceFromKey(key, ":latency")
			}
			avg := asFloat(vals[i])
			entries = append(entries, LatencyEntry{
				Service: name,
				P50:     avg,
				P95:     avg * 1.5,
				P99:     avg * 2.0,
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Service < entries[j].Service })
		out = entries
		return nil
	})
	return out, err
}

// Database returns datasource snapshots sorted by service name.
func (a *Aggregator) Database(ctx context.Context) ([]DBStats, error) {
	var out []DBStats
	err := a.run(ctx, "database", func(ctx context.Context) error {
		records, err := mgetJSON[DBStats](ctx, a, redis.ServiceDBPattern)
		if err != nil {
			return err
		}
		sort.Slice(records, func(i, j int) bool { return records[i].ServiceName < records[j].ServiceName })
		out = records
		return nil
	})
	return out, err
}

// Redis returns the shared store's own health from its INFO reply.
func (a *Aggregator) Redis(ctx context.Context) (*RedisStats, error) {
	var out *RedisStats
	err := a.run(ctx, "redis", func(ctx context.Context) error {
		raw, err := a.rdb.Info(ctx).Result()
		if err != nil {
			return fmt.Errorf("%w: info: %w", domain.ErrStoreUnavailable, err)
		}
		stats := ParseInfo(raw)
		out = &stats
		return nil
	})
	return out, err
}

// SlowEndpoints returns slow-route aggregates sorted by average latency
// descending.
func (a *Aggregator) SlowEndpoints(ctx context.Context) ([]SlowEndpoint, error) {
	var out []SlowEndpoint
	err := a.run(ctx, "slow_endpoints", func(ctx context.Context) error {
		avgKeys, err := a.scan(ctx, redis.SlowEndpointPattern)
		if err != nil {
			return err
		}
		if len(avgKeys) == 0 {
			out = []SlowEndpoint{}
			return nil
		}

		keys := make([]string, 0, 3*len(avgKeys))
		for _, avgKey := range avgKeys {
			base := strings.TrimSuffix(avgKey, ":avg")
			keys = append(keys, avgKey, base+":p95", base+":calls")
		}
		vals, err := a.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("%w: slow endpoint mget: %w", domain.ErrStoreUnavailable, err)
		}

		entries := make([]SlowEndpoint, 0, len(avgKeys))
		for i, avgKey := range avgKeys {
			method, path, ok := endpointFromKey(avgKey)
			if !ok {
				continue
			}
			entries = append(entries, SlowEndpoint{
				Method: method,
				Path:   path,
				Avg:    asFloat(vals[3*i]),
				P95:    asFloat(vals[3*i+1]),
				Calls:  asInt(vals[3*i+2]),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Avg > entries[j].Avg })
		out = entries
		return nil
	})
	return out, err
}

func (a *Aggregator) run(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := aggTracer.Start(ctx, "aggregate."+name)
	defer span.End()

	return a.pool.Run(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
		defer cancel()
		return fn(ctx)
	})
}

// scan walks the keyspace with a cursor, never KEYS. Results are sorted so
// downstream MGETs stay deterministic.
func (a *Aggregator) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, pattern, domain.AggregatorScanSize).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", domain.ErrStoreUnavailable, pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

// mgetJSON scans for pattern and decodes each hit as T, skipping records
// that fail to parse.
func mgetJSON[T any](ctx context.Context, a *Aggregator, pattern string) ([]T, error) {
	keys, err := a.scan(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []T{}, nil
	}

	vals, err := a.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget %s: %w", domain.ErrStoreUnavailable, pattern, err)
	}

	records := make([]T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			a.logger.Warn("skipping unparseable snapshot", slog.String("key", keys[i]))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// serviceFromKey extracts the name from dashboard:service:{name}{suffix}.
func serviceFromKey(key, suffix string) string {
	name := strings.TrimSuffix(key, suffix)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// endpointFromKey splits dashboard:slow:endpoint:{METHOD}:{path}:avg.
func endpointFromKey(key string) (method, path string, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(key, "dashboard:slow:endpoint:"), ":avg")
	method, path, ok = strings.Cut(trimmed, ":")
	return method, path, ok
}

func asInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func asFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

