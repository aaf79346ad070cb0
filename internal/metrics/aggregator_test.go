package metrics_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/domain/domaintest"
	"github.com/aelexs/edge-auth-gateway/internal/metrics"
	"github.com/aelexs/edge-auth-gateway/internal/pool"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

func newAggregator(t *testing.T) (*metrics.Aggregator, *miniredis.Miniredis, *domaintest.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := domaintest.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a := metrics.NewAggregator(rdb, pool.New(4), clock, discardLogger())
	return a, mr, clock
}

func seedJSON(t *testing.T, mr *miniredis.Miniredis, key string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	mr.Set(key, string(raw))
}

func TestAggregator_Realtime(t *testing.T) {
	a, mr, _ := newAggregator(t)

	mr.Set(redis.OnlineKey("u1"), "1")
	mr.Set(redis.OnlineKey("u2"), "1")
	mr.Set(redis.DashboardRPS, "17")
	mr.Set(redis.DashboardLatencyAvg, "12.5")
	mr.Set(redis.DashboardErrorCount, "5")
	mr.Set(redis.DashboardRequestCount, "200")

	got, err := a.Realtime(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), got.CCU)
	assert.Equal(t, int64(17), got.RPS)
	assert.InDelta(t, 12.5, got.AvgLatency, 0.001)
	assert.Equal(t, int64(200), got.RequestCount)
	assert.Equal(t, int64(5), got.ErrorCount)
	assert.InDelta(t, 0.025, got.ErrorRate, 0.0001)
}

func TestAggregator_Realtime_Empty(t *testing.T) {
	a, _, _ := newAggregator(t)

	got, err := a.Realtime(context.Background())
	require.NoError(t, err)

	assert.Zero(t, got.CCU)
	assert.Zero(t, got.ErrorRate, "errors/max(requests,1) never divides by zero")
}

func TestAggregator_Services(t *testing.T) {
	a, mr, _ := newAggregator(t)

	seedJSON(t, mr, redis.ServiceHealthKey("user-service"), metrics.HealthRecord{Name: "user-service", Status: "UP"})
	seedJSON(t, mr, redis.ServiceHealthKey("billing"), metrics.HealthRecord{Name: "billing", Status: "UP"})
	mr.Set(redis.ServiceHealthKey("broken"), "{not json")

	got, err := a.Services(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2, "unparseable snapshots are skipped")
	assert.Equal(t, "billing", got[0].Name)
	assert.Equal(t, "user-service", got[1].Name)
}

func TestAggregator_Traffic(t *testing.T) {
	a, mr, clock := newAggregator(t)

	current := domain.TrafficBucket(clock.Now())
	size := domain.TrafficBucketSize.Milliseconds()
	previous := current - size

	mr.Set(redis.TrafficRequestsKey(current), "40")
	mr.Set(redis.TrafficErrorsKey(current), "2")
	mr.Set(redis.TrafficRequestsKey(previous), "15")

	got, err := a.Traffic(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2, "only nonzero buckets are emitted")
	assert.Equal(t, metrics.TrafficPoint{Timestamp: previous, Requests: 15}, got[0])
	assert.Equal(t, metrics.TrafficPoint{Timestamp: current, Requests: 40, Errors: 2}, got[1])
}

func TestAggregator_Latency(t *testing.T) {
	a, mr, _ := newAggregator(t)

	mr.Set(redis.ServiceLatencyKey("user-service"), "100")
	mr.Set(redis.DashboardLatencyAvg, "50")

	got, err := a.Latency(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, metrics.LatencyEntry{Service: "gateway", P50: 50, P95: 75, P99: 100}, got[0])
	assert.Equal(t, metrics.LatencyEntry{Service: "user-service", P50: 100, P95: 150, P99: 200}, got[1])
}

func TestAggregator_Database(t *testing.T) {
	a, mr, _ := newAggregator(t)

	seedJSON(t, mr, redis.ServiceDBKey("user-service"), metrics.DBStats{ServiceName: "user-service", Connections: 8})
	seedJSON(t, mr, redis.ServiceDBKey("billing"), metrics.DBStats{ServiceName: "billing", Connections: 3})

	got, err := a.Database(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "billing", got[0].ServiceName, "sorted by service name")
	assert.Equal(t, "user-service", got[1].ServiceName)
}

func TestAggregator_SlowEndpoints(t *testing.T) {
	a, mr, _ := newAggregator(t)

	mr.Set(redis.SlowEndpointKey("GET", "/api/v1/reports", "avg"), "900")
	mr.Set(redis.SlowEndpointKey("GET", "/api/v1/reports", "p95"), "1200")
	mr.Set(redis.SlowEndpointKey("GET", "/api/v1/reports", "calls"), "12")
	mr.Set(redis.SlowEndpointKey("POST", "/api/v1/orders", "avg"), "600")
	mr.Set(redis.SlowEndpointKey("POST", "/api/v1/orders", "p95"), "800")
	mr.Set(redis.SlowEndpointKey("POST", "/api/v1/orders", "calls"), "4")

	got, err := a.SlowEndpoints(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, metrics.SlowEndpoint{Method: "GET", Path: "/api/v1/reports", Avg: 900, P95: 1200, Calls: 12}, got[0])
	assert.Equal(t, metrics.SlowEndpoint{Method: "POST", Path: "/api/v1/orders", Avg: 600, P95: 800, Calls: 4}, got[1])
}

func TestAggregator_SlowEndpoints_Empty(t *testing.T) {
	a, _, _ := newAggregator(t)

	got, err := a.SlowEndpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAggregator_StoreOutage(t *testing.T) {
	a, mr, _ := newAggregator(t)
	mr.SetError("LOADING")

	_, err := a.Realtime(context.Background())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
