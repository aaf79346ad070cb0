package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

// HealthRecord is the per-service snapshot the dashboard's services handler
// reads back.
type HealthRecord struct {
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"`
	Memory   float64 `json:"memory"`
	Uptime   int64   `json:"uptime"` // seconds
	Requests uint64  `json:"requests"`
	Errors   uint64  `json:"errors"`
}

// DBStats is a datasource snapshot for services that have one.
type DBStats struct {
	ServiceName       string  `json:"serviceName"`
	Connections       int     `json:"connections"`
	MaxConnections    int     `json:"maxConnections"`
	ActiveConnections int     `json:"activeConnections"`
	IdleConnections   int     `json:"idleConnections"`
	PoolUsage         float64 `json:"poolUsage"`
	ActiveQueries     int     `json:"activeQueries,omitempty"`
	SlowQueries       int     `json:"slowQueries,omitempty"`
	CacheHitRate      float64 `json:"cacheHitRate,omitempty"`
}

// DBStatsProvider supplies a datasource snapshot. Nil provider means the
// service has no datasource and the db key is simply never written.
type DBStatsProvider interface {
	DBStats() DBStats
}

// StatsSource feeds lifetime request counters and the latency EMA into the
// health record. The collector satisfies it.
type StatsSource interface {
	Snapshot() (requests, errors uint64, latencyMs float64)
}

// Reporter periodically writes this service's health, latency and optional
// datasource snapshots under TTLs longer than the write interval, so key
// absence means the service is genuinely down.
type Reporter struct {
	rdb      redis.Cmdable
	name     string
	stats    StatsSource
	db       DBStatsProvider
	clock    domain.Clock
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration
	started  time.Time
}

// NewReporter creates a reporter for the named service. db may be nil.
func NewReporter(rdb redis.Cmdable, name string, stats StatsSource, db DBStatsProvider,
	clock domain.Clock, logger *slog.Logger) *Reporter {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Reporter{
		rdb:      rdb,
		name:     name,
		stats:    stats,
		db:       db,
		clock:    clock,
		logger:   logger,
		interval: domain.ReportInterval,
		ttl:      domain.ServiceSnapshotTTL,
		started:  clock.Now(),
	}
}

// Run reports on the interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ReportOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReportOnce(ctx)
		}
	}
}

// ReportOnce writes one round of snapshots.
func (r *Reporter) ReportOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, domain.RedisTimeout)
	defer cancel()

	requests, errCount, latencyMs := r.stats.Snapshot()

	health := HealthRecord{
		Name:     r.name,
		Status:   "UP",
		CPU:      cpuPercent(),
		Memory:   memPercent(),
		Uptime:   int64(r.clock.Now().Sub(r.started).Seconds()),
		Requests: requests,
		Errors:   errCount,
	}

	pipe := r.rdb.Pipeline()
	if raw, err := json.Marshal(health); err == nil {
		pipe.Set(ctx, redis.ServiceHealthKey(r.name), raw, r.ttl)
	}
	pipe.Set(ctx, redis.ServiceLatencyKey(r.name),
		strconv.FormatFloat(latencyMs, 'f', 3, 64), r.ttl)
	if r.db != nil {
		if raw, err := json.Marshal(r.db.DBStats()); err == nil {
			pipe.Set(ctx, redis.ServiceDBKey(r.name), raw, r.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Debug("health report failed", slog.String("error", err.Error()))
	}
}

func cpuPercent() float64 {
	// Non-blocking read: percentage since the previous call.
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func memPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent
}
