package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aelexs/edge-auth-gateway/internal/domain"
	"github.com/aelexs/edge-auth-gateway/internal/redis"
)

// CCUSamplerConfig tunes the distributed concurrent-user sampler.
type CCUSamplerConfig struct {
	Interval  time.Duration
	Lease     time.Duration
	ScanBatch int64
}

func (c *CCUSamplerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = domain.CCUSampleInterval
	}
	if c.Lease <= 0 {
		c.Lease = domain.CCULockLease
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = domain.CCUScanBatch
	}
}

// CCUSampler counts online users cluster-wide. One instance wins the lease
// per window and sweeps the online:* keys; the rest skip silently. The lease
// stays shorter than the interval so a crashed holder never wedges sampling.
type CCUSampler struct {
	rdb        redis.Cmdable
	instanceID string
	gauge      prometheus.Gauge
	last       atomic.Int64
	logger     *slog.Logger
	cfg        CCUSamplerConfig
}

// NewCCUSampler creates a sampler. reg may be nil (tests); the gauge is
// then created unregistered.
func NewCCUSampler(rdb redis.Cmdable, instanceID string, reg prometheus.Registerer,
	logger *slog.Logger, cfg CCUSamplerConfig) *CCUSampler {
	cfg.applyDefaults()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_concurrent_users",
		Help: "Online users counted from shared-store presence markers.",
	})
	if reg != nil {
		reg.MustRegister(gauge)
	}
	return &CCUSampler{
		rdb:        rdb,
		instanceID: instanceID,
		gauge:      gauge,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (s *CCUSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce attempts one sampling cycle: lease, sweep, gauge update.
// Exposed so tests and the readiness probe can drive a cycle directly.
func (s *CCUSampler) SampleOnce(ctx context.Context) {
	lockCtx, cancel := context.WithTimeout(ctx, domain.CCULockWait)
	acquired, err := s.rdb.SetNX(lockCtx, redis.CCULockKey, s.instanceID, s.cfg.Lease).Result()
	cancel()
	if err != nil {
		s.logger.Warn("ccu lock attempt failed", slog.String("error", err.Error()))
		return
	}
	if !acquired {
		s.logger.Debug("ccu sample skipped, another instance holds the lease")
		return
	}

	count, err := s.countOnline(ctx)
	if err != nil {
		s.logger.Warn("ccu sweep failed", slog.String("error", err.Error()))
		return
	}

	s.gauge.Set(float64(count))
	s.last.Store(count)
	s.logger.Debug("ccu sampled", slog.Int64("count", count))
}

// Value returns the count from the most recent successful sweep on this
// instance.
func (s *CCUSampler) Value() int64 {
	return s.last.Load()
}

func (s *CCUSampler) countOnline(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, redis.OnlinePattern, s.cfg.ScanBatch).Result()
		if err != nil {
			return 0, err
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
