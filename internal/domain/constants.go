package domain

import "time"

// Compiled defaults. All of these can be overridden via configuration;
// the config package falls back to these values when a key is absent.
const (
	// Session lifecycle
	SessionTTL             = 24 * time.Hour   // shared-store session record TTL (inactivity)
	SessionL1TTL           = 60 * time.Second // per-instance access-token cache TTL
	SessionL1MaxEntries    = 100_000          // L1 cache size cap
	LastAccessBumpInterval = 60 * time.Second // min interval between last-accessed writes

	// Online presence / CCU
	OnlineTTL          = 3 * time.Minute  // online:{userId} marker TTL, refreshed per request
	CCUSampleInterval  = 30 * time.Second // distributed CCU sampler schedule
	CCULockLease       = 25 * time.Second // cluster lock lease; must stay below the interval
	CCULockWait        = 1 * time.Second  // max time spent acquiring the lock per cycle
	CCUScanBatch       = 1000             // SCAN COUNT for the online:* sweep
	AggregatorScanSize = 100              // SCAN COUNT for dashboard read handlers

	// Authorization caches
	AuthzL1TTL        = 60 * time.Second
	AuthzL2TTL        = 1 * time.Hour
	AuthzL1MaxEntries = 100_000

	// IdP client timeouts. No retries on refresh: a refresh failure must
	// surface so the session is torn down.
	IdPConnectTimeout = 3 * time.Second
	IdPReadTimeout    = 10 * time.Second

	// OIDC login flow
	StateTTL = 10 * time.Minute // authorize state parameter validity

	// Metrics
	LatencyEMAAlpha        = 0.2                    // smoothing factor for latency EMAs
	SlowEndpointThreshold  = 500 * time.Millisecond // latencies above this feed slow-endpoint records
	SlowEndpointTTL        = 1 * time.Hour
	TrafficBucketSize      = 5 * time.Minute // dashboard traffic history granularity
	TrafficHistoryTTL      = 24 * time.Hour
	TrafficHistoryBuckets  = 288 // 24h of 5-minute buckets
	RPSWindowTTL           = 2 * time.Second
	ServiceSnapshotTTL     = 30 * time.Second // dashboard:service:{name}:* keys
	ReportInterval         = 5 * time.Second  // MetricsReporter cadence; TTL > interval
	MetricsDispatchTimeout = 2 * time.Second  // budget for one fire-and-forget batch

	// Shared store
	RedisTimeout = 2 * time.Second // max time for a single Redis operation

	// Downstream dispatch
	DispatchRetryMax      = 1                      // single retry, idempotent methods only
	DispatchRetryInterval = 100 * time.Millisecond // initial backoff
	DispatchDeadlineSlack = 500 * time.Millisecond // margin subtracted from the inbound deadline
	BulkheadPerService    = 64                     // concurrent in-flight requests per downstream

	// Worker pool sizing multiplier: pool depth = WorkerPoolPerCPU * NumCPU.
	WorkerPoolPerCPU = 10

	// Graceful shutdown
	ShutdownDrainDelay  = 2 * time.Second
	ShutdownHTTPTimeout = 10 * time.Second
	ShutdownOTELTimeout = 5 * time.Second
)

// Cookie names exposed to the browser. SessionCookie is HTTP-only; the CSRF
// cookie is intentionally readable by client script so the SPA can echo it.
const (
	SessionCookieName = "SESSION_ID"
	CSRFCookieName    = "CSRF_TOKEN"
	CSRFHeaderName    = "X-CSRF-Token"
	TraceHeaderName   = "X-Trace-Id"
)
