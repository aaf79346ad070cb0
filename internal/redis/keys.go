package redis

import (
	"fmt"
	"strconv"
)

// Shared-store key schema. Every key the gateway reads or writes is minted
// here so the schema stays reviewable in one place. All keys are ASCII; all
// counters are integer strings.
const (
	// Gateway-owned session records, TTL = session.ttl.
	sessionPrefix = "session:"

	// Online markers counted by the CCU sampler, TTL = online.ttl.
	onlinePrefix = "online:"
	OnlinePattern = onlinePrefix + "*"

	// Authorization caches (L2), TTL = authz.l2.ttl.
	rolesPrefix = "authz:roles:"
	permsPrefix = "authz:perms:"

	// Invalidation events published by the identity service.
	RolesInvalidateChannel = "authz:invalidate:roles"
	PermsInvalidateChannel = "authz:invalidate:perms"

	// Cluster-wide mutex for the CCU sampler.
	CCULockKey = "ccu:metrics:lock"

	// Gateway-shared dashboard counters (co-owned via atomic INCR).
	DashboardRPS          = "dashboard:rps"
	DashboardRequestCount = "dashboard:request:count"
	DashboardErrorCount   = "dashboard:error:count"
	DashboardLatencyAvg   = "dashboard:latency:avg"

	trafficPrefix       = "dashboard:traffic:history:"
	slowEndpointPrefix  = "dashboard:slow:endpoint:"
	SlowEndpointPattern = slowEndpointPrefix + "*:avg"

	// Per-service snapshots, each service exclusively owns its own keys.
	servicePrefix         = "dashboard:service:"
	ServiceHealthPattern  = servicePrefix + "*:health"
	ServiceDBPattern      = servicePrefix + "*:db"
	ServiceLatencyPattern = servicePrefix + "*:latency"
)

// SessionKey returns the record key for a session id.
func SessionKey(id string) string { return sessionPrefix + id }

// OnlineKey returns the presence marker key for a user.
func OnlineKey(userID string) string { return onlinePrefix + userID }

// RolesKey returns the L2 role-set key for a user.
func RolesKey(userID string) string { return rolesPrefix + userID }

// PermsKey returns the L2 permission-set key for a user.
func PermsKey(userID string) string { return permsPrefix + userID }

// TrafficRequestsKey returns the request counter for a 5-minute bucket
// (epoch millis of the bucket start).
func TrafficRequestsKey(bucket int64) string {
	return trafficPrefix + strconv.FormatInt(bucket, 10) + ":requests"
}

// TrafficErrorsKey returns the error counter for a 5-minute bucket.
func TrafficErrorsKey(bucket int64) string {
	return trafficPrefix + strconv.FormatInt(bucket, 10) + ":errors"
}

// SlowEndpointKey returns one of the slow-endpoint record keys
// (field is "avg", "p95" or "calls") for a method and path.
func SlowEndpointKey(method, path, field string) string {
	return fmt.Sprintf("%s%s:%s:%s", slowEndpointPrefix, method, path, field)
}

// ServiceHealthKey returns the health snapshot key a service owns.
func ServiceHealthKey(name string) string { return servicePrefix + name + ":health" }

// ServiceDBKey returns the datasource snapshot key a service owns.
func ServiceDBKey(name string) string { return servicePrefix + name + ":db" }

// ServiceLatencyKey returns the latency EMA key a service owns.
func ServiceLatencyKey(name string) string { return servicePrefix + name + ":latency" }
