package metrics

import (
	"bufio"
	"strconv"
	"strings"
)

// RedisStats is the store-health DTO for the dashboard.
type RedisStats struct {
	ConnectedClients int64   `json:"connectedClients"`
	UsedMemory       int64   `json:"usedMemory"`
	MaxMemory        int64   `json:"maxMemory"`
	KeyspaceHits     int64   `json:"keyspaceHits"`
	KeyspaceMisses   int64   `json:"keyspaceMisses"`
	HitRate          float64 `json:"hitRate"`
	EvictedKeys      int64   `json:"evictedKeys"`
	OpsPerSecond     int64   `json:"opsPerSecond"`
}

// ParseInfo extracts the dashboard-relevant fields from a raw INFO reply.
// Unknown lines are skipped; missing fields stay zero.
func ParseInfo(raw string) RedisStats {
	var stats RedisStats

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "connected_clients":
			stats.ConnectedClients = parseInt(value)
		case "used_memory":
			stats.UsedMemory = parseInt(value)
		case "maxmemory":
			stats.MaxMemory = parseInt(value)
		case "keyspace_hits":
			stats.KeyspaceHits = parseInt(value)
		case "keyspace_misses":
			stats.KeyspaceMisses = parseInt(value)
		case "evicted_keys":
			stats.EvictedKeys = parseInt(value)
		case "instantaneous_ops_per_sec":
			stats.OpsPerSecond = parseInt(value)
		}
	}

	if total := stats.KeyspaceHits + stats.KeyspaceMisses; total > 0 {
		stats.HitRate = float64(stats.KeyspaceHits) / float64(total)
	}
	return stats
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
