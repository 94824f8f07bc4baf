package clientapi

import (
	"sync"
	"time"
)

const (
	perMinuteLimit = 20.0
	perHourLimit   = 100.0
	shardCount     = 16
	sweepIdleAge   = 2 * time.Hour
)

type dualBucket struct {
	minuteTokens float64
	hourTokens   float64
	lastCheck    time.Time
}

// dualWindowLimiter implements the per-IP "max 20 req/min and 100 req/hour"
// leaky bucket from spec §4.9, sharded by an FNV-1a hash of the key.
type dualWindowLimiter struct {
	shards [shardCount]dualWindowShard
}

type dualWindowShard struct {
	mu      sync.Mutex
	buckets map[string]*dualBucket
}

func newDualWindowLimiter() *dualWindowLimiter {
	l := &dualWindowLimiter{}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*dualBucket)
	}
	return l
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}

// allow reports whether key has budget left in both windows, consuming one
// unit from each if so.
func (l *dualWindowLimiter) allow(key string) bool {
	shard := &l.shards[shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	b, ok := shard.buckets[key]
	if !ok {
		b = &dualBucket{minuteTokens: perMinuteLimit, hourTokens: perHourLimit, lastCheck: now}
		shard.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.minuteTokens = min(perMinuteLimit, b.minuteTokens+elapsed*(perMinuteLimit/60))
	b.hourTokens = min(perHourLimit, b.hourTokens+elapsed*(perHourLimit/3600))
	b.lastCheck = now

	if b.minuteTokens < 1 || b.hourTokens < 1 {
		return false
	}
	b.minuteTokens--
	b.hourTokens--
	return true
}

// sweep evicts idle buckets so memory doesn't grow unbounded (spec §4.9:
// "rate-limit buckets are swept every 5 minutes").
func (l *dualWindowLimiter) sweep() {
	now := time.Now()
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for k, b := range shard.buckets {
			if now.Sub(b.lastCheck) > sweepIdleAge {
				delete(shard.buckets, k)
			}
		}
		shard.mu.Unlock()
	}
}
