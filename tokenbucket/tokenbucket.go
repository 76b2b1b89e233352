// Package tokenbucket is the reference wsrouter.RateLimiter: a sharded
// token bucket. The sharding-by-hash, lock-per-shard, and scaled-integer
// token accounting are adopted from
// zJUNAIDz-vibe-learning-dump/go-concurrency/projects/rate-limiter/final/rate_limiter.go;
// the comment style there (emoji headers, essay-length rationale) is not
// carried over.
package tokenbucket

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/andrewwphillips/wsrouter"
)

const shardCount = 16

// scale lets bucket math stay in integer nanotokens, avoiding float
// accumulation error across many small refills.
const scale = 1_000_000_000

type bucket struct {
	mu         sync.Mutex
	tokens     int64 // scaled by `scale`
	lastRefill time.Time
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter is a sharded token-bucket RateLimiter. One Limiter instance
// should be shared by every connection a Router serves; construct with
// New.
type Limiter struct {
	shards     [shardCount]*shard
	capacity   float64
	refillRate float64 // tokens per second
}

// New builds a Limiter where every key shares the same capacity and
// refillRate.
func New(capacity, refillRate float64) *Limiter {
	l := &Limiter{capacity: capacity, refillRate: refillRate}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

var _ wsrouter.RateLimiter = (*Limiter)(nil)

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) bucketFor(key string) *bucket {
	sh := l.shardFor(key)

	sh.mu.RLock()
	b, ok := sh.buckets[key]
	sh.mu.RUnlock()
	if ok {
		return b
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok = sh.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: int64(l.capacity * scale), lastRefill: time.Now()}
	sh.buckets[key] = b
	return b
}

func (l *Limiter) refillLocked(b *bucket) {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	added := int64(elapsed * l.refillRate * scale)
	if added <= 0 {
		return
	}
	max := int64(l.capacity * scale)
	b.tokens += added
	if b.tokens > max {
		b.tokens = max
	}
}

// Consume attempts to take cost tokens from key's bucket.
func (l *Limiter) Consume(key string, cost float64) wsrouter.RateLimitDecision {
	b := l.bucketFor(key)
	need := int64(cost * scale)

	b.mu.Lock()
	defer b.mu.Unlock()
	l.refillLocked(b)

	if b.tokens < need {
		deficit := need - b.tokens
		var retryAfterMs int
		if l.refillRate > 0 {
			retryAfterMs = int((float64(deficit) / scale / l.refillRate) * 1000)
		}
		return wsrouter.RateLimitDecision{Allowed: false, Remaining: float64(b.tokens) / scale, RetryAfterMs: retryAfterMs}
	}
	b.tokens -= need
	return wsrouter.RateLimitDecision{Allowed: true, Remaining: float64(b.tokens) / scale}
}

// GetPolicy reports the (uniform, for this Limiter) capacity/refillRate.
func (l *Limiter) GetPolicy(string) wsrouter.RateLimitPolicy {
	return wsrouter.RateLimitPolicy{Capacity: l.capacity, RefillRate: l.refillRate}
}
