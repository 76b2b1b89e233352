package wsrouter

// ratelimit.go implements the rate-limit middleware (spec §4.7). The
// algorithm (token bucket) is grounded on
// zJUNAIDz-vibe-learning-dump/go-concurrency/projects/rate-limiter/final's
// sharded token bucket; tokenbucket/ is the reference RateLimiter built on
// that shape. This file only defines the interface and the middleware that
// consumes it.

import "fmt"

// RateLimitDecision is the result of consuming cost tokens for a key.
type RateLimitDecision struct {
	Allowed      bool
	Remaining    float64
	RetryAfterMs int
}

// RateLimitPolicy describes the bucket applied for a key, for
// introspection/testing.
type RateLimitPolicy struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// RateLimiter is a pluggable token-bucket-shaped limiter keyed by an
// arbitrary string (default key function: "tenant:user:type").
type RateLimiter interface {
	Consume(key string, cost float64) RateLimitDecision
	GetPolicy(key string) RateLimitPolicy
}

// KeyFunc derives a rate-limit key from a frame's context.
type KeyFunc func(c *Context) string

// defaultKeyFunc reproduces the "tenant:user:type" shape; tenant/user are
// read from the connection's extension store (not the per-frame one),
// since an auth OpenHook like authmw's attaches identity once at connect
// time via SetExtension on the connection, not per message.
func defaultKeyFunc(c *Context) string {
	tenant, _ := c.ConnExtension("tenant")
	user, _ := c.ConnExtension("userId")
	return fmt.Sprintf("%v:%v:%s", orDash(tenant), orDash(user), c.Type)
}

func orDash(v any) any {
	if v == nil || v == "" {
		return "-"
	}
	return v
}

// CostFunc assigns a token cost to a frame; the default cost is 1.
type CostFunc func(c *Context) float64

func defaultCostFunc(c *Context) float64 { return 1 }

// rateLimitMiddleware enforces rl against frames, using keyFn/costFn to
// derive the bucket key and token cost. cost == 0 bypasses limiting
// entirely; cost greater than the bucket's capacity always fails with
// FAILED_PRECONDITION (it could never succeed); otherwise a denied
// decision fails with RESOURCE_EXHAUSTED carrying RetryAfterMs.
func rateLimitMiddleware(rl RateLimiter, keyFn KeyFunc, costFn CostFunc) Middleware {
	if keyFn == nil {
		keyFn = defaultKeyFunc
	}
	if costFn == nil {
		costFn = defaultCostFunc
	}
	return func(next Handler) Handler {
		return func(c *Context) error {
			if rl == nil {
				return next(c)
			}
			cost := costFn(c)
			if cost == 0 {
				return next(c)
			}
			key := keyFn(c)
			policy := rl.GetPolicy(key)
			if policy.Capacity > 0 && cost > policy.Capacity {
				return NewErrorf(CodeFailedPrecondition, "request cost %v exceeds rate limit capacity %v for %q", cost, policy.Capacity, key)
			}
			decision := rl.Consume(key, cost)
			if !decision.Allowed {
				return retryableError(CodeResourceExhausted, fmt.Sprintf("rate limit exceeded for %q", key), decision.RetryAfterMs)
			}
			return next(c)
		}
	}
}
