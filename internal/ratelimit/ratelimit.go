// Package ratelimit implements token buckets keyed by (route-class,
// identity), where identity is the user id for authenticated calls or
// IP+route for unauthenticated ones. Each bucket is guarded by its own
// lock rather than a single global one, mirroring the per-resource locking
// style the rest of the module uses (internal/bus's per-topic mutex,
// internal/store's per-channel mutex).
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Decision is the result of a Limiter.Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RouteClass configures one route-class tag's bucket shape.
type RouteClass struct {
	Capacity        float64
	RefillPerSecond float64
}

// Well-known route-class tags.
const (
	ClassAuth              = "auth"
	ClassMessageSend       = "message_send"
	ClassPresence          = "presence"
	ClassFederationInbound = "federation_inbound"
)

// DefaultClasses is a reasonable starting configuration; operators override
// via Config at construction.
func DefaultClasses() map[string]RouteClass {
	return map[string]RouteClass{
		ClassAuth:              {Capacity: 5, RefillPerSecond: 1},
		ClassMessageSend:       {Capacity: 10, RefillPerSecond: 2},
		ClassPresence:          {Capacity: 20, RefillPerSecond: 5},
		ClassFederationInbound: {Capacity: 100, RefillPerSecond: 20},
	}
}

// bucket is one (route-class, identity) token bucket. tokens and
// lastRefill are only ever touched under mu, which scopes to this bucket
// alone — there is no lock shared across buckets.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	capacity   float64
	refillRate float64
}

func (b *bucket) take() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit/b.refillRate*1000) * time.Millisecond
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Limiter admits or rejects one request per call, keyed by (route-class,
// identity), with a machine-readable retry hint on rejection.
type Limiter interface {
	Allow(routeClass, identity string) Decision
}

// LocalLimiter implements Limiter with in-process buckets, suitable for
// single-node deployments. Clusters use RedisLimiter so every node draws
// from the same counters.
type LocalLimiter struct {
	classes map[string]RouteClass

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewLocalLimiter constructs a LocalLimiter. classes maps route-class tag
// to its {capacity, refill_per_second}; unknown classes fall back to a
// conservative default rather than admitting unlimited traffic.
func NewLocalLimiter(classes map[string]RouteClass) *LocalLimiter {
	if classes == nil {
		classes = DefaultClasses()
	}
	return &LocalLimiter{classes: classes, buckets: make(map[string]*bucket)}
}

func (l *LocalLimiter) bucketFor(routeClass, identity string) *bucket {
	key := routeClass + "|" + identity

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	rc, ok := l.classes[routeClass]
	if !ok {
		rc = RouteClass{Capacity: 5, RefillPerSecond: 1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = &bucket{tokens: rc.Capacity, lastRefill: time.Now(), capacity: rc.Capacity, refillRate: rc.RefillPerSecond}
	l.buckets[key] = b
	return b
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(routeClass, identity string) Decision {
	return l.bucketFor(routeClass, identity).take()
}

// Identity builds the bucket identity key: user id for authenticated
// calls, or "ip:route" for unauthenticated ones.
func Identity(userID, ip, route string) string {
	if userID != "" {
		return "user:" + userID
	}
	return fmt.Sprintf("ip:%s:%s", ip, route)
}
