// Package ratelimit implements per-user, per-operation fixed-window rate limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Operation names a rate-limited inbound operation.
type Operation string

const (
	OpSendMessage    Operation = "send_message"
	OpTyping         Operation = "typing"
	OpJoinRoom       Operation = "join_room"
	OpHistory        Operation = "history"
	OpUpdatePresence Operation = "update_presence"
)

// Rule is the ceiling for one operation: at most Limit calls per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the stock per-minute ceilings.
func DefaultRules() map[Operation]Rule {
	return map[Operation]Rule{
		OpSendMessage:    {Limit: 30, Window: time.Minute},
		OpTyping:         {Limit: 60, Window: time.Minute},
		OpJoinRoom:       {Limit: 10, Window: time.Minute},
		OpHistory:        {Limit: 5, Window: time.Minute},
		OpUpdatePresence: {Limit: 30, Window: time.Minute},
	}
}

// Result reports the outcome of Allow.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter tracks one fixed window per (user, operation).
type Limiter struct {
	mu      sync.Mutex
	rules   map[Operation]Rule
	buckets map[key]*bucket
	now     func() time.Time
}

type key struct {
	userID string
	op     Operation
}

type bucket struct {
	count      int
	resetAt    time.Time
	lastAccess time.Time
}

// New creates a Limiter. Operations missing from rules are denied.
func New(rules map[Operation]Rule) *Limiter {
	l := &Limiter{
		buckets: make(map[key]*bucket),
		now:     time.Now,
	}
	l.SetRules(rules)
	return l
}

// SetRules replaces the rule set. Open windows keep their reset time; the new
// limit applies to their remaining calls.
func (l *Limiter) SetRules(rules map[Operation]Rule) {
	cp := make(map[Operation]Rule, len(rules))
	for op, r := range rules {
		cp[op] = r
	}
	l.mu.Lock()
	l.rules = cp
	l.mu.Unlock()
}

// Rule returns the configured rule for op.
func (l *Limiter) Rule(op Operation) (Rule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rules[op]
	return r, ok
}

// Allow consumes one call of op for userID if the current window has room.
// A denied call does not change the window.
func (l *Limiter) Allow(userID string, op Operation) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rule, ok := l.rules[op]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Result{Allowed: false, Remaining: 0, ResetAt: now}
	}

	k := key{userID: userID, op: op}
	b, ok := l.buckets[k]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(rule.Window)}
		l.buckets[k] = b
	}
	b.lastAccess = now

	if b.count >= rule.Limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: b.resetAt}
	}
	b.count++
	return Result{Allowed: true, Remaining: rule.Limit - b.count, ResetAt: b.resetAt}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanup removes buckets whose window has expired and that have not been
// touched for maxIdle. It returns the number removed.
func (l *Limiter) cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-maxIdle)
	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) && b.lastAccess.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// StartCleanup periodically removes stale buckets until ctx is canceled.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(maxIdle)
			}
		}
	}()
}
