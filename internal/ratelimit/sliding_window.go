// Package ratelimit implements the admission envelopes gating the public
// API: a per-identifier burst limit, a global limit, and a stricter
// sub-limit for protected path prefixes, all sliding windows over the last
// WINDOW seconds. State is per-process and not shared across replicas.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"echopilot/pkg/clock"
)

const protectedLimit = 60

// DefaultProtectedPrefixes covers every surface that mutates state or is a
// credential target: intake, billing, user and key management, and the
// admin ops endpoints.
var DefaultProtectedPrefixes = []string{
	"/api/v1/intake",
	"/api/v1/users",
	"/api/v1/keys",
	"/billing/",
	"/ops/",
}

// Config tunes the limiter envelopes.
type Config struct {
	Burst             int
	Global            int
	Window            time.Duration
	ProtectedPrefixes []string
}

// Decision is the outcome of one admission check. Rejection is a normal
// result, not an error.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// SlidingWindowLimiter keeps a deque of hit timestamps per identifier and
// prunes expired entries lazily from the head on each call.
type SlidingWindowLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	burst     int
	global    int
	window    time.Duration
	prefixes  []string
	perID     map[string][]time.Time
	protected map[string][]time.Time
	all       []time.Time
}

// New constructs a limiter, filling defaults for unset fields.
func New(cfg Config, clk clock.Clock) *SlidingWindowLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Global <= 0 {
		cfg.Global = 200
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.ProtectedPrefixes == nil {
		cfg.ProtectedPrefixes = DefaultProtectedPrefixes
	}
	return &SlidingWindowLimiter{
		clock:     clk,
		burst:     cfg.Burst,
		global:    cfg.Global,
		window:    cfg.Window,
		prefixes:  cfg.ProtectedPrefixes,
		perID:     make(map[string][]time.Time),
		protected: make(map[string][]time.Time),
	}
}

// Allow checks the envelopes for one request and records the admission when
// it passes. The protected-path sub-limit is applied before the primary
// per-identifier check.
func (l *SlidingWindowLimiter) Allow(identifier, path string) Decision {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	reset := now.Add(l.window)

	isProtected := l.isProtected(path)
	if isProtected {
		l.protected[identifier] = prune(l.protected[identifier], cutoff)
		if len(l.protected[identifier]) >= protectedLimit {
			return Decision{Limit: protectedLimit, Reset: reset}
		}
	}

	l.perID[identifier] = prune(l.perID[identifier], cutoff)
	if len(l.perID[identifier]) >= l.burst {
		return Decision{Limit: l.burst, Reset: reset}
	}

	l.all = prune(l.all, cutoff)
	if len(l.all) >= l.global {
		return Decision{Limit: l.global, Reset: reset}
	}

	l.perID[identifier] = append(l.perID[identifier], now)
	l.all = append(l.all, now)
	if isProtected {
		l.protected[identifier] = append(l.protected[identifier], now)
	}
	return Decision{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: l.burst - len(l.perID[identifier]),
		Reset:     reset,
	}
}

// Window returns the configured window length.
func (l *SlidingWindowLimiter) Window() time.Duration { return l.window }

func (l *SlidingWindowLimiter) isProtected(path string) bool {
	for _, prefix := range l.prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return hits[idx:]
}
