// Package alert tracks consecutive failures per subsystem and raises an
// operator notification when a streak crosses the threshold. Counters live
// in process memory; restarts reset them.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"echopilot/pkg/clock"
)

const (
	// DefaultThreshold is the consecutive-failure count that raises an alert.
	DefaultThreshold = 3
	// DefaultWindow bounds how old a streak can be; failures older than this
	// no longer count toward it.
	DefaultWindow = 24 * time.Hour
	// DefaultCooldown suppresses repeat alerts for the same subsystem.
	DefaultCooldown = time.Hour
)

// Sink receives raised alerts. The dunning notifier's chat channel usually
// backs this in production; tests use a recording sink.
type Sink interface {
	Alert(ctx context.Context, subsystem, message string) error
}

type streak struct {
	count     int
	firstAt   time.Time
	lastAlert time.Time
}

type Alerter struct {
	mu        sync.Mutex
	streaks   map[string]*streak
	sink      Sink
	clock     clock.Clock
	threshold int
	window    time.Duration
	cooldown  time.Duration
	logger    *slog.Logger
}

type Option func(*Alerter)

func WithThreshold(n int) Option {
	return func(a *Alerter) {
		if n > 0 {
			a.threshold = n
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(a *Alerter) {
		if d > 0 {
			a.window = d
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(a *Alerter) {
		if d >= 0 {
			a.cooldown = d
		}
	}
}

func New(sink Sink, clk clock.Clock, logger *slog.Logger, opts ...Option) *Alerter {
	a := &Alerter{
		streaks:   make(map[string]*streak),
		sink:      sink,
		clock:     clk,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		cooldown:  DefaultCooldown,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Failure records one failure for the subsystem. When the consecutive count
// inside the window reaches the threshold, the sink fires once and then goes
// quiet for the cooldown. The streak keeps counting while on cooldown so a
// sustained outage alerts again after the cooldown lapses.
func (a *Alerter) Failure(ctx context.Context, subsystem, detail string) {
	now := a.clock.Now().UTC()
	a.mu.Lock()
	st, ok := a.streaks[subsystem]
	if !ok || now.Sub(st.firstAt) > a.window {
		st = &streak{firstAt: now}
		if ok {
			st.lastAlert = a.streaks[subsystem].lastAlert
		}
		a.streaks[subsystem] = st
	}
	st.count++
	fire := st.count >= a.threshold && now.Sub(st.lastAlert) >= a.cooldown
	if fire {
		st.lastAlert = now
	}
	count := st.count
	a.mu.Unlock()

	if !fire {
		return
	}
	msg := fmt.Sprintf("%s: %d consecutive failures, last: %s", subsystem, count, detail)
	if err := a.sink.Alert(ctx, subsystem, msg); err != nil {
		a.logger.Error("alert delivery failed", "subsystem", subsystem, "error", err)
	}
}

// Success resets the subsystem's streak.
func (a *Alerter) Success(subsystem string) {
	a.mu.Lock()
	delete(a.streaks, subsystem)
	a.mu.Unlock()
}
