// Package ratelimit implements a sliding-window limiter keyed by an
// opaque identity string (callers use "cmd:userID").
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Config struct {
	Window  time.Duration
	PerUser int
}

const (
	defaultWindow  = 60 * time.Second
	defaultPerUser = 1
)

// Limiter tracks call timestamps per identity inside a sliding window.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	perUser int
	calls   map[string][]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.PerUser <= 0 {
		cfg.PerUser = defaultPerUser
	}
	return &Limiter{
		window:  cfg.Window,
		perUser: cfg.PerUser,
		calls:   make(map[string][]time.Time),
		now:     time.Now,
		sleep:   ctxSleep,
	}
}

// Apply swaps window parameters at runtime. Existing windows keep their
// recorded timestamps and are re-evaluated against the new bounds.
func (l *Limiter) Apply(cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.PerUser <= 0 {
		cfg.PerUser = defaultPerUser
	}
	l.mu.Lock()
	l.window = cfg.Window
	l.perUser = cfg.PerUser
	l.mu.Unlock()
}

// Allow records a call if the identity has capacity. When rejected it
// returns the remaining wait until the oldest in-window call expires.
func (l *Limiter) Allow(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(id, now)
	if len(recent) >= l.perUser {
		wait := l.window - now.Sub(recent[0])
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	l.calls[id] = append(recent, now)
	return true, 0
}

// Acquire blocks until the identity has capacity or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, id string) error {
	for {
		ok, wait := l.Allow(id)
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Reset clears every window and returns how many identities were tracked.
func (l *Limiter) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.calls)
	l.calls = make(map[string][]time.Time)
	return n
}

// Snapshot returns the most recent permitted call per identity, for
// diagnostics. Expired windows are pruned first.
func (l *Limiter) Snapshot() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[string]time.Time, len(l.calls))
	for id := range l.calls {
		recent := l.prune(id, now)
		if len(recent) > 0 {
			out[id] = recent[len(recent)-1]
		}
	}
	return out
}

// prune drops timestamps outside the window and stores the survivors.
// Empty identities are removed so the map never grows unbounded.
// Caller holds l.mu.
func (l *Limiter) prune(id string, now time.Time) []time.Time {
	stamps := l.calls[id]
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	recent := stamps[i:]
	if len(recent) == 0 {
		delete(l.calls, id)
		return nil
	}
	if i > 0 {
		recent = append([]time.Time(nil), recent...)
		l.calls[id] = recent
	}
	return recent
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
