// Package ratelimit implements sliding-window request limits keyed by an
// arbitrary string (typically owner id plus action).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result describes the outcome of a single Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
}

// Limiter admits or rejects one event for key. A rejected call records nothing.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// SlidingWindow is an in-process sliding-log limiter: at most Limit events per
// key within any Window-long interval.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewSlidingWindow returns a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

func (l *SlidingWindow) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	events := prune(l.events[key], now.Add(-l.window))
	if len(events) >= l.limit {
		l.events[key] = events
		retry := events[0].Add(l.window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Result{Allowed: false, Limit: l.limit, Remaining: 0, RetryAfter: retry}, nil
	}

	events = append(events, now)
	l.events[key] = events
	return Result{Allowed: true, Limit: l.limit, Remaining: l.limit - len(events)}, nil
}

// Sweep drops keys with no events inside the window.
func (l *SlidingWindow) Sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, events := range l.events {
		if events = prune(events, cutoff); len(events) == 0 {
			delete(l.events, k)
		} else {
			l.events[k] = events
		}
	}
}

// Run sweeps idle keys every interval until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// prune drops events at or before cutoff. events is sorted ascending.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}
