// Package ratelimit implements the per-origin admission control that guards
// registration and connection requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultCapacity = 20
	DefaultWindow   = time.Minute
)

type window struct {
	count int
	start time.Time
}

// Limiter is a fixed-window counter keyed by origin address. It is not a
// token bucket: a burst of capacity events is admitted at any point of a
// window and nothing more until the window ends.
type Limiter struct {
	clock clock.Clock

	mu       sync.Mutex
	capacity int
	width    time.Duration
	windows  map[string]*window
}

// New returns a limiter. A nil clock means the wall clock.
func New(capacity int, width time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	l := &Limiter{
		clock:   clk,
		windows: make(map[string]*window),
	}
	l.SetLimits(capacity, width)
	return l
}

// SetLimits changes capacity and window width. Open windows keep their start
// time and count.
func (l *Limiter) SetLimits(capacity int, width time.Duration) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if width <= 0 {
		width = DefaultWindow
	}
	l.mu.Lock()
	l.capacity = capacity
	l.width = width
	l.mu.Unlock()
}

// Allow reports whether one more event from origin is admitted. A denial
// does not touch the window.
func (l *Limiter) Allow(origin string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[origin]
	if !ok || !now.Before(w.start.Add(l.width)) {
		l.windows[origin] = &window{count: 1, start: now}
		return true
	}
	if w.count >= l.capacity {
		return false
	}
	w.count++
	return true
}

// Sweep drops windows that have already elapsed. An elapsed window and a
// missing one behave identically in Allow, so this only bounds memory.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for origin, w := range l.windows {
		if !now.Before(w.start.Add(l.width)) {
			delete(l.windows, origin)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := l.clock.Ticker(interval)
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

// Len returns the number of tracked origins.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
