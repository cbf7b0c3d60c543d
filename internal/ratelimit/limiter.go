// Package ratelimit implements sliding-window local admission control.
// The limiter is purely local and time-based; it exists so that a burst
// of submissions never reaches the model gateway at all. Each
// conversation scope gets its own limiter instance — never a
// process-wide singleton.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RetryAfter is how long until a slot frees up, set when denied.
	RetryAfter time.Duration
}

// Error is the terminal error for a denied request.
type Error struct {
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return "rate limit exceeded, retry in " + e.RetryAfter.Round(time.Second).String()
}

// Limiter admits at most max requests per sliding window. Admission and
// recording are separate steps so a denied attempt is not counted
// against the window.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu    sync.Mutex
	times []time.Time
}

// New creates a limiter admitting max requests per window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// Admit checks whether a request may proceed right now. Timestamps older
// than the window are discarded lazily on each check. Admit does not
// record the request — call Record once the request actually proceeds.
func (l *Limiter) Admit() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if len(l.times) < l.max {
		return Decision{Allowed: true}
	}

	// The oldest surviving timestamp determines when a slot frees up.
	retry := l.window
	if len(l.times) > 0 {
		retry = l.times[0].Add(l.window).Sub(now)
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Record counts one admitted request against the window.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, l.now())
}

// Pending returns the number of requests currently counted in the window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.times)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}
