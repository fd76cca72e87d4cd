// Package ratelimit enforces per-user, per-operation request ceilings over
// three sliding windows: a 10-second burst window, a one-minute window, and a
// one-hour window. A request is admitted only when all three windows are under
// their ceiling; admission appends the request timestamp to every window, a
// denial mutates nothing.
package ratelimit

import (
	"sync"
	"time"
)

// Window durations.
const (
	burstWindow  = 10 * time.Second
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Default ceilings.
const (
	defaultBurstLimit  = 10
	defaultMinuteLimit = 60
	defaultHourLimit   = 1000
)

// Config tunes a [Limiter]. Zero-value ceilings use the defaults.
type Config struct {
	// Disabled turns the limiter off entirely; TryAdmit always admits.
	Disabled bool

	// BurstLimit caps requests per 10 seconds. Default: 10.
	BurstLimit int

	// MinuteLimit caps requests per minute. Default: 60.
	MinuteLimit int

	// HourLimit caps requests per hour. Default: 1000.
	HourLimit int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type key struct {
	user string
	op   string
}

// windows holds the rolling timestamp lists for one (user, operation) pair.
type windows struct {
	burst  []time.Time
	minute []time.Time
	hour   []time.Time
}

// Limiter is a sliding-window rate limiter keyed by (user, operation).
// All methods are safe for concurrent use.
type Limiter struct {
	disabled    bool
	burstLimit  int
	minuteLimit int
	hourLimit   int
	now         func() time.Time

	mu      sync.Mutex
	entries map[key]*windows
}

// New creates a Limiter with the supplied configuration.
func New(cfg Config) *Limiter {
	if cfg.BurstLimit <= 0 {
		cfg.BurstLimit = defaultBurstLimit
	}
	if cfg.MinuteLimit <= 0 {
		cfg.MinuteLimit = defaultMinuteLimit
	}
	if cfg.HourLimit <= 0 {
		cfg.HourLimit = defaultHourLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		disabled:    cfg.Disabled,
		burstLimit:  cfg.BurstLimit,
		minuteLimit: cfg.MinuteLimit,
		hourLimit:   cfg.HourLimit,
		now:         cfg.Now,
		entries:     make(map[key]*windows),
	}
}

// TryAdmit reports whether a request for the given operation by the given
// user is admitted right now. On admission the request is counted against all
// three windows; on denial no state changes.
func (l *Limiter) TryAdmit(operation, userID string) bool {
	if l.disabled {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{user: userID, op: operation}
	w := l.entries[k]
	if w == nil {
		w = &windows{}
		l.entries[k] = w
	}

	w.burst = trim(w.burst, now.Add(-burstWindow))
	w.minute = trim(w.minute, now.Add(-minuteWindow))
	w.hour = trim(w.hour, now.Add(-hourWindow))

	if len(w.burst) >= l.burstLimit ||
		len(w.minute) >= l.minuteLimit ||
		len(w.hour) >= l.hourLimit {
		return false
	}

	w.burst = append(w.burst, now)
	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	return true
}

// Sweep drops (user, operation) entries whose hour window has fully aged out.
// Intended to be called from a periodic cleanup loop.
func (l *Limiter) Sweep() int {
	if l.disabled {
		return 0
	}

	cutoff := l.now().Add(-hourWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.entries {
		w.hour = trim(w.hour, cutoff)
		if len(w.hour) == 0 {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of (user, operation) pairs currently tracked.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// trim drops timestamps at or before cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
