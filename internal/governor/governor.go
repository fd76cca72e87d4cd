// Package governor tracks concurrent voice sessions and the engine handles
// they own, and admits or denies new work against fixed ceilings: a
// concurrent-session cap, per-kind handle caps, and a coarse memory budget.
//
// The governor is the sole authority allowed to force-release resources a
// session lost track of. A background sweep force-ends sessions that exceed
// the staleness threshold, and a less frequent deep cleanup trims retained
// history so long-running processes do not accumulate state.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SessionKind distinguishes listening from speaking sessions.
type SessionKind string

const (
	SessionListen SessionKind = "listen"
	SessionSpeak  SessionKind = "speak"
)

// ResourceKind tags a tracked engine handle.
type ResourceKind string

const (
	ResourceRecognition  ResourceKind = "recognition"
	ResourceSynthesis    ResourceKind = "synthesis"
	ResourceAudioContext ResourceKind = "audio_context"
)

// Admission errors.
var (
	ErrSessionLimit   = errors.New("governor: concurrent session limit reached")
	ErrMemoryPressure = errors.New("governor: memory budget exceeded")
	ErrHandleLimit    = errors.New("governor: handle limit reached for resource kind")
	ErrUnknownSession = errors.New("governor: unknown session")
)

// Defaults.
const (
	defaultMaxSessions    = 5
	defaultMaxRecognition = 3
	defaultMaxSynthesis   = 5
	defaultMemoryBudgetMB = 50
	defaultStaleAfter     = 60 * time.Second
	defaultSweepInterval  = 30 * time.Second
	defaultDeepInterval   = 5 * time.Minute
)

// memoryWeightMB is the coarse per-handle memory estimate, in megabytes.
var memoryWeightMB = map[ResourceKind]int{
	ResourceRecognition:  10,
	ResourceSynthesis:    2,
	ResourceAudioContext: 5,
}

// Warning describes an approaching ceiling, delivered via Config.OnWarning.
type Warning struct {
	// Kind is "sessions" or "memory".
	Kind string

	// Message is the user-surfaceable description.
	Message string
}

// Config tunes a [Governor]. Zero values use the documented defaults.
type Config struct {
	// MaxSessions caps concurrently active sessions. Default: 5.
	MaxSessions int

	// MaxRecognition caps concurrent recognition handles. Default: 3.
	MaxRecognition int

	// MaxSynthesis caps concurrent synthesis handles. Default: 5.
	MaxSynthesis int

	// MemoryBudgetMB caps the coarse memory estimate. Default: 50.
	MemoryBudgetMB int

	// StaleAfter is the age past which a session is force-ended by the
	// sweep. Default: 60s.
	StaleAfter time.Duration

	// SweepInterval is how often the stale sweep runs. Default: 30s.
	SweepInterval time.Duration

	// DeepInterval is how often the deep cleanup trims history. Default: 5m.
	DeepInterval time.Duration

	// OnStale is invoked (outside the governor lock) with each session id
	// the sweep force-ended. May be nil.
	OnStale func(sessionID string)

	// OnWarning is invoked when a ceiling is approached. May be nil.
	OnWarning func(Warning)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// resource is one tracked handle with its release function.
type resource struct {
	kind    ResourceKind
	release func() error
}

// session is one tracked active session.
type session struct {
	id        string
	kind      SessionKind
	startedAt time.Time
	resources []resource
}

// completion is retained history about one finished session.
type completion struct {
	id       string
	kind     SessionKind
	endedAt  time.Time
	duration time.Duration
}

// Governor enforces the resource budget. All methods are safe for concurrent
// use.
type Governor struct {
	maxSessions    int
	maxRecognition int
	maxSynthesis   int
	memoryBudgetMB int
	staleAfter     time.Duration
	sweepInterval  time.Duration
	deepInterval   time.Duration
	onStale        func(string)
	onWarning      func(Warning)
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	handles  map[ResourceKind]int
	history  []completion
}

// New creates a Governor with the supplied configuration.
func New(cfg Config) *Governor {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.MaxRecognition <= 0 {
		cfg.MaxRecognition = defaultMaxRecognition
	}
	if cfg.MaxSynthesis <= 0 {
		cfg.MaxSynthesis = defaultMaxSynthesis
	}
	if cfg.MemoryBudgetMB <= 0 {
		cfg.MemoryBudgetMB = defaultMemoryBudgetMB
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DeepInterval <= 0 {
		cfg.DeepInterval = defaultDeepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Governor{
		maxSessions:    cfg.MaxSessions,
		maxRecognition: cfg.MaxRecognition,
		maxSynthesis:   cfg.MaxSynthesis,
		memoryBudgetMB: cfg.MemoryBudgetMB,
		staleAfter:     cfg.StaleAfter,
		sweepInterval:  cfg.SweepInterval,
		deepInterval:   cfg.DeepInterval,
		onStale:        cfg.OnStale,
		onWarning:      cfg.OnWarning,
		now:            cfg.Now,
		sessions:       make(map[string]*session),
		handles:        make(map[ResourceKind]int),
	}
}

// Admit reports whether a new session of the given kind would be accepted
// right now, without reserving anything.
func (g *Governor) Admit(kind SessionKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked(kind)
}

func (g *Governor) admitLocked(SessionKind) error {
	if len(g.sessions) >= g.maxSessions {
		return ErrSessionLimit
	}
	if g.estimatedMemoryMBLocked() >= g.memoryBudgetMB {
		return ErrMemoryPressure
	}
	return nil
}

// Open admits and begins tracking a session. The warning callback fires when
// this opening brings the governor within one session of the cap or past 80%
// of the memory budget.
func (g *Governor) Open(sessionID string, kind SessionKind) error {
	g.mu.Lock()
	if err := g.admitLocked(kind); err != nil {
		g.mu.Unlock()
		return err
	}
	g.sessions[sessionID] = &session{
		id:        sessionID,
		kind:      kind,
		startedAt: g.now(),
	}
	warning := g.pendingWarningLocked()
	g.mu.Unlock()

	if warning != nil && g.onWarning != nil {
		g.onWarning(*warning)
	}
	return nil
}

// pendingWarningLocked returns a ceiling warning if one applies right now.
// Must be called with g.mu held.
func (g *Governor) pendingWarningLocked() *Warning {
	if len(g.sessions) >= g.maxSessions-1 {
		return &Warning{
			Kind:    "sessions",
			Message: "approaching the concurrent voice session limit",
		}
	}
	if est := g.estimatedMemoryMBLocked(); est*5 >= g.memoryBudgetMB*4 {
		return &Warning{
			Kind:    "memory",
			Message: "approaching the voice engine memory budget",
		}
	}
	return nil
}

// Register attaches a handle to an open session. release is invoked when the
// session is released; it must tolerate being called after the handle already
// ended.
func (g *Governor) Register(sessionID string, kind ResourceKind, release func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.sessions[sessionID]
	if s == nil {
		return ErrUnknownSession
	}
	switch kind {
	case ResourceRecognition:
		if g.handles[kind] >= g.maxRecognition {
			return ErrHandleLimit
		}
	case ResourceSynthesis:
		if g.handles[kind] >= g.maxSynthesis {
			return ErrHandleLimit
		}
	}
	s.resources = append(s.resources, resource{kind: kind, release: release})
	g.handles[kind]++
	return nil
}

// Release force-closes every handle the session owns (in reverse registration
// order, tolerating individual failures) and stops tracking the session.
// Releasing an unknown session is a no-op.
func (g *Governor) Release(sessionID string) {
	g.mu.Lock()
	s := g.sessions[sessionID]
	if s == nil {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sessionID)
	for _, r := range s.resources {
		g.handles[r.kind]--
	}
	ended := g.now()
	g.history = append(g.history, completion{
		id:       s.id,
		kind:     s.kind,
		endedAt:  ended,
		duration: ended.Sub(s.startedAt),
	})
	if len(g.history) > 256 {
		g.history = g.history[len(g.history)-256:]
	}
	g.mu.Unlock()

	for i := len(s.resources) - 1; i >= 0; i-- {
		if err := s.resources[i].release(); err != nil {
			slog.Warn("governor: resource release failed",
				"session_id", sessionID,
				"kind", s.resources[i].kind,
				"err", err,
			)
		}
	}
}

// ReleaseAll force-releases every tracked session, e.g. on page-hidden or
// shutdown.
func (g *Governor) ReleaseAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Release(id)
	}
}

// MemoryAvailable reports whether the coarse memory estimate is under budget.
func (g *Governor) MemoryAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.estimatedMemoryMBLocked() < g.memoryBudgetMB
}

// estimatedMemoryMBLocked sums the per-handle weights. Must be called with
// g.mu held.
func (g *Governor) estimatedMemoryMBLocked() int {
	total := 0
	for kind, n := range g.handles {
		total += memoryWeightMB[kind] * n
	}
	return total
}

// EstimatedMemoryMB returns the current coarse memory estimate.
func (g *Governor) EstimatedMemoryMB() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.estimatedMemoryMBLocked()
}

// ActiveSessions returns the number of tracked sessions.
func (g *Governor) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// HandleCount returns the number of live handles of the given kind.
func (g *Governor) HandleCount(kind ResourceKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handles[kind]
}

// Sweep force-ends sessions older than the staleness threshold and returns
// their ids. The OnStale callback fires for each, after release.
func (g *Governor) Sweep() []string {
	cutoff := g.now().Add(-g.staleAfter)

	g.mu.Lock()
	var stale []string
	for id, s := range g.sessions {
		if s.startedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	g.mu.Unlock()

	for _, id := range stale {
		slog.Warn("governor: force-ending stale session", "session_id", id)
		g.Release(id)
		if g.onStale != nil {
			g.onStale(id)
		}
	}
	return stale
}

// DeepCleanup trims retained completion history and returns the number of
// entries dropped.
func (g *Governor) DeepCleanup() int {
	cutoff := g.now().Add(-g.deepInterval)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.history[:0]
	for _, c := range g.history {
		if !c.endedAt.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	dropped := len(g.history) - len(kept)
	g.history = kept
	return dropped
}

// HistoryLen returns the number of retained completion records.
func (g *Governor) HistoryLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

// Run executes the periodic stale sweep and deep cleanup until ctx is
// cancelled.
func (g *Governor) Run(ctx context.Context) {
	sweep := time.NewTicker(g.sweepInterval)
	defer sweep.Stop()
	deep := time.NewTicker(g.deepInterval)
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			g.Sweep()
		case <-deep.C:
			if n := g.DeepCleanup(); n > 0 {
				slog.Debug("governor deep cleanup", "dropped", n)
			}
		}
	}
}
