// Package recovery decides what to do after a classified failure: retry with
// backoff, retry with user guidance, retry with an engine adjustment, fall
// back to text input, or surface the error and do nothing.
//
// The planner keeps per-(category, context) retry state so that budgets are
// enforced across attempts. Network retries use exponential backoff doubling
// from one second; audio and recognition retries use a fixed delay. State is
// reset on successful completion and purged by a periodic cleanup so stale
// failures never count against a later session.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxweave/voxweave/internal/classify"
)

// ActionKind enumerates the planner's verdicts.
type ActionKind string

const (
	// ActionRetry schedules a plain reattempt after Delay.
	ActionRetry ActionKind = "retry"

	// ActionRetryWithGuidance retries after Delay and carries user guidance.
	ActionRetryWithGuidance ActionKind = "retry_with_guidance"

	// ActionRetryWithAdjustment retries after Delay and carries an engine
	// adjustment to apply before the retry fires.
	ActionRetryWithAdjustment ActionKind = "retry_with_adjustment"

	// ActionFallback switches the session to text-input fallback.
	ActionFallback ActionKind = "fallback"

	// ActionNone surfaces the classified message and does nothing else.
	ActionNone ActionKind = "none"
)

// AdjustSensitivity is the adjustment parameter name for microphone
// sensitivity.
const AdjustSensitivity = "sensitivity"

// Action is the planner's verdict for one classified error.
type Action struct {
	// Kind selects what happens next.
	Kind ActionKind

	// Delay applies to the retry kinds.
	Delay time.Duration

	// Fallback reports whether the session must enter fallback mode.
	Fallback bool

	// Guidance is user-facing advice attached to retry_with_guidance.
	Guidance string

	// Adjustment names the engine parameter to adjust before the retry
	// (currently only [AdjustSensitivity]).
	Adjustment string

	// AdjustmentStep is the amount to adjust by.
	AdjustmentStep float64
}

// Defaults.
const (
	defaultMaxRetryAttempts  = 3
	defaultMaxNetworkRetries = 3
	defaultRetryDelay        = 2 * time.Second
	defaultSensitivityStep   = 0.1
	defaultCleanupInterval   = 5 * time.Minute
	defaultRetentionPeriod   = 5 * time.Minute

	networkBackoffBase = time.Second
)

// audioGuidance is the advice attached to audio retry actions.
const audioGuidance = "Check that your microphone is plugged in, selected as the input device, and not muted."

// Config tunes a [Planner]. Zero values use the documented defaults.
type Config struct {
	// MaxRetryAttempts bounds audio and recognition retries per
	// (category, context) key. Default: 3.
	MaxRetryAttempts int

	// MaxNetworkRetries bounds network retries per context. Default: 3.
	MaxNetworkRetries int

	// RetryDelay is the fixed delay for audio and recognition retries.
	// Default: 2s.
	RetryDelay time.Duration

	// SensitivityStep is the microphone-sensitivity increment attached to
	// recognition retries. Default: 0.1.
	SensitivityStep float64

	// FallbackDisabled suppresses rule 5 (recoverable-but-exhausted errors
	// fall back); such errors get ActionNone instead.
	FallbackDisabled bool

	// CleanupInterval is how often Run purges stale retry state.
	// Default: 5m.
	CleanupInterval time.Duration

	// RetentionPeriod is how old a retry record may grow before the cleanup
	// drops it. Default: 5m.
	RetentionPeriod time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// retryState tracks attempts for one (category, context) key.
type retryState struct {
	attempts      int
	lastAttemptAt time.Time
}

// Planner decides recovery actions. All methods are safe for concurrent use.
type Planner struct {
	maxRetryAttempts  int
	maxNetworkRetries int
	retryDelay        time.Duration
	sensitivityStep   float64
	fallbackEnabled   bool
	cleanupInterval   time.Duration
	retention         time.Duration
	now               func() time.Time

	mu      sync.Mutex
	retries map[string]*retryState
}

// New creates a Planner with the supplied configuration.
func New(cfg Config) *Planner {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if cfg.MaxNetworkRetries <= 0 {
		cfg.MaxNetworkRetries = defaultMaxNetworkRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.SensitivityStep <= 0 {
		cfg.SensitivityStep = defaultSensitivityStep
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaultRetentionPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Planner{
		maxRetryAttempts:  cfg.MaxRetryAttempts,
		maxNetworkRetries: cfg.MaxNetworkRetries,
		retryDelay:        cfg.RetryDelay,
		sensitivityStep:   cfg.SensitivityStep,
		fallbackEnabled:   !cfg.FallbackDisabled,
		cleanupInterval:   cfg.CleanupInterval,
		retention:         cfg.RetentionPeriod,
		now:               cfg.Now,
	}
}

// Plan returns the recovery action for one classified error. Retry verdicts
// consume retry budget as a side effect.
func (p *Planner) Plan(rec classify.Record) Action {
	// Rule 1: critical or fallback-demanding errors go straight to fallback.
	if rec.Severity == classify.SeverityCritical || rec.RequiresFallback {
		return Action{Kind: ActionFallback, Fallback: true}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch rec.Category {
	case classify.CategoryNetwork:
		// Rule 2: exponential backoff while the network budget lasts.
		st := p.state(rec)
		if st.attempts < p.maxNetworkRetries {
			delay := networkBackoffBase << st.attempts
			p.bump(st)
			return Action{Kind: ActionRetry, Delay: delay}
		}

	case classify.CategoryAudio:
		// Rule 3: fixed-delay retry with guidance. Unreachable while audio
		// errors carry RequiresFallback, but the rule stands on its own so a
		// relaxed classifier keeps working.
		st := p.state(rec)
		if st.attempts < p.maxRetryAttempts {
			p.bump(st)
			return Action{
				Kind:     ActionRetryWithGuidance,
				Delay:    p.retryDelay,
				Guidance: audioGuidance,
			}
		}

	case classify.CategoryRecognition:
		// Rule 4: fixed-delay retry with a sensitivity adjustment.
		st := p.state(rec)
		if st.attempts < p.maxRetryAttempts {
			p.bump(st)
			return Action{
				Kind:           ActionRetryWithAdjustment,
				Delay:          p.retryDelay,
				Adjustment:     AdjustSensitivity,
				AdjustmentStep: p.sensitivityStep,
			}
		}
	}

	// Rule 5: budget exhausted (or no retry rule) but still recoverable.
	if rec.Recoverable && p.fallbackEnabled {
		return Action{Kind: ActionFallback, Fallback: true}
	}

	// Rule 6: surface the classified message only.
	return Action{Kind: ActionNone}
}

// state returns (creating if needed) the retry state for rec's key.
// Must be called with p.mu held.
func (p *Planner) state(rec classify.Record) *retryState {
	if p.retries == nil {
		p.retries = make(map[string]*retryState)
	}
	k := string(rec.Category) + "|" + rec.Context
	st := p.retries[k]
	if st == nil {
		st = &retryState{}
		p.retries[k] = st
	}
	return st
}

// bump records one consumed retry. Must be called with p.mu held.
func (p *Planner) bump(st *retryState) {
	st.attempts++
	st.lastAttemptAt = p.now()
}

// Attempts returns the consumed retry budget for a (category, context) key.
func (p *Planner) Attempts(category classify.Category, context string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.retries[string(category)+"|"+context]
	if st == nil {
		return 0
	}
	return st.attempts
}

// ResetContext clears retry state for every category under the given
// operation context. Called on successful completion.
func (p *Planner) ResetContext(context string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.retries {
		if suffixAfterPipe(k) == context {
			delete(p.retries, k)
		}
	}
}

// ResetAll clears all retry state, e.g. on an explicit engine reset.
func (p *Planner) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = nil
}

// Cleanup drops retry records whose last attempt is older than maxAge and
// returns the number removed.
func (p *Planner) Cleanup(maxAge time.Duration) int {
	cutoff := p.now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for k, st := range p.retries {
		if st.lastAttemptAt.Before(cutoff) {
			delete(p.retries, k)
			removed++
		}
	}
	return removed
}

// Run purges stale retry state on the configured interval until ctx is
// cancelled.
func (p *Planner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Cleanup(p.retention); n > 0 {
				slog.Debug("recovery planner cleanup", "purged", n)
			}
		}
	}
}

// suffixAfterPipe returns the context part of a "category|context" key.
func suffixAfterPipe(k string) string {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[i+1:]
		}
	}
	return ""
}
