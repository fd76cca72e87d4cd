package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxweave/voxweave/internal/analytics"
	"github.com/voxweave/voxweave/internal/probe"
	"github.com/voxweave/voxweave/internal/recovery"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/pkg/capability"
)

// ErrIncompatible is returned by Reset when the capability probe still
// reports a missing capability.
var ErrIncompatible = errors.New("engine: platform incompatible with voice")

// autoRecoveryKey is the timer key for the error-to-idle transition.
const autoRecoveryKey = "auto-recovery"

// handleFailure classifies err, surfaces it, and executes the planned
// recovery action. Once the consecutive-error streak has reached its ceiling,
// the next error forces fallback regardless of the planner's verdict.
// Loop-only.
func (e *Engine) handleFailure(err error, opContext string) {
	rec := e.classifier.Classify(err, opContext)
	e.metrics.RecordError(context.Background(), string(rec.Category), string(rec.Severity))
	e.analytics.Record(analytics.Event{
		Type:   "error_classified",
		UserID: e.userID,
		At:     e.now(),
		Attrs: map[string]any{
			"category": string(rec.Category),
			"severity": string(rec.Severity),
			"context":  opContext,
		},
	})
	e.emit(Event{Type: EventError, Error: &rec, Message: rec.UserMessage})

	streakExceeded := e.consecutiveErrors >= e.maxConsecutiveErrors
	e.consecutiveErrors++
	if streakExceeded && e.fallbackEnabled {
		e.logger.Warn("consecutive error ceiling reached; forcing fallback",
			"errors", e.consecutiveErrors)
		e.enterFallback("repeated voice errors; switching to text input", true)
		return
	}

	action := e.planner.Plan(rec)
	switch action.Kind {
	case recovery.ActionFallback:
		if e.fallbackEnabled {
			e.enterFallback(rec.UserMessage, false)
			return
		}
		e.errorThenRecover()

	case recovery.ActionRetry, recovery.ActionRetryWithGuidance, recovery.ActionRetryWithAdjustment:
		e.metrics.RecordRetry(context.Background(), string(action.Kind))
		e.emit(Event{Type: EventRecovery, Action: &action, Message: action.Guidance})
		if action.Adjustment == recovery.AdjustSensitivity {
			go e.raiseSensitivity(action.AdjustmentStep)
		}
		e.errorThenRecover()
		ctxName := opContext
		e.timers.Schedule("retry:"+ctxName, action.Delay, func() {
			e.post(func() { e.retryOperation(ctxName) })
		})

	case recovery.ActionNone:
		e.errorThenRecover()
	}
}

// errorThenRecover enters the error state and arms the auto-recovery timer
// back to idle. Loop-only.
func (e *Engine) errorThenRecover() {
	if e.state == StateFallback {
		return
	}
	e.setState(StateError)
	e.timers.Schedule(autoRecoveryKey, e.autoRecoveryDelay, func() {
		e.post(func() {
			if e.state == StateError {
				e.setState(StateIdle)
				e.drainSpeakQueue()
			}
		})
	})
}

// retryOperation reattempts the failed operation once its backoff elapses.
// Loop-only.
func (e *Engine) retryOperation(opContext string) {
	if e.state == StateFallback || e.suspended {
		return
	}
	if e.state == StateError {
		e.setState(StateIdle)
	}

	switch opContext {
	case "listen":
		if e.state != StateIdle {
			return
		}
		if err := e.startListening(); err != nil {
			e.logger.Warn("listen retry failed", "err", err)
		}
	case "speak":
		if e.state != StateIdle || e.lastSpeak.Text == "" {
			return
		}
		if err := e.startSpeaking(e.lastSpeak); err != nil {
			e.logger.Warn("speak retry failed", "err", err)
		}
	}
}

// raiseSensitivity applies the planner's microphone-sensitivity adjustment to
// the settings store so the retry picks it up. The store clamps to [0, 1].
func (e *Engine) raiseSensitivity(step float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := e.settings.Get(ctx, e.userID)
	if err != nil {
		e.logger.Warn("sensitivity adjustment: settings read failed", "err", err)
		return
	}
	next := cur.MicrophoneSensitivity + step
	if next > 1.0 {
		next = 1.0
	}
	if _, err := e.settings.Set(ctx, e.userID, settings.Patch{MicrophoneSensitivity: &next}); err != nil {
		e.logger.Warn("sensitivity adjustment: settings write failed", "err", err)
	}
}

// enterFallback switches to text-input fallback: every pending timer is
// cancelled, the active session and utterance are stopped, and the queue is
// dropped. forced marks the consecutive-error ceiling as the trigger, as
// opposed to a planner verdict. Fallback is terminal until an explicit Reset
// succeeds. Loop-only.
func (e *Engine) enterFallback(msg string, forced bool) {
	if e.state == StateFallback {
		return
	}
	e.timers.CancelPrefix("retry:")
	e.timers.Cancel(autoRecoveryKey)
	e.stopListenLocked()
	e.stopSpeakLocked(true)

	e.metrics.FallbackEntries.Add(context.Background(), 1)
	e.setState(StateFallback)
	e.emit(Event{Type: EventFallback, Message: msg, Forced: forced})
	e.analytics.Record(analytics.Event{
		Type:   "fallback_entered",
		UserID: e.userID,
		At:     e.now(),
		Attrs:  map[string]any{"reason": msg, "forced": forced},
	})
	e.logger.Warn("entered text-input fallback", "reason", msg, "forced", forced)
}

// Reset explicitly re-validates the platform and, when both the capability
// probe and a live microphone check succeed, returns the engine to idle. It
// is the only way out of fallback. Error streaks, retry budgets, and the
// quality streak are cleared.
func (e *Engine) Reset(ctx context.Context) error {
	// Probe and microphone check run outside the loop: RequestMicrophone may
	// block on a user prompt and must not stall event processing.
	report := probe.Run(e.caps)
	if !report.Overall.Compatible {
		return fmt.Errorf("%w: %v", ErrIncompatible, report.Overall.Recommendations)
	}
	if err := e.media.RequestMicrophone(ctx); err != nil {
		return fmt.Errorf("engine: microphone check failed: %w", err)
	}

	return e.ask(func() error {
		e.timers.CancelPrefix("")
		e.stopListenLocked()
		e.stopSpeakLocked(true)
		e.consecutiveErrors = 0
		e.suspended = false
		e.planner.ResetAll()
		e.assessor.Reset()
		e.setState(StateIdle)
		e.emit(Event{Type: EventVoiceRestored})
		e.analytics.Record(analytics.Event{
			Type:   "engine_reset",
			UserID: e.userID,
			At:     e.now(),
		})
		return nil
	})
}

// Suspend handles the page-hidden signal: speech is paused (stopped when the
// backend cannot pause), listening is stopped and its handles released, and
// pending retries are cancelled. Queued utterances are retained.
func (e *Engine) Suspend() {
	_ = e.ask(func() error {
		if e.suspended {
			return nil
		}
		e.suspended = true
		e.timers.CancelPrefix("retry:")

		if e.state == StateSpeaking && e.utterance != nil {
			if err := e.utterance.Pause(); err != nil {
				if errors.Is(err, capability.ErrNotSupported) {
					e.stopSpeakLocked(false)
				} else {
					e.logger.Warn("pause failed", "err", err)
				}
			} else {
				e.speakPaused = true
			}
		}
		e.stopListenLocked()
		e.emit(Event{Type: EventSuspended})
		return nil
	})
}

// Resume handles the page-visible signal: paused speech resumes, but
// listening is never restarted automatically.
func (e *Engine) Resume() {
	_ = e.ask(func() error {
		if !e.suspended {
			return nil
		}
		e.suspended = false

		if e.speakPaused && e.utterance != nil {
			if err := e.utterance.Resume(); err != nil {
				e.logger.Warn("resume failed", "err", err)
			}
			e.speakPaused = false
		}
		e.emit(Event{Type: EventResumed})
		e.drainSpeakQueue()
		return nil
	})
}
