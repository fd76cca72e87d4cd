package engine

import (
	"time"

	"github.com/voxweave/voxweave/internal/classify"
	"github.com/voxweave/voxweave/internal/quality"
	"github.com/voxweave/voxweave/internal/recovery"
)

// EventType names an engine event.
type EventType string

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventType = "state_changed"

	// EventInterimResult carries a low-latency partial transcription.
	EventInterimResult EventType = "interim_result"

	// EventFinalResult carries an authoritative transcription with its
	// quality assessment.
	EventFinalResult EventType = "final_result"

	// EventError carries a classified failure.
	EventError EventType = "error"

	// EventRecovery announces a scheduled recovery action.
	EventRecovery EventType = "recovery"

	// EventFallback announces entry into text-input fallback.
	EventFallback EventType = "fallback_entered"

	// EventTimeout announces a forced stop after the maximum listening
	// duration elapsed.
	EventTimeout EventType = "listen_timeout"

	// EventSpeakStarted and EventSpeakEnded bracket one utterance.
	EventSpeakStarted EventType = "speak_started"
	EventSpeakEnded   EventType = "speak_ended"

	// EventSuspended and EventResumed mirror page-visibility handling.
	EventSuspended EventType = "suspended"
	EventResumed   EventType = "resumed"

	// EventVoiceRestored announces a successful explicit reset out of
	// fallback or error.
	EventVoiceRestored EventType = "voice_restored"

	// EventResourceWarning announces an approaching concurrency or memory
	// ceiling reported by the resource governor.
	EventResourceWarning EventType = "resource_warning"
)

// Event is one engine notification delivered to subscribers.
type Event struct {
	Type      EventType
	State     State
	SessionID string

	// Previous is the state left behind, set on state_changed events.
	Previous State

	// Forced marks a fallback entry driven by the consecutive-error ceiling
	// rather than a planner verdict.
	Forced bool

	// Resource names the ceiling ("sessions" or "memory") on
	// resource_warning events.
	Resource string

	// Text and Final are set on result events.
	Text  string
	Final bool

	// Assessment accompanies final results.
	Assessment *quality.Assessment

	// Error accompanies error events.
	Error *classify.Record

	// Action accompanies recovery events.
	Action *recovery.Action

	// Message is free-form user-surfaceable text.
	Message string

	At time.Time
}

// Subscribe registers an event channel. Slow subscribers miss events rather
// than back-pressuring the engine. The returned cancel function unregisters
// and closes the channel.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	var id int
	if err := e.ask(func() error {
		id = e.nextSub
		e.nextSub++
		e.subs[id] = ch
		return nil
	}); err != nil {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		_ = e.ask(func() error {
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
			return nil
		})
	}
	return ch, cancel
}

// emit delivers ev to every subscriber without blocking. Loop-only.
func (e *Engine) emit(ev Event) {
	ev.State = e.state
	ev.At = e.now()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// setState transitions the machine and emits a state_changed event. Loop-only.
func (e *Engine) setState(next State) {
	if e.state == next {
		return
	}
	prev := e.state
	if prev == StateError {
		// A superseding transition disarms the pending auto-recovery.
		e.timers.Cancel(autoRecoveryKey)
	}
	e.state = next
	e.logger.Debug("state transition", "from", prev, "to", next)
	e.emit(Event{Type: EventStateChanged, Previous: prev})
}
