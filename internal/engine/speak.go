package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxweave/voxweave/internal/analytics"
	"github.com/voxweave/voxweave/internal/governor"
	"github.com/voxweave/voxweave/pkg/capability"
)

// Speak synthesizes text. Empty or whitespace-only text is rejected. While an
// utterance is already playing the request is enqueued FIFO rather than
// interrupting; the queue is bounded and overflow is rejected.
func (e *Engine) Speak(text string) error {
	return e.ask(func() error { return e.speak(text) })
}

// speak runs on the loop.
func (e *Engine) speak(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if e.state == StateFallback {
		return ErrInFallback
	}

	prefs := e.sessionSettings()
	req := capability.SpeechRequest{
		Text:   text,
		Voice:  prefs.Voice,
		Rate:   prefs.Rate,
		Pitch:  prefs.Pitch,
		Volume: prefs.Volume,
	}

	if e.state == StateSpeaking || e.suspended {
		if len(e.speakQueue) >= e.speakQueueLimit {
			return ErrSpeakQueueFull
		}
		e.speakQueue = append(e.speakQueue, speechItem{req: req})
		return nil
	}

	return e.startSpeaking(req)
}

// startSpeaking begins one utterance. Loop-only.
func (e *Engine) startSpeaking(req capability.SpeechRequest) error {
	if !e.limiter.TryAdmit("speak", e.userID) {
		e.metrics.RecordDenial(context.Background(), "speak")
		e.emit(Event{Type: EventError, Message: "too many voice requests; please wait a moment"})
		return ErrRateLimited
	}

	sessionID := newSessionID()
	if err := e.governor.Open(sessionID, governor.SessionSpeak); err != nil {
		e.emit(Event{Type: EventError, Message: "voice resources are exhausted; please wait"})
		return fmt.Errorf("engine: admission denied: %w", err)
	}

	utt, err := e.synthesizer.Speak(context.Background(), req)
	if err != nil {
		e.governor.Release(sessionID)
		e.handleFailure(err, "speak")
		return fmt.Errorf("engine: start synthesis: %w", err)
	}

	if err := e.governor.Register(sessionID, governor.ResourceSynthesis, utt.Stop); err != nil {
		_ = utt.Stop()
		e.governor.Release(sessionID)
		e.emit(Event{Type: EventError, Message: "voice resources are exhausted; please wait"})
		return fmt.Errorf("engine: admission denied: %w", err)
	}

	e.speakID = sessionID
	e.utterance = utt
	e.speakStart = e.now()
	e.speakPaused = false
	e.lastSpeak = req
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	e.setState(StateSpeaking)
	e.emit(Event{Type: EventSpeakStarted, SessionID: sessionID, Text: req.Text})

	go e.watchUtterance(sessionID, utt)
	return nil
}

// watchUtterance forwards the utterance's completion onto the loop.
func (e *Engine) watchUtterance(sessionID string, utt capability.Utterance) {
	err := <-utt.Done()
	e.post(func() { e.onSpeakEnded(sessionID, err) })
}

// onSpeakEnded reconciles the end of an utterance and starts the next queued
// one, if any. Loop-only.
func (e *Engine) onSpeakEnded(sessionID string, err error) {
	if sessionID != e.speakID {
		e.governor.Release(sessionID)
		return
	}

	e.metrics.RecordSpeakDuration(context.Background(), e.now().Sub(e.speakStart))
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	e.governor.Release(sessionID)
	e.speakID = ""
	e.utterance = nil
	e.speakPaused = false

	if err != nil {
		if e.state == StateSpeaking {
			e.setState(StateIdle)
		}
		e.handleFailure(err, "speak")
		return
	}

	e.consecutiveErrors = 0
	e.planner.ResetContext("speak")
	e.emit(Event{Type: EventSpeakEnded, SessionID: sessionID})
	e.analytics.Record(analytics.Event{
		Type:      "speak_completed",
		SessionID: sessionID,
		UserID:    e.userID,
		At:        e.now(),
	})

	if e.state == StateSpeaking {
		e.setState(StateIdle)
	}
	e.drainSpeakQueue()
}

// drainSpeakQueue starts the next queued utterance when the engine is free to
// speak. Loop-only.
func (e *Engine) drainSpeakQueue() {
	if len(e.speakQueue) == 0 || e.suspended {
		return
	}
	if e.state != StateIdle {
		return
	}
	next := e.speakQueue[0]
	e.speakQueue = e.speakQueue[1:]
	if err := e.startSpeaking(next.req); err != nil {
		e.logger.Warn("queued utterance failed to start", "err", err)
	}
}

// QueuedSpeeches returns the number of utterances waiting in the FIFO queue.
func (e *Engine) QueuedSpeeches() int {
	var n int
	_ = e.ask(func() error {
		n = len(e.speakQueue)
		return nil
	})
	return n
}

// StopSpeaking cancels the active utterance and clears the queue. It is a
// no-op when nothing is playing.
func (e *Engine) StopSpeaking() error {
	return e.ask(func() error {
		e.speakQueue = nil
		if e.state != StateSpeaking {
			return nil
		}
		e.stopSpeakLocked(false)
		return nil
	})
}

// stopSpeakLocked cancels the active utterance. When clearQueue is set the
// FIFO queue is dropped as well. Loop-only.
func (e *Engine) stopSpeakLocked(clearQueue bool) {
	if clearQueue {
		e.speakQueue = nil
	}
	if e.utterance == nil {
		return
	}
	if err := e.utterance.Stop(); err != nil {
		e.logger.Warn("utterance stop failed", "session_id", e.speakID, "err", err)
	}
}
