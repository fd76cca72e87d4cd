package engine

import (
	"context"
	"fmt"

	"github.com/voxweave/voxweave/internal/analytics"
	"github.com/voxweave/voxweave/internal/governor"
	"github.com/voxweave/voxweave/pkg/capability"
)

// StartListening opens a recognition session. It fails fast when the engine
// is in fallback or already listening; admission is requested from the rate
// limiter and the resource governor, and a denial surfaces an error without
// any state change. On success the engine transitions to listening and arms
// the maximum-duration timer.
func (e *Engine) StartListening() error {
	return e.ask(e.startListening)
}

// startListening runs on the loop.
func (e *Engine) startListening() error {
	switch {
	case e.state == StateFallback:
		return ErrInFallback
	case e.state == StateListening:
		return ErrAlreadyListening
	case e.suspended:
		return ErrSuspended
	}

	if !e.limiter.TryAdmit("listen", e.userID) {
		e.metrics.RecordDenial(context.Background(), "listen")
		e.emit(Event{Type: EventError, Message: "too many voice requests; please wait a moment"})
		return ErrRateLimited
	}
	if err := e.governor.Admit(governor.SessionListen); err != nil {
		e.emit(Event{Type: EventError, Message: "voice resources are exhausted; please wait"})
		return fmt.Errorf("engine: admission denied: %w", err)
	}

	prefs := e.sessionSettings()
	sessionID := newSessionID()

	if err := e.governor.Open(sessionID, governor.SessionListen); err != nil {
		return fmt.Errorf("engine: admission denied: %w", err)
	}

	sess, err := e.recognizer.Start(context.Background(), capability.RecognitionConfig{
		Language:        prefs.Language,
		Continuous:      prefs.Continuous,
		InterimResults:  prefs.InterimResults,
		MaxAlternatives: prefs.MaxAlternatives,
		Sensitivity:     prefs.MicrophoneSensitivity,
	})
	if err != nil {
		e.governor.Release(sessionID)
		e.handleFailure(err, "listen")
		return fmt.Errorf("engine: start recognition: %w", err)
	}

	if err := e.governor.Register(sessionID, governor.ResourceRecognition, sess.Stop); err != nil {
		_ = sess.Stop()
		e.governor.Release(sessionID)
		e.emit(Event{Type: EventError, Message: "voice resources are exhausted; please wait"})
		return fmt.Errorf("engine: admission denied: %w", err)
	}

	e.listenID = sessionID
	e.listenSession = sess
	e.listenStart = e.now()
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	e.setState(StateListening)

	e.timers.Schedule(sessionID+":max-duration", e.maxListenDuration, func() {
		e.post(func() { e.listenTimeout(sessionID) })
	})

	go e.watchRecognition(sessionID, sess)

	e.analytics.Record(analytics.Event{
		Type:      "listen_started",
		SessionID: sessionID,
		UserID:    e.userID,
		At:        e.now(),
	})
	return nil
}

// watchRecognition forwards platform callbacks onto the loop.
func (e *Engine) watchRecognition(sessionID string, sess capability.RecognitionSession) {
	for res := range sess.Results() {
		res := res
		e.post(func() { e.onRecognitionResult(sessionID, res) })
	}
	err := <-sess.Done()
	e.post(func() { e.onListenEnded(sessionID, err) })
}

// onRecognitionResult handles one interim or final result. Loop-only.
func (e *Engine) onRecognitionResult(sessionID string, res capability.Result) {
	if sessionID != e.listenID {
		return
	}

	best := res.Best()
	if !res.Final {
		e.emit(Event{
			Type:      EventInterimResult,
			SessionID: sessionID,
			Text:      best.Text,
		})
		return
	}

	assessment := e.assessor.Assess(&res)
	e.metrics.RecordQuality(context.Background(), string(assessment.Tier))
	e.emit(Event{
		Type:       EventFinalResult,
		SessionID:  sessionID,
		Text:       best.Text,
		Final:      true,
		Assessment: &assessment,
	})
	e.analytics.Record(analytics.Event{
		Type:      "final_result",
		SessionID: sessionID,
		UserID:    e.userID,
		At:        e.now(),
		Attrs: map[string]any{
			"tier":       string(assessment.Tier),
			"confidence": assessment.Confidence,
		},
	})
}

// listenTimeout forces a stop once the maximum listening duration elapses.
// Only the session identity gates the stop: the engine may have moved on to
// speaking in the meantime, and the recording must still end. Loop-only.
func (e *Engine) listenTimeout(sessionID string) {
	if sessionID != e.listenID || e.listenSession == nil {
		return
	}
	e.logger.Info("maximum listening duration reached; forcing stop",
		"session_id", sessionID, "max", e.maxListenDuration)
	e.emit(Event{
		Type:      EventTimeout,
		SessionID: sessionID,
		Message:   "listening stopped automatically after the maximum duration",
	})
	_ = e.listenSession.Stop()
}

// onListenEnded reconciles the end of a recognition session. Loop-only.
func (e *Engine) onListenEnded(sessionID string, err error) {
	if sessionID != e.listenID {
		// A superseded session; its handles were already released.
		e.governor.Release(sessionID)
		return
	}

	e.timers.CancelPrefix(sessionID)
	e.metrics.RecordListenDuration(context.Background(), e.now().Sub(e.listenStart))
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	e.governor.Release(sessionID)
	e.listenID = ""
	e.listenSession = nil

	if err == nil {
		e.consecutiveErrors = 0
		e.planner.ResetContext("listen")
		if e.state == StateListening {
			e.setState(StateIdle)
		}
		e.analytics.Record(analytics.Event{
			Type:      "listen_completed",
			SessionID: sessionID,
			UserID:    e.userID,
			At:        e.now(),
		})
		return
	}

	if e.state == StateListening {
		e.setState(StateIdle)
	}
	e.handleFailure(err, "listen")
}

// StopListening stops the active recognition session. It is a no-op when the
// engine is not listening. Completion is asynchronous: the transition to idle
// happens when the session's end is observed.
func (e *Engine) StopListening() error {
	return e.ask(func() error {
		if e.state != StateListening {
			return nil
		}
		e.stopListenLocked()
		return nil
	})
}

// stopListenLocked requests cancellation of the active session. Loop-only.
func (e *Engine) stopListenLocked() {
	if e.listenSession == nil {
		return
	}
	if err := e.listenSession.Stop(); err != nil {
		e.logger.Warn("recognition stop failed", "session_id", e.listenID, "err", err)
	}
}
