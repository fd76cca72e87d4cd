// Package engine implements the voice session state machine that ties the
// resilience components together: capability probing, rate-limited and
// governed admission, quality assessment, error classification, recovery
// planning, and deterministic fallback to text input.
//
// The engine is an actor: one goroutine consumes an internal operation queue,
// so every state transition and every platform event is applied in order.
// Command methods are synchronous asks into that loop. Platform callbacks
// (recognition results, utterance completion, timers) are posted onto the same
// queue, which preserves per-session ordering without locks around state.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxweave/voxweave/internal/analytics"
	"github.com/voxweave/voxweave/internal/classify"
	"github.com/voxweave/voxweave/internal/governor"
	"github.com/voxweave/voxweave/internal/observe"
	"github.com/voxweave/voxweave/internal/probe"
	"github.com/voxweave/voxweave/internal/quality"
	"github.com/voxweave/voxweave/internal/ratelimit"
	"github.com/voxweave/voxweave/internal/recovery"
	"github.com/voxweave/voxweave/internal/sched"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/pkg/capability"
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
	StateError     State = "error"
	StateFallback  State = "fallback"
)

// Command surface errors.
var (
	ErrClosed           = errors.New("engine: closed")
	ErrInFallback       = errors.New("engine: in text-input fallback; reset required")
	ErrAlreadyListening = errors.New("engine: already listening")
	ErrSuspended        = errors.New("engine: suspended")
	ErrRateLimited      = errors.New("engine: rate limited")
	ErrEmptyText        = errors.New("engine: empty text")
	ErrSpeakQueueFull   = errors.New("engine: speak queue full")
)

// Defaults.
const (
	defaultMaxListenDuration    = 30 * time.Second
	defaultAutoRecoveryDelay    = 3 * time.Second
	defaultMaxConsecutiveErrors = 3
	defaultSpeakQueueLimit      = 32
)

// Deps carries the engine's collaborators. Caps, Recognizer, Synthesizer, and
// Media are required; nil resilience components are replaced with
// default-configured instances so tests can construct engines tersely.
type Deps struct {
	Caps        capability.Capabilities
	Recognizer  capability.Recognizer
	Synthesizer capability.Synthesizer
	Media       capability.MediaAccess

	Limiter    *ratelimit.Limiter
	Governor   *governor.Governor
	Classifier *classify.Classifier
	Planner    *recovery.Planner
	Assessor   *quality.Assessor
	Settings   settings.Store
	Analytics  analytics.Sink
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// Config tunes an [Engine]. Zero values use the documented defaults.
type Config struct {
	// UserID keys rate limiting and the settings store.
	UserID string

	// MaxListenDuration forces a listening session to stop after this long.
	// Default: 30s.
	MaxListenDuration time.Duration

	// AutoRecoveryDelay is how long the engine stays in the error state
	// before returning to idle. Default: 3s.
	AutoRecoveryDelay time.Duration

	// MaxConsecutiveErrors is the error streak past which the next error
	// forces fallback regardless of the planner's verdict. Default: 3.
	MaxConsecutiveErrors int

	// SpeakQueueLimit bounds the FIFO utterance queue. Default: 32.
	SpeakQueueLimit int

	// FallbackDisabled turns off automatic fallback-to-text.
	FallbackDisabled bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// speechItem is one queued utterance.
type speechItem struct {
	req capability.SpeechRequest
}

// Engine is the session state machine. All exported methods are safe for
// concurrent use; they are serialised through the internal operation queue.
type Engine struct {
	caps        capability.Capabilities
	recognizer  capability.Recognizer
	synthesizer capability.Synthesizer
	media       capability.MediaAccess

	limiter    *ratelimit.Limiter
	governor   *governor.Governor
	classifier *classify.Classifier
	planner    *recovery.Planner
	assessor   *quality.Assessor
	settings   settings.Store
	analytics  analytics.Sink
	metrics    *observe.Metrics
	logger     *slog.Logger
	timers     *sched.Scheduler

	userID               string
	maxListenDuration    time.Duration
	autoRecoveryDelay    time.Duration
	maxConsecutiveErrors int
	speakQueueLimit      int
	fallbackEnabled      bool
	now                  func() time.Time

	ops    chan func()
	closed chan struct{}
	done   chan struct{}

	// Loop-owned state. Touched only from run().
	state             State
	suspended         bool
	consecutiveErrors int

	listenID      string
	listenSession capability.RecognitionSession
	listenStart   time.Time

	speakID     string
	utterance   capability.Utterance
	speakStart  time.Time
	speakQueue  []speechItem
	lastSpeak   capability.SpeechRequest
	speakPaused bool

	subs    map[int]chan Event
	nextSub int
}

// New creates and starts an Engine. The initial capability probe decides the
// starting state: a platform missing any voice capability begins in fallback.
func New(deps Deps, cfg Config) *Engine {
	if cfg.MaxListenDuration <= 0 {
		cfg.MaxListenDuration = defaultMaxListenDuration
	}
	if cfg.AutoRecoveryDelay <= 0 {
		cfg.AutoRecoveryDelay = defaultAutoRecoveryDelay
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if cfg.SpeakQueueLimit <= 0 {
		cfg.SpeakQueueLimit = defaultSpeakQueueLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{})
	}
	if deps.Governor == nil {
		deps.Governor = governor.New(governor.Config{})
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	if deps.Planner == nil {
		deps.Planner = recovery.New(recovery.Config{FallbackDisabled: cfg.FallbackDisabled})
	}
	if deps.Assessor == nil {
		deps.Assessor = quality.New(quality.Config{})
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewMemStore()
	}
	if deps.Analytics == nil {
		deps.Analytics = analytics.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		caps:        deps.Caps,
		recognizer:  deps.Recognizer,
		synthesizer: deps.Synthesizer,
		media:       deps.Media,
		limiter:     deps.Limiter,
		governor:    deps.Governor,
		classifier:  deps.Classifier,
		planner:     deps.Planner,
		assessor:    deps.Assessor,
		settings:    deps.Settings,
		analytics:   deps.Analytics,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		timers:      sched.New(),

		userID:               cfg.UserID,
		maxListenDuration:    cfg.MaxListenDuration,
		autoRecoveryDelay:    cfg.AutoRecoveryDelay,
		maxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		speakQueueLimit:      cfg.SpeakQueueLimit,
		fallbackEnabled:      !cfg.FallbackDisabled,
		now:                  cfg.Now,

		ops:    make(chan func(), 128),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateIdle,
		subs:   make(map[int]chan Event),
	}

	report := probe.Run(e.caps)
	if report.Overall.FallbackRequired {
		e.state = StateFallback
		e.logger.Warn("platform incompatible with voice; starting in fallback",
			"recommendations", report.Overall.Recommendations)
	}

	go e.run()
	return e
}

// run is the single consumer of the operation queue.
func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.closed:
			// Drain whatever is queued so replies are not orphaned.
			for {
				select {
				case op := <-e.ops:
					op()
				default:
					return
				}
			}
		case op := <-e.ops:
			op()
		}
	}
}

// post enqueues an operation, reporting false after Close.
func (e *Engine) post(op func()) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.ops <- op:
		return true
	case <-e.closed:
		return false
	}
}

// ask runs fn on the loop and waits for its result.
func (e *Engine) ask(fn func() error) error {
	reply := make(chan error, 1)
	if !e.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	var s State
	if err := e.ask(func() error {
		s = e.state
		return nil
	}); err != nil {
		return StateFallback
	}
	return s
}

// ConsecutiveErrors returns the current error streak.
func (e *Engine) ConsecutiveErrors() int {
	var n int
	_ = e.ask(func() error {
		n = e.consecutiveErrors
		return nil
	})
	return n
}

// Close stops the engine: every timer is cancelled, the active session and
// utterance are force-released, and subscriber channels are closed.
func (e *Engine) Close() {
	err := e.ask(func() error {
		e.timers.Stop()
		e.stopListenLocked()
		e.stopSpeakLocked(true)
		e.governor.ReleaseAll()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
		close(e.closed)
		return nil
	})
	if err != nil {
		return
	}
	<-e.done
}

// HandleStaleSession is the governor's stale-sweep hook: the governor already
// force-released the session's handles, so the engine only reconciles state.
// The superseded session's later completion callback sees a mismatched id and
// must not touch the gauge again, so the decrement happens here.
func (e *Engine) HandleStaleSession(sessionID string) {
	e.post(func() {
		switch sessionID {
		case e.listenID:
			e.timers.CancelPrefix(sessionID)
			e.listenID = ""
			e.listenSession = nil
			e.metrics.ActiveSessions.Add(context.Background(), -1)
			if e.state == StateListening {
				e.setState(StateIdle)
			}
		case e.speakID:
			e.timers.CancelPrefix(sessionID)
			e.speakID = ""
			e.utterance = nil
			e.metrics.ActiveSessions.Add(context.Background(), -1)
			if e.state == StateSpeaking {
				e.setState(StateIdle)
			}
		}
		e.logger.Warn("stale session reclaimed", "session_id", sessionID)
	})
}

// HandleResourceWarning surfaces a governor ceiling warning (approaching the
// session or memory budget) to subscribers as a resource_warning event.
func (e *Engine) HandleResourceWarning(kind, message string) {
	e.post(func() {
		e.emit(Event{Type: EventResourceWarning, Resource: kind, Message: message})
	})
}

// newSessionID returns a fresh session identifier.
func newSessionID() string {
	return uuid.NewString()
}

// sessionSettings reads the user's settings with a short deadline so a slow
// store cannot stall the loop indefinitely.
func (e *Engine) sessionSettings() settings.Settings {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := e.settings.Get(ctx, e.userID)
	if err != nil {
		e.logger.Warn("settings read failed; using defaults", "err", err)
		return settings.Default()
	}
	return s
}
