// Package mock provides test doubles for the capability package interfaces.
//
// Use Recognizer to verify that the engine starts sessions with the expected
// RecognitionConfig and to feed controlled results; use Synthesizer to drive
// utterance completion from test code. Capabilities is a plain struct whose
// fields map directly onto the reported support.
//
// Example:
//
//	rec := &mock.Recognizer{}
//	// ... engine.StartListening() ...
//	sess := rec.LastSession()
//	sess.EmitFinal("hello", 0.9)
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/voxweave/voxweave/pkg/capability"
)

// Capabilities is a mock implementation of capability.Capabilities.
type Capabilities struct {
	RecognitionSupport capability.RecognitionSupport
	SynthesisSupport   capability.SynthesisSupport
	MediaSupport       capability.MediaSupport
	Secure             bool
	PlatformCaveats    []string
}

// FullSupport returns Capabilities reporting support for everything.
func FullSupport() *Capabilities {
	return &Capabilities{
		RecognitionSupport: capability.RecognitionSupport{Supported: true, Implementation: "mock"},
		SynthesisSupport:   capability.SynthesisSupport{Supported: true},
		MediaSupport:       capability.MediaSupport{Supported: true},
		Secure:             true,
	}
}

func (c *Capabilities) Recognition() capability.RecognitionSupport { return c.RecognitionSupport }

func (c *Capabilities) Synthesis() capability.SynthesisSupport { return c.SynthesisSupport }

func (c *Capabilities) Media() capability.MediaSupport { return c.MediaSupport }

func (c *Capabilities) SecureContext() bool { return c.Secure }

func (c *Capabilities) Caveats() []string { return c.PlatformCaveats }

var _ capability.Capabilities = (*Capabilities)(nil)

// StartCall records a single invocation of Recognizer.Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// Cfg is the RecognitionConfig passed to Start.
	Cfg capability.RecognitionConfig
}

// Recognizer is a mock implementation of capability.Recognizer. Each Start
// call creates a new Session unless StartErr is set.
type Recognizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start.
	StartCalls []StartCall

	sessions []*Session
}

// Start records the call and returns a fresh Session, or StartErr if set.
func (r *Recognizer) Start(ctx context.Context, cfg capability.RecognitionConfig) (capability.RecognitionSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	s := NewSession()
	r.sessions = append(r.sessions, s)
	return s, nil
}

// LastSession returns the most recently started Session, or nil.
func (r *Recognizer) LastSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

// SessionCount returns how many sessions have been started.
func (r *Recognizer) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

var _ capability.Recognizer = (*Recognizer)(nil)

// Session is a scriptable capability.RecognitionSession.
type Session struct {
	results chan capability.Result
	done    chan error

	mu      sync.Mutex
	ended   bool
	stopped bool
}

// NewSession creates a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		results: make(chan capability.Result, 16),
		done:    make(chan error, 1),
	}
}

func (s *Session) Results() <-chan capability.Result { return s.results }

func (s *Session) Done() <-chan error { return s.done }

// Stop marks the session stopped and ends it cleanly.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// EmitInterim delivers an interim result with a single alternative.
func (s *Session) EmitInterim(text string, confidence float64) {
	s.emit(capability.Result{
		Alternatives: []capability.Alternative{{Text: text, Confidence: confidence}},
	})
}

// EmitFinal delivers a final result with a single alternative.
func (s *Session) EmitFinal(text string, confidence float64) {
	s.emit(capability.Result{
		Alternatives: []capability.Alternative{{Text: text, Confidence: confidence}},
		Final:        true,
	})
}

// Emit delivers an arbitrary result.
func (s *Session) Emit(res capability.Result) { s.emit(res) }

func (s *Session) emit(res capability.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.results <- res
}

// End terminates the session, delivering err (nil for a clean end) on Done
// and closing both channels. Safe to call more than once.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.results)
	s.done <- err
	close(s.done)
}

var _ capability.RecognitionSession = (*Session)(nil)

// SpeakCall records a single invocation of Synthesizer.Speak.
type SpeakCall struct {
	Ctx context.Context
	Req capability.SpeechRequest
}

// Synthesizer is a mock implementation of capability.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned as the error from Speak.
	SpeakErr error

	// SpeakCalls records every call to Speak.
	SpeakCalls []SpeakCall

	utterances []*Utterance
}

// Speak records the call and returns a fresh Utterance, or SpeakErr if set.
func (s *Synthesizer) Speak(ctx context.Context, req capability.SpeechRequest) (capability.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SpeakCalls = append(s.SpeakCalls, SpeakCall{Ctx: ctx, Req: req})
	if s.SpeakErr != nil {
		return nil, s.SpeakErr
	}
	u := NewUtterance()
	s.utterances = append(s.utterances, u)
	return u, nil
}

// LastUtterance returns the most recently created Utterance, or nil.
func (s *Synthesizer) LastUtterance() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.utterances) == 0 {
		return nil
	}
	return s.utterances[len(s.utterances)-1]
}

// UtteranceCount returns how many utterances have been started.
func (s *Synthesizer) UtteranceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.utterances)
}

var _ capability.Synthesizer = (*Synthesizer)(nil)

// Utterance is a scriptable capability.Utterance.
type Utterance struct {
	done chan error

	mu      sync.Mutex
	ended   bool
	paused  bool
	stopped bool
}

// NewUtterance creates an Utterance that completes when Complete is called.
func NewUtterance() *Utterance {
	return &Utterance{done: make(chan error, 1)}
}

func (u *Utterance) Done() <-chan error { return u.done }

func (u *Utterance) Pause() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused = true
	return nil
}

func (u *Utterance) Resume() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paused = false
	return nil
}

// Paused reports whether the utterance is currently paused.
func (u *Utterance) Paused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

// Stop marks the utterance stopped and completes it cleanly.
func (u *Utterance) Stop() error {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.Complete(nil)
	return nil
}

// Stopped reports whether Stop has been called.
func (u *Utterance) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// Complete terminates the utterance, delivering err (nil for success) on Done.
// Safe to call more than once.
func (u *Utterance) Complete(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ended {
		return
	}
	u.ended = true
	u.done <- err
	close(u.done)
}

var _ capability.Utterance = (*Utterance)(nil)

// Media is a mock implementation of capability.MediaAccess.
type Media struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from RequestMicrophone.
	Err error

	// Calls counts RequestMicrophone invocations.
	Calls int
}

// RequestMicrophone records the call and returns Err.
func (m *Media) RequestMicrophone(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return m.Err
}

// SetErr replaces the configured error. Thread-safe.
func (m *Media) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

var _ capability.MediaAccess = (*Media)(nil)
