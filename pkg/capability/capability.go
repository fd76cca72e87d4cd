// Package capability defines the interfaces between the Voxweave engine and
// the platform's speech facilities: speech recognition, speech synthesis, and
// microphone access.
//
// The engine never talks to a concrete speech backend directly. It is handed a
// [Capabilities] implementation describing what the platform supports, plus a
// [Recognizer], [Synthesizer], and [MediaAccess] for the actual work. One
// implementation exists per target platform (see the mock, openai, deepgram,
// and polly subpackages), which keeps the resilience logic deterministic and
// unit-testable without a live backend.
//
// Implementations must be safe for concurrent use. Result and completion
// channels are goroutine-safe by construction.
package capability

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional operations (for example
// [Utterance.Pause]) that a particular backend cannot perform.
var ErrNotSupported = errors.New("capability: operation not supported")

// RecognitionSupport describes the platform's speech-to-text facility.
type RecognitionSupport struct {
	// Supported reports whether speech recognition is available at all.
	Supported bool

	// Implementation tags the backing implementation (e.g. "deepgram",
	// "openai-whisper", "mock"). Informational only.
	Implementation string
}

// SynthesisSupport describes the platform's text-to-speech facility.
type SynthesisSupport struct {
	Supported bool
}

// MediaSupport describes whether microphone capture is available.
type MediaSupport struct {
	Supported bool
}

// Capabilities is the read-only view of what the current platform can do.
// Probing it must have no side effects beyond reading platform state.
type Capabilities interface {
	// Recognition reports speech-to-text support.
	Recognition() RecognitionSupport

	// Synthesis reports text-to-speech support.
	Synthesis() SynthesisSupport

	// Media reports microphone capture support.
	Media() MediaSupport

	// SecureContext reports whether the engine runs in a secure execution
	// context (required by most platforms before granting microphone access).
	SecureContext() bool

	// Caveats returns known platform quirks worth surfacing to the user
	// (e.g. a browser family with incomplete recognition support). Caveats
	// are advisory and never count as missing support.
	Caveats() []string
}

// Alternative is one transcription hypothesis for an utterance.
type Alternative struct {
	// Text is the transcribed content.
	Text string

	// Confidence is the recognizer's confidence in this hypothesis (0.0–1.0).
	// May be zero when the backend does not report confidence.
	Confidence float64
}

// Result is a single recognition result, interim or final.
type Result struct {
	// Alternatives holds the hypotheses for this utterance, best first.
	// Never empty for a valid result.
	Alternatives []Alternative

	// Final indicates an authoritative result. Interim results are suitable
	// for UI feedback only.
	Final bool
}

// Best returns the first alternative, or a zero [Alternative] when none exist.
func (r Result) Best() Alternative {
	if len(r.Alternatives) == 0 {
		return Alternative{}
	}
	return r.Alternatives[0]
}

// RecognitionConfig carries the per-session recognition settings the engine
// reads from the settings store at session start.
type RecognitionConfig struct {
	// Language is the BCP-47 language tag (e.g. "en-US"). Empty lets the
	// backend auto-detect, if supported.
	Language string

	// Continuous keeps the session open across utterances instead of ending
	// after the first final result.
	Continuous bool

	// InterimResults requests low-latency partial results.
	InterimResults bool

	// MaxAlternatives caps the number of hypotheses per result.
	MaxAlternatives int

	// Sensitivity is the microphone sensitivity in [0.0, 1.0]. Backends that
	// have no such knob may ignore it.
	Sensitivity float64
}

// RecognitionSession is one open recognition stream.
//
// Callers must call Stop when the session is no longer needed; failing to do
// so may leak goroutines and connections inside the implementation. All
// methods must be safe for concurrent use.
type RecognitionSession interface {
	// Results returns the channel of interim and final results. It is closed
	// when the session ends.
	Results() <-chan Result

	// Done delivers exactly one value when the session terminates: nil for a
	// clean end (including Stop), a non-nil error otherwise. The channel is
	// closed afterwards.
	Done() <-chan error

	// Stop requests cancellation. Completion is asynchronous: callers must
	// wait on Done before assuming resources are released. Calling Stop more
	// than once is safe.
	Stop() error
}

// Recognizer starts recognition sessions.
type Recognizer interface {
	// Start opens a recognition session. It returns an error when the session
	// cannot be established (authentication failure, unsupported config, or
	// ctx already cancelled). The caller owns the session and must Stop it.
	Start(ctx context.Context, cfg RecognitionConfig) (RecognitionSession, error)
}

// SpeechRequest describes one utterance to synthesize.
type SpeechRequest struct {
	// Text is the content to speak. Must be non-empty.
	Text string

	// Voice selects a backend-specific voice. Empty uses the default.
	Voice string

	// Rate is the speaking rate multiplier (1.0 = normal).
	Rate float64

	// Pitch is the pitch multiplier (1.0 = normal).
	Pitch float64

	// Volume is the output volume in [0.0, 1.0].
	Volume float64
}

// Utterance is one in-flight synthesis operation.
//
// All methods must be safe for concurrent use.
type Utterance interface {
	// Done delivers exactly one value when playback terminates: nil on
	// completion or Stop, a non-nil error on failure. Closed afterwards.
	Done() <-chan error

	// Pause suspends playback. Backends without pause support return
	// [ErrNotSupported].
	Pause() error

	// Resume continues paused playback. Backends without pause support return
	// [ErrNotSupported].
	Resume() error

	// Stop cancels playback. Completion is asynchronous via Done. Calling
	// Stop more than once is safe.
	Stop() error
}

// Synthesizer starts synthesis operations.
type Synthesizer interface {
	// Speak begins synthesizing req. The caller owns the returned utterance.
	Speak(ctx context.Context, req SpeechRequest) (Utterance, error)
}

// MediaAccess performs live microphone checks. A successful call implies the
// platform would grant capture right now.
type MediaAccess interface {
	// RequestMicrophone performs a live microphone-access check, prompting
	// the user if the platform requires it. It blocks until the platform
	// answers or ctx is cancelled.
	RequestMicrophone(ctx context.Context) error
}
