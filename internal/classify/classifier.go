// Package classify maps raw platform errors onto the fixed error taxonomy the
// recovery planner and session state machine operate on.
//
// Classification is a priority-ordered keyword and condition match over the
// raw error's code, name, and message: permission beats network beats audio
// beats recognition beats synthesis beats platform support. The first category
// that matches wins, so an error mentioning both "network" and "microphone" is
// classified as network.
package classify

import (
	"errors"
	"strings"
	"time"

	"github.com/voxweave/voxweave/pkg/capability"
)

// Category is the coarse error taxonomy used for recovery decisions.
type Category string

const (
	CategoryPermission      Category = "permission"
	CategoryNetwork         Category = "network"
	CategoryAudio           Category = "audio"
	CategoryRecognition     Category = "speech_recognition"
	CategorySynthesis       Category = "speech_synthesis"
	CategoryPlatformSupport Category = "browser_support"
	CategoryUnknown         Category = "unknown"
)

// Severity grades how serious a classified error is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Record is one classified failure.
type Record struct {
	// Category is the resolved taxonomy bucket.
	Category Category

	// Severity is derived from Category.
	Severity Severity

	// Recoverable reports whether automated retry is policy-permitted.
	// Permission and platform-support errors are never recoverable.
	Recoverable bool

	// RequiresFallback reports whether the error demands a switch to text
	// input regardless of retry budget.
	RequiresFallback bool

	// Context names the operation that failed (e.g. "listen", "speak").
	Context string

	// Message is the raw error text.
	Message string

	// UserMessage is the fixed user-facing text for the category.
	UserMessage string

	// Timestamp is when the error was classified.
	Timestamp time.Time
}

// userMessages is the fixed category → surfaced text table.
var userMessages = map[Category]string{
	CategoryPermission:      "Microphone access was denied. Voice input is disabled; please use text input, or grant microphone permission and reset.",
	CategoryNetwork:         "A network problem interrupted the voice service. Retrying…",
	CategoryAudio:           "There is a problem with your microphone. Check that it is connected and not in use by another application.",
	CategoryRecognition:     "Speech could not be recognized. Try speaking more clearly, or move closer to the microphone.",
	CategorySynthesis:       "Speech playback failed. The reply is available as text.",
	CategoryPlatformSupport: "Voice features are not supported on this platform. Please use text input.",
	CategoryUnknown:         "Something went wrong with the voice service.",
}

// categoryMatch holds the keyword set for one category. Categories are
// evaluated in declaration order; the first match wins.
type categoryMatch struct {
	category Category
	keywords []string
}

var matchers = []categoryMatch{
	{CategoryPermission, []string{
		"not-allowed", "service-not-allowed", "notallowederror",
		"permission", "denied", "unauthorized", "forbidden", "401", "403",
	}},
	{CategoryNetwork, []string{
		"network", "offline", "unreachable", "connection", "dial",
		"dns", "socket", "502", "503",
	}},
	{CategoryAudio, []string{
		"audio-capture", "microphone", "audio", "no input device",
		"device not found", "capture",
	}},
	{CategoryRecognition, []string{
		"no-speech", "recognition", "transcription", "transcribe", "stt",
	}},
	{CategorySynthesis, []string{
		"synthesis", "synthesize", "utterance", "tts", "voice-unavailable",
	}},
	{CategoryPlatformSupport, []string{
		"not supported", "not-supported", "unsupported", "browser",
		"insecure context",
	}},
}

// Classifier turns raw errors into [Record] values. The zero value is not
// usable; create one with [New].
type Classifier struct {
	now func() time.Time
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify resolves err into a [Record] for the given operation context.
// A nil err classifies as unknown with an empty message.
func (c *Classifier) Classify(err error, context string) Record {
	haystack := errorText(err)
	cat := CategoryUnknown
	for _, m := range matchers {
		if containsAny(haystack, m.keywords) {
			cat = m.category
			break
		}
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return Record{
		Category:         cat,
		Severity:         severityFor(cat),
		Recoverable:      cat != CategoryPlatformSupport && cat != CategoryPermission,
		RequiresFallback: cat == CategoryPlatformSupport || cat == CategoryPermission || cat == CategoryAudio,
		Context:          context,
		Message:          msg,
		UserMessage:      userMessages[cat],
		Timestamp:        c.now(),
	}
}

// severityFor derives severity from category.
func severityFor(cat Category) Severity {
	switch cat {
	case CategoryPlatformSupport, CategoryPermission:
		return SeverityCritical
	case CategoryNetwork, CategoryAudio:
		return SeverityHigh
	case CategoryRecognition, CategorySynthesis:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// errorText flattens an error's code, name, and message into one lower-case
// haystack for keyword matching.
func errorText(err error) string {
	if err == nil {
		return ""
	}
	var parts []string
	var ce *capability.Error
	if errors.As(err, &ce) {
		parts = append(parts, ce.Code, ce.Name, ce.Message)
	}
	parts = append(parts, err.Error())
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
