// Package settings stores per-user session settings: the recognition and
// synthesis parameters the engine reads at session start.
//
// Two [Store] implementations exist: an in-memory store for tests and
// single-process deployments, and a Postgres-backed store (one JSONB row per
// user). Changes are delivered to watchers, but the engine never applies a
// change to an in-flight session; new values take effect on the next session.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Settings are the per-user session parameters.
type Settings struct {
	// Language is the BCP-47 recognition language tag.
	Language string `json:"language"`

	// Continuous keeps recognition sessions open across utterances.
	Continuous bool `json:"continuous"`

	// InterimResults requests low-latency partial recognition results.
	InterimResults bool `json:"interim_results"`

	// MaxAlternatives caps recognition hypotheses per result.
	MaxAlternatives int `json:"max_alternatives"`

	// MicrophoneSensitivity is in [0.0, 1.0].
	MicrophoneSensitivity float64 `json:"microphone_sensitivity"`

	// Voice selects the synthesis voice. Empty uses the backend default.
	Voice string `json:"voice"`

	// Rate is the speaking rate multiplier.
	Rate float64 `json:"rate"`

	// Pitch is the pitch multiplier.
	Pitch float64 `json:"pitch"`

	// Volume is the synthesis output volume in [0.0, 1.0].
	Volume float64 `json:"volume"`
}

// Default returns the settings used before a user has stored any.
func Default() Settings {
	return Settings{
		Language:              "en-US",
		Continuous:            false,
		InterimResults:        true,
		MaxAlternatives:       3,
		MicrophoneSensitivity: 0.5,
		Rate:                  1.0,
		Pitch:                 1.0,
		Volume:                1.0,
	}
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	Language              *string  `json:"language,omitempty"`
	Continuous            *bool    `json:"continuous,omitempty"`
	InterimResults        *bool    `json:"interim_results,omitempty"`
	MaxAlternatives       *int     `json:"max_alternatives,omitempty"`
	MicrophoneSensitivity *float64 `json:"microphone_sensitivity,omitempty"`
	Voice                 *string  `json:"voice,omitempty"`
	Rate                  *float64 `json:"rate,omitempty"`
	Pitch                 *float64 `json:"pitch,omitempty"`
	Volume                *float64 `json:"volume,omitempty"`
}

// Apply returns s with the patch's present fields applied. Sensitivity and
// volume are clamped to [0, 1]; max alternatives is floored at 1.
func (p Patch) Apply(s Settings) Settings {
	if p.Language != nil {
		s.Language = *p.Language
	}
	if p.Continuous != nil {
		s.Continuous = *p.Continuous
	}
	if p.InterimResults != nil {
		s.InterimResults = *p.InterimResults
	}
	if p.MaxAlternatives != nil {
		s.MaxAlternatives = max(*p.MaxAlternatives, 1)
	}
	if p.MicrophoneSensitivity != nil {
		s.MicrophoneSensitivity = clamp01(*p.MicrophoneSensitivity)
	}
	if p.Voice != nil {
		s.Voice = *p.Voice
	}
	if p.Rate != nil {
		s.Rate = *p.Rate
	}
	if p.Pitch != nil {
		s.Pitch = *p.Pitch
	}
	if p.Volume != nil {
		s.Volume = clamp01(*p.Volume)
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Change notifies watchers that a user's settings were replaced.
type Change struct {
	UserID   string
	Settings Settings
}

// Store persists per-user settings.
type Store interface {
	// Get returns the user's settings, or [Default] when none are stored.
	Get(ctx context.Context, userID string) (Settings, error)

	// Set applies patch to the user's current settings and returns the
	// result. Watchers are notified after the write succeeds.
	Set(ctx context.Context, userID string, patch Patch) (Settings, error)

	// Watch returns a channel of change notifications. Slow watchers miss
	// changes rather than blocking writers.
	Watch() <-chan Change

	// Ping verifies the store is reachable, for readiness checks.
	Ping(ctx context.Context) error
}

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("settings: store closed")

// MemStore is an in-memory Store.
type MemStore struct {
	mu       sync.Mutex
	users    map[string]Settings
	watchers []chan Change
	closed   bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{users: make(map[string]Settings)}
}

func (m *MemStore) Get(_ context.Context, userID string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Settings{}, ErrClosed
	}
	if s, ok := m.users[userID]; ok {
		return s, nil
	}
	return Default(), nil
}

func (m *MemStore) Set(_ context.Context, userID string, patch Patch) (Settings, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Settings{}, ErrClosed
	}
	cur, ok := m.users[userID]
	if !ok {
		cur = Default()
	}
	next := patch.Apply(cur)
	m.users[userID] = next
	watchers := make([]chan Change, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	notify(watchers, Change{UserID: userID, Settings: next})
	return next, nil
}

func (m *MemStore) Watch() <-chan Change {
	ch := make(chan Change, 8)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed and closes watcher channels.
func (m *MemStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
}

var _ Store = (*MemStore)(nil)

// notify delivers c to each watcher without blocking.
func notify(watchers []chan Change, c Change) {
	for _, ch := range watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

// Validate rejects settings a backend could not honor.
func Validate(s Settings) error {
	var errs []error
	if s.MaxAlternatives < 1 {
		errs = append(errs, fmt.Errorf("max_alternatives must be >= 1, got %d", s.MaxAlternatives))
	}
	if s.MicrophoneSensitivity < 0 || s.MicrophoneSensitivity > 1 {
		errs = append(errs, fmt.Errorf("microphone_sensitivity must be in [0, 1], got %v", s.MicrophoneSensitivity))
	}
	if s.Volume < 0 || s.Volume > 1 {
		errs = append(errs, fmt.Errorf("volume must be in [0, 1], got %v", s.Volume))
	}
	if s.Rate <= 0 {
		errs = append(errs, fmt.Errorf("rate must be positive, got %v", s.Rate))
	}
	if s.Pitch <= 0 {
		errs = append(errs, fmt.Errorf("pitch must be positive, got %v", s.Pitch))
	}
	return errors.Join(errs...)
}
