// Package probe turns a [capability.Capabilities] implementation into a
// structured compatibility report.
//
// Run is a pure query: it reads platform state and nothing else, so it can be
// repeated at any time (startup, explicit reset, readiness checks) without
// side effects.
package probe

import (
	"github.com/voxweave/voxweave/pkg/capability"
)

// Feature is one probed capability in a [Report].
type Feature struct {
	// Supported reports whether the capability is available.
	Supported bool `json:"supported"`

	// Implementation tags the backing implementation, when known.
	Implementation string `json:"implementation,omitempty"`
}

// Overall is the aggregate verdict of a probe run.
type Overall struct {
	// Compatible is true only when recognition, synthesis, and microphone
	// access are all supported.
	Compatible bool `json:"compatible"`

	// FallbackRequired mirrors !Compatible: the engine must run in text-input
	// fallback from the start.
	FallbackRequired bool `json:"fallback_required"`

	// Recommendations carries user-surfaceable advice: what is missing, and
	// any advisory platform caveats. Caveats never flip Compatible.
	Recommendations []string `json:"recommendations,omitempty"`
}

// Report is the result of probing a platform's speech capabilities.
type Report struct {
	Recognition Feature `json:"speech_recognition"`
	Synthesis   Feature `json:"speech_synthesis"`
	Media       Feature `json:"media_access"`

	// SecureContext reports whether the engine runs in a secure execution
	// context. Most platforms refuse microphone access without one.
	SecureContext bool `json:"secure_context"`

	Overall Overall `json:"overall"`
}

// Run probes caps and assembles the compatibility report.
func Run(caps capability.Capabilities) Report {
	rec := caps.Recognition()
	syn := caps.Synthesis()
	med := caps.Media()

	r := Report{
		Recognition:   Feature{Supported: rec.Supported, Implementation: rec.Implementation},
		Synthesis:     Feature{Supported: syn.Supported},
		Media:         Feature{Supported: med.Supported},
		SecureContext: caps.SecureContext(),
	}

	r.Overall.Compatible = rec.Supported && syn.Supported && med.Supported
	r.Overall.FallbackRequired = !r.Overall.Compatible

	if !rec.Supported {
		r.Overall.Recommendations = append(r.Overall.Recommendations,
			"Speech recognition is not available; voice input will be disabled.")
	}
	if !syn.Supported {
		r.Overall.Recommendations = append(r.Overall.Recommendations,
			"Speech synthesis is not available; responses will be shown as text only.")
	}
	if !med.Supported {
		r.Overall.Recommendations = append(r.Overall.Recommendations,
			"Microphone access is not available; voice input will be disabled.")
	}
	if !caps.SecureContext() {
		r.Overall.Recommendations = append(r.Overall.Recommendations,
			"Not running in a secure context; the platform may refuse microphone access.")
	}
	r.Overall.Recommendations = append(r.Overall.Recommendations, caps.Caveats()...)

	return r
}
