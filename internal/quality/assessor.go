// Package quality scores recognition results into a coarse quality tier and a
// recommendation list, and tracks runs of poor results so the engine can
// suggest switching to text input before the user gives up.
package quality

import (
	"sync"

	"github.com/voxweave/voxweave/pkg/capability"
)

// Tier is the coarse quality grade of a recognition result.
type Tier string

const (
	TierGood Tier = "good"
	TierFair Tier = "fair"
	TierPoor Tier = "poor"
)

// Default thresholds and streak ceiling.
const (
	defaultPoorThreshold = 0.3
	defaultGoodThreshold = 0.6
	defaultStreakLimit   = 3
)

// RecommendTextInput is the recommendation emitted once recognition quality
// has been poor for too long.
const RecommendTextInput = "switch to text input"

// Assessment is the derived quality verdict for one recognition result.
// It is never persisted.
type Assessment struct {
	// Tier is the quality grade.
	Tier Tier

	// Confidence is the average confidence across all alternatives (0–1).
	Confidence float64

	// Issues lists detected problems, empty for good results.
	Issues []string

	// Recommendations lists suggested user actions.
	Recommendations []string
}

// Config tunes an [Assessor]. Zero-value fields use the defaults documented
// on each field.
type Config struct {
	// PoorThreshold is the confidence below which a result is poor.
	// Default: 0.3.
	PoorThreshold float64

	// GoodThreshold is the confidence at or above which a result is good.
	// Results in between are fair. Default: 0.6.
	GoodThreshold float64

	// StreakLimit is the consecutive-poor count at which the assessor starts
	// recommending text input. Default: 3.
	StreakLimit int
}

// Assessor scores recognition results. It carries a rolling consecutive-poor
// counter: incremented on poor and fair results, decremented (floor zero) on
// good ones.
//
// All methods are safe for concurrent use.
type Assessor struct {
	poorThreshold float64
	goodThreshold float64
	streakLimit   int

	mu         sync.Mutex
	poorStreak int
}

// New creates an Assessor with the supplied configuration.
func New(cfg Config) *Assessor {
	if cfg.PoorThreshold <= 0 {
		cfg.PoorThreshold = defaultPoorThreshold
	}
	if cfg.GoodThreshold <= 0 {
		cfg.GoodThreshold = defaultGoodThreshold
	}
	if cfg.StreakLimit <= 0 {
		cfg.StreakLimit = defaultStreakLimit
	}
	return &Assessor{
		poorThreshold: cfg.PoorThreshold,
		goodThreshold: cfg.GoodThreshold,
		streakLimit:   cfg.StreakLimit,
	}
}

// Assess scores one recognition result and updates the poor-streak counter.
// A nil result (no speech detected) is poor with confidence zero.
func (a *Assessor) Assess(res *capability.Result) Assessment {
	if res == nil || len(res.Alternatives) == 0 {
		return a.finish(Assessment{
			Tier:       TierPoor,
			Confidence: 0,
			Issues:     []string{"no speech detected"},
			Recommendations: []string{
				"check that your microphone is working",
				"speak after the listening indicator appears",
			},
		})
	}

	var sum float64
	for _, alt := range res.Alternatives {
		sum += alt.Confidence
	}
	avg := sum / float64(len(res.Alternatives))

	out := Assessment{Confidence: avg}
	switch {
	case avg < a.poorThreshold:
		out.Tier = TierPoor
		out.Issues = append(out.Issues, "low recognition confidence")
		out.Recommendations = append(out.Recommendations,
			"move closer to the microphone",
			"reduce background noise",
		)
	case avg < a.goodThreshold:
		out.Tier = TierFair
		out.Issues = append(out.Issues, "moderate recognition confidence")
		out.Recommendations = append(out.Recommendations, "speak slowly and clearly")
	default:
		out.Tier = TierGood
	}
	return a.finish(out)
}

// finish applies streak accounting and the text-input recommendation.
func (a *Assessor) finish(out Assessment) Assessment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if out.Tier == TierGood {
		if a.poorStreak > 0 {
			a.poorStreak--
		}
	} else {
		a.poorStreak++
	}

	if a.poorStreak >= a.streakLimit {
		out.Recommendations = append(out.Recommendations, RecommendTextInput)
	}
	return out
}

// PoorStreak returns the current consecutive-poor count.
func (a *Assessor) PoorStreak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poorStreak
}

// Reset clears the poor-streak counter, e.g. after an explicit engine reset.
func (a *Assessor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poorStreak = 0
}
