package quality

import (
	"slices"
	"testing"

	"github.com/voxweave/voxweave/pkg/capability"
)

func result(confidences ...float64) *capability.Result {
	res := &capability.Result{Final: true}
	for _, c := range confidences {
		res.Alternatives = append(res.Alternatives, capability.Alternative{Text: "x", Confidence: c})
	}
	return res
}

func TestAssess_Tiers(t *testing.T) {
	tests := []struct {
		name       string
		res        *capability.Result
		wantTier   Tier
		confidence float64
	}{
		{"poor", result(0.25), TierPoor, 0.25},
		{"fair", result(0.45), TierFair, 0.45},
		{"good", result(0.8), TierGood, 0.8},
		{"poor boundary below", result(0.29), TierPoor, 0.29},
		{"fair boundary", result(0.3), TierFair, 0.3},
		{"good boundary", result(0.6), TierGood, 0.6},
		{"averaged alternatives", result(0.2, 0.4), TierFair, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{})
			got := a.Assess(tt.res)
			if got.Tier != tt.wantTier {
				t.Errorf("Tier = %q, want %q", got.Tier, tt.wantTier)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.confidence)
			}
		})
	}
}

func TestAssess_NoResult(t *testing.T) {
	a := New(Config{})
	got := a.Assess(nil)
	if got.Tier != TierPoor {
		t.Errorf("Tier = %q, want poor", got.Tier)
	}
	if got.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", got.Confidence)
	}
	if !slices.Contains(got.Issues, "no speech detected") {
		t.Errorf("Issues = %v, want to contain %q", got.Issues, "no speech detected")
	}
}

func TestAssess_EmptyAlternatives(t *testing.T) {
	a := New(Config{})
	got := a.Assess(&capability.Result{Final: true})
	if got.Tier != TierPoor || got.Confidence != 0 {
		t.Errorf("got tier=%q confidence=%v, want poor/0", got.Tier, got.Confidence)
	}
}

func TestAssess_PoorStreakRecommendsTextInput(t *testing.T) {
	a := New(Config{StreakLimit: 3})

	for i := 0; i < 2; i++ {
		got := a.Assess(result(0.1))
		if slices.Contains(got.Recommendations, RecommendTextInput) {
			t.Fatalf("assessment %d already recommends text input", i+1)
		}
	}

	got := a.Assess(result(0.1))
	if !slices.Contains(got.Recommendations, RecommendTextInput) {
		t.Errorf("third poor result: Recommendations = %v, want to contain %q",
			got.Recommendations, RecommendTextInput)
	}
	if a.PoorStreak() != 3 {
		t.Errorf("PoorStreak() = %d, want 3", a.PoorStreak())
	}
}

func TestAssess_FairCountsTowardStreak(t *testing.T) {
	a := New(Config{StreakLimit: 2})
	a.Assess(result(0.4))
	got := a.Assess(result(0.5))
	if !slices.Contains(got.Recommendations, RecommendTextInput) {
		t.Errorf("fair results should count toward the streak, got %v", got.Recommendations)
	}
}

func TestAssess_GoodDecrementsStreak(t *testing.T) {
	a := New(Config{StreakLimit: 3})
	a.Assess(result(0.1))
	a.Assess(result(0.1))
	a.Assess(result(0.9)) // decrements to 1

	if a.PoorStreak() != 1 {
		t.Fatalf("PoorStreak() = %d, want 1 after good result", a.PoorStreak())
	}

	// Streak floor is zero.
	a.Assess(result(0.9))
	a.Assess(result(0.9))
	if a.PoorStreak() != 0 {
		t.Errorf("PoorStreak() = %d, want floor 0", a.PoorStreak())
	}
}

func TestReset(t *testing.T) {
	a := New(Config{})
	a.Assess(nil)
	a.Assess(nil)
	a.Reset()
	if a.PoorStreak() != 0 {
		t.Errorf("PoorStreak() = %d after Reset, want 0", a.PoorStreak())
	}
}
