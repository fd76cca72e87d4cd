package recovery

import (
	"testing"
	"time"

	"github.com/voxweave/voxweave/internal/classify"
)

func record(cat classify.Category, ctx string) classify.Record {
	rec := classify.Record{
		Category:    cat,
		Context:     ctx,
		Recoverable: true,
		Timestamp:   time.Now(),
	}
	switch cat {
	case classify.CategoryPlatformSupport, classify.CategoryPermission:
		rec.Severity = classify.SeverityCritical
		rec.Recoverable = false
		rec.RequiresFallback = true
	case classify.CategoryNetwork:
		rec.Severity = classify.SeverityHigh
	case classify.CategoryAudio:
		rec.Severity = classify.SeverityHigh
		rec.RequiresFallback = true
	case classify.CategoryRecognition, classify.CategorySynthesis:
		rec.Severity = classify.SeverityMedium
	default:
		rec.Severity = classify.SeverityLow
	}
	return rec
}

func TestPlan_CriticalAlwaysFallsBack(t *testing.T) {
	for _, cat := range []classify.Category{classify.CategoryPlatformSupport, classify.CategoryPermission} {
		t.Run(string(cat), func(t *testing.T) {
			p := New(Config{})
			got := p.Plan(record(cat, "listen"))
			if got.Kind != ActionFallback || !got.Fallback {
				t.Errorf("Plan(%s) = %+v, want fallback on first occurrence", cat, got)
			}
		})
	}
}

func TestPlan_RequiresFallbackWinsOverRetry(t *testing.T) {
	p := New(Config{})
	got := p.Plan(record(classify.CategoryAudio, "listen"))
	if got.Kind != ActionFallback {
		t.Errorf("audio (requires fallback) Plan = %+v, want fallback", got)
	}
}

func TestPlan_NetworkExponentialBackoff(t *testing.T) {
	p := New(Config{MaxNetworkRetries: 3})
	rec := record(classify.CategoryNetwork, "listen")

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		got := p.Plan(rec)
		if got.Kind != ActionRetry {
			t.Fatalf("retry %d: Kind = %q, want retry", i, got.Kind)
		}
		if got.Delay != want {
			t.Errorf("retry %d: Delay = %v, want %v", i, got.Delay, want)
		}
	}

	// Budget exhausted: no 4th retry; recoverable so fallback.
	got := p.Plan(rec)
	if got.Kind != ActionFallback {
		t.Errorf("4th network error: Kind = %q, want fallback (budget exhausted)", got.Kind)
	}
}

func TestPlan_NetworkBudgetIsPerContext(t *testing.T) {
	p := New(Config{MaxNetworkRetries: 1})
	if got := p.Plan(record(classify.CategoryNetwork, "listen")); got.Kind != ActionRetry {
		t.Fatalf("listen retry: Kind = %q", got.Kind)
	}
	if got := p.Plan(record(classify.CategoryNetwork, "speak")); got.Kind != ActionRetry {
		t.Errorf("speak should have its own budget, got %q", got.Kind)
	}
}

func TestPlan_RecognitionRetryWithAdjustment(t *testing.T) {
	p := New(Config{MaxRetryAttempts: 3, RetryDelay: 2 * time.Second, SensitivityStep: 0.1})
	rec := record(classify.CategoryRecognition, "listen")

	for i := 0; i < 3; i++ {
		got := p.Plan(rec)
		if got.Kind != ActionRetryWithAdjustment {
			t.Fatalf("attempt %d: Kind = %q, want retry_with_adjustment", i, got.Kind)
		}
		if got.Delay != 2*time.Second {
			t.Errorf("attempt %d: Delay = %v, want 2s", i, got.Delay)
		}
		if got.Adjustment != AdjustSensitivity || got.AdjustmentStep != 0.1 {
			t.Errorf("attempt %d: Adjustment = %q/%v, want sensitivity/0.1", i, got.Adjustment, got.AdjustmentStep)
		}
	}

	got := p.Plan(rec)
	if got.Kind != ActionFallback {
		t.Errorf("exhausted recognition: Kind = %q, want fallback", got.Kind)
	}
}

func TestPlan_FallbackDisabled(t *testing.T) {
	p := New(Config{MaxNetworkRetries: 1, FallbackDisabled: true})
	rec := record(classify.CategoryNetwork, "listen")

	p.Plan(rec) // consume the single retry
	got := p.Plan(rec)
	if got.Kind != ActionNone {
		t.Errorf("exhausted with fallback disabled: Kind = %q, want none", got.Kind)
	}
}

func TestPlan_LowSeverityUnknownGetsNoRetry(t *testing.T) {
	p := New(Config{})
	got := p.Plan(record(classify.CategoryUnknown, "listen"))
	// Unknown is recoverable, so with fallback enabled the exhausted-path
	// rule applies immediately.
	if got.Kind != ActionFallback {
		t.Errorf("unknown: Kind = %q, want fallback via rule 5", got.Kind)
	}

	p2 := New(Config{FallbackDisabled: true})
	if got := p2.Plan(record(classify.CategoryUnknown, "listen")); got.Kind != ActionNone {
		t.Errorf("unknown with fallback disabled: Kind = %q, want none", got.Kind)
	}
}

func TestResetContext(t *testing.T) {
	p := New(Config{MaxNetworkRetries: 2})
	rec := record(classify.CategoryNetwork, "listen")

	p.Plan(rec)
	p.Plan(rec)
	if p.Attempts(classify.CategoryNetwork, "listen") != 2 {
		t.Fatalf("Attempts = %d, want 2", p.Attempts(classify.CategoryNetwork, "listen"))
	}

	p.ResetContext("listen")
	if p.Attempts(classify.CategoryNetwork, "listen") != 0 {
		t.Fatalf("Attempts after reset = %d, want 0", p.Attempts(classify.CategoryNetwork, "listen"))
	}

	// Backoff starts over from 1s.
	if got := p.Plan(rec); got.Delay != time.Second {
		t.Errorf("Delay after reset = %v, want 1s", got.Delay)
	}
}

func TestCleanup_PurgesStaleRecords(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := New(Config{Now: func() time.Time { return now }})

	p.Plan(record(classify.CategoryNetwork, "listen"))
	now = now.Add(6 * time.Minute)
	p.Plan(record(classify.CategoryRecognition, "speak"))

	if n := p.Cleanup(5 * time.Minute); n != 1 {
		t.Fatalf("Cleanup = %d, want 1", n)
	}
	if p.Attempts(classify.CategoryNetwork, "listen") != 0 {
		t.Error("stale network record survived cleanup")
	}
	if p.Attempts(classify.CategoryRecognition, "speak") != 1 {
		t.Error("fresh record was purged")
	}
}
