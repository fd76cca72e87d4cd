package governor

import (
	"errors"
	"testing"
	"time"
)

func testGovernor(t *testing.T, cfg Config) *Governor {
	t.Helper()
	return New(cfg)
}

func TestOpen_SessionLimit(t *testing.T) {
	g := testGovernor(t, Config{MaxSessions: 2})

	if err := g.Open("a", SessionListen); err != nil {
		t.Fatalf("Open(a) = %v", err)
	}
	if err := g.Open("b", SessionSpeak); err != nil {
		t.Fatalf("Open(b) = %v", err)
	}
	if err := g.Open("c", SessionListen); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("Open(c) = %v, want ErrSessionLimit", err)
	}

	g.Release("a")
	if err := g.Open("c", SessionListen); err != nil {
		t.Errorf("Open(c) after release = %v, want nil", err)
	}
}

func TestRegister_RecognitionHandleCap(t *testing.T) {
	g := testGovernor(t, Config{})
	noop := func() error { return nil }

	for i, id := range []string{"a", "b", "c"} {
		if err := g.Open(id, SessionListen); err != nil {
			t.Fatalf("Open(%s) = %v", id, err)
		}
		if err := g.Register(id, ResourceRecognition, noop); err != nil {
			t.Fatalf("Register %d = %v", i, err)
		}
	}

	if err := g.Open("d", SessionListen); err != nil {
		t.Fatalf("Open(d) = %v", err)
	}
	if err := g.Register("d", ResourceRecognition, noop); !errors.Is(err, ErrHandleLimit) {
		t.Errorf("4th recognition handle: err = %v, want ErrHandleLimit", err)
	}
	// Synthesis handles have their own cap.
	if err := g.Register("d", ResourceSynthesis, noop); err != nil {
		t.Errorf("synthesis handle alongside full recognition cap: err = %v", err)
	}
}

func TestRegister_UnknownSession(t *testing.T) {
	g := testGovernor(t, Config{})
	if err := g.Register("ghost", ResourceSynthesis, func() error { return nil }); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Register on unknown session = %v, want ErrUnknownSession", err)
	}
}

func TestRelease_ClosesHandlesAndToleratesFailures(t *testing.T) {
	g := testGovernor(t, Config{})
	if err := g.Open("a", SessionListen); err != nil {
		t.Fatalf("Open = %v", err)
	}

	var closed []string
	g.Register("a", ResourceRecognition, func() error {
		closed = append(closed, "rec")
		return errors.New("already gone")
	})
	g.Register("a", ResourceAudioContext, func() error {
		closed = append(closed, "audio")
		return nil
	})

	g.Release("a")

	// Reverse registration order, failures tolerated.
	if len(closed) != 2 || closed[0] != "audio" || closed[1] != "rec" {
		t.Errorf("release order = %v, want [audio rec]", closed)
	}
	if g.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions = %d after release, want 0", g.ActiveSessions())
	}
	if g.HandleCount(ResourceRecognition) != 0 {
		t.Errorf("recognition handles = %d after release, want 0", g.HandleCount(ResourceRecognition))
	}

	// Releasing again is a no-op.
	g.Release("a")
}

func TestMemoryEstimate(t *testing.T) {
	g := testGovernor(t, Config{MemoryBudgetMB: 25})
	noop := func() error { return nil }

	g.Open("a", SessionListen)
	g.Register("a", ResourceRecognition, noop) // 10 MB
	g.Register("a", ResourceRecognition, noop) // 20 MB
	if got := g.EstimatedMemoryMB(); got != 20 {
		t.Fatalf("EstimatedMemoryMB = %d, want 20", got)
	}
	if !g.MemoryAvailable() {
		t.Fatal("MemoryAvailable = false at 20/25 MB")
	}

	g.Register("a", ResourceAudioContext, noop) // 25 MB
	if g.MemoryAvailable() {
		t.Error("MemoryAvailable = true at 25/25 MB")
	}
	if err := g.Admit(SessionListen); !errors.Is(err, ErrMemoryPressure) {
		t.Errorf("Admit under memory pressure = %v, want ErrMemoryPressure", err)
	}
}

func TestSweep_ForceEndsStaleSessions(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var stale []string
	g := New(Config{
		StaleAfter: time.Minute,
		OnStale:    func(id string) { stale = append(stale, id) },
		Now:        func() time.Time { return now },
	})

	released := false
	g.Open("old", SessionListen)
	g.Register("old", ResourceRecognition, func() error {
		released = true
		return nil
	})

	now = now.Add(90 * time.Second)
	g.Open("fresh", SessionListen)

	got := g.Sweep()
	if len(got) != 1 || got[0] != "old" {
		t.Fatalf("Sweep = %v, want [old]", got)
	}
	if !released {
		t.Error("stale session's handle was not released")
	}
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("OnStale calls = %v, want [old]", stale)
	}
	if g.ActiveSessions() != 1 {
		t.Errorf("ActiveSessions = %d after sweep, want 1 (fresh survives)", g.ActiveSessions())
	}
}

func TestDeepCleanup_TrimsHistory(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := New(Config{Now: func() time.Time { return now }})

	g.Open("a", SessionListen)
	g.Release("a")

	now = now.Add(6 * time.Minute)
	g.Open("b", SessionSpeak)
	g.Release("b")

	if n := g.DeepCleanup(); n != 1 {
		t.Fatalf("DeepCleanup = %d, want 1", n)
	}
	if g.HistoryLen() != 1 {
		t.Errorf("HistoryLen = %d, want 1", g.HistoryLen())
	}
}

func TestOpen_WarnsNearSessionCeiling(t *testing.T) {
	var warnings []Warning
	g := New(Config{
		MaxSessions: 3,
		OnWarning:   func(w Warning) { warnings = append(warnings, w) },
	})

	g.Open("a", SessionListen)
	if len(warnings) != 0 {
		t.Fatalf("warning after 1/3 sessions: %v", warnings)
	}
	g.Open("b", SessionListen)
	if len(warnings) != 1 || warnings[0].Kind != "sessions" {
		t.Errorf("warnings after 2/3 sessions = %v, want one sessions warning", warnings)
	}
}
