// Package health serves liveness and readiness probes for the voice engine.
//
// /healthz answers 200 whenever the process can serve HTTP at all. /readyz
// fans a set of named [Checker] functions out concurrently and answers 200
// only if every one of them passes; any failure yields 503 with the
// per-check outcomes in the body. Both endpoints reply with a JSON object
// carrying "status" ("ok" or "fail") and, for readiness, a "checks" map.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxweave/voxweave/internal/probe"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/pkg/capability"
)

// checkTimeout caps how long any one readiness check may run; each check
// gets its own deadline derived from the request context.
const checkTimeout = 5 * time.Second

// Checker pairs a dependency label with the function that probes it. Check
// returns nil when the dependency is usable and an error describing what is
// wrong otherwise; it must honor context cancellation.
type Checker struct {
	// Name keys this check in the readiness response, e.g. "settings".
	Name string

	Check func(ctx context.Context) error
}

// CapabilityCheck reports readiness only when the platform probe finds all
// voice capabilities. An engine running in permanent fallback is not ready to
// serve voice traffic.
func CapabilityCheck(caps capability.Capabilities) Checker {
	return Checker{
		Name: "capabilities",
		Check: func(context.Context) error {
			report := probe.Run(caps)
			if !report.Overall.Compatible {
				return fmt.Errorf("voice incompatible: %v", report.Overall.Recommendations)
			}
			return nil
		},
	}
}

// StoreCheck pings the settings store.
func StoreCheck(store settings.Store) Checker {
	return Checker{
		Name:  "settings",
		Check: store.Ping,
	}
}

// result is the probe response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe endpoints. The checker set is frozen at
// construction, so a single Handler may serve concurrent requests.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that re-evaluates the given checkers on every
// readiness request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz reports liveness. A process able to run this handler is alive, so
// the answer is unconditionally 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every registered [Checker] concurrently and reports 200 only
// when all of them pass. Each check gets its own [checkTimeout] deadline, so
// one hung dependency cannot eat the budget of the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)

	g, gctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, checkTimeout)
			err := c.Check(ctx)
			cancel()

			outcome := "ok"
			if err != nil {
				outcome = "fail: " + err.Error()
			}

			mu.Lock()
			checks[c.Name] = outcome
			failed = failed || err != nil
			mu.Unlock()
			// Failures are reported per check, never short-circuited.
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
