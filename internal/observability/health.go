package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	checkTimeout = 2 * time.Second

	statusOK       = "ok"
	statusError    = "error"
	statusReady    = "ready"
	statusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by networked backends (PostgreSQL store,
// Redis locker and idempotency store).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessCheck is one named probe run by the readiness endpoint.
type ReadinessCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

var errNoGraphs = errors.New("no workflow graphs installed")

// GraphCheck is ready while at least one workflow graph is installed.
func GraphCheck(installed func() int) ReadinessCheck {
	return ReadinessCheck{
		Name: "graphs",
		Probe: func(context.Context) error {
			if installed() == 0 {
				return errNoGraphs
			}
			return nil
		},
	}
}

// BackendCheck probes backend under name if it implements HealthChecker.
// In-process backends have nothing to probe and report false.
func BackendCheck(name string, backend any) (ReadinessCheck, bool) {
	hc, ok := backend.(HealthChecker)
	if !ok {
		return ReadinessCheck{}, false
	}
	return ReadinessCheck{Name: name, Probe: hc.HealthCheck}, true
}

// HandleHealth serves the liveness endpoint. It never consults a backend.
func HandleHealth(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        statusOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(started).Seconds()),
		})
	}
}

// HandleReady serves the readiness endpoint. All probes run concurrently,
// each bounded by its own timeout; any failure answers 503.
func HandleReady(checks []ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(checks))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, c := range checks {
			wg.Add(1)
			go func(c ReadinessCheck) {
				defer wg.Done()
				res := runCheck(r.Context(), c.Probe)
				mu.Lock()
				results[c.Name] = res
				mu.Unlock()
			}(c)
		}
		wg.Wait()

		resp := ReadinessResponse{Status: statusReady, Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != statusOK {
				resp.Status = statusNotReady
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, probe func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	res := CheckResult{Status: statusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = statusError
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
