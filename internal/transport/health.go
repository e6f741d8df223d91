package transport

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// readinessTimeout bounds how long a single dependency check may block the
// readiness probe.
const readinessTimeout = 2 * time.Second

// HealthChecker verifies a dependency is reachable (e.g. Postgres Ping,
// MinIO BucketExists).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

// HandleHealthLive always returns 200: it only confirms the process can
// still accept and answer HTTP requests.
func HandleHealthLive(node string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node": node})
	}
}

// HandleHealthReady fans out to every configured dependency checker
// concurrently and reports 503 if any reports unhealthy.
func HandleHealthReady(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(checks) == 0 {
			writeJSON(w, http.StatusOK, readinessResponse{Status: "ready", Checks: map[string]checkResult{}})
			return
		}

		type named struct {
			name string
			res  checkResult
		}
		results := make([]named, len(checks))
		var wg sync.WaitGroup
		i := 0
		for name, checker := range checks {
			wg.Add(1)
			go func(idx int, n string, c HealthChecker) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
				defer cancel()
				if err := c.HealthCheck(ctx); err != nil {
					results[idx] = named{name: n, res: checkResult{Status: "error", Error: err.Error()}}
					return
				}
				results[idx] = named{name: n, res: checkResult{Status: "ok"}}
			}(i, name, checker)
			i++
		}
		wg.Wait()

		out := make(map[string]checkResult, len(results))
		allOK := true
		for _, res := range results {
			out[res.name] = res.res
			if res.res.Status != "ok" {
				allOK = false
			}
		}
		if allOK {
			writeJSON(w, http.StatusOK, readinessResponse{Status: "ready", Checks: out})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, readinessResponse{Status: "not_ready", Checks: out})
	}
}
