package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cfx-platform/cfx-router/internal/gateway/circuit"
)

const (
	healthy   = "healthy"
	degraded  = "degraded"
	unhealthy = "unhealthy"
)

// Check is one dependency probed by the health endpoint. A failing
// critical check makes the service unhealthy, any other failure degraded.
type Check struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// Circuits reports breaker state per model
type Circuits interface {
	Snapshot() map[string]circuit.State
}

type HealthHandler struct {
	version  string
	checks   []Check
	circuits Circuits
	timeout  time.Duration
	now      func() time.Time
}

func NewHealthHandler(version string, circuits Circuits, checks ...Check) *HealthHandler {
	return &HealthHandler{
		version:  version,
		checks:   checks,
		circuits: circuits,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Circuits  map[string]string `json:"circuits,omitempty"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{
		Status:    healthy,
		Version:   h.version,
		Timestamp: h.now().UTC(),
		Checks:    make(map[string]string, len(h.checks)),
	}

	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			resp.Checks[c.Name] = "error: " + err.Error()
			if c.Critical {
				resp.Status = unhealthy
			} else if resp.Status == healthy {
				resp.Status = degraded
			}
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if h.circuits != nil {
		for model, s := range h.circuits.Snapshot() {
			if resp.Circuits == nil {
				resp.Circuits = make(map[string]string)
			}
			resp.Circuits[model] = s.String()
			if s == circuit.Open && resp.Status == healthy {
				resp.Status = degraded
			}
		}
	}

	status := http.StatusOK
	if resp.Status == unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
