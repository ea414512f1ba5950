package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. If any probe exceeds this deadline the endpoint returns 503.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check. Each probe represents a critical
// dependency (quota store, billing API) that must be operational for the
// service to function.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe.
	Name() string

	// Check performs the health check against the subsystem. It should
	// respect the context deadline.
	Check(ctx context.Context) error
}

// HealthProbeFunc adapts a function to the HealthProbe interface.
type HealthProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p HealthProbeFunc) Name() string                    { return p.ProbeName }
func (p HealthProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth executes all registered health probes concurrently with a
// short timeout. Returns 200 OK if every probe reports healthy, 503 if any
// subsystem fails or the deadline is exceeded.
//
// This endpoint is public and is mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var mu sync.Mutex
	reported := make(map[string]componentStatus, len(probes))

	g, gctx := errgroup.WithContext(ctx)
	for _, probe := range probes {
		p := probe
		g.Go(func() error {
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = p.Check(gctx)
			}()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				reported[p.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
			} else {
				reported[p.Name()] = componentStatus{Status: "healthy"}
			}
			// Probe failures are reported in the body, not as a group error;
			// every probe should run to completion.
			return nil
		})
	}

	// Wait for the probes or the deadline, whichever comes first. A probe
	// that ignores its context must not be able to hang the endpoint.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// Snapshot under the lock; stragglers may still be writing.
	mu.Lock()
	components := make(map[string]componentStatus, len(probes))
	for name, st := range reported {
		components[name] = st
	}
	mu.Unlock()

	// Any probe that never reported before the deadline is unhealthy.
	allHealthy := true
	for _, probe := range probes {
		st, ok := components[probe.Name()]
		if !ok {
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "probe timed out"}
			allHealthy = false
			continue
		}
		if st.Status != "healthy" {
			allHealthy = false
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	status := http.StatusOK
	if !allHealthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
