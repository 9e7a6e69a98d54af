package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole health check. A checker still running at the
// deadline is reported as timed out.
const healthCheckTimeout = 2 * time.Second

// HealthChecker checks one dependency.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is anything with a context-aware Ping, such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger into a HealthChecker.
type PingChecker struct {
	CheckName string
	Target    Pinger
}

func (p PingChecker) Name() string                    { return p.CheckName }
func (p PingChecker) Check(ctx context.Context) error { return p.Target.Ping(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every checker concurrently under healthCheckTimeout and
// answers 200 when all pass, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checkers := s.HealthCheckers
	if len(checkers) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type result struct {
		idx int
		err error
	}
	results := make(chan result, len(checkers))
	for i, checker := range checkers {
		go func() {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("health check panicked: %v", rvr)
				}
				results <- result{idx: i, err: err}
			}()
			err = checker.Check(ctx)
		}()
	}

	errs := make([]error, len(checkers))
	done := make([]bool, len(checkers))
collect:
	for range checkers {
		select {
		case res := <-results:
			errs[res.idx], done[res.idx] = res.err, true
		case <-ctx.Done():
			break collect
		}
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(checkers))}
	for i, checker := range checkers {
		switch {
		case !done[i]:
			resp.Status = "unhealthy"
			resp.Components[checker.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case errs[i] != nil:
			resp.Status = "unhealthy"
			resp.Components[checker.Name()] = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
		default:
			resp.Components[checker.Name()] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}
