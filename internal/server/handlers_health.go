package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/minicom/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

// handleLiveness reports process state only; dependencies are left to
// readiness so a broken database does not restart the pod.
func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status":      "ok",
		"uptime":      s.clock.Since(s.startTime).Seconds(),
		"sessions":    s.sessions.Len(),
		"connections": s.dispatcher.Registry().Len(),
		"groups":      s.dispatcher.Groups().Len(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx)
}

type checkResult struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// runHealthChecks probes every dependency concurrently. The response lists
// each check's outcome and names the first failing check in declared order.
func (s *Server) runHealthChecks(c echo.Context, ctx context.Context) error {
	results := make([]checkResult, len(s.healthChecks))
	var wg sync.WaitGroup
	for i, hc := range s.healthChecks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := hc.Check(ctx)
			results[i] = checkResult{Status: "ok", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				results[i].Status = "error"
				results[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	checks := make(map[string]checkResult, len(results))
	response := map[string]any{"status": "ready", "checks": checks}
	status := http.StatusOK
	for i, hc := range s.healthChecks {
		checks[hc.Name] = results[i]
		if results[i].Error != "" && status == http.StatusOK {
			status = http.StatusServiceUnavailable
			response["status"] = "unhealthy"
			response["failed_check"] = hc.Name
			response["error"] = results[i].Error
		}
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
