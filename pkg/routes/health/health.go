package health

import (
	"context"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// Checker handles health check endpoints
type Checker struct {
	checks    map[string]CheckFunc
	version   string
	timeout   time.Duration
	startTime time.Time
	ready     atomic.Bool
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		checks:    map[string]CheckFunc{},
		version:   version,
		timeout:   2 * time.Second,
		startTime: time.Now(),
	}
}

// AddCheck registers a dependency check under name. Not safe to call once
// the server is running.
func (c *Checker) AddCheck(name string, check CheckFunc) *Checker {
	c.checks[name] = check
	return c
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", c.Health)
	e.GET("/health/live", c.Live)
	e.GET("/health/ready", c.Ready)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func (c *Checker) run(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult, len(c.checks)),
		ReportedAt: time.Now(),
	}

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := c.checks[name](ctx)
		latency := time.Since(start)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = &CheckResult{Status: "unhealthy", Message: err.Error()}
			continue
		}
		status.Checks[name] = &CheckResult{Status: "healthy", Latency: latency.String()}
	}
	return status
}

// Health returns the overall health status
func (c *Checker) Health(ctx echo.Context) error {
	status := c.run(ctx.Request().Context())
	if status.Status == "unhealthy" {
		return ctx.JSON(http.StatusServiceUnavailable, status)
	}
	return ctx.JSON(http.StatusOK, status)
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports ready once startup has finished and every dependency answers.
func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	status := c.run(ctx.Request().Context())
	if status.Status == "unhealthy" {
		return ctx.JSON(http.StatusServiceUnavailable, status)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
