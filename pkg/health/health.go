// Package health provides health check implementations for various components.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Check represents a health check.
type Check interface {
	// Name returns the name of the health check.
	Name() string
	// CheckDetailed performs the health check and returns its Result.
	CheckDetailed(ctx context.Context) Result
}

// Status represents the status of a health check.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates the component is working but degraded.
	StatusDegraded Status = "degraded"
)

// Result represents the result of a health check.
type Result struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// SessionState exposes the control plane connection of an agent.
type SessionState interface {
	// Connected returns true while a session is open.
	Connected() bool
	// Sessions returns the number of sessions opened since start.
	Sessions() int64
	// Heartbeats returns the number of heartbeats received since start.
	Heartbeats() int64
}

// SessionCheck checks the agent's control plane session.
type SessionCheck struct {
	state                SessionState
	maxSessionsThreshold int64
}

// SessionCheckOption configures a SessionCheck.
type SessionCheckOption func(*SessionCheck)

// WithMaxSessionsThreshold sets the session count above which the check
// reports degraded status. Zero disables it.
func WithMaxSessionsThreshold(threshold int64) SessionCheckOption {
	return func(c *SessionCheck) {
		c.maxSessionsThreshold = threshold
	}
}

// NewSessionCheck creates a new session health check.
func NewSessionCheck(state SessionState, opts ...SessionCheckOption) *SessionCheck {
	c := &SessionCheck{
		state:                state,
		maxSessionsThreshold: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of the health check.
func (c *SessionCheck) Name() string {
	return "control_plane_session"
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *SessionCheck) CheckDetailed(ctx context.Context) Result {
	sessions := c.state.Sessions()
	details := map[string]string{
		"sessions":   fmt.Sprintf("%d", sessions),
		"heartbeats": fmt.Sprintf("%d", c.state.Heartbeats()),
	}

	if !c.state.Connected() {
		return Result{
			Name:    c.Name(),
			Status:  StatusUnhealthy,
			Message: "no control plane session",
			Details: details,
		}
	}

	// Frequent reconnects
	if c.maxSessionsThreshold > 0 && sessions > c.maxSessionsThreshold {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: fmt.Sprintf("high session count: %d", sessions),
			Details: details,
		}
	}

	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "session open",
		Details: details,
	}
}

// Report is the body served by Handler.
type Report struct {
	Status Status   `json:"status"`
	Checks []Result `json:"checks"`
}

// Handler serves the combined result of checks as JSON. The response is 503
// when any check is unhealthy.
func Handler(checks ...Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: StatusHealthy, Checks: make([]Result, 0, len(checks))}
		for _, check := range checks {
			result := check.CheckDetailed(r.Context())
			report.Checks = append(report.Checks, result)
			switch {
			case result.Status == StatusUnhealthy:
				report.Status = StatusUnhealthy
			case result.Status == StatusDegraded && report.Status == StatusHealthy:
				report.Status = StatusDegraded
			}
		}

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
}

// Pinger is a backend that can report whether it is reachable.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// PingCheck checks an optional backend. An unreachable backend degrades
// the agent but does not make it unhealthy.
type PingCheck struct {
	name   string
	pinger Pinger
}

// NewPingCheck creates a check named name over pinger.
func NewPingCheck(name string, pinger Pinger) *PingCheck {
	return &PingCheck{name: name, pinger: pinger}
}

// Name returns the name of the health check.
func (c *PingCheck) Name() string {
	return c.name
}

// CheckDetailed performs a detailed health check and returns a Result.
func (c *PingCheck) CheckDetailed(ctx context.Context) Result {
	if err := c.pinger.HealthCheck(ctx); err != nil {
		return Result{
			Name:    c.Name(),
			Status:  StatusDegraded,
			Message: err.Error(),
		}
	}
	return Result{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "reachable",
	}
}
