// Package health provides health check functionality for the build farm services.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type component struct {
	pinger   Pinger
	required bool
}

// Checker performs health checks over named components. A failing required
// component makes the service unhealthy; an optional one only degrades it.
type Checker struct {
	startTime time.Time
	version   string

	mu         sync.RWMutex
	timeout    time.Duration
	components map[string]component
}

// NewChecker creates a health checker with the database as its one required component.
func NewChecker(db Pinger, version string) *Checker {
	c := &Checker{
		startTime:  time.Now(),
		version:    version,
		timeout:    5 * time.Second,
		components: make(map[string]component),
	}
	c.Register("database", db, true)
	return c
}

// Register adds a component to the checks.
func (c *Checker) Register(name string, p Pinger, required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{pinger: p, required: required}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	components := make(map[string]component, len(c.components))
	for name, comp := range c.components {
		components[name] = comp
	}
	c.mu.RUnlock()
	sort.Strings(names)

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses := make(map[string]ComponentStatus, len(names))
	overall := StatusHealthy
	for _, name := range names {
		comp := components[name]
		st := check(checkCtx, name, comp.pinger)
		if st.Status != StatusHealthy {
			if comp.required {
				overall = StatusUnhealthy
			} else {
				st.Status = StatusDegraded
				if overall == StatusHealthy {
					overall = StatusDegraded
				}
			}
		}
		statuses[name] = st
	}

	return &Response{
		Status:     overall,
		Components: statuses,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

func check(ctx context.Context, name string, p Pinger) ComponentStatus {
	if p == nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: name + " not configured",
		}
	}
	if err := p.Ping(ctx); err != nil {
		return ComponentStatus{
			Status:  StatusUnhealthy,
			Message: name + " ping failed: " + err.Error(),
		}
	}
	return ComponentStatus{
		Status:  StatusHealthy,
		Message: "connected",
	}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		case StatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}
