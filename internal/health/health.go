// Package health aggregates component probes for the signetd ops
// endpoint: liveness, readiness, and a detailed per-component report.
//
// Probes run outside the request path and never touch key material;
// results carry component names, statuses, and counters only.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"signetd/internal/entropy"
)

// Status is the health state of a component or of the daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one component probe.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check probes one component. Implementations must respect ctx.
type Check func(ctx context.Context) CheckResult

// Component is a registered probe. Critical components drag the
// overall status to unhealthy when they fail; non-critical ones only
// degrade it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

const defaultCheckTimeout = 5 * time.Second

// Checker runs registered probes and aggregates their results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates an empty Checker. The daemon flips readiness on
// once the socket is accepting requests.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a component probe.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout <= 0 {
		component.Timeout = defaultCheckTimeout
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc adds a probe from a bare function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady flips the readiness state reported by ReadinessHandler.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady reports whether the daemon has been marked ready.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered probe in parallel and returns the fresh
// results. Each probe gets its own timeout and panic containment.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
	)

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
			defer cancel()

			start := time.Now()
			result := runCheck(checkCtx, comp.Check)
			result.LastChecked = start
			result.Duration = time.Since(start)

			resultsMu.Lock()
			results[comp.Name] = result
			resultsMu.Unlock()

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

// runCheck executes one probe with panic containment. A probe that
// outlives its context is reported as timed out; its eventual result
// is discarded.
func runCheck(ctx context.Context, check Check) CheckResult {
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   ctx.Err().Error(),
		}
	}
}

// Results returns the most recent result per component.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	return results
}

// OverallStatus folds the last results into a single status. A failed
// critical component is unhealthy; any other failure or degradation
// is degraded; critical components that never ran are unknown.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Response is the body served by the detailed health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Snapshot builds the full response, re-running probes when
// includeComponents is set.
func (c *Checker) Snapshot(ctx context.Context, includeComponents bool) Response {
	var components map[string]CheckResult
	if includeComponents {
		components = c.Check(ctx)
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// LivenessHandler answers 200 while the process can serve HTTP at all.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "alive",
			"timestamp": time.Now().UTC(),
		})
	})
}

// ReadinessHandler answers 200 once the daemon accepts requests and no
// critical component has failed.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{
				"status":    "not ready",
				"timestamp": time.Now().UTC(),
			})
			return
		}

		status := c.OverallStatus()
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now().UTC(),
		})
	})
}

// HealthHandler serves the detailed report. Probes re-run only when
// the request asks for ?full=true.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		includeComponents := r.URL.Query().Get("full") == "true"
		response := c.Snapshot(r.Context(), includeComponents)

		switch response.Status {
		case StatusHealthy, StatusDegraded:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	})
}

// EntropyCheck probes the entropy pool. Failure is critical: without
// healthy sources the daemon cannot create accounts.
func EntropyCheck(pool *entropy.Pool) Check {
	return func(ctx context.Context) CheckResult {
		report := pool.Report()
		details := map[string]any{
			"total_sources":   report.TotalSources,
			"healthy_sources": report.HealthySources,
			"total_requests":  report.TotalRequests,
			"failed_requests": report.FailedRequests,
		}
		switch report.OverallHealth {
		case entropy.HealthFailed:
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "too few healthy entropy sources",
				Details: details,
			}
		case entropy.HealthDegraded, entropy.HealthRecovering:
			return CheckResult{
				Status:  StatusDegraded,
				Message: "one or more entropy sources degraded",
				Details: details,
			}
		default:
			return CheckResult{
				Status:  StatusHealthy,
				Message: "entropy pool ok",
				Details: details,
			}
		}
	}
}

// StoreCheck probes the account store connection.
func StoreCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "account store unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "account store ok"}
	}
}

// PaymasterCheck reports degraded while the allow list is empty: the
// daemon is alive but cannot authorize any sponsored operation.
func PaymasterCheck(count func() int) Check {
	return func(ctx context.Context) CheckResult {
		n := count()
		details := map[string]any{"authorized": n}
		if n == 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "no paymasters authorized",
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "paymaster allow list loaded", Details: details}
	}
}
