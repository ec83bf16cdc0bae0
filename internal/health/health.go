// Package health serves liveness and readiness probes for the relay over
// HTTP.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout = 5 * time.Second

	// StatusHealthy indicates all checks passed.
	StatusHealthy = "healthy"
	// StatusUnhealthy indicates one or more checks failed.
	StatusUnhealthy = "unhealthy"
)

// ErrNotListening is returned by readiness checks for a server that has not
// bound its listener yet.
var ErrNotListening = errors.New("health: not listening")

// CheckFunc reports whether a dependency is ready.
type CheckFunc func(ctx context.Context) error

// Checks is a map of named health check functions.
type Checks map[string]CheckFunc

// Response is the JSON body of both probes.
type Response struct {
	Status   string           `json:"status"`
	Provider string           `json:"provider,omitempty"`
	Checks   map[string]Check `json:"checks,omitempty"`
}

// Check is the status of a single named check.
type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ListenerCheck fails until addr returns a non-empty address.
func ListenerCheck(addr func() string) CheckFunc {
	return func(context.Context) error {
		if addr() == "" {
			return ErrNotListening
		}
		return nil
	}
}

// runChecks executes all checks concurrently under timeout.
func runChecks(ctx context.Context, checks Checks, timeout time.Duration) *Response {
	if len(checks) == 0 {
		return &Response{Status: StatusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]Check, len(checks))
		failed  bool
	)

	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			result := Check{Status: StatusHealthy}
			if err := check(ctx); err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				slog.WarnContext(ctx, "health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}

			mu.Lock()
			defer mu.Unlock()
			results[name] = result
			if result.Status == StatusUnhealthy {
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	status := StatusHealthy
	if failed {
		status = StatusUnhealthy
	}
	return &Response{Status: status, Checks: results}
}
