package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/credential-broker/internal/broker"
)

// HealthChecker is one readiness dependency.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// ReadinessReport is the body of /health/ready.
type ReadinessReport struct {
	Status      string                 `json:"status"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
	Credentials *broker.HealthSummary  `json:"credentials,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

func NewRedisHealthChecker(client redis.UniversalClient) HealthChecker {
	return checkFunc{name: "redis", fn: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func NewPostgresHealthChecker(db *sql.DB) HealthChecker {
	return checkFunc{name: "postgres", fn: db.PingContext}
}

// NewBrokerHealthChecker fails only when no credential can serve a request.
// A degraded pool still counts as ready.
func NewBrokerHealthChecker(b *broker.Broker) HealthChecker {
	return checkFunc{name: "credentials", fn: func(ctx context.Context) error {
		summary := b.Health()
		if summary.Status == broker.HealthUnhealthy {
			return fmt.Errorf("%d of %d credentials available", summary.Available, summary.Total)
		}
		return nil
	}}
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
		g       errgroup.Group
	)

	for _, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			err := checker.Check(ctx)

			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
			// Failures are reported per check, never short-circuited.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	summary := h.broker.Health()
	report := ReadinessReport{
		Status:      "ready",
		Checks:      runHealthChecks(ctx, h.checkers),
		Credentials: &summary,
	}

	status := http.StatusOK
	for _, result := range report.Checks {
		if result.Status != "ok" {
			report.Status = "not_ready"
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}
