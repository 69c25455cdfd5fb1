package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/credential-broker/internal/domain"
	"github.com/felipepmaragno/credential-broker/internal/metrics"
	"github.com/felipepmaragno/credential-broker/internal/notifications"
)

const dayLayout = "2006-01-02"

// ReportOutcome records the result of a request served with the credential.
// Consecutive failures reaching AutoDisableThreshold, or an exhausted quota,
// disable the credential and unpin every session bound to it.
func (b *Broker) ReportOutcome(id uint64, outcome domain.Outcome, latency time.Duration) error {
	var (
		poolID   string
		failures int
		reason   domain.DisabledReason
	)

	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		poolID = ps.pool.ID
		now := b.now()
		st := &c.Stats

		today := now.Format(dayLayout)
		if st.TodayDate != today {
			st.TodayDate = today
			st.TodayCalls = 0
			st.TodaySuccess = 0
			st.TodayFailures = 0
		}

		st.TotalCalls++
		st.TodayCalls++
		st.LastCallTime = now

		switch outcome {
		case domain.OutcomeSuccess:
			st.SuccessCount++
			st.TodaySuccess++
			st.FailureCount = 0
			ms := float64(latency) / float64(time.Millisecond)
			if st.SuccessCount == 1 || st.AvgResponseTimeMs == 0 {
				st.AvgResponseTimeMs = ms
			} else {
				alpha := b.cfg.LatencyEMAAlpha
				st.AvgResponseTimeMs = alpha*ms + (1-alpha)*st.AvgResponseTimeMs
			}

		case domain.OutcomeFailure:
			st.TotalFailureCount++
			st.TodayFailures++
			st.FailureCount++
			if st.FailureCount >= b.cfg.AutoDisableThreshold && c.State == domain.StateEnabled {
				reason = domain.ReasonTooManyFailures
			}

		case domain.OutcomeQuotaExhausted:
			st.TotalFailureCount++
			st.TodayFailures++
			if c.State == domain.StateEnabled {
				reason = domain.ReasonQuotaExceeded
			}

		default:
			return fmt.Errorf("unknown outcome %d", outcome)
		}

		if reason != domain.ReasonNone {
			c.State = domain.StateAutoDisabled
			c.DisabledReason = reason
		}
		failures = st.FailureCount
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordOutcome(poolID, outcome.String(), latency.Seconds())

	if reason != domain.ReasonNone {
		b.sessions.InvalidateCredential(id)
		metrics.RecordAutoDisable(poolID, string(reason))
		slog.Warn("credential auto-disabled",
			"credential_id", id,
			"pool_id", poolID,
			"reason", reason,
			"failure_count", failures,
		)
		b.emit(notifications.Notification{
			Type:         notifications.NotificationCredentialAutoDisabled,
			PoolID:       poolID,
			CredentialID: id,
			Reason:       string(reason),
			Message:      fmt.Sprintf("credential %d disabled: %s", id, reason),
			Data:         map[string]any{"failure_count": failures},
		})
	}

	b.persister.Notify()
	return nil
}

// ResetCredential clears the failure streak and re-enables a credential the
// health policy disabled. Operator disables are left in place.
func (b *Broker) ResetCredential(id uint64) (domain.Credential, error) {
	var (
		out       domain.Credential
		reenabled bool
	)
	err := b.withCredential(id, true, func(ps *poolState, c *domain.Credential) error {
		c.Stats.FailureCount = 0
		if c.State == domain.StateAutoDisabled {
			c.State = domain.StateEnabled
			c.DisabledReason = domain.ReasonNone
			reenabled = true
		}
		out = *c
		return nil
	})
	if err != nil {
		return domain.Credential{}, err
	}

	slog.Info("credential reset", "credential_id", id, "pool_id", out.PoolID, "reenabled", reenabled)
	b.emit(notifications.Notification{
		Type:         notifications.NotificationCredentialReset,
		PoolID:       out.PoolID,
		CredentialID: id,
		Message:      fmt.Sprintf("credential %d reset", id),
		Data:         map[string]any{"reenabled": reenabled},
	})
	b.persister.Notify()
	return out, nil
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type PoolHealth struct {
	PoolID    string `json:"pool_id"`
	Enabled   bool   `json:"enabled"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}

type HealthSummary struct {
	Status    HealthStatus `json:"status"`
	Total     int          `json:"total"`
	Available int          `json:"available"`
	Pools     []PoolHealth `json:"pools"`
}

// Health reports credential availability. Fewer than half the credentials
// available is degraded; none available is unhealthy.
func (b *Broker) Health() HealthSummary {
	var summary HealthSummary
	for _, view := range b.ListPools() {
		summary.Pools = append(summary.Pools, PoolHealth{
			PoolID:    view.Pool.ID,
			Enabled:   view.Pool.Enabled,
			Total:     view.TotalCredentials,
			Available: view.AvailableCredentials,
		})
		summary.Total += view.TotalCredentials
		if view.Pool.Enabled {
			summary.Available += view.AvailableCredentials
		}
	}

	switch {
	case summary.Available == 0:
		summary.Status = HealthUnhealthy
	case summary.Available*2 < summary.Total:
		summary.Status = HealthDegraded
	default:
		summary.Status = HealthHealthy
	}
	return summary
}

// RunHealthReporter periodically logs the health summary, refreshes the
// credential gauges and purges expired sessions until ctx is done.
func (b *Broker) RunHealthReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.reportHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reportHealth()
		}
	}
}

func (b *Broker) reportHealth() {
	purged := b.sessions.Purge()
	metrics.SetSessionCacheSize(b.sessions.Len())

	for _, view := range b.ListPools() {
		counts := map[domain.CredentialState]int{
			domain.StateEnabled:          0,
			domain.StateManuallyDisabled: 0,
			domain.StateAutoDisabled:     0,
		}
		for _, c := range b.ListCredentials(view.Pool.ID) {
			counts[c.State]++
		}
		for state, n := range counts {
			metrics.SetCredentialCount(view.Pool.ID, string(state), n)
		}
	}

	h := b.Health()
	log := slog.Info
	if h.Status != HealthHealthy {
		log = slog.Warn
	}
	log("credential health",
		"status", h.Status,
		"available", h.Available,
		"total", h.Total,
		"sessions_purged", purged,
	)
}
