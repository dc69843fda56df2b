package worker

import (
	"context"

	"github.com/kestrelgw/aistudio-gateway/internal/quota"
)

// QuotaMonitorAdapter satisfies the Worker interface for the QuotaMonitor
// watchdog (spec §4.7).
type QuotaMonitorAdapter struct {
	monitor *quota.Monitor
}

// NewQuotaMonitorAdapter wraps m for the Runner.
func NewQuotaMonitorAdapter(m *quota.Monitor) *QuotaMonitorAdapter {
	return &QuotaMonitorAdapter{monitor: m}
}

// Name returns the worker identifier.
func (a *QuotaMonitorAdapter) Name() string { return "quota_monitor" }

// Run blocks on quota-exceeded wake signals until ctx is cancelled.
func (a *QuotaMonitorAdapter) Run(ctx context.Context) error {
	a.monitor.Run(ctx)
	return ctx.Err()
}
