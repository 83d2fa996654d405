// Package comms groups the coordination components behind one value and
// exposes the observability surface and background sweeps.
package comms

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/coordinator"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/flow"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

// Layer is the assembled coordination layer.
type Layer struct {
	Audit       *audit.Log
	Bus         *eventbus.Bus
	Cache       *idempotency.Cache
	Gateway     *gateway.Gateway
	Flows       *flow.Tracker
	Coordinator *coordinator.Coordinator
	Reconciler  *reconciler.Reconciler

	// FlowTimeout is how long a flow may go without progress before a sweep
	// times it out. Zero disables the flow sweep.
	FlowTimeout time.Duration
	now         func() time.Time
}

// Stats is the communication_stats view.
type Stats struct {
	ActiveFlows        int `json:"active_flows"`
	TotalAuditEntries  int `json:"total_audit_entries"`
	EventSubscribers   int `json:"event_subscribers"`
	EventHistorySize   int `json:"event_history_size"`
	ActiveTransactions int `json:"active_transactions"`
	IdempotencyRecords int `json:"idempotency_records"`
}

// SweepResult counts what one sweep removed or expired.
type SweepResult struct {
	ExpiredTransactions int
	ExpiredRecords      int
	TimedOutFlows       int
}

func (r SweepResult) empty() bool {
	return r.ExpiredTransactions == 0 && r.ExpiredRecords == 0 && r.TimedOutFlows == 0
}

// AuditTrail returns the newest entries first, at most limit when limit > 0.
func (l *Layer) AuditTrail(limit int) []audit.Entry {
	return l.Audit.Trail(limit)
}

// AuditTrailFor returns owner's entries, newest first.
func (l *Layer) AuditTrailFor(owner string, limit int) []audit.Entry {
	return l.Audit.TrailFor(owner, limit)
}

func (l *Layer) CommunicationStats() Stats {
	s := Stats{
		TotalAuditEntries: l.Audit.Len(),
		EventSubscribers:  l.Bus.SubscriberCount(),
		EventHistorySize:  l.Bus.HistorySize(),
	}
	if l.Flows != nil {
		s.ActiveFlows = l.Flows.Count()
	}
	if l.Coordinator != nil {
		s.ActiveTransactions = len(l.Coordinator.Active())
	}
	if l.Cache != nil {
		s.IdempotencyRecords = l.Cache.Stats().Size
	}
	return s
}

// Sweep expires stale Open transactions, drops expired idempotency records
// and times out idle flows.
func (l *Layer) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if l.Coordinator != nil {
		res.ExpiredTransactions = l.Coordinator.SweepExpired(ctx)
	}
	if l.Cache != nil {
		res.ExpiredRecords = l.Cache.Sweep(l.clock())
	}
	if l.Flows != nil {
		res.TimedOutFlows = l.Flows.Sweep(l.FlowTimeout)
	}
	return res
}

// RunSweeper runs Sweep every interval until ctx is done.
func (l *Layer) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := l.Sweep(ctx); !res.empty() {
				slog.InfoContext(ctx, "sweep completed",
					"expired_transactions", res.ExpiredTransactions,
					"expired_records", res.ExpiredRecords,
					"timed_out_flows", res.TimedOutFlows,
				)
			}
		}
	}
}

func (l *Layer) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}
