package comms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/coordinator"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/flow"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLayer(t *testing.T, clk *clock) *Layer {
	t.Helper()
	log := audit.NewLog(nil)
	bus := eventbus.New(16, log)
	cache := idempotency.New(idempotency.WithClock(clk.Now))
	tr := gateway.TransportFunc(func(context.Context, gateway.Service, string, []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	gw := gateway.New(tr, log, gateway.WithCache(cache, time.Minute))
	flows := flow.NewTracker(flow.WithClock(clk.Now))
	return &Layer{
		Audit:   log,
		Bus:     bus,
		Cache:   cache,
		Gateway: gw,
		Flows:   flows,
		Coordinator: coordinator.New(gw,
			coordinator.WithAuditLog(log),
			coordinator.WithEventBus(bus),
			coordinator.WithFlowTracker(flows),
			coordinator.WithClock(clk.Now),
		),
		Reconciler:  reconciler.New(reconciler.WithAuditLog(log)),
		FlowTimeout: 10 * time.Minute,
		now:         clk.Now,
	}
}

func TestCommunicationStats(t *testing.T) {
	clk := &clock{now: time.Now()}
	l := newLayer(t, clk)
	ctx := context.Background()

	l.Bus.Subscribe(eventbus.KindDepositDetected, func(context.Context, eventbus.Event) error { return nil })
	l.Bus.Publish(ctx, eventbus.DepositDetected{UserID: "alice", TxID: "t1", AmountSats: 1000}, "holdings")
	require.NoError(t, l.Flows.StartFlow("plan-1", "alice"))

	stats := l.CommunicationStats()
	assert.Equal(t, 1, stats.ActiveFlows)
	assert.Equal(t, 1, stats.TotalAuditEntries)
	assert.Equal(t, 1, stats.EventSubscribers)
	assert.Equal(t, 1, stats.EventHistorySize)
	assert.Zero(t, stats.ActiveTransactions)
}

func TestAuditTrailFor(t *testing.T) {
	clk := &clock{now: time.Now()}
	l := newLayer(t, clk)
	ctx := context.Background()

	id, err := l.Coordinator.Begin(ctx, "alice", "", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Coordinator.AddAction(ctx, id, coordinator.Action{
		Service:      gateway.ServiceHoldings,
		Forward:      coordinator.Call{Method: "debit"},
		Compensation: coordinator.Call{Method: "credit"},
	}))
	_, err = l.Coordinator.Begin(ctx, "bob", "", nil, time.Minute)
	require.NoError(t, err)

	trail := l.AuditTrailFor("alice", 0)
	require.Len(t, trail, 2)
	assert.Equal(t, "action_added", trail[0].Action)
	assert.Equal(t, "transaction_begin", trail[1].Action)

	assert.Len(t, l.AuditTrail(1), 1)
	assert.Len(t, l.AuditTrail(0), 3)
}

func TestSweep(t *testing.T) {
	clk := &clock{now: time.Now()}
	l := newLayer(t, clk)
	ctx := context.Background()

	_, err := l.Coordinator.Begin(ctx, "alice", "", nil, time.Second)
	require.NoError(t, err)
	_, err = l.Gateway.CallIdempotent(ctx, "k-1", gateway.ServiceRisk, "evaluate_portfolio", nil, gateway.Policy{})
	require.NoError(t, err)
	require.NoError(t, l.Flows.StartFlow("plan-idle", "bob"))

	assert.Equal(t, SweepResult{}, l.Sweep(ctx))

	clk.Advance(time.Hour)
	res := l.Sweep(ctx)
	assert.Equal(t, SweepResult{ExpiredTransactions: 1, ExpiredRecords: 1, TimedOutFlows: 1}, res)
	stats := l.CommunicationStats()
	assert.Zero(t, stats.ActiveFlows)
	assert.Zero(t, stats.ActiveTransactions)
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	clk := &clock{now: time.Now()}
	l := newLayer(t, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}
