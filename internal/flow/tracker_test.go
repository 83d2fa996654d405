package flow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestStartFlow_RejectsDuplicate(t *testing.T) {
	tr := NewTracker()

	require.NoError(t, tr.StartFlow("plan-1", "alice"))
	err := tr.StartFlow("plan-1", "alice")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.ErrorIs(t, tr.StartFlow("", "alice"), ErrInvalidPlan)
}

func TestAdvance_UnknownPlan(t *testing.T) {
	tr := NewTracker()
	assert.ErrorIs(t, tr.Advance("missing", "holdings.debit"), ErrNotFound)
	assert.Empty(t, tr.ActiveFlows())
}

func TestAdvance_AppendsExactlyOneStep(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.StartFlow("plan-1", "alice"))

	require.NoError(t, tr.Advance("plan-1", "risk.evaluate_portfolio"))
	require.NoError(t, tr.Advance("plan-1", "holdings.debit"))

	flows := tr.ActiveFlows()
	require.Len(t, flows, 1)
	assert.Equal(t, []string{"risk.evaluate_portfolio", "holdings.debit"}, flows[0].Steps)
	assert.Equal(t, "alice", flows[0].OwnerID)
	assert.Equal(t, StatusActive, flows[0].Status)
}

func TestGet_ReturnsCopy(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.StartFlow("plan-1", "alice"))
	require.NoError(t, tr.Advance("plan-1", "a"))

	st, ok := tr.Get("plan-1")
	require.True(t, ok)
	st.Steps[0] = "mutated"

	again, _ := tr.Get("plan-1")
	assert.Equal(t, "a", again.Steps[0])
}

func TestComplete_ArchivesFlow(t *testing.T) {
	tr := NewTracker(WithArchiveSize(2))
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("plan-%d", i)
		require.NoError(t, tr.StartFlow(id, "alice"))
		require.NoError(t, tr.Complete(id, StatusCompleted))
	}

	assert.Zero(t, tr.Count())
	archived := tr.Archived(0)
	require.Len(t, archived, 2)
	assert.Equal(t, "plan-2", archived[0].PlanID)
	assert.Equal(t, "plan-1", archived[1].PlanID)

	st, ok := tr.Get("plan-2")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st.Status)

	assert.ErrorIs(t, tr.Complete("plan-2", StatusFailed), ErrNotFound)
	require.NoError(t, tr.StartFlow("plan-2", "alice"), "a finished plan id can start again")
}

func TestHealth_ReportsStalledFlows(t *testing.T) {
	c := newClock()
	tr := NewTracker(WithClock(c.Now), WithStallWindow(time.Minute))

	require.NoError(t, tr.StartFlow("slow", "alice"))
	c.Advance(30 * time.Second)
	require.NoError(t, tr.StartFlow("fast", "bob"))
	c.Advance(45 * time.Second)
	require.NoError(t, tr.Advance("fast", "holdings.debit"))

	h := tr.Health()
	assert.Equal(t, 2, h.ActiveFlows)
	assert.Equal(t, 1, h.StalledFlows)
	assert.Equal(t, []string{"slow"}, h.Stalled)
}

func TestSweep_TimesOutIdleFlows(t *testing.T) {
	c := newClock()
	tr := NewTracker(WithClock(c.Now))

	require.NoError(t, tr.StartFlow("idle", "alice"))
	require.NoError(t, tr.StartFlow("busy", "bob"))
	c.Advance(10 * time.Minute)
	require.NoError(t, tr.Advance("busy", "step"))

	assert.Equal(t, 1, tr.Sweep(5*time.Minute))
	assert.Equal(t, 1, tr.Count())

	st, ok := tr.Get("idle")
	require.True(t, ok)
	assert.Equal(t, StatusTimedOut, st.Status)
	assert.Zero(t, tr.Sweep(0))
}

func TestTracker_ConcurrentAdvance(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.StartFlow("plan", "alice"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.Advance("plan", fmt.Sprintf("step-%d", i))
		}(i)
	}
	wg.Wait()

	st, _ := tr.Get("plan")
	assert.Len(t, st.Steps, 50)
}
