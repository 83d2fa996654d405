package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newFakeStore() *fakeStore { return &fakeStore{recs: map[string]*Record{}} }

func (s *fakeStore) Get(_ context.Context, key string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[key]
	return r, ok, nil
}

func (s *fakeStore) Put(_ context.Context, rec *Record, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Key] = rec
	return nil
}

func counting(result string, calls *atomic.Int32) Func {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(result), nil
	}
}

var (
	opP1 = Operation{Service: "holdings", Method: "debit", Payload: []byte(`{"user":"alice","sats":1000}`)}
	opP2 = Operation{Service: "holdings", Method: "debit", Payload: []byte(`{"user":"alice","sats":2000}`)}
)

func TestExecute_RepeatReturnsCachedResult(t *testing.T) {
	c := New()
	ctx := context.Background()
	var calls atomic.Int32

	first, err := c.Execute(ctx, "op-1", opP1, time.Hour, counting(`{"balance":9000}`, &calls))
	require.NoError(t, err)
	second, err := c.Execute(ctx, "op-1", opP1, time.Hour, counting(`{"balance":8000}`, &calls))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestExecute_DifferentPayloadConflicts(t *testing.T) {
	c := New()
	ctx := context.Background()
	var calls atomic.Int32

	_, err := c.Execute(ctx, "op-1", opP1, time.Hour, counting("ok", &calls))
	require.NoError(t, err)

	_, err = c.Execute(ctx, "op-1", opP2, time.Hour, counting("ok", &calls))
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int32(1), calls.Load())

	other := opP1
	other.Method = "credit"
	_, err = c.Execute(ctx, "op-1", other, time.Hour, counting("ok", &calls))
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(2), c.Stats().Conflicts)
}

func TestExecute_ConflictWhileInFlight(t *testing.T) {
	c := New()
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = c.Execute(ctx, "op-1", opP1, time.Hour, func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("ok"), nil
		})
	}()
	<-started

	_, err := c.Execute(ctx, "op-1", opP2, time.Hour, func(context.Context) ([]byte, error) {
		t.Fatal("must not execute")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrConflict)
	close(release)
}

func TestExecute_CanonicalJSONPayloadsMatch(t *testing.T) {
	c := New()
	ctx := context.Background()
	var calls atomic.Int32

	a := Operation{Service: "risk", Method: "evaluate_portfolio", Payload: []byte(`{"a":1,"b":[1,2]}`)}
	b := Operation{Service: "risk", Method: "evaluate_portfolio", Payload: []byte("{ \"b\": [1,2],\n \"a\": 1 }")}

	_, err := c.Execute(ctx, "k", a, time.Hour, counting("r", &calls))
	require.NoError(t, err)
	_, err = c.Execute(ctx, "k", b, time.Hour, counting("r", &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ConcurrentFirstCallsRunOnce(t *testing.T) {
	c := New()
	ctx := context.Background()
	var calls atomic.Int32
	gate := make(chan struct{})

	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-gate
		return []byte("once"), nil
	}

	const n = 64
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Execute(ctx, "op-race", opP1, time.Hour, fn)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("once"), results[i])
	}
}

func TestExecute_FailureIsNotCached(t *testing.T) {
	c := New()
	ctx := context.Background()
	boom := errors.New("unreachable")

	_, err := c.Execute(ctx, "op-1", opP1, time.Hour, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	var calls atomic.Int32
	res, err := c.Execute(ctx, "op-1", opP1, time.Hour, counting("second", &calls))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), res)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_PanicReleasesKey(t *testing.T) {
	c := New()
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = c.Execute(ctx, "op-1", opP1, time.Hour, func(context.Context) ([]byte, error) {
			panic("bug")
		})
	})

	var calls atomic.Int32
	_, err := c.Execute(ctx, "op-1", opP2, time.Hour, counting("ok", &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_ExpiredKeyCanBeReused(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(WithClock(clock.Now))
	ctx := context.Background()
	var calls atomic.Int32

	_, err := c.Execute(ctx, "op-1", opP1, time.Minute, counting("p1", &calls))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	res, err := c.Execute(ctx, "op-1", opP2, time.Minute, counting("p2", &calls))
	require.NoError(t, err)
	assert.Equal(t, []byte("p2"), res)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_WaiterHonoursContext(t *testing.T) {
	c := New()
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	go func() {
		_, _ = c.Execute(context.Background(), "slow", opP1, time.Hour, func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, "slow", opP1, time.Hour, func(context.Context) ([]byte, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecute_WaiterSeesAbortWhenExecutorCancelled(t *testing.T) {
	c := New()
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	started := make(chan struct{})
	leaderDone := make(chan error, 1)

	go func() {
		_, err := c.Execute(leaderCtx, "op-1", opP1, time.Hour, func(ctx context.Context) ([]byte, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		leaderDone <- err
	}()
	<-started

	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "op-1", opP1, time.Hour, func(context.Context) ([]byte, error) {
			return []byte("unexpected"), nil
		})
		waiterDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderDone, context.Canceled)
	err := <-waiterDone
	require.ErrorIs(t, err, ErrAborted)
	assert.NotErrorIs(t, err, context.Canceled)

	var calls atomic.Int32
	res, err := c.Execute(context.Background(), "op-1", opP1, time.Hour, counting("retried", &calls))
	require.NoError(t, err)
	assert.Equal(t, []byte("retried"), res)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_KeyValidation(t *testing.T) {
	c := New()
	noop := func(context.Context) ([]byte, error) { return nil, nil }

	_, err := c.Execute(context.Background(), "  ", opP1, time.Hour, noop)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.Execute(context.Background(), strings.Repeat("k", MaxKeyLength+1), opP1, time.Hour, noop)
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(WithClock(clock.Now))
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = c.Execute(ctx, "short", opP1, time.Minute, counting("a", &calls))
	_, _ = c.Execute(ctx, "long", opP1, time.Hour, counting("b", &calls))

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, c.Sweep(clock.Now()))
	assert.Equal(t, 1, c.Stats().Size)

	_, ok := c.Lookup("long")
	assert.True(t, ok)
	_, ok = c.Lookup("short")
	assert.False(t, ok)
}

func TestSweep_ConcurrentWithExecute(t *testing.T) {
	c := New()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a'+i)) + "-" + string(rune('a'+j%26))
				_, _ = c.Execute(ctx, key, opP1, time.Nanosecond, func(context.Context) ([]byte, error) {
					return []byte("x"), nil
				})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Sweep(time.Now())
			}
		}()
	}
	wg.Wait()
}

func TestExecute_DurableStoreSurvivesRestart(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	var calls atomic.Int32

	first := New(WithStore(store))
	res1, err := first.Execute(ctx, "op-1", opP1, time.Hour, counting("persisted", &calls))
	require.NoError(t, err)

	restarted := New(WithStore(store))
	res2, err := restarted.Execute(ctx, "op-1", opP1, time.Hour, counting("fresh", &calls))
	require.NoError(t, err)
	assert.Equal(t, res1, res2)
	assert.Equal(t, int32(1), calls.Load())

	_, err = New(WithStore(store)).Execute(ctx, "op-1", opP2, time.Hour, counting("x", &calls))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExecute_ObserverOutcomes(t *testing.T) {
	var outcomes []string
	var mu sync.Mutex
	c := New(WithObserver(func(o string) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}))
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = c.Execute(ctx, "k", opP1, time.Hour, counting("r", &calls))
	_, _ = c.Execute(ctx, "k", opP1, time.Hour, counting("r", &calls))
	_, _ = c.Execute(ctx, "k", opP2, time.Hour, counting("r", &calls))

	assert.Equal(t, []string{OutcomeExecuted, OutcomeHit, OutcomeConflict}, outcomes)
}
