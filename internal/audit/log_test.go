package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type memRepo struct {
	mu      sync.Mutex
	saved   []Entry
	saveErr error
}

func (m *memRepo) Save(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, *e)
	return nil
}

func (m *memRepo) LoadAll(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.saved...), nil
}

func TestLog_TrailNewestFirst(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, Entry{Source: "gateway", Action: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}

	trail := l.Trail(3)
	require.Len(t, trail, 3)
	assert.Equal(t, "a4", trail[0].Action)
	assert.Equal(t, "a3", trail[1].Action)
	assert.Equal(t, "a2", trail[2].Action)

	assert.Len(t, l.Trail(0), 5)
	assert.Equal(t, 5, l.Len())
}

func TestLog_TrailFor(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	_, _ = l.Record(ctx, Entry{Action: "x1", UserID: "alice"})
	_, _ = l.Record(ctx, Entry{Action: "y1", UserID: "bob"})
	_, _ = l.Record(ctx, Entry{Action: "x2", UserID: "alice"})
	_, _ = l.Record(ctx, Entry{Action: "x3", UserID: "alice"})

	got := l.TrailFor("alice", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "x3", got[0].Action)
	assert.Equal(t, "x2", got[1].Action)

	assert.Len(t, l.TrailFor("alice", 0), 3)
	assert.Empty(t, l.TrailFor("carol", 10))
}

func TestLog_ByCorrelationKeepsRecordOrder(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	_, _ = l.Record(ctx, Entry{Action: "begin", CorrelationID: "tx-1"})
	_, _ = l.Record(ctx, Entry{Action: "other", CorrelationID: "tx-2"})
	_, _ = l.Record(ctx, Entry{Action: "commit", CorrelationID: "tx-1"})

	got := l.ByCorrelation("tx-1")
	require.Len(t, got, 2)
	assert.Equal(t, "begin", got[0].Action)
	assert.Equal(t, "commit", got[1].Action)
	assert.Less(t, got[0].Seq, got[1].Seq)
}

func TestLog_PersistFailureKeepsEntryInMemory(t *testing.T) {
	repo := &memRepo{saveErr: errors.New("disk full")}
	l := NewLog(repo)

	e, err := l.Record(context.Background(), Entry{Action: "debit_start"})
	require.Error(t, err)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, 1, l.Len())
}

func TestLog_Restore(t *testing.T) {
	repo := &memRepo{}
	first := NewLog(repo)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := first.Record(ctx, Entry{Action: fmt.Sprintf("a%d", i), UserID: "alice"})
		require.NoError(t, err)
	}

	second := NewLog(repo)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, err := second.Record(ctx, Entry{Action: "after"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Seq)
	assert.Len(t, second.TrailFor("alice", 0), 3)
}

func TestLog_ConcurrentRecord(t *testing.T) {
	l := NewLog(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Record(ctx, Entry{Action: "tick", UserID: "alice"})
		}()
	}
	wg.Wait()

	trail := l.Trail(0)
	require.Len(t, trail, 50)
	for i := 1; i < len(trail); i++ {
		assert.Greater(t, trail[i-1].Seq, trail[i].Seq)
	}
}

func TestNewEntry_CarriesTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	e := NewEntry(ctx, "coordinator", "transaction_begun", "alice", "tx-1", "")
	assert.Equal(t, span.SpanContext().TraceID().String(), e.TraceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), e.SpanID)

	bare := NewEntry(context.Background(), "coordinator", "transaction_begun", "", "", "")
	assert.Empty(t, bare.TraceID)
	assert.False(t, bare.Timestamp.IsZero())
}
