package participant

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// DefaultExecutionLimit is the largest single order the demo venue accepts.
const DefaultExecutionLimit int64 = 5_000_000

const (
	ExecutionExecuted  = "executed"
	ExecutionCancelled = "cancelled"
)

type Execution struct {
	ExecutionID string `json:"execution_id"`
	PlanID      string `json:"plan_id"`
	UserID      string `json:"user_id"`
	AmountSats  int64  `json:"amount_sats"`
	Status      string `json:"status"`
}

type executeRequest struct {
	PlanID     string `json:"plan_id"`
	UserID     string `json:"user_id"`
	AmountSats int64  `json:"amount_sats"`
}

// Executor places plan orders on the demo venue.
type Executor struct {
	mu    sync.Mutex
	limit int64
	runs  map[string]Execution
}

func NewExecution(limit int64) *Executor {
	return &Executor{limit: limit, runs: make(map[string]Execution)}
}

func (e *Executor) Service() gateway.Service { return gateway.ServiceExecution }

func (e *Executor) Methods() map[string]Method {
	return map[string]Method{
		"execute_plan": e.execute,
		"cancel_plan":  e.cancel,
	}
}

func (e *Executor) execute(ctx context.Context, req []byte) (any, error) {
	var r executeRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("plan_id", r.PlanID); err != nil {
		return nil, err
	}
	if err := positive("amount_sats", r.AmountSats); err != nil {
		return nil, err
	}
	if r.AmountSats > e.limit {
		slog.InfoContext(ctx, "execution declined", "plan_id", r.PlanID, "amount_sats", r.AmountSats, "limit", e.limit)
		return nil, status.Errorf(codes.FailedPrecondition, "amount %d exceeds venue limit %d", r.AmountSats, e.limit)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[r.PlanID]; ok && run.Status == ExecutionExecuted {
		return nil, status.Errorf(codes.AlreadyExists, "plan %s already executed as %s", r.PlanID, run.ExecutionID)
	}
	run := Execution{
		ExecutionID: uuid.NewString(),
		PlanID:      r.PlanID,
		UserID:      r.UserID,
		AmountSats:  r.AmountSats,
		Status:      ExecutionExecuted,
	}
	e.runs[r.PlanID] = run
	slog.InfoContext(ctx, "plan executed", "plan_id", r.PlanID, "execution_id", run.ExecutionID)
	return run, nil
}

func (e *Executor) cancel(ctx context.Context, req []byte) (any, error) {
	var r executeRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("plan_id", r.PlanID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[r.PlanID]
	if !ok {
		slog.WarnContext(ctx, "no execution to cancel", "plan_id", r.PlanID)
		return Execution{PlanID: r.PlanID, Status: ExecutionCancelled}, nil
	}
	run.Status = ExecutionCancelled
	e.runs[r.PlanID] = run
	return run, nil
}

// Snapshot leaves out execution ids, which differ between replicas.
func (e *Executor) Snapshot() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.runs))
	for id, run := range e.runs {
		out[id] = run.Status
	}
	return map[string]any{"plans": out}
}
