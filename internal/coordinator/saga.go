package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// Step represents a single unit of work in the saga.
// Each step must have a compensating action to undo its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// actionStep runs one transaction action through the gateway. Forward and
// compensating calls carry their own idempotency keys, so a replayed commit
// or rollback never repeats a side effect.
type actionStep struct {
	caller Caller
	policy gateway.Policy
	txID   string
	index  int
	action Action
}

func (s *actionStep) Name() string {
	return string(s.action.Service) + "." + s.action.Forward.Method
}

func (s *actionStep) Execute(ctx context.Context) error {
	key := fmt.Sprintf("%s/%d/forward", s.txID, s.index)
	if _, err := s.caller.CallIdempotent(ctx, key, s.action.Service, s.action.Forward.Method, s.action.Forward.Payload, s.policy); err != nil {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	return nil
}

func (s *actionStep) Compensate(ctx context.Context) error {
	key := fmt.Sprintf("%s/%d/compensate", s.txID, s.index)
	if _, err := s.caller.CallIdempotent(ctx, key, s.action.Service, s.action.Compensation.Method, s.action.Compensation.Payload, s.policy); err != nil {
		return fmt.Errorf("%s.%s: %w", s.action.Service, s.action.Compensation.Method, err)
	}
	return nil
}

// orchestrator executes steps in order and compensates completed ones in
// reverse. onState, when set, observes every state change.
type orchestrator struct {
	steps   []Step
	onState func(ctx context.Context, index int, state ActionState, err error)
}

func (o *orchestrator) notify(ctx context.Context, i int, state ActionState, err error) {
	if o.onState != nil {
		o.onState(ctx, i, state, err)
	}
}

// Start runs the steps sequentially and returns how many completed. On
// failure the failing step is not counted and nothing is compensated; the
// caller decides how to roll back.
func (o *orchestrator) Start(ctx context.Context) (int, error) {
	for i, step := range o.steps {
		slog.DebugContext(ctx, "executing step", "step", step.Name(), "index", i)
		if err := ctx.Err(); err != nil {
			o.notify(ctx, i, ActionFailed, err)
			return i, err
		}
		if err := step.Execute(ctx); err != nil {
			slog.WarnContext(ctx, "step failed", "step", step.Name(), "index", i, "error", err)
			o.notify(ctx, i, ActionFailed, err)
			return i, err
		}
		o.notify(ctx, i, ActionCompleted, nil)
	}
	return len(o.steps), nil
}

// Rollback compensates steps[0:completed] in reverse order. A failed
// compensation does not stop the remaining ones.
func (o *orchestrator) Rollback(ctx context.Context, completed int) []CompensationFailure {
	var failures []CompensationFailure
	for i := completed - 1; i >= 0; i-- {
		step := o.steps[i]
		slog.DebugContext(ctx, "compensating step", "step", step.Name(), "index", i)
		if err := step.Compensate(ctx); err != nil {
			slog.ErrorContext(ctx, "CRITICAL: failed to compensate step", "step", step.Name(), "index", i, "error", err)
			o.notify(ctx, i, ActionCompensationFailed, err)
			failures = append(failures, CompensationFailure{Index: i, Step: step.Name(), Err: err})
			continue
		}
		o.notify(ctx, i, ActionCompensated, nil)
	}
	return failures
}
