// Package coordinator orchestrates saga transactions across the participant
// services. A transaction accumulates forward/compensation action pairs while
// Open; Commit runs the forward calls in order and, on the first failure,
// compensates every completed action in reverse before reporting the failure.
//
//	Open -> Committing -> Committed
//	                   -> RollingBack -> RolledBack | Failed
//	Open -> RollingBack -> RolledBack | Failed
//	Open -> Expired -> RollingBack -> RolledBack | Failed
//
// The deadline is a hard cutoff: once it has passed a transaction can only be
// rolled back or expired, never committed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/flow"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/metrics"
)

// Source is the audit and event source name of the coordinator.
const Source = "coordinator"

const (
	DefaultTimeout             = 30 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
	DefaultRetention           = time.Hour
)

// Caller performs deduplicated gateway calls.
type Caller interface {
	CallIdempotent(ctx context.Context, key string, service gateway.Service, method string, payload []byte, policy gateway.Policy) ([]byte, error)
}

type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

type Publisher interface {
	Publish(ctx context.Context, p eventbus.Payload, source string) eventbus.Event
}

// FlowTracker receives progress for transactions begun with a plan id.
type FlowTracker interface {
	StartFlow(planID, ownerID string) error
	Advance(planID, step string) error
	Complete(planID, status string) error
}

type Option func(*Coordinator)

func WithAuditLog(r Recorder) Option { return func(c *Coordinator) { c.audit = r } }
func WithEventBus(p Publisher) Option { return func(c *Coordinator) { c.bus = p } }
func WithFlowTracker(f FlowTracker) Option { return func(c *Coordinator) { c.flows = f } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithPolicy sets the gateway policy used for every action call.
func WithPolicy(p gateway.Policy) Option { return func(c *Coordinator) { c.policy = p } }

// WithDefaultTimeout applies when Begin is called without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithCompensationTimeout bounds a whole rollback. Compensation is detached
// from the caller's cancellation and from the transaction deadline.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// WithRetention sets how long terminal transactions stay queryable before
// SweepExpired drops them.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// Coordinator owns the transaction table. Independent transactions run
// concurrently; the actions of one transaction run sequentially.
type Coordinator struct {
	caller  Caller
	audit   Recorder
	bus     Publisher
	flows   FlowTracker
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	policy              gateway.Policy
	defaultTimeout      time.Duration
	compensationTimeout time.Duration
	retention           time.Duration

	table *xsync.MapOf[string, *txn]
}

func New(caller Caller, opts ...Option) *Coordinator {
	c := &Coordinator{
		caller:              caller,
		tracer:              otel.Tracer("github.com/jcmexdev/btc-coordinator/internal/coordinator"),
		now:                 time.Now,
		policy:              gateway.DefaultPolicy(),
		defaultTimeout:      DefaultTimeout,
		compensationTimeout: DefaultCompensationTimeout,
		retention:           DefaultRetention,
		table:               xsync.NewMapOf[string, *txn](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin creates an Open transaction and returns its id. A non-empty planID
// also starts a flow for that plan.
func (c *Coordinator) Begin(ctx context.Context, ownerID, planID string, participants []gateway.Service, timeout time.Duration) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	for _, p := range participants {
		if _, err := gateway.ParseService(string(p)); err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	if planID != "" && c.flows != nil {
		if err := c.flows.StartFlow(planID, ownerID); err != nil {
			return "", fmt.Errorf("coordinator: begin for plan %s: %w", planID, err)
		}
	}

	now := c.now()
	t := &txn{tx: Transaction{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		PlanID:       planID,
		Participants: []gateway.Service{},
		Actions:      []ActionRecord{},
		Status:       StatusOpen,
		CreatedAt:    now,
		Deadline:     now.Add(timeout),
		UpdatedAt:    now,
	}}
	for _, p := range participants {
		t.addParticipantLocked(p)
	}
	c.table.Store(t.tx.ID, t)

	c.record(ctx, t.tx, "transaction_begin",
		fmt.Sprintf("plan=%s participants=%v deadline=%s", planID, t.tx.Participants, t.tx.Deadline.Format(time.RFC3339Nano)))
	slog.InfoContext(ctx, "transaction started", "tx_id", t.tx.ID, "owner_id", ownerID, "plan_id", planID)
	return t.tx.ID, nil
}

// AddAction appends an action to an Open transaction. The action's service
// joins the participant list if it is not already on it.
func (c *Coordinator) AddAction(ctx context.Context, txID string, action Action) error {
	if err := action.validate(); err != nil {
		return err
	}
	t, err := c.lookup(txID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	expired, err := c.admitLocked(t)
	if err != nil {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		if expired {
			c.announce(ctx, snap, StatusExpired, "deadline passed before add_action")
		}
		return err
	}
	t.tx.Actions = append(t.tx.Actions, ActionRecord{Action: action, State: ActionPending})
	t.addParticipantLocked(action.Service)
	t.tx.UpdatedAt = c.now()
	index := len(t.tx.Actions) - 1
	snap := t.snapshotLocked()
	t.mu.Unlock()

	c.record(ctx, snap, "action_added",
		fmt.Sprintf("index=%d service=%s forward=%s compensation=%s", index, action.Service, action.Forward.Method, action.Compensation.Method))
	return nil
}

// admitLocked checks that t may still change. It reports whether this call
// moved t to Expired.
func (c *Coordinator) admitLocked(t *txn) (bool, error) {
	switch t.tx.Status {
	case StatusOpen:
		if !c.now().Before(t.tx.Deadline) {
			t.tx.Status = StatusExpired
			t.tx.UpdatedAt = c.now()
			t.tx.Error = ErrTransactionExpired.Error()
			return true, fmt.Errorf("%w: %s", ErrTransactionExpired, t.tx.ID)
		}
		return false, nil
	case StatusExpired:
		return false, fmt.Errorf("%w: %s", ErrTransactionExpired, t.tx.ID)
	default:
		return false, fmt.Errorf("%w: %s is %s", ErrNotOpen, t.tx.ID, t.tx.Status)
	}
}

// Commit executes every forward call in order. If one fails, the completed
// actions are compensated in reverse and the original failure is returned;
// the caller never observes a partially applied transaction as success.
func (c *Coordinator) Commit(ctx context.Context, txID string) (Transaction, error) {
	t, err := c.lookup(txID)
	if err != nil {
		return Transaction{}, err
	}

	t.mu.Lock()
	expired, err := c.admitLocked(t)
	if err != nil {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		if expired {
			c.announce(ctx, snap, StatusExpired, "deadline passed before commit")
		}
		return snap, err
	}
	t.tx.Status = StatusCommitting
	t.tx.UpdatedAt = c.now()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.commit", trace.WithAttributes(
		attribute.String("tx.id", snap.ID),
		attribute.Int("tx.actions", len(snap.Actions)),
	))
	defer span.End()

	c.record(ctx, snap, "transaction_committing", fmt.Sprintf("actions=%d", len(snap.Actions)))

	callCtx := c.callContext(ctx, snap)
	orch := c.orchestrator(t, snap)

	runCtx, cancel := context.WithTimeout(callCtx, snap.Deadline.Sub(c.now()))
	completed, runErr := orch.Start(runCtx)
	deadlineHit := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if runErr == nil {
		final := c.finish(ctx, t, StatusCommitted, "")
		slog.InfoContext(ctx, "transaction committed", "tx_id", final.ID, "actions", len(final.Actions))
		return final, nil
	}

	cause := runErr
	if deadlineHit {
		cause = fmt.Errorf("%w: %s during commit: %w", ErrTransactionExpired, snap.ID, runErr)
	}
	span.RecordError(cause)
	span.SetStatus(otelcodes.Error, cause.Error())

	final, err := c.rollBack(ctx, t, orch, completed, cause)
	if err != nil {
		return final, err
	}
	return final, fmt.Errorf("coordinator: commit %s rolled back: %w", snap.ID, cause)
}

// Rollback abandons an Open or Expired transaction, compensating any
// completed actions in reverse.
func (c *Coordinator) Rollback(ctx context.Context, txID string) (Transaction, error) {
	t, err := c.lookup(txID)
	if err != nil {
		return Transaction{}, err
	}

	t.mu.Lock()
	if t.tx.Status != StatusOpen && t.tx.Status != StatusExpired {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is %s", ErrNotOpen, snap.ID, snap.Status)
	}
	t.tx.Status = StatusRollingBack
	snap := t.snapshotLocked()
	t.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.rollback", trace.WithAttributes(attribute.String("tx.id", snap.ID)))
	defer span.End()

	completed := 0
	for i, a := range snap.Actions {
		if a.State == ActionCompleted {
			completed = i + 1
		}
	}
	return c.rollBack(ctx, t, c.orchestrator(t, snap), completed, nil)
}

// rollBack is shared by Commit's failure branch and explicit Rollback. It
// returns a *CompensationError if any compensation failed.
func (c *Coordinator) rollBack(ctx context.Context, t *txn, orch *orchestrator, completed int, cause error) (Transaction, error) {
	t.mu.Lock()
	t.tx.Status = StatusRollingBack
	t.tx.UpdatedAt = c.now()
	if cause != nil {
		t.tx.Error = cause.Error()
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	c.record(ctx, snap, "transaction_rolling_back", fmt.Sprintf("compensations=%d cause=%v", completed, cause))

	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(c.callContext(ctx, snap)), c.compensationTimeout)
	failures := orch.Rollback(undoCtx, completed)
	cancel()

	if len(failures) == 0 {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		final := c.finish(ctx, t, StatusRolledBack, reason)
		slog.InfoContext(ctx, "transaction rolled back", "tx_id", final.ID, "compensated", completed)
		return final, nil
	}

	compErr := &CompensationError{TransactionID: snap.ID, Cause: cause, Failures: failures}
	c.escalate(ctx, snap, compErr)
	return c.finish(ctx, t, StatusFailed, compErr.Error()), compErr
}

func (c *Coordinator) escalate(ctx context.Context, snap Transaction, compErr *CompensationError) {
	c.metrics.IncCompensationFailure()
	slog.ErrorContext(ctx, "CRITICAL: compensation failed, manual review required",
		"tx_id", snap.ID, "owner_id", snap.OwnerID, "failures", len(compErr.Failures), "error", compErr)
	c.record(ctx, snap, "manual_review_required", compErr.Error())
}

func (c *Coordinator) orchestrator(t *txn, snap Transaction) *orchestrator {
	steps := make([]Step, len(snap.Actions))
	for i, a := range snap.Actions {
		steps[i] = &actionStep{caller: c.caller, policy: c.policy, txID: snap.ID, index: i, action: a.Action}
	}
	return &orchestrator{
		steps: steps,
		onState: func(ctx context.Context, i int, state ActionState, err error) {
			t.mu.Lock()
			t.tx.Actions[i].State = state
			if err != nil {
				t.tx.Actions[i].Error = err.Error()
			}
			t.tx.UpdatedAt = c.now()
			t.mu.Unlock()

			if state == ActionCompleted && snap.PlanID != "" && c.flows != nil {
				if err := c.flows.Advance(snap.PlanID, steps[i].Name()); err != nil {
					slog.WarnContext(ctx, "flow advance failed", "tx_id", snap.ID, "plan_id", snap.PlanID, "error", err)
				}
			}
		},
	}
}

// finish moves t to status and runs the side effects of that transition.
func (c *Coordinator) finish(ctx context.Context, t *txn, status Status, reason string) Transaction {
	t.mu.Lock()
	t.tx.Status = status
	t.tx.UpdatedAt = c.now()
	if reason != "" {
		t.tx.Error = reason
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	c.announce(ctx, snap, status, reason)
	return snap
}

var (
	outcomeKinds = map[Status]eventbus.Kind{
		StatusCommitted:  eventbus.KindTransactionCommitted,
		StatusRolledBack: eventbus.KindTransactionRolledBack,
		StatusFailed:     eventbus.KindCompensationFailed,
		StatusExpired:    eventbus.KindTransactionExpired,
	}
	flowStatuses = map[Status]string{
		StatusCommitted:  flow.StatusCompleted,
		StatusRolledBack: flow.StatusRolledBack,
		StatusFailed:     flow.StatusFailed,
		StatusExpired:    flow.StatusTimedOut,
	}
)

// announce records, counts and publishes a state the transaction just
// entered, and closes its flow.
func (c *Coordinator) announce(ctx context.Context, snap Transaction, status Status, reason string) {
	c.metrics.IncTransaction(string(status))
	c.record(ctx, snap, "transaction_"+string(status), reason)

	if snap.PlanID != "" && c.flows != nil {
		if err := c.flows.Complete(snap.PlanID, flowStatuses[status]); err != nil && !errors.Is(err, flow.ErrNotFound) {
			slog.WarnContext(ctx, "flow completion failed", "tx_id", snap.ID, "plan_id", snap.PlanID, "error", err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(ctx, eventbus.TransactionOutcome{
			Outcome:       outcomeKinds[status],
			TransactionID: snap.ID,
			OwnerID:       snap.OwnerID,
			PlanID:        snap.PlanID,
			Reason:        reason,
		}, Source)
	}
}

func (c *Coordinator) callContext(ctx context.Context, snap Transaction) context.Context {
	ctx = interceptors.WithValue(ctx, constants.HeaderXOwnerId, snap.OwnerID)
	return interceptors.WithValue(ctx, constants.HeaderXTransactionId, snap.ID)
}

func (c *Coordinator) record(ctx context.Context, snap Transaction, action, detail string) {
	if c.audit == nil {
		return
	}
	entry := audit.NewEntry(ctx, Source, action, snap.OwnerID, snap.ID, detail)
	if _, err := c.audit.Record(ctx, entry); err != nil {
		slog.WarnContext(ctx, "coordinator audit write failed", "tx_id", snap.ID, "action", action, "error", err)
	}
}

func (c *Coordinator) lookup(txID string) (*txn, error) {
	t, ok := c.table.Load(txID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return t, nil
}

// Get returns a snapshot of the transaction.
func (c *Coordinator) Get(txID string) (Transaction, error) {
	t, err := c.lookup(txID)
	if err != nil {
		return Transaction{}, err
	}
	return t.snapshot(), nil
}

// Active returns every transaction that is neither terminal nor expired,
// oldest first.
func (c *Coordinator) Active() []Transaction {
	var out []Transaction
	c.table.Range(func(_ string, t *txn) bool {
		if snap := t.snapshot(); !snap.Status.Settled() {
			out = append(out, snap)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Transaction) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// SweepExpired marks every Open transaction past its deadline as Expired and
// drops terminal and expired transactions not updated within the retention
// period. It returns
// the number of transactions expired.
func (c *Coordinator) SweepExpired(ctx context.Context) int {
	now := c.now()
	var expired []Transaction
	c.table.Range(func(id string, t *txn) bool {
		t.mu.Lock()
		switch {
		case t.tx.Status == StatusOpen && !now.Before(t.tx.Deadline):
			t.tx.Status = StatusExpired
			t.tx.UpdatedAt = now
			t.tx.Error = ErrTransactionExpired.Error()
			expired = append(expired, t.snapshotLocked())
		case t.tx.Status.Settled() && now.Sub(t.tx.UpdatedAt) > c.retention:
			c.table.Delete(id)
		}
		t.mu.Unlock()
		return true
	})

	for _, snap := range expired {
		slog.InfoContext(ctx, "transaction expired", "tx_id", snap.ID, "deadline", snap.Deadline)
		c.announce(ctx, snap, StatusExpired, "deadline passed while open")
	}
	return len(expired)
}

// Count is the number of transactions in the table.
func (c *Coordinator) Count() int {
	return c.table.Size()
}
