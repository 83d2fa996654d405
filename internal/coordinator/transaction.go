package coordinator

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusOpen        Status = "open"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed:
		return true
	}
	return false
}

// Settled reports whether s is terminal or Expired. An Expired transaction
// still accepts Rollback but is no longer active.
func (s Status) Settled() bool {
	return s == StatusExpired || s.Terminal()
}

// ActionState tracks one action through commit and rollback.
type ActionState string

const (
	ActionPending            ActionState = "pending"
	ActionCompleted          ActionState = "completed"
	ActionFailed             ActionState = "failed"
	ActionCompensated        ActionState = "compensated"
	ActionCompensationFailed ActionState = "compensation_failed"
)

// Call is one side of an action: a named method and its JSON payload.
type Call struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Action pairs a forward call with the call that undoes it.
type Action struct {
	Service      gateway.Service `json:"service"`
	Forward      Call            `json:"forward"`
	Compensation Call            `json:"compensation"`
}

func (a Action) validate() error {
	if _, err := gateway.ParseService(string(a.Service)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAction, err)
	}
	if a.Forward.Method == "" {
		return fmt.Errorf("%w: forward method is required", ErrInvalidAction)
	}
	if a.Compensation.Method == "" {
		return fmt.Errorf("%w: compensation method is required", ErrInvalidAction)
	}
	for _, p := range []json.RawMessage{a.Forward.Payload, a.Compensation.Payload} {
		if len(p) > 0 && !json.Valid(p) {
			return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidAction)
		}
	}
	return nil
}

// ActionRecord is an action together with its progress.
type ActionRecord struct {
	Action
	State ActionState `json:"state"`
	Error string      `json:"error,omitempty"`
}

// Transaction is a point-in-time copy of a saga transaction.
type Transaction struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	PlanID       string            `json:"plan_id,omitempty"`
	Participants []gateway.Service `json:"participants"`
	Actions      []ActionRecord    `json:"actions"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	Deadline     time.Time         `json:"deadline"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Error        string            `json:"error,omitempty"`
}

// txn is the mutable table entry behind a Transaction.
type txn struct {
	mu sync.Mutex
	tx Transaction
}

func (t *txn) snapshot() Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *txn) snapshotLocked() Transaction {
	out := t.tx
	out.Participants = slices.Clone(t.tx.Participants)
	out.Actions = slices.Clone(t.tx.Actions)
	return out
}

func (t *txn) addParticipantLocked(svc gateway.Service) {
	if !slices.Contains(t.tx.Participants, svc) {
		t.tx.Participants = append(t.tx.Participants, svc)
	}
}
