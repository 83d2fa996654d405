package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jcmexdev/btc-coordinator/internal/flow"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

var (
	ErrNotFound           = errors.New("coordinator: transaction not found")
	ErrNotOpen            = errors.New("coordinator: transaction is not open")
	ErrTransactionExpired = errors.New("coordinator: transaction deadline has passed")
	ErrInvalidAction      = errors.New("coordinator: invalid action")
	ErrInvalidRequest     = errors.New("coordinator: invalid request")
	// ErrCompensationFailed matches every CompensationError.
	ErrCompensationFailed = errors.New("coordinator: compensation failed")
)

// CompensationFailure describes one compensating call that did not succeed.
type CompensationFailure struct {
	Index int
	Step  string
	Err   error
}

// CompensationError is returned when a rollback could not undo every
// completed action. The transaction is left Failed and needs manual review.
type CompensationError struct {
	TransactionID string
	// Cause is the failure that triggered the rollback, if any.
	Cause    error
	Failures []CompensationFailure
}

func (e *CompensationError) Error() string {
	steps := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		steps = append(steps, fmt.Sprintf("#%d %s: %v", f.Index, f.Step, f.Err))
	}
	msg := fmt.Sprintf("coordinator: transaction %s needs manual review, compensation failed for [%s]",
		e.TransactionID, strings.Join(steps, "; "))
	if e.Cause != nil {
		msg += fmt.Sprintf(" after: %v", e.Cause)
	}
	return msg
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

func (e *CompensationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ErrorKind is the coarse error taxonomy used by callers for messaging and
// status mapping.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindTransient           ErrorKind = "transient"
	KindValidation          ErrorKind = "validation"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindTransactionExpired  ErrorKind = "transaction_expired"
	KindCompensationFailure ErrorKind = "compensation_failure"
	KindConflict            ErrorKind = "conflict"
	KindNotFound            ErrorKind = "not_found"
	KindInvalidState        ErrorKind = "invalid_state"
	KindInternal            ErrorKind = "internal"
)

// Classify maps err onto the taxonomy. Order matters: a compensation failure
// wraps the error that caused the rollback and must win over it.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCompensationFailed):
		return KindCompensationFailure
	case errors.Is(err, ErrTransactionExpired):
		return KindTransactionExpired
	case errors.Is(err, idempotency.ErrConflict):
		return KindIdempotencyConflict
	case errors.Is(err, reconciler.ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, flow.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotOpen), errors.Is(err, flow.ErrAlreadyExists):
		return KindInvalidState
	case errors.Is(err, gateway.ErrRetriesExhausted), gateway.IsTransient(err), errors.Is(err, idempotency.ErrAborted):
		return KindTransient
	case errors.Is(err, gateway.ErrRemote),
		errors.Is(err, gateway.ErrInvalidPayload),
		errors.Is(err, gateway.ErrUnknownService),
		errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, flow.ErrInvalidPlan),
		errors.Is(err, idempotency.ErrInvalidKey),
		errors.Is(err, idempotency.ErrKeyTooLong),
		errors.Is(err, reconciler.ErrNoCheckpoint),
		errors.Is(err, reconciler.ErrInvalidRequest):
		return KindValidation
	default:
		return KindInternal
	}
}
