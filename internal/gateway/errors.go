package gateway

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrTimeout is a transient failure: the attempt exceeded its timeout.
	ErrTimeout = errors.New("gateway: call timed out")
	// ErrUnreachable is a transient failure: the target could not be reached.
	ErrUnreachable = errors.New("gateway: target unreachable")
	// ErrRetriesExhausted wraps the last transient failure once the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("gateway: retries exhausted")
	// ErrRemote matches every RemoteError.
	ErrRemote = errors.New("gateway: remote error")
	// ErrUnknownService is returned for targets the gateway has no route to.
	ErrUnknownService = errors.New("gateway: unknown target service")
	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("gateway: invalid payload")
)

// RemoteError is a validation or business failure reported by the remote
// service. It is never retried.
type RemoteError struct {
	Service Service
	Method  string
	Code    string
	Detail  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway: %s.%s rejected (%s): %s", e.Service, e.Method, e.Code, e.Detail)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

// fromStatus maps a gRPC error onto the gateway taxonomy.
func fromStatus(service Service, method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s.%s: %v", ErrUnreachable, service, method, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s.%s: %s", ErrTimeout, service, method, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s.%s: %s", ErrUnreachable, service, method, st.Message())
	case codes.Canceled:
		return fmt.Errorf("gateway: %s.%s: %w", service, method, context.Canceled)
	default:
		return &RemoteError{
			Service: service,
			Method:  method,
			Code:    st.Code().String(),
			Detail:  st.Message(),
		}
	}
}
