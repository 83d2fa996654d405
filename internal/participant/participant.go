// Package participant implements the demo participant services the
// coordinator drives over gRPC. Each role is a small in-memory state machine
// exposed as JSON methods.
package participant

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// Method handles one call. req is the JSON request object; the result is
// encoded back to JSON.
type Method func(ctx context.Context, req []byte) (any, error)

// Role is one participant service.
type Role interface {
	Service() gateway.Service
	Methods() map[string]Method
	// Snapshot returns the state compared by the reconciler. It must encode
	// to the same JSON for equal states.
	Snapshot() any
}

// NewRole builds the demo role for svc.
func NewRole(svc gateway.Service) (Role, error) {
	switch svc {
	case gateway.ServiceIdentity:
		return NewIdentity(), nil
	case gateway.ServiceHoldings:
		return NewHoldings(DemoBalances()), nil
	case gateway.ServiceStrategy:
		return NewStrategy(), nil
	case gateway.ServiceExecution:
		return NewExecution(DefaultExecutionLimit), nil
	case gateway.ServiceRisk:
		return NewRisk(DefaultMaxExposure), nil
	}
	return nil, fmt.Errorf("participant: %w: %q", gateway.ErrUnknownService, svc)
}

// DemoBalances are the starting holdings, in satoshis.
func DemoBalances() map[string]int64 {
	return map[string]int64{
		"alice": 10_000_000,
		"bob":   250_000,
	}
}

func decode(req []byte, v any) error {
	if len(req) == 0 {
		req = []byte("{}")
	}
	if err := json.Unmarshal(req, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return nil
}

func positive(field string, v int64) error {
	if v <= 0 {
		return status.Errorf(codes.InvalidArgument, "%s must be positive", field)
	}
	return nil
}
