package participant

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// DefaultMaxExposure caps the evaluated exposure of a single user.
const DefaultMaxExposure int64 = 20_000_000

type Evaluation struct {
	UserID       string `json:"user_id"`
	ExposureSats int64  `json:"exposure_sats"`
	Approved     bool   `json:"approved"`
}

// Risk tracks the exposure approved per user.
type Risk struct {
	mu          sync.Mutex
	maxExposure int64
	exposure    map[string]int64
}

func NewRisk(maxExposure int64) *Risk {
	return &Risk{maxExposure: maxExposure, exposure: make(map[string]int64)}
}

func (r *Risk) Service() gateway.Service { return gateway.ServiceRisk }

func (r *Risk) Methods() map[string]Method {
	return map[string]Method{
		"evaluate_portfolio": r.evaluate,
		"release_evaluation": r.release,
	}
}

func (r *Risk) evaluate(ctx context.Context, req []byte) (any, error) {
	var in amountRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := required("user_id", in.UserID); err != nil {
		return nil, err
	}
	if err := positive("amount_sats", in.AmountSats); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.exposure[in.UserID] + in.AmountSats
	if next > r.maxExposure {
		slog.InfoContext(ctx, "portfolio rejected", "user_id", in.UserID, "exposure_sats", next)
		return nil, status.Errorf(codes.FailedPrecondition,
			"exposure %d for %s exceeds limit %d", next, in.UserID, r.maxExposure)
	}
	r.exposure[in.UserID] = next
	return Evaluation{UserID: in.UserID, ExposureSats: next, Approved: true}, nil
}

func (r *Risk) release(_ context.Context, req []byte) (any, error) {
	var in amountRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := required("user_id", in.UserID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	left := max(r.exposure[in.UserID]-in.AmountSats, 0)
	if left == 0 {
		delete(r.exposure, in.UserID)
	} else {
		r.exposure[in.UserID] = left
	}
	return Evaluation{UserID: in.UserID, ExposureSats: left}, nil
}

func (r *Risk) Snapshot() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{"exposure": maps.Clone(r.exposure)}
}
