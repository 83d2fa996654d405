package participant

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

type Recommendation struct {
	PlanID      string `json:"plan_id"`
	UserID      string `json:"user_id"`
	RiskProfile string `json:"risk_profile"`
	// AllocationBps is the share of the deposit to invest, in basis points.
	AllocationBps int64 `json:"allocation_bps"`
}

type planRequest struct {
	PlanID      string `json:"plan_id"`
	UserID      string `json:"user_id"`
	RiskProfile string `json:"risk_profile"`
}

var allocations = map[string]int64{
	"conservative": 2_500,
	"balanced":     5_000,
	"aggressive":   8_000,
}

// Strategy issues investment recommendations per plan.
type Strategy struct {
	mu    sync.RWMutex
	plans map[string]Recommendation
}

func NewStrategy() *Strategy {
	return &Strategy{plans: make(map[string]Recommendation)}
}

func (s *Strategy) Service() gateway.Service { return gateway.ServiceStrategy }

func (s *Strategy) Methods() map[string]Method {
	return map[string]Method{
		"recommend":               s.recommend,
		"withdraw_recommendation": s.withdraw,
	}
}

func (s *Strategy) recommend(ctx context.Context, req []byte) (any, error) {
	var r planRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("plan_id", r.PlanID); err != nil {
		return nil, err
	}
	profile := r.RiskProfile
	bps, ok := allocations[profile]
	if !ok {
		profile, bps = "balanced", allocations["balanced"]
	}

	rec := Recommendation{PlanID: r.PlanID, UserID: r.UserID, RiskProfile: profile, AllocationBps: bps}
	s.mu.Lock()
	s.plans[r.PlanID] = rec
	s.mu.Unlock()

	slog.InfoContext(ctx, "recommendation issued", "plan_id", r.PlanID, "risk_profile", profile)
	return rec, nil
}

func (s *Strategy) withdraw(ctx context.Context, req []byte) (any, error) {
	var r planRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("plan_id", r.PlanID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, existed := s.plans[r.PlanID]
	delete(s.plans, r.PlanID)
	s.mu.Unlock()

	if !existed {
		slog.WarnContext(ctx, "no recommendation to withdraw", "plan_id", r.PlanID)
	}
	return map[string]any{"plan_id": r.PlanID, "withdrawn": existed}, nil
}

func (s *Strategy) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{"plans": maps.Clone(s.plans)}
}
