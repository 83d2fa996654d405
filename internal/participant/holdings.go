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

type amountRequest struct {
	UserID     string `json:"user_id"`
	AmountSats int64  `json:"amount_sats"`
}

type Balance struct {
	UserID      string `json:"user_id"`
	BalanceSats int64  `json:"balance_sats"`
}

// Holdings keeps a satoshi balance per user.
type Holdings struct {
	mu       sync.RWMutex
	balances map[string]int64
}

func NewHoldings(seed map[string]int64) *Holdings {
	b := make(map[string]int64, len(seed))
	maps.Copy(b, seed)
	return &Holdings{balances: b}
}

func (h *Holdings) Service() gateway.Service { return gateway.ServiceHoldings }

func (h *Holdings) Methods() map[string]Method {
	return map[string]Method{
		"debit":       h.debit,
		"credit":      h.credit,
		"get_balance": h.getBalance,
	}
}

func (h *Holdings) parse(req []byte) (amountRequest, error) {
	var r amountRequest
	if err := decode(req, &r); err != nil {
		return r, err
	}
	if err := required("user_id", r.UserID); err != nil {
		return r, err
	}
	return r, positive("amount_sats", r.AmountSats)
}

func (h *Holdings) debit(ctx context.Context, req []byte) (any, error) {
	r, err := h.parse(req)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current := h.balances[r.UserID]
	if current < r.AmountSats {
		slog.InfoContext(ctx, "debit declined", "user_id", r.UserID, "balance_sats", current, "amount_sats", r.AmountSats)
		return nil, status.Errorf(codes.FailedPrecondition,
			"insufficient balance for %s: have %d, need %d", r.UserID, current, r.AmountSats)
	}
	h.balances[r.UserID] = current - r.AmountSats
	slog.InfoContext(ctx, "debit applied", "user_id", r.UserID, "amount_sats", r.AmountSats)
	return Balance{UserID: r.UserID, BalanceSats: h.balances[r.UserID]}, nil
}

func (h *Holdings) credit(ctx context.Context, req []byte) (any, error) {
	r, err := h.parse(req)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[r.UserID] += r.AmountSats
	slog.InfoContext(ctx, "credit applied", "user_id", r.UserID, "amount_sats", r.AmountSats)
	return Balance{UserID: r.UserID, BalanceSats: h.balances[r.UserID]}, nil
}

func (h *Holdings) getBalance(_ context.Context, req []byte) (any, error) {
	var r amountRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("user_id", r.UserID); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Balance{UserID: r.UserID, BalanceSats: h.balances[r.UserID]}, nil
}

func (h *Holdings) Snapshot() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{"balances": maps.Clone(h.balances)}
}
