package participant

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

type User struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

type userRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Identity keeps the registered users.
type Identity struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewIdentity() *Identity {
	return &Identity{users: make(map[string]User)}
}

func (i *Identity) Service() gateway.Service { return gateway.ServiceIdentity }

func (i *Identity) Methods() map[string]Method {
	return map[string]Method{
		"register_user":   i.register,
		"get_user":        i.get,
		"deregister_user": i.deregister,
	}
}

func (i *Identity) register(ctx context.Context, req []byte) (any, error) {
	var r userRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("user_id", r.UserID); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.users[r.UserID]; exists {
		return nil, status.Errorf(codes.AlreadyExists, "user %s already registered", r.UserID)
	}
	u := User{UserID: r.UserID, Name: r.Name}
	i.users[r.UserID] = u
	slog.InfoContext(ctx, "user registered", "user_id", r.UserID)
	return u, nil
}

func (i *Identity) get(_ context.Context, req []byte) (any, error) {
	var r userRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	u, ok := i.users[r.UserID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "user %s not found", r.UserID)
	}
	return u, nil
}

// deregister is the compensation of register. Removing an unknown user is a
// no-op so a replayed compensation succeeds.
func (i *Identity) deregister(ctx context.Context, req []byte) (any, error) {
	var r userRequest
	if err := decode(req, &r); err != nil {
		return nil, err
	}
	if err := required("user_id", r.UserID); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	_, existed := i.users[r.UserID]
	if !existed {
		slog.WarnContext(ctx, "no user to deregister", "user_id", r.UserID)
	}
	delete(i.users, r.UserID)
	return map[string]any{"user_id": r.UserID, "removed": existed}, nil
}

func (i *Identity) Snapshot() any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := make([]string, 0, len(i.users))
	for id := range i.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return map[string]any{"users": ids}
}
