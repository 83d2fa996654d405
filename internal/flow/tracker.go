// Package flow keeps step-by-step bookkeeping of in-flight plan workflows.
// It has no compensation logic and no influence on transactional outcome.
package flow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrAlreadyExists = errors.New("flow: plan already has an active flow")
	ErrNotFound      = errors.New("flow: no active flow for plan")
	ErrInvalidPlan   = errors.New("flow: plan id must not be empty")
)

// Flow statuses. StatusActive is the only non-terminal one.
const (
	StatusActive     = "active"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusTimedOut   = "timed_out"
)

const (
	DefaultStallWindow = 5 * time.Minute
	DefaultArchiveSize = 256
)

// State is a snapshot of one workflow instance.
type State struct {
	PlanID         string    `json:"plan_id"`
	OwnerID        string    `json:"owner_id"`
	Steps          []string  `json:"steps"`
	StartedAt      time.Time `json:"started_at"`
	LastProgressAt time.Time `json:"last_progress_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Status         string    `json:"status"`
}

func (s State) clone() State {
	s.Steps = slices.Clone(s.Steps)
	return s
}

// Health summarises the active flows.
type Health struct {
	ActiveFlows  int      `json:"active_flows"`
	StalledFlows int      `json:"stalled_flows"`
	Stalled      []string `json:"stalled,omitempty"`
}

type Option func(*Tracker)

// WithStallWindow sets how long a flow may go without progress before it is
// reported as stalled.
func WithStallWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.stallWindow = d
		}
	}
}

// WithArchiveSize bounds the number of finished flows kept for inspection.
func WithArchiveSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.archiveSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker records flow progress. All methods are safe for concurrent use.
type Tracker struct {
	active      *xsync.MapOf[string, *State]
	stallWindow time.Duration
	archiveSize int
	now         func() time.Time

	mu      sync.Mutex
	archive []State
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		active:      xsync.NewMapOf[string, *State](),
		stallWindow: DefaultStallWindow,
		archiveSize: DefaultArchiveSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartFlow registers a new active flow for planID.
func (t *Tracker) StartFlow(planID, ownerID string) error {
	if planID == "" {
		return ErrInvalidPlan
	}
	now := t.now()
	var exists bool
	t.active.Compute(planID, func(old *State, loaded bool) (*State, bool) {
		if loaded {
			exists = true
			return old, false
		}
		return &State{
			PlanID:         planID,
			OwnerID:        ownerID,
			Steps:          []string{},
			StartedAt:      now,
			LastProgressAt: now,
			Status:         StatusActive,
		}, false
	})
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, planID)
	}
	return nil
}

// Advance appends step to the flow's completed steps.
func (t *Tracker) Advance(planID, step string) error {
	now := t.now()
	var found bool
	t.active.Compute(planID, func(old *State, loaded bool) (*State, bool) {
		if !loaded {
			return nil, true
		}
		found = true
		next := old.clone()
		next.Steps = append(next.Steps, step)
		next.LastProgressAt = now
		return &next, false
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	return nil
}

// Complete removes the flow from the active set and archives it with status.
func (t *Tracker) Complete(planID, status string) error {
	st, ok := t.active.LoadAndDelete(planID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	done := st.clone()
	done.Status = status
	done.FinishedAt = t.now()
	t.push(done)
	return nil
}

func (t *Tracker) push(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.archive = append(t.archive, s)
	if over := len(t.archive) - t.archiveSize; over > 0 {
		t.archive = slices.Delete(t.archive, 0, over)
	}
}

// Get returns the active flow for planID, falling back to the archive.
func (t *Tracker) Get(planID string) (State, bool) {
	if st, ok := t.active.Load(planID); ok {
		return st.clone(), true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.archive) - 1; i >= 0; i-- {
		if t.archive[i].PlanID == planID {
			return t.archive[i].clone(), true
		}
	}
	return State{}, false
}

// ActiveFlows returns every active flow, oldest first.
func (t *Tracker) ActiveFlows() []State {
	out := make([]State, 0, t.active.Size())
	t.active.Range(func(_ string, st *State) bool {
		out = append(out, st.clone())
		return true
	})
	slices.SortFunc(out, func(a, b State) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.PlanID, b.PlanID)
	})
	return out
}

// Archived returns finished flows, most recent first, bounded by limit when
// limit > 0.
func (t *Tracker) Archived(limit int) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.archive)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]State, 0, n)
	for i := len(t.archive) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.archive[i].clone())
	}
	return out
}

// Count is the number of active flows.
func (t *Tracker) Count() int {
	return t.active.Size()
}

// Health reports active flows and those without progress for longer than the
// stall window.
func (t *Tracker) Health() Health {
	now := t.now()
	h := Health{}
	for _, st := range t.ActiveFlows() {
		h.ActiveFlows++
		if now.Sub(st.LastProgressAt) > t.stallWindow {
			h.StalledFlows++
			h.Stalled = append(h.Stalled, st.PlanID)
		}
	}
	return h
}

// Sweep archives as timed_out every flow without progress for longer than
// timeout and returns how many were moved.
func (t *Tracker) Sweep(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := t.now().Add(-timeout)
	var stale []string
	t.active.Range(func(id string, st *State) bool {
		if st.LastProgressAt.Before(cutoff) {
			stale = append(stale, id)
		}
		return true
	})

	swept := 0
	for _, id := range stale {
		var expired *State
		t.active.Compute(id, func(old *State, loaded bool) (*State, bool) {
			if !loaded {
				return nil, true
			}
			if old.LastProgressAt.Before(cutoff) {
				expired = old
				return old, true
			}
			return old, false
		})
		if expired == nil {
			continue
		}
		done := expired.clone()
		done.Status = StatusTimedOut
		done.FinishedAt = t.now()
		t.push(done)
		swept++
	}
	return swept
}
