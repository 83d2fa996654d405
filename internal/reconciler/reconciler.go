// Package reconciler compares state checkpoints taken from several services
// and reports divergence. Resolution is advisory: the reconciler never writes
// to a participant.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/metrics"
)

// Source is the audit and event source name of the reconciler.
const Source = "reconciler"

// SnapshotMethod is the participant method Collect calls.
const SnapshotMethod = "state_snapshot"

// Resolution policies suggested with a conflict.
const (
	PolicyMostRecentWins = "most-recent-timestamp-wins"
	PolicyManual         = "manual"
)

var (
	// ErrConflict matches every *Conflict.
	ErrConflict       = errors.New("reconciler: state conflict")
	ErrNoCheckpoint   = errors.New("reconciler: no checkpoint within window")
	ErrInvalidRequest = errors.New("reconciler: invalid request")
)

// Checkpoint is a digest of one service's state at a point in time.
type Checkpoint struct {
	Service   string    `json:"service"`
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict names the services whose digests disagree.
type Conflict struct {
	// Services holds one service per distinct digest, in request order.
	Services []string `json:"services"`
	// Groups lists every compared service partitioned by digest.
	Groups          [][]string `json:"groups"`
	SuggestedPolicy string     `json:"suggested_policy"`
	// Winner is set when SuggestedPolicy is PolicyMostRecentWins.
	Winner string `json:"winner,omitempty"`
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("reconciler: state conflict between %s (suggested policy %s)",
		strings.Join(c.Services, ", "), c.SuggestedPolicy)
}

func (c *Conflict) Is(target error) bool { return target == ErrConflict }

type Status string

const (
	StatusSynchronized Status = "synchronized"
	StatusConflict     Status = "conflict"
)

// Report is the outcome of Synchronize.
type Report struct {
	Status      Status       `json:"status"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	Conflict    *Conflict    `json:"conflict,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// Err returns the conflict as an error, or nil when synchronized.
func (r Report) Err() error {
	if r.Conflict == nil {
		return nil
	}
	return r.Conflict
}

// Caller performs a plain gateway call.
type Caller interface {
	Call(ctx context.Context, service gateway.Service, method string, payload []byte, policy gateway.Policy) ([]byte, error)
}

type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

type Publisher interface {
	Publish(ctx context.Context, p eventbus.Payload, source string) eventbus.Event
}

type Option func(*Reconciler)

func WithCaller(c Caller, p gateway.Policy) Option {
	return func(r *Reconciler) {
		r.caller = c
		r.policy = p
	}
}

func WithAuditLog(rec Recorder) Option { return func(r *Reconciler) { r.audit = rec } }
func WithEventBus(p Publisher) Option { return func(r *Reconciler) { r.bus = p } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// Reconciler keeps the latest checkpoint per service.
type Reconciler struct {
	latest  *xsync.MapOf[string, Checkpoint]
	caller  Caller
	policy  gateway.Policy
	audit   Recorder
	bus     Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		latest: xsync.NewMapOf[string, Checkpoint](),
		policy: gateway.DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Digest fingerprints state. JSON is canonicalised first, so key order and
// whitespace do not change the digest; other bytes are hashed as is.
func Digest(state []byte) string {
	canonical, err := jcs.Transform(state)
	if err != nil {
		canonical = state
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Checkpoint stores a checkpoint of service's state and returns its digest.
func (r *Reconciler) Checkpoint(service string, state []byte) (string, error) {
	if service == "" {
		return "", fmt.Errorf("%w: service is required", ErrInvalidRequest)
	}
	cp := Checkpoint{Service: service, Digest: Digest(state), Timestamp: r.now()}
	r.latest.Store(service, cp)
	return cp.Digest, nil
}

// Checkpoints returns the latest checkpoint of every service, by name.
func (r *Reconciler) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, 0, r.latest.Size())
	r.latest.Range(func(_ string, cp Checkpoint) bool {
		out = append(out, cp)
		return true
	})
	slices.SortFunc(out, func(a, b Checkpoint) int { return strings.Compare(a.Service, b.Service) })
	return out
}

// Synchronize compares the latest checkpoint of each service taken within
// window. Every service must have one; a missing or stale checkpoint is an
// error rather than a conflict.
func (r *Reconciler) Synchronize(ctx context.Context, services []string, window time.Duration) (Report, error) {
	if len(services) == 0 {
		return Report{}, fmt.Errorf("%w: at least one service is required", ErrInvalidRequest)
	}
	now := r.now()

	cps := make([]Checkpoint, 0, len(services))
	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		if seen[svc] {
			continue
		}
		seen[svc] = true
		cp, ok := r.latest.Load(svc)
		if !ok {
			return Report{}, fmt.Errorf("%w: %s has none", ErrNoCheckpoint, svc)
		}
		if window > 0 && now.Sub(cp.Timestamp) > window {
			return Report{}, fmt.Errorf("%w: %s checkpoint is %s old", ErrNoCheckpoint, svc, now.Sub(cp.Timestamp).Round(time.Millisecond))
		}
		cps = append(cps, cp)
	}

	report := Report{Status: StatusSynchronized, Checkpoints: cps, CheckedAt: now}
	groups := groupByDigest(cps)
	if len(groups) == 1 {
		return report, nil
	}

	report.Status = StatusConflict
	report.Conflict = resolve(groups)
	r.reportConflict(ctx, report.Conflict)
	return report, nil
}

func groupByDigest(cps []Checkpoint) [][]Checkpoint {
	var groups [][]Checkpoint
	index := make(map[string]int)
	for _, cp := range cps {
		i, ok := index[cp.Digest]
		if !ok {
			i = len(groups)
			index[cp.Digest] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], cp)
	}
	return groups
}

// resolve suggests most-recent-timestamp-wins when exactly one checkpoint is
// strictly newer than every other, and manual review otherwise.
func resolve(groups [][]Checkpoint) *Conflict {
	c := &Conflict{SuggestedPolicy: PolicyManual}
	var newest Checkpoint
	unique := false
	for _, g := range groups {
		c.Services = append(c.Services, g[0].Service)
		names := make([]string, 0, len(g))
		for _, cp := range g {
			names = append(names, cp.Service)
			switch {
			case cp.Timestamp.After(newest.Timestamp):
				newest, unique = cp, true
			case cp.Timestamp.Equal(newest.Timestamp):
				unique = false
			}
		}
		c.Groups = append(c.Groups, names)
	}
	if unique {
		c.SuggestedPolicy = PolicyMostRecentWins
		c.Winner = newest.Service
	}
	return c
}

func (r *Reconciler) reportConflict(ctx context.Context, c *Conflict) {
	r.metrics.IncConflict()
	slog.WarnContext(ctx, "state conflict detected", "services", c.Services, "groups", c.Groups, "suggested_policy", c.SuggestedPolicy)

	if r.audit != nil {
		detail := fmt.Sprintf("services=%v groups=%v suggested_policy=%s", c.Services, c.Groups, c.SuggestedPolicy)
		if c.Winner != "" {
			detail += " winner=" + c.Winner
		}
		if _, err := r.audit.Record(ctx, audit.NewEntry(ctx, Source, "state_conflict_detected", "", "", detail)); err != nil {
			slog.WarnContext(ctx, "reconciler audit write failed", "error", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(ctx, eventbus.StateConflict{Services: c.Services, SuggestedPolicy: c.SuggestedPolicy}, Source)
	}
}

// Collect asks each service for its state snapshot and checkpoints it. A
// failing service does not stop the others; their errors are joined.
func (r *Reconciler) Collect(ctx context.Context, services []gateway.Service) ([]Checkpoint, error) {
	if r.caller == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrInvalidRequest)
	}
	var (
		out  []Checkpoint
		errs []error
	)
	for _, svc := range services {
		state, err := r.caller.Call(ctx, svc, SnapshotMethod, nil, r.policy)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciler: collect %s: %w", svc, err))
			continue
		}
		if _, err := r.Checkpoint(string(svc), state); err != nil {
			errs = append(errs, err)
			continue
		}
		cp, _ := r.latest.Load(string(svc))
		out = append(out, cp)
	}
	return out, errors.Join(errs...)
}

// Run collects and synchronizes services every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, services []gateway.Service, interval, window time.Duration) {
	if interval <= 0 || len(services) == 0 {
		return
	}
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = string(s)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Collect(ctx, services); err != nil {
				slog.WarnContext(ctx, "state collection incomplete", "error", err)
				continue
			}
			report, err := r.Synchronize(ctx, names, window)
			if err != nil {
				slog.WarnContext(ctx, "state synchronization skipped", "error", err)
				continue
			}
			slog.DebugContext(ctx, "state synchronized", "status", report.Status)
		}
	}
}
