package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Outcome labels reported to an Observer.
const (
	OutcomeExecuted = "executed"
	OutcomeHit      = "hit"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// entry is one key slot. done is closed once result/err are final; nothing is
// written to an entry after that.
type entry struct {
	service     string
	method      string
	payloadHash string
	done        chan struct{}

	result    []byte
	err       error
	createdAt time.Time
	expiresAt time.Time
}

func (e *entry) settled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// expired reports whether a completed entry is past its TTL. In-flight
// entries never expire.
func (e *entry) expired(now time.Time) bool {
	return e.settled() && e.err == nil && !e.expiresAt.After(now)
}

func (e *entry) matches(service, method, hash string) bool {
	return e.service == service && e.method == method && e.payloadHash == hash
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Conflicts int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore attaches a durable backend.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver registers a callback invoked with an Outcome label per Execute.
func WithObserver(fn func(outcome string)) Option {
	return func(c *Cache) { c.observe = fn }
}

// Cache guarantees that at most one execution runs per live key. Entries live
// in a bucket-locked concurrent map; the insert of a new key is a single
// Compute under its bucket lock, so concurrent first callers elect exactly one
// executor and the rest wait for its result.
type Cache struct {
	entries *xsync.MapOf[string, *entry]
	store   Store
	now     func() time.Time
	observe func(string)

	hits      atomic.Int64
	misses    atomic.Int64
	conflicts atomic.Int64
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: xsync.NewMapOf[string, *entry](),
		now:     time.Now,
		observe: func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs fn at most once per live key and returns its result.
//
// A live key bound to the same (service, method, payload hash) returns the
// cached result without calling fn. A live key bound to anything else fails
// with ErrConflict. Failed executions are not cached: callers that were
// waiting observe the same error, later callers execute again. A waiter
// whose executor was cancelled gets ErrAborted instead of the executor's
// context error.
func (c *Cache) Execute(ctx context.Context, key string, op Operation, ttl time.Duration, fn Func) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	hash := HashPayload(op.Payload)
	now := c.now()

	var fresh *entry
	e, _ := c.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && !old.expired(now) {
			return old, false
		}
		fresh = &entry{
			service:     op.Service,
			method:      op.Method,
			payloadHash: hash,
			done:        make(chan struct{}),
			createdAt:   now,
		}
		return fresh, false
	})

	if e != fresh {
		return c.await(ctx, key, e, op, hash)
	}
	return c.lead(ctx, key, e, op, hash, ttl, fn)
}

func (c *Cache) await(ctx context.Context, key string, e *entry, op Operation, hash string) ([]byte, error) {
	if !e.matches(op.Service, op.Method, hash) {
		c.conflicts.Add(1)
		c.observe(OutcomeConflict)
		return nil, conflictError(key, e.service, e.method)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		c.observe(OutcomeFailed)
		if errors.Is(e.err, context.Canceled) || errors.Is(e.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: leading call gave up: %v", ErrAborted, key, e.err)
		}
		return nil, e.err
	}
	c.hits.Add(1)
	c.observe(OutcomeHit)
	return bytes.Clone(e.result), nil
}

func (c *Cache) lead(ctx context.Context, key string, e *entry, op Operation, hash string, ttl time.Duration, fn Func) ([]byte, error) {
	settled := false
	defer func() {
		if !settled {
			c.abandon(key, e, ErrAborted)
		}
	}()

	if rec, ok := c.lookupStore(ctx, key); ok {
		settled = true
		if !rec.Matches(op.Service, op.Method, hash) {
			c.abandon(key, e, conflictError(key, rec.Service, rec.Method))
			c.conflicts.Add(1)
			c.observe(OutcomeConflict)
			return nil, e.err
		}
		e.result = rec.Result
		e.expiresAt = rec.ExpiresAt
		close(e.done)
		c.hits.Add(1)
		c.observe(OutcomeHit)
		return bytes.Clone(rec.Result), nil
	}

	c.misses.Add(1)
	result, err := fn(ctx)
	settled = true
	if err != nil {
		c.abandon(key, e, err)
		c.observe(OutcomeFailed)
		return nil, err
	}

	e.result = bytes.Clone(result)
	e.expiresAt = c.now().Add(ttl)
	close(e.done)
	c.observe(OutcomeExecuted)

	if c.store != nil {
		rec := &Record{
			Key:         key,
			Service:     op.Service,
			Method:      op.Method,
			PayloadHash: hash,
			Result:      e.result,
			CreatedAt:   e.createdAt,
			ExpiresAt:   e.expiresAt,
		}
		if err := c.store.Put(ctx, rec, ttl); err != nil {
			slog.WarnContext(ctx, "idempotency record not persisted", "key", key, "error", err)
		}
	}
	return bytes.Clone(result), nil
}

func (c *Cache) lookupStore(ctx context.Context, key string) (*Record, bool) {
	if c.store == nil {
		return nil, false
	}
	rec, found, err := c.store.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "idempotency store lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !found || !rec.ExpiresAt.After(c.now()) {
		return nil, false
	}
	return rec, true
}

// abandon publishes err to waiters and frees the key.
func (c *Cache) abandon(key string, e *entry, err error) {
	e.err = err
	close(e.done)
	c.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		return old, !loaded || old == e
	})
}

// Lookup returns the completed record for key, if live.
func (c *Cache) Lookup(key string) (*Record, bool) {
	e, ok := c.entries.Load(key)
	if !ok || !e.settled() || e.err != nil || e.expired(c.now()) {
		return nil, false
	}
	return &Record{
		Key:         key,
		Service:     e.service,
		Method:      e.method,
		PayloadHash: e.payloadHash,
		Result:      bytes.Clone(e.result),
		CreatedAt:   e.createdAt,
		ExpiresAt:   e.expiresAt,
	}, true
}

// Sweep removes every expired record and returns how many were dropped. It is
// safe to run concurrently with Execute.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	c.entries.Range(func(key string, e *entry) bool {
		if !e.expired(now) {
			return true
		}
		c.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
			if loaded && old == e {
				removed++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return removed
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:      c.entries.Size(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Conflicts: c.conflicts.Load(),
	}
}
