// Package gateway is the uniform call surface to the participant services.
// It is the only component of the coordination layer that performs network
// I/O. Every call is bracketed by exactly two audit rows: "<method>_start"
// before dispatch and "<method>_success" or "<method>_failure" once the
// retry loop is over.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/metrics"
)

// Recorder is the part of the audit log the gateway writes to.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache routes CallIdempotent through c; records live for ttl.
func WithCache(c *idempotency.Cache, ttl time.Duration) Option {
	return func(g *Gateway) {
		g.cache = c
		g.ttl = ttl
	}
}

// WithRateLimit installs a per-target token bucket.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) { g.limiter = newTargetLimiter(rps, burst) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithDefaultPolicy sets the policy returned by DefaultPolicy.
func WithDefaultPolicy(p Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// Gateway performs audited, retried calls to participant services.
type Gateway struct {
	transport Transport
	audit     Recorder
	cache     *idempotency.Cache
	ttl       time.Duration
	limiter   *targetLimiter
	metrics   *metrics.Metrics
	policy    Policy
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

// New returns a Gateway over transport. rec may be nil.
func New(transport Transport, rec Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		transport: transport,
		audit:     rec,
		policy:    DefaultPolicy(),
		ttl:       24 * time.Hour,
		tracer:    otel.Tracer("github.com/jcmexdev/btc-coordinator/internal/gateway"),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DefaultPolicy returns the configured default call policy.
func (g *Gateway) DefaultPolicy() Policy {
	return g.policy
}

// Call invokes method on service. Transient failures are retried per policy
// and surface as ErrRetriesExhausted; remote rejections return immediately.
func (g *Gateway) Call(ctx context.Context, service Service, method string, payload []byte, policy Policy) ([]byte, error) {
	start := time.Now()
	owner := interceptors.GetMetadataValue(ctx, constants.HeaderXOwnerId)
	corr := interceptors.GetMetadataValue(ctx, constants.HeaderXTransactionId)

	ctx, span := g.tracer.Start(ctx, "gateway.call", trace.WithAttributes(
		attribute.String("rpc.service", string(service)),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	g.record(ctx, service, method+"_start", owner, corr,
		fmt.Sprintf("timeout=%s max_retries=%d", policy.Timeout, policy.MaxRetries))

	resp, attempts, err := g.attempt(ctx, service, method, payload, policy)
	span.SetAttributes(attribute.Int("rpc.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		g.metrics.ObserveCall(string(service), method, metrics.OutcomeFailure, time.Since(start))
		g.record(ctx, service, method+"_failure", owner, corr,
			fmt.Sprintf("attempts=%d error=%v", attempts, err))
		return nil, err
	}

	g.metrics.ObserveCall(string(service), method, metrics.OutcomeSuccess, time.Since(start))
	g.record(ctx, service, method+"_success", owner, corr, fmt.Sprintf("attempts=%d", attempts))
	return resp, nil
}

// CallIdempotent is Call deduplicated by key. A repeat with the same key and
// payload returns the first result without touching the network; a repeat
// with a different payload fails with idempotency.ErrConflict.
func (g *Gateway) CallIdempotent(ctx context.Context, key string, service Service, method string, payload []byte, policy Policy) ([]byte, error) {
	ctx = interceptors.WithValue(ctx, constants.HeaderXIdempotencyKey, key)
	if g.cache == nil {
		return g.Call(ctx, service, method, payload, policy)
	}
	op := idempotency.Operation{Service: string(service), Method: method, Payload: payload}
	return g.cache.Execute(ctx, key, op, g.ttl, func(ctx context.Context) ([]byte, error) {
		return g.Call(ctx, service, method, payload, policy)
	})
}

func (g *Gateway) attempt(ctx context.Context, service Service, method string, payload []byte, policy Policy) ([]byte, int, error) {
	seed := string(service) + "/" + method + "/" +
		interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
	budget := policy.Attempts()

	var last error
	for i := 0; i < budget; i++ {
		if i > 0 {
			g.metrics.IncRetry(string(service))
			delay := policy.Backoff.Delay(seed, i-1)
			slog.DebugContext(ctx, "retrying gateway call",
				"service", string(service), "method", method, "attempt", i+1, "delay", delay, "error", last)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, i, fmt.Errorf("gateway: %s.%s: %w", service, method, err)
			}
		}

		if err := g.limiter.Wait(ctx, service); err != nil {
			return nil, i, fmt.Errorf("gateway: %s.%s rate limit wait: %w", service, method, err)
		}

		resp, err := g.invokeOnce(ctx, service, method, payload, policy.Timeout)
		if err == nil {
			return resp, i + 1, nil
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
				err = fmt.Errorf("%w: %s.%s: %w", ErrTimeout, service, method, ctx.Err())
			}
			return nil, i + 1, err
		}
		if !IsTransient(err) {
			return nil, i + 1, err
		}
		last = err
	}
	return nil, budget, fmt.Errorf("%w: %s.%s after %d attempts: %w", ErrRetriesExhausted, service, method, budget, last)
}

func (g *Gateway) invokeOnce(ctx context.Context, service Service, method string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return g.transport.Invoke(ctx, service, method, payload)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.transport.Invoke(attemptCtx, service, method, payload)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		err = fmt.Errorf("%w: %s.%s after %s: %v", ErrTimeout, service, method, timeout, err)
	}
	return resp, err
}

func (g *Gateway) record(ctx context.Context, service Service, action, owner, corr, detail string) {
	if g.audit == nil {
		return
	}
	entry := audit.NewEntry(ctx, string(service), action, owner, corr, detail)
	if _, err := g.audit.Record(ctx, entry); err != nil {
		slog.WarnContext(ctx, "gateway audit write failed", "action", action, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
