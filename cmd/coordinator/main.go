package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcmexdev/btc-coordinator/internal/api/httpx"
	"github.com/jcmexdev/btc-coordinator/internal/audit"
	auditsqlite "github.com/jcmexdev/btc-coordinator/internal/audit/sqlite"
	"github.com/jcmexdev/btc-coordinator/internal/comms"
	"github.com/jcmexdev/btc-coordinator/internal/config"
	"github.com/jcmexdev/btc-coordinator/internal/coordinator"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/flow"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/idempotency/redisstore"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/cache"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/metrics"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/telemetry"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

func main() {
	cfg, errs := config.Load(os.Getenv("CONFIG_FILE"))
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerOptions{
		ServiceName: cfg.OTelServiceName,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	auditLog, closeAudit, err := openAuditLog(ctx, cfg.AuditDBPath)
	if err != nil {
		slog.Error("failed to open audit log", "path", cfg.AuditDBPath, "error", err)
		os.Exit(1)
	}
	defer closeAudit()

	cacheOpts := []idempotency.Option{
		idempotency.WithObserver(m.IncIdempotency),
	}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, "coordinator")
		defer redisCache.Close()
		cacheOpts = append(cacheOpts, idempotency.WithStore(redisstore.New(redisCache)))
		slog.Info("idempotency records persisted to redis", "addr", cfg.RedisAddr)
	}
	idemCache := idempotency.New(cacheOpts...)

	transport, err := gateway.DialGRPC(cfg.ServiceAddrs)
	if err != nil {
		slog.Error("failed to create participant connections", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	bus := eventbus.New(cfg.EventHistorySize, auditLog)
	gw := gateway.New(transport, auditLog,
		gateway.WithCache(idemCache, cfg.IdempotencyTTL),
		gateway.WithRateLimit(cfg.TargetRPS, cfg.TargetBurst),
		gateway.WithMetrics(m),
		gateway.WithDefaultPolicy(cfg.Policy()),
	)
	flows := flow.NewTracker(flow.WithStallWindow(cfg.FlowStallWindow))

	layer := &comms.Layer{
		Audit:   auditLog,
		Bus:     bus,
		Cache:   idemCache,
		Gateway: gw,
		Flows:   flows,
		Coordinator: coordinator.New(gw,
			coordinator.WithAuditLog(auditLog),
			coordinator.WithEventBus(bus),
			coordinator.WithFlowTracker(flows),
			coordinator.WithMetrics(m),
			coordinator.WithPolicy(cfg.Policy()),
		),
		Reconciler: reconciler.New(
			reconciler.WithCaller(gw, cfg.Policy()),
			reconciler.WithAuditLog(auditLog),
			reconciler.WithEventBus(bus),
			reconciler.WithMetrics(m),
		),
		FlowTimeout: cfg.FlowTimeout,
	}

	go layer.RunSweeper(ctx, cfg.SweepInterval)
	if cfg.ReconcileInterval > 0 {
		go layer.Reconciler.Run(ctx, gateway.AllServices, cfg.ReconcileInterval, cfg.ReconcileWindow)
	}

	router := httpx.NewRouter(httpx.NewHandler(layer), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}()

	slog.Info("coordinator running", "addr", cfg.HTTPAddr, "participants", cfg.ServiceAddrs)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// openAuditLog returns an in-memory log, backed by SQLite and restored from
// it when path is set.
func openAuditLog(ctx context.Context, path string) (*audit.Log, func(), error) {
	if path == "" {
		return audit.NewLog(nil), func() {}, nil
	}
	repo, err := auditsqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	log := audit.NewLog(repo)
	n, err := log.Restore(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	slog.Info("audit trail restored", "path", path, "entries", n)
	return log, func() {
		if err := repo.Close(); err != nil {
			slog.Error("audit repository close error", "error", err)
		}
	}, nil
}
