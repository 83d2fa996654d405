package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/config"
	"github.com/jcmexdev/btc-coordinator/internal/participant"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/cache"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/telemetry"
)

func main() {
	cfg, errs := config.LoadParticipant(os.Getenv("CONFIG_FILE"))
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

	role, err := participant.NewRole(cfg.Role)
	if err != nil {
		slog.Error("unknown participant role", "role", cfg.Role, "error", err)
		os.Exit(1)
	}

	var responses cache.Cache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, string(cfg.Role))
		defer redisCache.Close()
		responses = redisCache
	} else {
		responses = cache.NewMemoryCache(string(cfg.Role))
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	grpcServer := participant.NewGRPCServer(participant.NewServer(role, responses, cfg.ResponseTTL))
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	slog.Info("participant gRPC running", "role", cfg.Role, "addr", cfg.Addr)
	if err := grpcServer.Serve(lis); err != nil {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
