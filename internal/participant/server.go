package participant

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/cache"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

// DefaultResponseTTL is how long a response stays replayable.
const DefaultResponseTTL = 24 * time.Hour

// Server dispatches participant calls to a Role. Responses to calls carrying
// an x-idempotency-key are stored in the cache and replayed verbatim when
// the key comes back.
type Server struct {
	role    Role
	methods map[string]Method
	cache   cache.Cache
	ttl     time.Duration
}

// NewServer serves role. c may be nil, which disables replay.
func NewServer(role Role, c cache.Cache, ttl time.Duration) *Server {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &Server{role: role, methods: role.Methods(), cache: c, ttl: ttl}
}

// NewGRPCServer returns a gRPC server that routes every participant method
// of s through the unknown-service handler.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors.TraceServerInterceptor()),
		grpc.ChainStreamInterceptor(interceptors.TraceStreamInterceptor()),
		grpc.UnknownServiceHandler(s.Handle),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// Handle is a grpc.StreamHandler for unary participant calls carrying a
// google.protobuf.Struct in both directions.
func (s *Server) Handle(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	svc, method, err := gateway.ParseFullMethod(full)
	if err != nil || svc != s.role.Service() {
		return status.Errorf(codes.Unimplemented, "%s is not served by %s", full, s.role.Service())
	}

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	payload, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}

	out, err := s.Invoke(stream.Context(), method, payload)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := protojson.Unmarshal(out, resp); err != nil {
		return status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return stream.SendMsg(resp)
}

// Invoke runs method with the JSON payload and returns the JSON response.
func (s *Server) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if method == reconciler.SnapshotMethod {
		return s.encode(s.role.Snapshot())
	}
	fn, ok := s.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%s has no method %s", s.role.Service(), method)
	}

	key := interceptors.GetMetadataValue(ctx, constants.HeaderXIdempotencyKey)
	cacheKey := ""
	if key != "" && s.cache != nil {
		cacheKey = s.cache.GenerateKey(method, key)
		cached, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			slog.WarnContext(ctx, "response cache read failed", "key", cacheKey, "error", err)
		} else if cached != "" {
			slog.InfoContext(ctx, "replaying cached response", "method", method, "idempotency_key", key)
			return []byte(cached), nil
		}
	}

	result, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	out, err := s.encode(result)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		if err := s.cache.Set(ctx, cacheKey, out, s.ttl); err != nil {
			slog.WarnContext(ctx, "response cache write failed", "key", cacheKey, "error", err)
		}
	}
	return out, nil
}

func (s *Server) encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
