package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors"
)

// Transport performs one request/response exchange with a participant.
// Implementations report failures using the gateway error taxonomy.
type Transport interface {
	Invoke(ctx context.Context, service Service, method string, payload []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, service Service, method string, payload []byte) ([]byte, error)

func (f TransportFunc) Invoke(ctx context.Context, service Service, method string, payload []byte) ([]byte, error) {
	return f(ctx, service, method, payload)
}

// GRPCTransport sends JSON payloads as google.protobuf.Struct messages over
// one client connection per service.
type GRPCTransport struct {
	conns map[Service]*grpc.ClientConn
}

var _ Transport = (*GRPCTransport)(nil)

// DialGRPC creates a client connection for every address. Connections are
// lazy; nothing is dialled until the first call.
func DialGRPC(addrs map[Service]string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	}
	t := &GRPCTransport{conns: make(map[Service]*grpc.ClientConn, len(addrs))}
	for svc, addr := range addrs {
		conn, err := grpc.NewClient(addr, append(base, opts...)...)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("gateway: could not connect to %s at %s: %w", svc, addr, err)
		}
		t.conns[svc] = conn
	}
	return t, nil
}

func (t *GRPCTransport) Invoke(ctx context.Context, service Service, method string, payload []byte) ([]byte, error) {
	conn, ok := t.conns[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	req := &structpb.Struct{}
	if len(payload) > 0 {
		if err := protojson.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidPayload, service, method, err)
		}
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, FullMethod(service, method), req, resp); err != nil {
		return nil, fromStatus(service, method, err)
	}

	out, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s.%s response: %w", service, method, err)
	}
	return out, nil
}

// Close closes every connection.
func (t *GRPCTransport) Close() error {
	var errs []error
	for svc, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gateway: close %s: %w", svc, err))
		}
	}
	return errors.Join(errs...)
}
