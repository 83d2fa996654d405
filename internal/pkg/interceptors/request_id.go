package interceptors

import (
	"context"

	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// WithValue stores a propagated value on ctx.
func WithValue(ctx context.Context, key string, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKeyFor(key), value)
}

// GetMetadataValue looks key up in the context values first, then in the
// incoming and outgoing gRPC metadata. It returns "" if absent.
func GetMetadataValue(ctx context.Context, key string) string {
	if v, ok := ctx.Value(contextKeyFor(key)).(string); ok && v != "" {
		return v
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}

	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if ids := md.Get(key); len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// UnaryClientInterceptor copies the propagated context values into outgoing
// gRPC metadata so participants can deduplicate and correlate calls.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(ContextWithPropagatedIDs(ctx), method, req, reply, cc, opts...)
	}
}

// ContextWithPropagatedIDs appends every known propagated value to the
// outgoing metadata, skipping keys already present there.
func ContextWithPropagatedIDs(ctx context.Context) context.Context {
	out, _ := metadata.FromOutgoingContext(ctx)
	for _, k := range constants.Propagated {
		key := string(k)
		if len(out.Get(key)) > 0 {
			continue
		}
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, key, v)
		}
	}
	return ctx
}

func contextKeyFor(key string) interface{} {
	for _, k := range constants.Propagated {
		if string(k) == key {
			return k
		}
	}
	return key
}
