package interceptors

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// TraceServerInterceptor lifts the propagated metadata into context values
// and logs the call. It is the unary counterpart of TraceStreamInterceptor.
func TraceServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx = liftMetadata(ctx)
		logCall(ctx, info.FullMethod)
		return handler(ctx, req)
	}
}

// TraceStreamInterceptor does the same for stream handlers, which is how the
// participant's unknown-service handler is invoked.
func TraceStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx := liftMetadata(ss.Context())
		logCall(ctx, info.FullMethod)
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

func liftMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	for _, k := range constants.Propagated {
		if vals := md.Get(string(k)); len(vals) > 0 {
			ctx = context.WithValue(ctx, k, vals[0])
		}
	}
	return ctx
}

func logCall(ctx context.Context, method string) {
	slog.InfoContext(ctx, "rpc received",
		"method", method,
		"request_id", GetMetadataValue(ctx, constants.HeaderXRequestId),
		"idempotency_key", GetMetadataValue(ctx, constants.HeaderXIdempotencyKey),
		"transaction_id", GetMetadataValue(ctx, constants.HeaderXTransactionId),
	)
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
