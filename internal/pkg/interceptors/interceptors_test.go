package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
)

func TestContextWithPropagatedIDs(t *testing.T) {
	ctx := WithValue(context.Background(), constants.HeaderXIdempotencyKey, "tx-1/0/forward")
	ctx = WithValue(ctx, constants.HeaderXTransactionId, "tx-1")
	ctx = WithValue(ctx, constants.HeaderXOwnerId, "")

	out := ContextWithPropagatedIDs(ctx)
	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)
	assert.Equal(t, []string{"tx-1/0/forward"}, md.Get(constants.HeaderXIdempotencyKey))
	assert.Equal(t, []string{"tx-1"}, md.Get(constants.HeaderXTransactionId))
	assert.Empty(t, md.Get(constants.HeaderXOwnerId))

	again := ContextWithPropagatedIDs(out)
	md, _ = metadata.FromOutgoingContext(again)
	assert.Len(t, md.Get(constants.HeaderXTransactionId), 1)
}

func TestTraceServerInterceptor_LiftsMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		constants.HeaderXIdempotencyKey, "k-1",
		constants.HeaderXOwnerId, "alice",
	))

	var seen context.Context
	_, err := TraceServerInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/holdings/debit"},
		func(ctx context.Context, _ interface{}) (interface{}, error) {
			seen = ctx
			return nil, nil
		})
	require.NoError(t, err)

	assert.Equal(t, "k-1", seen.Value(constants.ContextKeyIdempotencyKey))
	assert.Equal(t, "alice", GetMetadataValue(seen, constants.HeaderXOwnerId))
	assert.Equal(t, "", GetMetadataValue(seen, constants.HeaderXRequestId))
}
