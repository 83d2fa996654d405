package constants

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

// gRPC metadata / HTTP header names.
const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"
	HeaderXTransactionId  = "x-transaction-id"
	HeaderXOwnerId        = "x-owner-id"
)

const (
	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = HeaderXRequestId
	// ContextKeyIdempotencyKey is the context key for the idempotency key.
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
	// ContextKeyTransactionID is the context key for the coordinator transaction ID.
	ContextKeyTransactionID contextKey = HeaderXTransactionId
	// ContextKeyOwnerID is the context key for the owner identity of a call.
	ContextKeyOwnerID contextKey = HeaderXOwnerId
)

// Propagated lists every key forwarded between the coordinator and participants.
var Propagated = []contextKey{
	ContextKeyRequestID,
	ContextKeyIdempotencyKey,
	ContextKeyTransactionID,
	ContextKeyOwnerID,
}
