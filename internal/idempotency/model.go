// Package idempotency deduplicates operations keyed by a caller-supplied
// idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// MaxKeyLength is the longest accepted idempotency key in bytes.
const MaxKeyLength = 255

var (
	// ErrConflict means the key is already bound to a different operation.
	ErrConflict = errors.New("idempotency: key reused for a different operation")
	// ErrInvalidKey is returned for an empty or blank key.
	ErrInvalidKey = errors.New("idempotency: key must not be empty")
	// ErrKeyTooLong is returned for keys longer than MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency: key exceeds maximum length")
	// ErrAborted is observed by callers waiting on an execution that panicked
	// or whose caller was cancelled. Retrying the call is safe.
	ErrAborted = errors.New("idempotency: execution aborted")
)

// Operation identifies the logical call a key is bound to.
type Operation struct {
	Service string
	Method  string
	Payload []byte
}

// Func performs the operation. Its result is cached on success.
type Func func(ctx context.Context) ([]byte, error)

// Record is the persisted form of a completed operation.
type Record struct {
	Key         string    `json:"key"`
	Service     string    `json:"service"`
	Method      string    `json:"method"`
	PayloadHash string    `json:"payload_hash"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Matches reports whether the record was produced by the same logical operation.
func (r *Record) Matches(service, method, payloadHash string) bool {
	return r.Service == service && r.Method == method && r.PayloadHash == payloadHash
}

// Store is an optional durable backend consulted on a local miss.
type Store interface {
	Get(ctx context.Context, key string) (*Record, bool, error)
	Put(ctx context.Context, rec *Record, ttl time.Duration) error
}

// ValidateKey checks key length and emptiness.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// HashPayload returns the hex SHA-256 of the payload's canonical form.
// JSON payloads are canonicalised (RFC 8785) first so that key order and
// whitespace do not change the hash; other payloads are hashed as-is.
func HashPayload(payload []byte) string {
	canonical := payload
	if len(payload) > 0 {
		if c, err := jcs.Transform(payload); err == nil {
			canonical = c
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func conflictError(key, service, method string) error {
	return fmt.Errorf("%w: key %q is bound to %s.%s", ErrConflict, key, service, method)
}
