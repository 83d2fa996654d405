// Package redisstore persists idempotency records in a key/value cache so they
// survive coordinator restarts.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/idempotency"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/cache"
)

const operation = "idempotency"

// Store implements idempotency.Store on top of cache.Cache. Records are
// stored as JSON with the record TTL as the key expiry.
type Store struct {
	cache cache.Cache
}

var _ idempotency.Store = (*Store)(nil)

func New(c cache.Cache) *Store {
	return &Store{cache: c}
}

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, bool, error) {
	raw, err := s.cache.Get(ctx, s.cache.GenerateKey(operation, key))
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: get %q: %w", key, err)
	}
	if raw == "" {
		return nil, false, nil
	}
	var rec idempotency.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("redisstore: decode %q: %w", key, err)
	}
	return &rec, true, nil
}

func (s *Store) Put(ctx context.Context, rec *idempotency.Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: encode %q: %w", rec.Key, err)
	}
	if err := s.cache.Set(ctx, s.cache.GenerateKey(operation, rec.Key), b, ttl); err != nil {
		return fmt.Errorf("redisstore: put %q: %w", rec.Key, err)
	}
	return nil
}
