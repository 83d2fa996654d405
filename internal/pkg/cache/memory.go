package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with lazy expiry.
type MemoryCache struct {
	items     *xsync.MapOf[string, memoryItem]
	namespace string
	now       func() time.Time
}

// NewMemoryCache returns a process-local Cache, used when no Redis address is
// configured.
func NewMemoryCache(namespace string) *MemoryCache {
	return &MemoryCache{
		items:     xsync.NewMapOf[string, memoryItem](),
		namespace: namespace,
		now:       time.Now,
	}
}

func (m *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}
	item := memoryItem{value: s}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items.Store(key, item)
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	item, ok := m.items.Load(key)
	if !ok {
		return "", nil
	}
	if !item.expiresAt.IsZero() && !item.expiresAt.After(m.now()) {
		m.items.Delete(key)
		return "", nil
	}
	return item.value, nil
}

func (m *MemoryCache) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", m.namespace, operation, key)
}
