package cache

import "context"

// Cache is a read-through cache used on the status path in front of the
// job table.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	Delete(ctx context.Context, key string) error
	GetDefaultTTL() int
}
