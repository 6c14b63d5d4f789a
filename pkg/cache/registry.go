package cache

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// Registry memoises one Cache per Entity for a process. Create one at start
// up and pass it to the components that need caches; tests create their own.
type Registry struct {
	rdb *redis.Client

	mu     sync.Mutex
	caches map[any]any // *Entity[T] -> *Cache[T]
}

// NewRegistry creates an empty registry backed by rdb.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{
		rdb:    rdb,
		caches: make(map[any]any),
	}
}

// Client returns the store client shared by every cache in the registry.
func (r *Registry) Client() *redis.Client {
	return r.rdb
}

// For returns the cache for entity, creating it on first use. The same
// entity pointer always yields the same *Cache.
func For[T any](r *Registry, entity *Entity[T]) *Cache[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[entity]; ok {
		return c.(*Cache[T])
	}
	c := New(r.rdb, entity)
	r.caches[entity] = c
	return c
}
