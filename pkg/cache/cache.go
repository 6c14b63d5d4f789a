package cache

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// rotateScript moves KEYS[1] to KEYS[2] (if present) and writes the new value.
// ARGV[1] = encoded value, ARGV[2] = TTL in milliseconds.
var rotateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("RENAME", KEYS[1], KEYS[2])
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// ErrStore wraps store failures surfaced by strict reads and by writes.
var ErrStore = errors.New("cache store error")

// Cache is the typed view of one Entity in the shared store.
// It is safe for concurrent use.
type Cache[T any] struct {
	rdb    *redis.Client
	entity *Entity[T]
}

// New creates a cache for entity. Prefer For with a Registry so that the same
// entity always yields the same instance.
func New[T any](rdb *redis.Client, entity *Entity[T]) *Cache[T] {
	return &Cache[T]{rdb: rdb, entity: entity}
}

// Entity returns the descriptor this cache was built for.
func (c *Cache[T]) Entity() *Entity[T] {
	return c.entity
}

// Has reports whether a current value exists for id.
// Store failures report false.
func (c *Cache[T]) Has(ctx context.Context, id string) bool {
	key := c.entity.Key(id)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("[Cache] Exists %s failed, treating as miss: %v", key, err)
		return false
	}
	return n > 0
}

// Get returns the current value for id and refreshes its TTL.
// A miss, a store error or a timeout all return ok=false with a nil error;
// only an undecodable stored value returns an error.
func (c *Cache[T]) Get(ctx context.Context, id string) (value T, ok bool, err error) {
	return c.read(ctx, c.entity.Key(id), false)
}

// GetOld returns the previous value for id and refreshes its TTL.
func (c *Cache[T]) GetOld(ctx context.Context, id string) (value T, ok bool, err error) {
	return c.read(ctx, c.entity.OldKey(id), false)
}

// GetStrict is Get for call sites where serving nothing on a store outage is
// wrong (permission snapshots): store errors are returned wrapped in ErrStore
// so the caller can refetch synchronously instead of assuming a miss.
func (c *Cache[T]) GetStrict(ctx context.Context, id string) (value T, ok bool, err error) {
	return c.read(ctx, c.entity.Key(id), true)
}

func (c *Cache[T]) read(ctx context.Context, key string, strict bool) (T, bool, error) {
	var zero T

	var get *redis.StringCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.PExpire(ctx, key, c.entity.TTL)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		if strict {
			return zero, false, fmt.Errorf("%w: failed to read %s: %v", ErrStore, key, err)
		}
		log.Printf("[Cache] Read %s failed, treating as miss: %v", key, err)
		return zero, false, nil
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		if strict {
			return zero, false, fmt.Errorf("%w: failed to read %s: %v", ErrStore, key, err)
		}
		log.Printf("[Cache] Read %s failed, treating as miss: %v", key, err)
		return zero, false, nil
	}

	value, err := c.entity.Codec.Decode(data)
	if err != nil {
		return zero, false, fmt.Errorf("failed to decode %s entry %s: %w", c.entity.Name, key, err)
	}
	return value, true, nil
}

// Set stores value as the current generation of id. If a current value
// exists it becomes the old generation. Store errors are returned so callers
// can retry; a lost write would leave a stale value looking current.
func (c *Cache[T]) Set(ctx context.Context, id string, value T) error {
	data, err := c.entity.Codec.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s entry: %w", c.entity.Name, err)
	}

	keys := []string{c.entity.Key(id), c.entity.OldKey(id)}
	if err := rotateScript.Run(ctx, c.rdb, keys, data, c.entity.TTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrStore, keys[0], err)
	}
	return nil
}

// Delete removes both generations of id. Deleting a missing id is a no-op.
func (c *Cache[T]) Delete(ctx context.Context, id string) error {
	key := c.entity.Key(id)
	if err := c.rdb.Del(ctx, key, c.entity.OldKey(id)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", ErrStore, key, err)
	}
	return nil
}
