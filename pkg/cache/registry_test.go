package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/conduit/pkg/codec"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRegistryMemoises(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := NewRegistry(rdb)
	assert.Same(t, rdb, reg.Client())

	t.Run("same entity yields same instance", func(t *testing.T) {
		a := For(reg, GuildSnapshot)
		b := For(reg, GuildSnapshot)
		assert.Same(t, a, b)
		assert.Same(t, GuildSnapshot, a.Entity())
	})

	t.Run("distinct descriptors yield distinct instances", func(t *testing.T) {
		clone := *GuildSnapshot
		assert.NotSame(t, For(reg, GuildSnapshot), For(reg, &clone))
	})

	t.Run("registries are isolated", func(t *testing.T) {
		other := NewRegistry(rdb)
		assert.NotSame(t, For(reg, MemberSnapshot), For(other, MemberSnapshot))
	})

	t.Run("concurrent lookups agree", func(t *testing.T) {
		entity := &Entity[codec.Value]{Name: "v", Prefix: "v", TTL: time.Second, Codec: codec.ValueCodec()}
		fresh := NewRegistry(rdb)

		var wg sync.WaitGroup
		results := make([]*Cache[codec.Value], 16)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = For(fresh, entity)
			}(i)
		}
		wg.Wait()

		for _, c := range results {
			assert.Same(t, results[0], c)
		}
	})
}
