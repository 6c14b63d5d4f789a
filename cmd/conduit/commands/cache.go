package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/pkg/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the shared entity caches",
	Long: `Inspect the typed entity caches kept in Redis.

ENTITY is one of: guild, member, channel. Member ids are GUILD_ID:USER_ID.

Examples:
  conduit cache get guild 81384788765712384
  conduit cache old guild 81384788765712384
  conduit cache del member 81384788765712384:80351110224678912`,
}

func init() {
	cacheCmd.AddCommand(
		cacheSubcommand("get", "Show the current value of an entry", opGet),
		cacheSubcommand("old", "Show the value before the last update", opOld),
		cacheSubcommand("del", "Delete both generations of an entry", opDel),
	)
	rootCmd.AddCommand(cacheCmd)
}

type cacheOp int

const (
	opGet cacheOp = iota
	opOld
	opDel
)

func cacheSubcommand(use, short string, op cacheOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ENTITY ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(op, args[0], args[1])
		},
	}
}

func runCache(op cacheOp, entity, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	registry := cache.NewRegistry(rdb)
	switch entity {
	case "guild":
		return cacheEntry(ctx, rdb, cache.For(registry, cache.GuildSnapshot), op, id)
	case "member":
		return cacheEntry(ctx, rdb, cache.For(registry, cache.MemberSnapshot), op, id)
	case "channel":
		return cacheEntry(ctx, rdb, cache.For(registry, cache.ChannelSnapshot), op, id)
	}
	return printer.Error(
		"unknown entity",
		fmt.Sprintf("Unknown entity: %s", entity),
		[]string{"Valid entities: guild, member, channel"},
	)
}

func cacheEntry[T any](ctx context.Context, rdb *redis.Client, c *cache.Cache[T], op cacheOp, id string) error {
	entity := c.Entity()

	if op == opDel {
		if err := c.Delete(ctx, id); err != nil {
			return printer.Error("delete failed", err.Error(), nil)
		}
		printer.Success("Deleted %s %s\n", entity.Name, id)
		return nil
	}

	key := entity.Key(id)
	read := c.GetStrict
	if op == opOld {
		key = entity.OldKey(id)
		read = c.GetOld
	}

	value, ok, err := read(ctx, id)
	if err != nil {
		return printer.Error("read failed", err.Error(), nil)
	}
	if !ok {
		return printer.Error(
			"not cached",
			fmt.Sprintf("No %s entry for %s", entity.Name, id),
			[]string{"Entries expire after " + entity.TTL.String() + " without reads"},
		)
	}

	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", entity.Name, err)
	}

	printer.Fields(os.Stdout, map[string]string{
		"key": key,
		"ttl": ttlString(ctx, rdb, key),
	})
	printer.Println(string(body))
	return nil
}

func ttlString(ctx context.Context, rdb *redis.Client, key string) string {
	ttl, err := rdb.TTL(ctx, key).Result()
	if err != nil {
		return "unknown"
	}
	if ttl < 0 {
		return strconv.FormatInt(int64(ttl), 10)
	}
	return ttl.Round(time.Second).String()
}
