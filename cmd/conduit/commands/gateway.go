package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/broker"
	"github.com/dyluth/conduit/internal/config"
	"github.com/dyluth/conduit/internal/gateway"
	"github.com/dyluth/conduit/internal/health"
	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/proxy"
	"github.com/dyluth/conduit/pkg/cache"
	"github.com/dyluth/conduit/pkg/pubsub"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway broker",
	Long: `Connect this process's shards to the upstream gateway and bridge them to
Redis Streams.

Every dispatch is published on a stream named after its event type. Send
commands published by consumers are relayed to the owning shard, or to every
shard when no shard is given.

Run several replicas with disjoint gateway.shard_ids to split the load.

Examples:
  # Run every shard
  CONDUIT_TOKEN=... conduit gateway

  # Run shards 0-3 of 8
  conduit gateway --shards 0,1,2,3 --shard-count 8`,
	RunE: runGateway,
}

var (
	gatewayShardIDs   []int
	gatewayShardCount int
)

func init() {
	gatewayCmd.Flags().IntSliceVar(&gatewayShardIDs, "shards", nil, "Shard ids to run (overrides gateway.shard_ids)")
	gatewayCmd.Flags().IntVar(&gatewayShardCount, "shard-count", 0, "Total shard count (overrides gateway.shard_count)")
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateway.Token == "" {
		return printer.Error(
			"missing bot token",
			"The gateway needs a bot token to identify.",
			[]string{"Set gateway.token in conduit.yml", "Export " + config.EnvToken},
		)
	}
	if len(gatewayShardIDs) > 0 {
		cfg.Gateway.ShardIDs = gatewayShardIDs
	}
	if gatewayShardCount > 0 {
		cfg.Gateway.ShardCount = gatewayShardCount
	}

	ctx, stop := signalContext()
	defer stop()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	manager := gateway.NewManager(gateway.Config{
		Token:            cfg.Gateway.Token,
		Intents:          cfg.Gateway.Intents,
		URL:              cfg.Gateway.URL,
		ShardCount:       cfg.Gateway.ShardCount,
		ShardIDs:         cfg.Gateway.ShardIDs,
		IdentifyInterval: cfg.Gateway.IdentifyInterval,
		QueueSize:        cfg.Gateway.QueueSize,
	}, proxy.NewHTTPRequester(cfg.Proxy.BaseURL, cfg.Gateway.Token))

	printer.Step("Connecting shards...\n")
	if err := manager.Connect(ctx); err != nil {
		return printer.Error("failed to start shards", err.Error(), []string{"Check the bot token and gateway.shard_ids"})
	}
	defer manager.Close()
	printer.Success("Running shards %v\n", manager.ShardIDs())

	var opts []broker.Option
	if guilds := guildCache(cfg, cache.NewRegistry(rdb)); guilds != nil {
		opts = append(opts, broker.WithGuildCache(guilds))
	}
	b := broker.New(pubsub.NewClient(rdb, cfg.PubSubOptions()), manager, opts...)

	healthServer := health.NewServer(rdb, manager)
	if err := healthServer.Start(cfg.Gateway.HealthAddr); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	printer.Info("Send group %s, health on %s\n", b.Group(), cfg.Gateway.HealthAddr)

	if err := b.Run(ctx); err != nil {
		return printer.Error("broker stopped", err.Error(), nil)
	}

	s := b.Stats()
	printer.Info("Published %d events (%d failed), relayed %d sends (%d failed)\n",
		s.Published, s.PublishFailed, s.Relayed, s.RelayFailed)
	return nil
}

// guildCache returns the registry's guild snapshot cache, or nil when
// warming is disabled.
func guildCache(cfg *config.Config, registry *cache.Registry) *cache.Cache[cache.Guild] {
	if cfg.Gateway.WarmGuilds == nil || !*cfg.Gateway.WarmGuilds {
		return nil
	}
	return cache.For(registry, cache.GuildSnapshot)
}
