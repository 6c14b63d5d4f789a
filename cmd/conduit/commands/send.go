package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/watch"
	consumer "github.com/dyluth/conduit/pkg/gateway"
	"github.com/dyluth/conduit/pkg/pubsub"
)

var (
	sendShard   int
	sendAwait   string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send PAYLOAD",
	Short: "Send a raw gateway payload through the broker",
	Long: `Publish a send command for the gateway broker to relay.

PAYLOAD is the JSON frame written to the shard socket unchanged. Without
--shard the payload goes to every shard.

With --await the command waits for the first dispatch of that type after
sending, which is useful for request/response style gateway operations.

Examples:
  # Update presence on every shard
  conduit send '{"op":3,"d":{"status":"idle","afk":false,"since":null,"activities":[]}}'

  # Request guild members from shard 0 and wait for the chunk
  conduit send --shard 0 --await GUILD_MEMBERS_CHUNK \
    '{"op":8,"d":{"guild_id":"123","query":"","limit":0}}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().IntVarP(&sendShard, "shard", "s", -1, "Target shard id (default: all shards)")
	sendCmd.Flags().StringVar(&sendAwait, "await", "", "Wait for a dispatch of this type after sending")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long --await waits")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	payload := []byte(args[0])
	if !json.Valid(payload) {
		return printer.Error("invalid payload", "PAYLOAD must be a JSON gateway frame.", nil)
	}

	var command consumer.SendCommand
	switch {
	case sendShard < 0:
		command = consumer.ToAll(payload)
	case int64(sendShard) > math.MaxUint32:
		return printer.Error("invalid shard", fmt.Sprintf("Shard %d is out of range", sendShard), nil)
	default:
		command = consumer.ToShard(uint32(sendShard), payload)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ps := pubsub.NewClient(rdb, cfg.PubSubOptions())
	group := "send-" + uuid.NewString()
	c := consumer.NewConsumer(ps, group)

	// Subscribe before sending so the reply cannot be missed.
	var sub *consumer.Subscription
	if sendAwait != "" {
		sub, err = c.Subscribe(ctx, sendAwait)
		if err != nil {
			return printer.Error("failed to subscribe", err.Error(), nil)
		}
		defer func() {
			sub.Close()
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ps.DestroyGroup(cleanupCtx, group, sendAwait)
		}()
	}

	if err := c.Send(ctx, command); err != nil {
		return printer.Error("failed to publish send command", err.Error(), nil)
	}

	if command.ShardID == nil {
		printer.Success("Queued for all shards\n")
	} else {
		printer.Success("Queued for shard %d\n", *command.ShardID)
	}

	if sub == nil {
		return nil
	}

	d, err := watch.WaitFor(ctx, sub, nil, sendTimeout)
	if err != nil {
		return printer.Error(
			"no reply",
			err.Error(),
			[]string{"Check that a gateway broker is running", "Increase --timeout"},
		)
	}
	return watch.Write(os.Stdout, d, watch.OutputFormatJSON, time.Now())
}
