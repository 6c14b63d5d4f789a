package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/filter"
	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/timespec"
	"github.com/dyluth/conduit/internal/watch"
	consumer "github.com/dyluth/conduit/pkg/gateway"
	"github.com/dyluth/conduit/pkg/pubsub"
)

var (
	watchGroup        string
	watchOutputFormat string
	watchKeep         bool
	watchSince        string
	watchWhere        []string
)

var watchCmd = &cobra.Command{
	Use:   "watch EVENT_TYPE...",
	Short: "Stream dispatch events",
	Long: `Stream dispatch events published by the gateway broker.

Without --group a throwaway consumer group is created and removed on exit,
so this process sees every event without taking any from other consumers.
With --group the process joins that group and competes for its events.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  conduit watch MESSAGE_CREATE GUILD_CREATE
  conduit watch READY --output=json > ready.jsonl

  # Only messages in one guild
  conduit watch MESSAGE_CREATE --where guild_id=81384788765712384

  # Replay the last ten minutes of guild events still held in the streams
  conduit watch GUILD_CREATE GUILD_UPDATE --since 10m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchGroup, "group", "g", "", "Consumer group to join (default: temporary group)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Replay retained events since a duration ago (1h) or time (RFC3339)")
	watchCmd.Flags().StringArrayVarP(&watchWhere, "where", "w", nil, "Only show events whose payload field equals a value (key=value, repeatable)")
	watchCmd.Flags().BoolVar(&watchKeep, "keep-group", false, "Do not remove a temporary group on exit")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	criteria, err := filter.Parse(watchWhere)
	if err != nil {
		return printer.Error("invalid --where", err.Error(), []string{"Use key=value, e.g. --where author.id=80351110224678912"})
	}

	var start string
	if watchSince != "" {
		since, err := timespec.Parse(watchSince, time.Now())
		if err != nil {
			return printer.Error("invalid --since", err.Error(), nil)
		}
		start = timespec.StreamID(since)
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

	group := watchGroup
	temporary := group == ""
	if temporary {
		group = "watch-" + uuid.NewString()
	}

	if start != "" {
		if err := ps.CreateGroup(ctx, group, start, args...); err != nil {
			return printer.Error("failed to create group", err.Error(), nil)
		}
	}

	sub, err := consumer.NewConsumer(ps, group).Subscribe(ctx, args...)
	if err != nil {
		return printer.Error("failed to subscribe", err.Error(), nil)
	}
	defer sub.Close()

	if temporary && !watchKeep {
		defer func() {
			sub.Close()
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ps.DestroyGroup(cleanupCtx, group, args...); err != nil {
				printer.Warning("failed to remove group %s: %v\n", group, err)
			}
		}()
	}

	if format == watch.OutputFormatDefault {
		printer.Info("Watching %v as %s (Ctrl+C to stop)\n", args, group)
	}

	go func() {
		for err := range sub.Errors() {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		}
	}()

	return watch.Stream(ctx, sub, criteria.Matches, format, os.Stdout)
}
