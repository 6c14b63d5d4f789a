package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/streams"
	"github.com/dyluth/conduit/pkg/pubsub"
)

var streamsOutputFormat string

var streamsCmd = &cobra.Command{
	Use:   "streams [PATTERN]",
	Short: "List event streams and their consumer groups",
	Long: `List the topic streams in Redis with their length, pending entries and
consumer groups.

PATTERN is a glob over topic names.

Output Formats:
  default - Table
  jsonl   - One JSON object per stream

Examples:
  conduit streams
  conduit streams 'GUILD_*' --output=jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStreams,
}

func init() {
	streamsCmd.Flags().StringVarP(&streamsOutputFormat, "output", "o", "default", "Output format (default or jsonl)")
	rootCmd.AddCommand(streamsCmd)
}

func runStreams(cmd *cobra.Command, args []string) error {
	format := streams.OutputFormat(streamsOutputFormat)
	if format != streams.OutputFormatDefault && format != streams.OutputFormatJSONL {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", streamsOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	var pattern string
	if len(args) == 1 {
		pattern = args[0]
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

	infos, err := streams.List(ctx, pubsub.NewClient(rdb, cfg.PubSubOptions()), pattern)
	if err != nil {
		return printer.Error("failed to list streams", err.Error(), nil)
	}

	if format == streams.OutputFormatJSONL {
		return streams.FormatJSONL(os.Stdout, infos)
	}
	streams.FormatTable(os.Stdout, infos, time.Now())
	return nil
}
