package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/config"
	"github.com/dyluth/conduit/internal/printer"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - shared gateway broker and REST cache for Discord bots",
	Long: `Conduit runs the Discord gateway connection once and shares it between
any number of bot processes through Redis Streams.

It also provides a caching REST proxy and typed entity caches in the same
Redis, so bot replicas see one consistent view of guilds, members and
channels.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to conduit.yml (default $CONDUIT_CONFIG or ./conduit.yml)")
}

// loadConfig resolves and loads the configuration, printing a formatted
// error on failure.
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{
				"Fix the reported field in the config file",
				fmt.Sprintf("Set %s and %s to run without a file", config.EnvToken, config.EnvRedisURL),
			},
		)
	}
	return cfg, nil
}

// connectRedis opens and pings the shared store.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, printer.Error("invalid redis url", err.Error(), []string{"Check redis.url or " + config.EnvRedisURL})
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			err.Error(),
			map[string]string{"Redis": cfg.Redis.URL},
			[]string{
				"Start Redis, e.g. docker run -p 6379:6379 redis:7-alpine",
				"Point " + config.EnvRedisURL + " at a reachable instance",
			},
		)
	}
	return rdb, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
