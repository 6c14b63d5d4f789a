package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/conduit/internal/health"
	"github.com/dyluth/conduit/internal/printer"
	"github.com/dyluth/conduit/internal/proxy"
	"github.com/dyluth/conduit/internal/selector"
)

var proxyAddr string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the caching REST proxy",
	Long: `Serve the upstream REST API with short-lived response caching.

GET requests on cacheable routes are answered from memory until their TTL
lapses. Send X-Force-Refresh: true to bypass the cache. Successful writes
drop the cached read of the same path. Every response carries X-Cache: HIT
or MISS.

Guilds mapped to several credentials in proxy.guilds have their calls
balanced round-robin across those credentials.

Examples:
  conduit proxy
  curl localhost:8081/api/v10/users/@me`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyAddr, "addr", "", "Listen address (overrides proxy.addr)")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if proxyAddr != "" {
		cfg.Proxy.Addr = proxyAddr
	}

	tokens := cfg.Tokens()
	if len(tokens) == 0 {
		return printer.Error(
			"no credentials configured",
			"The proxy needs at least one bot token.",
			[]string{"Add proxy.credentials to conduit.yml", "Set gateway.token or CONDUIT_TOKEN"},
		)
	}

	ctx, stop := signalContext()
	defer stop()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	requesters := make(map[string]proxy.Requester, len(tokens))
	for name, token := range tokens {
		requesters[name] = proxy.NewHTTPRequester(cfg.Proxy.BaseURL, token)
	}
	upstream := &proxy.MultiRequester{
		Default:     cfg.Proxy.DefaultCredential,
		Requesters:  requesters,
		Credentials: cfg.Credentials(),
		Selector:    selector.New(),
	}

	healthServer := health.NewServer(rdb, nil)
	server := proxy.NewServer(proxy.New(upstream, cfg.Policy()), healthServer.HandleHealth)
	if err := server.Start(cfg.Proxy.Addr); err != nil {
		return err
	}
	printer.Success("Proxy listening on %s with %d credential(s)\n", cfg.Proxy.Addr, len(tokens))

	<-ctx.Done()
	printer.Info("Shutting down proxy...\n")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
