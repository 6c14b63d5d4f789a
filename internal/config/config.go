package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/conduit/internal/routes"
	"github.com/dyluth/conduit/internal/selector"
	"github.com/dyluth/conduit/pkg/pubsub"
)

// Environment variables that override the file.
const (
	EnvRedisURL = "REDIS_URL"
	EnvToken    = "CONDUIT_TOKEN"
	EnvConfig   = "CONDUIT_CONFIG"
)

// DefaultPath is used when neither a flag nor CONDUIT_CONFIG names a file.
const DefaultPath = "conduit.yml"

// Config represents the top-level conduit.yml configuration
type Config struct {
	Version string         `yaml:"version"`
	Redis   *RedisConfig   `yaml:"redis,omitempty"`
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
	Proxy   *ProxyConfig   `yaml:"proxy,omitempty"`
}

// RedisConfig locates the shared store and tunes the stream transport
type RedisConfig struct {
	URL           string        `yaml:"url"`
	StreamPrefix  string        `yaml:"stream_prefix,omitempty"`
	MaxLen        int64         `yaml:"max_len,omitempty"`         // Approximate cap per stream (default 10000)
	ClaimIdle     time.Duration `yaml:"claim_idle,omitempty"`      // Pending time before redelivery (default 30s)
	MaxDeliveries int64         `yaml:"max_deliveries,omitempty"`  // Drop after this many deliveries (default 5)
}

// GatewayConfig configures the broker process
type GatewayConfig struct {
	Token            string        `yaml:"token,omitempty"`
	URL              string        `yaml:"url,omitempty"` // Empty = discover via GET /gateway/bot
	Intents          int           `yaml:"intents"`
	ShardCount       int           `yaml:"shard_count,omitempty"` // 0 = upstream recommendation
	ShardIDs         []int         `yaml:"shard_ids,omitempty"`   // Empty = all shards
	IdentifyInterval time.Duration `yaml:"identify_interval,omitempty"`
	QueueSize        int           `yaml:"queue_size,omitempty"`
	HealthAddr       string        `yaml:"health_addr,omitempty"`
	WarmGuilds       *bool         `yaml:"warm_guilds,omitempty"` // Keep guild snapshots cached (default true)
}

// ProxyConfig configures the REST proxy process
type ProxyConfig struct {
	Addr              string                   `yaml:"addr,omitempty"`
	BaseURL           string                   `yaml:"base_url,omitempty"`
	Routes            map[string]time.Duration `yaml:"routes,omitempty"`      // Pattern → TTL overrides; 0 disables caching
	Credentials       map[string]string        `yaml:"credentials,omitempty"` // Name → bot token
	DefaultCredential string                   `yaml:"default_credential,omitempty"`
	Guilds            map[string][]string      `yaml:"guilds,omitempty"` // Guild id → credential names
}

// Default returns a configuration that needs only a token.
func Default() *Config {
	c := &Config{Version: "1.0"}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.MaxLen == 0 {
		c.Redis.MaxLen = 10000
	}
	if c.Redis.ClaimIdle == 0 {
		c.Redis.ClaimIdle = 30 * time.Second
	}
	if c.Redis.MaxDeliveries == 0 {
		c.Redis.MaxDeliveries = 5
	}

	if c.Gateway == nil {
		c.Gateway = &GatewayConfig{}
	}
	if c.Gateway.IdentifyInterval == 0 {
		c.Gateway.IdentifyInterval = 5 * time.Second
	}
	if c.Gateway.QueueSize == 0 {
		c.Gateway.QueueSize = 1024
	}
	if c.Gateway.HealthAddr == "" {
		c.Gateway.HealthAddr = ":8080"
	}
	if c.Gateway.WarmGuilds == nil {
		warm := true
		c.Gateway.WarmGuilds = &warm
	}

	if c.Proxy == nil {
		c.Proxy = &ProxyConfig{}
	}
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = ":8081"
	}
	if c.Proxy.BaseURL == "" {
		c.Proxy.BaseURL = "https://discord.com/api/v10"
	}
	if c.Proxy.DefaultCredential == "" {
		c.Proxy.DefaultCredential = "default"
	}
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted settings
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if _, err := redis.ParseURL(c.Redis.URL); err != nil {
		return fmt.Errorf("redis.url is invalid: %w", err)
	}
	if c.Redis.MaxLen < 0 {
		return fmt.Errorf("redis.max_len must be >= 0, got %d", c.Redis.MaxLen)
	}
	if c.Redis.ClaimIdle < 0 {
		return fmt.Errorf("redis.claim_idle must be >= 0, got %v", c.Redis.ClaimIdle)
	}

	if c.Gateway.Intents < 0 {
		return fmt.Errorf("gateway.intents must be >= 0, got %d", c.Gateway.Intents)
	}
	if c.Gateway.ShardCount < 0 {
		return fmt.Errorf("gateway.shard_count must be >= 0, got %d", c.Gateway.ShardCount)
	}
	if len(c.Gateway.ShardIDs) > 0 && c.Gateway.ShardCount == 0 {
		return fmt.Errorf("gateway.shard_ids requires gateway.shard_count")
	}
	seen := make(map[int]bool, len(c.Gateway.ShardIDs))
	for _, id := range c.Gateway.ShardIDs {
		if id < 0 || id >= c.Gateway.ShardCount {
			return fmt.Errorf("gateway.shard_ids: %d is outside 0..%d", id, c.Gateway.ShardCount-1)
		}
		if seen[id] {
			return fmt.Errorf("gateway.shard_ids: duplicate shard %d", id)
		}
		seen[id] = true
	}
	if c.Gateway.QueueSize < 1 {
		return fmt.Errorf("gateway.queue_size must be >= 1, got %d", c.Gateway.QueueSize)
	}

	for pattern, ttl := range c.Proxy.Routes {
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("proxy.routes: pattern '%s' must start with '/'", pattern)
		}
		if ttl < 0 {
			return fmt.Errorf("proxy.routes: ttl for '%s' must be >= 0, got %v", pattern, ttl)
		}
	}

	if len(c.Proxy.Credentials) > 0 {
		if _, ok := c.Proxy.Credentials[c.Proxy.DefaultCredential]; !ok {
			return fmt.Errorf("proxy.default_credential '%s' is not defined in proxy.credentials", c.Proxy.DefaultCredential)
		}
	}
	for guild, names := range c.Proxy.Guilds {
		if len(names) == 0 {
			return fmt.Errorf("proxy.guilds: guild '%s' lists no credentials", guild)
		}
		for _, name := range names {
			if _, ok := c.Proxy.Credentials[name]; !ok {
				return fmt.Errorf("proxy.guilds: guild '%s' references unknown credential '%s'", guild, name)
			}
		}
	}

	return nil
}

// RedisOptions returns connection options for redis.url.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return opts, nil
}

// PubSubOptions returns the stream transport settings.
func (c *Config) PubSubOptions() pubsub.Options {
	return pubsub.Options{
		Prefix:        c.Redis.StreamPrefix,
		MaxLen:        c.Redis.MaxLen,
		ClaimIdle:     c.Redis.ClaimIdle,
		MaxDeliveries: c.Redis.MaxDeliveries,
	}
}

// Policy returns the default route policy with proxy.routes applied on top,
// shortest patterns first so that deeper overrides are set last.
func (c *Config) Policy() *routes.Policy {
	p := routes.DefaultPolicy()

	patterns := make([]string, 0, len(c.Proxy.Routes))
	for pattern := range c.Proxy.Routes {
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) < len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		p.Set(pattern, c.Proxy.Routes[pattern])
	}
	return p
}

// Credentials returns the guild → credential mapping for the selector.
func (c *Config) Credentials() selector.Credentials {
	creds := make(selector.Credentials, len(c.Proxy.Guilds))
	for guild, names := range c.Proxy.Guilds {
		creds[guild] = append([]string(nil), names...)
	}
	return creds
}

// Tokens returns every configured credential. A lone gateway token doubles
// as the default credential when proxy.credentials is empty.
func (c *Config) Tokens() map[string]string {
	if len(c.Proxy.Credentials) > 0 {
		return c.Proxy.Credentials
	}
	if c.Gateway.Token == "" {
		return map[string]string{}
	}
	return map[string]string{c.Proxy.DefaultCredential: c.Gateway.Token}
}

// ResolvePath picks the config file: an explicit flag, then CONDUIT_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and validates conduit.yml from the specified path, then applies
// environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault is Load, except that a missing file yields Default with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := Default()
		config.applyEnv()
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return config, nil
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if url := os.Getenv(EnvRedisURL); url != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		c.Redis.URL = url
	}
	if token := os.Getenv(EnvToken); token != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.Token = token
	}
}
