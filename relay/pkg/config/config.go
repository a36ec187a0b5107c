package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/relay/relay/pkg/materializer"
	"github.com/malbeclabs/relay/relay/pkg/notify"
)

const (
	DefaultPath    = "config.json"
	DefaultEnvFile = ".env"
	envPrefix      = "RELAY_"
)

var (
	// ErrTemplateWritten means no config file existed and a blank one was
	// created for the operator to fill in.
	ErrTemplateWritten = errors.New("config template written")
	// ErrIncomplete means the change source connection settings are blank.
	ErrIncomplete = errors.New("cluster_url, region and token are required")
)

type SourceKind string

const (
	SourceSpacetime SourceKind = "spacetime"
	SourceRedis     SourceKind = "redis"
	SourceReplay    SourceKind = "replay"
)

type SinkKind string

const (
	SinkConsole SinkKind = "console"
	SinkWebhook SinkKind = "webhook"
	SinkSlack   SinkKind = "slack"
	SinkDiscord SinkKind = "discord"
)

// Config is the relay configuration. The first four fields are the
// config.json template; the rest are optional.
type Config struct {
	WebhookURL string `json:"webhook_url"`
	ClusterURL string `json:"cluster_url"`
	Region     string `json:"region"`
	Token      string `json:"token"`

	SlackBotToken   string `json:"slack_bot_token,omitempty"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	DiscordBotToken string `json:"discord_bot_token,omitempty"`
	DiscordChannel  string `json:"discord_channel,omitempty"`

	// Source overrides the change source: a redis:// URL or a capture file
	// path. Empty means the backend at ClusterURL.
	Source       string `json:"source,omitempty"`
	RedisChannel string `json:"redis_channel,omitempty"`

	ResolutionPolicy string `json:"resolution_policy,omitempty"`
	TimestampStyle   string `json:"timestamp_style,omitempty"`
	QueueCapacity    int    `json:"queue_capacity,omitempty"`
	QueueOverflow    string `json:"queue_overflow,omitempty"`

	// Process settings, from environment and flags only.
	RateLimit       float64       `json:"-"`
	ReplayInterval  time.Duration `json:"-"`
	ShutdownTimeout time.Duration `json:"-"`
	ListenAddr      string        `json:"-"`
	SentryDSN       string        `json:"-"`
	Verbose         bool          `json:"-"`
}

// Empty reports whether the backend connection settings are missing.
func (c *Config) Empty() bool {
	return c.ClusterURL == "" || c.Region == "" || c.Token == ""
}

func (c *Config) SourceKind() SourceKind {
	switch {
	case c.Source == "":
		return SourceSpacetime
	case strings.HasPrefix(c.Source, "redis://"), strings.HasPrefix(c.Source, "rediss://"):
		return SourceRedis
	default:
		return SourceReplay
	}
}

// SinkKind returns the single configured external sink. Validate rejects
// more than one.
func (c *Config) SinkKind() SinkKind {
	switch {
	case c.WebhookURL != "":
		return SinkWebhook
	case c.SlackBotToken != "" || c.SlackChannel != "":
		return SinkSlack
	case c.DiscordBotToken != "" || c.DiscordChannel != "":
		return SinkDiscord
	default:
		return SinkConsole
	}
}

func (c *Config) Validate() error {
	if c.SourceKind() == SourceSpacetime && c.Empty() {
		return ErrIncomplete
	}

	var sinks []string
	if c.WebhookURL != "" {
		sinks = append(sinks, string(SinkWebhook))
	}
	if c.SlackBotToken != "" || c.SlackChannel != "" {
		if c.SlackBotToken == "" || c.SlackChannel == "" {
			return errors.New("slack sink needs both slack_bot_token and slack_channel")
		}
		sinks = append(sinks, string(SinkSlack))
	}
	if c.DiscordBotToken != "" || c.DiscordChannel != "" {
		if c.DiscordBotToken == "" || c.DiscordChannel == "" {
			return errors.New("discord sink needs both discord_bot_token and discord_channel")
		}
		sinks = append(sinks, string(SinkDiscord))
	}
	if len(sinks) > 1 {
		return fmt.Errorf("at most one sink may be configured, got %s", strings.Join(sinks, ", "))
	}

	switch materializer.ResolutionPolicy(c.ResolutionPolicy) {
	case "", materializer.PolicySubstitute, materializer.PolicyDrop:
	default:
		return fmt.Errorf("unknown resolution_policy %q", c.ResolutionPolicy)
	}
	if c.QueueCapacity < 0 {
		return errors.New("queue_capacity must not be negative")
	}
	switch notify.Overflow(c.QueueOverflow) {
	case "", notify.OverflowDropOldest, notify.OverflowDropNewest:
	default:
		return fmt.Errorf("unknown queue_overflow %q", c.QueueOverflow)
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

type LoadOptions struct {
	// Args are the command line arguments without the program name.
	Args []string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load reads the config file, then applies .env values, RELAY_* environment
// variables and flags, each overriding the previous layer. A missing config
// file is created from the blank template; ErrTemplateWritten is returned if
// the other layers do not fill in the backend settings either.
func Load(opts LoadOptions) (*Config, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	path, envFile, err := locate(opts.Args, lookup)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	written, err := readOrCreate(path, cfg)
	if err != nil {
		return nil, err
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	fs := cfg.flagSet()
	if err := fs.Parse(opts.Args); err != nil {
		return nil, err
	}

	if written && cfg.SourceKind() == SourceSpacetime && cfg.Empty() {
		return cfg, fmt.Errorf("%w: %s", ErrTemplateWritten, path)
	}
	return cfg, nil
}

// locate finds the config and .env paths before the rest of the flags are
// known.
func locate(args []string, lookup func(string) (string, bool)) (string, string, error) {
	path := DefaultPath
	if v, ok := lookup(envPrefix + "CONFIG"); ok && v != "" {
		path = v
	}
	envFile := DefaultEnvFile
	if v, ok := lookup(envPrefix + "ENV_FILE"); ok && v != "" {
		envFile = v
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	fs.StringVar(&path, "config", path, "")
	fs.StringVar(&envFile, "env-file", envFile, "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return "", "", err
	}
	return path, envFile, nil
}

func readOrCreate(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		tmpl, err := json.MarshalIndent(Config{}, "", "  ")
		if err != nil {
			return false, fmt.Errorf("failed to marshal config template: %w", err)
		}
		if err := os.WriteFile(path, append(tmpl, '\n'), 0o600); err != nil {
			return false, fmt.Errorf("failed to write config template: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return false, nil
}

func readEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return values, nil
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	strs := map[string]*string{
		"WEBHOOK_URL":       &c.WebhookURL,
		"CLUSTER_URL":       &c.ClusterURL,
		"REGION":            &c.Region,
		"TOKEN":             &c.Token,
		"SLACK_BOT_TOKEN":   &c.SlackBotToken,
		"SLACK_CHANNEL":     &c.SlackChannel,
		"DISCORD_BOT_TOKEN": &c.DiscordBotToken,
		"DISCORD_CHANNEL":   &c.DiscordChannel,
		"SOURCE":            &c.Source,
		"REDIS_CHANNEL":     &c.RedisChannel,
		"RESOLUTION_POLICY": &c.ResolutionPolicy,
		"TIMESTAMP_STYLE":   &c.TimestampStyle,
		"QUEUE_OVERFLOW":    &c.QueueOverflow,
		"LISTEN_ADDR":       &c.ListenAddr,
	}
	for key, dst := range strs {
		if v, ok := env(envPrefix + key); ok {
			*dst = v
		}
	}
	if v, ok := env("SENTRY_DSN"); ok {
		c.SentryDSN = v
	}

	if v, ok := env(envPrefix + "QUEUE_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sQUEUE_CAPACITY: %w", envPrefix, err)
		}
		c.QueueCapacity = n
	}
	if v, ok := env(envPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRATE_LIMIT: %w", envPrefix, err)
		}
		c.RateLimit = f
	}
	durations := map[string]*time.Duration{
		"REPLAY_INTERVAL":  &c.ReplayInterval,
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
	}
	for key, dst := range durations {
		if v, ok := env(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}
	if v, ok := env(envPrefix + "VERBOSE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sVERBOSE: %w", envPrefix, err)
		}
		c.Verbose = b
	}
	return nil
}

// flagSet binds flags to c with the values loaded so far as defaults, so
// only flags present on the command line override them.
func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.String("config", DefaultPath, "Path to config.json (or set RELAY_CONFIG env var)")
	fs.String("env-file", DefaultEnvFile, "Path to a .env file (or set RELAY_ENV_FILE env var)")

	fs.StringVar(&c.ClusterURL, "cluster-url", c.ClusterURL, "Backend cluster URL (or set RELAY_CLUSTER_URL env var)")
	fs.StringVar(&c.Region, "region", c.Region, "Region database to subscribe to (or set RELAY_REGION env var)")
	fs.StringVar(&c.Token, "token", c.Token, "Backend auth token (or set RELAY_TOKEN env var)")
	fs.StringVar(&c.Source, "source", c.Source, "Alternative change source: redis:// URL or capture file path")
	fs.StringVar(&c.RedisChannel, "redis-channel", c.RedisChannel, "Redis pub/sub channel for the redis source")
	fs.DurationVar(&c.ReplayInterval, "replay-interval", c.ReplayInterval, "Delay between batches for the capture file source")

	fs.StringVar(&c.WebhookURL, "webhook-url", c.WebhookURL, "Webhook URL to POST notifications to")
	fs.StringVar(&c.SlackBotToken, "slack-bot-token", c.SlackBotToken, "Slack bot token for the slack sink")
	fs.StringVar(&c.SlackChannel, "slack-channel", c.SlackChannel, "Slack channel ID for the slack sink")
	fs.StringVar(&c.DiscordBotToken, "discord-bot-token", c.DiscordBotToken, "Discord bot token for the discord sink")
	fs.StringVar(&c.DiscordChannel, "discord-channel", c.DiscordChannel, "Discord channel ID for the discord sink")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "Maximum deliveries per second (0 = unlimited)")

	fs.StringVar(&c.ResolutionPolicy, "resolution-policy", c.ResolutionPolicy, "Unresolved moderation target handling: substitute or drop")
	fs.StringVar(&c.TimestampStyle, "timestamp-style", c.TimestampStyle, "Style letter of the expiry timestamp token")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", c.QueueCapacity, "Bound on queued notifications (0 = unbounded)")
	fs.StringVar(&c.QueueOverflow, "queue-overflow", c.QueueOverflow, "Bounded queue overflow policy: drop-oldest or drop-newest")

	fs.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "Address for the ops HTTP server (empty = disabled)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Maximum time to drain after a shutdown signal (0 = no limit)")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "Enable verbose (debug) logging")
	return fs
}
