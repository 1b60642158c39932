package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"credits-generator/internal/credits"
	"credits-generator/internal/displays"
	"credits-generator/internal/redisconn"
	"credits-generator/internal/server"
	"credits-generator/internal/serverutil"
	"credits-generator/internal/storage"
	"credits-generator/internal/twitch"
	"credits-generator/internal/viewers"
)

type config struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	TLS             serverutil.TLSConfig
	ShutdownTimeout time.Duration

	OperatorTokenHash string
	DataFile          string
	StreamerUsername  string
	BotUsername       string
	Locale            string
	SnapshotPolicy    credits.SnapshotPolicy
	Concurrency       int
	GenerationTTL     time.Duration
	GenerationSweep   time.Duration
	DisplayHeartbeat  time.Duration

	ViewersDriver string
	ViewersSeed   string
	Postgres      viewers.PostgresConfig
	Breaker       viewers.BreakerConfig

	Twitch            twitch.ClientConfig
	TwitchFollowers   bool
	TwitchSubscribers bool
	TwitchCacheDriver string
	TwitchCacheTTL    time.Duration

	Redis redisconn.Config

	EventsDriver        string
	NotificationsDriver string
	Queues              queueConfig

	RateLimit      server.RateLimitConfig
	RateRedis      bool
	CORSOrigins    []string
	FrameAncestors string
}

// queueConfig carries the transport settings shared by the inbound and
// notification queues.
type queueConfig struct {
	Redis               redisconn.Config
	EventsStream        string
	EventsGroup         string
	NotificationsStream string
	NotificationsGroup  string
	AMQPURL             string
	AMQPExchange        string
	EventsQueue         string
	NotificationsQueue  string
	AMQPPrefetch        int
}

// parseConfig reads flags from args and falls back to CREDITS_* environment
// variables for anything left unset.
func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	addr := fs.String("addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")

	operatorTokenHash := fs.String("operator-token-hash", "", "PBKDF2 hash of the operator bearer token (see cmd/tools/hash-token)")
	dataFile := fs.String("data-file", "", "path written by POST /api/credits/datafile")
	streamer := fs.String("streamer", "", "streamer username excluded from existing-state categories")
	bot := fs.String("bot", "", "bot username excluded from existing-state categories")
	locale := fs.String("locale", "", "BCP 47 locale used to collate names")
	snapshotPolicy := fs.String("snapshot-policy", "", "enumeration failure policy (degrade or fail-fast)")
	concurrency := fs.Int("snapshot-concurrency", 0, "maximum concurrent enrichment lookups per snapshot")
	generationTTL := fs.Duration("generation-ttl", 0, "how long a rendered generation stays addressable")
	generationSweep := fs.Duration("generation-sweep-interval", 0, "interval between expired generation sweeps")
	displayHeartbeat := fs.Duration("display-heartbeat", 0, "ping interval for display feed connections")

	viewersDriver := fs.String("viewers-driver", "", "viewer directory driver (memory or postgres)")
	viewersSeed := fs.String("viewers-seed", "", "JSON file of viewers loaded into the memory directory")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string for the viewer directory")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresQueryTimeout := fs.Duration("postgres-query-timeout", 0, "timeout for a single viewer query")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	breakerTimeout := fs.Duration("breaker-timeout", 0, "how long the viewer breaker stays open")
	breakerFailureRatio := fs.Float64("breaker-failure-ratio", 0, "failure ratio that opens the viewer breaker")

	twitchClientID := fs.String("twitch-client-id", "", "Twitch application client ID")
	twitchToken := fs.String("twitch-access-token", "", "Twitch user access token")
	twitchBroadcaster := fs.String("twitch-broadcaster-id", "", "Twitch broadcaster user ID")
	twitchBaseURL := fs.String("twitch-base-url", "", "Helix API base URL")
	twitchFollowers := fs.Bool("twitch-followers", false, "enumerate followers for the existing-state categories")
	twitchSubscribers := fs.Bool("twitch-subscribers", true, "enumerate subscribers for the existing-state categories")
	twitchCache := fs.String("twitch-cache", "", "enumeration cache driver (memory or redis)")
	twitchCacheTTL := fs.Duration("twitch-cache-ttl", 0, "how long enumerated lists are reused")

	redisAddr := fs.String("redis-addr", "", "Redis address")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMasterName := fs.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	eventsDriver := fs.String("events-driver", "", "inbound event transport (inline, memory, redis or amqp)")
	notificationsDriver := fs.String("notifications-driver", "", "credits-ended transport (none, memory, redis or amqp)")
	eventsStream := fs.String("events-redis-stream", "", "Redis stream for inbound events")
	eventsGroup := fs.String("events-redis-group", "", "Redis consumer group for inbound events")
	notificationsStream := fs.String("notifications-redis-stream", "", "Redis stream for credits-ended notifications")
	notificationsGroup := fs.String("notifications-redis-group", "", "Redis consumer group for credits-ended notifications")
	amqpURL := fs.String("amqp-url", "", "AMQP broker URL")
	amqpExchange := fs.String("amqp-exchange", "", "AMQP exchange name")
	eventsQueue := fs.String("events-amqp-queue", "", "AMQP queue for inbound events")
	notificationsQueue := fs.String("notifications-amqp-queue", "", "AMQP queue for credits-ended notifications")
	amqpPrefetch := fs.Int("amqp-prefetch", 0, "AMQP consumer prefetch count")

	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	writeLimit := fs.Int("rate-write-limit", 0, "maximum mutating requests per window for a single IP")
	writeWindow := fs.Duration("rate-write-window", 0, "window for counting mutating requests")
	rateRedis := fs.Bool("rate-redis", false, "share write rate limit counters through Redis")
	corsOrigins := fs.String("cors-origins", "", "comma separated origins allowed to call the API")
	frameAncestors := fs.String("frame-ancestors", "", "CSP frame-ancestors for the display pages")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	policy, err := credits.ParseSnapshotPolicy(firstNonEmpty(*snapshotPolicy, os.Getenv("CREDITS_SNAPSHOT_POLICY")))
	if err != nil {
		return config{}, err
	}

	redisCfg := redisconn.Config{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("CREDITS_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("CREDITS_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("CREDITS_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("CREDITS_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("CREDITS_REDIS_MASTER_NAME")),
		PoolSize:   resolveInt(*redisPoolSize, "CREDITS_REDIS_POOL_SIZE"),
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("CREDITS_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("CREDITS_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("CREDITS_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("CREDITS_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "CREDITS_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	cfg := config{
		Addr:      firstNonEmpty(*addr, os.Getenv("CREDITS_ADDR"), ":8080"),
		LogLevel:  firstNonEmpty(*logLevel, os.Getenv("CREDITS_LOG_LEVEL"), "info"),
		LogFormat: firstNonEmpty(*logFormat, os.Getenv("CREDITS_LOG_FORMAT")),
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CREDITS_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CREDITS_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "CREDITS_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),

		OperatorTokenHash: firstNonEmpty(*operatorTokenHash, os.Getenv("CREDITS_OPERATOR_TOKEN_HASH")),
		DataFile:          firstNonEmpty(*dataFile, os.Getenv("CREDITS_DATA_FILE")),
		StreamerUsername:  firstNonEmpty(*streamer, os.Getenv("CREDITS_STREAMER_USERNAME")),
		BotUsername:       firstNonEmpty(*bot, os.Getenv("CREDITS_BOT_USERNAME")),
		Locale:            firstNonEmpty(*locale, os.Getenv("CREDITS_LOCALE")),
		SnapshotPolicy:    policy,
		Concurrency:       resolveInt(*concurrency, "CREDITS_SNAPSHOT_CONCURRENCY"),
		GenerationTTL:     resolveDuration(*generationTTL, "CREDITS_GENERATION_TTL", storage.DefaultGenerationTTL),
		GenerationSweep:   resolveDuration(*generationSweep, "CREDITS_GENERATION_SWEEP_INTERVAL", 10*time.Second),
		DisplayHeartbeat:  resolveDuration(*displayHeartbeat, "CREDITS_DISPLAY_HEARTBEAT", displays.DefaultHeartbeatInterval),

		ViewersDriver: strings.ToLower(firstNonEmpty(*viewersDriver, os.Getenv("CREDITS_VIEWERS_DRIVER"))),
		ViewersSeed:   firstNonEmpty(*viewersSeed, os.Getenv("CREDITS_VIEWERS_SEED")),
		Postgres: viewers.PostgresConfig{
			DSN:             resolvePostgresDSN(*postgresDSN),
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "CREDITS_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "CREDITS_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "CREDITS_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "CREDITS_POSTGRES_MAX_CONN_IDLE", 0),
			QueryTimeout:    resolveDuration(*postgresQueryTimeout, "CREDITS_POSTGRES_QUERY_TIMEOUT", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("CREDITS_POSTGRES_APP_NAME"), "credits-generator"),
		},
		Breaker: viewers.BreakerConfig{
			Timeout:      resolveDuration(*breakerTimeout, "CREDITS_BREAKER_TIMEOUT", 0),
			FailureRatio: resolveFloat(*breakerFailureRatio, "CREDITS_BREAKER_FAILURE_RATIO"),
		},

		Twitch: twitch.ClientConfig{
			BaseURL:       firstNonEmpty(*twitchBaseURL, os.Getenv("CREDITS_TWITCH_BASE_URL")),
			ClientID:      firstNonEmpty(*twitchClientID, os.Getenv("CREDITS_TWITCH_CLIENT_ID")),
			AccessToken:   firstNonEmpty(*twitchToken, os.Getenv("CREDITS_TWITCH_ACCESS_TOKEN")),
			BroadcasterID: firstNonEmpty(*twitchBroadcaster, os.Getenv("CREDITS_TWITCH_BROADCASTER_ID")),
		},
		TwitchFollowers:   resolveBool(*twitchFollowers, "CREDITS_TWITCH_FOLLOWERS"),
		TwitchSubscribers: resolveBoolDefault(*twitchSubscribers, explicit["twitch-subscribers"], "CREDITS_TWITCH_SUBSCRIBERS"),
		TwitchCacheDriver: strings.ToLower(firstNonEmpty(*twitchCache, os.Getenv("CREDITS_TWITCH_CACHE"))),
		TwitchCacheTTL:    resolveDuration(*twitchCacheTTL, "CREDITS_TWITCH_CACHE_TTL", twitch.DefaultCacheTTL),

		Redis: redisCfg,

		EventsDriver:        strings.ToLower(firstNonEmpty(*eventsDriver, os.Getenv("CREDITS_EVENTS_DRIVER"))),
		NotificationsDriver: strings.ToLower(firstNonEmpty(*notificationsDriver, os.Getenv("CREDITS_NOTIFICATIONS_DRIVER"))),
		Queues: queueConfig{
			Redis:               redisCfg,
			EventsStream:        firstNonEmpty(*eventsStream, os.Getenv("CREDITS_EVENTS_REDIS_STREAM"), "credits:events"),
			EventsGroup:         firstNonEmpty(*eventsGroup, os.Getenv("CREDITS_EVENTS_REDIS_GROUP"), "credits-workers"),
			NotificationsStream: firstNonEmpty(*notificationsStream, os.Getenv("CREDITS_NOTIFICATIONS_REDIS_STREAM"), "credits:notifications"),
			NotificationsGroup:  firstNonEmpty(*notificationsGroup, os.Getenv("CREDITS_NOTIFICATIONS_REDIS_GROUP"), "credits-displays"),
			AMQPURL:             firstNonEmpty(*amqpURL, os.Getenv("CREDITS_AMQP_URL")),
			AMQPExchange:        firstNonEmpty(*amqpExchange, os.Getenv("CREDITS_AMQP_EXCHANGE"), "credits"),
			EventsQueue:         firstNonEmpty(*eventsQueue, os.Getenv("CREDITS_EVENTS_AMQP_QUEUE"), "credits.events"),
			NotificationsQueue:  firstNonEmpty(*notificationsQueue, os.Getenv("CREDITS_NOTIFICATIONS_AMQP_QUEUE"), "credits.notifications"),
			AMQPPrefetch:        resolveInt(*amqpPrefetch, "CREDITS_AMQP_PREFETCH"),
		},

		RateLimit: server.RateLimitConfig{
			GlobalRPS:   resolveFloat(*globalRPS, "CREDITS_RATE_GLOBAL_RPS"),
			GlobalBurst: resolveInt(*globalBurst, "CREDITS_RATE_GLOBAL_BURST"),
			WriteLimit:  resolveInt(*writeLimit, "CREDITS_RATE_WRITE_LIMIT"),
			WriteWindow: resolveDuration(*writeWindow, "CREDITS_RATE_WRITE_WINDOW", 0),
		},
		RateRedis:      resolveBool(*rateRedis, "CREDITS_RATE_REDIS"),
		CORSOrigins:    splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CREDITS_CORS_ORIGINS"))),
		FrameAncestors: firstNonEmpty(*frameAncestors, os.Getenv("CREDITS_FRAME_ANCESTORS")),
	}
	if cfg.RateRedis {
		cfg.RateLimit.Redis = redisCfg
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.ViewersDriver {
	case "", "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres viewer directory selected without DSN")
		}
	default:
		return fmt.Errorf("unsupported viewers driver %q", c.ViewersDriver)
	}
	switch c.TwitchCacheDriver {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported twitch cache driver %q", c.TwitchCacheDriver)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided")
	}
	return nil
}

// twitchEnabled reports whether enough credentials are present to enumerate
// existing state.
func (c config) twitchEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.BroadcasterID != "" && (c.TwitchFollowers || c.TwitchSubscribers)
}

// startupSummary returns slog attributes describing the resolved runtime.
func startupSummary(cfg config) []any {
	viewersDriver := firstNonEmpty(cfg.ViewersDriver, "memory")
	eventsDriver := firstNonEmpty(cfg.EventsDriver, "inline")
	notificationsDriver := firstNonEmpty(cfg.NotificationsDriver, "none")
	return []any{
		"addr", cfg.Addr,
		"tls", cfg.TLS.CertFile != "",
		"operator_auth", cfg.OperatorTokenHash != "",
		"snapshot_policy", string(cfg.SnapshotPolicy),
		"viewers", viewersSummary(cfg, viewersDriver),
		"events", eventsDriver,
		"notifications", notificationsDriver,
		"twitch", map[string]any{
			"enabled":     cfg.twitchEnabled(),
			"followers":   cfg.TwitchFollowers,
			"subscribers": cfg.TwitchSubscribers,
			"cache":       firstNonEmpty(cfg.TwitchCacheDriver, "memory"),
		},
		"rate_limit", map[string]any{
			"global_rps":  cfg.RateLimit.GlobalRPS,
			"write_limit": cfg.RateLimit.WriteLimit,
			"redis":       cfg.RateRedis,
		},
	}
}

func viewersSummary(cfg config, driver string) map[string]any {
	summary := map[string]any{"driver": driver}
	switch driver {
	case "postgres":
		summary["dsn"] = redactDSN(cfg.Postgres.DSN)
	case "memory":
		if cfg.ViewersSeed != "" {
			summary["seed"] = cfg.ViewersSeed
		}
	}
	return summary
}

// redactDSN masks the password of a URL-style connection string.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "*****")
	}
	return parsed.String()
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CREDITS_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

// resolveBoolDefault is resolveBool for flags that default to true: an
// explicit flag wins, then the environment, then the flag default.
func resolveBoolDefault(flagValue, explicit bool, envKey string) bool {
	if explicit {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return flagValue
}
