// Package config loads pool configuration. Defaults are overlaid first by an
// optional TOML file and then by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config holds the configuration of the pool daemon and its helper commands.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Chain
	Network     string
	PoolAddress string
	CoinbaseTag string

	// Stratum listener
	ListenAddr        string
	ListenPort        int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int
	InvalidShareLimit int
	BroadcastWorkers  int

	// Node connection
	NodeRPCHost             string
	NodeRPCPort             int
	NodeRPCUser             string
	NodeRPCPassword         string
	NodeZMQAddr             string
	RequireIndex            string
	TemplatePollInterval    time.Duration
	TemplateRefreshInterval time.Duration
	MaturityPollInterval    time.Duration
	JobCacheSize            int

	// Share accounting and vardiff
	PoolFeePercent        float64
	BaseDifficulty        float64
	MinDifficulty         float64
	MaxDifficulty         float64
	TargetSharesPerMinute float64
	VardiffInterval       time.Duration
	VardiffStep           float64
	VardiffDamping        float64
	HashrateInterval      time.Duration
	StatsLogInterval      time.Duration
	WorkerIdleTTL         time.Duration

	// Storage
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string

	// Metrics
	PushgatewayURL      string
	MetricsPushInterval time.Duration
	MetricsListen       string

	// Messaging and alerts
	KafkaBrokers     []string
	KafkaGroupID     string
	DiscordToken     string
	DiscordChannelID string

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	ShutdownTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "poold",
		Version:     "dev",
		Environment: "development",

		Network:     "mainnet",
		CoinbaseTag: "/poolcore/",

		ListenAddr:        "0.0.0.0",
		ListenPort:        3333,
		MaxConnections:    10000,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      30 * time.Second,
		MaxMessageSize:    4096,
		InvalidShareLimit: 50,
		BroadcastWorkers:  64,

		NodeRPCHost:             "localhost",
		NodeRPCPort:             8332,
		NodeZMQAddr:             "tcp://localhost:28332",
		RequireIndex:            "txindex",
		TemplatePollInterval:    5 * time.Second,
		TemplateRefreshInterval: 30 * time.Second,
		MaturityPollInterval:    time.Minute,
		JobCacheSize:            64,

		PoolFeePercent:        1.0,
		BaseDifficulty:        1024,
		MinDifficulty:         1,
		MaxDifficulty:         1 << 40,
		TargetSharesPerMinute: 20,
		VardiffInterval:       30 * time.Second,
		VardiffStep:           4,
		VardiffDamping:        0.5,
		HashrateInterval:      time.Minute,
		StatsLogInterval:      10 * time.Minute,
		WorkerIdleTTL:         24 * time.Hour,

		DatabaseDriver: "sqlite",
		DatabaseURL:    "file:pool.db?_pragma=busy_timeout(5000)",
		InfluxOrg:      "poolcore",
		InfluxBucket:   "mining",

		MetricsPushInterval: time.Minute,

		KafkaGroupID: "poolcore",

		LogLevel:      "info",
		LogFormat:     "json",
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
		LogMaxAgeDays: 28,

		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is non-empty) and the environment, then validates it. CONFIG_FILE is
// consulted when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fc.applyTo(cfg)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.Network = getEnv("NETWORK", c.Network)
	c.PoolAddress = getEnv("POOL_ADDRESS", c.PoolAddress)
	c.CoinbaseTag = getEnv("COINBASE_TAG", c.CoinbaseTag)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)
	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.InvalidShareLimit = getEnvInt("INVALID_SHARE_LIMIT", c.InvalidShareLimit)
	c.BroadcastWorkers = getEnvInt("BROADCAST_WORKERS", c.BroadcastWorkers)

	c.NodeRPCHost = getEnv("NODE_RPC_HOST", c.NodeRPCHost)
	c.NodeRPCPort = getEnvInt("NODE_RPC_PORT", c.NodeRPCPort)
	c.NodeRPCUser = getEnv("NODE_RPC_USER", c.NodeRPCUser)
	c.NodeRPCPassword = getEnv("NODE_RPC_PASSWORD", c.NodeRPCPassword)
	c.NodeZMQAddr = getEnv("NODE_ZMQ_ADDR", c.NodeZMQAddr)
	if v, ok := os.LookupEnv("REQUIRE_INDEX"); ok {
		c.RequireIndex = v
	}
	c.TemplatePollInterval = getEnvDuration("TEMPLATE_POLL_INTERVAL", c.TemplatePollInterval)
	c.TemplateRefreshInterval = getEnvDuration("TEMPLATE_REFRESH_INTERVAL", c.TemplateRefreshInterval)
	c.MaturityPollInterval = getEnvDuration("MATURITY_POLL_INTERVAL", c.MaturityPollInterval)
	c.JobCacheSize = getEnvInt("JOB_CACHE_SIZE", c.JobCacheSize)

	c.PoolFeePercent = getEnvFloat("POOL_FEE_PERCENT", c.PoolFeePercent)
	c.BaseDifficulty = getEnvFloat("BASE_DIFFICULTY", c.BaseDifficulty)
	c.MinDifficulty = getEnvFloat("MIN_DIFFICULTY", c.MinDifficulty)
	c.MaxDifficulty = getEnvFloat("MAX_DIFFICULTY", c.MaxDifficulty)
	c.TargetSharesPerMinute = getEnvFloat("TARGET_SHARES_PER_MINUTE", c.TargetSharesPerMinute)
	c.VardiffInterval = getEnvDuration("VARDIFF_INTERVAL", c.VardiffInterval)
	c.VardiffStep = getEnvFloat("VARDIFF_STEP", c.VardiffStep)
	c.VardiffDamping = getEnvFloat("VARDIFF_DAMPING", c.VardiffDamping)
	c.HashrateInterval = getEnvDuration("HASHRATE_INTERVAL", c.HashrateInterval)
	c.StatsLogInterval = getEnvDuration("STATS_LOG_INTERVAL", c.StatsLogInterval)
	c.WorkerIdleTTL = getEnvDuration("WORKER_IDLE_TTL", c.WorkerIdleTTL)

	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.PushgatewayURL = getEnv("PUSHGATEWAY_URL", c.PushgatewayURL)
	c.MetricsPushInterval = getEnvDuration("METRICS_PUSH_INTERVAL", c.MetricsPushInterval)
	c.MetricsListen = getEnv("METRICS_LISTEN", c.MetricsListen)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)
	c.DiscordToken = getEnv("DISCORD_TOKEN", c.DiscordToken)
	c.DiscordChannelID = getEnv("DISCORD_CHANNEL_ID", c.DiscordChannelID)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogMaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", c.LogMaxSizeMB)
	c.LogMaxBackups = getEnvInt("LOG_MAX_BACKUPS", c.LogMaxBackups)
	c.LogMaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", c.LogMaxAgeDays)

	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// ChainParams resolves the configured network name.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// Snapshot returns the settings a monitor needs to describe the pool.
// Credentials and connection strings are left out. Durations are seconds.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"service":                c.ServiceName,
		"version":                c.Version,
		"environment":            c.Environment,
		"network":                c.Network,
		"pool_address":           c.PoolAddress,
		"coinbase_tag":           c.CoinbaseTag,
		"listen_port":            c.ListenPort,
		"max_connections":        c.MaxConnections,
		"job_cache_size":         c.JobCacheSize,
		"pool_fee_percent":       c.PoolFeePercent,
		"base_difficulty":        c.BaseDifficulty,
		"min_difficulty":         c.MinDifficulty,
		"max_difficulty":         c.MaxDifficulty,
		"target_shares_per_min":  c.TargetSharesPerMinute,
		"vardiff_interval_sec":   c.VardiffInterval.Seconds(),
		"template_poll_sec":      c.TemplatePollInterval.Seconds(),
		"maturity_poll_sec":      c.MaturityPollInterval.Seconds(),
		"worker_idle_ttl_sec":    c.WorkerIdleTTL.Seconds(),
		"database_driver":        c.DatabaseDriver,
		"discord_alerts_enabled": c.DiscordToken != "" && c.DiscordChannelID != "",
	}
}

// KafkaEnabled reports whether a broker list was configured.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// NodeRPCAddr returns host:port of the node RPC endpoint.
func (c *Config) NodeRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.NodeRPCHost, c.NodeRPCPort)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return errors.New("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.New("LISTEN_PORT must be between 1 and 65535")
	}

	params, err := c.ChainParams()
	if err != nil {
		return fmt.Errorf("NETWORK: %w", err)
	}

	if c.PoolAddress == "" {
		return errors.New("POOL_ADDRESS is required")
	}
	if _, err := btcutil.DecodeAddress(c.PoolAddress, params); err != nil {
		return fmt.Errorf("POOL_ADDRESS is not a valid %s address: %w", params.Name, err)
	}

	if c.PoolFeePercent < 0 || c.PoolFeePercent > 100 {
		return errors.New("POOL_FEE_PERCENT must be between 0 and 100")
	}

	if c.MinDifficulty <= 0 {
		return errors.New("MIN_DIFFICULTY must be positive")
	}

	if c.MaxDifficulty <= c.MinDifficulty {
		return errors.New("MAX_DIFFICULTY must be greater than MIN_DIFFICULTY")
	}

	if c.BaseDifficulty < c.MinDifficulty || c.BaseDifficulty > c.MaxDifficulty {
		return errors.New("BASE_DIFFICULTY must lie within [MIN_DIFFICULTY, MAX_DIFFICULTY]")
	}

	if c.TargetSharesPerMinute <= 0 {
		return errors.New("TARGET_SHARES_PER_MINUTE must be positive")
	}

	if c.VardiffStep <= 1 {
		return errors.New("VARDIFF_STEP must be greater than 1")
	}

	if c.VardiffDamping <= 0 || c.VardiffDamping > 1 {
		return errors.New("VARDIFF_DAMPING must be in (0, 1]")
	}

	if c.JobCacheSize < 2 {
		return errors.New("JOB_CACHE_SIZE must be at least 2")
	}

	if c.InvalidShareLimit < 0 {
		return errors.New("INVALID_SHARE_LIMIT cannot be negative")
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
