package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// fileConfig mirrors the TOML layout. Pointer fields distinguish "absent"
// from an explicit zero. Durations are given in seconds.
type fileConfig struct {
	Pool struct {
		Network     string   `toml:"network"`
		Address     string   `toml:"address"`
		CoinbaseTag string   `toml:"coinbase_tag"`
		FeePercent  *float64 `toml:"fee_percent"`
	} `toml:"pool"`

	Stratum struct {
		ListenAddr        string `toml:"listen_addr"`
		ListenPort        *int   `toml:"listen_port"`
		MaxConnections    *int   `toml:"max_connections"`
		ReadTimeoutSec    *int   `toml:"read_timeout_sec"`
		WriteTimeoutSec   *int   `toml:"write_timeout_sec"`
		InvalidShareLimit *int   `toml:"invalid_share_limit"`
		BroadcastWorkers  *int   `toml:"broadcast_workers"`
	} `toml:"stratum"`

	Node struct {
		RPCHost            string  `toml:"rpc_host"`
		RPCPort            *int    `toml:"rpc_port"`
		RPCUser            string  `toml:"rpc_user"`
		RPCPassword        string  `toml:"rpc_password"`
		ZMQAddr            string  `toml:"zmq_addr"`
		RequireIndex       *string `toml:"require_index"`
		PollIntervalSec    *int    `toml:"poll_interval_sec"`
		RefreshIntervalSec *int    `toml:"refresh_interval_sec"`
		MaturityPollSec    *int    `toml:"maturity_poll_sec"`
		JobCacheSize       *int    `toml:"job_cache_size"`
	} `toml:"node"`

	Shares struct {
		BaseDifficulty        *float64 `toml:"base_difficulty"`
		MinDifficulty         *float64 `toml:"min_difficulty"`
		MaxDifficulty         *float64 `toml:"max_difficulty"`
		TargetSharesPerMinute *float64 `toml:"target_shares_per_minute"`
		VardiffIntervalSec    *int     `toml:"vardiff_interval_sec"`
		VardiffStep           *float64 `toml:"vardiff_step"`
		VardiffDamping        *float64 `toml:"vardiff_damping"`
		StatsLogIntervalSec   *int     `toml:"stats_log_interval_sec"`
		WorkerIdleTTLSec      *int     `toml:"worker_idle_ttl_sec"`
	} `toml:"shares"`

	Storage struct {
		Driver       string `toml:"driver"`
		URL          string `toml:"url"`
		RedisURL     string `toml:"redis_url"`
		InfluxURL    string `toml:"influx_url"`
		InfluxToken  string `toml:"influx_token"`
		InfluxOrg    string `toml:"influx_org"`
		InfluxBucket string `toml:"influx_bucket"`
	} `toml:"storage"`

	Metrics struct {
		PushgatewayURL  string `toml:"pushgateway_url"`
		PushIntervalSec *int   `toml:"push_interval_sec"`
		Listen          string `toml:"listen"`
	} `toml:"metrics"`

	Kafka struct {
		Brokers []string `toml:"brokers"`
		GroupID string   `toml:"group_id"`
	} `toml:"kafka"`

	Discord struct {
		Token     string `toml:"token"`
		ChannelID string `toml:"channel_id"`
	} `toml:"discord"`

	Log struct {
		Level      string `toml:"level"`
		Format     string `toml:"format"`
		File       string `toml:"file"`
		MaxSizeMB  *int   `toml:"max_size_mb"`
		MaxBackups *int   `toml:"max_backups"`
		MaxAgeDays *int   `toml:"max_age_days"`
	} `toml:"log"`
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setValue[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil && *v > 0 {
		*dst = time.Duration(*v) * time.Second
	}
}

func (fc *fileConfig) applyTo(cfg *Config) {
	setString(&cfg.Network, fc.Pool.Network)
	setString(&cfg.PoolAddress, fc.Pool.Address)
	setString(&cfg.CoinbaseTag, fc.Pool.CoinbaseTag)
	setValue(&cfg.PoolFeePercent, fc.Pool.FeePercent)

	setString(&cfg.ListenAddr, fc.Stratum.ListenAddr)
	setValue(&cfg.ListenPort, fc.Stratum.ListenPort)
	setValue(&cfg.MaxConnections, fc.Stratum.MaxConnections)
	setSeconds(&cfg.ReadTimeout, fc.Stratum.ReadTimeoutSec)
	setSeconds(&cfg.WriteTimeout, fc.Stratum.WriteTimeoutSec)
	setValue(&cfg.InvalidShareLimit, fc.Stratum.InvalidShareLimit)
	setValue(&cfg.BroadcastWorkers, fc.Stratum.BroadcastWorkers)

	setString(&cfg.NodeRPCHost, fc.Node.RPCHost)
	setValue(&cfg.NodeRPCPort, fc.Node.RPCPort)
	setString(&cfg.NodeRPCUser, fc.Node.RPCUser)
	setString(&cfg.NodeRPCPassword, fc.Node.RPCPassword)
	setString(&cfg.NodeZMQAddr, fc.Node.ZMQAddr)
	setValue(&cfg.RequireIndex, fc.Node.RequireIndex)
	setSeconds(&cfg.TemplatePollInterval, fc.Node.PollIntervalSec)
	setSeconds(&cfg.TemplateRefreshInterval, fc.Node.RefreshIntervalSec)
	setSeconds(&cfg.MaturityPollInterval, fc.Node.MaturityPollSec)
	setValue(&cfg.JobCacheSize, fc.Node.JobCacheSize)

	setValue(&cfg.BaseDifficulty, fc.Shares.BaseDifficulty)
	setValue(&cfg.MinDifficulty, fc.Shares.MinDifficulty)
	setValue(&cfg.MaxDifficulty, fc.Shares.MaxDifficulty)
	setValue(&cfg.TargetSharesPerMinute, fc.Shares.TargetSharesPerMinute)
	setSeconds(&cfg.VardiffInterval, fc.Shares.VardiffIntervalSec)
	setValue(&cfg.VardiffStep, fc.Shares.VardiffStep)
	setValue(&cfg.VardiffDamping, fc.Shares.VardiffDamping)
	setSeconds(&cfg.StatsLogInterval, fc.Shares.StatsLogIntervalSec)
	setSeconds(&cfg.WorkerIdleTTL, fc.Shares.WorkerIdleTTLSec)

	setString(&cfg.DatabaseDriver, fc.Storage.Driver)
	setString(&cfg.DatabaseURL, fc.Storage.URL)
	setString(&cfg.RedisURL, fc.Storage.RedisURL)
	setString(&cfg.InfluxURL, fc.Storage.InfluxURL)
	setString(&cfg.InfluxToken, fc.Storage.InfluxToken)
	setString(&cfg.InfluxOrg, fc.Storage.InfluxOrg)
	setString(&cfg.InfluxBucket, fc.Storage.InfluxBucket)

	setString(&cfg.PushgatewayURL, fc.Metrics.PushgatewayURL)
	setSeconds(&cfg.MetricsPushInterval, fc.Metrics.PushIntervalSec)
	setString(&cfg.MetricsListen, fc.Metrics.Listen)

	if len(fc.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = fc.Kafka.Brokers
	}
	setString(&cfg.KafkaGroupID, fc.Kafka.GroupID)

	setString(&cfg.DiscordToken, fc.Discord.Token)
	setString(&cfg.DiscordChannelID, fc.Discord.ChannelID)

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)
	setString(&cfg.LogFile, fc.Log.File)
	setValue(&cfg.LogMaxSizeMB, fc.Log.MaxSizeMB)
	setValue(&cfg.LogMaxBackups, fc.Log.MaxBackups)
	setValue(&cfg.LogMaxAgeDays, fc.Log.MaxAgeDays)
}
