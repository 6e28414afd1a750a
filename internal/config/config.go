// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Topics     TopicsConfig     `mapstructure:"topics"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig configures the Kafka transport and the result consumer.
type KafkaConfig struct {
	Brokers              []string      `mapstructure:"brokers"`
	GroupID              string        `mapstructure:"group_id"`
	ConsumerConcurrency  int           `mapstructure:"consumer_concurrency"`
	ConsumerMaxRetries   int           `mapstructure:"consumer_max_retries"`
	ConsumerRetryBackoff time.Duration `mapstructure:"consumer_retry_backoff"`
	ProvisionTopics      bool          `mapstructure:"provision_topics"`
	Partitions           int           `mapstructure:"partitions"`
	ReplicationFactor    int           `mapstructure:"replication_factor"`
}

// PubSubConfig switches outbound publishing to Google Pub/Sub when ProjectID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// TopicsConfig names the event topics.
type TopicsConfig struct {
	Dispatched string `mapstructure:"dispatched"`
	RawPage    string `mapstructure:"raw_page"`
	Ack        string `mapstructure:"ack"`
}

// DispatcherConfig governs the scheduling loop and leader election.
type DispatcherConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Tick                   time.Duration `mapstructure:"tick"`
	LeaseDuration          time.Duration `mapstructure:"lease_duration"`
	MaxBatchSize           int           `mapstructure:"max_batch_size"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	LeaderKey              string        `mapstructure:"leader_key"`
	LeaderTTL              time.Duration `mapstructure:"leader_ttl"`
}

// OutboxConfig governs the relay.
type OutboxConfig struct {
	DrainInterval   time.Duration `mapstructure:"drain_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

// WatchdogConfig governs the lease sweep.
type WatchdogConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// PolicyConfig holds the policy applied to sources without an explicit row.
type PolicyConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	TargetQPS          float64       `mapstructure:"target_qps"`
	BucketSize         int           `mapstructure:"bucket_size"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffSec         []int         `mapstructure:"backoff_sec"`
	MinDaysBetweenRuns int           `mapstructure:"min_days_between_runs"`
}

// RateLimitConfig throttles seed API clients.
type RateLimitConfig struct {
	APIRPS   float64 `mapstructure:"api_rps"`
	APIBurst int     `mapstructure:"api_burst"`
}

// TelemetryConfig describes the service to tracing and metrics backends.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	ProjectID      string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "frontier-result-handler")
	v.SetDefault("kafka.consumer_concurrency", 3)
	v.SetDefault("kafka.consumer_max_retries", 5)
	v.SetDefault("kafka.consumer_retry_backoff", 500*time.Millisecond)
	v.SetDefault("kafka.provision_topics", false)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("topics.dispatched", "job.dispatched")
	v.SetDefault("topics.raw_page", "raw.page")
	v.SetDefault("topics.ack", "page.ack")
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.tick", time.Second)
	v.SetDefault("dispatcher.lease_duration", 2*time.Minute)
	v.SetDefault("dispatcher.max_batch_size", 50)
	v.SetDefault("dispatcher.max_consecutive_failures", 5)
	v.SetDefault("dispatcher.leader_key", "frontier:leader")
	v.SetDefault("dispatcher.leader_ttl", 15*time.Second)
	v.SetDefault("outbox.drain_interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.cleanup_interval", time.Minute)
	v.SetDefault("outbox.retention", 7*24*time.Hour)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("outbox.publish_timeout", 10*time.Second)
	v.SetDefault("watchdog.interval", time.Minute)
	v.SetDefault("watchdog.job_timeout", 30*time.Minute)
	v.SetDefault("policy.cache_ttl", 30*time.Second)
	v.SetDefault("policy.max_concurrency", 4)
	v.SetDefault("policy.target_qps", 0.40)
	v.SetDefault("policy.bucket_size", 6)
	v.SetDefault("policy.max_attempts", 4)
	v.SetDefault("policy.backoff_sec", []int{60, 300, 1800, 3600})
	v.SetDefault("policy.min_days_between_runs", 7)
	v.SetDefault("ratelimit.api_rps", 20.0)
	v.SetDefault("ratelimit.api_burst", 40)
	v.SetDefault("telemetry.service_name", "crawl-frontier")
	v.SetDefault("telemetry.service_version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth.token must be set when auth is enabled")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.PubSub.ProjectID == "" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must be set when pubsub.project_id is empty")
	}
	if c.Kafka.ConsumerConcurrency <= 0 {
		return fmt.Errorf("kafka.consumer_concurrency must be > 0")
	}
	if c.Kafka.ConsumerMaxRetries < 0 {
		return fmt.Errorf("kafka.consumer_max_retries must be >= 0")
	}
	if c.Topics.Dispatched == "" || c.Topics.RawPage == "" || c.Topics.Ack == "" {
		return fmt.Errorf("topics.dispatched, topics.raw_page and topics.ack must be set")
	}
	if c.Dispatcher.Tick <= 0 {
		return fmt.Errorf("dispatcher.tick must be > 0")
	}
	if c.Dispatcher.LeaseDuration <= 0 {
		return fmt.Errorf("dispatcher.lease_duration must be > 0")
	}
	if c.Dispatcher.MaxBatchSize <= 0 {
		return fmt.Errorf("dispatcher.max_batch_size must be > 0")
	}
	if c.Dispatcher.LeaderKey == "" {
		return fmt.Errorf("dispatcher.leader_key must be set")
	}
	if c.Dispatcher.LeaderTTL <= c.Dispatcher.Tick {
		return fmt.Errorf("dispatcher.leader_ttl must exceed dispatcher.tick")
	}
	if c.Outbox.DrainInterval <= 0 || c.Outbox.CleanupInterval <= 0 {
		return fmt.Errorf("outbox.drain_interval and outbox.cleanup_interval must be > 0")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox.batch_size must be > 0")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be > 0")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be > 0")
	}
	if c.Policy.MaxConcurrency < 0 || c.Policy.BucketSize < 0 || c.Policy.TargetQPS < 0 {
		return fmt.Errorf("policy defaults must be >= 0")
	}
	if c.RateLimit.APIRPS <= 0 || c.RateLimit.APIBurst <= 0 {
		return fmt.Errorf("ratelimit.api_rps and ratelimit.api_burst must be > 0")
	}
	return nil
}

// DLTTopic names the dead-letter topic of a consumed topic.
func DLTTopic(topic string) string {
	return topic + ".DLT"
}
