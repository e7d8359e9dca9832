package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Vendor    VendorConfig    `mapstructure:"vendor"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Version  string `mapstructure:"version"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	EventTTL          time.Duration `mapstructure:"event_ttl"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	ClientID     string   `mapstructure:"client_id"`
	OutcomeTopic string   `mapstructure:"outcome_topic"`
	Partitions   int      `mapstructure:"partitions"`
	Replication  int      `mapstructure:"replication"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceVersion  string        `mapstructure:"service_version"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig controls the eligibility tick.
type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	Window          time.Duration `mapstructure:"window"`
	DefaultTimeZone string        `mapstructure:"default_timezone"`
	DefaultCallTime string        `mapstructure:"default_call_time"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// QueueConfig controls the asynq worker pool.
type QueueConfig struct {
	CallConcurrency int           `mapstructure:"call_concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	Retention       time.Duration `mapstructure:"retention"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RetryConfig controls business retries after an unsuccessful call.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
}

type ThrottleConfig struct {
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls"`
	SlotTTL            time.Duration `mapstructure:"slot_ttl"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// VendorConfig selects and configures the voice vendor.
type VendorConfig struct {
	Provider              string        `mapstructure:"provider"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	AllowUnsignedWebhooks bool          `mapstructure:"allow_unsigned_webhooks"`
	Vapi                  VapiConfig    `mapstructure:"vapi"`
	Retell                RetellConfig  `mapstructure:"retell"`
	Mock                  MockConfig    `mapstructure:"mock"`
}

type VapiConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	AssistantID   string `mapstructure:"assistant_id"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type RetellConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	AgentID       string `mapstructure:"agent_id"`
	FromNumber    string `mapstructure:"from_number"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type MockConfig struct {
	SuccessRate   float64 `mapstructure:"success_rate"`
	AgentID       string  `mapstructure:"agent_id"`
	WebhookSecret string  `mapstructure:"webhook_secret"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	Audience  string        `mapstructure:"audience"`
	Leeway    time.Duration `mapstructure:"leeway"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHECKIN")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.Window < c.Scheduler.TickInterval {
		errs = append(errs, fmt.Errorf("scheduler.window (%s) must be >= scheduler.tick_interval (%s)", c.Scheduler.Window, c.Scheduler.TickInterval))
	}
	if _, err := time.LoadLocation(c.Scheduler.DefaultTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.default_timezone: %w", err))
	}
	if c.Queue.CallConcurrency <= 0 {
		errs = append(errs, errors.New("queue.call_concurrency must be positive"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.Delay <= 0 {
		errs = append(errs, errors.New("retry.delay must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "checkin-call-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.log_level", "")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.body_limit", 1<<20)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "checkin")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 10*time.Minute)
	v.SetDefault("postgres.auto_migrate", false)

	v.SetDefault("scylla.enabled", false)
	v.SetDefault("scylla.hosts", []string{"localhost"})
	v.SetDefault("scylla.port", 9042)
	v.SetDefault("scylla.keyspace", "checkin")
	v.SetDefault("scylla.consistency", "local_quorum")
	v.SetDefault("scylla.timeout", 5*time.Second)
	v.SetDefault("scylla.event_ttl", 90*24*time.Hour)
	v.SetDefault("scylla.disable_init_schema", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "checkin-call-engine")
	v.SetDefault("kafka.outcome_topic", "checkin.call-outcomes")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("kafka.replication", 1)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.shutdown_timeout", 5*time.Second)

	v.SetDefault("scheduler.tick_interval", 5*time.Minute)
	v.SetDefault("scheduler.window", 5*time.Minute)
	v.SetDefault("scheduler.default_timezone", "America/New_York")
	v.SetDefault("scheduler.default_call_time", "21:00")
	v.SetDefault("scheduler.lock_ttl", 4*time.Minute)
	v.SetDefault("scheduler.sync_interval", 5*time.Minute)

	v.SetDefault("queue.call_concurrency", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.task_timeout", 2*time.Minute)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.delay", 30*time.Minute)

	v.SetDefault("throttle.max_concurrent_calls", 0)
	v.SetDefault("throttle.slot_ttl", 2*time.Minute)
	v.SetDefault("throttle.poll_interval", 200*time.Millisecond)

	v.SetDefault("vendor.provider", "vapi")
	v.SetDefault("vendor.request_timeout", 10*time.Second)
	v.SetDefault("vendor.allow_unsigned_webhooks", false)
	v.SetDefault("vendor.vapi.base_url", "https://api.vapi.ai")
	v.SetDefault("vendor.vapi.api_key", "")
	v.SetDefault("vendor.vapi.assistant_id", "")
	v.SetDefault("vendor.vapi.phone_number_id", "")
	v.SetDefault("vendor.vapi.webhook_secret", "")
	v.SetDefault("vendor.retell.base_url", "https://api.retellai.com")
	v.SetDefault("vendor.retell.api_key", "")
	v.SetDefault("vendor.retell.agent_id", "")
	v.SetDefault("vendor.retell.from_number", "")
	v.SetDefault("vendor.retell.webhook_secret", "")
	v.SetDefault("vendor.mock.success_rate", 0.8)
	v.SetDefault("vendor.mock.agent_id", "mock-agent")
	v.SetDefault("vendor.mock.webhook_secret", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)
}
