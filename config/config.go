package config

import (
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	TypeMemory  = "memory"
	TypeBadger  = "badger"
	TypeRedis   = "redis"
	TypeHTTP    = "http"
	TypeWebhook = "webhook"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

// BreakerConfig applies to every backend's circuit breaker.
type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout"`
	VolumeThreshold          int           `mapstructure:"volume_threshold"`
	ErrorPercentageThreshold float64       `mapstructure:"error_percentage_threshold"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	MaxRetries               int           `mapstructure:"max_retries"`
	Enabled                  bool          `mapstructure:"enabled"`
}

type BackoffConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Coefficient float64       `mapstructure:"coefficient"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

type RouterConfig struct {
	WorkflowKeys   []string `mapstructure:"workflow_keys"`
	AutomationKeys []string `mapstructure:"automation_keys"`
	WorkflowKinds  []string `mapstructure:"workflow_kinds"`
	ExternalKinds  []string `mapstructure:"external_kinds"`
}

type DispatcherConfig struct {
	Downgrade bool `mapstructure:"downgrade"`
}

type StoreConfig struct {
	Type      string        `mapstructure:"type"`
	Path      string        `mapstructure:"path"`
	RedisAddr string        `mapstructure:"redis_addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type QueueBackendConfig struct {
	Type      string `mapstructure:"type"`
	RedisAddr string `mapstructure:"redis_addr"`
	Queue     string `mapstructure:"queue"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type WorkflowBackendConfig struct {
	Type      string `mapstructure:"type"`
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
}

type ExternalBackendConfig struct {
	Type      string  `mapstructure:"type"`
	URL       string  `mapstructure:"url"`
	APIKey    string  `mapstructure:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type BackendsConfig struct {
	Queue    QueueBackendConfig    `mapstructure:"queue"`
	Workflow WorkflowBackendConfig `mapstructure:"workflow"`
	External ExternalBackendConfig `mapstructure:"external"`
}

type HealthCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type SentryConfig struct {
	DSN     string `mapstructure:"dsn"`
	Release string `mapstructure:"release"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Backoff     BackoffConfig     `mapstructure:"backoff"`
	Router      RouterConfig      `mapstructure:"router"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Store       StoreConfig       `mapstructure:"store"`
	Backends    BackendsConfig    `mapstructure:"backends"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.volume_threshold", 5)
	v.SetDefault("breaker.error_percentage_threshold", 50)
	v.SetDefault("breaker.timeout", "10s")
	v.SetDefault("breaker.max_retries", 0)
	v.SetDefault("breaker.enabled", true)

	v.SetDefault("backoff.base_delay", "100ms")
	v.SetDefault("backoff.coefficient", 2)
	v.SetDefault("backoff.max_delay", "5s")
	v.SetDefault("backoff.max_attempts", 1)
	v.SetDefault("backoff.jitter", "0s")

	v.SetDefault("router.workflow_keys", []string{"workflowId", "workflow"})
	v.SetDefault("router.automation_keys", []string{"automation", "webhook"})
	v.SetDefault("router.workflow_kinds", []string{})
	v.SetDefault("router.external_kinds", []string{})

	v.SetDefault("dispatcher.downgrade", true)

	v.SetDefault("store.type", TypeMemory)
	v.SetDefault("store.path", "data/tasks")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.key_prefix", "dispatch:")
	v.SetDefault("store.ttl", "0s")

	v.SetDefault("backends.queue.type", TypeMemory)
	v.SetDefault("backends.queue.redis_addr", "localhost:6379")
	v.SetDefault("backends.queue.queue", "default")
	v.SetDefault("backends.queue.key_prefix", "dispatch:")
	v.SetDefault("backends.workflow.type", TypeMemory)
	v.SetDefault("backends.workflow.url", "")
	v.SetDefault("backends.workflow.namespace", "default")
	v.SetDefault("backends.external.type", TypeMemory)
	v.SetDefault("backends.external.url", "")
	v.SetDefault("backends.external.api_key", "")
	v.SetDefault("backends.external.rate_limit", 10)
	v.SetDefault("backends.external.burst", 10)

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", "10s")

	v.SetDefault("metrics.buffer_size", 1000)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.release", "")
}

// Load reads config.yaml from the given directories, then ./config and the
// working directory. A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Environment,
					validation.Required,
					validation.In(EnvDev, EnvStaging, EnvProd),
				),
				validation.Field(&sc.Address,
					validation.Required,
					validation.By(validateHostPort),
				),
				validation.Field(&sc.ShutdownTimeout, validation.Required, validation.Min(time.Duration(1))),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc, ok := value.(LoggingConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Breaker, validation.By(func(value interface{}) error {
			bc, ok := value.(BreakerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
			}
			return validation.ValidateStruct(&bc,
				validation.Field(&bc.FailureThreshold, validation.Required, validation.Min(1)),
				validation.Field(&bc.ResetTimeout, validation.Required, validation.Min(time.Duration(1))),
				validation.Field(&bc.VolumeThreshold, validation.Required, validation.Min(1)),
				validation.Field(&bc.ErrorPercentageThreshold, validation.Required, validation.Min(0.0), validation.Max(100.0)),
				validation.Field(&bc.Timeout, validation.Required, validation.Min(time.Duration(1))),
				validation.Field(&bc.MaxRetries, validation.Min(0)),
			)
		})),
		validation.Field(&c.Backoff, validation.By(func(value interface{}) error {
			bc, ok := value.(BackoffConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a BackoffConfig")
			}
			return validation.ValidateStruct(&bc,
				validation.Field(&bc.BaseDelay, validation.Min(time.Duration(0))),
				validation.Field(&bc.Coefficient, validation.Required, validation.Min(1.0)),
				validation.Field(&bc.MaxDelay, validation.Min(time.Duration(0))),
				validation.Field(&bc.MaxAttempts, validation.Required, validation.Min(1)),
				validation.Field(&bc.Jitter, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Store, validation.By(func(value interface{}) error {
			sc, ok := value.(StoreConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a StoreConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Type, validation.Required, validation.In(TypeMemory, TypeBadger, TypeRedis)),
				validation.Field(&sc.RedisAddr,
					validation.When(sc.Type == TypeRedis, validation.Required, validation.By(validateHostPort)),
				),
				validation.Field(&sc.TTL, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Backends, validation.By(validateBackends)),
		validation.Field(&c.HealthCheck, validation.By(func(value interface{}) error {
			hc, ok := value.(HealthCheckConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
			}
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Interval,
					validation.When(hc.Enabled, validation.Required, validation.Min(time.Duration(1))),
				),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(value interface{}) error {
			mc, ok := value.(MetricsConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
			}
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
			)
		})),
	)
}

func validateBackends(value interface{}) error {
	bc, ok := value.(BackendsConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendsConfig")
	}

	q, w, e := bc.Queue, bc.Workflow, bc.External
	return validation.ValidateStruct(&bc,
		validation.Field(&bc.Queue, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&q,
				validation.Field(&q.Type, validation.Required, validation.In(TypeMemory, TypeRedis)),
				validation.Field(&q.RedisAddr,
					validation.When(q.Type == TypeRedis, validation.Required, validation.By(validateHostPort)),
				),
				validation.Field(&q.Queue, validation.Required),
			)
		})),
		validation.Field(&bc.Workflow, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&w,
				validation.Field(&w.Type, validation.Required, validation.In(TypeMemory, TypeHTTP)),
				validation.Field(&w.URL,
					validation.When(w.Type == TypeHTTP, validation.Required, is.URL),
				),
			)
		})),
		validation.Field(&bc.External, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&e,
				validation.Field(&e.Type, validation.Required, validation.In(TypeMemory, TypeWebhook)),
				validation.Field(&e.URL,
					validation.When(e.Type == TypeWebhook, validation.Required, is.URL),
				),
				validation.Field(&e.RateLimit, validation.Min(0.0)),
				validation.Field(&e.Burst, validation.Min(0)),
			)
		})),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
