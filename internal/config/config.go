package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/JosueRhea/sockudo/internal/core/apps"
)

// Duration is a yaml-friendly time.Duration: it accepts "50ms" style
// strings as well as integer nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Errorf("invalid duration value %q", node.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Driver enums. One implementation per capability is chosen at startup;
// there is no runtime plugin loading.
const (
	AdapterLocal = "local"
	AdapterRedis = "redis"

	AppStoreMemory = "memory"
	AppStoreSQLite = "sqlite"

	QueueMemory = "memory"
	QueueRedis  = "redis"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

// Config is the full server configuration, loaded from one YAML file.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel string `yaml:"log_level"`

	Drivers Drivers `yaml:"drivers"`

	Redis  Redis  `yaml:"redis"`
	SQLite SQLite `yaml:"sqlite"`

	Apps []apps.Application `yaml:"apps"`

	AppCache AppCache `yaml:"app_cache"`

	Limits   Limits   `yaml:"limits"`
	Webhooks Webhooks `yaml:"webhooks"`
	Adapter  Adapter  `yaml:"adapter"`

	ActivityTimeout Duration `yaml:"activity_timeout"`
	ChannelCacheTTL Duration `yaml:"channel_cache_ttl"`
	ShutdownGrace   Duration `yaml:"shutdown_grace"`
}

type Drivers struct {
	Adapter  string `yaml:"adapter"`
	AppStore string `yaml:"app_store"`
	Queue    string `yaml:"queue"`
	Limiter  string `yaml:"limiter"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type AppCache struct {
	Capacity int      `yaml:"capacity"`
	TTL      Duration `yaml:"ttl"`
}

// Limits configures the rate buckets applied at the edges.
type Limits struct {
	ConnectPerApp Bucket `yaml:"connect_per_app"`
	ConnectPerIP  Bucket `yaml:"connect_per_ip"`
	HTTPAPIPerApp Bucket `yaml:"http_api_per_app"`
}

type Bucket struct {
	Capacity int      `yaml:"capacity"`
	Window   Duration `yaml:"window"`
}

// SubscriptionCountMode values for the webhook cadence knob.
const (
	SubscriptionCountTransitions = "transitions"
	SubscriptionCountAll         = "all"
)

type Webhooks struct {
	BatchDuration         Duration `yaml:"batch_duration"`
	BatchSize             int      `yaml:"batch_size"`
	AttemptTimeout        Duration `yaml:"attempt_timeout"`
	MaxAttempts           int      `yaml:"max_attempts"`
	SenderConcurrency     int      `yaml:"sender_concurrency"`
	SubscriptionCountMode string   `yaml:"subscription_count_mode"`
}

type Adapter struct {
	RequestTimeout    Duration `yaml:"request_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Load reads, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	var cfg Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = envOr("SOCKUDO_HOST", "0.0.0.0")
	}
	if c.Port == 0 {
		c.Port = 6001
	}
	if c.LogLevel == "" {
		c.LogLevel = envOr("SOCKUDO_LOG_LEVEL", "info")
	}
	if c.Drivers.Adapter == "" {
		c.Drivers.Adapter = AdapterLocal
	}
	if c.Drivers.AppStore == "" {
		c.Drivers.AppStore = AppStoreMemory
	}
	if c.Drivers.Queue == "" {
		c.Drivers.Queue = QueueMemory
	}
	if c.Drivers.Limiter == "" {
		c.Drivers.Limiter = LimiterMemory
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = envOr("SOCKUDO_REDIS_ADDR", "127.0.0.1:6379")
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "sockudo"
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "sockudo.db"
	}
	if c.AppCache.Capacity == 0 {
		c.AppCache.Capacity = 1024
	}
	if c.AppCache.TTL == 0 {
		c.AppCache.TTL = Duration(apps.CacheTTL)
	}
	if c.Limits.ConnectPerApp.Capacity == 0 {
		c.Limits.ConnectPerApp = Bucket{Capacity: 100, Window: Duration(time.Second)}
	}
	if c.Limits.ConnectPerIP.Capacity == 0 {
		c.Limits.ConnectPerIP = Bucket{Capacity: 20, Window: Duration(time.Second)}
	}
	if c.Limits.HTTPAPIPerApp.Capacity == 0 {
		c.Limits.HTTPAPIPerApp = Bucket{Capacity: 100, Window: Duration(time.Second)}
	}
	if c.Webhooks.BatchDuration == 0 {
		c.Webhooks.BatchDuration = Duration(50 * time.Millisecond)
	}
	if c.Webhooks.BatchSize == 0 {
		c.Webhooks.BatchSize = 50
	}
	if c.Webhooks.AttemptTimeout == 0 {
		c.Webhooks.AttemptTimeout = Duration(10 * time.Second)
	}
	if c.Webhooks.MaxAttempts == 0 {
		c.Webhooks.MaxAttempts = 5
	}
	if c.Webhooks.SenderConcurrency == 0 {
		c.Webhooks.SenderConcurrency = 8
	}
	if c.Webhooks.SubscriptionCountMode == "" {
		c.Webhooks.SubscriptionCountMode = SubscriptionCountTransitions
	}
	if c.Adapter.RequestTimeout == 0 {
		c.Adapter.RequestTimeout = Duration(5 * time.Second)
	}
	if c.Adapter.HeartbeatInterval == 0 {
		c.Adapter.HeartbeatInterval = Duration(2 * time.Second)
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = Duration(120 * time.Second)
	}
	if c.ChannelCacheTTL == 0 {
		c.ChannelCacheTTL = Duration(30 * time.Minute)
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = Duration(10 * time.Second)
	}
}

// Validate rejects impossible configurations before anything binds.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	switch c.Drivers.Adapter {
	case AdapterLocal, AdapterRedis:
	default:
		return errors.Errorf("unknown adapter driver %q", c.Drivers.Adapter)
	}
	switch c.Drivers.AppStore {
	case AppStoreMemory, AppStoreSQLite:
	default:
		return errors.Errorf("unknown app_store driver %q", c.Drivers.AppStore)
	}
	switch c.Drivers.Queue {
	case QueueMemory, QueueRedis:
	default:
		return errors.Errorf("unknown queue driver %q", c.Drivers.Queue)
	}
	switch c.Drivers.Limiter {
	case LimiterMemory, LimiterRedis:
	default:
		return errors.Errorf("unknown limiter driver %q", c.Drivers.Limiter)
	}
	switch c.Webhooks.SubscriptionCountMode {
	case SubscriptionCountTransitions, SubscriptionCountAll:
	default:
		return errors.Errorf("unknown subscription_count_mode %q", c.Webhooks.SubscriptionCountMode)
	}
	if c.Drivers.AppStore == AppStoreMemory && len(c.Apps) == 0 {
		return errors.New("memory app store requires at least one app in the config")
	}
	seen := make(map[string]struct{}, len(c.Apps))
	for i := range c.Apps {
		a := &c.Apps[i]
		if a.ID == "" || a.Key == "" || a.Secret == "" {
			return errors.Errorf("app %d missing id, key, or secret", i)
		}
		if _, dup := seen[a.Key]; dup {
			return errors.Errorf("duplicate app key %q", a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
