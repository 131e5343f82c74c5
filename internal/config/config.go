package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GATEWAY_LISTEN_ADDR.
const EnvPrefix = "GATEWAY"

// Cache backend names.
const (
	BackendNone      = "none"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
)

// Extraction kinds for provider operations.
const (
	KindJSON = "json"
	KindHTML = "html"
)

// Config stores all configuration of the gateway.
// The values are read by viper from an optional config file and environment variables.
type Config struct {
	ListenAddr  string           `mapstructure:"listen_addr"`
	LogLevel    string           `mapstructure:"log_level"`
	Environment string           `mapstructure:"environment"`
	SentryDSN   string           `mapstructure:"sentry_dsn"`
	Cache       CacheConfig      `mapstructure:"cache"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Providers   []ProviderConfig `mapstructure:"providers"`
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	Backend          string        `mapstructure:"backend"` // none, memory, redis, memcached
	RedisURL         string        `mapstructure:"redis_url"`
	MemcachedServers []string      `mapstructure:"memcached_servers"`
	MemoryCapacity   uint64        `mapstructure:"memory_capacity"` // 0 = unbounded
	KeyPrefix        string        `mapstructure:"key_prefix"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	Codec            string        `mapstructure:"codec"` // json, msgpack
	SingleFlight     bool          `mapstructure:"single_flight"`
	FailOpen         bool          `mapstructure:"fail_open"`
	RefreshAhead     time.Duration `mapstructure:"refresh_ahead"` // 0 disables
}

// HTTPConfig tunes the inbound server and the shared upstream client.
type HTTPConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	TransportTimeout    time.Duration `mapstructure:"transport_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	UserAgent           string        `mapstructure:"user_agent"`
	Retries             int           `mapstructure:"retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
}

// ProviderConfig declares one upstream site.
type ProviderConfig struct {
	Name       string            `mapstructure:"name"`
	Mirrors    []string          `mapstructure:"mirrors"`
	Headers    map[string]string `mapstructure:"headers"`
	Operations []OperationConfig `mapstructure:"operations"`
}

// OperationConfig declares one scrape against a provider. Path and query
// values may reference request parameters as {name}.
type OperationConfig struct {
	Name     string        `mapstructure:"name"`
	Kind     string        `mapstructure:"kind"` // json, html
	Path     string        `mapstructure:"path"`
	Query    []string      `mapstructure:"query"` // name=value pairs
	Required []string      `mapstructure:"required"`
	TTL      time.Duration `mapstructure:"ttl"`
	Items    string        `mapstructure:"items"` // gjson path or CSS selector; empty = document root
	Fields   []FieldConfig `mapstructure:"fields"`
}

// FieldConfig extracts one output field from an item.
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Path     string `mapstructure:"path"`     // gjson path (json)
	Selector string `mapstructure:"selector"` // CSS selector relative to the item (html)
	Attr     string `mapstructure:"attr"`     // attribute instead of text (html)
	Absolute bool   `mapstructure:"absolute"` // resolve as URL against the page (html)
	All      bool   `mapstructure:"all"`      // collect every match as a list (html)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("environment", "development")
	v.SetDefault("sentry_dsn", "")

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.memcached_servers", []string{"localhost:11211"})
	v.SetDefault("cache.memory_capacity", 10000)
	v.SetDefault("cache.key_prefix", "")
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.codec", "json")
	v.SetDefault("cache.single_flight", false)
	v.SetDefault("cache.fail_open", true)
	v.SetDefault("cache.refresh_ahead", time.Duration(0))

	v.SetDefault("http.request_timeout", 20*time.Second)
	v.SetDefault("http.transport_timeout", 15*time.Second)
	v.SetDefault("http.dial_timeout", 5*time.Second)
	v.SetDefault("http.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http.max_idle_conns", 256)
	v.SetDefault("http.max_idle_conns_per_host", 32)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("http.retries", 2)
	v.SetDefault("http.retry_backoff", 300*time.Millisecond)
}

// Load reads configuration from path (optional) and the environment.
// When path is empty, GATEWAY_CONFIG is consulted.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if len(p.Headers) > 0 {
			headers := make(map[string]string, len(p.Headers))
			for k, v := range p.Headers {
				headers[http.CanonicalHeaderKey(k)] = v
			}
			p.Headers = headers
		}
		for j := range p.Operations {
			op := &p.Operations[j]
			op.Name = strings.ToLower(strings.TrimSpace(op.Name))
			op.Kind = strings.ToLower(strings.TrimSpace(op.Kind))
			if op.Kind == "" {
				op.Kind = KindJSON
			}
		}
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis backend")
		}
	case BackendMemcached:
		if len(c.Cache.MemcachedServers) == 0 {
			return errors.New("cache.memcached_servers is required for the memcached backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}

	if c.HTTP.RequestTimeout <= 0 {
		return errors.New("http.request_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q declared twice", p.Name)
		}
		seen[p.Name] = true

		if len(p.Mirrors) == 0 {
			return fmt.Errorf("provider %q has no mirrors", p.Name)
		}

		ops := make(map[string]bool, len(p.Operations))
		for _, op := range p.Operations {
			if op.Name == "" {
				return fmt.Errorf("provider %q has an operation without a name", p.Name)
			}
			if ops[op.Name] {
				return fmt.Errorf("operation %s/%s declared twice", p.Name, op.Name)
			}
			ops[op.Name] = true

			if op.Kind != KindJSON && op.Kind != KindHTML {
				return fmt.Errorf("operation %s/%s: unsupported kind %q", p.Name, op.Name, op.Kind)
			}
			if len(op.Fields) == 0 {
				return fmt.Errorf("operation %s/%s declares no fields", p.Name, op.Name)
			}
		}
	}

	return nil
}
