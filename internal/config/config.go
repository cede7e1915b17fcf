package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// per X-Webhook-Source token bucket on the inbound endpoint
	RateRPS   float64 `mapstructure:"rate_rps"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type AuthConfig struct {
	TokenSecret string            `mapstructure:"token_secret"`
	TokenTTL    time.Duration     `mapstructure:"token_ttl"`
	Issuer      string            `mapstructure:"issuer"`
	ServiceKeys map[string]string `mapstructure:"service_keys"`
	// ServiceKeyList is the env-friendly form: "admin=k1,reservations=k2".
	ServiceKeyList string `mapstructure:"service_key_list"`
}

type WebhooksConfig struct {
	SourceService   string        `mapstructure:"source_service"`
	SigningSecret   string        `mapstructure:"signing_secret"`
	RetryBound      int           `mapstructure:"retry_bound"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

type ProviderConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Currency string        `mapstructure:"currency"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ProvidersConfig struct {
	MockPay     ProviderConfig `mapstructure:"mockpay"`
	CardPay     ProviderConfig `mapstructure:"cardpay"`
	RegionalPay ProviderConfig `mapstructure:"regionalpay"`
}

const devSecret = "change-this-in-production"

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.rate_rps", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "tourhooks:webhook-logs")
	v.SetDefault("auth.token_secret", devSecret)
	v.SetDefault("auth.token_ttl", "15m")
	v.SetDefault("auth.issuer", "tourhooks")
	v.SetDefault("auth.service_key_list", "")
	v.SetDefault("webhooks.source_service", "tourhooks")
	v.SetDefault("webhooks.signing_secret", devSecret)
	v.SetDefault("webhooks.retry_bound", 2)
	v.SetDefault("webhooks.attempt_timeout", "3s")
	v.SetDefault("webhooks.delivery_timeout", "10s")
	v.SetDefault("webhooks.backoff_base", "200ms")
	v.SetDefault("webhooks.backoff_max", "2s")
	v.SetDefault("providers.mockpay.enabled", true)
	v.SetDefault("providers.mockpay.currency", "EUR")
	v.SetDefault("providers.cardpay.enabled", false)
	v.SetDefault("providers.cardpay.base_url", "https://api.cardpay.example")
	v.SetDefault("providers.cardpay.api_key", "")
	v.SetDefault("providers.cardpay.currency", "EUR")
	v.SetDefault("providers.cardpay.timeout", "10s")
	v.SetDefault("providers.regionalpay.enabled", false)
	v.SetDefault("providers.regionalpay.base_url", "https://api.sandbox.regionalpay.example")
	v.SetDefault("providers.regionalpay.api_key", "")
	v.SetDefault("providers.regionalpay.currency", "IDR")
	v.SetDefault("providers.regionalpay.timeout", "10s")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tourhooks")
	}

	v.SetEnvPrefix("TOURHOOKS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	keys, err := parseKeyList(cfg.Auth.ServiceKeyList)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.ServiceKeys == nil {
		cfg.Auth.ServiceKeys = map[string]string{}
	}
	for k, val := range keys {
		cfg.Auth.ServiceKeys[k] = val
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseKeyList(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, key, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid auth.service_key_list entry %q", part)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(key)
	}
	return out, nil
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.TokenSecret) < 16 {
		errs = append(errs, errors.New("auth.token_secret must be at least 16 characters"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Webhooks.RetryBound < 0 {
		errs = append(errs, errors.New("webhooks.retry_bound must be >= 0"))
	}
	if c.Webhooks.AttemptTimeout <= 0 || c.Webhooks.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("webhooks timeouts must be positive"))
	}
	if c.Webhooks.SourceService == "" {
		errs = append(errs, errors.New("webhooks.source_service is required"))
	}
	if c.Providers.CardPay.Enabled && c.Providers.CardPay.APIKey == "" {
		errs = append(errs, errors.New("providers.cardpay.api_key is required when enabled"))
	}
	if c.Providers.RegionalPay.Enabled && c.Providers.RegionalPay.APIKey == "" {
		errs = append(errs, errors.New("providers.regionalpay.api_key is required when enabled"))
	}
	return errors.Join(errs...)
}

// UsesDevSecrets reports whether either secret still has the shipped default.
func (c *Config) UsesDevSecrets() bool {
	return c.Auth.TokenSecret == devSecret || c.Webhooks.SigningSecret == devSecret
}

// Redacted returns a copy safe to expose on the debug endpoint.
func (c Config) Redacted() Config {
	const mask = "***"
	c.Auth.TokenSecret = mask
	c.Auth.ServiceKeyList = ""
	keys := make(map[string]string, len(c.Auth.ServiceKeys))
	for k := range c.Auth.ServiceKeys {
		keys[k] = mask
	}
	c.Auth.ServiceKeys = keys
	c.Webhooks.SigningSecret = mask
	c.Providers.CardPay.APIKey = redact(c.Providers.CardPay.APIKey)
	c.Providers.RegionalPay.APIKey = redact(c.Providers.RegionalPay.APIKey)
	c.Providers.MockPay.APIKey = redact(c.Providers.MockPay.APIKey)
	if c.Database.URL != "" {
		c.Database.URL = mask
	}
	if c.Redis.URL != "" {
		c.Redis.URL = mask
	}
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
