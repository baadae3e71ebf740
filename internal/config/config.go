package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models waterline.yml.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server" json:"server"`
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider" json:"provider"`
	Log      LogConfig      `yaml:"log" mapstructure:"log" json:"log"`
	Samples  SamplesConfig  `yaml:"samples" mapstructure:"samples" json:"samples"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host" json:"host"`
	Port int    `yaml:"port" mapstructure:"port" json:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig configures the external inference provider and its identity service.
type ProviderConfig struct {
	APIKey          Secret        `yaml:"api_key" mapstructure:"api_key" json:"api_key"`
	EndpointURL     string        `yaml:"endpoint_url" mapstructure:"endpoint_url" json:"endpoint_url"`
	IdentityURL     string        `yaml:"identity_url" mapstructure:"identity_url" json:"identity_url"`
	Fields          []string      `yaml:"fields" mapstructure:"fields" json:"fields"`
	LabelField      string        `yaml:"label_field" mapstructure:"label_field" json:"label_field"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout"`
	IdentityTimeout time.Duration `yaml:"identity_timeout" mapstructure:"identity_timeout" json:"identity_timeout"`
	RefreshSkew     time.Duration `yaml:"refresh_skew" mapstructure:"refresh_skew" json:"refresh_skew"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff" json:"retry_backoff"`
	CacheTokens     bool          `yaml:"cache_tokens" mapstructure:"cache_tokens" json:"cache_tokens"`
	FallbackOnError bool          `yaml:"fallback_on_error" mapstructure:"fallback_on_error" json:"fallback_on_error"`
}

// Configured reports whether the live provider path should be used.
func (p ProviderConfig) Configured() bool {
	return !p.APIKey.Empty() && strings.TrimSpace(p.EndpointURL) != ""
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" json:"level"`
	Format string `yaml:"format" mapstructure:"format" json:"format"`
}

type SamplesConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" json:"driver"`
	DSN         Secret `yaml:"dsn" mapstructure:"dsn" json:"dsn"`
	Fixture     string `yaml:"fixture" mapstructure:"fixture" json:"fixture"`
	SourceURL   string `yaml:"source_url" mapstructure:"source_url" json:"source_url"`
	RefreshCron string `yaml:"refresh_cron" mapstructure:"refresh_cron" json:"refresh_cron"`
}

// Secret holds credential material. Every rendering except Reveal is redacted.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) Reveal() string { return string(s) }
func (s Secret) Empty() bool    { return strings.TrimSpace(string(s)) == "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return fmt.Sprintf("config.Secret(%q)", s.String()) }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port %d out of range", c.Server.Port)
	}
	p := c.Provider
	if p.EndpointURL != "" {
		if err := validateURL("config.provider.endpoint_url", p.EndpointURL); err != nil {
			return err
		}
	}
	if err := validateURL("config.provider.identity_url", p.IdentityURL); err != nil {
		return err
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("config.provider.fields is required")
	}
	seen := make(map[string]struct{}, len(p.Fields))
	for _, f := range p.Fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("config.provider.fields contains an empty field")
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("config.provider.fields lists %s twice", f)
		}
		seen[f] = struct{}{}
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("config.provider.timeout must be positive")
	}
	if p.IdentityTimeout <= 0 {
		return fmt.Errorf("config.provider.identity_timeout must be positive")
	}
	if p.RefreshSkew < 0 || p.RetryBackoff < 0 {
		return fmt.Errorf("config.provider.refresh_skew and retry_backoff must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	switch c.Samples.Driver {
	case "sqlite":
	case "postgres":
		if c.Samples.DSN.Empty() {
			return fmt.Errorf("config.samples.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.samples.driver must be sqlite or postgres")
	}
	if c.Samples.SourceURL != "" {
		if err := validateURL("config.samples.source_url", c.Samples.SourceURL); err != nil {
			return err
		}
	}
	if c.Samples.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.Samples.RefreshCron); err != nil {
			return fmt.Errorf("config.samples.refresh_cron: %w", err)
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL", key)
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg with secrets redacted.
func ToYAML(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// EnvPrefix is the prefix for environment overrides, e.g. WATERLINE_PROVIDER_API_KEY.
const EnvPrefix = "WATERLINE"

// Load resolves configuration from v: bound flags, WATERLINE_* env, the YAML
// file at path (optional), then defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	def := Default()
	for key, val := range defaultKeys(def) {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultKeys flattens the defaults so viper knows every key for env lookup.
func defaultKeys(c *Config) map[string]any {
	return map[string]any{
		"server.host":                c.Server.Host,
		"server.port":                c.Server.Port,
		"provider.api_key":           c.Provider.APIKey.Reveal(),
		"provider.endpoint_url":      c.Provider.EndpointURL,
		"provider.identity_url":      c.Provider.IdentityURL,
		"provider.fields":            c.Provider.Fields,
		"provider.label_field":       c.Provider.LabelField,
		"provider.timeout":           c.Provider.Timeout,
		"provider.identity_timeout":  c.Provider.IdentityTimeout,
		"provider.refresh_skew":      c.Provider.RefreshSkew,
		"provider.retry_backoff":     c.Provider.RetryBackoff,
		"provider.cache_tokens":      c.Provider.CacheTokens,
		"provider.fallback_on_error": c.Provider.FallbackOnError,
		"log.level":                  c.Log.Level,
		"log.format":                 c.Log.Format,
		"samples.driver":             c.Samples.Driver,
		"samples.dsn":                c.Samples.DSN.Reveal(),
		"samples.fixture":            c.Samples.Fixture,
		"samples.source_url":         c.Samples.SourceURL,
		"samples.refresh_cron":       c.Samples.RefreshCron,
	}
}

const defaultTemplate = `server:
  host: 0.0.0.0
  port: 10000

provider:
  api_key: ""
  endpoint_url: ""
  identity_url: https://iam.cloud.ibm.com/identity/token
  fields: [basins_monitored, date, measure, n_basins, proportion]
  label_field: prediction
  timeout: 30s
  identity_timeout: 10s
  refresh_skew: 60s
  retry_backoff: 250ms
  cache_tokens: true
  fallback_on_error: false

log:
  level: info
  format: json

samples:
  driver: sqlite
  dsn: ""
  fixture: ""
  source_url: ""
  refresh_cron: ""
`
