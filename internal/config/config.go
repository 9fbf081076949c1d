// Package config loads and validates the dispatcher's YAML
// configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v2"

	"github.com/tahmidr/request-dispatcher/internal/domain"
)

// Duration wraps time.Duration so YAML configs can use Go duration
// strings ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts the same duration strings as the YAML form.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Admin    AdminConfig     `yaml:"admin"`
	Logging  LoggingConfig   `yaml:"logging"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Backends []BackendConfig `yaml:"backends"`
}

// AdminConfig configures the admin/status HTTP API.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file,omitempty"`
}

// DispatchConfig tunes the queue, workers, resolver, and dead letter
// store.
type DispatchConfig struct {
	QueueCapacity      int      `yaml:"queue_capacity"`
	Workers            int      `yaml:"workers"`
	FairnessCap        int      `yaml:"fairness_cap"`
	DeadLetterCapacity int      `yaml:"dead_letter_capacity"`
	MaxRetries         int      `yaml:"max_retries"`
	RetryInitial       Duration `yaml:"retry_initial"`
	RetryMax           Duration `yaml:"retry_max"`
	DrainTimeout       Duration `yaml:"drain_timeout"`
	TransportTimeout   Duration `yaml:"transport_timeout"`
	CacheEnabled       bool     `yaml:"cache_enabled"`
}

// BackendConfig is the wire shape of one backend declaration, shared
// by the YAML file and the admin registration API.
type BackendConfig struct {
	Name             string   `yaml:"name" json:"name"`
	Address          string   `yaml:"address" json:"address"`
	Capability       string   `yaml:"capability" json:"capability"`
	Tier             string   `yaml:"tier" json:"tier"`
	MaxConcurrency   int64    `yaml:"max_concurrency" json:"max_concurrency"`
	RatePerMinute    float64  `yaml:"rate_per_minute" json:"rate_per_minute"`
	RateBurst        int      `yaml:"rate_burst" json:"rate_burst"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	MaxRetries       int      `yaml:"max_retries" json:"max_retries"`
	BackoffInitial   Duration `yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax       Duration `yaml:"backoff_max" json:"backoff_max"`
	BreakerThreshold int      `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	BreakerMaxProbes int      `yaml:"breaker_max_probes" json:"breaker_max_probes"`
	CacheTTL         Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{Enabled: true, Port: 9090},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Dispatch: DispatchConfig{
			QueueCapacity:      1024,
			Workers:            8,
			FairnessCap:        8,
			DeadLetterCapacity: 256,
			MaxRetries:         3,
			RetryInitial:       Duration(100 * time.Millisecond),
			RetryMax:           Duration(10 * time.Second),
			DrainTimeout:       Duration(30 * time.Second),
			TransportTimeout:   Duration(60 * time.Second),
		},
	}
}

// Validate checks the whole document.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backends, validation.Required.Error("at least one backend must be configured")),
	); err != nil {
		return err
	}
	if err := c.Admin.validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	for i, b := range c.Backends {
		if err := b.validate(); err != nil {
			return fmt.Errorf("backends[%d] (%s): %w", i, b.Name, err)
		}
	}
	return nil
}

func (a AdminConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

func (l LoggingConfig) validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required,
			validation.In("debug", "info", "warn", "warning", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
		validation.Field(&l.Output, validation.In("stdout", "stderr", "file")),
	)
}

func (d DispatchConfig) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.QueueCapacity, validation.Min(1)),
		validation.Field(&d.Workers, validation.Min(1)),
		validation.Field(&d.FairnessCap, validation.Min(1)),
		validation.Field(&d.MaxRetries, validation.Min(0)),
	)
}

func (b BackendConfig) validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Name, validation.Required),
		validation.Field(&b.Address, validation.Required),
		validation.Field(&b.Capability, validation.Required),
		validation.Field(&b.Tier, validation.In("", "critical", "important", "standard", "experimental")),
		validation.Field(&b.RatePerMinute, validation.Min(0.0)),
		validation.Field(&b.MaxRetries, validation.Min(0)),
		validation.Field(&b.BreakerThreshold, validation.Min(0)),
	)
}

// Domain converts the YAML backend declaration into the immutable
// runtime configuration.
func (b BackendConfig) Domain() domain.BackendConfig {
	return domain.BackendConfig{
		Name:             b.Name,
		Address:          b.Address,
		Capability:       b.Capability,
		Tier:             domain.Tier(b.Tier),
		MaxConcurrency:   b.MaxConcurrency,
		RatePerMinute:    b.RatePerMinute,
		RateBurst:        b.RateBurst,
		Timeout:          b.Timeout.Std(),
		MaxRetries:       b.MaxRetries,
		BackoffInitial:   b.BackoffInitial.Std(),
		BackoffMax:       b.BackoffMax.Std(),
		BreakerThreshold: b.BreakerThreshold,
		BreakerCooldown:  b.BreakerCooldown.Std(),
		BreakerMaxProbes: b.BreakerMaxProbes,
		CacheTTL:         b.CacheTTL.Std(),
	}
}
