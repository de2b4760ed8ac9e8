package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level emitted. One of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format selects the encoder: "json" or "console".
	Format string `koanf:"format"`

	// Caller adds file:line of the logging call site.
	Caller bool `koanf:"caller"`

	// Fields are constant key/value pairs attached to every entry.
	Fields map[string]string `koanf:"fields"`

	// Sampling caps log volume under load.
	Sampling SamplingConfig `koanf:"sampling"`
}

// SamplingConfig controls log volume reduction. With the defaults, the first
// Initial entries per message per Tick pass through, then one in Thereafter.
type SamplingConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Tick       time.Duration `koanf:"tick"`
	Initial    int           `koanf:"initial"`
	Thereafter int           `koanf:"thereafter"`
}

// ApplyDefaults fills unset fields with production-ready values.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Fields == nil {
		c.Fields = map[string]string{"service": "subscout"}
	}
	if c.Sampling.Tick == 0 {
		c.Sampling.Tick = time.Second
	}
	if c.Sampling.Initial == 0 {
		c.Sampling.Initial = 100
	}
	if c.Sampling.Thereafter == 0 {
		c.Sampling.Thereafter = 10
	}
}

// Validate checks config for errors.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid level %q: %w", c.Level, err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
