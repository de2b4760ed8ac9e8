package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "subscout", cfg.Fields["service"])
	assert.Equal(t, time.Second, cfg.Sampling.Tick)
	assert.Equal(t, 100, cfg.Sampling.Initial)
	assert.Equal(t, 10, cfg.Sampling.Thereafter)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad level",
			mutate:  func(c *Config) { c.Level = "loud" },
			wantErr: "invalid level",
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Format = "xml" },
			wantErr: "format must be",
		},
		{
			name: "sampling tick required when enabled",
			mutate: func(c *Config) {
				c.Sampling.Enabled = true
				c.Sampling.Tick = 0
			},
			wantErr: "sampling tick",
		},
		{
			name:    "empty field value",
			mutate:  func(c *Config) { c.Fields = map[string]string{"env": ""} },
			wantErr: "empty value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("builds logger from defaults", func(t *testing.T) {
		logger, err := New(Config{})
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("started")
	})

	t.Run("console format with sampling", func(t *testing.T) {
		logger, err := New(Config{
			Format:   "console",
			Level:    "debug",
			Caller:   true,
			Sampling: SamplingConfig{Enabled: true},
		})
		require.NoError(t, err)
		require.NotNil(t, logger)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := New(Config{Level: "shout"})
		assert.Error(t, err)
	})
}
