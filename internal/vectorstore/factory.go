package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a backend.
type Config struct {
	// Provider names the active backend. Default: chromem.
	Provider string `koanf:"provider"`

	// Shadow optionally names a second backend that mirrors all traffic.
	// Empty disables shadow mode. Shadow must differ from Provider.
	Shadow string `koanf:"shadow"`

	// Chromem configures the embedded backend.
	Chromem ChromemConfig `koanf:"chromem"`

	// Qdrant configures the remote backend.
	Qdrant QdrantConfig `koanf:"qdrant"`
}

// ApplyDefaults sets defaults on the nested backend configs.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = string(ProviderChromem)
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// Validate checks the provider selection.
func (c Config) Validate() error {
	p, err := ParseProvider(c.Provider)
	if err != nil {
		return err
	}
	if c.Shadow != "" {
		s, err := ParseProvider(c.Shadow)
		if err != nil {
			return fmt.Errorf("shadow: %w", err)
		}
		if s == p {
			return fmt.Errorf("%w: shadow provider must differ from active provider %q", ErrInvalidConfig, p)
		}
	}
	return nil
}

// NewStore builds the Store selected by config, wrapping it in a ShadowStore
// when shadow mode is configured.
func NewStore(config Config, logger *zap.Logger) (Store, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	active, err := newBackend(Provider(config.Provider), config, logger)
	if err != nil {
		return nil, fmt.Errorf("creating %s store: %w", config.Provider, err)
	}

	if config.Shadow == "" {
		return active, nil
	}

	shadow, err := newBackend(Provider(config.Shadow), config, logger)
	if err != nil {
		_ = active.Close()
		return nil, fmt.Errorf("creating shadow %s store: %w", config.Shadow, err)
	}

	logger.Info("shadow mode enabled",
		zap.String("active", config.Provider),
		zap.String("shadow", config.Shadow),
	)
	return NewShadowStore(active, shadow, logger), nil
}

func newBackend(p Provider, config Config, logger *zap.Logger) (Store, error) {
	switch p {
	case ProviderChromem:
		return NewChromemStore(config.Chromem, logger)
	case ProviderQdrant:
		return NewQdrantStore(config.Qdrant)
	case ProviderMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, p)
	}
}
