package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/subscout/internal/discovery"
	"github.com/fyrsmithlabs/subscout/internal/embeddings"
	"github.com/fyrsmithlabs/subscout/internal/logging"
	"github.com/fyrsmithlabs/subscout/internal/migration"
	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

// Config is the root configuration for subscout.
//
// Values come from the YAML config file and SUBSCOUT_* environment
// variables, with env vars taking precedence. See LoadWithFile.
type Config struct {
	Logging     logging.Config            `koanf:"logging"`
	VectorStore vectorstore.Config        `koanf:"vector_store"`
	Embeddings  embeddings.ProviderConfig `koanf:"embeddings"`
	Discovery   discovery.EngineConfig    `koanf:"discovery"`
	Migration   MigrationConfig           `koanf:"migration"`
	Secrets     SecretsConfig             `koanf:"secrets"`
}

// MigrationConfig extends the coordinator config with the local state
// database location.
type MigrationConfig struct {
	migration.Config `koanf:",squash"`

	// StatePath is the SQLite database tracking migration runs.
	StatePath string `koanf:"state_path"`
}

// SecretsConfig collects credentials. They are kept out of the component
// configs so a dumped or logged Config never exposes them; applyDefaults
// threads the raw values into the components that need them.
type SecretsConfig struct {
	// QdrantAPIKey authenticates against a managed Qdrant instance.
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`

	// EmbeddingAPIKey authenticates against a protected TEI endpoint.
	EmbeddingAPIKey Secret `koanf:"embedding_api_key"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) error {
	cfg.Logging.ApplyDefaults()
	cfg.VectorStore.ApplyDefaults()
	cfg.Discovery.ApplyDefaults()
	cfg.Migration.ApplyDefaults()

	dataDir, err := DataDir()
	if err != nil {
		return err
	}
	if cfg.Migration.ManifestPath == "" {
		cfg.Migration.ManifestPath = filepath.Join(dataDir, "migration-manifest.json")
	}
	if cfg.Migration.StatePath == "" {
		cfg.Migration.StatePath = filepath.Join(dataDir, "migrations.db")
	}

	if cfg.Secrets.QdrantAPIKey.IsSet() && cfg.VectorStore.Qdrant.APIKey == "" {
		cfg.VectorStore.Qdrant.APIKey = cfg.Secrets.QdrantAPIKey.Value()
	}
	if cfg.Secrets.EmbeddingAPIKey.IsSet() && cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = cfg.Secrets.EmbeddingAPIKey.Value()
	}
	return nil
}

// Validate checks every section and reports the first problem found.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.Migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if c.Migration.StatePath == "" {
		return fmt.Errorf("migration: state_path is required")
	}
	return nil
}

// DataDir returns the subscout config/data directory (~/.config/subscout).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "subscout"), nil
}
