// Package config provides configuration loading for subscout.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "SUBSCOUT_"
)

// envSections are the top-level config keys environment variables map onto.
// Multi-word sections are listed so the underscore split lands on the right
// boundary (SUBSCOUT_VECTOR_STORE_PROVIDER -> vector_store.provider).
var envSections = []string{
	"vector_store",
	"logging",
	"embeddings",
	"discovery",
	"migration",
	"secrets",
}

// envSubsections nest one level deeper within a section.
var envSubsections = map[string][]string{
	"vector_store": {"chromem", "qdrant"},
	"logging":      {"sampling"},
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. SUBSCOUT_* environment variables (SUBSCOUT_VECTOR_STORE_PROVIDER, ...)
//  2. YAML config file (~/.config/subscout/config.yaml by default)
//  3. Hardcoded defaults
//
// The config file must live under ~/.config/subscout/ or /etc/subscout/,
// carry 0600 or 0400 permissions, and stay under 1MB. A missing file is not
// an error; defaults and environment variables still apply.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DataDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps an environment variable name to a koanf key.
//
//	SUBSCOUT_VECTOR_STORE_QDRANT_HOST -> vector_store.qdrant.host
//	SUBSCOUT_DISCOVERY_DEFAULT_LIMIT  -> discovery.default_limit
//	SUBSCOUT_LOGGING_LEVEL            -> logging.level
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	for _, section := range envSections {
		if !strings.HasPrefix(key, section+"_") {
			continue
		}
		rest := strings.TrimPrefix(key, section+"_")
		for _, sub := range envSubsections[section] {
			if strings.HasPrefix(rest, sub+"_") {
				return section + "." + sub + "." + strings.TrimPrefix(rest, sub+"_")
			}
		}
		return section + "." + rest
	}
	return key
}

// EnsureConfigDir creates the subscout config directory if it doesn't exist.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := DataDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path is in an allowed directory. The check
// runs even if the file doesn't exist.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	// Paths that don't exist yet fall back to the absolute path.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	dataDir, err := DataDir()
	if err != nil {
		return err
	}
	allowedDirs := []string{dataDir, "/etc/subscout"}

	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/subscout/ or /etc/subscout/")
}

// validateConfigFileProperties checks file permissions and size. Takes the
// FileInfo from an already-opened descriptor to avoid a TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model; skip the mode check there.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
