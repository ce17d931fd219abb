// Package config provides configuration loading and validation for tapstack.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileHeader is written above the YAML produced by Save.
const fileHeader = "# tapstack configuration. ${VAR} references are expanded from the environment.\n"

// Load reads path into cfg. Keys absent from the file keep the values
// already in cfg, so callers start from DefaultConfig.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, cfg)
}

// Parse expands ${VAR} references in data and decodes it into cfg. Unknown
// keys are rejected. An empty document leaves cfg untouched.
func Parse(data []byte, cfg *Config) error {
	data = []byte(os.ExpandEnv(string(data)))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: Config directory permissions are appropriate
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold the API token
	if err := os.WriteFile(path, append([]byte(fileHeader), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadAndValidate loads path into cfg and validates the result.
func LoadAndValidate(path string, cfg *Config) error {
	if err := Load(path, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}
