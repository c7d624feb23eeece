//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default configuration file name.
	ConfigFileName = "quarry-retrieval-server.yaml"

	// SystemConfigPath is the system-wide configuration path.
	SystemConfigPath = "/etc/quarry/" + ConfigFileName
)

// Load loads the configuration from the specified path, or searches
// default locations if path is empty.
//
// Search order:
//  1. Explicit path (if provided)
//  2. /etc/quarry/quarry-retrieval-server.yaml
//  3. quarry-retrieval-server.yaml in the binary's directory
func Load(path string) (*Config, error) {
	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}

	return loadFromFile(configPath)
}

// findConfigFile finds the configuration file using the search order.
func findConfigFile(explicitPath string) (string, error) {
	// If explicit path provided, use it
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Search order for config file
	searchPaths := []string{
		SystemConfigPath,
		getBinaryDirConfigPath(),
	}

	for _, p := range searchPaths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no configuration file found; searched: %v", searchPaths)
}

// getBinaryDirConfigPath returns the path to config file in the binary's
// directory.
func getBinaryDirConfigPath() string {
	executable, err := os.Executable()
	if err != nil {
		return ""
	}

	// Resolve symlinks to get the actual binary location
	executable, err = filepath.EvalSymlinks(executable)
	if err != nil {
		return ""
	}

	return filepath.Join(filepath.Dir(executable), ConfigFileName)
}

// loadFromFile loads and parses the configuration from a YAML file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults to sections the file left unset
	applyDefaults(cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in per-section defaults the YAML decoder cannot
// express, such as knowledge base column names.
func applyDefaults(cfg *Config) {
	// Database connection defaults
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "prefer"
	}

	// Redis address default when the redis backend is selected
	if cfg.Cache.Backend == "redis" && cfg.Cache.Redis.Address == "" {
		cfg.Cache.Redis.Address = "localhost:6379"
	}

	// Governance check timeout
	if cfg.Governance.Endpoint != "" && cfg.Governance.TimeoutSeconds == 0 {
		cfg.Governance.TimeoutSeconds = 5
	}

	// Metrics namespace
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "quarry"
	}

	// Knowledge base column and tenant defaults
	for i := range cfg.KnowledgeBases {
		kb := &cfg.KnowledgeBases[i]

		if kb.IDColumn == "" {
			kb.IDColumn = "id"
		}
		if kb.DocumentColumn == "" {
			kb.DocumentColumn = "document_id"
		}
		if kb.ContentColumn == "" {
			kb.ContentColumn = "content"
		}
		if kb.EmbeddingColumn == "" {
			kb.EmbeddingColumn = "embedding"
		}
		if kb.MetadataColumn == "" {
			kb.MetadataColumn = "metadata"
		}
		if len(kb.Tenants) == 0 {
			kb.Tenants = []string{"*"}
		}
	}
}
