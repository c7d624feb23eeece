//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package config handles configuration loading and validation for the
// Quarry Retrieval Server.
package config

import "fmt"

// Config is the root configuration structure for the server.
type Config struct {
	Server         ServerConfig     `yaml:"server"`
	Logging        LoggingConfig    `yaml:"logging"`
	APIKeys        APIKeysConfig    `yaml:"api_keys"`
	Engine         EngineConfig     `yaml:"engine"`
	Cache          CacheConfig      `yaml:"cache"`
	EmbeddingLLM   LLMConfig        `yaml:"embedding_llm"`
	GenerationLLM  LLMConfig        `yaml:"generation_llm"`
	Database       DatabaseConfig   `yaml:"database"`
	Governance     GovernanceConfig `yaml:"governance"`
	Metrics        MetricsConfig    `yaml:"metrics"`
	KnowledgeBases []KnowledgeBase  `yaml:"knowledge_bases"`
}

// APIKeysConfig contains paths to files containing API keys for LLM providers.
// If not specified, keys are loaded from environment variables or default
// file locations (~/.anthropic-api-key, ~/.openai-api-key, ~/.voyage-api-key).
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"` // Path to file containing Anthropic API key
	OpenAI    string `yaml:"openai"`    // Path to file containing OpenAI API key
	Voyage    string `yaml:"voyage"`    // Path to file containing Voyage API key
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddress string     `yaml:"listen_address"`
	Port          int        `yaml:"port"`
	TLS           TLSConfig  `yaml:"tls"`
	CORS          CORSConfig `yaml:"cors"`
}

// CORSConfig contains CORS (Cross-Origin Resource Sharing) settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"` // Origins to allow, or ["*"] for all
}

// TLSConfig contains TLS/HTTPS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// EngineConfig contains retrieval engine settings.
type EngineConfig struct {
	// MaxConcurrentSubQueries bounds the worker pool shared by all
	// in-flight operations.
	MaxConcurrentSubQueries int `yaml:"max_concurrent_subqueries"`

	// QueueSize is the number of sub-queries that may wait for a worker.
	QueueSize int `yaml:"queue_size"`

	// RefineMinScore is the best-score floor below which a high-effort
	// operation schedules follow-up sub-queries.
	RefineMinScore float64 `yaml:"refine_min_score"`

	Defaults RequestDefaults `yaml:"defaults"`
}

// RequestDefaults supplies values for request fields the caller omits.
// Requests that set a field explicitly are validated against the hard
// per-field limits, never silently clamped.
type RequestDefaults struct {
	TokenBudget         int     `yaml:"token_budget"`
	MaxLatencyMS        int     `yaml:"max_latency_ms"`
	TopK                int     `yaml:"top_k"`
	TopKPerStep         int     `yaml:"top_k_per_step"`
	MaxSteps            int     `yaml:"max_steps"`
	ReasoningEffort     string  `yaml:"reasoning_effort"` // low, medium, high
	Mode                string  `yaml:"mode"`             // vector, keyword, hybrid
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// CacheConfig contains cache backend settings.
type CacheConfig struct {
	Backend            string      `yaml:"backend"` // memory, redis
	Redis              RedisConfig `yaml:"redis"`
	ResultTTLSeconds   int         `yaml:"result_ttl_seconds"`
	ResponseTTLSeconds int         `yaml:"response_ttl_seconds"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GovernanceConfig contains content governance settings. An empty
// endpoint disables the external check and every chunk is allowed.
type GovernanceConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	// Certificate-based authentication
	SSLCert   string `yaml:"ssl_cert"`
	SSLKey    string `yaml:"ssl_key"`
	SSLRootCA string `yaml:"ssl_root_ca"`
}

// KnowledgeBase defines a searchable corpus backed by a table with
// content and vector columns.
type KnowledgeBase struct {
	ID    string `yaml:"id"`
	Table string `yaml:"table"`

	// Tenants lists tenant ids allowed to query this knowledge base.
	// ["*"] grants access to every tenant.
	Tenants []string `yaml:"tenants"`

	IDColumn        string        `yaml:"id_column"`
	DocumentColumn  string        `yaml:"document_column"`
	ContentColumn   string        `yaml:"content_column"`
	EmbeddingColumn string        `yaml:"embedding_column"`
	MetadataColumn  string        `yaml:"metadata_column"`
	Filter          *ConfigFilter `yaml:"filter"` // Optional filter (raw SQL or structured)
}

// AllowsTenant reports whether the given tenant may query this
// knowledge base.
func (kb KnowledgeBase) AllowsTenant(tenantID string) bool {
	for _, t := range kb.Tenants {
		if t == "*" || t == tenantID {
			return true
		}
	}
	return false
}

// FilterCondition represents a single filter condition.
type FilterCondition struct {
	Column   string      `json:"column" yaml:"column"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// Filter represents a collection of conditions with logical operators.
// Used for API request filters which must be parameterized for security.
type Filter struct {
	Conditions []FilterCondition `json:"conditions" yaml:"conditions"`
	Logic      string            `json:"logic,omitempty" yaml:"logic,omitempty"` // "AND" or "OR", default "AND"
}

// ConfigFilter represents a filter in knowledge base configuration.
// It can be either a raw SQL string (for admin use) or a structured Filter.
type ConfigFilter struct {
	RawSQL     string  // Raw SQL WHERE clause fragment (admin-only)
	Structured *Filter // Structured filter with conditions
}

// UnmarshalYAML implements custom YAML unmarshaling for ConfigFilter.
// Allows filter to be specified as either a string or structured object.
func (cf *ConfigFilter) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Try string first (raw SQL)
	var s string
	if err := unmarshal(&s); err == nil {
		cf.RawSQL = s
		return nil
	}

	// Try structured filter
	var f Filter
	if err := unmarshal(&f); err == nil {
		cf.Structured = &f
		return nil
	}

	return fmt.Errorf("filter must be a string or structured filter object")
}

// LLMConfig contains settings for an LLM provider.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: "0.0.0.0",
			Port:          8080,
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxConcurrentSubQueries: 8,
			QueueSize:               64,
			RefineMinScore:          0.4,
			Defaults: RequestDefaults{
				TokenBudget:     8000,
				MaxLatencyMS:    30000,
				TopK:            10,
				TopKPerStep:     8,
				MaxSteps:        4,
				ReasoningEffort: "medium",
				Mode:            "hybrid",
			},
		},
		Cache: CacheConfig{
			Backend:            "memory",
			ResultTTLSeconds:   300,
			ResponseTTLSeconds: 600,
		},
		Governance: GovernanceConfig{
			TimeoutSeconds: 5,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "quarry",
		},
	}
}
