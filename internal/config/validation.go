//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Hard per-request limits. Request fields and configured defaults above
// these values are rejected, not clamped.
const (
	LimitTopK        = 100
	LimitTopKPerStep = 50
	LimitMaxSteps    = 20
	LimitTokenBudget = 100000
	LimitLatencyMS   = 120000
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}

	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns all validation
// errors found.
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateLLM("embedding_llm", c.EmbeddingLLM,
		[]string{"openai", "voyage", "ollama"})...)
	errs = append(errs, c.validateLLM("generation_llm", c.GenerationLLM,
		[]string{"anthropic", "openai", "ollama"})...)
	errs = append(errs, c.validateDatabase("database", c.Database)...)
	errs = append(errs, c.validateGovernance()...)
	errs = append(errs, c.validateKnowledgeBases()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validateServer validates server configuration.
func (c *Config) validateServer() ValidationErrors {
	var errs ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.cert_file",
				Message: "required when TLS is enabled",
			})
		} else if _, err := os.Stat(expandPath(c.Server.TLS.CertFile)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server.tls.cert_file",
				Message: fmt.Sprintf("file not found: %s", c.Server.TLS.CertFile),
			})
		}

		if c.Server.TLS.KeyFile == "" {
			errs = append(errs, ValidationError{
				Field:   "server.tls.key_file",
				Message: "required when TLS is enabled",
			})
		} else if _, err := os.Stat(expandPath(c.Server.TLS.KeyFile)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server.tls.key_file",
				Message: fmt.Sprintf("file not found: %s", c.Server.TLS.KeyFile),
			})
		}
	}

	return errs
}

// validateLogging validates logging configuration.
func (c *Config) validateLogging() ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: text, json",
		})
	}

	return errs
}

// validateEngine validates engine configuration including the request
// defaults, which must themselves respect the hard per-request limits.
func (c *Config) validateEngine() ValidationErrors {
	var errs ValidationErrors

	if c.Engine.MaxConcurrentSubQueries < 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_concurrent_subqueries",
			Message: "must be at least 1",
		})
	}

	if c.Engine.QueueSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.queue_size",
			Message: "must be non-negative",
		})
	}

	if c.Engine.RefineMinScore < 0 || c.Engine.RefineMinScore > 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.refine_min_score",
			Message: "must be between 0 and 1",
		})
	}

	d := c.Engine.Defaults

	if d.TokenBudget < 1 || d.TokenBudget > LimitTokenBudget {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.token_budget",
			Message: fmt.Sprintf("must be between 1 and %d", LimitTokenBudget),
		})
	}

	if d.MaxLatencyMS < 1 || d.MaxLatencyMS > LimitLatencyMS {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.max_latency_ms",
			Message: fmt.Sprintf("must be between 1 and %d", LimitLatencyMS),
		})
	}

	if d.TopK < 1 || d.TopK > LimitTopK {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.top_k",
			Message: fmt.Sprintf("must be between 1 and %d", LimitTopK),
		})
	}

	if d.TopKPerStep < 1 || d.TopKPerStep > LimitTopKPerStep {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.top_k_per_step",
			Message: fmt.Sprintf("must be between 1 and %d", LimitTopKPerStep),
		})
	}

	if d.MaxSteps < 1 || d.MaxSteps > LimitMaxSteps {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.max_steps",
			Message: fmt.Sprintf("must be between 1 and %d", LimitMaxSteps),
		})
	}

	switch strings.ToLower(d.ReasoningEffort) {
	case "low", "medium", "high":
	default:
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.reasoning_effort",
			Message: "must be one of: low, medium, high",
		})
	}

	switch strings.ToLower(d.Mode) {
	case "vector", "keyword", "hybrid":
	default:
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.mode",
			Message: "must be one of: vector, keyword, hybrid",
		})
	}

	if d.SimilarityThreshold < 0 || d.SimilarityThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "engine.defaults.similarity_threshold",
			Message: "must be between 0 and 1",
		})
	}

	return errs
}

// validateCache validates cache configuration.
func (c *Config) validateCache() ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.Cache.Backend) {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = append(errs, ValidationError{
				Field:   "cache.redis.address",
				Message: "required when backend is redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "cache.backend",
			Message: "must be one of: memory, redis",
		})
	}

	if c.Cache.ResultTTLSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "cache.result_ttl_seconds",
			Message: "must be at least 1",
		})
	}

	if c.Cache.ResponseTTLSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "cache.response_ttl_seconds",
			Message: "must be at least 1",
		})
	}

	return errs
}

// validateGovernance validates governance configuration.
func (c *Config) validateGovernance() ValidationErrors {
	var errs ValidationErrors

	if c.Governance.Endpoint != "" && c.Governance.TimeoutSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "governance.timeout_seconds",
			Message: "must be at least 1 when an endpoint is configured",
		})
	}

	return errs
}

// validateKnowledgeBases validates all knowledge base configurations.
func (c *Config) validateKnowledgeBases() ValidationErrors {
	var errs ValidationErrors

	if len(c.KnowledgeBases) == 0 {
		errs = append(errs, ValidationError{
			Field:   "knowledge_bases",
			Message: "at least one knowledge base must be configured",
		})
		return errs
	}

	// Check for duplicate knowledge base ids
	ids := make(map[string]bool)
	for i, kb := range c.KnowledgeBases {
		if ids[kb.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("knowledge_bases[%d].id", i),
				Message: fmt.Sprintf("duplicate knowledge base id: %s", kb.ID),
			})
		}
		ids[kb.ID] = true

		errs = append(errs, c.validateKnowledgeBase(i, kb)...)
	}

	return errs
}

// validateKnowledgeBase validates a single knowledge base configuration.
func (c *Config) validateKnowledgeBase(index int, kb KnowledgeBase) ValidationErrors {
	var errs ValidationErrors
	prefix := fmt.Sprintf("knowledge_bases[%d]", index)

	if kb.ID == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".id",
			Message: "required",
		})
	}

	if kb.Table == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".table",
			Message: "required",
		})
	}

	return errs
}

// validateDatabase validates database configuration.
func (c *Config) validateDatabase(prefix string, db DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Host == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".host",
			Message: "required",
		})
	}

	if db.Database == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".database",
			Message: "required",
		})
	}

	if db.Port < 1 || db.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".port",
			Message: "must be between 1 and 65535",
		})
	}

	// Validate SSL mode
	validSSLModes := map[string]bool{
		"disable":     true,
		"allow":       true,
		"prefer":      true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if db.SSLMode != "" && !validSSLModes[db.SSLMode] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".ssl_mode",
			Message: "must be one of: disable, allow, prefer, require, verify-ca, verify-full",
		})
	}

	return errs
}

// validateLLM validates LLM configuration (required fields).
func (c *Config) validateLLM(prefix string, llm LLMConfig, validProviders []string) ValidationErrors {
	var errs ValidationErrors

	if llm.Provider == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".provider",
			Message: "required",
		})
	} else {
		provider := strings.ToLower(llm.Provider)
		valid := false
		for _, vp := range validProviders {
			if provider == vp {
				valid = true
				break
			}
		}
		if !valid {
			errs = append(errs, ValidationError{
				Field:   prefix + ".provider",
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validProviders, ", ")),
			})
		}
	}

	if llm.Model == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".model",
			Message: "required",
		})
	}

	return errs
}
