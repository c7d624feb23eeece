//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package engine implements the retrieval orchestration core: query
// planning, bounded parallel sub-query execution, token and latency
// budget enforcement, and cited answer synthesis.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarrydata/quarry-retrieval-server/internal/config"
)

// Search modes.
const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// Reasoning effort levels for agentic retrieval.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// Actions recorded in a response's step trace.
const (
	ActionPlan             = "plan"
	ActionRetrieve         = "retrieve"
	ActionRefine           = "refine"
	ActionSynthesize       = "synthesize"
	ActionResponseCacheHit = "response_cache_hit"
)

// Sub-query statuses. Pending is the only non-terminal status.
const (
	SubQueryPending   = "pending"
	SubQuerySucceeded = "succeeded"
	SubQueryFailed    = "failed"
	SubQuerySkipped   = "skipped"
)

// Truncation causes. The first cause encountered wins; it is reported
// in the response, logged, and counted by the metrics collector.
const (
	TruncationTokens                = "tokens"
	TruncationDeadline              = "deadline"
	TruncationStepCap               = "step_cap"
	TruncationSubQueryFailed        = "subquery_failed"
	TruncationContextOverflow       = "context_overflow"
	TruncationNoCitations           = "no_citations"
	TruncationGenerationUnavailable = "generation_unavailable"
)

// RetrievalRequest is a single-shot retrieval against one knowledge
// base. Zero-valued fields are filled from the configured defaults
// before validation.
type RetrievalRequest struct {
	KBID                string         `json:"kb_id"`
	Query               string         `json:"query"`
	TenantID            string         `json:"tenant_id"`
	TopK                int            `json:"top_k,omitempty"`
	Mode                string         `json:"mode,omitempty"`
	Filters             *config.Filter `json:"filters,omitempty"`
	SimilarityThreshold float64        `json:"similarity_threshold,omitempty"`
	ForceFresh          bool           `json:"force_fresh,omitempty"`
}

// AgenticRequest is a multi-step retrieval that decomposes the query,
// fans out across knowledge bases, and synthesizes a cited answer. An
// empty KBIDs set is resolved to every knowledge base visible to the
// tenant.
type AgenticRequest struct {
	Query               string         `json:"query"`
	TenantID            string         `json:"tenant_id"`
	KBIDs               []string       `json:"kb_ids,omitempty"`
	MaxSteps            int            `json:"max_steps,omitempty"`
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"`
	TopKPerStep         int            `json:"top_k_per_step,omitempty"`
	TokenBudget         int            `json:"token_budget,omitempty"`
	MaxLatencyMS        int            `json:"max_latency_ms,omitempty"`
	Mode                string         `json:"mode,omitempty"`
	Filters             *config.Filter `json:"filters,omitempty"`
	SimilarityThreshold float64        `json:"similarity_threshold,omitempty"`
	ForceFresh          bool           `json:"force_fresh,omitempty"`
}

// Chunk is one retrieved unit of document content.
type Chunk struct {
	ID         string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	KBID       string                 `json:"kb_id"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Citation is one validated answer citation, in first-appearance order.
type Citation struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
}

// TraceStep is one entry in an operation's append-only step trace.
// StepNumber is 1-based and strictly sequential.
type TraceStep struct {
	StepNumber  int    `json:"step_number"`
	Action      string `json:"action"`
	DurationMS  int64  `json:"duration_ms"`
	Tokens      int    `json:"tokens"`
	ResultCount int    `json:"result_count"`
}

// Response is the result of a retrieval operation. Answer and
// Citations are only populated for agentic retrieval.
type Response struct {
	RequestID       string      `json:"request_id"`
	Answer          string      `json:"answer,omitempty"`
	Citations       []Citation  `json:"citations,omitempty"`
	Results         []Chunk     `json:"results"`
	Steps           []TraceStep `json:"steps"`
	TotalTokensUsed int         `json:"total_tokens_used"`
	TotalLatencyMS  int64       `json:"total_latency_ms"`
	Truncated       bool        `json:"truncated"`
	TruncationCause string      `json:"truncation_cause,omitempty"`
}

// SubQuery is one planned unit of retrieval work within an operation.
type SubQuery struct {
	StepIndex int
	Query     string
	KBID      string
	Status    string
	Refined   bool
}

// SearchRequest is one ranked search against a single knowledge base.
// Embedding is populated for vector and hybrid mode and nil for
// keyword mode.
type SearchRequest struct {
	KBID      string
	TenantID  string
	Query     string
	Embedding []float32
	Mode      string
	TopK      int
	Threshold float64
	Filter    *config.Filter
}

// Searcher executes ranked retrieval against knowledge bases.
type Searcher interface {
	// Search returns chunks ranked by descending relevance score.
	Search(ctx context.Context, req SearchRequest) ([]Chunk, error)

	// VisibleKnowledgeBases returns the ids of knowledge bases the
	// tenant may query.
	VisibleKnowledgeBases(tenantID string) []string

	// HasKnowledgeBase reports whether a knowledge base is configured.
	HasKnowledgeBase(kbID string) bool

	// Refresh discards any searcher-local state for a knowledge base
	// after its documents change.
	Refresh(kbID string)
}

// ApplyDefaults fills zero-valued request fields from the configured
// defaults. Explicitly set fields are left alone so validation can
// reject out-of-range values instead of silently clamping them.
func (r *RetrievalRequest) ApplyDefaults(d config.RequestDefaults) {
	if r.TopK == 0 {
		r.TopK = d.TopK
	}
	if r.Mode == "" {
		r.Mode = d.Mode
	}
	if r.SimilarityThreshold == 0 {
		r.SimilarityThreshold = d.SimilarityThreshold
	}
}

// Validate checks the request against the hard per-field limits.
func (r *RetrievalRequest) Validate() error {
	var errs ValidationErrors

	if r.Query == "" {
		errs = append(errs, ValidationError{Field: "query", Message: "query is required"})
	}
	if r.TenantID == "" {
		errs = append(errs, ValidationError{Field: "tenant_id", Message: "tenant_id is required"})
	}
	if r.KBID == "" {
		errs = append(errs, ValidationError{Field: "kb_id", Message: "kb_id is required"})
	}
	if r.TopK < 1 || r.TopK > config.LimitTopK {
		errs = append(errs, ValidationError{
			Field:   "top_k",
			Message: fmt.Sprintf("must be between 1 and %d", config.LimitTopK),
		})
	}
	if !validMode(r.Mode) {
		errs = append(errs, ValidationError{Field: "mode", Message: "must be one of: vector, keyword, hybrid"})
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		errs = append(errs, ValidationError{Field: "similarity_threshold", Message: "must be between 0 and 1"})
	}
	errs = append(errs, validateFilter(r.Filters)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ApplyDefaults fills zero-valued request fields from the configured
// defaults.
func (r *AgenticRequest) ApplyDefaults(d config.RequestDefaults) {
	if r.MaxSteps == 0 {
		r.MaxSteps = d.MaxSteps
	}
	if r.ReasoningEffort == "" {
		r.ReasoningEffort = d.ReasoningEffort
	}
	if r.TopKPerStep == 0 {
		r.TopKPerStep = d.TopKPerStep
	}
	if r.TokenBudget == 0 {
		r.TokenBudget = d.TokenBudget
	}
	if r.MaxLatencyMS == 0 {
		r.MaxLatencyMS = d.MaxLatencyMS
	}
	if r.Mode == "" {
		r.Mode = d.Mode
	}
	if r.SimilarityThreshold == 0 {
		r.SimilarityThreshold = d.SimilarityThreshold
	}
}

// Validate checks the request against the hard per-field limits.
// Out-of-range values are rejected, never clamped.
func (r *AgenticRequest) Validate() error {
	var errs ValidationErrors

	if r.Query == "" {
		errs = append(errs, ValidationError{Field: "query", Message: "query is required"})
	}
	if r.TenantID == "" {
		errs = append(errs, ValidationError{Field: "tenant_id", Message: "tenant_id is required"})
	}
	for _, kb := range r.KBIDs {
		if kb == "" {
			errs = append(errs, ValidationError{Field: "kb_ids", Message: "knowledge base ids must be non-empty"})
			break
		}
	}
	if r.MaxSteps < 1 || r.MaxSteps > config.LimitMaxSteps {
		errs = append(errs, ValidationError{
			Field:   "max_steps",
			Message: fmt.Sprintf("must be between 1 and %d", config.LimitMaxSteps),
		})
	}
	if !validEffort(r.ReasoningEffort) {
		errs = append(errs, ValidationError{Field: "reasoning_effort", Message: "must be one of: low, medium, high"})
	}
	if r.TopKPerStep < 1 || r.TopKPerStep > config.LimitTopKPerStep {
		errs = append(errs, ValidationError{
			Field:   "top_k_per_step",
			Message: fmt.Sprintf("must be between 1 and %d", config.LimitTopKPerStep),
		})
	}
	if r.TokenBudget < 1 || r.TokenBudget > config.LimitTokenBudget {
		errs = append(errs, ValidationError{
			Field:   "token_budget",
			Message: fmt.Sprintf("must be between 1 and %d", config.LimitTokenBudget),
		})
	}
	if r.MaxLatencyMS < 1 || r.MaxLatencyMS > config.LimitLatencyMS {
		errs = append(errs, ValidationError{
			Field:   "max_latency_ms",
			Message: fmt.Sprintf("must be between 1 and %d", config.LimitLatencyMS),
		})
	}
	if !validMode(r.Mode) {
		errs = append(errs, ValidationError{Field: "mode", Message: "must be one of: vector, keyword, hybrid"})
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		errs = append(errs, ValidationError{Field: "similarity_threshold", Message: "must be between 0 and 1"})
	}
	errs = append(errs, validateFilter(r.Filters)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validMode(mode string) bool {
	switch mode {
	case ModeVector, ModeKeyword, ModeHybrid:
		return true
	}
	return false
}

func validEffort(effort string) bool {
	switch effort {
	case EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}

// validateFilter checks the structural shape of a request filter. The
// operator allowlist is enforced by the search layer when the filter
// is compiled into a query.
func validateFilter(f *config.Filter) ValidationErrors {
	if f == nil {
		return nil
	}

	var errs ValidationErrors
	switch f.Logic {
	case "", "AND", "OR":
	default:
		errs = append(errs, ValidationError{Field: "filters.logic", Message: "must be AND or OR"})
	}
	for _, cond := range f.Conditions {
		if cond.Column == "" || cond.Operator == "" {
			errs = append(errs, ValidationError{Field: "filters.conditions", Message: "column and operator are required"})
			break
		}
	}
	return errs
}

// filterSignature derives a deterministic cache-key component from a
// request filter. Conditions are ordered, so the JSON encoding is
// stable for a fixed filter.
func filterSignature(f *config.Filter) string {
	if f == nil || len(f.Conditions) == 0 {
		return ""
	}
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return string(data)
}
