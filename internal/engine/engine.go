//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quarrydata/quarry-retrieval-server/internal/cache"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/governance"
	"github.com/quarrydata/quarry-retrieval-server/internal/llm"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
	"github.com/quarrydata/quarry-retrieval-server/internal/tokenizer"
)

// Endpoint labels for retrieval metrics.
const (
	endpointRetrieve        = "retrieve"
	endpointAgenticRetrieve = "agentic_retrieve"
)

// Engine coordinates retrieval operations end to end: planning,
// bounded parallel sub-query execution, budget enforcement, and
// answer synthesis.
type Engine struct {
	cfg        config.EngineConfig
	embedder   llm.EmbeddingProvider
	generator  llm.CompletionProvider
	searcher   Searcher
	cache      *cache.MultiCache
	governance governance.Checker
	counter    tokenizer.Counter
	metrics    *metrics.Collector
	logger     *slog.Logger
	pool       *Pool
}

// Deps are the collaborators the engine consumes. Embedder, Generator,
// Searcher, and Cache are required. Governance defaults to allow-all
// and Counter to the shared BPE counter when unset.
type Deps struct {
	Embedder   llm.EmbeddingProvider
	Generator  llm.CompletionProvider
	Searcher   Searcher
	Cache      *cache.MultiCache
	Governance governance.Checker
	Counter    tokenizer.Counter
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// New creates an engine and starts its shared worker pool.
func New(cfg config.EngineConfig, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("completion provider is required")
	}
	if deps.Searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}

	e := &Engine{
		cfg:        cfg,
		embedder:   deps.Embedder,
		generator:  deps.Generator,
		searcher:   deps.Searcher,
		cache:      deps.Cache,
		governance: deps.Governance,
		counter:    deps.Counter,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.governance == nil {
		e.governance = governance.AllowAll{}
	}
	if e.counter == nil {
		e.counter = tokenizer.NewCounter()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector("quarry", prometheus.NewRegistry())
	}

	e.pool = NewPool(cfg.MaxConcurrentSubQueries, cfg.QueueSize,
		WithPanicHandler(func(r any) {
			e.logger.Error("sub-query task panicked", "panic", r)
		}))
	e.metrics.RegisterPoolGauges(e.pool.ActiveWorkers, e.pool.QueuedTasks)

	return e, nil
}

// Retrieve executes a single-shot retrieval against one knowledge
// base. A search failure degrades to an empty truncated response; only
// validation failures and unknown knowledge bases return errors.
func (e *Engine) Retrieve(ctx context.Context, req RetrievalRequest) (*Response, error) {
	start := time.Now()

	req.ApplyDefaults(e.cfg.Defaults)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.kbVisible(req.TenantID, req.KBID) {
		return nil, ErrUnknownKnowledgeBase
	}

	respKey := cache.ResponseKey(
		req.TenantID, cache.NormalizeQuery(req.Query), req.KBID,
		req.Mode, req.TopK, req.SimilarityThreshold, filterSignature(req.Filters))

	if !req.ForceFresh {
		if resp, ok := e.replayResponse(ctx, respKey, start); ok {
			e.metrics.RecordRetrieval(endpointRetrieve, false, 0, time.Since(start))
			e.logRetrieval(endpointRetrieve, req.TenantID, resp)
			return resp, nil
		}
	}

	budget := NewBudget(e.cfg.Defaults.TokenBudget,
		time.Duration(e.cfg.Defaults.MaxLatencyMS)*time.Millisecond)
	opCtx, cancel := context.WithDeadline(ctx, budget.Deadline())
	defer cancel()

	resp := &Response{
		RequestID: uuid.NewString(),
		Results:   []Chunk{},
	}

	job := searchJob{
		kbID:       req.KBID,
		tenantID:   req.TenantID,
		query:      req.Query,
		mode:       req.Mode,
		topK:       req.TopK,
		threshold:  req.SimilarityThreshold,
		filter:     req.Filters,
		forceFresh: req.ForceFresh,
	}

	searchStart := time.Now()
	chunks, err := e.runPooled(opCtx, job)
	if err != nil {
		resp.Truncated = true
		resp.TruncationCause = TruncationSubQueryFailed
		e.metrics.RecordTruncation(TruncationSubQueryFailed)
		e.metrics.RecordSubQuery(SubQueryFailed)
		e.logger.Warn("retrieval failed",
			"tenant_id", req.TenantID,
			"kb_id", req.KBID,
			"error", err,
		)
	} else {
		resp.Results = chunks
		e.metrics.RecordSubQuery(SubQuerySucceeded)
	}

	resp.Steps = []TraceStep{{
		StepNumber:  1,
		Action:      ActionRetrieve,
		DurationMS:  time.Since(searchStart).Milliseconds(),
		Tokens:      0,
		ResultCount: len(resp.Results),
	}}
	resp.TotalTokensUsed = budget.Used()
	resp.TotalLatencyMS = time.Since(start).Milliseconds()

	// Degraded answers must not be replayed.
	if !resp.Truncated {
		e.cache.PutResponse(ctx, respKey, resp)
	}

	e.metrics.RecordRetrieval(endpointRetrieve, resp.Truncated, resp.TotalTokensUsed, time.Since(start))
	e.logRetrieval(endpointRetrieve, req.TenantID, resp)
	return resp, nil
}

// AgenticRetrieve executes a multi-step retrieval operation and
// synthesizes a cited answer from whatever was gathered within budget.
func (e *Engine) AgenticRetrieve(ctx context.Context, req AgenticRequest) (*Response, error) {
	start := time.Now()

	req.ApplyDefaults(e.cfg.Defaults)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if len(req.KBIDs) == 0 {
		req.KBIDs = e.searcher.VisibleKnowledgeBases(req.TenantID)
		if len(req.KBIDs) == 0 {
			return nil, ValidationErrors{{
				Field:   "kb_ids",
				Message: "no knowledge bases available for tenant",
			}}
		}
	} else {
		for _, kbID := range req.KBIDs {
			if !e.kbVisible(req.TenantID, kbID) {
				return nil, ErrUnknownKnowledgeBase
			}
		}
	}

	op := &operation{
		engine: e,
		req:    req,
		budget: NewBudget(req.TokenBudget, time.Duration(req.MaxLatencyMS)*time.Millisecond),
	}
	op.run(ctx)

	resp := op.response()
	resp.TotalLatencyMS = time.Since(start).Milliseconds()

	e.metrics.RecordRetrieval(endpointAgenticRetrieve, resp.Truncated, resp.TotalTokensUsed, time.Since(start))
	e.logRetrieval(endpointAgenticRetrieve, req.TenantID, resp)
	return resp, nil
}

// InvalidateKnowledgeBase drops searcher state and every cached
// retrieval result for one knowledge base after its documents change.
func (e *Engine) InvalidateKnowledgeBase(ctx context.Context, kbID string) error {
	if !e.searcher.HasKnowledgeBase(kbID) {
		return ErrUnknownKnowledgeBase
	}

	e.searcher.Refresh(kbID)
	if err := e.cache.InvalidateKnowledgeBase(ctx, kbID); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", kbID, err)
	}

	e.logger.Info("knowledge base invalidated", "kb_id", kbID)
	return nil
}

// KnowledgeBases returns the knowledge base ids visible to a tenant.
func (e *Engine) KnowledgeBases(tenantID string) []string {
	return e.searcher.VisibleKnowledgeBases(tenantID)
}

// Close shuts down the shared worker pool, waiting for in-flight
// sub-queries to finish.
func (e *Engine) Close() {
	e.pool.Close()
}

// replayResponse serves a basic retrieval from the response cache. The
// replay gets a fresh request id, a single-entry trace, and zero token
// usage; only the retrieved results and answer fields are reused.
func (e *Engine) replayResponse(ctx context.Context, key string, start time.Time) (*Response, bool) {
	var cached Response
	if !e.cache.GetResponse(ctx, key, &cached) {
		return nil, false
	}

	cached.RequestID = uuid.NewString()
	cached.TotalTokensUsed = 0
	cached.Truncated = false
	cached.TruncationCause = ""
	cached.Steps = []TraceStep{{
		StepNumber:  1,
		Action:      ActionResponseCacheHit,
		DurationMS:  time.Since(start).Milliseconds(),
		Tokens:      0,
		ResultCount: len(cached.Results),
	}}
	cached.TotalLatencyMS = time.Since(start).Milliseconds()
	return &cached, true
}

// runPooled executes one search job on the shared worker pool and
// waits for it.
func (e *Engine) runPooled(ctx context.Context, job searchJob) ([]Chunk, error) {
	var (
		chunks []Chunk
		err    error
	)

	done := make(chan struct{})
	task := func() {
		defer close(done)
		chunks, err = e.executeSubQuery(ctx, job)
	}
	if submitErr := e.pool.Submit(ctx, task); submitErr != nil {
		return nil, submitErr
	}
	<-done
	return chunks, err
}

// kbVisible reports whether the knowledge base exists and the tenant
// may query it. The two cases are indistinguishable on purpose.
func (e *Engine) kbVisible(tenantID, kbID string) bool {
	for _, id := range e.searcher.VisibleKnowledgeBases(tenantID) {
		if id == kbID {
			return true
		}
	}
	return false
}

func (e *Engine) logRetrieval(endpoint, tenantID string, resp *Response) {
	e.logger.Info("retrieval complete",
		"endpoint", endpoint,
		"request_id", resp.RequestID,
		"tenant_id", tenantID,
		"results", len(resp.Results),
		"steps", len(resp.Steps),
		"tokens_used", resp.TotalTokensUsed,
		"latency_ms", resp.TotalLatencyMS,
		"truncated", resp.Truncated,
		"truncation_cause", resp.TruncationCause,
	)
}
