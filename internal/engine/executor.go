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
	"errors"
	"fmt"
	"time"

	"github.com/quarrydata/quarry-retrieval-server/internal/cache"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/governance"
	"github.com/quarrydata/quarry-retrieval-server/internal/llm"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
)

// searchJob carries everything one sub-query execution needs.
type searchJob struct {
	kbID       string
	tenantID   string
	query      string
	mode       string
	topK       int
	threshold  float64
	filter     *config.Filter
	forceFresh bool
}

// executeSubQuery runs one sub-query: embed (vector and hybrid modes),
// search through the result cache, then apply per-tenant governance.
// The result cache holds raw search output, so governance runs on both
// the hit and the miss path. An error here marks one sub-query failed;
// it never aborts the operation.
func (e *Engine) executeSubQuery(ctx context.Context, job searchJob) ([]Chunk, error) {
	var (
		embedding []float32
		querySig  string
	)

	if job.mode == ModeKeyword {
		querySig = cache.NormalizeQuery(job.query)
	} else {
		vec, _, err := e.cache.Embedding(ctx, job.query, func(ctx context.Context) ([]float32, error) {
			start := time.Now()
			v, err := e.embedWithRetry(ctx, job.query)
			if err != nil {
				return nil, err
			}
			e.metrics.ObserveCollaborator(metrics.CollaboratorEmbed, time.Since(start))
			return v, nil
		})
		if err != nil {
			return nil, fmt.Errorf("embedding failed: %w", err)
		}
		embedding = vec
		querySig = cache.VectorSignature(vec)
	}

	key := cache.ResultKey(job.kbID, querySig, job.mode, job.topK, job.threshold, filterSignature(job.filter))

	var chunks []Chunk
	hit := false
	if !job.forceFresh {
		hit = e.cache.GetResults(ctx, key, &chunks)
	}
	if !hit {
		start := time.Now()
		found, err := e.searchWithRetry(ctx, SearchRequest{
			KBID:      job.kbID,
			TenantID:  job.tenantID,
			Query:     job.query,
			Embedding: embedding,
			Mode:      job.mode,
			TopK:      job.topK,
			Threshold: job.threshold,
			Filter:    job.filter,
		})
		if err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		e.metrics.ObserveCollaborator(metrics.CollaboratorSearch, time.Since(start))
		chunks = found
		e.cache.PutResults(ctx, key, chunks)
	}

	return e.applyGovernance(ctx, job.tenantID, job.kbID, chunks), nil
}

// applyGovernance runs every chunk through the governance checker.
// Blocked chunks are dropped, transformed chunks carry the substituted
// content, and a chunk whose check fails after retry is dropped so
// unknown policy outcomes fail closed.
func (e *Engine) applyGovernance(ctx context.Context, tenantID, kbID string, chunks []Chunk) []Chunk {
	if len(chunks) == 0 {
		return chunks
	}

	approved := make([]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		verdict, err := e.approveWithRetry(ctx, governance.CheckRequest{
			Content:  chunk.Content,
			TenantID: tenantID,
			KBID:     kbID,
		})
		if err != nil {
			e.logger.Warn("governance check failed, dropping chunk",
				"kb_id", kbID,
				"chunk_id", chunk.ID,
				"error", err,
			)
			continue
		}

		switch verdict.Decision {
		case governance.DecisionAllow:
			approved = append(approved, chunk)
		case governance.DecisionTransform:
			chunk.Content = verdict.Content
			approved = append(approved, chunk)
		case governance.DecisionBlock:
		}
	}
	return approved
}

// embedWithRetry calls the embedding collaborator, retrying exactly
// once on a transient failure.
func (e *Engine) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err == nil || !retryableCall(ctx, err) {
		return vec, err
	}
	e.logger.Warn("embedding call failed, retrying once", "error", err)
	return e.embedder.Embed(ctx, text)
}

// searchWithRetry calls the search collaborator, retrying exactly once
// on a transient failure.
func (e *Engine) searchWithRetry(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	chunks, err := e.searcher.Search(ctx, req)
	if err == nil || !retryableCall(ctx, err) {
		return chunks, err
	}
	e.logger.Warn("search call failed, retrying once",
		"kb_id", req.KBID,
		"error", err,
	)
	return e.searcher.Search(ctx, req)
}

// generateWithRetry calls the generation collaborator, retrying
// exactly once on a transient failure.
func (e *Engine) generateWithRetry(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := e.generator.Complete(ctx, req)
	if err == nil || !retryableCall(ctx, err) {
		return resp, err
	}
	e.logger.Warn("generation call failed, retrying once", "error", err)
	return e.generator.Complete(ctx, req)
}

// approveWithRetry calls the governance collaborator, retrying exactly
// once on a transient failure.
func (e *Engine) approveWithRetry(ctx context.Context, req governance.CheckRequest) (*governance.Result, error) {
	start := time.Now()
	verdict, err := e.governance.Approve(ctx, req)
	if err == nil {
		e.metrics.ObserveCollaborator(metrics.CollaboratorGovernance, time.Since(start))
		return verdict, nil
	}
	if !retryableCall(ctx, err) {
		return nil, err
	}
	return e.governance.Approve(ctx, req)
}

// retryableCall reports whether a failed collaborator call should get
// its single retry. Cancellation and deadline expiry are never
// retried; typed provider errors decide for themselves; anything else
// is treated as transient.
func retryableCall(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return true
}
