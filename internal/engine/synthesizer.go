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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quarrydata/quarry-retrieval-server/internal/llm"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
)

// insufficientContextAnswer is returned when no retrieved content
// survived to ground an answer. Generation is skipped entirely rather
// than risk an uncited response.
const insufficientContextAnswer = "I could not retrieve enough relevant context to answer this question."

const synthesisSystemPrompt = `You answer questions strictly from the provided context passages.
Cite every factual claim inline with the marker format [document_id:chunk_id] copied from the passage headers.
If the context does not contain the answer, say so. Do not use outside knowledge.`

// citationPattern matches inline citation markers [doc_id:chunk_id].
var citationPattern = regexp.MustCompile(`\[([^\[\]:\s]+):([^\[\]:\s]+)\]`)

// synthesize builds the cited answer from everything gathered. Chunks
// are deduplicated by parent document (first seen wins), admitted in
// descending score order until the first chunk that would cross 70% of
// the remaining token budget, and the generation call's output is
// capped at half of what is left after admission, so the operation can
// never overrun its token budget.
func (op *operation) synthesize(ctx context.Context) {
	start := time.Now()

	chunks := op.dedupedChunks()
	if len(chunks) == 0 {
		op.answer = insufficientContextAnswer
		op.appendStep(ActionSynthesize, start, 0, 0)
		return
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	admitted, contextTokens := op.admitContext(sorted)
	if len(admitted) == 0 {
		op.answer = insufficientContextAnswer
		op.appendStep(ActionSynthesize, start, 0, 0)
		return
	}

	charged := op.budget.ChargeUpTo(contextTokens)
	op.admitted = admitted

	outputCap := op.budget.Remaining() / 2
	if outputCap == 0 {
		op.markTruncated(TruncationTokens)
		op.appendStep(ActionSynthesize, start, charged, len(admitted))
		return
	}

	genStart := time.Now()
	resp, err := op.engine.generateWithRetry(ctx, llm.CompletionRequest{
		SystemPrompt: synthesisSystemPrompt,
		UserPrompt:   buildSynthesisPrompt(op.req.Query, admitted),
		MaxTokens:    outputCap,
		Temperature:  0,
	})
	op.engine.metrics.ObserveCollaborator(metrics.CollaboratorGenerate, time.Since(genStart))
	if err != nil {
		op.markTruncated(TruncationGenerationUnavailable)
		op.engine.logger.Warn("answer generation failed", "error", err)
		op.appendStep(ActionSynthesize, start, charged, len(admitted))
		return
	}

	outputTokens := resp.Usage.CompletionTokens
	if outputTokens == 0 {
		outputTokens = op.engine.counter.Count(resp.Content)
	}
	if outputTokens > outputCap {
		outputTokens = outputCap
	}
	charged += op.budget.ChargeUpTo(outputTokens)

	answer, citations := validateCitations(resp.Content, admitted)
	if len(citations) == 0 {
		op.markTruncated(TruncationNoCitations)
	}
	op.answer = answer
	op.citations = citations
	op.appendStep(ActionSynthesize, start, charged, len(admitted))
}

// admitContext admits chunks in the given order until the next chunk
// would cross 70% of the remaining token budget. The reserved 30% is
// held back for the generation call's own output.
func (op *operation) admitContext(sorted []Chunk) ([]Chunk, int) {
	floor := (op.budget.Remaining() * 7) / 10

	var admitted []Chunk
	total := 0
	for _, c := range sorted {
		cost := op.engine.counter.Count(c.Content)
		if total+cost > floor {
			op.markTruncated(TruncationContextOverflow)
			break
		}
		admitted = append(admitted, c)
		total += cost
	}
	return admitted, total
}

// dedupedChunks flattens gathered results in step-index order and
// deduplicates them by parent document id, first seen wins.
func (op *operation) dedupedChunks() []Chunk {
	var out []Chunk
	seen := make(map[string]bool)
	for _, chunks := range op.gathered {
		for _, c := range chunks {
			if seen[c.DocumentID] {
				continue
			}
			seen[c.DocumentID] = true
			out = append(out, c)
		}
	}
	return out
}

// validateCitations strips citation markers that do not reference an
// admitted chunk and returns the valid citations in first-appearance
// order.
func validateCitations(answer string, admitted []Chunk) (string, []Citation) {
	valid := make(map[string]bool, len(admitted))
	for _, c := range admitted {
		valid[c.DocumentID+":"+c.ID] = true
	}

	var citations []Citation
	seen := make(map[string]bool)
	cleaned := citationPattern.ReplaceAllStringFunc(answer, func(marker string) string {
		parts := citationPattern.FindStringSubmatch(marker)
		key := parts[1] + ":" + parts[2]
		if !valid[key] {
			return ""
		}
		if !seen[key] {
			seen[key] = true
			citations = append(citations, Citation{DocumentID: parts[1], ChunkID: parts[2]})
		}
		return marker
	})
	return cleaned, citations
}

func buildSynthesisPrompt(query string, chunks []Chunk) string {
	var b strings.Builder
	b.WriteString("Context passages:\n\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "[%s:%s]\n%s\n\n", c.DocumentID, c.ID, c.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}
