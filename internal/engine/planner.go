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
	"regexp"
	"strings"
	"time"

	"github.com/quarrydata/quarry-retrieval-server/internal/llm"
	"github.com/quarrydata/quarry-retrieval-server/internal/metrics"
)

const (
	// minPlanBudget is the token floor below which decomposition and
	// refinement calls are skipped; with less than this remaining the
	// budget is better spent on synthesis.
	minPlanBudget = 500

	// planMaxTokens bounds the output of decomposition and refinement
	// calls.
	planMaxTokens = 256

	// maxPlanSubQueries caps how many decomposition lines are kept;
	// excess lines are discarded in order. Sub-queries beyond the
	// step cap are skipped at execution time instead.
	maxPlanSubQueries = 4
)

const planSystemPrompt = `You split a research question into focused retrieval sub-queries.
Respond with one sub-query per line in the form:
knowledge_base_id | sub-query
Use only the provided knowledge base ids. Produce between 2 and 4 lines and nothing else.`

const refineSystemPrompt = `You propose follow-up retrieval sub-queries when earlier searches came back weak.
Respond with one sub-query per line in the form:
knowledge_base_id | sub-query
Use only the provided knowledge base ids. Produce at most 2 lines and nothing else.`

// enumPrefix matches leading list enumeration like "1." or "2)" that
// models add despite instructions.
var enumPrefix = regexp.MustCompile(`^\d+[.)]\s*`)

// plannedQuery is one parsed decomposition line.
type plannedQuery struct {
	kbID  string
	query string
}

// plan shapes the operation's initial sub-queries. Low effort, a
// single-step cap, or a thin token budget skip decomposition and use
// the original query as the only sub-query; otherwise the generation
// collaborator splits the query into 2-4 focused sub-queries, each
// targeted at one requested knowledge base. Decomposition failure
// degrades to the single sub-query rather than failing the request.
// A plan trace entry is recorded only when a decomposition call was
// actually made.
func (op *operation) plan(ctx context.Context) {
	if op.req.ReasoningEffort == EffortLow ||
		op.req.MaxSteps == 1 ||
		op.budget.Remaining() < minPlanBudget {
		op.setPlan([]SubQuery{op.singleSubQuery()})
		return
	}

	start := time.Now()
	resp, err := op.engine.generateWithRetry(ctx, llm.CompletionRequest{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   buildPlanPrompt(op.req.Query, op.req.KBIDs),
		MaxTokens:    planCallTokens(op.budget),
		Temperature:  0,
	})
	op.engine.metrics.ObserveCollaborator(metrics.CollaboratorGenerate, time.Since(start))
	if err != nil {
		op.engine.logger.Warn("query decomposition failed, using original query", "error", err)
		op.setPlan([]SubQuery{op.singleSubQuery()})
		op.appendStep(ActionPlan, start, 0, 1)
		return
	}

	charged := op.budget.ChargeUpTo(resp.Usage.TotalTokens)

	parsed := parsePlanLines(resp.Content, op.req.KBIDs, maxPlanSubQueries)
	if len(parsed) < 2 {
		op.engine.logger.Warn("query decomposition unusable, using original query",
			"parsed", len(parsed),
		)
		op.setPlan([]SubQuery{op.singleSubQuery()})
		op.appendStep(ActionPlan, start, charged, 1)
		return
	}

	subQueries := make([]SubQuery, len(parsed))
	for i, p := range parsed {
		subQueries[i] = SubQuery{
			StepIndex: i,
			Query:     p.query,
			KBID:      p.kbID,
			Status:    SubQueryPending,
		}
	}
	op.setPlan(subQueries)
	op.appendStep(ActionPlan, start, charged, len(subQueries))
}

// maybeRefine decides whether a high-effort operation gets follow-up
// sub-queries. At most one refinement happens per operation: when the
// gathered set is empty or its best score falls below the configured
// floor, the generation collaborator proposes up to two follow-ups and
// the operation loops back for another wave.
func (op *operation) maybeRefine(ctx context.Context) bool {
	if op.req.ReasoningEffort != EffortHigh || op.refined {
		return false
	}
	stepsLeft := op.req.MaxSteps - op.executed
	if stepsLeft <= 0 {
		return false
	}
	if op.budget.Remaining() < minPlanBudget || op.budget.DeadlineExceeded() {
		return false
	}
	if !op.needsRefinement() {
		return false
	}
	op.refined = true

	start := time.Now()
	resp, err := op.engine.generateWithRetry(ctx, llm.CompletionRequest{
		SystemPrompt: refineSystemPrompt,
		UserPrompt:   buildRefinePrompt(op.req.Query, op.subQueries, op.req.KBIDs),
		MaxTokens:    planCallTokens(op.budget),
		Temperature:  0,
	})
	op.engine.metrics.ObserveCollaborator(metrics.CollaboratorGenerate, time.Since(start))
	if err != nil {
		op.engine.logger.Warn("refinement failed", "error", err)
		op.appendStep(ActionRefine, start, 0, 0)
		return false
	}

	charged := op.budget.ChargeUpTo(resp.Usage.TotalTokens)

	maxFollowUps := 2
	if stepsLeft < maxFollowUps {
		maxFollowUps = stepsLeft
	}
	parsed := parsePlanLines(resp.Content, op.req.KBIDs, maxFollowUps)
	for _, p := range parsed {
		op.subQueries = append(op.subQueries, SubQuery{
			StepIndex: len(op.subQueries),
			Query:     p.query,
			KBID:      p.kbID,
			Status:    SubQueryPending,
			Refined:   true,
		})
		op.gathered = append(op.gathered, nil)
	}
	op.appendStep(ActionRefine, start, charged, len(parsed))
	return len(parsed) > 0
}

// needsRefinement reports whether the gathered results look too weak
// to synthesize from.
func (op *operation) needsRefinement() bool {
	found := false
	best := 0.0
	for _, chunks := range op.gathered {
		for _, c := range chunks {
			if !found || c.Score > best {
				best = c.Score
			}
			found = true
		}
	}
	if !found {
		return true
	}
	return best < op.engine.cfg.RefineMinScore
}

func (op *operation) singleSubQuery() SubQuery {
	return SubQuery{
		StepIndex: 0,
		Query:     op.req.Query,
		KBID:      op.req.KBIDs[0],
		Status:    SubQueryPending,
	}
}

// planCallTokens sizes a planning call's output limit against the
// remaining budget.
func planCallTokens(b *Budget) int {
	limit := b.Remaining() / 4
	if limit > planMaxTokens {
		return planMaxTokens
	}
	return limit
}

// parsePlanLines parses `kb_id | sub-query` lines from collaborator
// output, up to max. Lines whose target is missing or unknown are
// assigned round-robin across the requested knowledge bases.
func parsePlanLines(content string, kbIDs []string, max int) []plannedQuery {
	known := make(map[string]bool, len(kbIDs))
	for _, id := range kbIDs {
		known[id] = true
	}

	var planned []plannedQuery
	next := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = enumPrefix.ReplaceAllString(line, "")
		if line == "" {
			continue
		}

		kbID, query := "", line
		if before, after, found := strings.Cut(line, "|"); found {
			kbID = strings.TrimSpace(before)
			query = strings.TrimSpace(after)
		}
		if query == "" {
			continue
		}
		if !known[kbID] {
			kbID = kbIDs[next%len(kbIDs)]
			next++
		}

		planned = append(planned, plannedQuery{kbID: kbID, query: query})
		if len(planned) == max {
			break
		}
	}
	return planned
}

func buildPlanPrompt(query string, kbIDs []string) string {
	var b strings.Builder
	b.WriteString("Knowledge bases: ")
	b.WriteString(strings.Join(kbIDs, ", "))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func buildRefinePrompt(query string, ran []SubQuery, kbIDs []string) string {
	var b strings.Builder
	b.WriteString("Knowledge bases: ")
	b.WriteString(strings.Join(kbIDs, ", "))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nAlready searched without strong results:\n")
	for _, sq := range ran {
		b.WriteString(sq.KBID)
		b.WriteString(" | ")
		b.WriteString(sq.Query)
		b.WriteString("\n")
	}
	b.WriteString("\nPropose at most 2 different follow-up sub-queries.")
	return b.String()
}
