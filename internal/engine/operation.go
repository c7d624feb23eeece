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
	"sync"
	"time"

	"github.com/google/uuid"
)

// opState is one state of the operation's execution loop.
type opState int

const (
	statePlanned opState = iota
	stateExecuting
	stateBudgetCheck
	stateSynthesizing
	stateDone
)

// operation is the live, mutable state of one in-flight agentic
// request. It is created at request entry and discarded after the
// response is built; nothing here outlives the request.
type operation struct {
	engine *Engine
	req    AgenticRequest
	budget *Budget

	subQueries []SubQuery
	gathered   [][]Chunk // per sub-query, step-index order
	executed   int       // sub-queries counted against MaxSteps
	refined    bool

	steps     []TraceStep
	truncated bool
	cause     string

	answer    string
	citations []Citation
	admitted  []Chunk
}

// run drives the operation through the state machine
// PLANNED -> EXECUTING -> BUDGET_CHECK -> (EXECUTING | SYNTHESIZING) -> DONE.
// The loop always reaches synthesis, so the trace and response are
// complete even when budgets cut execution short.
func (op *operation) run(ctx context.Context) {
	ctx, cancel := context.WithDeadline(ctx, op.budget.Deadline())
	defer cancel()

	state := statePlanned
	for state != stateDone {
		switch state {
		case statePlanned:
			op.plan(ctx)
			state = stateExecuting
		case stateExecuting:
			op.executeWave(ctx)
			state = stateBudgetCheck
		case stateBudgetCheck:
			state = op.checkBudget(ctx)
		case stateSynthesizing:
			op.synthesize(ctx)
			state = stateDone
		}
	}
}

// executeWave runs the next wave of pending sub-queries concurrently
// on the shared pool, bounded by the steps remaining. Results join in
// step-index order regardless of completion order, so accumulation and
// the trace are deterministic for a fixed plan.
func (op *operation) executeWave(ctx context.Context) {
	capacity := op.req.MaxSteps - op.executed
	if capacity <= 0 {
		return
	}

	var wave []int
	for i := range op.subQueries {
		if op.subQueries[i].Status != SubQueryPending {
			continue
		}
		wave = append(wave, i)
		if len(wave) == capacity {
			break
		}
	}
	if len(wave) == 0 {
		return
	}

	results := make([][]Chunk, len(wave))
	errs := make([]error, len(wave))
	durations := make([]time.Duration, len(wave))

	var wg sync.WaitGroup
	for slot, idx := range wave {
		// No new work once the deadline is past; in-flight calls
		// finish on their own client-side timeout.
		if op.budget.DeadlineExceeded() || ctx.Err() != nil {
			op.skipSubQuery(idx, TruncationDeadline)
			continue
		}

		sq := op.subQueries[idx]
		job := searchJob{
			kbID:       sq.KBID,
			tenantID:   op.req.TenantID,
			query:      sq.Query,
			mode:       op.req.Mode,
			topK:       op.req.TopKPerStep,
			threshold:  op.req.SimilarityThreshold,
			filter:     op.req.Filters,
			forceFresh: op.req.ForceFresh,
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			start := time.Now()
			results[slot], errs[slot] = op.engine.executeSubQuery(ctx, job)
			durations[slot] = time.Since(start)
		}
		if err := op.engine.pool.Submit(ctx, task); err != nil {
			wg.Done()
			op.skipSubQuery(idx, TruncationDeadline)
			continue
		}
		op.executed++
	}
	wg.Wait()

	// Join barrier: fold results back in step-index order.
	for slot, idx := range wave {
		sq := &op.subQueries[idx]
		if sq.Status == SubQuerySkipped {
			continue
		}
		if errs[slot] != nil {
			sq.Status = SubQueryFailed
			op.markTruncated(TruncationSubQueryFailed)
			op.engine.metrics.RecordSubQuery(SubQueryFailed)
			op.engine.logger.Warn("sub-query failed",
				"kb_id", sq.KBID,
				"step_index", sq.StepIndex,
				"error", errs[slot],
			)
			op.appendStepDuration(ActionRetrieve, durations[slot], 0, 0)
			continue
		}
		sq.Status = SubQuerySucceeded
		op.gathered[idx] = results[slot]
		op.engine.metrics.RecordSubQuery(SubQuerySucceeded)
		op.appendStepDuration(ActionRetrieve, durations[slot], 0, len(results[slot]))
	}
}

// checkBudget is the go/no-go gate between waves. It is pre-emptive:
// budgets are checked before new work is scheduled, so the worst-case
// overshoot is bounded by one in-flight collaborator call.
func (op *operation) checkBudget(ctx context.Context) opState {
	if op.budget.TokensExhausted() {
		op.markTruncated(TruncationTokens)
		op.skipPending()
		return stateSynthesizing
	}
	if op.budget.DeadlineExceeded() || ctx.Err() != nil {
		op.markTruncated(TruncationDeadline)
		op.skipPending()
		return stateSynthesizing
	}

	pending := op.pendingCount()
	if op.executed >= op.req.MaxSteps {
		if pending > 0 {
			op.markTruncated(TruncationStepCap)
			op.skipPending()
		}
		return stateSynthesizing
	}
	if pending > 0 {
		return stateExecuting
	}
	if op.maybeRefine(ctx) {
		return stateExecuting
	}
	return stateSynthesizing
}

// response assembles the final payload from the operation state.
func (op *operation) response() *Response {
	results := op.admitted
	if results == nil {
		results = []Chunk{}
	}
	return &Response{
		RequestID:       uuid.NewString(),
		Answer:          op.answer,
		Citations:       op.citations,
		Results:         results,
		Steps:           op.steps,
		TotalTokensUsed: op.budget.Used(),
		Truncated:       op.truncated,
		TruncationCause: op.cause,
	}
}

// markTruncated records the first truncation cause; later causes keep
// the original.
func (op *operation) markTruncated(cause string) {
	if op.truncated {
		return
	}
	op.truncated = true
	op.cause = cause
	op.engine.metrics.RecordTruncation(cause)
}

// setPlan installs the planned sub-queries and their result slots.
func (op *operation) setPlan(subQueries []SubQuery) {
	op.subQueries = subQueries
	op.gathered = make([][]Chunk, len(subQueries))
}

func (op *operation) skipSubQuery(idx int, cause string) {
	op.subQueries[idx].Status = SubQuerySkipped
	op.markTruncated(cause)
	op.engine.metrics.RecordSubQuery(SubQuerySkipped)
}

func (op *operation) skipPending() {
	for i := range op.subQueries {
		if op.subQueries[i].Status == SubQueryPending {
			op.subQueries[i].Status = SubQuerySkipped
			op.engine.metrics.RecordSubQuery(SubQuerySkipped)
		}
	}
}

func (op *operation) pendingCount() int {
	n := 0
	for i := range op.subQueries {
		if op.subQueries[i].Status == SubQueryPending {
			n++
		}
	}
	return n
}

// appendStep appends one trace entry timed from start. Step numbers
// are 1-based and strictly sequential.
func (op *operation) appendStep(action string, start time.Time, tokens, resultCount int) {
	op.appendStepDuration(action, time.Since(start), tokens, resultCount)
}

func (op *operation) appendStepDuration(action string, d time.Duration, tokens, resultCount int) {
	op.steps = append(op.steps, TraceStep{
		StepNumber:  len(op.steps) + 1,
		Action:      action,
		DurationMS:  d.Milliseconds(),
		Tokens:      tokens,
		ResultCount: resultCount,
	})
}
