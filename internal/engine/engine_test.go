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
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quarrydata/quarry-retrieval-server/internal/cache"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/llm"
	"github.com/quarrydata/quarry-retrieval-server/internal/tokenizer"
)

// fakeEmbedder derives a deterministic vector from the text so equal
// queries always embed identically.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	embed func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.embed != nil {
		return f.embed(ctx, text)
	}
	var sum float32
	for _, b := range []byte(text) {
		sum += float32(b)
	}
	return []float32{sum, float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return 4 }
func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeGenerator answers every completion with a response that cites the
// default fakeSearcher chunk, so happy paths validate cleanly.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    []llm.CompletionRequest
	complete func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeGenerator) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.complete != nil {
		return f.complete(ctx, req)
	}
	return &llm.CompletionResponse{
		Content: "Grounded answer [d1:c1].",
		Usage:   llm.TokenUsage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
	}, nil
}

func (f *fakeGenerator) ModelName() string { return "fake-generator" }

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGenerator) lastCall() llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakeSearcher returns one relevant chunk per search unless overridden.
type fakeSearcher struct {
	mu        sync.Mutex
	calls     []SearchRequest
	refreshed []string
	search    func(ctx context.Context, req SearchRequest) ([]Chunk, error)
	visible   func(tenantID string) []string
}

func (f *fakeSearcher) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.search != nil {
		return f.search(ctx, req)
	}
	return []Chunk{{
		ID:         "c1",
		DocumentID: "d1",
		KBID:       req.KBID,
		Content:    "replication slots stream WAL changes to logical subscribers",
		Score:      0.9,
	}}, nil
}

func (f *fakeSearcher) VisibleKnowledgeBases(tenantID string) []string {
	if f.visible != nil {
		return f.visible(tenantID)
	}
	return []string{"docs", "runbooks"}
}

func (f *fakeSearcher) HasKnowledgeBase(kbID string) bool {
	for _, id := range f.VisibleKnowledgeBases("") {
		if id == kbID {
			return true
		}
	}
	return false
}

func (f *fakeSearcher) Refresh(kbID string) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, kbID)
	f.mu.Unlock()
}

func (f *fakeSearcher) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSearcher) searchRequests() []SearchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SearchRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSearcher) refreshCount(kbID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.refreshed {
		if id == kbID {
			n++
		}
	}
	return n
}

type testFakes struct {
	embedder  *fakeEmbedder
	generator *fakeGenerator
	searcher  *fakeSearcher
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentSubQueries: 4,
		QueueSize:               16,
		RefineMinScore:          0.4,
		Defaults: config.RequestDefaults{
			TokenBudget:     8000,
			MaxLatencyMS:    30000,
			TopK:            10,
			TopKPerStep:     8,
			MaxSteps:        4,
			ReasoningEffort: "medium",
			Mode:            "vector",
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine over in-memory fakes. The token counter
// is the character estimate so context costs are predictable.
func newTestEngine(t *testing.T, mutate func(cfg *config.EngineConfig, deps *Deps)) (*Engine, *testFakes) {
	t.Helper()

	fakes := &testFakes{
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{},
		searcher:  &fakeSearcher{},
	}
	cfg := testEngineConfig()
	deps := Deps{
		Embedder:  fakes.embedder,
		Generator: fakes.generator,
		Searcher:  fakes.searcher,
		Cache:     cache.New(cache.NewMemoryStore(), time.Minute, time.Minute),
		Counter:   tokenizer.EstimateCounter{},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	eng, err := New(cfg, deps, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, fakes
}

func TestNewRequiresCollaborators(t *testing.T) {
	base := func() Deps {
		return Deps{
			Embedder:  &fakeEmbedder{},
			Generator: &fakeGenerator{},
			Searcher:  &fakeSearcher{},
			Cache:     cache.New(cache.NewMemoryStore(), time.Minute, time.Minute),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"missing embedder", func(d *Deps) { d.Embedder = nil }},
		{"missing generator", func(d *Deps) { d.Generator = nil }},
		{"missing searcher", func(d *Deps) { d.Searcher = nil }},
		{"missing cache", func(d *Deps) { d.Cache = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base()
			tt.mutate(&deps)
			if _, err := New(testEngineConfig(), deps); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}

func TestRetrieve(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	resp, err := eng.Retrieve(context.Background(), RetrievalRequest{
		KBID:     "docs",
		Query:    "how do replication slots work",
		TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.RequestID == "" {
		t.Error("expected a request id")
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if resp.Truncated {
		t.Errorf("expected truncated=false, got cause %q", resp.TruncationCause)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].Action != ActionRetrieve {
		t.Errorf("expected a single retrieve step, got %+v", resp.Steps)
	}

	// Defaults fill in unset request fields.
	reqs := fakes.searcher.searchRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 search, got %d", len(reqs))
	}
	if reqs[0].TopK != 10 || reqs[0].Mode != ModeVector {
		t.Errorf("defaults not applied to search: %+v", reqs[0])
	}
	if len(reqs[0].Embedding) == 0 {
		t.Error("vector search should carry the query embedding")
	}
}

func TestRetrieve_ResponseCacheReplay(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	ctx := context.Background()
	req := RetrievalRequest{KBID: "docs", Query: "Replication  Slots", TenantID: "acme"}

	first, err := eng.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Equivalent query modulo case and whitespace replays the response.
	req.Query = "replication slots"
	second, err := eng.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fakes.searcher.searchCount() != 1 {
		t.Errorf("expected 1 search, got %d", fakes.searcher.searchCount())
	}
	if len(second.Steps) != 1 || second.Steps[0].Action != ActionResponseCacheHit {
		t.Errorf("expected a cache hit step, got %+v", second.Steps)
	}
	if second.RequestID == first.RequestID {
		t.Error("replayed response must carry a fresh request id")
	}
	if second.TotalTokensUsed != 0 {
		t.Errorf("replay should cost no tokens, got %d", second.TotalTokensUsed)
	}
	if len(second.Results) != len(first.Results) {
		t.Errorf("replayed results differ: %d vs %d", len(second.Results), len(first.Results))
	}
}

func TestRetrieve_ForceFreshBypassesCaches(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	ctx := context.Background()
	req := RetrievalRequest{KBID: "docs", Query: "replication slots", TenantID: "acme"}

	if _, err := eng.Retrieve(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req.ForceFresh = true
	if _, err := eng.Retrieve(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fakes.searcher.searchCount() != 2 {
		t.Errorf("force_fresh should re-run the search, got %d searches", fakes.searcher.searchCount())
	}

	// The embedding cache still serves: embeddings are pure functions of
	// the query text.
	if fakes.embedder.callCount() != 1 {
		t.Errorf("expected 1 embedding call, got %d", fakes.embedder.callCount())
	}

	// A later plain request replays the refreshed response.
	req.ForceFresh = false
	resp, err := eng.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fakes.searcher.searchCount() != 2 {
		t.Errorf("expected replay without a new search, got %d searches", fakes.searcher.searchCount())
	}
	if resp.Steps[0].Action != ActionResponseCacheHit {
		t.Errorf("expected cache hit step, got %+v", resp.Steps)
	}
}

func TestRetrieve_Validation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	tests := []struct {
		name string
		req  RetrievalRequest
	}{
		{"missing query", RetrievalRequest{KBID: "docs", TenantID: "acme"}},
		{"missing tenant", RetrievalRequest{KBID: "docs", Query: "q"}},
		{"missing kb", RetrievalRequest{Query: "q", TenantID: "acme"}},
		{"top_k too large", RetrievalRequest{KBID: "docs", Query: "q", TenantID: "acme", TopK: 500}},
		{"bad mode", RetrievalRequest{KBID: "docs", Query: "q", TenantID: "acme", Mode: "semantic"}},
		{"bad threshold", RetrievalRequest{KBID: "docs", Query: "q", TenantID: "acme", SimilarityThreshold: 1.5}},
		{"bad filter logic", RetrievalRequest{
			KBID: "docs", Query: "q", TenantID: "acme",
			Filters: &config.Filter{Logic: "XOR", Conditions: []config.FilterCondition{{Column: "a", Operator: "="}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Retrieve(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRetrieve_UnknownKnowledgeBase(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	fakes.searcher.visible = func(tenantID string) []string {
		if tenantID == "acme" {
			return []string{"docs"}
		}
		return nil
	}

	// Nonexistent knowledge base.
	_, err := eng.Retrieve(context.Background(), RetrievalRequest{
		KBID: "missing", Query: "q", TenantID: "acme",
	})
	if !errors.Is(err, ErrUnknownKnowledgeBase) {
		t.Errorf("expected ErrUnknownKnowledgeBase, got %v", err)
	}

	// Existing knowledge base hidden from this tenant looks identical.
	_, err = eng.Retrieve(context.Background(), RetrievalRequest{
		KBID: "docs", Query: "q", TenantID: "globex",
	})
	if !errors.Is(err, ErrUnknownKnowledgeBase) {
		t.Errorf("expected ErrUnknownKnowledgeBase, got %v", err)
	}
}

func TestRetrieve_SearchFailureDegrades(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	fakes.searcher.search = func(ctx context.Context, req SearchRequest) ([]Chunk, error) {
		return nil, errors.New("connection refused")
	}

	ctx := context.Background()
	req := RetrievalRequest{KBID: "docs", Query: "replication", TenantID: "acme"}

	resp, err := eng.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("search failure must degrade, not error: %v", err)
	}
	if !resp.Truncated || resp.TruncationCause != TruncationSubQueryFailed {
		t.Errorf("expected truncation %q, got %q", TruncationSubQueryFailed, resp.TruncationCause)
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("expected empty results, got %+v", resp.Results)
	}

	// Degraded responses are not cached: the next request searches again.
	resp2, err := eng.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp2.Truncated {
		t.Error("degraded response must not be replayed from cache")
	}
	// Two operations, one retry each.
	if fakes.searcher.searchCount() != 4 {
		t.Errorf("expected 4 search attempts, got %d", fakes.searcher.searchCount())
	}
}

func TestAgenticRetrieve_LowEffort(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:           "how does logical replication failover work",
		TenantID:        "acme",
		KBIDs:           []string{"docs"},
		ReasoningEffort: EffortLow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Low effort skips decomposition: one retrieve step, one synthesize
	// step, nothing else.
	if len(resp.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %+v", resp.Steps)
	}
	if resp.Steps[0].Action != ActionRetrieve || resp.Steps[1].Action != ActionSynthesize {
		t.Errorf("unexpected step actions: %+v", resp.Steps)
	}
	for i, s := range resp.Steps {
		if s.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, s.StepNumber)
		}
	}

	if resp.Truncated {
		t.Errorf("expected truncated=false, got cause %q", resp.TruncationCause)
	}
	if resp.Answer != "Grounded answer [d1:c1]." {
		t.Errorf("unexpected answer %q", resp.Answer)
	}
	if len(resp.Citations) != 1 || resp.Citations[0].DocumentID != "d1" || resp.Citations[0].ChunkID != "c1" {
		t.Errorf("unexpected citations: %+v", resp.Citations)
	}
	if len(resp.Results) != 1 {
		t.Errorf("expected the admitted chunk in results, got %+v", resp.Results)
	}

	// The only generation call is synthesis.
	if fakes.generator.callCount() != 1 {
		t.Errorf("expected 1 generation call, got %d", fakes.generator.callCount())
	}
	if resp.TotalTokensUsed <= 0 || resp.TotalTokensUsed > 8000 {
		t.Errorf("token usage out of range: %d", resp.TotalTokensUsed)
	}
}

func TestAgenticRetrieve_DecompositionFansOut(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	genCalls := 0
	fakes.generator.complete = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		genCalls++
		if genCalls == 1 {
			return &llm.CompletionResponse{
				Content: "docs | replication slot creation\nrunbooks | failover runbook\ndocs | replica promotion",
				Usage:   llm.TokenUsage{TotalTokens: 30},
			}, nil
		}
		return &llm.CompletionResponse{
			Content: "Promotion follows slot sync [d1:c1].",
			Usage:   llm.TokenUsage{CompletionTokens: 9, TotalTokens: 60},
		}, nil
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:    "how do we fail over a logical replica",
		TenantID: "acme",
		KBIDs:    []string{"docs", "runbooks"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantActions := []string{ActionPlan, ActionRetrieve, ActionRetrieve, ActionRetrieve, ActionSynthesize}
	if len(resp.Steps) != len(wantActions) {
		t.Fatalf("expected %d steps, got %+v", len(wantActions), resp.Steps)
	}
	for i, s := range resp.Steps {
		if s.Action != wantActions[i] {
			t.Errorf("step %d: expected action %q, got %q", i+1, wantActions[i], s.Action)
		}
		if s.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i+1, s.StepNumber)
		}
	}

	// Each planned sub-query ran against its assigned knowledge base.
	counts := map[string]int{}
	for _, sr := range fakes.searcher.searchRequests() {
		counts[sr.KBID]++
	}
	if counts["docs"] != 2 || counts["runbooks"] != 1 {
		t.Errorf("unexpected fan-out: %v", counts)
	}

	if resp.Truncated {
		t.Errorf("expected truncated=false, got cause %q", resp.TruncationCause)
	}
	if len(resp.Citations) != 1 {
		t.Errorf("expected 1 citation, got %+v", resp.Citations)
	}
}

func TestAgenticRetrieve_AllSubQueriesFail(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	fakes.searcher.search = func(ctx context.Context, req SearchRequest) ([]Chunk, error) {
		return nil, errors.New("index unavailable")
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:           "anything",
		TenantID:        "acme",
		KBIDs:           []string{"docs"},
		ReasoningEffort: EffortLow,
	})
	if err != nil {
		t.Fatalf("sub-query failure must degrade, not error: %v", err)
	}

	if !resp.Truncated || resp.TruncationCause != TruncationSubQueryFailed {
		t.Errorf("expected truncation %q, got %q", TruncationSubQueryFailed, resp.TruncationCause)
	}
	if resp.Answer != insufficientContextAnswer {
		t.Errorf("expected the fixed fallback answer, got %q", resp.Answer)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("no citations may be fabricated, got %+v", resp.Citations)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected no results, got %+v", resp.Results)
	}
	// With nothing retrieved there is nothing to synthesize from, so the
	// generator is never consulted.
	if fakes.generator.callCount() != 0 {
		t.Errorf("expected no generation calls, got %d", fakes.generator.callCount())
	}
}

func TestAgenticRetrieve_StepCapTruncates(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	genCalls := 0
	fakes.generator.complete = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		genCalls++
		if genCalls == 1 {
			return &llm.CompletionResponse{
				Content: "docs | a\nrunbooks | b\ndocs | c\nrunbooks | d",
				Usage:   llm.TokenUsage{TotalTokens: 25},
			}, nil
		}
		return &llm.CompletionResponse{
			Content: "Partial answer [d1:c1].",
			Usage:   llm.TokenUsage{CompletionTokens: 6, TotalTokens: 40},
		}, nil
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:    "broad question",
		TenantID: "acme",
		KBIDs:    []string{"docs", "runbooks"},
		MaxSteps: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !resp.Truncated || resp.TruncationCause != TruncationStepCap {
		t.Errorf("expected truncation %q, got %q", TruncationStepCap, resp.TruncationCause)
	}
	// Only the first two planned sub-queries ran.
	if fakes.searcher.searchCount() != 2 {
		t.Errorf("expected 2 searches, got %d", fakes.searcher.searchCount())
	}
	wantActions := []string{ActionPlan, ActionRetrieve, ActionRetrieve, ActionSynthesize}
	if len(resp.Steps) != len(wantActions) {
		t.Fatalf("expected %d steps, got %+v", len(wantActions), resp.Steps)
	}
}

func TestAgenticRetrieve_TokenBudgetNeverExceeded(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	// 400-character content costs 100 estimated tokens.
	fakes.searcher.search = func(ctx context.Context, req SearchRequest) ([]Chunk, error) {
		return []Chunk{{
			ID:         "c1",
			DocumentID: "d1",
			KBID:       req.KBID,
			Content:    strings.Repeat("word", 100),
			Score:      0.9,
		}}, nil
	}
	// The generator claims far more completion tokens than its cap; the
	// charge is clamped to the cap.
	fakes.generator.complete = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: "Clamped answer [d1:c1].",
			Usage:   llm.TokenUsage{CompletionTokens: 9999, TotalTokens: 12000},
		}, nil
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:       "q",
		TenantID:    "acme",
		KBIDs:       []string{"docs"},
		TokenBudget: 400,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A 400-token budget sits under the planning floor, so the only
	// generation call is synthesis: context 100, output capped at
	// (400-100)/2 = 150.
	if fakes.generator.callCount() != 1 {
		t.Fatalf("expected 1 generation call, got %d", fakes.generator.callCount())
	}
	if got := fakes.generator.lastCall().MaxTokens; got != 150 {
		t.Errorf("expected output cap 150, got %d", got)
	}
	if resp.TotalTokensUsed != 250 {
		t.Errorf("expected 250 tokens charged, got %d", resp.TotalTokensUsed)
	}
	if resp.TotalTokensUsed > 400 {
		t.Errorf("token usage %d exceeds budget", resp.TotalTokensUsed)
	}
}

func TestAgenticRetrieve_TightBudgetAdmitsPartialContext(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)

	// Three 200-character chunks cost 50 estimated tokens each; a
	// 100-token budget admits only the first (70% floor = 70 tokens).
	fakes.searcher.search = func(ctx context.Context, req SearchRequest) ([]Chunk, error) {
		return []Chunk{
			{ID: "c1", DocumentID: "d1", KBID: req.KBID, Content: strings.Repeat("ha", 100), Score: 0.9},
			{ID: "c2", DocumentID: "d2", KBID: req.KBID, Content: strings.Repeat("ho", 100), Score: 0.8},
			{ID: "c3", DocumentID: "d3", KBID: req.KBID, Content: strings.Repeat("hi", 100), Score: 0.7},
		}, nil
	}
	fakes.generator.complete = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{
			Content: "Partial answer [d1:c1].",
			Usage:   llm.TokenUsage{CompletionTokens: 5, TotalTokens: 60},
		}, nil
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:       "q",
		TenantID:    "acme",
		KBIDs:       []string{"docs"},
		MaxSteps:    1,
		TokenBudget: 100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !resp.Truncated || resp.TruncationCause != TruncationContextOverflow {
		t.Errorf("expected truncation %q, got %q", TruncationContextOverflow, resp.TruncationCause)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Errorf("expected only the best chunk admitted, got %+v", resp.Results)
	}
	if resp.TotalTokensUsed != 55 {
		t.Errorf("expected 55 tokens charged, got %d", resp.TotalTokensUsed)
	}
	if got := fakes.generator.lastCall().MaxTokens; got != 25 {
		t.Errorf("expected output cap 25, got %d", got)
	}
}

func TestAgenticRetrieve_EmptyKBIDsResolveToTenantVisible(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	fakes.searcher.visible = func(tenantID string) []string {
		if tenantID == "acme" {
			return []string{"runbooks"}
		}
		return nil
	}

	resp, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:           "q",
		TenantID:        "acme",
		ReasoningEffort: EffortLow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Results[0].KBID != "runbooks" {
		t.Errorf("expected search against the tenant's knowledge base, got %+v", resp.Results)
	}

	// A tenant with nothing visible is rejected before any work starts.
	_, err = eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:    "q",
		TenantID: "stranger",
	})
	if !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAgenticRetrieve_Validation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	valid := AgenticRequest{Query: "q", TenantID: "acme", KBIDs: []string{"docs"}}

	tests := []struct {
		name   string
		mutate func(*AgenticRequest)
	}{
		{"missing query", func(r *AgenticRequest) { r.Query = "" }},
		{"missing tenant", func(r *AgenticRequest) { r.TenantID = "" }},
		{"empty kb id", func(r *AgenticRequest) { r.KBIDs = []string{""} }},
		{"max_steps too large", func(r *AgenticRequest) { r.MaxSteps = 50 }},
		{"token_budget too large", func(r *AgenticRequest) { r.TokenBudget = 200000 }},
		{"top_k_per_step too large", func(r *AgenticRequest) { r.TopKPerStep = 200 }},
		{"max_latency too large", func(r *AgenticRequest) { r.MaxLatencyMS = 300000 }},
		{"bad effort", func(r *AgenticRequest) { r.ReasoningEffort = "extreme" }},
		{"bad mode", func(r *AgenticRequest) { r.Mode = "semantic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := eng.AgenticRetrieve(context.Background(), req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAgenticRetrieve_UnknownKnowledgeBase(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	_, err := eng.AgenticRetrieve(context.Background(), AgenticRequest{
		Query:    "q",
		TenantID: "acme",
		KBIDs:    []string{"docs", "missing"},
	})
	if !errors.Is(err, ErrUnknownKnowledgeBase) {
		t.Errorf("expected ErrUnknownKnowledgeBase, got %v", err)
	}
}

func TestKnowledgeBases(t *testing.T) {
	eng, fakes := newTestEngine(t, nil)
	fakes.searcher.visible = func(tenantID string) []string {
		if tenantID == "acme" {
			return []string{"docs"}
		}
		return nil
	}

	if got := eng.KnowledgeBases("acme"); len(got) != 1 || got[0] != "docs" {
		t.Errorf("unexpected listing: %v", got)
	}
	if got := eng.KnowledgeBases("stranger"); len(got) != 0 {
		t.Errorf("expected empty listing, got %v", got)
	}
}

func TestInvalidateKnowledgeBase_Unknown(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	err := eng.InvalidateKnowledgeBase(context.Background(), "missing")
	if !errors.Is(err, ErrUnknownKnowledgeBase) {
		t.Errorf("expected ErrUnknownKnowledgeBase, got %v", err)
	}
}
