//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package database

import (
	"context"
	"strings"
	"testing"

	"github.com/quarrydata/quarry-retrieval-server/internal/bm25"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
)

func testKnowledgeBases() []config.KnowledgeBase {
	return []config.KnowledgeBase{
		{
			ID:              "docs",
			Table:           "doc_chunks",
			Tenants:         []string{"*"},
			IDColumn:        "id",
			DocumentColumn:  "document_id",
			ContentColumn:   "content",
			EmbeddingColumn: "embedding",
			MetadataColumn:  "metadata",
		},
		{
			ID:              "support",
			Table:           "support.tickets",
			Tenants:         []string{"acme"},
			IDColumn:        "id",
			DocumentColumn:  "document_id",
			ContentColumn:   "body",
			EmbeddingColumn: "body_embedding",
			MetadataColumn:  "attrs",
		},
		{
			ID:              "runbooks",
			Table:           "runbook_chunks",
			Tenants:         []string{"acme", "globex"},
			IDColumn:        "id",
			DocumentColumn:  "document_id",
			ContentColumn:   "content",
			EmbeddingColumn: "embedding",
			MetadataColumn:  "metadata",
		},
	}
}

func TestVisibleKnowledgeBases(t *testing.T) {
	s := NewSearcher(nil, testKnowledgeBases(), nil)

	tests := []struct {
		tenantID string
		want     []string
	}{
		{"acme", []string{"docs", "support", "runbooks"}},
		{"globex", []string{"docs", "runbooks"}},
		{"initech", []string{"docs"}},
		{"", []string{"docs", "support", "runbooks"}}, // unrestricted listing
	}

	for _, tt := range tests {
		got := s.VisibleKnowledgeBases(tt.tenantID)
		if len(got) != len(tt.want) {
			t.Errorf("VisibleKnowledgeBases(%q) = %v, want %v", tt.tenantID, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("VisibleKnowledgeBases(%q) = %v, want %v", tt.tenantID, got, tt.want)
				break
			}
		}
	}
}

func TestHasKnowledgeBase(t *testing.T) {
	s := NewSearcher(nil, testKnowledgeBases(), nil)

	if !s.HasKnowledgeBase("docs") {
		t.Error("expected docs to be configured")
	}
	if s.HasKnowledgeBase("missing") {
		t.Error("expected missing to be unknown")
	}
}

func TestSearchUnknownKnowledgeBase(t *testing.T) {
	s := NewSearcher(nil, testKnowledgeBases(), nil)

	_, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "missing",
		Query: "anything",
		Mode:  engine.ModeKeyword,
		TopK:  5,
	})
	if err == nil {
		t.Fatal("expected error for unknown knowledge base")
	}
}

func TestSearchUnsupportedMode(t *testing.T) {
	s := NewSearcher(nil, testKnowledgeBases(), nil)

	_, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "docs",
		Query: "anything",
		Mode:  "semantic",
		TopK:  5,
	})
	if err == nil {
		t.Fatal("expected error for unsupported mode")
	}
}

// seedKeywordIndex installs a pre-built index so keyword search can be
// exercised without a database.
func seedKeywordIndex(s *Searcher, kbID string, idx *bm25.Index) {
	s.mu.Lock()
	s.keyword[kbID] = idx
	s.mu.Unlock()
}

func seededSearcher(t *testing.T) *Searcher {
	t.Helper()

	s := NewSearcher(nil, testKnowledgeBases(), nil)
	idx := bm25.NewIndex()
	idx.Add("c1", "d1", "logical replication setup between postgres clusters",
		map[string]interface{}{"product": "quarry"})
	idx.Add("c2", "d2", "monitoring replication lag during failover",
		map[string]interface{}{"product": "granite"})
	idx.Add("c3", "d3", "scheduled backup retention policies",
		map[string]interface{}{"product": "quarry"})
	seedKeywordIndex(s, "docs", idx)
	return s
}

func TestKeywordSearch(t *testing.T) {
	s := seededSearcher(t)

	chunks, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "docs",
		Query: "replication",
		Mode:  engine.ModeKeyword,
		TopK:  5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.KBID != "docs" {
			t.Errorf("chunk %s has kb_id %q, want docs", c.ID, c.KBID)
		}
		if !strings.Contains(c.Content, "replication") {
			t.Errorf("chunk %s does not mention the query term", c.ID)
		}
		if c.Score <= 0 {
			t.Errorf("chunk %s has non-positive score %v", c.ID, c.Score)
		}
	}
}

func TestKeywordSearchTopKCap(t *testing.T) {
	s := seededSearcher(t)

	chunks, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "docs",
		Query: "replication",
		Mode:  engine.ModeKeyword,
		TopK:  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestKeywordSearchAppliesRequestFilter(t *testing.T) {
	s := seededSearcher(t)

	chunks, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "docs",
		Query: "replication",
		Mode:  engine.ModeKeyword,
		TopK:  5,
		Filter: &config.Filter{Conditions: []config.FilterCondition{
			{Column: "product", Operator: "=", Value: "quarry"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk after filtering, got %d", len(chunks))
	}
	if chunks[0].ID != "c1" {
		t.Errorf("expected chunk c1, got %s", chunks[0].ID)
	}
}

func TestKeywordSearchRejectsInvalidFilter(t *testing.T) {
	s := seededSearcher(t)

	_, err := s.Search(context.Background(), engine.SearchRequest{
		KBID:  "docs",
		Query: "replication",
		Mode:  engine.ModeKeyword,
		TopK:  5,
		Filter: &config.Filter{Conditions: []config.FilterCondition{
			{Column: "product", Operator: "EXEC", Value: "evil"},
		}},
	})
	if err == nil {
		t.Fatal("expected error for invalid filter operator")
	}
}

func TestRefreshDropsKeywordIndex(t *testing.T) {
	s := seededSearcher(t)

	s.Refresh("docs")

	s.mu.Lock()
	_, ok := s.keyword["docs"]
	s.mu.Unlock()
	if ok {
		t.Error("expected keyword index to be dropped after refresh")
	}
}

func TestVectorQuery(t *testing.T) {
	kb := testKnowledgeBases()[1] // schema-qualified table, custom columns

	query := vectorQuery(kb, "")

	for _, want := range []string{
		`"id"::text AS chunk_id`,
		`COALESCE("document_id"::text, "id"::text) AS document_id`,
		`"body" AS content`,
		`"attrs" AS metadata`,
		`1 - ("body_embedding" <=> $1::vector) AS score`,
		`FROM "support"."tickets"`,
		`WHERE "body" IS NOT NULL`,
		`ORDER BY "body_embedding" <=> $1::vector, "id"`,
		`LIMIT $2`,
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
}

func TestVectorQueryWithFilterClause(t *testing.T) {
	kb := testKnowledgeBases()[0]

	filterClause, _, err := buildFilterClause(nil, &config.Filter{
		Conditions: []config.FilterCondition{
			{Column: "product", Operator: "=", Value: "quarry"},
		},
	}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	query := vectorQuery(kb, filterClause)
	if !strings.Contains(query, `WHERE ("product" = $3) AND "content" IS NOT NULL`) {
		t.Errorf("filter clause not merged with content condition:\n%s", query)
	}
}

func TestFetchQuery(t *testing.T) {
	kb := testKnowledgeBases()[0]

	query := fetchQuery(kb, "")
	for _, want := range []string{
		`"id"::text AS chunk_id`,
		`"content" AS content`,
		`FROM "doc_chunks"`,
		`WHERE "content" IS NOT NULL`,
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
	if strings.Contains(query, "LIMIT") {
		t.Errorf("corpus fetch should not be limited:\n%s", query)
	}
}

func TestParseTableIdentifier(t *testing.T) {
	tests := []struct {
		table string
		want  string
	}{
		{"doc_chunks", `"doc_chunks"`},
		{"support.tickets", `"support"."tickets"`},
	}

	for _, tt := range tests {
		got := parseTableIdentifier(tt.table).Sanitize()
		if got != tt.want {
			t.Errorf("parseTableIdentifier(%q) = %q, want %q", tt.table, got, tt.want)
		}
	}
}

func TestFormatVector(t *testing.T) {
	tests := []struct {
		embedding []float32
		want      string
	}{
		{[]float32{0.5, -1, 2}, "[0.5,-1,2]"},
		{[]float32{}, "[]"},
		{[]float32{0.123456}, "[0.123456]"},
	}

	for _, tt := range tests {
		got := formatVector(tt.embedding)
		if got != tt.want {
			t.Errorf("formatVector(%v) = %q, want %q", tt.embedding, got, tt.want)
		}
	}
}
