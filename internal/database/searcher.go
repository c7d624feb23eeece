//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/quarrydata/quarry-retrieval-server/internal/bm25"
	"github.com/quarrydata/quarry-retrieval-server/internal/config"
	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
)

// Searcher executes ranked retrieval against the configured knowledge
// bases. Vector search runs against pgvector columns, keyword search
// against a lazily built in-memory BM25 index per knowledge base, and
// hybrid search fuses both legs with Reciprocal Rank Fusion.
type Searcher struct {
	pool   *Pool
	kbs    []config.KnowledgeBase
	byID   map[string]config.KnowledgeBase
	logger *slog.Logger

	mu      sync.Mutex
	keyword map[string]*bm25.Index

	// hydrate collapses concurrent index builds for the same knowledge
	// base into a single corpus fetch.
	hydrate singleflight.Group
}

// NewSearcher creates a Searcher over the given knowledge base registry.
func NewSearcher(pool *Pool, kbs []config.KnowledgeBase, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]config.KnowledgeBase, len(kbs))
	for _, kb := range kbs {
		byID[kb.ID] = kb
	}
	return &Searcher{
		pool:    pool,
		kbs:     kbs,
		byID:    byID,
		logger:  logger,
		keyword: make(map[string]*bm25.Index),
	}
}

// Search returns chunks ranked by descending relevance score.
func (s *Searcher) Search(ctx context.Context, req engine.SearchRequest) ([]engine.Chunk, error) {
	kb, ok := s.byID[req.KBID]
	if !ok {
		return nil, fmt.Errorf("unknown knowledge base: %s", req.KBID)
	}

	switch req.Mode {
	case engine.ModeVector:
		return s.vectorSearch(ctx, kb, req)
	case engine.ModeKeyword:
		return s.keywordSearch(ctx, kb, req)
	case engine.ModeHybrid:
		return s.hybridSearch(ctx, kb, req)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", req.Mode)
	}
}

// VisibleKnowledgeBases returns the ids of knowledge bases the tenant
// may query, in configuration order. An empty tenant id is
// unrestricted and lists every knowledge base.
func (s *Searcher) VisibleKnowledgeBases(tenantID string) []string {
	ids := make([]string, 0, len(s.kbs))
	for _, kb := range s.kbs {
		if tenantID == "" || kb.AllowsTenant(tenantID) {
			ids = append(ids, kb.ID)
		}
	}
	return ids
}

// HasKnowledgeBase reports whether a knowledge base is configured.
func (s *Searcher) HasKnowledgeBase(kbID string) bool {
	_, ok := s.byID[kbID]
	return ok
}

// Refresh discards the keyword index for a knowledge base so the next
// keyword or hybrid search rebuilds it from the current table contents.
func (s *Searcher) Refresh(kbID string) {
	s.mu.Lock()
	delete(s.keyword, kbID)
	s.mu.Unlock()
}

// vectorSearch performs a cosine similarity search using pgvector. The
// <=> operator returns cosine distance, so similarity is 1 - distance.
// Results below the request threshold are dropped.
func (s *Searcher) vectorSearch(ctx context.Context, kb config.KnowledgeBase, req engine.SearchRequest) ([]engine.Chunk, error) {
	if len(req.Embedding) == 0 {
		return nil, fmt.Errorf("vector search requires a query embedding")
	}

	filterClause, filterArgs, err := buildFilterClause(kb.Filter, req.Filter, 3)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	query := vectorQuery(kb, filterClause)
	args := append([]interface{}{formatVector(req.Embedding), req.TopK}, filterArgs...)

	rows, err := s.pool.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var chunks []engine.Chunk
	for rows.Next() {
		var c engine.Chunk
		var metaRaw []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &metaRaw, &c.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if req.Threshold > 0 && c.Score < req.Threshold {
			continue
		}
		c.KBID = kb.ID
		c.Metadata = decodeMetadata(s.logger, kb.ID, c.ID, metaRaw)
		chunks = append(chunks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return chunks, nil
}

// keywordSearch performs a BM25 search against the in-memory index for
// the knowledge base. The knowledge base's config filter is applied
// when the index is built; the request filter is applied in memory
// against chunk metadata.
func (s *Searcher) keywordSearch(ctx context.Context, kb config.KnowledgeBase, req engine.SearchRequest) ([]engine.Chunk, error) {
	if err := ValidateFilter(req.Filter); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	idx, err := s.keywordIndex(ctx, kb)
	if err != nil {
		return nil, err
	}

	// With a request filter, score the whole corpus and cap after
	// filtering so filtered-out chunks do not consume result slots.
	limit := req.TopK
	if req.Filter != nil && len(req.Filter.Conditions) > 0 {
		limit = idx.Size()
	}

	results := idx.Search(req.Query, limit)
	chunks := make([]engine.Chunk, 0, len(results))
	for _, r := range results {
		if !MatchesFilter(r.Metadata, req.Filter) {
			continue
		}
		chunks = append(chunks, engine.Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			KBID:       kb.ID,
			Content:    r.Content,
			Score:      r.Score,
			Metadata:   r.Metadata,
		})
		if len(chunks) == req.TopK {
			break
		}
	}

	return chunks, nil
}

// hybridSearch fuses a vector leg and a keyword leg with RRF. The
// similarity threshold applies to the vector leg only; BM25 scores are
// unbounded and not comparable to cosine similarity.
func (s *Searcher) hybridSearch(ctx context.Context, kb config.KnowledgeBase, req engine.SearchRequest) ([]engine.Chunk, error) {
	vectorLeg, err := s.vectorSearch(ctx, kb, req)
	if err != nil {
		return nil, err
	}

	keywordLeg, err := s.keywordSearch(ctx, kb, req)
	if err != nil {
		return nil, err
	}

	fused := ReciprocalRankFusion(vectorLeg, keywordLeg, DefaultRRFConstant)
	if len(fused) > req.TopK {
		fused = fused[:req.TopK]
	}
	return fused, nil
}

// keywordIndex returns the BM25 index for a knowledge base, building
// it from the table contents on first use.
func (s *Searcher) keywordIndex(ctx context.Context, kb config.KnowledgeBase) (*bm25.Index, error) {
	s.mu.Lock()
	idx, ok := s.keyword[kb.ID]
	s.mu.Unlock()
	if ok {
		return idx, nil
	}

	v, err, _ := s.hydrate.Do(kb.ID, func() (interface{}, error) {
		start := time.Now()
		idx := bm25.NewIndex()
		count, err := s.fetchChunks(ctx, kb, idx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.keyword[kb.ID] = idx
		s.mu.Unlock()

		s.logger.Info("keyword index built",
			"kb_id", kb.ID,
			"chunks", count,
			"duration_ms", time.Since(start).Milliseconds())
		return idx, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build keyword index for %s: %w", kb.ID, err)
	}
	return v.(*bm25.Index), nil
}

// fetchChunks loads every chunk of a knowledge base into the given
// index, honoring the knowledge base's config filter. Returns the
// number of chunks indexed.
func (s *Searcher) fetchChunks(ctx context.Context, kb config.KnowledgeBase, idx *bm25.Index) (int, error) {
	filterClause, filterArgs, err := buildFilterClause(kb.Filter, nil, 1)
	if err != nil {
		return 0, fmt.Errorf("invalid config filter: %w", err)
	}

	query := fetchQuery(kb, filterClause)
	rows, err := s.pool.Pool().Query(ctx, query, filterArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch chunks: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, documentID, content string
		var metaRaw []byte
		if err := rows.Scan(&id, &documentID, &content, &metaRaw); err != nil {
			return 0, fmt.Errorf("failed to scan row: %w", err)
		}
		idx.Add(id, documentID, content, decodeMetadata(s.logger, kb.ID, id, metaRaw))
		count++
	}

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating rows: %w", err)
	}

	return count, nil
}

// vectorQuery builds the similarity search statement for a knowledge
// base. Identifiers come from the knowledge base configuration and are
// sanitized; $1 is the query vector, $2 the result limit, and filter
// parameters start at $3. Ties on distance break on chunk id so result
// order is deterministic.
func vectorQuery(kb config.KnowledgeBase, filterClause string) string {
	idCol := pgx.Identifier{kb.IDColumn}.Sanitize()
	embCol := pgx.Identifier{kb.EmbeddingColumn}.Sanitize()

	return fmt.Sprintf(`
		SELECT
			%s::text AS chunk_id,
			COALESCE(%s::text, %s::text) AS document_id,
			%s AS content,
			%s AS metadata,
			1 - (%s <=> $1::vector) AS score
		FROM %s%s
		ORDER BY %s <=> $1::vector, %s
		LIMIT $2`,
		idCol,
		pgx.Identifier{kb.DocumentColumn}.Sanitize(), idCol,
		pgx.Identifier{kb.ContentColumn}.Sanitize(),
		pgx.Identifier{kb.MetadataColumn}.Sanitize(),
		embCol,
		parseTableIdentifier(kb.Table).Sanitize(),
		withContentPresent(filterClause, kb),
		embCol, idCol,
	)
}

// fetchQuery builds the full-corpus statement used to hydrate a
// keyword index.
func fetchQuery(kb config.KnowledgeBase, filterClause string) string {
	idCol := pgx.Identifier{kb.IDColumn}.Sanitize()

	return fmt.Sprintf(`
		SELECT
			%s::text AS chunk_id,
			COALESCE(%s::text, %s::text) AS document_id,
			%s AS content,
			%s AS metadata
		FROM %s%s`,
		idCol,
		pgx.Identifier{kb.DocumentColumn}.Sanitize(), idCol,
		pgx.Identifier{kb.ContentColumn}.Sanitize(),
		pgx.Identifier{kb.MetadataColumn}.Sanitize(),
		parseTableIdentifier(kb.Table).Sanitize(),
		withContentPresent(filterClause, kb),
	)
}

// withContentPresent combines a filter clause with the condition that
// the content column is non-null, since chunks without content cannot
// be returned or indexed.
func withContentPresent(filterClause string, kb config.KnowledgeBase) string {
	contentCol := pgx.Identifier{kb.ContentColumn}.Sanitize()
	base := fmt.Sprintf("%s IS NOT NULL", contentCol)
	if filterClause == "" {
		return " WHERE " + base
	}
	return filterClause + " AND " + base
}

// decodeMetadata unmarshals a jsonb metadata column. Malformed
// metadata is dropped rather than failing the whole search.
func decodeMetadata(logger *slog.Logger, kbID, chunkID string, raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		logger.Debug("skipping malformed chunk metadata",
			"kb_id", kbID,
			"chunk_id", chunkID)
		return nil
	}
	return meta
}

// parseTableIdentifier splits a table name into schema and table parts.
// Supports formats: "table", "schema.table"
func parseTableIdentifier(table string) pgx.Identifier {
	parts := strings.Split(table, ".")
	return pgx.Identifier(parts)
}

// formatVector converts a float32 slice to pgvector string format [x,y,z,...].
func formatVector(embedding []float32) string {
	strs := make([]string, len(embedding))
	for i, v := range embedding {
		strs[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(strs, ",") + "]"
}
