//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package bm25

import (
	"sort"
	"sync"
)

// Chunk represents an indexed retrieval chunk.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Metadata   map[string]interface{}
	Length     int            // Number of tokens
	TermFreqs  map[string]int // Term frequencies
}

// SearchResult represents a BM25 search result.
type SearchResult struct {
	ID         string
	DocumentID string
	Content    string
	Metadata   map[string]interface{}
	Score      float64
}

// Index is an in-memory BM25 index over the chunks of one knowledge base.
type Index struct {
	mu          sync.RWMutex
	tokenizer   *Tokenizer
	scorer      *BM25
	chunks      map[string]*Chunk // chunk ID -> Chunk
	docFreqs    map[string]int    // term -> chunk frequency
	totalChunks int
	totalLen    int // Total length of all chunks (for avg calculation)
}

// NewIndex creates a new BM25 index.
func NewIndex() *Index {
	return &Index{
		tokenizer: NewTokenizer(),
		scorer:    New(),
		chunks:    make(map[string]*Chunk),
		docFreqs:  make(map[string]int),
	}
}

// NewIndexWithParams creates a new BM25 index with custom parameters.
func NewIndexWithParams(k1, b float64) *Index {
	return &Index{
		tokenizer: NewTokenizer(),
		scorer:    NewWithParams(k1, b),
		chunks:    make(map[string]*Chunk),
		docFreqs:  make(map[string]int),
	}
}

// Add indexes a chunk. Re-adding an existing chunk ID is not supported;
// rebuild the index via Clear after a corpus change.
func (idx *Index) Add(id, documentID, content string, metadata map[string]interface{}) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Tokenize and get term frequencies
	termFreqs := idx.tokenizer.TokenFrequencies(content)
	chunkLen := 0
	for _, freq := range termFreqs {
		chunkLen += freq
	}

	chunk := &Chunk{
		ID:         id,
		DocumentID: documentID,
		Content:    content,
		Metadata:   metadata,
		Length:     chunkLen,
		TermFreqs:  termFreqs,
	}

	// Update document frequencies
	for term := range termFreqs {
		idx.docFreqs[term]++
	}

	idx.chunks[id] = chunk
	idx.totalChunks++
	idx.totalLen += chunkLen

	// Update scorer stats
	idx.updateScorerStats()
}

// updateScorerStats updates the BM25 scorer with current corpus statistics.
func (idx *Index) updateScorerStats() {
	avgDL := 0.0
	if idx.totalChunks > 0 {
		avgDL = float64(idx.totalLen) / float64(idx.totalChunks)
	}
	idx.scorer.SetCorpusStats(idx.totalChunks, avgDL)
}

// Search performs a BM25 search and returns the top-N results.
func (idx *Index) Search(query string, topN int) []SearchResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.totalChunks == 0 {
		return nil
	}

	// Tokenize query
	queryTermFreqs := idx.tokenizer.TokenFrequencies(query)
	if len(queryTermFreqs) == 0 {
		return nil
	}

	// Score each chunk
	var scored []SearchResult
	for _, chunk := range idx.chunks {
		score := idx.scorer.ScoreDocument(
			queryTermFreqs,
			chunk.TermFreqs,
			idx.docFreqs,
			chunk.Length,
		)
		if score > 0 {
			scored = append(scored, SearchResult{
				ID:         chunk.ID,
				DocumentID: chunk.DocumentID,
				Content:    chunk.Content,
				Metadata:   chunk.Metadata,
				Score:      score,
			})
		}
	}

	// Sort by score descending, chunk ID ascending for equal scores so
	// results are stable across runs
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	// Return top N
	if topN < len(scored) {
		scored = scored[:topN]
	}

	return scored
}

// Clear removes all chunks from the index.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.chunks = make(map[string]*Chunk)
	idx.docFreqs = make(map[string]int)
	idx.totalChunks = 0
	idx.totalLen = 0
}

// Size returns the number of chunks in the index.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalChunks
}

// Get returns an indexed chunk by ID.
func (idx *Index) Get(id string) (*Chunk, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	chunk, ok := idx.chunks[id]
	return chunk, ok
}
