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
	"sort"

	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
)

// DefaultRRFConstant is the default k constant for RRF ranking.
// A value of 60 is commonly used in practice.
const DefaultRRFConstant = 60

// ReciprocalRankFusion combines a vector leg and a keyword leg into a
// single ranking using Reciprocal Rank Fusion.
//
// RRF formula: score = sum(1 / (k + rank)) for each leg the chunk
// appears in, where k is a constant (default 60) and rank is 1-indexed.
// Chunks are matched across legs by chunk id, and the returned scores
// are the fused RRF scores, not the per-leg scores.
//
// Ties break on first appearance, vector leg first, so the ordering is
// deterministic for fixed inputs.
func ReciprocalRankFusion(vectorLeg, keywordLeg []engine.Chunk, k float64) []engine.Chunk {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	type fused struct {
		chunk engine.Chunk
		score float64
		order int
	}

	byID := make(map[string]*fused)
	var seen []*fused

	merge := func(leg []engine.Chunk) {
		for i, c := range leg {
			rank := i + 1 // 1-indexed
			if f, ok := byID[c.ID]; ok {
				f.score += 1.0 / (k + float64(rank))
				continue
			}
			f := &fused{chunk: c, score: 1.0 / (k + float64(rank)), order: len(seen)}
			byID[c.ID] = f
			seen = append(seen, f)
		}
	}
	merge(vectorLeg)
	merge(keywordLeg)

	sort.SliceStable(seen, func(i, j int) bool {
		if seen[i].score != seen[j].score {
			return seen[i].score > seen[j].score
		}
		return seen[i].order < seen[j].order
	})

	results := make([]engine.Chunk, 0, len(seen))
	for _, f := range seen {
		f.chunk.Score = f.score
		results = append(results, f.chunk)
	}
	return results
}
