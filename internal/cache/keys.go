//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Key prefixes keep the three cache levels in disjoint keyspaces.
const (
	embeddingPrefix = "emb:"
	resultPrefix    = "res:"
	responsePrefix  = "resp:"
)

// EmbeddingKey derives the content-addressed key for a query text.
// Identical text always maps to the same key.
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embeddingPrefix + hex.EncodeToString(sum[:])
}

// VectorSignature derives a content hash for an embedding vector so
// vector and hybrid result keys depend on the actual embedding rather
// than the query text that produced it.
func VectorSignature(vec []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResultKey derives the retrieval-result key for one sub-query. The
// query signature is the embedding content hash for vector and hybrid
// searches and the normalized query text for keyword searches. The
// knowledge base id stays in the clear so ResultKBPrefix can invalidate
// one knowledge base selectively.
func ResultKey(kbID, querySig, mode string, topK int, threshold float64, filterSig string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%g\x00%s", querySig, mode, topK, threshold, filterSig)
	return resultPrefix + kbID + ":" + hex.EncodeToString(h.Sum(nil))
}

// ResultKBPrefix returns the invalidation prefix covering every
// retrieval-result entry for one knowledge base.
func ResultKBPrefix(kbID string) string {
	return resultPrefix + kbID + ":"
}

// ResponseKey derives the response-cache key for a basic retrieval. It
// hashes the normalized query together with every request field that
// changes the answer, namespaced by tenant.
func ResponseKey(tenantID, normalizedQuery, kbID, mode string, topK int, threshold float64, filterSig string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%g\x00%s", normalizedQuery, kbID, mode, topK, threshold, filterSig)
	return responsePrefix + tenantID + ":" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery canonicalizes query text for response-cache keying:
// lowercased with runs of whitespace collapsed to single spaces.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
