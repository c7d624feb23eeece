//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package tokenizer provides token counting for budget accounting.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// defaultEncoding is the BPE encoding used for counting. It matches the
// tokenization of the OpenAI embedding and chat model families.
const defaultEncoding = "cl100k_base"

func init() {
	// Use the bundled BPE dictionaries so counting works without
	// network access to the tiktoken CDN.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter counts the tokens a piece of text consumes against a budget.
type Counter interface {
	Count(text string) int
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// loadEncoding initializes the shared BPE encoding exactly once.
func loadEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding(defaultEncoding)
	})
	return encoding, encodingErr
}

// TiktokenCounter counts tokens with a real BPE encoding, falling back to
// a character-based estimate if the encoding cannot be loaded.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter creates a token counter. The BPE encoding is loaded lazily
// and shared; if it is unavailable the counter estimates instead.
func NewCounter() *TiktokenCounter {
	enc, err := loadEncoding()
	if err != nil {
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate approximates token count as one token per four characters.
// Used when no encoding is available and in deterministic tests.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateCounter is a Counter that always uses the character estimate.
type EstimateCounter struct{}

// Count returns the estimated token count for text.
func (EstimateCounter) Count(text string) int {
	return Estimate(text)
}

// Ensure both counters implement the interface.
var (
	_ Counter = (*TiktokenCounter)(nil)
	_ Counter = EstimateCounter{}
)
