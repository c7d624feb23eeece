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
	"sync"
	"time"
)

// Budget tracks token and wall-clock consumption for one operation.
// Token accounting is additive and monotonic: tokens are never
// refunded, and a charge can never push usage past the limit. The
// deadline is absolute, computed once at operation start. A Budget is
// owned by exactly one operation but its charges may arrive from
// concurrent sub-query completions, so all accounting is serialized.
type Budget struct {
	mu       sync.Mutex
	limit    int
	used     int
	deadline time.Time
	now      func() time.Time
}

// NewBudget creates a budget with a token limit and a latency budget
// measured from now.
func NewBudget(tokenLimit int, latency time.Duration) *Budget {
	return newBudgetAt(tokenLimit, latency, time.Now)
}

func newBudgetAt(tokenLimit int, latency time.Duration, now func() time.Time) *Budget {
	return &Budget{
		limit:    tokenLimit,
		deadline: now().Add(latency),
		now:      now,
	}
}

// ChargeUpTo charges up to n tokens, capping the charge at whatever
// remains. It returns the number of tokens actually charged, which is
// less than n only when the budget ran out. This is the only charging
// path, so total usage can never exceed the limit.
func (b *Budget) ChargeUpTo(n int) int {
	if n <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	granted := n
	if remaining := b.limit - b.used; granted > remaining {
		granted = remaining
	}
	if granted < 0 {
		granted = 0
	}
	b.used += granted
	return granted
}

// Used returns the tokens charged so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the tokens left before the limit.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.limit - b.used; r > 0 {
		return r
	}
	return 0
}

// TokensExhausted reports whether the token limit has been reached.
func (b *Budget) TokensExhausted() bool {
	return b.Remaining() == 0
}

// Deadline returns the absolute wall-clock deadline.
func (b *Budget) Deadline() time.Time {
	return b.deadline
}

// TimeRemaining returns the time left before the deadline, or zero if
// it has passed.
func (b *Budget) TimeRemaining() time.Duration {
	if r := b.deadline.Sub(b.now()); r > 0 {
		return r
	}
	return 0
}

// DeadlineExceeded reports whether the deadline has passed.
func (b *Budget) DeadlineExceeded() bool {
	return !b.now().Before(b.deadline)
}

// Exceeded reports whether either resource budget has run out.
func (b *Budget) Exceeded() bool {
	return b.TokensExhausted() || b.DeadlineExceeded()
}
