//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package governance consumes the safety/governance collaborator as a
// black-box approve check over retrieved content.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 5

// Decision is the governance verdict for one piece of content.
type Decision string

const (
	// DecisionAllow passes the content through unchanged.
	DecisionAllow Decision = "allow"
	// DecisionBlock removes the content from the result set.
	DecisionBlock Decision = "block"
	// DecisionTransform substitutes redacted content.
	DecisionTransform Decision = "transform"
)

// CheckRequest is one content approval request.
type CheckRequest struct {
	Content  string `json:"content"`
	TenantID string `json:"tenant_id"`
	KBID     string `json:"kb_id"`
}

// Result is the collaborator's verdict. Content carries the replacement
// text when the decision is transform.
type Result struct {
	Decision Decision `json:"decision"`
	Content  string   `json:"content,omitempty"`
}

// Checker approves, blocks, or transforms retrieved content.
type Checker interface {
	Approve(ctx context.Context, req CheckRequest) (*Result, error)
}

// AllowAll is the no-op checker used when no governance endpoint is
// configured.
type AllowAll struct{}

// Approve always allows.
func (AllowAll) Approve(_ context.Context, _ CheckRequest) (*Result, error) {
	return &Result{Decision: DecisionAllow}, nil
}

// HTTPChecker calls an external governance service over HTTP.
type HTTPChecker struct {
	httpClient *http.Client
	endpoint   string
}

// CheckerOption configures the HTTP checker.
type CheckerOption func(*HTTPChecker)

// WithTimeout sets the HTTP timeout.
func WithTimeout(seconds int) CheckerOption {
	return func(c *HTTPChecker) {
		c.httpClient.Timeout = time.Duration(seconds) * time.Second
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CheckerOption {
	return func(c *HTTPChecker) {
		c.httpClient = client
	}
}

// NewHTTPChecker creates a checker that POSTs approval requests to
// endpoint.
func NewHTTPChecker(endpoint string, opts ...CheckerOption) *HTTPChecker {
	c := &HTTPChecker{
		httpClient: &http.Client{
			Timeout: defaultTimeout * time.Second,
		},
		endpoint: endpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Approve submits content for approval and returns the verdict. An
// unrecognized decision in the response is treated as block so unknown
// policy outcomes fail closed.
func (c *HTTPChecker) Approve(ctx context.Context, req CheckRequest) (*Result, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("governance error (status %d): %s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	switch result.Decision {
	case DecisionAllow, DecisionBlock, DecisionTransform:
	default:
		result = Result{Decision: DecisionBlock}
	}

	return &result, nil
}

// Ensure both checkers implement the interface.
var (
	_ Checker = (*HTTPChecker)(nil)
	_ Checker = AllowAll{}
)
