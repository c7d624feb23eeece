//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package governance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowAll(t *testing.T) {
	checker := AllowAll{}

	result, err := checker.Approve(context.Background(), CheckRequest{Content: "anything"})
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if result.Decision != DecisionAllow {
		t.Errorf("expected allow, got %s", result.Decision)
	}
}

func TestHTTPChecker_Decisions(t *testing.T) {
	tests := []struct {
		name     string
		response Result
		expected Decision
		content  string
	}{
		{
			name:     "allow",
			response: Result{Decision: DecisionAllow},
			expected: DecisionAllow,
		},
		{
			name:     "block",
			response: Result{Decision: DecisionBlock},
			expected: DecisionBlock,
		},
		{
			name:     "transform carries replacement content",
			response: Result{Decision: DecisionTransform, Content: "[redacted]"},
			expected: DecisionTransform,
			content:  "[redacted]",
		},
		{
			name:     "unknown decision fails closed",
			response: Result{Decision: "maybe"},
			expected: DecisionBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					if r.Method != http.MethodPost {
						t.Errorf("expected POST, got %s", r.Method)
					}
					var req CheckRequest
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						t.Errorf("failed to decode request: %v", err)
					}
					if req.TenantID != "tenant-1" {
						t.Errorf("expected tenant-1, got %s", req.TenantID)
					}
					w.Header().Set("Content-Type", "application/json")
					_ = json.NewEncoder(w).Encode(tt.response)
				}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL)
			result, err := checker.Approve(context.Background(), CheckRequest{
				Content:  "some chunk text",
				TenantID: "tenant-1",
				KBID:     "kb-a",
			})
			if err != nil {
				t.Fatalf("Approve failed: %v", err)
			}
			if result.Decision != tt.expected {
				t.Errorf("expected decision %s, got %s", tt.expected, result.Decision)
			}
			if tt.content != "" && result.Content != tt.content {
				t.Errorf("expected content %q, got %q", tt.content, result.Content)
			}
		})
	}
}

func TestHTTPChecker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "policy engine unavailable", http.StatusServiceUnavailable)
		}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	_, err := checker.Approve(context.Background(), CheckRequest{Content: "x"})
	if err == nil {
		t.Fatal("expected error on 503 response")
	}
}

func TestHTTPChecker_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	_, err := checker.Approve(context.Background(), CheckRequest{Content: "x"})
	if err == nil {
		t.Fatal("expected error on malformed response")
	}
}
