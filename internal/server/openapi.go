//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Portions copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package server

import (
	"net/http"
)

// OpenAPISpec represents the OpenAPI v3 specification.
type OpenAPISpec struct {
	OpenAPI    string                 `json:"openapi"`
	Info       OpenAPIInfo            `json:"info"`
	Servers    []OpenAPIServer        `json:"servers"`
	Paths      map[string]OpenAPIPath `json:"paths"`
	Components OpenAPIComponents      `json:"components"`
}

// OpenAPIInfo contains API metadata.
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// OpenAPIServer describes a server.
type OpenAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// OpenAPIPath contains operations for a path.
type OpenAPIPath struct {
	Get    *OpenAPIOperation `json:"get,omitempty"`
	Post   *OpenAPIOperation `json:"post,omitempty"`
	Put    *OpenAPIOperation `json:"put,omitempty"`
	Delete *OpenAPIOperation `json:"delete,omitempty"`
}

// OpenAPIOperation describes an API operation.
type OpenAPIOperation struct {
	Summary     string                     `json:"summary"`
	Description string                     `json:"description,omitempty"`
	OperationID string                     `json:"operationId"`
	Tags        []string                   `json:"tags,omitempty"`
	Parameters  []OpenAPIParameter         `json:"parameters,omitempty"`
	RequestBody *OpenAPIRequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]OpenAPIResponse `json:"responses"`
}

// OpenAPIParameter describes a parameter.
type OpenAPIParameter struct {
	Name        string        `json:"name"`
	In          string        `json:"in"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required"`
	Schema      OpenAPISchema `json:"schema"`
}

// OpenAPIRequestBody describes a request body.
type OpenAPIRequestBody struct {
	Description string                      `json:"description,omitempty"`
	Required    bool                        `json:"required"`
	Content     map[string]OpenAPIMediaType `json:"content"`
}

// OpenAPIResponse describes a response.
type OpenAPIResponse struct {
	Description string                      `json:"description"`
	Content     map[string]OpenAPIMediaType `json:"content,omitempty"`
}

// OpenAPIMediaType describes a media type.
type OpenAPIMediaType struct {
	Schema OpenAPISchema `json:"schema"`
}

// OpenAPISchema describes a schema.
type OpenAPISchema struct {
	Type        string                   `json:"type,omitempty"`
	Format      string                   `json:"format,omitempty"`
	Description string                   `json:"description,omitempty"`
	Properties  map[string]OpenAPISchema `json:"properties,omitempty"`
	Items       *OpenAPISchema           `json:"items,omitempty"`
	Required    []string                 `json:"required,omitempty"`
	Default     any                      `json:"default,omitempty"`
	Ref         string                   `json:"$ref,omitempty"`
}

// OpenAPIComponents contains reusable components.
type OpenAPIComponents struct {
	Schemas map[string]OpenAPISchema `json:"schemas"`
}

// handleOpenAPI handles the GET /v1/openapi.json endpoint.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	spec := BuildOpenAPISpec()
	s.respondJSON(w, http.StatusOK, spec)
}

// errorContent is the shared error media type for 4xx/5xx responses.
func errorContent() map[string]OpenAPIMediaType {
	return map[string]OpenAPIMediaType{
		"application/json": {
			Schema: OpenAPISchema{
				Ref: "#/components/schemas/ErrorResponse",
			},
		},
	}
}

// BuildOpenAPISpec constructs the OpenAPI v3 specification.
// This is exported so it can be used to generate static documentation.
func BuildOpenAPISpec() OpenAPISpec {
	return OpenAPISpec{
		OpenAPI: "3.0.3",
		Info: OpenAPIInfo{
			Title:       "Quarry Retrieval Server API",
			Description: "REST API for single-shot and multi-step agentic retrieval over knowledge bases",
			Version:     "1.0.0",
		},
		Servers: []OpenAPIServer{
			{
				URL:         "/v1",
				Description: "API v1",
			},
		},
		Paths: map[string]OpenAPIPath{
			"/health": {
				Get: &OpenAPIOperation{
					Summary:     "Health check",
					Description: "Check if the server is running and healthy",
					OperationID: "getHealth",
					Tags:        []string{"System"},
					Responses: map[string]OpenAPIResponse{
						"200": {
							Description: "Server is healthy",
							Content: map[string]OpenAPIMediaType{
								"application/json": {
									Schema: OpenAPISchema{
										Ref: "#/components/schemas/HealthResponse",
									},
								},
							},
						},
					},
				},
			},
			"/retrieve": {
				Post: &OpenAPIOperation{
					Summary:     "Basic retrieval",
					Description: "Execute a single ranked search against one knowledge base",
					OperationID: "retrieve",
					Tags:        []string{"Retrieval"},
					RequestBody: &OpenAPIRequestBody{
						Description: "Retrieval request",
						Required:    true,
						Content: map[string]OpenAPIMediaType{
							"application/json": {
								Schema: OpenAPISchema{
									Ref: "#/components/schemas/RetrievalRequest",
								},
							},
						},
					},
					Responses: map[string]OpenAPIResponse{
						"200": {
							Description: "Retrieval response",
							Content: map[string]OpenAPIMediaType{
								"application/json": {
									Schema: OpenAPISchema{
										Ref: "#/components/schemas/RetrievalResponse",
									},
								},
							},
						},
						"400": {Description: "Invalid request", Content: errorContent()},
						"500": {Description: "Server error", Content: errorContent()},
					},
				},
			},
			"/agentic-retrieve": {
				Post: &OpenAPIOperation{
					Summary:     "Agentic retrieval",
					Description: "Decompose a query into sub-queries, retrieve across knowledge bases under a token and latency budget, and synthesize a cited answer",
					OperationID: "agenticRetrieve",
					Tags:        []string{"Retrieval"},
					RequestBody: &OpenAPIRequestBody{
						Description: "Agentic retrieval request",
						Required:    true,
						Content: map[string]OpenAPIMediaType{
							"application/json": {
								Schema: OpenAPISchema{
									Ref: "#/components/schemas/AgenticRequest",
								},
							},
						},
					},
					Responses: map[string]OpenAPIResponse{
						"200": {
							Description: "Retrieval response with synthesized answer",
							Content: map[string]OpenAPIMediaType{
								"application/json": {
									Schema: OpenAPISchema{
										Ref: "#/components/schemas/RetrievalResponse",
									},
								},
							},
						},
						"400": {Description: "Invalid request", Content: errorContent()},
						"500": {Description: "Server error", Content: errorContent()},
					},
				},
			},
			"/kb": {
				Get: &OpenAPIOperation{
					Summary:     "List knowledge bases",
					Description: "List configured knowledge bases, optionally restricted to those a tenant may query",
					OperationID: "listKnowledgeBases",
					Tags:        []string{"Knowledge bases"},
					Parameters: []OpenAPIParameter{
						{
							Name:        "tenant_id",
							In:          "query",
							Description: "Restrict the listing to this tenant's visibility",
							Required:    false,
							Schema: OpenAPISchema{
								Type: "string",
							},
						},
					},
					Responses: map[string]OpenAPIResponse{
						"200": {
							Description: "Knowledge base listing",
							Content: map[string]OpenAPIMediaType{
								"application/json": {
									Schema: OpenAPISchema{
										Ref: "#/components/schemas/KnowledgeBasesResponse",
									},
								},
							},
						},
					},
				},
			},
			"/kb/{kb_id}/invalidate": {
				Post: &OpenAPIOperation{
					Summary:     "Invalidate knowledge base caches",
					Description: "Signal that a knowledge base's documents changed: drops its cached retrieval results and keyword index",
					OperationID: "invalidateKnowledgeBase",
					Tags:        []string{"Knowledge bases"},
					Parameters: []OpenAPIParameter{
						{
							Name:        "kb_id",
							In:          "path",
							Description: "Knowledge base identifier",
							Required:    true,
							Schema: OpenAPISchema{
								Type: "string",
							},
						},
					},
					Responses: map[string]OpenAPIResponse{
						"200": {
							Description: "Caches invalidated",
							Content: map[string]OpenAPIMediaType{
								"application/json": {
									Schema: OpenAPISchema{
										Ref: "#/components/schemas/InvalidateResponse",
									},
								},
							},
						},
						"404": {Description: "Knowledge base not found", Content: errorContent()},
						"500": {Description: "Server error", Content: errorContent()},
					},
				},
			},
		},
		Components: OpenAPIComponents{
			Schemas: map[string]OpenAPISchema{
				"HealthResponse": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"status": {
							Type:        "string",
							Description: "Health status",
						},
					},
					Required: []string{"status"},
				},
				"RetrievalRequest": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"kb_id": {
							Type:        "string",
							Description: "Knowledge base to search",
						},
						"query": {
							Type:        "string",
							Description: "The query text",
						},
						"tenant_id": {
							Type:        "string",
							Description: "Requesting tenant",
						},
						"top_k": {
							Type:        "integer",
							Description: "Maximum number of results (1-100)",
						},
						"mode": {
							Type:        "string",
							Description: "Search mode: vector, keyword, or hybrid",
						},
						"filters": {
							Ref: "#/components/schemas/Filter",
						},
						"similarity_threshold": {
							Type:        "number",
							Format:      "double",
							Description: "Minimum vector similarity score (0-1)",
						},
						"force_fresh": {
							Type:        "boolean",
							Description: "Bypass caches for this request",
							Default:     false,
						},
					},
					Required: []string{"kb_id", "query", "tenant_id"},
				},
				"AgenticRequest": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"query": {
							Type:        "string",
							Description: "The question to answer",
						},
						"tenant_id": {
							Type:        "string",
							Description: "Requesting tenant",
						},
						"kb_ids": {
							Type:        "array",
							Description: "Knowledge bases to search; empty means all visible to the tenant",
							Items: &OpenAPISchema{
								Type: "string",
							},
						},
						"max_steps": {
							Type:        "integer",
							Description: "Maximum sub-queries to execute (1-20)",
						},
						"reasoning_effort": {
							Type:        "string",
							Description: "Decomposition effort: low, medium, or high",
						},
						"top_k_per_step": {
							Type:        "integer",
							Description: "Results per sub-query (1-50)",
						},
						"token_budget": {
							Type:        "integer",
							Description: "Token ceiling for the whole operation (1-100000)",
						},
						"max_latency_ms": {
							Type:        "integer",
							Description: "Wall-clock deadline in milliseconds (1-120000)",
						},
						"mode": {
							Type:        "string",
							Description: "Search mode: vector, keyword, or hybrid",
						},
						"filters": {
							Ref: "#/components/schemas/Filter",
						},
						"similarity_threshold": {
							Type:        "number",
							Format:      "double",
							Description: "Minimum vector similarity score (0-1)",
						},
						"force_fresh": {
							Type:        "boolean",
							Description: "Bypass caches for this request",
							Default:     false,
						},
					},
					Required: []string{"query", "tenant_id"},
				},
				"RetrievalResponse": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"request_id": {
							Type:        "string",
							Format:      "uuid",
							Description: "Server-generated request identifier",
						},
						"answer": {
							Type:        "string",
							Description: "Synthesized answer (agentic retrieval only)",
						},
						"citations": {
							Type:        "array",
							Description: "Validated citations in first-appearance order (agentic retrieval only)",
							Items: &OpenAPISchema{
								Ref: "#/components/schemas/Citation",
							},
						},
						"results": {
							Type:        "array",
							Description: "Retrieved chunks",
							Items: &OpenAPISchema{
								Ref: "#/components/schemas/Chunk",
							},
						},
						"steps": {
							Type:        "array",
							Description: "Trace of executed steps",
							Items: &OpenAPISchema{
								Ref: "#/components/schemas/TraceStep",
							},
						},
						"total_tokens_used": {
							Type:        "integer",
							Description: "Tokens consumed by the operation",
						},
						"total_latency_ms": {
							Type:        "integer",
							Description: "End-to-end latency in milliseconds",
						},
						"truncated": {
							Type:        "boolean",
							Description: "Whether the operation was degraded or cut short",
						},
						"truncation_cause": {
							Type:        "string",
							Description: "First truncation cause: tokens, deadline, step_cap, subquery_failed, context_overflow, no_citations, or generation_unavailable",
						},
					},
					Required: []string{"request_id", "results", "steps", "total_tokens_used", "total_latency_ms", "truncated"},
				},
				"Chunk": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"chunk_id": {
							Type:        "string",
							Description: "Chunk identifier",
						},
						"document_id": {
							Type:        "string",
							Description: "Parent document identifier",
						},
						"kb_id": {
							Type:        "string",
							Description: "Knowledge base the chunk came from",
						},
						"content": {
							Type:        "string",
							Description: "Chunk content",
						},
						"score": {
							Type:        "number",
							Format:      "double",
							Description: "Relevance score",
						},
						"metadata": {
							Type:        "object",
							Description: "Chunk metadata",
						},
					},
					Required: []string{"chunk_id", "document_id", "kb_id", "content", "score"},
				},
				"Citation": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"document_id": {
							Type:        "string",
							Description: "Cited document",
						},
						"chunk_id": {
							Type:        "string",
							Description: "Cited chunk",
						},
					},
					Required: []string{"document_id", "chunk_id"},
				},
				"TraceStep": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"step_number": {
							Type:        "integer",
							Description: "1-based step number",
						},
						"action": {
							Type:        "string",
							Description: "Step action: plan, retrieve, refine, synthesize, or response_cache_hit",
						},
						"duration_ms": {
							Type:        "integer",
							Description: "Step duration in milliseconds",
						},
						"tokens": {
							Type:        "integer",
							Description: "Tokens charged to the step",
						},
						"result_count": {
							Type:        "integer",
							Description: "Results produced by the step",
						},
					},
					Required: []string{"step_number", "action"},
				},
				"Filter": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"conditions": {
							Type:        "array",
							Description: "Filter conditions",
							Items: &OpenAPISchema{
								Ref: "#/components/schemas/FilterCondition",
							},
						},
						"logic": {
							Type:        "string",
							Description: "Condition combinator: AND (default) or OR",
						},
					},
					Required: []string{"conditions"},
				},
				"FilterCondition": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"column": {
							Type:        "string",
							Description: "Metadata column name",
						},
						"operator": {
							Type:        "string",
							Description: "One of: =, !=, <, >, <=, >=, LIKE, ILIKE, IN, NOT IN, IS NULL, IS NOT NULL",
						},
						"value": {
							Description: "Comparison value; an array for IN and NOT IN",
						},
					},
					Required: []string{"column", "operator"},
				},
				"KnowledgeBasesResponse": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"knowledge_bases": {
							Type:        "array",
							Description: "Knowledge base identifiers",
							Items: &OpenAPISchema{
								Type: "string",
							},
						},
					},
					Required: []string{"knowledge_bases"},
				},
				"InvalidateResponse": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"status": {
							Type:        "string",
							Description: "Invalidation status",
						},
						"kb_id": {
							Type:        "string",
							Description: "Knowledge base identifier",
						},
					},
					Required: []string{"status", "kb_id"},
				},
				"ErrorResponse": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"error": {
							Ref: "#/components/schemas/ErrorDetail",
						},
					},
					Required: []string{"error"},
				},
				"ErrorDetail": {
					Type: "object",
					Properties: map[string]OpenAPISchema{
						"code": {
							Type:        "string",
							Description: "Error code",
						},
						"message": {
							Type:        "string",
							Description: "Error message",
						},
					},
					Required: []string{"code", "message"},
				},
			},
		},
	}
}
