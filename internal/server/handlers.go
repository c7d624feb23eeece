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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quarrydata/quarry-retrieval-server/internal/engine"
)

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// KnowledgeBasesResponse is the response for the knowledge base listing
// endpoint.
type KnowledgeBasesResponse struct {
	KnowledgeBases []string `json:"knowledge_bases"`
}

// InvalidateResponse is the response for the invalidation endpoint.
type InvalidateResponse struct {
	Status string `json:"status"`
	KBID   string `json:"kb_id"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleHealth handles the GET /v1/health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w, http.MethodGet)
		return
	}

	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleRetrieve handles the POST /v1/retrieve endpoint.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.RetrievalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_REQUEST",
			"invalid request body: "+err.Error())
		return
	}

	resp, err := s.service.Retrieve(r.Context(), req)
	if err != nil {
		s.respondRetrievalError(w, "retrieve", err)
		return
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// handleAgenticRetrieve handles the POST /v1/agentic-retrieve endpoint.
func (s *Server) handleAgenticRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.AgenticRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_REQUEST",
			"invalid request body: "+err.Error())
		return
	}

	resp, err := s.service.AgenticRetrieve(r.Context(), req)
	if err != nil {
		s.respondRetrievalError(w, "agentic-retrieve", err)
		return
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// respondRetrievalError maps engine errors to HTTP responses. Only
// request rejections surface here; degraded operations come back as
// 200 responses with truncation fields set.
func (s *Server) respondRetrievalError(w http.ResponseWriter, endpoint string, err error) {
	if engine.IsValidationError(err) {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if errors.Is(err, engine.ErrUnknownKnowledgeBase) {
		s.respondError(w, http.StatusBadRequest, "UNKNOWN_KNOWLEDGE_BASE", err.Error())
		return
	}

	s.logger.Error("retrieval failed",
		"endpoint", endpoint,
		"error", err)
	s.respondError(w, http.StatusInternalServerError, "EXECUTION_ERROR", err.Error())
}

// handleListKnowledgeBases handles the GET /v1/kb endpoint. With a
// tenant_id query parameter the listing is restricted to knowledge
// bases that tenant may query.
func (s *Server) handleListKnowledgeBases(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")

	ids := s.service.KnowledgeBases(tenantID)
	if ids == nil {
		ids = []string{}
	}

	s.respondJSON(w, http.StatusOK, KnowledgeBasesResponse{KnowledgeBases: ids})
}

// handleInvalidateKnowledgeBase handles the POST /v1/kb/{kb_id}/invalidate
// endpoint, the ingestion-side signal that a knowledge base's documents
// changed.
func (s *Server) handleInvalidateKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	kbID := r.PathValue("kb_id")
	if kbID == "" {
		s.respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "knowledge base id required")
		return
	}

	if err := s.service.InvalidateKnowledgeBase(r.Context(), kbID); err != nil {
		if errors.Is(err, engine.ErrUnknownKnowledgeBase) {
			s.respondError(w, http.StatusNotFound, "KB_NOT_FOUND",
				"knowledge base not found: "+kbID)
			return
		}
		s.logger.Error("invalidation failed",
			"kb_id", kbID,
			"error", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, InvalidateResponse{Status: "invalidated", KBID: kbID})
}

// respondJSON sends a JSON response with RFC 8631 Link header for API discovery.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	// RFC 8631: Link header for API documentation discovery
	w.Header().Set("Link", `</v1/openapi.json>; rel="service-desc"`)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// respondError sends an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// respondMethodNotAllowed sends a 405 Method Not Allowed response.
func (s *Server) respondMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		"method not allowed")
}
