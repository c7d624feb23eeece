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
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKnowledgeBase is returned when a request names a knowledge
// base that does not exist or is not visible to the tenant. The two
// cases are deliberately indistinguishable to the caller.
var ErrUnknownKnowledgeBase = errors.New("unknown knowledge base")

// ErrPoolClosed is returned when work is submitted after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// ValidationError reports a single rejected request field. Requests
// with out-of-range values are rejected outright, never clamped.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is the collection of every rejected field in one
// request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}

	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// IsValidationError reports whether err is a request validation
// failure that should surface as a rejected request.
func IsValidationError(err error) bool {
	var single ValidationError
	var many ValidationErrors
	return errors.As(err, &single) || errors.As(err, &many)
}
