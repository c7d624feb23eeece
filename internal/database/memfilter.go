//-------------------------------------------------------------------------
//
// Quarry Retrieval Server
//
// Copyright (c) 2025 - 2026, Quarry Data, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package database

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/quarrydata/quarry-retrieval-server/internal/config"
)

// ValidateFilter checks every condition of a structured filter against
// the operator allowlist. Used by the keyword search path, which
// evaluates filters in memory instead of compiling them to SQL.
func ValidateFilter(filter *config.Filter) error {
	if filter == nil {
		return nil
	}
	for _, cond := range filter.Conditions {
		if err := ValidateOperator(cond.Operator); err != nil {
			return err
		}
		if err := ValidateValue(cond.Operator, cond.Value); err != nil {
			return err
		}
	}
	return nil
}

// MatchesFilter evaluates a structured filter against chunk metadata,
// with the same operator semantics the SQL filter builder compiles to.
// A nil or empty filter matches everything. A missing metadata column
// satisfies only IS NULL.
func MatchesFilter(metadata map[string]interface{}, filter *config.Filter) bool {
	if filter == nil || len(filter.Conditions) == 0 {
		return true
	}

	anyOf := strings.EqualFold(filter.Logic, "OR")
	for _, cond := range filter.Conditions {
		matched := matchesCondition(metadata, cond)
		if anyOf && matched {
			return true
		}
		if !anyOf && !matched {
			return false
		}
	}
	return !anyOf
}

func matchesCondition(metadata map[string]interface{}, cond config.FilterCondition) bool {
	value, present := metadata[cond.Column]
	if value == nil {
		present = false
	}

	switch strings.ToUpper(cond.Operator) {
	case "IS NULL":
		return !present
	case "IS NOT NULL":
		return present
	}

	if !present {
		return false
	}

	switch strings.ToUpper(cond.Operator) {
	case "=":
		return equalValues(value, cond.Value)
	case "!=":
		return !equalValues(value, cond.Value)
	case "<", ">", "<=", ">=":
		return compareValues(cond.Operator, value, cond.Value)
	case "LIKE":
		return matchesLike(value, cond.Value, false)
	case "ILIKE":
		return matchesLike(value, cond.Value, true)
	case "IN":
		return inValues(value, cond.Value)
	case "NOT IN":
		values, ok := cond.Value.([]interface{})
		return ok && !inValues(value, values)
	}
	return false
}

// equalValues compares two values the way jsonb comparison would:
// numbers numerically regardless of Go type, everything else by deep
// equality.
func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(operator string, a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return false
		}
		return compareOrdered(operator, af, bf)
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	return compareOrdered(operator, as, bs)
}

func compareOrdered[T float64 | string](operator string, a, b T) bool {
	switch operator {
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	}
	return false
}

func inValues(value interface{}, candidates interface{}) bool {
	list, ok := candidates.([]interface{})
	if !ok {
		return false
	}
	for _, c := range list {
		if equalValues(value, c) {
			return true
		}
	}
	return false
}

// matchesLike evaluates a SQL LIKE pattern where % matches any run of
// characters and _ matches a single character.
func matchesLike(value, pattern interface{}, caseInsensitive bool) bool {
	vs, vok := value.(string)
	ps, pok := pattern.(string)
	if !vok || !pok {
		return false
	}

	re, err := likeRegexp(ps, caseInsensitive)
	if err != nil {
		return false
	}
	return re.MatchString(vs)
}

func likeRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// toFloat normalizes numeric values that arrive as different Go types
// from JSON request bodies, YAML config, and jsonb columns.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
