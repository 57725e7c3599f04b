// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"fmt"
	"strings"
)

// FilterOp is a comparison operator of a filter leaf.
type FilterOp string

const (
	OpEqual        FilterOp = "="
	OpNotEqual     FilterOp = "!="
	OpLess         FilterOp = "<"
	OpLessEqual    FilterOp = "<="
	OpGreater      FilterOp = ">"
	OpGreaterEqual FilterOp = ">="
)

// Filter is a boolean predicate tree over model fields. Leaves are
// FilterOperator values; And, Or and Not combine them.
type Filter interface {
	// Match evaluates the predicate against one model.
	Match(m Model) bool
	// String renders the predicate for error messages and logs.
	String() string
}

// FilterOperator compares one field against a constant value.
type FilterOperator struct {
	Field string
	Op    FilterOp
	Value any
}

// Match implements Filter.
func (f FilterOperator) Match(m Model) bool {
	actual, present := m[f.Field]
	switch f.Op {
	case OpEqual:
		if !present {
			return f.Value == nil
		}
		return valueEqual(actual, f.Value)
	case OpNotEqual:
		if !present {
			return f.Value != nil
		}
		return !valueEqual(actual, f.Value)
	}

	// Ordering operators require both sides to be comparable.
	if !present {
		return false
	}
	if la, ok := toFloat(actual); ok {
		lb, ok := toFloat(f.Value)
		if !ok {
			return false
		}
		return compareOrdered(la, lb, f.Op)
	}
	if sa, ok := actual.(string); ok {
		sb, ok := f.Value.(string)
		if !ok {
			return false
		}
		return compareOrdered(strings.Compare(sa, sb), 0, f.Op)
	}
	return false
}

func compareOrdered[T int | float64](a, b T, op FilterOp) bool {
	switch op {
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEqual:
		return a >= b
	}
	return false
}

func (f FilterOperator) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// And matches when every child matches. An empty And matches everything.
type And []Filter

// Match implements Filter.
func (a And) Match(m Model) bool {
	for _, f := range a {
		if !f.Match(m) {
			return false
		}
	}
	return true
}

func (a And) String() string {
	parts := make([]string, len(a))
	for i, f := range a {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, " and ") + ")"
}

// Or matches when any child matches. An empty Or matches nothing.
type Or []Filter

// Match implements Filter.
func (o Or) Match(m Model) bool {
	for _, f := range o {
		if f.Match(m) {
			return true
		}
	}
	return false
}

func (o Or) String() string {
	parts := make([]string, len(o))
	for i, f := range o {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, " or ") + ")"
}

// Not inverts its child predicate.
type Not struct {
	Filter Filter
}

// Match implements Filter.
func (n Not) Match(m Model) bool {
	return !n.Filter.Match(m)
}

func (n Not) String() string {
	return "not " + n.Filter.String()
}

// equalityFastPath extracts (field, value) when the filter is a plain
// equality leaf, enabling lookup through the collection-field index tables.
func equalityFastPath(f Filter) (string, any, bool) {
	op, ok := f.(FilterOperator)
	if !ok || op.Op != OpEqual || op.Value == nil {
		return "", nil, false
	}
	return op.Field, op.Value, true
}
