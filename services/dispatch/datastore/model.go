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
)

// Bookkeeping fields present on every stored model.
const (
	MetaPosition = "meta_position"
	MetaDeleted  = "meta_deleted"
)

// Model is the materialised state of one fqid: a mapping from field name to
// value. Values are JSON scalars, lists or nested mappings.
type Model map[string]any

// Clone returns a shallow copy with list fields copied one level deep.
func (m Model) Clone() Model {
	out := make(Model, len(m))
	for k, v := range m {
		if list, ok := v.([]any); ok {
			out[k] = append([]any(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// Project returns a copy restricted to the given fields plus bookkeeping.
// An empty field list returns the full model.
func (m Model) Project(fields []string) Model {
	if len(fields) == 0 {
		return m.Clone()
	}
	out := make(Model, len(fields)+3)
	for _, f := range fields {
		if v, ok := m[f]; ok {
			out[f] = v
		}
	}
	if v, ok := m["id"]; ok {
		out["id"] = v
	}
	if v, ok := m[MetaPosition]; ok {
		out[MetaPosition] = v
	}
	if v, ok := m[MetaDeleted]; ok {
		out[MetaDeleted] = v
	}
	return out
}

// Deleted reports the meta_deleted flag.
func (m Model) Deleted() bool {
	b, _ := m[MetaDeleted].(bool)
	return b
}

// Position returns the meta_position of the model, 0 when absent.
func (m Model) Position() int64 {
	if f, ok := toFloat(m[MetaPosition]); ok {
		return int64(f)
	}
	return 0
}

// Int reads an integer field, tolerating JSON float64 decoding.
func (m Model) Int(field string) (int, bool) {
	f, ok := toFloat(m[field])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// IntOr reads an integer field with a fallback.
func (m Model) IntOr(field string, fallback int) int {
	if v, ok := m.Int(field); ok {
		return v
	}
	return fallback
}

// Str reads a string field, "" when absent or not a string.
func (m Model) Str(field string) string {
	s, _ := m[field].(string)
	return s
}

// Bool reads a boolean field, false when absent.
func (m Model) Bool(field string) bool {
	b, _ := m[field].(bool)
	return b
}

// IntList reads a list-of-ids field, tolerating mixed numeric decoding.
func (m Model) IntList(field string) []int {
	raw, ok := m[field].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := toFloat(v); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// Apply mutates the model according to one event. The caller decides the
// position number; existence checks happened before.
func (m Model) Apply(e Event, position int64) error {
	switch e.Kind {
	case EventCreate, EventUpdate:
		for k, v := range e.Fields {
			if v == nil {
				delete(m, k)
				continue
			}
			m[k] = v
		}
		for field, values := range e.ListFields.Add {
			list, _ := m[field].([]any)
			for _, v := range values {
				list = appendValue(list, v)
			}
			m[field] = list
		}
		for field, values := range e.ListFields.Remove {
			list, _ := m[field].([]any)
			for _, v := range values {
				list = removeValue(list, v)
			}
			if len(list) == 0 {
				m[field] = []any{}
			} else {
				m[field] = list
			}
		}
		if e.Kind == EventCreate {
			m[MetaDeleted] = false
		}
	case EventDelete:
		m[MetaDeleted] = true
	case EventRestore:
		m[MetaDeleted] = false
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	m[MetaPosition] = position
	return nil
}
