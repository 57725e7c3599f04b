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
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// EventKind tags the four event variants of the write model.
type EventKind string

const (
	EventCreate  EventKind = "create"
	EventUpdate  EventKind = "update"
	EventDelete  EventKind = "delete"
	EventRestore EventKind = "restore"
)

// ListFields carries set-semantics additions and removals for list-valued
// fields of an update event.
type ListFields struct {
	Add    map[string][]any `json:"add,omitempty"`
	Remove map[string][]any `json:"remove,omitempty"`
}

// Empty reports whether no list operation is present.
func (l ListFields) Empty() bool {
	return len(l.Add) == 0 && len(l.Remove) == 0
}

// Event is one entry of a position. Exactly one kind applies; Fields is set
// for create and update, ListFields only for update.
type Event struct {
	Kind       EventKind      `json:"type"`
	FQID       fqid.FQID      `json:"-"`
	Fields     map[string]any `json:"fields,omitempty"`
	ListFields ListFields     `json:"list_fields,omitempty"`
}

// eventJSON is the wire form of an Event; the fqid travels as a string.
type eventJSON struct {
	Kind       EventKind      `json:"type"`
	FQID       string         `json:"fqid"`
	Fields     map[string]any `json:"fields,omitempty"`
	ListFields *ListFields    `json:"list_fields,omitempty"`
}

// MarshalJSON renders the event with its fqid as "collection/id".
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{Kind: e.Kind, FQID: e.FQID.String(), Fields: e.Fields}
	if !e.ListFields.Empty() {
		lf := e.ListFields
		out.ListFields = &lf
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the wire form back into an Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	f, err := fqid.Parse(in.FQID)
	if err != nil {
		return fmt.Errorf("event fqid: %w", err)
	}
	e.Kind = in.Kind
	e.FQID = f
	e.Fields = in.Fields
	if in.ListFields != nil {
		e.ListFields = *in.ListFields
	} else {
		e.ListFields = ListFields{}
	}
	return nil
}

// NewCreateEvent builds a create event. The fqid must not exist yet.
func NewCreateEvent(f fqid.FQID, fields map[string]any) Event {
	return Event{Kind: EventCreate, FQID: f, Fields: fields}
}

// NewUpdateEvent builds an update event merging fields into the model.
func NewUpdateEvent(f fqid.FQID, fields map[string]any) Event {
	return Event{Kind: EventUpdate, FQID: f, Fields: fields}
}

// NewListUpdateEvent builds an update event carrying only list operations.
func NewListUpdateEvent(f fqid.FQID, add, remove map[string][]any) Event {
	return Event{Kind: EventUpdate, FQID: f, ListFields: ListFields{Add: add, Remove: remove}}
}

// NewDeleteEvent builds a delete event. Relations are not cleared by the
// store; compensating updates are the caller's responsibility.
func NewDeleteEvent(f fqid.FQID) Event {
	return Event{Kind: EventDelete, FQID: f}
}

// NewRestoreEvent builds a restore event for a currently deleted model.
func NewRestoreEvent(f fqid.FQID) Event {
	return Event{Kind: EventRestore, FQID: f}
}

// MergeUpdates merges two update events on the same fqid into one canonical
// event.
//
// Description:
//
//	Scalar fields of the later event win. List additions and removals
//	compose with set semantics: a later add cancels an earlier remove of
//	the same value and vice versa.
//
// Inputs:
//
//	first - The earlier update event.
//	second - The later update event. Must address the same fqid.
//
// Outputs:
//
//	Event - The merged update event.
//	error - Non-nil if the events are not both updates on one fqid.
func MergeUpdates(first, second Event) (Event, error) {
	if first.Kind != EventUpdate || second.Kind != EventUpdate {
		return Event{}, fmt.Errorf("%w: merge of non-update events", ErrInvalidEvent)
	}
	if first.FQID != second.FQID {
		return Event{}, fmt.Errorf("%w: merge across fqids %s and %s", ErrInvalidEvent, first.FQID, second.FQID)
	}

	merged := Event{Kind: EventUpdate, FQID: first.FQID}
	if len(first.Fields) > 0 || len(second.Fields) > 0 {
		merged.Fields = make(map[string]any, len(first.Fields)+len(second.Fields))
		for k, v := range first.Fields {
			merged.Fields[k] = v
		}
		for k, v := range second.Fields {
			merged.Fields[k] = v
		}
	}

	add := cloneListOps(first.ListFields.Add)
	remove := cloneListOps(first.ListFields.Remove)
	for field, values := range second.ListFields.Add {
		for _, v := range values {
			remove[field] = removeValue(remove[field], v)
			add[field] = appendValue(add[field], v)
		}
	}
	for field, values := range second.ListFields.Remove {
		for _, v := range values {
			add[field] = removeValue(add[field], v)
			remove[field] = appendValue(remove[field], v)
		}
	}
	merged.ListFields = ListFields{Add: pruneListOps(add), Remove: pruneListOps(remove)}
	return merged, nil
}

func cloneListOps(src map[string][]any) map[string][]any {
	dst := make(map[string][]any, len(src))
	for k, v := range src {
		dst[k] = append([]any(nil), v...)
	}
	return dst
}

func pruneListOps(src map[string][]any) map[string][]any {
	for k, v := range src {
		if len(v) == 0 {
			delete(src, k)
		}
	}
	if len(src) == 0 {
		return nil
	}
	return src
}

func appendValue(list []any, v any) []any {
	for _, existing := range list {
		if valueEqual(existing, v) {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []any, v any) []any {
	out := list[:0]
	for _, existing := range list {
		if !valueEqual(existing, v) {
			out = append(out, existing)
		}
	}
	return out
}

// ValueEqual compares two field values across the int/float64 boundary
// that JSON decoding introduces. Lists and mappings compare deeply.
func ValueEqual(a, b any) bool {
	return valueEqual(a, b)
}

// valueEqual compares field values across the int/float64 boundary that
// JSON decoding introduces.
func valueEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	if la, ok := a.([]any); ok {
		lb, ok := b.([]any)
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valueEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
