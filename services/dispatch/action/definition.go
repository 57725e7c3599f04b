// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action implements the action registry and the action executor:
// named write intents run through a staged pipeline that validates,
// authorizes and transforms payload elements into events over the
// versioned model store.
package action

import (
	"context"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
)

// Type classifies who may invoke an action.
type Type int

const (
	// TypePublic actions are accepted on the public route.
	TypePublic Type = iota
	// TypeBackendInternal actions are only accepted on the internal route
	// or through nested dispatch.
	TypeBackendInternal
	// TypeStackInternal actions are only dispatched by other actions.
	TypeStackInternal
)

// String renders the type tag.
func (t Type) String() string {
	switch t {
	case TypeBackendInternal:
		return "backend_internal"
	case TypeStackInternal:
		return "stack_internal"
	}
	return "public"
}

// Instance is one payload element of an action: a mapping from field name
// to value, shaped like the model it produces.
type Instance = datastore.Model

// Result is the per-element outcome of an action; nil for actions that
// return nothing.
type Result map[string]any

// Operation selects the default event creation behaviour of a definition.
type Operation int

const (
	// OpCreate assigns a fresh id and emits a create event plus
	// back-reference updates.
	OpCreate Operation = iota
	// OpUpdate emits an update event restricted to changed fields plus
	// compensating relation updates.
	OpUpdate
	// OpDelete emits the delete cascade.
	OpDelete
	// OpCustom leaves event creation entirely to CreateEvents.
	OpCustom
)

// Definition describes one registered action. The stage functions mirror
// the behaviour mixins of the pipeline; a nil stage is skipped (or, for
// CreateEvents, replaced by the Operation default).
type Definition struct {
	// Name is the unique dotted action name, e.g. "motion.create".
	Name string

	// Collection is the collection the action primarily operates on.
	Collection string

	// Type classifies the action for route admission.
	Type Type

	// Operation selects the default event creation behaviour.
	Operation Operation

	// Schema returns a fresh payload struct carrying validator tags; the
	// raw element is decoded into it with unknown fields rejected. A nil
	// Schema accepts any element shape.
	Schema func() any

	// SkipArchivedMeetingCheck disables the archived-meeting guard.
	SkipArchivedMeetingCheck bool

	// HistoryInformation is the history line recorded for the affected
	// fqid; empty records nothing.
	HistoryInformation string

	// UpdatedInstances expands one input element into derived elements
	// before per-element processing (pre-expansion). Nil passes the
	// element through unchanged.
	UpdatedInstances func(ctx context.Context, c *Context, instance Instance) ([]Instance, error)

	// ValidateInstance runs semantic checks beyond the schema.
	ValidateInstance func(ctx context.Context, c *Context, instance Instance) error

	// CheckPermissions authorizes one element. It runs strictly before
	// UpdateInstance. Nil means the action performs no per-element check
	// (internal actions dispatched by already-authorized parents).
	CheckPermissions func(ctx context.Context, c *Context, instance Instance) error

	// UpdateInstance is the business logic; it returns the final
	// instance to commit and may dispatch nested actions through the
	// context.
	UpdateInstance func(ctx context.Context, c *Context, instance Instance) (Instance, error)

	// CreateEvents overrides the Operation default.
	CreateEvents func(ctx context.Context, c *Context, instance Instance) ([]datastore.Event, error)
}
