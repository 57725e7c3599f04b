// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"context"
	"sort"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Execute runs one action over its payload elements.
//
// Description:
//
//	The pipeline per spec of the dispatch core: schema validation over
//	all elements first (fail fast), then per element in input order:
//	pre-expansion, semantic validation, archived-meeting guard,
//	permission check, business logic, event creation. Events append to
//	the transaction buffer; each input element yields one result record.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	def - The action definition.
//	elements - The payload elements in request order.
//
// Outputs:
//
//	[]Result - One record per input element; nil entries for actions
//	           that return nothing.
//	error - The first pipeline error; the caller discards the buffer.
func (c *Context) Execute(ctx context.Context, def *Definition, elements []Instance) ([]Result, error) {
	if c.depth >= maxDispatchDepth {
		return nil, Errorf("action %s exceeds the nested dispatch limit", def.Name)
	}
	c.depth++
	defer func() { c.depth-- }()

	for i, element := range elements {
		if err := validateSchema(def, i, element); err != nil {
			return nil, err
		}
	}

	results := make([]Result, 0, len(elements))
	for _, element := range elements {
		// Pre-expansion may derive zero or more instances from one input
		// element; the stream is processed in order and exactly once.
		derived := []Instance{element}
		if def.UpdatedInstances != nil {
			var err error
			derived, err = def.UpdatedInstances(ctx, c, element)
			if err != nil {
				return nil, err
			}
		}

		var first Result
		for i, instance := range derived {
			result, err := c.processInstance(ctx, def, instance)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				first = result
			}
		}
		results = append(results, first)
	}
	return results, nil
}

// processInstance runs the per-element stages for one instance.
func (c *Context) processInstance(ctx context.Context, def *Definition, instance Instance) (Result, error) {
	if def.ValidateInstance != nil {
		if err := def.ValidateInstance(ctx, c, instance); err != nil {
			return nil, err
		}
	}

	if !def.SkipArchivedMeetingCheck {
		if err := c.checkArchivedMeeting(ctx, def, instance); err != nil {
			return nil, err
		}
	}

	// Authorization runs strictly before the business logic, regardless
	// of how the definition composes its stages.
	if def.CheckPermissions != nil {
		if err := def.CheckPermissions(ctx, c, instance); err != nil {
			return nil, err
		}
	}

	if def.UpdateInstance != nil {
		updated, err := def.UpdateInstance(ctx, c, instance)
		if err != nil {
			return nil, err
		}
		instance = updated
	}

	events, result, err := c.createEvents(ctx, def, instance)
	if err != nil {
		return nil, err
	}
	c.addEvents(canonicalEventOrder(events))

	if def.HistoryInformation != "" {
		if id, ok := instance.Int("id"); ok {
			c.addHistory(fqid.New(def.Collection, id), def.HistoryInformation)
		}
	}
	if def.Type != TypePublic {
		// Internal actions may return nothing.
		if result != nil && len(result) == 0 {
			result = nil
		}
	}
	return result, nil
}

// checkArchivedMeeting rejects writes into archived meetings: every
// meeting reachable from the instance must be active in the organization.
func (c *Context) checkArchivedMeeting(ctx context.Context, def *Definition, instance Instance) error {
	var meetingIDs []int
	if id, ok := instance.Int("meeting_id"); ok && id > 0 {
		meetingIDs = append(meetingIDs, id)
	}
	if def.Collection == "meeting" {
		if id, ok := instance.Int("id"); ok && id > 0 {
			meetingIDs = append(meetingIDs, id)
		}
	}
	for _, id := range meetingIDs {
		meeting, err := c.session.Get(ctx, fqid.New("meeting", id),
			[]string{"is_active_in_organization_id"}, datastore.GetOpts{NoRaise: true})
		if err != nil {
			return err
		}
		if meeting == nil {
			return Errorf("Model meeting/%d does not exist.", id)
		}
		if meeting.IntOr("is_active_in_organization_id", 0) != fqid.OrganizationID {
			return Errorf("Meeting %d cannot be changed, because it is archived.", id)
		}
	}
	return nil
}

// createEvents translates the final instance into events and the element
// result, honoring a CreateEvents override before the Operation default.
func (c *Context) createEvents(ctx context.Context, def *Definition, instance Instance) ([]datastore.Event, Result, error) {
	if def.CreateEvents != nil {
		events, err := def.CreateEvents(ctx, c, instance)
		if err != nil {
			return nil, nil, err
		}
		var result Result
		if id, ok := instance.Int("id"); ok && def.Operation == OpCreate {
			result = Result{"id": id}
		}
		return events, result, nil
	}

	switch def.Operation {
	case OpCreate:
		return c.defaultCreate(ctx, def, instance)
	case OpUpdate:
		events, err := c.defaultUpdate(ctx, def, instance)
		return events, nil, err
	case OpDelete:
		events, err := c.defaultDelete(ctx, def, instance)
		return events, nil, err
	}
	return nil, nil, nil
}

// defaultCreate reserves an id, emits the create event and the
// back-reference updates declared by the relation schema.
func (c *Context) defaultCreate(ctx context.Context, def *Definition, instance Instance) ([]datastore.Event, Result, error) {
	id, ok := instance.Int("id")
	if !ok {
		var err error
		id, err = c.reserveID(ctx, def.Collection)
		if err != nil {
			return nil, nil, err
		}
		instance["id"] = id
	}
	subject := fqid.New(def.Collection, id)

	fields := make(map[string]any, len(instance))
	for k, v := range instance {
		if k == "id" || v == nil {
			continue
		}
		fields[k] = v
	}
	events := []datastore.Event{datastore.NewCreateEvent(subject, fields)}

	for _, rel := range relationsOf(def.Collection) {
		if _, present := instance[rel.Field]; !present {
			continue
		}
		events = append(events, backReferenceEvents(rel, subject, relationIDs(instance, rel), true)...)
	}

	result := Result{"id": id}
	if n, ok := instance.Int("sequential_number"); ok {
		result["sequential_number"] = n
	}
	return events, result, nil
}

// defaultUpdate reads the model under lock, restricts the update event to
// changed fields and compensates relation moves on both sides.
func (c *Context) defaultUpdate(ctx context.Context, def *Definition, instance Instance) ([]datastore.Event, error) {
	id, ok := instance.Int("id")
	if !ok {
		return nil, Errorf("%s: instance without id", def.Name)
	}
	subject := fqid.New(def.Collection, id)

	current, err := c.session.Get(ctx, subject, nil, datastore.GetOpts{Lock: true})
	if err != nil {
		return nil, err
	}

	changed := make(map[string]any)
	for k, v := range instance {
		if k == "id" || k == "sequential_number" {
			continue
		}
		if cur, present := current[k]; !present || !datastore.ValueEqual(cur, v) {
			if v == nil && !presentIn(current, k) {
				continue
			}
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}

	var events []datastore.Event
	events = append(events, datastore.NewUpdateEvent(subject, changed))

	for _, rel := range relationsOf(def.Collection) {
		if _, present := changed[rel.Field]; !present {
			continue
		}
		oldIDs := relationIDs(current, rel)
		newIDs := relationIDs(instance, rel)
		removed, added := diffIDs(oldIDs, newIDs)
		events = append(events, backReferenceEvents(rel, subject, removed, false)...)
		events = append(events, backReferenceEvents(rel, subject, added, true)...)
	}
	return events, nil
}

// defaultDelete emits the delete cascade for the subject.
func (c *Context) defaultDelete(ctx context.Context, def *Definition, instance Instance) ([]datastore.Event, error) {
	id, ok := instance.Int("id")
	if !ok {
		return nil, Errorf("%s: instance without id", def.Name)
	}
	return deleteCascade(ctx, c.session, fqid.New(def.Collection, id))
}

func presentIn(m datastore.Model, key string) bool {
	_, ok := m[key]
	return ok
}

// diffIDs splits old/new id sets into removed and added.
func diffIDs(oldIDs, newIDs []int) (removed, added []int) {
	oldSet := make(map[int]bool, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = true
	}
	newSet := make(map[int]bool, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = true
		if !oldSet[id] {
			added = append(added, id)
		}
	}
	for _, id := range oldIDs {
		if !newSet[id] {
			removed = append(removed, id)
		}
	}
	return removed, added
}

// canonicalEventOrder merges duplicate updates per fqid and sorts one
// element's events into the deterministic order: creates, field updates,
// list additions, list removals, deletes, restores.
func canonicalEventOrder(events []datastore.Event) []datastore.Event {
	if len(events) <= 1 {
		return events
	}

	merged := make([]datastore.Event, 0, len(events))
	updateAt := map[string]int{}
	for _, e := range events {
		if e.Kind == datastore.EventUpdate {
			if at, ok := updateAt[e.FQID.String()]; ok {
				m, err := datastore.MergeUpdates(merged[at], e)
				if err == nil {
					merged[at] = m
					continue
				}
			} else {
				updateAt[e.FQID.String()] = len(merged)
			}
		}
		merged = append(merged, e)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return eventRank(merged[i]) < eventRank(merged[j])
	})
	return merged
}

func eventRank(e datastore.Event) int {
	switch e.Kind {
	case datastore.EventCreate:
		return 0
	case datastore.EventUpdate:
		switch {
		case len(e.Fields) > 0:
			return 1
		case len(e.ListFields.Add) > 0:
			return 2
		default:
			return 3
		}
	case datastore.EventDelete:
		return 4
	case datastore.EventRestore:
		return 5
	}
	return 6
}
