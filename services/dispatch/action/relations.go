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

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// OnDelete is the policy a relation field declares for deletion of the
// model that carries it.
type OnDelete int

const (
	// OnDeleteReset removes the back references on the related models and
	// leaves them alive. The default policy.
	OnDeleteReset OnDelete = iota

	// OnDeleteCascade deletes the related models as well.
	OnDeleteCascade

	// OnDeleteProtect forbids the deletion while the field is non-empty.
	OnDeleteProtect
)

// Relation declares one relation field of a collection. Relations are
// stored by id; reverse fields are maintained through compensating update
// events, not by the store.
type Relation struct {
	// Field is the field name on the owning collection.
	Field string
	// List marks the field as a list of ids instead of a scalar id.
	List bool
	// To is the target collection.
	To string
	// Reverse is the back-reference field on the target; empty when the
	// target does not track the relation.
	Reverse string
	// ReverseList marks the back-reference as a list field.
	ReverseList bool
	// OnDelete is applied when the owning model is deleted.
	OnDelete OnDelete
}

// relationSchema declares the relation fields per collection. The delete
// cascade walks these declarations; a topological ordering exists because
// cascade edges never form a cycle (parent/child style relations cascade
// in one direction only, every other edge resets or protects).
var relationSchema = map[string][]Relation{
	"motion": {
		{Field: "meeting_id", To: "meeting", Reverse: "motion_ids", ReverseList: true},
		{Field: "state_id", To: "motion_state", Reverse: "motion_ids", ReverseList: true},
		{Field: "origin_id", To: "motion", Reverse: "derived_motion_ids", ReverseList: true},
		{Field: "derived_motion_ids", List: true, To: "motion", Reverse: "origin_id"},
		{Field: "all_origin_ids", List: true, To: "motion", Reverse: "all_derived_motion_ids", ReverseList: true},
		{Field: "identical_motion_ids", List: true, To: "motion", Reverse: "identical_motion_ids", ReverseList: true},
	},
	"meeting": {
		{Field: "committee_id", To: "committee", Reverse: "meeting_ids", ReverseList: true},
		{Field: "is_active_in_organization_id", To: "organization", Reverse: "active_meeting_ids", ReverseList: true},
		{Field: "motion_ids", List: true, To: "motion", Reverse: "meeting_id", OnDelete: OnDeleteCascade},
		{Field: "group_ids", List: true, To: "group", Reverse: "meeting_id", OnDelete: OnDeleteCascade},
		{Field: "motion_state_ids", List: true, To: "motion_state", Reverse: "meeting_id", OnDelete: OnDeleteCascade},
	},
	"committee": {
		{Field: "meeting_ids", List: true, To: "meeting", Reverse: "committee_id", OnDelete: OnDeleteProtect},
		{Field: "forward_to_committee_ids", List: true, To: "committee", Reverse: "receive_forwardings_from_committee_ids", ReverseList: true},
		{Field: "receive_forwardings_from_committee_ids", List: true, To: "committee", Reverse: "forward_to_committee_ids", ReverseList: true},
		{Field: "manager_ids", List: true, To: "user", Reverse: "committee_management_ids", ReverseList: true},
	},
	"organization": {
		{Field: "active_meeting_ids", List: true, To: "meeting", Reverse: "is_active_in_organization_id"},
	},
	"group": {
		{Field: "meeting_id", To: "meeting", Reverse: "group_ids", ReverseList: true},
	},
	"motion_state": {
		{Field: "meeting_id", To: "meeting", Reverse: "motion_state_ids", ReverseList: true},
		{Field: "motion_ids", List: true, To: "motion", Reverse: "state_id", OnDelete: OnDeleteProtect},
	},
	"mediafile": {
		{Field: "parent_id", To: "mediafile", Reverse: "child_ids", ReverseList: true},
		{Field: "child_ids", List: true, To: "mediafile", Reverse: "parent_id", OnDelete: OnDeleteCascade},
	},
	"user": {
		{Field: "committee_management_ids", List: true, To: "committee", Reverse: "manager_ids", ReverseList: true},
	},
}

// relationsOf returns the declared relations of a collection.
func relationsOf(collection string) []Relation {
	return relationSchema[collection]
}

// relationIDs reads the related ids out of one field value.
func relationIDs(m datastore.Model, r Relation) []int {
	if r.List {
		return m.IntList(r.Field)
	}
	if id, ok := m.Int(r.Field); ok && id > 0 {
		return []int{id}
	}
	return nil
}

// backReferenceEvents produces the compensating list/scalar updates on the
// related models when subject gains (add=true) or loses the relation.
func backReferenceEvents(r Relation, subject fqid.FQID, relatedIDs []int, add bool) []datastore.Event {
	if r.Reverse == "" {
		return nil
	}
	var events []datastore.Event
	for _, id := range relatedIDs {
		target := fqid.New(r.To, id)
		if r.ReverseList {
			op := map[string][]any{r.Reverse: {subject.ID}}
			if add {
				events = append(events, datastore.NewListUpdateEvent(target, op, nil))
			} else {
				events = append(events, datastore.NewListUpdateEvent(target, nil, op))
			}
			continue
		}
		if add {
			events = append(events, datastore.NewUpdateEvent(target, map[string]any{r.Reverse: subject.ID}))
		} else {
			events = append(events, datastore.NewUpdateEvent(target, map[string]any{r.Reverse: nil}))
		}
	}
	return events
}

// deleteCascade resolves the full delete set and the compensating events
// for deleting subject.
//
// Description:
//
//	Walks the relation declarations topologically: cascade edges extend
//	the delete set, protect edges with live targets abort, reset edges
//	produce back-reference removals on surviving models. Each model is
//	visited at most once, which keeps cyclic relation shapes (motion
//	origins, mediafile trees) safe.
//
// Outputs:
//
//	[]datastore.Event - Reset updates on survivors followed by delete
//	events in visit order.
//	error - ProtectedModelsError when a protect edge blocks the delete.
func deleteCascade(ctx context.Context, gw datastore.Gateway, subject fqid.FQID) ([]datastore.Event, error) {
	visited := map[string]bool{}
	var order []fqid.FQID
	var models []datastore.Model

	var visit func(f fqid.FQID) error
	visit = func(f fqid.FQID) error {
		if visited[f.String()] {
			return nil
		}
		visited[f.String()] = true

		model, err := gw.Get(ctx, f, nil, datastore.GetOpts{Lock: true})
		if err != nil {
			return err
		}
		order = append(order, f)
		models = append(models, model)

		for _, rel := range relationsOf(f.Collection) {
			ids := relationIDs(model, rel)
			if len(ids) == 0 {
				continue
			}
			switch rel.OnDelete {
			case OnDeleteProtect:
				var blockers []fqid.FQID
				for _, id := range ids {
					blocker := fqid.New(rel.To, id)
					if !visited[blocker.String()] {
						blockers = append(blockers, blocker)
					}
				}
				if len(blockers) > 0 {
					return ProtectedModelsError{Subject: subject, Blockers: blockers}
				}
			case OnDeleteCascade:
				for _, id := range ids {
					if err := visit(fqid.New(rel.To, id)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := visit(subject); err != nil {
		return nil, err
	}

	// Reset edges of every deleted model point at survivors only; models
	// inside the delete set need no compensation.
	var events []datastore.Event
	for i, f := range order {
		for _, rel := range relationsOf(f.Collection) {
			if rel.OnDelete != OnDeleteReset || rel.Reverse == "" {
				continue
			}
			var survivors []int
			for _, id := range relationIDs(models[i], rel) {
				if !visited[fqid.New(rel.To, id).String()] {
					survivors = append(survivors, id)
				}
			}
			events = append(events, backReferenceEvents(rel, f, survivors, false)...)
		}
	}
	for _, f := range order {
		events = append(events, datastore.NewDeleteEvent(f))
	}
	return events, nil
}
