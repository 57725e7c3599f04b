// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Default returns the migration set this binary ships.
func Default() []Migration {
	return []Migration{
		&archiveMeetings{},
		defaultLanguage{},
		unifyWorkflowIDs{},
	}
}

// archiveMeetings introduces the archival state: meeting create events
// gain is_active_in_organization_id and the organization tracks the
// active meetings. Data predating this migration has no archival
// concept, so a meeting without the field was simply never migrated.
type archiveMeetings struct {
	meetingIDs []int
}

func (m *archiveMeetings) TargetMigrationIndex() int { return 2 }
func (m *archiveMeetings) Name() string              { return "0002_archive_meetings" }

func (m *archiveMeetings) MigratePosition(ctx context.Context, store *datastore.Store, st Stager, pos datastore.Position) ([]datastore.Event, error) {
	changed := false
	out := make([]datastore.Event, 0, len(pos.Events))
	for _, ev := range pos.Events {
		if ev.Kind == datastore.EventCreate && ev.FQID.Collection == "meeting" {
			if _, present := ev.Fields["is_active_in_organization_id"]; !present {
				fields := make(map[string]any, len(ev.Fields)+1)
				for k, v := range ev.Fields {
					fields[k] = v
				}
				fields["is_active_in_organization_id"] = fqid.OrganizationID
				ev.Fields = fields
				changed = true
				m.meetingIDs = append(m.meetingIDs, ev.FQID.ID)
				out = append(out, ev)
				out = append(out, datastore.NewListUpdateEvent(
					fqid.New("organization", fqid.OrganizationID),
					map[string][]any{"active_meeting_ids": {ev.FQID.ID}}, nil))
				continue
			}
		}
		out = append(out, ev)
	}
	if !changed {
		return nil, nil
	}
	return out, nil
}

// Finish patches the projections for the rewritten creates. Collected
// state resets so a repeated staging run starts clean.
func (m *archiveMeetings) Finish(ctx context.Context, store *datastore.Store, st Stager) error {
	ids := m.meetingIDs
	m.meetingIDs = nil
	if len(ids) == 0 {
		return nil
	}
	session := store.NewSession()

	var activated []int
	for _, id := range ids {
		meeting, err := session.Get(ctx, fqid.New("meeting", id), nil, datastore.GetOpts{NoRaise: true})
		if err != nil {
			return err
		}
		if meeting == nil {
			continue
		}
		if _, present := meeting["is_active_in_organization_id"]; present {
			continue
		}
		err = st.StageModel(ctx, fqid.New("meeting", id),
			map[string]any{"is_active_in_organization_id": fqid.OrganizationID})
		if err != nil {
			return err
		}
		activated = append(activated, id)
	}
	if len(activated) == 0 {
		return nil
	}

	org := fqid.New("organization", fqid.OrganizationID)
	model, err := session.Get(ctx, org, []string{"active_meeting_ids"}, datastore.GetOpts{NoRaise: true})
	if err != nil {
		return err
	}
	seen := map[int]bool{}
	var merged []any
	if model != nil {
		for _, id := range model.IntList("active_meeting_ids") {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	for _, id := range activated {
		if !seen[id] {
			merged = append(merged, id)
		}
	}
	return st.StageModel(ctx, org, map[string]any{"active_meeting_ids": merged})
}

// defaultLanguage gives the organization an explicit default language.
type defaultLanguage struct{}

func (defaultLanguage) TargetMigrationIndex() int { return 3 }
func (defaultLanguage) Name() string              { return "0003_default_language" }

func (defaultLanguage) MigrateModels(ctx context.Context, store *datastore.Store, st Stager) error {
	org := fqid.New("organization", fqid.OrganizationID)
	model, err := store.NewSession().Get(ctx, org, []string{"default_language"}, datastore.GetOpts{NoRaise: true})
	if err != nil {
		return err
	}
	if model == nil || model.Str("default_language") != "" {
		return nil
	}
	return st.StageModel(ctx, org, map[string]any{"default_language": "en"})
}

// unifyWorkflowIDs backfills motions_default_workflow_id on meetings that
// predate the setting, falling back to the meeting's first workflow.
type unifyWorkflowIDs struct{}

func (unifyWorkflowIDs) TargetMigrationIndex() int { return 4 }
func (unifyWorkflowIDs) Name() string              { return "0004_unify_workflow_ids" }

func (unifyWorkflowIDs) MigrateModels(ctx context.Context, store *datastore.Store, st Stager) error {
	return store.ScanCollection(ctx, "meeting", func(id int, model datastore.Model) error {
		if model.Deleted() {
			return nil
		}
		if _, present := model.Int("motions_default_workflow_id"); present {
			return nil
		}
		workflows := model.IntList("motion_workflow_ids")
		if len(workflows) == 0 {
			return nil
		}
		return st.StageModel(ctx, fqid.New("meeting", id),
			map[string]any{"motions_default_workflow_id": workflows[0]})
	})
}
