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
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

type meetingCreatePayload struct {
	Name        string `json:"name" validate:"required"`
	CommitteeID int    `json:"committee_id" validate:"required,gt=0"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

type meetingUpdatePayload struct {
	ID               int     `json:"id" validate:"required,gt=0"`
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	EnableAnonymous  *bool   `json:"enable_anonymous"`
	LockedFromInside *bool   `json:"locked_from_inside"`
}

type meetingIDPayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

func registerMeetingActions(r *Registry) {
	r.Register(&Definition{
		Name:       "meeting.create",
		Collection: "meeting",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &meetingCreatePayload{} },

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return ensureCommitteeManager(ctx, c, instance.IntOr("committee_id", 0))
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			// A fresh meeting is active; the back-reference keeps the
			// organization's active_meeting_ids in step.
			instance["is_active_in_organization_id"] = fqid.OrganizationID
			if instance.Str("language") == "" {
				org, err := c.DB().Get(ctx, fqid.New("organization", fqid.OrganizationID),
					[]string{"default_language"}, datastore.GetOpts{NoRaise: true})
				if err != nil {
					return nil, err
				}
				language := "en"
				if org != nil && org.Str("default_language") != "" {
					language = org.Str("default_language")
				}
				instance["language"] = language
			}
			return instance, nil
		},
	})

	r.Register(&Definition{
		Name:       "meeting.update",
		Collection: "meeting",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &meetingUpdatePayload{} },

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			meetingID := instance.IntOr("id", 0)
			if err := c.Perms().CheckLockedMeeting(ctx, c.UserID(), meetingID); err != nil {
				return err
			}
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.MeetingCanManageSettings, meetingID)
		},
	})

	r.Register(&Definition{
		Name:       "meeting.archive",
		Collection: "meeting",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &meetingIDPayload{} },

		HistoryInformation: "Meeting archived",

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return ensureMeetingCommitteeManager(ctx, c, instance.IntOr("id", 0))
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			instance["is_active_in_organization_id"] = nil
			return instance, nil
		},
	})

	r.Register(&Definition{
		Name:       "meeting.unarchive",
		Collection: "meeting",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &meetingIDPayload{} },

		// The subject is archived; the guard would reject its own cure.
		SkipArchivedMeetingCheck: true,

		HistoryInformation: "Meeting unarchived",

		ValidateInstance: func(ctx context.Context, c *Context, instance Instance) error {
			meeting, err := c.DB().Get(ctx, fqid.New("meeting", instance.IntOr("id", 0)),
				[]string{"is_active_in_organization_id"}, datastore.GetOpts{})
			if err != nil {
				return err
			}
			if meeting.IntOr("is_active_in_organization_id", 0) == fqid.OrganizationID {
				return Errorf("Meeting %d is not archived.", instance.IntOr("id", 0))
			}
			return nil
		},

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return ensureMeetingCommitteeManager(ctx, c, instance.IntOr("id", 0))
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			instance["is_active_in_organization_id"] = fqid.OrganizationID
			return instance, nil
		},
	})

	r.Register(&Definition{
		Name:       "meeting.delete",
		Collection: "meeting",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &meetingIDPayload{} },

		// Archived meetings may still be deleted.
		SkipArchivedMeetingCheck: true,

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return ensureMeetingCommitteeManager(ctx, c, instance.IntOr("id", 0))
		},
	})
}

// ensureCommitteeManager requires committee-level can_manage on the
// committee (organization managers qualify implicitly).
func ensureCommitteeManager(ctx context.Context, c *Context, committeeID int) error {
	ok, err := c.Perms().HasCommitteeLevel(ctx, c.UserID(), committeeID, perm.CMLCanManage)
	if err != nil {
		return err
	}
	if !ok {
		return perm.NotAllowedf("committee can_manage",
			"missing can_manage on committee %d", committeeID)
	}
	return nil
}

// ensureMeetingCommitteeManager resolves the meeting's committee and
// requires can_manage on it.
func ensureMeetingCommitteeManager(ctx context.Context, c *Context, meetingID int) error {
	meeting, err := c.DB().Get(ctx, fqid.New("meeting", meetingID),
		[]string{"committee_id"}, datastore.GetOpts{})
	if err != nil {
		return err
	}
	return ensureCommitteeManager(ctx, c, meeting.IntOr("committee_id", 0))
}
