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

type groupCreatePayload struct {
	Name        string   `json:"name" validate:"required"`
	MeetingID   int      `json:"meeting_id" validate:"required,gt=0"`
	Permissions []string `json:"permissions"`
}

type groupUpdatePayload struct {
	ID          int      `json:"id" validate:"required,gt=0"`
	Name        *string  `json:"name"`
	Permissions []string `json:"permissions"`
}

type groupDeletePayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

func registerGroupActions(r *Registry) {
	r.Register(&Definition{
		Name:       "group.create",
		Collection: "group",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &groupCreatePayload{} },

		ValidateInstance: func(ctx context.Context, c *Context, instance Instance) error {
			return checkKnownPermissions(instance)
		},

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.UserCanManage, instance.IntOr("meeting_id", 0))
		},
	})

	r.Register(&Definition{
		Name:       "group.update",
		Collection: "group",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &groupUpdatePayload{} },

		ValidateInstance: func(ctx context.Context, c *Context, instance Instance) error {
			if err := checkKnownPermissions(instance); err != nil {
				return err
			}
			return resolveGroupMeeting(ctx, c, instance)
		},

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.UserCanManage, instance.IntOr("meeting_id", 0))
		},
	})

	r.Register(&Definition{
		Name:       "group.delete",
		Collection: "group",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &groupDeletePayload{} },

		ValidateInstance: resolveGroupMeeting,

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			return c.Perms().EnsurePerm(ctx, c.UserID(), perm.UserCanManage, instance.IntOr("meeting_id", 0))
		},

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			// Memberships live on the user side in a map keyed by meeting,
			// outside the relation schema; clear them through the internal
			// action before the delete events are built.
			group, err := c.DB().Get(ctx, fqid.New("group", instance.IntOr("id", 0)),
				[]string{"user_ids", "meeting_id"}, datastore.GetOpts{Lock: true})
			if err != nil {
				return nil, err
			}
			var removals []Instance
			for _, userID := range group.IntList("user_ids") {
				removals = append(removals, Instance{
					"id":         userID,
					"meeting_id": group.IntOr("meeting_id", 0),
					"group_id":   instance.IntOr("id", 0),
				})
			}
			if len(removals) > 0 {
				if _, err := c.ExecuteOtherAction(ctx, "user.remove_from_group", removals); err != nil {
					return nil, err
				}
			}
			return instance, nil
		},
	})
}

// checkKnownPermissions rejects permission strings outside the catalog.
func checkKnownPermissions(instance Instance) error {
	raw, present := instance["permissions"]
	if !present {
		return nil
	}
	for _, entry := range asList(raw) {
		name, _ := entry.(string)
		if !perm.Permission(name).Known() {
			return Errorf("Invalid permission %q", name)
		}
	}
	return nil
}

// resolveGroupMeeting folds the group's meeting into the instance for the
// archived-meeting guard and the permission stage.
func resolveGroupMeeting(ctx context.Context, c *Context, instance Instance) error {
	group, err := c.DB().Get(ctx, fqid.New("group", instance.IntOr("id", 0)),
		[]string{"meeting_id"}, datastore.GetOpts{})
	if err != nil {
		return err
	}
	instance["meeting_id"] = group.IntOr("meeting_id", 0)
	return nil
}
