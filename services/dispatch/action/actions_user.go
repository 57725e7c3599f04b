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
	"strconv"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

type userCreatePayload struct {
	Username                    string `json:"username" validate:"required"`
	FirstName                   string `json:"first_name"`
	LastName                    string `json:"last_name"`
	Email                       string `json:"email" validate:"omitempty,email"`
	OrganizationManagementLevel string `json:"organization_management_level" validate:"omitempty,oneof=can_manage_users can_manage_organization superadmin"`
	CommitteeManagementIDs      []int  `json:"committee_management_ids" validate:"dive,gt=0"`
}

type userUpdatePayload struct {
	ID                          int     `json:"id" validate:"required,gt=0"`
	Username                    *string `json:"username"`
	FirstName                   *string `json:"first_name"`
	LastName                    *string `json:"last_name"`
	Email                       *string `json:"email" validate:"omitempty,email"`
	OrganizationManagementLevel *string `json:"organization_management_level" validate:"omitempty,oneof=can_manage_users can_manage_organization superadmin"`
	CommitteeManagementIDs      []int   `json:"committee_management_ids" validate:"dive,gt=0"`
}

type userDeletePayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

type userRemoveFromGroupPayload struct {
	ID        int `json:"id" validate:"required,gt=0"`
	MeetingID int `json:"meeting_id" validate:"required,gt=0"`
	GroupID   int `json:"group_id" validate:"required,gt=0"`
}

func registerUserActions(r *Registry) {
	r.Register(&Definition{
		Name:       "user.create",
		Collection: "user",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &userCreatePayload{} },

		HistoryInformation: "Account created",

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			callerOML, err := c.Perms().OML(ctx, c.UserID())
			if err != nil {
				return err
			}
			if !callerOML.Covers(perm.OMLCanManageUsers) {
				return perm.NotAllowedf(perm.OMLCanManageUsers.String(),
					"creating users requires organization management level %s", perm.OMLCanManageUsers)
			}
			return ensureOMLDominates(callerOML, instance)
		},
	})

	r.Register(&Definition{
		Name:       "user.update",
		Collection: "user",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &userUpdatePayload{} },

		HistoryInformation: "Account updated",

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			callerOML, err := c.Perms().OML(ctx, c.UserID())
			if err != nil {
				return err
			}
			if !callerOML.Covers(perm.OMLCanManageUsers) {
				return perm.NotAllowedf(perm.OMLCanManageUsers.String(),
					"changing users requires organization management level %s", perm.OMLCanManageUsers)
			}

			// The caller's level must dominate the target's current level
			// as well as the level being assigned.
			target, err := c.DB().Get(ctx, fqid.New("user", instance.IntOr("id", 0)),
				[]string{"organization_management_level"}, datastore.GetOpts{})
			if err != nil {
				return err
			}
			targetOML := perm.ParseOML(target.Str("organization_management_level"))
			if !callerOML.Covers(targetOML) {
				return perm.NotAllowedf(targetOML.String(),
					"your organization management level is not high enough to change a user with level %s", targetOML)
			}
			return ensureOMLDominates(callerOML, instance)
		},
	})

	r.Register(&Definition{
		Name:       "user.delete",
		Collection: "user",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &userDeletePayload{} },

		HistoryInformation: "Account deleted",

		ValidateInstance: func(ctx context.Context, c *Context, instance Instance) error {
			if instance.IntOr("id", 0) == c.UserID() {
				return Errorf("You can not delete yourself.")
			}
			return nil
		},

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			callerOML, err := c.Perms().OML(ctx, c.UserID())
			if err != nil {
				return err
			}
			if !callerOML.Covers(perm.OMLCanManageUsers) {
				return perm.NotAllowedf(perm.OMLCanManageUsers.String(),
					"deleting users requires organization management level %s", perm.OMLCanManageUsers)
			}
			target, err := c.DB().Get(ctx, fqid.New("user", instance.IntOr("id", 0)),
				[]string{"organization_management_level"}, datastore.GetOpts{})
			if err != nil {
				return err
			}
			targetOML := perm.ParseOML(target.Str("organization_management_level"))
			if !callerOML.Covers(targetOML) {
				return perm.NotAllowedf(targetOML.String(),
					"your organization management level is not high enough to delete a user with level %s", targetOML)
			}
			return nil
		},
	})

	// Dispatched by group.delete for every member; the group membership
	// map is keyed by meeting and has no declared reverse relation.
	r.Register(&Definition{
		Name:       "user.remove_from_group",
		Collection: "user",
		Type:       TypeStackInternal,
		Operation:  OpUpdate,
		Schema:     func() any { return &userRemoveFromGroupPayload{} },

		UpdateInstance: func(ctx context.Context, c *Context, instance Instance) (Instance, error) {
			user, err := c.DB().Get(ctx, fqid.New("user", instance.IntOr("id", 0)),
				[]string{"meeting_group_ids"}, datastore.GetOpts{Lock: true})
			if err != nil {
				return nil, err
			}
			meetingKey := strconv.Itoa(instance.IntOr("meeting_id", 0))
			groupID := instance.IntOr("group_id", 0)

			groups, _ := user["meeting_group_ids"].(map[string]any)
			updated := make(map[string]any, len(groups))
			for key, value := range groups {
				if key != meetingKey {
					updated[key] = value
					continue
				}
				var kept []any
				for _, raw := range asList(value) {
					if id, ok := asInt(raw); !ok || id != groupID {
						kept = append(kept, raw)
					}
				}
				if len(kept) > 0 {
					updated[key] = kept
				}
			}

			delete(instance, "meeting_id")
			delete(instance, "group_id")
			instance["meeting_group_ids"] = updated
			return instance, nil
		},
	})
}

// ensureOMLDominates rejects assigning a management level above the
// caller's own.
func ensureOMLDominates(callerOML perm.OrganizationManagementLevel, instance Instance) error {
	assigned, present := instance["organization_management_level"]
	if !present || assigned == nil {
		return nil
	}
	level, _ := assigned.(string)
	newOML := perm.ParseOML(level)
	if !callerOML.Covers(newOML) {
		return perm.NotAllowedf(newOML.String(),
			"your organization management level is not high enough to grant level %s", newOML)
	}
	return nil
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
