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
)

type committeeCreatePayload struct {
	Name                  string `json:"name" validate:"required"`
	Description           string `json:"description"`
	ForwardToCommitteeIDs []int  `json:"forward_to_committee_ids" validate:"dive,gt=0"`
}

type committeeUpdatePayload struct {
	ID                    int     `json:"id" validate:"required,gt=0"`
	Name                  *string `json:"name"`
	Description           *string `json:"description"`
	ForwardToCommitteeIDs []int   `json:"forward_to_committee_ids" validate:"dive,gt=0"`
	ManagerIDs            []int   `json:"manager_ids" validate:"dive,gt=0"`
}

type committeeDeletePayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

func registerCommitteeActions(r *Registry) {
	r.Register(&Definition{
		Name:       "committee.create",
		Collection: "committee",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &committeeCreatePayload{} },

		CheckPermissions: requireOrganizationManager,
	})

	r.Register(&Definition{
		Name:       "committee.update",
		Collection: "committee",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &committeeUpdatePayload{} },

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			// Forwarding edges and manager grants touch other committees
			// and users; plain committee managers may only edit metadata.
			if _, present := instance["forward_to_committee_ids"]; present {
				return requireOrganizationManager(ctx, c, instance)
			}
			if _, present := instance["manager_ids"]; present {
				return requireOrganizationManager(ctx, c, instance)
			}
			return ensureCommitteeManager(ctx, c, instance.IntOr("id", 0))
		},
	})

	r.Register(&Definition{
		Name:       "committee.delete",
		Collection: "committee",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &committeeDeletePayload{} },

		CheckPermissions: requireOrganizationManager,
	})
}
