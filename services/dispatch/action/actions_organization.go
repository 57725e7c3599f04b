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

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

type organizationUpdatePayload struct {
	ID                     int     `json:"id" validate:"required,eq=1"`
	Name                   *string `json:"name"`
	Description            *string `json:"description"`
	DefaultLanguage        *string `json:"default_language"`
	LegalNotice            *string `json:"legal_notice"`
	EnableElectronicVoting *bool   `json:"enable_electronic_voting"`
}

// superadminOrganizationFields may only be changed by superadmins.
var superadminOrganizationFields = map[string]bool{
	"enable_electronic_voting": true,
}

func registerOrganizationActions(r *Registry) {
	r.Register(&Definition{
		Name:       "organization.update",
		Collection: "organization",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &organizationUpdatePayload{} },

		CheckPermissions: func(ctx context.Context, c *Context, instance Instance) error {
			required := perm.OMLCanManageOrganization
			for field := range instance {
				if superadminOrganizationFields[field] {
					required = perm.OMLSuperadmin
				}
			}
			ok, err := c.Perms().HasOrganizationLevel(ctx, c.UserID(), required)
			if err != nil {
				return err
			}
			if !ok {
				return perm.NotAllowedf(required.String(),
					"changing the organization requires level %s", required)
			}
			return nil
		},

		ValidateInstance: func(ctx context.Context, c *Context, instance Instance) error {
			if instance.IntOr("id", 0) != fqid.OrganizationID {
				return Errorf("There is exactly one organization, id %d", fqid.OrganizationID)
			}
			return nil
		},
	})
}
