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

type mediafileCreatePayload struct {
	Title    string `json:"title" validate:"required"`
	ParentID int    `json:"parent_id" validate:"omitempty,gt=0"`
}

type mediafilePublishPayload struct {
	ID        int   `json:"id" validate:"required,gt=0"`
	Published *bool `json:"is_published_to_meetings"`
}

type mediafileDeletePayload struct {
	ID int `json:"id" validate:"required,gt=0"`
}

func registerMediafileActions(r *Registry) {
	r.Register(&Definition{
		Name:       "mediafile.create",
		Collection: "mediafile",
		Type:       TypePublic,
		Operation:  OpCreate,
		Schema:     func() any { return &mediafileCreatePayload{} },

		CheckPermissions: requireOrganizationManager,
	})

	r.Register(&Definition{
		Name:       "mediafile.publish",
		Collection: "mediafile",
		Type:       TypePublic,
		Operation:  OpUpdate,
		Schema:     func() any { return &mediafilePublishPayload{} },

		CheckPermissions: requireOrganizationManager,

		// Publication is a property of the whole subtree: expand the
		// element into one update per descendant, visiting each node once
		// even when child links loop back. The flag itself is recorded on
		// the root only; descendants carry just the organization marker.
		UpdatedInstances: func(ctx context.Context, c *Context, instance Instance) ([]Instance, error) {
			publish := true
			if raw, present := instance["is_published_to_meetings"]; present {
				flag, _ := raw.(bool)
				publish = flag
			}
			var value any
			if publish {
				value = fqid.OrganizationID
			}

			rootID := instance.IntOr("id", 0)
			visited := map[int]bool{}
			queue := []int{rootID}
			var derived []Instance
			for len(queue) > 0 {
				id := queue[0]
				queue = queue[1:]
				if visited[id] {
					continue
				}
				visited[id] = true

				file, err := c.DB().Get(ctx, fqid.New("mediafile", id),
					[]string{"child_ids"}, datastore.GetOpts{Lock: true})
				if err != nil {
					return nil, err
				}
				update := Instance{
					"id": id,
					"published_to_meetings_in_organization_id": value,
				}
				if id == rootID {
					update["is_published_to_meetings"] = publish
				}
				derived = append(derived, update)
				queue = append(queue, file.IntList("child_ids")...)
			}
			return derived, nil
		},
	})

	r.Register(&Definition{
		Name:       "mediafile.delete",
		Collection: "mediafile",
		Type:       TypePublic,
		Operation:  OpDelete,
		Schema:     func() any { return &mediafileDeletePayload{} },

		CheckPermissions: requireOrganizationManager,
	})
}

// requireOrganizationManager gates organization-wide file management.
func requireOrganizationManager(ctx context.Context, c *Context, _ Instance) error {
	ok, err := c.Perms().HasOrganizationLevel(ctx, c.UserID(), perm.OMLCanManageOrganization)
	if err != nil {
		return err
	}
	if !ok {
		return perm.NotAllowedf(perm.OMLCanManageOrganization.String(),
			"managing organization files requires level %s", perm.OMLCanManageOrganization)
	}
	return nil
}
