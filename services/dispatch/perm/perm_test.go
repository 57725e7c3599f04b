// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// seed writes a set of models into a fresh in-memory store and returns an
// evaluator over it.
func seed(t *testing.T, models map[string]map[string]any) *Evaluator {
	t.Helper()
	store, err := datastore.Open(datastore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var events []datastore.Event
	for fq, fields := range models {
		events = append(events, datastore.NewCreateEvent(fqid.MustParse(fq), fields))
	}
	_, err = store.Write(context.Background(), datastore.WriteRequest{UserID: 1, Events: events})
	require.NoError(t, err)
	return NewEvaluator(store.NewSession())
}

func fixture(t *testing.T) *Evaluator {
	return seed(t, map[string]map[string]any{
		"meeting/1": {
			"admin_group_id":   2,
			"default_group_id": 1,
			"committee_id":     60,
			"enable_anonymous": false,
		},
		"meeting/2": {
			"admin_group_id":   5,
			"default_group_id": 4,
			"committee_id":     60,
			"enable_anonymous": true,
		},
		"meeting/3": {
			"admin_group_id":     7,
			"default_group_id":   6,
			"committee_id":       61,
			"locked_from_inside": true,
		},
		"group/1": {"meeting_id": 1, "permissions": []any{string(MotionCanSee)}},
		"group/2": {"meeting_id": 1, "permissions": []any{}},
		"group/3": {"meeting_id": 1, "permissions": []any{string(MotionCanManage)}},
		"group/4": {"meeting_id": 2, "permissions": []any{string(MotionCanSee)}},
		"group/5": {"meeting_id": 2, "permissions": []any{}},
		"group/6": {"meeting_id": 3, "permissions": []any{string(MotionCanManage)}},
		"group/7": {"meeting_id": 3, "permissions": []any{}},
		"group/8": {"meeting_id": 3, "permissions": []any{string(MeetingCanManageSettings)}},
		// Manager of group 3 in meeting 1: holds motion.can_manage.
		"user/10": {"meeting_group_ids": map[string]any{"1": []any{3}}},
		// Admin of meeting 1, no group permissions at all.
		"user/11": {"meeting_group_ids": map[string]any{"1": []any{2}}},
		// Superadmin without any group membership.
		"user/12": {"organization_management_level": "superadmin"},
		// Committee manager of committee 60.
		"user/13": {"committee_management_ids": []any{60}},
		// Orga manager.
		"user/14": {"organization_management_level": "can_manage_organization"},
		// Plain member of meeting 3 (locked) without settings permission.
		"user/15": {"meeting_group_ids": map[string]any{"3": []any{6}}},
		// Settings manager of meeting 3.
		"user/16": {"meeting_group_ids": map[string]any{"3": []any{8}}},
		// Unknown management level string.
		"user/17": {"organization_management_level": "something_new"},
	})
}

func TestHasPerm_DAGTransitivity(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	// motion.can_manage implies the weaker motion.can_see through
	// motion.can_create.
	ok, err := e.HasPerm(ctx, 10, MotionCanSee, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasPerm(ctx, 10, MotionCanCreate, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasPerm(ctx, 10, MotionCanManage, 1)
	require.NoError(t, err)
	assert.True(t, ok, "relation is reflexive")

	// The weaker permission never grants the stronger one.
	weak := seed(t, map[string]map[string]any{
		"meeting/1": {"admin_group_id": 9, "default_group_id": 1},
		"group/1":   {"meeting_id": 1, "permissions": []any{string(MotionCanSee)}},
		"user/1":    {"meeting_group_ids": map[string]any{"1": []any{1}}},
	})
	ok, err = weak.HasPerm(ctx, 1, MotionCanManage, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPerm_AdminImplication(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	for _, p := range []Permission{MotionCanManage, UserCanManage, MeetingCanManageSettings} {
		ok, err := e.HasPerm(ctx, 11, p, 1)
		require.NoError(t, err)
		assert.True(t, ok, "admin group member must hold %s", p)
	}

	isAdmin, err := e.IsAdmin(ctx, 11, 1)
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isAdmin, err = e.IsAdmin(ctx, 10, 1)
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestHasPerm_SuperadminImplication(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	for _, meetingID := range []int{1, 2, 3} {
		ok, err := e.HasPerm(ctx, 12, MotionCanManage, meetingID)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := e.HasCommitteeLevel(ctx, 12, 60, CMLCanManage)
	require.NoError(t, err)
	assert.True(t, ok)

	isAdmin, err := e.IsAdmin(ctx, 12, 1)
	require.NoError(t, err)
	assert.True(t, isAdmin)
}

func TestHasPerm_Anonymous(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	// Meeting 1 does not enable anonymous access.
	_, err := e.HasPerm(ctx, AnonymousUserID, MotionCanSee, 1)
	assert.True(t, IsNotAllowed(err))

	// Meeting 2 enables it; the default group carries motion.can_see.
	ok, err := e.HasPerm(ctx, AnonymousUserID, MotionCanSee, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasPerm(ctx, AnonymousUserID, MotionCanManage, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitteeLevel(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	ok, err := e.HasCommitteeLevel(ctx, 13, 60, CMLCanManage)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.HasCommitteeLevel(ctx, 13, 61, CMLCanManage)
	require.NoError(t, err)
	assert.False(t, ok)

	// can_manage_organization covers every committee.
	ok, err = e.HasCommitteeLevel(ctx, 14, 61, CMLCanManage)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckLockedMeeting(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	// Unlocked meetings admit everyone.
	assert.NoError(t, e.CheckLockedMeeting(ctx, 10, 1))

	// Locked meeting: plain members are rejected, settings managers and
	// superadmins pass.
	err := e.CheckLockedMeeting(ctx, 15, 3)
	assert.True(t, IsNotAllowed(err))
	assert.NoError(t, e.CheckLockedMeeting(ctx, 16, 3))
	assert.NoError(t, e.CheckLockedMeeting(ctx, 12, 3))
}

func TestOML_UnknownMapsToNoRight(t *testing.T) {
	e := fixture(t)
	ctx := context.Background()

	oml, err := e.OML(ctx, 17)
	require.NoError(t, err)
	assert.Equal(t, OMLNoRight, oml)

	ok, err := e.HasOrganizationLevel(ctx, 17, OMLCanManageUsers)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, OMLSuperadmin.Covers(OMLCanManageOrganization))
	assert.True(t, OMLCanManageOrganization.Covers(OMLCanManageUsers))
	assert.False(t, OMLCanManageUsers.Covers(OMLCanManageOrganization))
	assert.True(t, OMLNoRight.Covers(OMLNoRight))
	assert.True(t, CMLCanManage.Covers(CMLNoRight))
	assert.False(t, CMLNoRight.Covers(CMLCanManage))
}
