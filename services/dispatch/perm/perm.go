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
	"fmt"
	"strconv"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// AnonymousUserID is the principal id of unauthenticated requests.
const AnonymousUserID = 0

// Evaluator decides whether a principal may perform an operation. It reads
// user, meeting and group models through the datastore gateway; permission
// reads never take optimistic locks.
//
// Thread Safety: Evaluator is stateless apart from the gateway; safe for
// concurrent use when the gateway is.
type Evaluator struct {
	gw datastore.Gateway
}

// NewEvaluator builds an evaluator over the given gateway.
func NewEvaluator(gw datastore.Gateway) *Evaluator {
	return &Evaluator{gw: gw}
}

// OML returns the organization management level of a user. The anonymous
// user has no level.
func (e *Evaluator) OML(ctx context.Context, userID int) (OrganizationManagementLevel, error) {
	if userID == AnonymousUserID {
		return OMLNoRight, nil
	}
	user, err := e.user(ctx, userID)
	if err != nil {
		return OMLNoRight, err
	}
	return ParseOML(user.Str("organization_management_level")), nil
}

// HasOrganizationLevel reports whether the user holds at least level.
func (e *Evaluator) HasOrganizationLevel(ctx context.Context, userID int, level OrganizationManagementLevel) (bool, error) {
	oml, err := e.OML(ctx, userID)
	if err != nil {
		return false, err
	}
	return oml.Covers(level), nil
}

// CommitteeLevel returns the user's level on one committee.
//
// An organization level of at least can_manage_organization is treated as
// can_manage on every committee.
func (e *Evaluator) CommitteeLevel(ctx context.Context, userID, committeeID int) (CommitteeManagementLevel, error) {
	if userID == AnonymousUserID {
		return CMLNoRight, nil
	}
	user, err := e.user(ctx, userID)
	if err != nil {
		return CMLNoRight, err
	}
	if ParseOML(user.Str("organization_management_level")).Covers(OMLCanManageOrganization) {
		return CMLCanManage, nil
	}
	for _, id := range user.IntList("committee_management_ids") {
		if id == committeeID {
			return CMLCanManage, nil
		}
	}
	return CMLNoRight, nil
}

// HasCommitteeLevel reports whether the user holds at least level on the
// committee.
func (e *Evaluator) HasCommitteeLevel(ctx context.Context, userID, committeeID int, level CommitteeManagementLevel) (bool, error) {
	cml, err := e.CommitteeLevel(ctx, userID, committeeID)
	if err != nil {
		return false, err
	}
	return cml.Covers(level), nil
}

// HasPerm reports whether the user holds p in the meeting.
//
// Description:
//
//	True when any of the following holds:
//	  - the user is superadmin at organization scope,
//	  - the user belongs to the meeting's admin group,
//	  - the user belongs to a group whose permissions imply p,
//	  - the user is anonymous, the meeting enables anonymous access and
//	    the default group's permissions imply p.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	userID - The principal; AnonymousUserID for unauthenticated access.
//	p - The requested permission.
//	meetingID - The meeting scope.
//
// Outputs:
//
//	bool - Whether the permission is held.
//	error - NotAllowedError for anonymous access to a meeting that does
//	        not enable it; wrapped datastore errors otherwise.
func (e *Evaluator) HasPerm(ctx context.Context, userID int, p Permission, meetingID int) (bool, error) {
	meeting, err := e.meeting(ctx, meetingID)
	if err != nil {
		return false, err
	}

	if userID == AnonymousUserID {
		if !meeting.Bool("enable_anonymous") {
			return false, NotAllowedf(string(p), "anonymous access is not enabled in meeting %d", meetingID)
		}
		defaultGroup, _ := meeting.Int("default_group_id")
		return e.groupGrants(ctx, defaultGroup, p)
	}

	user, err := e.user(ctx, userID)
	if err != nil {
		return false, err
	}
	if ParseOML(user.Str("organization_management_level")) == OMLSuperadmin {
		return true, nil
	}

	adminGroupID, _ := meeting.Int("admin_group_id")
	groupIDs := meetingGroupIDs(user, meetingID)
	for _, groupID := range groupIDs {
		if groupID == adminGroupID {
			return true, nil
		}
	}
	for _, groupID := range groupIDs {
		granted, err := e.groupGrants(ctx, groupID, p)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// EnsurePerm fails with a NotAllowedError when the permission is missing.
func (e *Evaluator) EnsurePerm(ctx context.Context, userID int, p Permission, meetingID int) error {
	ok, err := e.HasPerm(ctx, userID, p, meetingID)
	if err != nil {
		return err
	}
	if !ok {
		return NotAllowed(p)
	}
	return nil
}

// IsAdmin reports whether the user belongs to the meeting's admin group or
// is superadmin.
func (e *Evaluator) IsAdmin(ctx context.Context, userID, meetingID int) (bool, error) {
	if userID == AnonymousUserID {
		return false, nil
	}
	user, err := e.user(ctx, userID)
	if err != nil {
		return false, err
	}
	if ParseOML(user.Str("organization_management_level")) == OMLSuperadmin {
		return true, nil
	}
	meeting, err := e.meeting(ctx, meetingID)
	if err != nil {
		return false, err
	}
	adminGroupID, ok := meeting.Int("admin_group_id")
	if !ok {
		return false, nil
	}
	for _, groupID := range meetingGroupIDs(user, meetingID) {
		if groupID == adminGroupID {
			return true, nil
		}
	}
	return false, nil
}

// CheckLockedMeeting enforces the locked-meeting rule: when the meeting
// has locked_from_inside, only superadmins and holders of
// meeting.can_manage_settings in the meeting may proceed.
func (e *Evaluator) CheckLockedMeeting(ctx context.Context, userID, meetingID int) error {
	meeting, err := e.meeting(ctx, meetingID)
	if err != nil {
		return err
	}
	if !meeting.Bool("locked_from_inside") {
		return nil
	}
	ok, err := e.HasOrganizationLevel(ctx, userID, OMLSuperadmin)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ok, err = e.HasPerm(ctx, userID, MeetingCanManageSettings, meetingID)
	if err != nil {
		return err
	}
	if !ok {
		return NotAllowedf(string(MeetingCanManageSettings), "meeting %d is locked from the inside", meetingID)
	}
	return nil
}

// groupGrants reports whether the group's declared permissions imply p.
func (e *Evaluator) groupGrants(ctx context.Context, groupID int, p Permission) (bool, error) {
	if groupID == 0 {
		return false, nil
	}
	group, err := e.gw.Get(ctx, fqid.New("group", groupID), []string{"permissions"}, datastore.GetOpts{NoRaise: true})
	if err != nil {
		return false, err
	}
	if group == nil {
		return false, nil
	}
	raw, _ := group["permissions"].([]any)
	for _, entry := range raw {
		granted, ok := entry.(string)
		if !ok {
			continue
		}
		if Permission(granted).Implies(p) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) user(ctx context.Context, userID int) (datastore.Model, error) {
	user, err := e.gw.Get(ctx, fqid.New("user", userID),
		[]string{"organization_management_level", "committee_management_ids", "meeting_group_ids"},
		datastore.GetOpts{})
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return user, nil
}

func (e *Evaluator) meeting(ctx context.Context, meetingID int) (datastore.Model, error) {
	meeting, err := e.gw.Get(ctx, fqid.New("meeting", meetingID),
		[]string{"admin_group_id", "default_group_id", "enable_anonymous", "locked_from_inside", "committee_id"},
		datastore.GetOpts{})
	if err != nil {
		return nil, fmt.Errorf("load meeting %d: %w", meetingID, err)
	}
	return meeting, nil
}

// meetingGroupIDs extracts the user's group ids for one meeting from the
// meeting_group_ids mapping, which is keyed by the meeting id.
func meetingGroupIDs(user datastore.Model, meetingID int) []int {
	mapping, ok := user["meeting_group_ids"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := mapping[strconv.Itoa(meetingID)].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}
