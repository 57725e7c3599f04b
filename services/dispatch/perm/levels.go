// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perm evaluates the three permission scopes of the system:
// organization management levels, committee management levels and
// per-meeting group permissions arranged in a DAG.
package perm

// OrganizationManagementLevel is the coarse organization-wide scope. The
// levels are totally ordered; an unknown string maps to OMLNoRight.
type OrganizationManagementLevel int

const (
	OMLNoRight OrganizationManagementLevel = iota
	OMLCanManageUsers
	OMLCanManageOrganization
	OMLSuperadmin
)

// Wire values of the organization management level field.
const (
	omlCanManageUsersStr        = "can_manage_users"
	omlCanManageOrganizationStr = "can_manage_organization"
	omlSuperadminStr            = "superadmin"
)

// ParseOML maps the stored string onto a level. Unknown values map to
// OMLNoRight.
func ParseOML(s string) OrganizationManagementLevel {
	switch s {
	case omlCanManageUsersStr:
		return OMLCanManageUsers
	case omlCanManageOrganizationStr:
		return OMLCanManageOrganization
	case omlSuperadminStr:
		return OMLSuperadmin
	}
	return OMLNoRight
}

// String renders the wire value of the level.
func (l OrganizationManagementLevel) String() string {
	switch l {
	case OMLCanManageUsers:
		return omlCanManageUsersStr
	case OMLCanManageOrganization:
		return omlCanManageOrganizationStr
	case OMLSuperadmin:
		return omlSuperadminStr
	}
	return "no_right"
}

// Covers reports whether level l grants at least the rights of other.
func (l OrganizationManagementLevel) Covers(other OrganizationManagementLevel) bool {
	return l >= other
}

// CommitteeManagementLevel is the coarse per-committee scope.
type CommitteeManagementLevel int

const (
	CMLNoRight CommitteeManagementLevel = iota
	CMLCanManage
)

// Covers reports whether level l grants at least the rights of other.
func (l CommitteeManagementLevel) Covers(other CommitteeManagementLevel) bool {
	return l >= other
}
