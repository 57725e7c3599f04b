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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImplies(t *testing.T) {
	assert.True(t, MotionCanManage.Implies(MotionCanManage))
	assert.True(t, MotionCanManage.Implies(MotionCanCreate))
	assert.True(t, MotionCanManage.Implies(MotionCanSee), "transitive through can_create")
	assert.False(t, MotionCanSee.Implies(MotionCanManage))
	assert.False(t, MotionCanManage.Implies(UserCanSee))

	// A permission outside the catalog only implies itself.
	unknown := Permission("poll.can_vote")
	assert.False(t, unknown.Known())
	assert.True(t, unknown.Implies(unknown))
	assert.False(t, unknown.Implies(MotionCanSee))
}

func TestBuildClosure_RejectsCycles(t *testing.T) {
	_, err := buildClosure(map[Permission][]Permission{
		"a.x": {"a.y"},
		"a.y": {"a.z"},
		"a.z": {"a.x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildClosure_Diamond(t *testing.T) {
	// Diamonds are fine; only cycles are rejected.
	closure, err := buildClosure(map[Permission][]Permission{
		"a.top":   {"a.left", "a.right"},
		"a.left":  {"a.bottom"},
		"a.right": {"a.bottom"},
	})
	require.NoError(t, err)
	assert.True(t, closure["a.top"]["a.bottom"])
	assert.Len(t, closure["a.top"], 4)
}
