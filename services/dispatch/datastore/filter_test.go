// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterOperator_Equality(t *testing.T) {
	m := Model{"meeting_id": 4, "title": "X", "active": true}

	assert.True(t, FilterOperator{"meeting_id", OpEqual, 4}.Match(m))
	assert.True(t, FilterOperator{"meeting_id", OpEqual, float64(4)}.Match(m))
	assert.False(t, FilterOperator{"meeting_id", OpEqual, 5}.Match(m))
	assert.True(t, FilterOperator{"meeting_id", OpNotEqual, 5}.Match(m))
	assert.True(t, FilterOperator{"title", OpEqual, "X"}.Match(m))
	assert.True(t, FilterOperator{"active", OpEqual, true}.Match(m))

	// Absent field equals nil.
	assert.True(t, FilterOperator{"missing", OpEqual, nil}.Match(m))
	assert.True(t, FilterOperator{"missing", OpNotEqual, 1}.Match(m))
}

func TestFilterOperator_Ordering(t *testing.T) {
	m := Model{"weight": 10, "name": "bbb"}

	assert.True(t, FilterOperator{"weight", OpGreater, 5}.Match(m))
	assert.True(t, FilterOperator{"weight", OpGreaterEqual, 10}.Match(m))
	assert.False(t, FilterOperator{"weight", OpLess, 10}.Match(m))
	assert.True(t, FilterOperator{"weight", OpLessEqual, 10}.Match(m))
	assert.True(t, FilterOperator{"name", OpGreater, "aaa"}.Match(m))
	assert.False(t, FilterOperator{"name", OpLess, "aaa"}.Match(m))

	// Ordering against a missing field never matches.
	assert.False(t, FilterOperator{"missing", OpLess, 1}.Match(m))
}

func TestFilterCombinators(t *testing.T) {
	m := Model{"meeting_id": 4, "state": "draft"}

	f := And{
		FilterOperator{"meeting_id", OpEqual, 4},
		Or{
			FilterOperator{"state", OpEqual, "draft"},
			FilterOperator{"state", OpEqual, "submitted"},
		},
	}
	assert.True(t, f.Match(m))

	assert.False(t, Not{f}.Match(m))
	assert.True(t, And{}.Match(m))
	assert.False(t, Or{}.Match(m))
}

func TestEqualityFastPath(t *testing.T) {
	field, value, ok := equalityFastPath(FilterOperator{"meeting_id", OpEqual, 4})
	assert.True(t, ok)
	assert.Equal(t, "meeting_id", field)
	assert.Equal(t, 4, value)

	_, _, ok = equalityFastPath(FilterOperator{"meeting_id", OpLess, 4})
	assert.False(t, ok)
	_, _, ok = equalityFastPath(And{FilterOperator{"meeting_id", OpEqual, 4}})
	assert.False(t, ok)
}
