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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

func TestMergeUpdates_ScalarLaterWins(t *testing.T) {
	f := fqid.MustParse("motion/5")
	first := NewUpdateEvent(f, map[string]any{"title": "old", "text": "body"})
	second := NewUpdateEvent(f, map[string]any{"title": "new"})

	merged, err := MergeUpdates(first, second)
	require.NoError(t, err)
	assert.Equal(t, "new", merged.Fields["title"])
	assert.Equal(t, "body", merged.Fields["text"])
}

func TestMergeUpdates_ListOpsCompose(t *testing.T) {
	f := fqid.MustParse("meeting/1")
	first := NewListUpdateEvent(f, map[string][]any{"motion_ids": {1, 2}}, nil)
	second := NewListUpdateEvent(f, map[string][]any{"motion_ids": {3}}, map[string][]any{"motion_ids": {2}})

	merged, err := MergeUpdates(first, second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{1, 3}, merged.ListFields.Add["motion_ids"])
	assert.ElementsMatch(t, []any{2}, merged.ListFields.Remove["motion_ids"])
}

func TestMergeUpdates_RemoveThenAddReAdds(t *testing.T) {
	f := fqid.MustParse("meeting/1")
	first := NewListUpdateEvent(f, nil, map[string][]any{"motion_ids": {7}})
	second := NewListUpdateEvent(f, map[string][]any{"motion_ids": {7}}, nil)

	merged, err := MergeUpdates(first, second)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{7}, merged.ListFields.Add["motion_ids"])
	assert.Empty(t, merged.ListFields.Remove)
}

func TestMergeUpdates_Mismatch(t *testing.T) {
	a := NewUpdateEvent(fqid.MustParse("motion/1"), nil)
	b := NewUpdateEvent(fqid.MustParse("motion/2"), nil)
	_, err := MergeUpdates(a, b)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = MergeUpdates(a, NewDeleteEvent(fqid.MustParse("motion/1")))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	e := NewUpdateEvent(fqid.MustParse("motion/12"), map[string]any{"title": "T"})
	e.ListFields = ListFields{Add: map[string][]any{"tag_ids": {1}}}

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"fqid":"motion/12"`)
	assert.Contains(t, string(raw), `"type":"update"`)

	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, e.Kind, back.Kind)
	assert.Equal(t, e.FQID, back.FQID)
	assert.Equal(t, "T", back.Fields["title"])
	require.Len(t, back.ListFields.Add["tag_ids"], 1)
}

func TestEvent_UnmarshalRejectsBadFQID(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"create","fqid":"nope"}`), &e)
	assert.Error(t, err)
}
