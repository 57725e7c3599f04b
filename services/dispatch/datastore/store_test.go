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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWrite_CreateAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pos, err := store.Write(ctx, WriteRequest{
		UserID: 1,
		Events: []Event{
			NewCreateEvent(fqid.MustParse("motion/5"), map[string]any{
				"title": "T", "meeting_id": 1, "text": "hello",
			}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	model, err := store.NewSession().Get(ctx, fqid.MustParse("motion/5"), nil, GetOpts{})
	require.NoError(t, err)
	assert.Equal(t, "T", model.Str("title"))
	assert.Equal(t, 1, model.IntOr("meeting_id", 0))
	assert.Equal(t, int64(1), model.Position())
	assert.False(t, model.Deleted())
	assert.Equal(t, 5, model.IntOr("id", 0))
}

func TestWrite_PositionsIncrease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		pos, err := store.Write(ctx, WriteRequest{
			UserID: 1,
			Events: []Event{NewCreateEvent(fqid.New("motion", i), map[string]any{"title": "x"})},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), pos)
	}

	max, err := store.MaxPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)

	var seen []int64
	require.NoError(t, store.ScanPositions(ctx, func(p Position) error {
		seen = append(seen, p.Position)
		return nil
	}))
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestWrite_CreateConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, WriteRequest{
		UserID: 1,
		Events: []Event{NewCreateEvent(fqid.MustParse("motion/5"), map[string]any{"title": "a"})},
	})
	require.NoError(t, err)

	_, err = store.Write(ctx, WriteRequest{
		UserID: 1,
		Events: []Event{NewCreateEvent(fqid.MustParse("motion/5"), map[string]any{"title": "b"})},
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	// The failed write must not have advanced the position.
	max, err := store.MaxPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), max)
}

func TestWrite_AtomicRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, WriteRequest{
		UserID: 1,
		Events: []Event{
			NewCreateEvent(fqid.MustParse("motion/1"), map[string]any{"title": "keep out"}),
			NewUpdateEvent(fqid.MustParse("meeting/99"), map[string]any{"name": "missing"}),
		},
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	// Nothing from the failed position is visible.
	_, err = store.NewSession().Get(ctx, fqid.MustParse("motion/1"), nil, GetOpts{})
	assert.True(t, IsNotFound(err))
}

func TestWrite_DeleteAndRestore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	f := fqid.MustParse("motion/1")

	_, err := store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewCreateEvent(f, map[string]any{"title": "a"}),
	}})
	require.NoError(t, err)

	_, err = store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{NewDeleteEvent(f)}})
	require.NoError(t, err)

	session := store.NewSession()
	_, err = session.Get(ctx, f, nil, GetOpts{})
	assert.True(t, IsNotFound(err), "deleted model reads as missing")

	// No update or delete on a deleted model.
	_, err = store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewUpdateEvent(f, map[string]any{"title": "b"}),
	}})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{NewDeleteEvent(f)}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{NewRestoreEvent(f)}})
	require.NoError(t, err)

	model, err := store.NewSession().Get(ctx, f, nil, GetOpts{})
	require.NoError(t, err)
	assert.Equal(t, "a", model.Str("title"))
}

func TestWrite_LockedFieldsRejectStaleWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	f := fqid.MustParse("motion/1")

	_, err := store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewCreateEvent(f, map[string]any{"title": "a"}),
	}})
	require.NoError(t, err)

	// Observe with lock at position 1.
	session := store.NewSession()
	_, err = session.Get(ctx, f, nil, GetOpts{Lock: true})
	require.NoError(t, err)
	locked := session.LockedFields()
	assert.Equal(t, int64(1), locked[f.String()])

	// A concurrent write advances the model.
	_, err = store.Write(ctx, WriteRequest{UserID: 2, Events: []Event{
		NewUpdateEvent(f, map[string]any{"title": "b"}),
	}})
	require.NoError(t, err)

	// The stale write is rejected.
	_, err = store.Write(ctx, WriteRequest{
		UserID:       1,
		Events:       []Event{NewUpdateEvent(f, map[string]any{"title": "c"})},
		LockedFields: locked,
	})
	assert.ErrorIs(t, err, ErrDatastoreLocked)

	model, err := store.NewSession().Get(ctx, f, nil, GetOpts{})
	require.NoError(t, err)
	assert.Equal(t, "b", model.Str("title"))
}

func TestSession_GetManyAndProjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewCreateEvent(fqid.MustParse("motion/1"), map[string]any{"title": "a", "text": "long"}),
		NewCreateEvent(fqid.MustParse("meeting/1"), map[string]any{"name": "m"}),
	}})
	require.NoError(t, err)

	got, err := store.NewSession().GetMany(ctx, []GetManyRequest{
		{FQID: fqid.MustParse("motion/1"), Fields: []string{"title"}},
		{FQID: fqid.MustParse("meeting/1"), Fields: []string{"name"}},
	}, GetOpts{})
	require.NoError(t, err)

	motion := got["motion"][1]
	require.NotNil(t, motion)
	assert.Equal(t, "a", motion.Str("title"))
	_, hasText := motion["text"]
	assert.False(t, hasText, "projection must drop unrequested fields")
	assert.Equal(t, "m", got["meeting"][1].Str("name"))

	// Missing entry fails the batch unless NoRaise.
	_, err = store.NewSession().GetMany(ctx, []GetManyRequest{
		{FQID: fqid.MustParse("motion/77")},
	}, GetOpts{})
	assert.True(t, IsNotFound(err))

	got, err = store.NewSession().GetMany(ctx, []GetManyRequest{
		{FQID: fqid.MustParse("motion/77")},
	}, GetOpts{NoRaise: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSession_FilterExistsCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewCreateEvent(fqid.MustParse("motion/1"), map[string]any{"meeting_id": 1, "title": "a"}),
		NewCreateEvent(fqid.MustParse("motion/2"), map[string]any{"meeting_id": 1, "title": "b"}),
		NewCreateEvent(fqid.MustParse("motion/3"), map[string]any{"meeting_id": 2, "title": "c"}),
	}})
	require.NoError(t, err)

	session := store.NewSession()
	byMeeting := FilterOperator{"meeting_id", OpEqual, 1}

	models, err := session.Filter(ctx, "motion", byMeeting, []string{"title"})
	require.NoError(t, err)
	assert.Len(t, models, 2)

	n, err := session.Count(ctx, "motion", byMeeting)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := session.Exists(ctx, "motion", FilterOperator{"meeting_id", OpEqual, 9})
	require.NoError(t, err)
	assert.False(t, ok)

	// Filter survives a truncate of the rebuildable index tables.
	require.NoError(t, store.TruncateCollectionFieldTables(ctx))
	n, err = store.NewSession().Count(ctx, "motion", byMeeting)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReserveIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids, err := store.ReserveIDs(ctx, "motion", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	ids, err = store.ReserveIDs(ctx, "motion", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, ids)

	// Sequences are per collection.
	ids, err = store.ReserveIDs(ctx, "user", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)

	_, err = store.ReserveIDs(ctx, "user", 0)
	assert.Error(t, err)
}

func TestMigrationMeta_Defaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta, err := store.GetMigrationMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, InitialMigrationIndex, meta.StoredIndex)
	assert.True(t, meta.Finalized)

	require.NoError(t, store.SetMigrationMeta(ctx, MigrationMeta{StoredIndex: 4, Finalized: false}))
	meta, err = store.GetMigrationMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.StoredIndex)
	assert.False(t, meta.Finalized)
}

func TestAuxStagingAndPromote(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, WriteRequest{UserID: 1, Events: []Event{
		NewCreateEvent(fqid.MustParse("meeting/1"), map[string]any{"name": "m"}),
	}})
	require.NoError(t, err)

	has, err := store.HasAuxData(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	// Stage a rewritten position and a model patch.
	var original Position
	require.NoError(t, store.ScanPositions(ctx, func(p Position) error {
		original = p
		return nil
	}))
	rewritten := original
	rewritten.Events = append(rewritten.Events, NewUpdateEvent(
		fqid.MustParse("meeting/1"), map[string]any{"is_active_in_organization_id": 1}))
	require.NoError(t, store.WriteAuxPosition(ctx, rewritten))
	require.NoError(t, store.WriteAuxModel(ctx, fqid.MustParse("meeting/1"),
		map[string]any{"is_active_in_organization_id": 1}))

	has, err = store.HasAuxData(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.PromoteAux(ctx, 2))

	// The live log now carries the rewritten events and the projection
	// the staged field; staging is gone and the index advanced.
	var events int
	require.NoError(t, store.ScanPositions(ctx, func(p Position) error {
		events = len(p.Events)
		return nil
	}))
	assert.Equal(t, 2, events)

	model, err := store.NewSession().Get(ctx, fqid.MustParse("meeting/1"), nil, GetOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, model.IntOr("is_active_in_organization_id", 0))

	meta, err := store.GetMigrationMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.StoredIndex)
	assert.True(t, meta.Finalized)

	has, err = store.HasAuxData(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestModel_ApplyListOps(t *testing.T) {
	m := Model{"id": 1, "motion_ids": []any{1, 2}}
	e := NewListUpdateEvent(fqid.MustParse("meeting/1"),
		map[string][]any{"motion_ids": {3}},
		map[string][]any{"motion_ids": {1}})
	require.NoError(t, m.Apply(e, 7))
	assert.ElementsMatch(t, []int{2, 3}, m.IntList("motion_ids"))
	assert.Equal(t, int64(7), m.Position())
}

func TestModel_NilFieldDeletes(t *testing.T) {
	m := Model{"id": 1, "title": "x"}
	e := NewUpdateEvent(fqid.MustParse("motion/1"), map[string]any{"title": nil})
	require.NoError(t, m.Apply(e, 2))
	_, ok := m["title"]
	assert.False(t, ok)
}
