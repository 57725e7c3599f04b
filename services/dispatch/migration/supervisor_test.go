// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
)

// blockingMigration parks inside the position scan until released.
type blockingMigration struct {
	entered chan struct{}
	release chan struct{}
}

func (*blockingMigration) TargetMigrationIndex() int { return 2 }
func (*blockingMigration) Name() string              { return "0002_blocking" }

func (m *blockingMigration) MigrateModels(ctx context.Context, store *datastore.Store, st Stager) error {
	close(m.entered)
	<-m.release
	return nil
}

func blockedSupervisor(t *testing.T) (*Supervisor, *blockingMigration) {
	t.Helper()
	store := legacyStore(t)
	blocker := &blockingMigration{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine, err := NewEngine(store, []Migration{blocker}, nil)
	require.NoError(t, err)
	return NewSupervisor(engine, nil), blocker
}

func TestSupervisor_BusyWhileRunning(t *testing.T) {
	s, blocker := blockedSupervisor(t)
	ctx := context.Background()

	_, err := s.Command(ctx, "migrate")
	require.NoError(t, err)
	<-blocker.entered

	_, err = s.Command(ctx, "finalize")
	assert.ErrorIs(t, err, ErrMigrationBusy)
	_, err = s.Command(ctx, "reset")
	assert.ErrorIs(t, err, ErrMigrationBusy)
	_, err = s.Command(ctx, "clear-collectionfield-tables")
	assert.ErrorIs(t, err, ErrMigrationBusy)
	_, err = s.Command(ctx, "stats")
	assert.ErrorIs(t, err, ErrMigrationBusy)

	// Progress keeps working while the command runs.
	p := s.Progress()
	assert.Equal(t, "migration_running", p.State)
	assert.Equal(t, "migrate", p.Command)
	assert.Nil(t, p.Success)

	close(blocker.release)
	require.Eventually(t, func() bool {
		return s.Progress().State == "migration_finished"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_FinishedPayloadRetained(t *testing.T) {
	s, blocker := blockedSupervisor(t)
	ctx := context.Background()

	_, err := s.Command(ctx, "migrate")
	require.NoError(t, err)
	close(blocker.release)
	require.Eventually(t, func() bool {
		return s.Progress().State == "migration_finished"
	}, 5*time.Second, 10*time.Millisecond)

	// Every progress call after completion sees the result.
	for i := 0; i < 3; i++ {
		p := s.Progress()
		assert.Equal(t, "migration_finished", p.State)
		require.NotNil(t, p.Success)
		assert.True(t, *p.Success)
	}
}

func TestSupervisor_FailureSurfacesInProgress(t *testing.T) {
	store := legacyStore(t)
	engine, err := NewEngine(store, []Migration{failingMigration{}}, nil)
	require.NoError(t, err)
	s := NewSupervisor(engine, nil)

	_, err = s.Command(context.Background(), "migrate")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Progress().State == "migration_finished"
	}, 5*time.Second, 10*time.Millisecond)

	p := s.Progress()
	require.NotNil(t, p.Success)
	assert.False(t, *p.Success)
	assert.Contains(t, p.Error, "0002_broken")
}

func TestSupervisor_ShortCommands(t *testing.T) {
	store := legacyStore(t)
	engine, err := NewEngine(store, Default(), nil)
	require.NoError(t, err)
	s := NewSupervisor(engine, nil)
	ctx := context.Background()

	payload, err := s.Command(ctx, "stats")
	require.NoError(t, err)
	stats, ok := payload.(Stats)
	require.True(t, ok)
	assert.Equal(t, 1, stats.StoredIndex)

	payload, err = s.Command(ctx, "reset")
	require.NoError(t, err)
	out, ok := payload.(CommandOutput)
	require.True(t, ok)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"Discarded staged migration output."}, out.Output)

	payload, err = s.Command(ctx, "clear-collectionfield-tables")
	require.NoError(t, err)
	out, ok = payload.(CommandOutput)
	require.True(t, ok)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"Truncated the collectionfield tables."}, out.Output)

	_, err = s.Command(ctx, "levitate")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestSupervisor_ShortCommandKeepsFinishedOutput(t *testing.T) {
	store := legacyStore(t)
	engine, err := NewEngine(store, Default(), nil)
	require.NoError(t, err)
	s := NewSupervisor(engine, nil)
	ctx := context.Background()

	_, err = s.Command(ctx, "migrate")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.Progress().State == "migration_finished"
	}, 5*time.Second, 10*time.Millisecond)
	retained := s.Progress().Output
	require.NotEmpty(t, retained)

	// A short command keeps its output to itself; pollers still see the
	// finished migrate run unchanged.
	payload, err := s.Command(ctx, "reset")
	require.NoError(t, err)
	out, ok := payload.(CommandOutput)
	require.True(t, ok)
	assert.NotEmpty(t, out.Output)
	assert.Equal(t, retained, s.Progress().Output)
}
