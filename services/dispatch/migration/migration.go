// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration brings the persisted event log forward through
// numbered migrations. Migrations stage their output next to the live
// data; a separate finalize step promotes it atomically and advances the
// stored migration index.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// ErrMisconfiguredMigrations rejects a registration set whose indices do
// not form a contiguous range starting right after the initial index.
var ErrMisconfiguredMigrations = errors.New("misconfigured migrations")

// ErrMigrationBusy rejects a long-running command while another one is
// still in flight.
var ErrMigrationBusy = errors.New("migration already running")

// ErrUnknownCommand rejects a supervisor command name outside the known
// set.
var ErrUnknownCommand = errors.New("unknown migration command")

// Migration is one numbered schema change.
type Migration interface {
	// TargetMigrationIndex is the index the store reaches once this
	// migration is finalized.
	TargetMigrationIndex() int
	// Name is the unique migration tag, e.g. "0002_archive_meetings".
	Name() string
}

// Stager is the staging surface handed to migrations. Everything staged
// is invisible to readers until finalize promotes it.
type Stager interface {
	// StageModel merges the given fields into the staged patch for the
	// model; a nil field value removes the field at promote time.
	StageModel(ctx context.Context, f fqid.FQID, fields map[string]any) error
}

// EventMigration rewrites the position log. MigratePosition returns the
// replacement events for one position, or nil when the position is
// untouched.
type EventMigration interface {
	Migration
	MigratePosition(ctx context.Context, store *datastore.Store, st Stager, pos datastore.Position) ([]datastore.Event, error)
}

// ModelMigration patches the model projections in bulk.
type ModelMigration interface {
	Migration
	MigrateModels(ctx context.Context, store *datastore.Store, st Stager) error
}

// finisher is an optional hook for event migrations that accumulate
// state across the position scan.
type finisher interface {
	Finish(ctx context.Context, store *datastore.Store, st Stager) error
}

// IndexError reports a store whose migration index does not match the
// binary's target index, in either direction.
type IndexError struct {
	Stored int
	Target int
}

// Error implements error.
func (e IndexError) Error() string {
	if e.Stored > e.Target {
		return fmt.Sprintf("Migration index %d is ahead of the supported index %d.", e.Stored, e.Target)
	}
	return fmt.Sprintf("Missing %d migrations to apply.", e.Target-e.Stored)
}

// Error wraps a failure inside one migration; staged output up to the
// failure is retained for inspection.
type Error struct {
	Migration string
	Err       error
}

// Error implements error.
func (e Error) Error() string {
	return fmt.Sprintf("migration %s: %v", e.Migration, e.Err)
}

// Unwrap exposes the cause.
func (e Error) Unwrap() error {
	return e.Err
}
