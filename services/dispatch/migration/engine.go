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
	"fmt"
	"log/slog"
	"sort"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Engine applies registered migrations against one store.
//
// Thread Safety: Engine itself is stateless between calls; concurrent
// calls are serialized by the Supervisor, never by the Engine.
type Engine struct {
	store      *datastore.Store
	migrations []Migration
	logger     *slog.Logger
	output     func(string)
}

// NewEngine validates the registration set and builds an engine.
//
// Description:
//
//	The migration indices must form the contiguous range starting right
//	after datastore.InitialMigrationIndex, with unique names. Gaps,
//	duplicates or indices at or below the initial index are refused
//	with ErrMisconfiguredMigrations.
//
// Inputs:
//
//	store - The store to migrate.
//	migrations - The registration set, any order.
//	logger - Structured logger; nil uses slog.Default().
func NewEngine(store *datastore.Store, migrations []Migration, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TargetMigrationIndex() < sorted[j].TargetMigrationIndex()
	})

	names := map[string]bool{}
	for i, m := range sorted {
		want := datastore.InitialMigrationIndex + 1 + i
		if m.TargetMigrationIndex() != want {
			return nil, fmt.Errorf("%w: migration %s has index %d, expected %d",
				ErrMisconfiguredMigrations, m.Name(), m.TargetMigrationIndex(), want)
		}
		if names[m.Name()] {
			return nil, fmt.Errorf("%w: duplicate migration name %s", ErrMisconfiguredMigrations, m.Name())
		}
		names[m.Name()] = true
	}
	return &Engine{store: store, migrations: sorted, logger: logger}, nil
}

// SetOutput installs a line sink for progress reporting.
func (e *Engine) SetOutput(fn func(string)) {
	e.output = fn
}

// TargetIndex is the migration index this binary expects.
func (e *Engine) TargetIndex() int {
	if len(e.migrations) == 0 {
		return datastore.InitialMigrationIndex
	}
	return e.migrations[len(e.migrations)-1].TargetMigrationIndex()
}

// CheckIndex verifies the stored index matches the target. A store
// ahead of the binary is as unusable as one behind it: the data was
// written by a newer migration set.
func (e *Engine) CheckIndex(ctx context.Context) error {
	meta, err := e.store.GetMigrationMeta(ctx)
	if err != nil {
		return err
	}
	if meta.StoredIndex != e.TargetIndex() {
		return IndexError{Stored: meta.StoredIndex, Target: e.TargetIndex()}
	}
	return nil
}

// StageModel implements Stager on top of the store's staging area.
func (e *Engine) StageModel(ctx context.Context, f fqid.FQID, fields map[string]any) error {
	return e.store.WriteAuxModel(ctx, f, fields)
}

// Migrate stages all pending migrations. The stored index is untouched;
// Finalize promotes the staged output.
//
// Description:
//
//	Staging always starts from a clean slate so repeated runs are
//	deterministic. Event migrations share one pass over the position
//	log, composed in index order per position; model migrations run
//	afterwards in index order. A failure inside a migration halts the
//	run with a wrapped Error and retains the staging area.
func (e *Engine) Migrate(ctx context.Context) error {
	meta, err := e.store.GetMigrationMeta(ctx)
	if err != nil {
		return err
	}
	pending := e.pending(meta.StoredIndex)
	if len(pending) == 0 {
		e.printf("No migrations to apply.")
		return nil
	}
	if err := e.store.ClearAux(ctx); err != nil {
		return err
	}

	var eventMigs []EventMigration
	var modelMigs []ModelMigration
	for _, m := range pending {
		switch typed := m.(type) {
		case EventMigration:
			eventMigs = append(eventMigs, typed)
		case ModelMigration:
			modelMigs = append(modelMigs, typed)
		default:
			return fmt.Errorf("%w: migration %s is neither an event nor a model migration",
				ErrMisconfiguredMigrations, m.Name())
		}
	}

	if len(eventMigs) > 0 {
		for _, m := range eventMigs {
			e.printf("Staging event migration %s ...", m.Name())
		}
		err := e.store.ScanPositions(ctx, func(pos datastore.Position) error {
			changed := false
			for _, m := range eventMigs {
				out, err := m.MigratePosition(ctx, e.store, e, pos)
				if err != nil {
					return Error{Migration: m.Name(), Err: err}
				}
				if out != nil {
					pos.Events = out
					changed = true
				}
			}
			if !changed {
				return nil
			}
			return e.store.WriteAuxPosition(ctx, pos)
		})
		if err != nil {
			return err
		}
		for _, m := range eventMigs {
			if f, ok := m.(finisher); ok {
				if err := f.Finish(ctx, e.store, e); err != nil {
					return Error{Migration: m.Name(), Err: err}
				}
			}
		}
	}

	for _, m := range modelMigs {
		e.printf("Staging model migration %s ...", m.Name())
		if err := m.MigrateModels(ctx, e.store, e); err != nil {
			return Error{Migration: m.Name(), Err: err}
		}
	}
	e.printf("Staged %d migrations.", len(pending))
	return nil
}

// Finalize stages pending migrations and promotes the output, advancing
// the stored index to the target. Idempotent when nothing is pending.
func (e *Engine) Finalize(ctx context.Context) error {
	if err := e.Migrate(ctx); err != nil {
		return err
	}
	if err := e.store.PromoteAux(ctx, e.TargetIndex()); err != nil {
		return err
	}
	e.printf("Finalized migrations, stored index is now %d.", e.TargetIndex())
	return nil
}

// ClearCollectionfieldTables drops the rebuildable field index tables.
func (e *Engine) ClearCollectionfieldTables(ctx context.Context) error {
	if err := e.store.TruncateCollectionFieldTables(ctx); err != nil {
		return err
	}
	e.printf("Truncated the collectionfield tables.")
	return nil
}

// Reset discards all staged output.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.ClearAux(ctx); err != nil {
		return err
	}
	e.printf("Discarded staged migration output.")
	return nil
}

// Stats describes the migration state of the store.
type Stats struct {
	StoredIndex       int      `json:"stored_index"`
	TargetIndex       int      `json:"target_index"`
	Pending           int      `json:"pending"`
	PendingMigrations []string `json:"pending_migrations"`
	Finalized         bool     `json:"finalized"`
	Staged            bool     `json:"staged"`
}

// Stats reports stored vs target index, the pending migration count and
// names, and whether staged output exists.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	meta, err := e.store.GetMigrationMeta(ctx)
	if err != nil {
		return Stats{}, err
	}
	staged, err := e.store.HasAuxData(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		StoredIndex:       meta.StoredIndex,
		TargetIndex:       e.TargetIndex(),
		PendingMigrations: []string{},
		Finalized:         meta.Finalized,
		Staged:            staged,
	}
	for _, m := range e.pending(meta.StoredIndex) {
		stats.PendingMigrations = append(stats.PendingMigrations, m.Name())
	}
	stats.Pending = len(stats.PendingMigrations)
	return stats, nil
}

func (e *Engine) pending(storedIndex int) []Migration {
	var out []Migration
	for _, m := range e.migrations {
		if m.TargetMigrationIndex() > storedIndex {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if e.output != nil {
		e.output(line)
	}
	e.logger.Info(line)
}
