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
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Position is one committed atomic write: an ordered event sequence plus
// the metadata the write request carried.
type Position struct {
	Position     int64               `json:"position"`
	UserID       int                 `json:"user_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Events       []Event             `json:"events"`
	Information  map[string][]string `json:"information,omitempty"`
	LockedFields map[string]int64    `json:"locked_fields,omitempty"`
}

// WriteRequest is the input of one commit.
type WriteRequest struct {
	// UserID is the principal on whose behalf the events were produced.
	UserID int

	// Events is the ordered event sequence of the position.
	Events []Event

	// Information maps fqid strings to history lines.
	Information map[string][]string

	// LockedFields maps fqid strings to the position at which the caller
	// observed them. The write is rejected when any of those models has
	// advanced past the recorded position.
	LockedFields map[string]int64
}

// Write commits one position atomically.
//
// Description:
//
//	Validates the optimistic locks, applies every event to the model
//	projections in order, maintains the collection-field index tables,
//	appends the position record to the log and bumps the position
//	counter. All inside one transaction; any failure leaves the store
//	untouched.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	req - The write request. Must contain at least one event.
//
// Outputs:
//
//	int64 - The committed position number.
//	error - ErrDatastoreLocked when a lock was violated, ErrInvalidEvent
//	        when an event contradicts the projection state, wrapped store
//	        errors otherwise.
func (s *Store) Write(ctx context.Context, req WriteRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(req.Events) == 0 {
		return 0, fmt.Errorf("write request without events")
	}

	var committed int64
	err := s.db.Update(func(txn *badger.Txn) error {
		for fq, lockedAt := range req.LockedFields {
			f, err := fqid.Parse(fq)
			if err != nil {
				return fmt.Errorf("locked field %q: %w", fq, err)
			}
			model, err := readModel(txn, f)
			if err != nil {
				return err
			}
			if model != nil && model.Position() > lockedAt {
				return fmt.Errorf("%w: %s changed at position %d, locked at %d",
					ErrDatastoreLocked, fq, model.Position(), lockedAt)
			}
		}

		last, err := readMaxPosition(txn)
		if err != nil {
			return err
		}
		position := last + 1

		// Events within one position may touch the same model repeatedly;
		// track projections locally so later events observe earlier ones.
		touched := map[string]Model{}
		load := func(f fqid.FQID) (Model, error) {
			if m, ok := touched[f.String()]; ok {
				return m, nil
			}
			m, err := readModel(txn, f)
			if err != nil {
				return nil, err
			}
			if m != nil {
				touched[f.String()] = m
			}
			return m, nil
		}

		originals := map[string]Model{}
		for _, e := range req.Events {
			model, err := load(e.FQID)
			if err != nil {
				return err
			}
			if _, seen := originals[e.FQID.String()]; !seen {
				if model == nil {
					originals[e.FQID.String()] = nil
				} else {
					originals[e.FQID.String()] = model.Clone()
				}
			}

			switch e.Kind {
			case EventCreate:
				if model != nil {
					return fmt.Errorf("%w: create of existing model %s", ErrInvalidEvent, e.FQID)
				}
				model = Model{"id": e.FQID.ID}
				touched[e.FQID.String()] = model
			case EventUpdate:
				if model == nil {
					return fmt.Errorf("%w: update of missing model %s", ErrInvalidEvent, e.FQID)
				}
				if model.Deleted() {
					return fmt.Errorf("%w: update of deleted model %s", ErrInvalidEvent, e.FQID)
				}
			case EventDelete:
				if model == nil {
					return fmt.Errorf("%w: delete of missing model %s", ErrInvalidEvent, e.FQID)
				}
				if model.Deleted() {
					return fmt.Errorf("%w: delete of deleted model %s", ErrInvalidEvent, e.FQID)
				}
			case EventRestore:
				if model == nil {
					return fmt.Errorf("%w: restore of missing model %s", ErrInvalidEvent, e.FQID)
				}
				if !model.Deleted() {
					return fmt.Errorf("%w: restore of live model %s", ErrInvalidEvent, e.FQID)
				}
			default:
				return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
			}

			if err := model.Apply(e, position); err != nil {
				return err
			}
		}

		for fq, model := range touched {
			f, err := fqid.Parse(fq)
			if err != nil {
				return err
			}
			if err := setJSON(txn, modelKey(f), model); err != nil {
				return fmt.Errorf("write model %s: %w", fq, err)
			}
			old := originals[fq]
			if old == nil {
				old = Model{}
			}
			if err := updateIndexEntries(txn, f, old, model); err != nil {
				return fmt.Errorf("index model %s: %w", fq, err)
			}
		}

		record := Position{
			Position:     position,
			UserID:       req.UserID,
			Timestamp:    Now().UTC(),
			Events:       req.Events,
			Information:  req.Information,
			LockedFields: req.LockedFields,
		}
		if err := setJSON(txn, positionKey(position), record); err != nil {
			return fmt.Errorf("append position %d: %w", position, err)
		}
		if err := writeMaxPosition(txn, position); err != nil {
			return err
		}
		committed = position
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("position committed",
		"position", committed,
		"user_id", req.UserID,
		"events", len(req.Events))
	return committed, nil
}
