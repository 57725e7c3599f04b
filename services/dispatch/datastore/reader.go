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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// GetOpts modifies the behaviour of Get and GetMany.
type GetOpts struct {
	// Lock records the observed position of the fqid in the session's
	// locked-fields set, enabling optimistic concurrency at commit time.
	Lock bool

	// NoRaise suppresses ModelDoesNotExistError; a nil model is returned
	// instead.
	NoRaise bool
}

// GetManyRequest names one batch entry of GetMany.
type GetManyRequest struct {
	FQID   fqid.FQID
	Fields []string
}

// Gateway is the read-only datastore contract consumed by actions.
type Gateway interface {
	Get(ctx context.Context, f fqid.FQID, fields []string, opts GetOpts) (Model, error)
	GetMany(ctx context.Context, reqs []GetManyRequest, opts GetOpts) (map[string]map[int]Model, error)
	Filter(ctx context.Context, collection string, filter Filter, fields []string) (map[int]Model, error)
	Exists(ctx context.Context, collection string, filter Filter) (bool, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)
}

// Session is a per-request view on the store. It implements Gateway and
// records optimistic locks for the request's eventual write.
//
// Thread Safety: a Session belongs to one request pipeline which is single
// threaded; the internal mutex only guards against accidental sharing.
type Session struct {
	store *Store

	mu     sync.Mutex
	locked map[string]int64
}

// NewSession opens a read session on the store.
func (s *Store) NewSession() *Session {
	return &Session{store: s, locked: make(map[string]int64)}
}

// LockedFields returns a copy of the recorded locks for the write request.
func (s *Session) LockedFields() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.locked))
	for k, v := range s.locked {
		out[k] = v
	}
	return out
}

func (s *Session) recordLock(f fqid.FQID, position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locked[f.String()]; !ok || position < existing {
		s.locked[f.String()] = position
	}
}

// Get reads one model.
//
// Description:
//
//	Loads the projection of f and restricts it to the requested fields.
//	Deleted models count as missing. With opts.Lock the observed
//	position is recorded for optimistic concurrency.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	f - The model to read.
//	fields - Field projection; empty means all fields.
//	opts - Lock and error behaviour.
//
// Outputs:
//
//	Model - The projected model, or nil with opts.NoRaise on a miss.
//	error - ModelDoesNotExistError on a miss unless opts.NoRaise.
func (s *Session) Get(ctx context.Context, f fqid.FQID, fields []string, opts GetOpts) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var model Model
	err := s.store.db.View(func(txn *badger.Txn) error {
		m, err := readModel(txn, f)
		if err != nil {
			return err
		}
		model = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatastoreUnavailable, err)
	}
	if model == nil || model.Deleted() {
		if opts.NoRaise {
			return nil, nil
		}
		return nil, DoesNotExist(f)
	}
	if opts.Lock {
		s.recordLock(f, model.Position())
	}
	return model.Project(fields), nil
}

// GetMany reads a batch of models, grouped by collection then id.
//
// Error semantics match Get per entry: the first missing model fails the
// batch unless opts.NoRaise, in which case it is skipped.
func (s *Session) GetMany(ctx context.Context, reqs []GetManyRequest, opts GetOpts) (map[string]map[int]Model, error) {
	out := make(map[string]map[int]Model)
	for _, req := range reqs {
		model, err := s.Get(ctx, req.FQID, req.Fields, opts)
		if err != nil {
			return nil, err
		}
		if model == nil {
			continue
		}
		byID := out[req.FQID.Collection]
		if byID == nil {
			byID = make(map[int]Model)
			out[req.FQID.Collection] = byID
		}
		byID[req.FQID.ID] = model
	}
	return out, nil
}

// Filter returns all live models of a collection matching the predicate.
//
// A plain equality leaf is served from the collection-field index tables;
// every other shape scans the collection. Filter never locks.
func (s *Session) Filter(ctx context.Context, collection string, filter Filter, fields []string) (map[int]Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[int]Model)

	if field, value, ok := equalityFastPath(filter); ok {
		if enc, scalar := indexValue(value); scalar {
			ids, err := s.store.indexLookup(collection, field, enc)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				model, err := s.Get(ctx, fqid.New(collection, id), fields, GetOpts{NoRaise: true})
				if err != nil {
					return nil, err
				}
				// Index entries can be stale after a truncate; re-check.
				if model != nil && filter.Match(model) {
					out[id] = model
				}
			}
			if len(out) > 0 {
				return out, nil
			}
			// Fall through to the scan: an empty index may mean the
			// tables were truncated.
		}
	}

	err := s.store.scanCollection(ctx, collection, func(id int, model Model) error {
		if model.Deleted() {
			return nil
		}
		if filter.Match(model) {
			out[id] = model.Project(fields)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether any live model of the collection matches.
func (s *Session) Exists(ctx context.Context, collection string, filter Filter) (bool, error) {
	n, err := s.Count(ctx, collection, filter)
	return n > 0, err
}

// Count counts live models of the collection matching the predicate.
func (s *Session) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	models, err := s.Filter(ctx, collection, filter, []string{"id"})
	if err != nil {
		return 0, err
	}
	return len(models), nil
}

// indexLookup resolves the ids listed under one idx/ prefix.
func (s *Store) indexLookup(collection, field, value string) ([]int, error) {
	prefix := indexPrefix(collection, field, value)
	var ids []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			idPart := key[strings.LastIndexByte(key, '/')+1:]
			id, err := strconv.Atoi(idPart)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatastoreUnavailable, err)
	}
	sort.Ints(ids)
	return ids, nil
}

// ScanCollection iterates all live projections of one collection,
// deleted models included. Bulk consumers (migrations) use this instead
// of Filter to avoid predicate overhead.
func (s *Store) ScanCollection(ctx context.Context, collection string, fn func(int, Model) error) error {
	return s.scanCollection(ctx, collection, fn)
}

// scanCollection iterates all projections of one collection.
func (s *Store) scanCollection(ctx context.Context, collection string, fn func(int, Model) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte(prefixModel + collection + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id, err := strconv.Atoi(key[len(prefix):])
			if err != nil {
				continue
			}
			var model Model
			err = it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &model)
			})
			if err != nil {
				return fmt.Errorf("decode model %s: %w", key, err)
			}
			if err := fn(id, model); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}
