// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datastore implements the versioned key-value model store.
//
// The store keeps four families of data in one embedded BadgerDB:
//
//	model/<collection>/<id>      materialised model projections
//	pos/<n>                      append-only position log (zero padded n)
//	seq/<collection>             per-collection id sequences
//	meta/...                     position counter and migration metadata
//	idx/<collection>/<field>/... rebuildable collection-field index tables
//	aux/...                      staging area for the migration engine
//
// Reads go through per-request sessions that record optimistic locks;
// writes go through Write which validates those locks and commits one
// position atomically.
package datastore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Key prefixes. Segments are joined with '/'; position numbers are zero
// padded so lexicographic order equals numeric order.
const (
	prefixModel    = "model/"
	prefixPosition = "pos/"
	prefixSequence = "seq/"
	prefixIndex    = "idx/"
	prefixAux      = "aux/"

	keyMetaPosition  = "meta/position"
	keyMetaMigration = "meta/migration"
)

// Config holds configuration for the store.
type Config struct {
	// Path is the directory for the BadgerDB files. Required unless
	// InMemory is set.
	Path string

	// InMemory opens the store without disk persistence. For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives store level log records. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: no disk, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the process-wide handle on the model store.
//
// Thread Safety: Store is safe for concurrent use. Atomicity of writes is
// provided by BadgerDB transactions; optimistic locking happens on top via
// the per-request sessions.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (and if necessary creates) the store.
//
// Description:
//
//	Opens a BadgerDB at the configured path, or in memory. Creates the
//	directory when missing.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close() it.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable. Used by the health route.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyMetaPosition))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatastoreUnavailable, err)
	}
	return nil
}

func modelKey(f fqid.FQID) []byte {
	return []byte(prefixModel + f.Collection + "/" + strconv.Itoa(f.ID))
}

func positionKey(p int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPosition, p))
}

func auxPositionKey(p int64) []byte {
	return []byte(fmt.Sprintf("%spos/%020d", prefixAux, p))
}

func auxModelKey(f fqid.FQID) []byte {
	return []byte(prefixAux + "model/" + f.Collection + "/" + strconv.Itoa(f.ID))
}

func sequenceKey(collection string) []byte {
	return []byte(prefixSequence + collection)
}

// indexValue renders a scalar field value into a stable key segment.
// Non-scalar values are not indexed.
func indexValue(v any) (string, bool) {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64, json.Number:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64), true
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return "", false
}

func indexKey(collection, field, value string, id int) []byte {
	return []byte(prefixIndex + collection + "/" + field + "/" + value + "/" + strconv.Itoa(id))
}

func indexPrefix(collection, field, value string) []byte {
	return []byte(prefixIndex + collection + "/" + field + "/" + value + "/")
}

// getJSON loads and decodes one key inside a transaction. Returns
// badger.ErrKeyNotFound untouched so callers can branch on it.
func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, src any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

// readModel loads one projection inside a transaction; nil when missing.
func readModel(txn *badger.Txn, f fqid.FQID) (Model, error) {
	var m Model
	err := getJSON(txn, modelKey(f), &m)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", f, err)
	}
	return m, nil
}

// MaxPosition returns the position number of the latest commit, 0 when the
// store is empty.
func (s *Store) MaxPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var pos int64
	err := s.db.View(func(txn *badger.Txn) error {
		p, err := readMaxPosition(txn)
		pos = p
		return err
	})
	return pos, err
}

func readMaxPosition(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(keyMetaPosition))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var pos int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt position counter")
		}
		pos = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return pos, err
}

func writeMaxPosition(txn *badger.Txn, pos int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(pos))
	return txn.Set([]byte(keyMetaPosition), buf)
}

// MigrationMeta is the persisted migration metadata.
type MigrationMeta struct {
	StoredIndex int  `json:"stored_migration_index"`
	Finalized   bool `json:"finalized"`
}

// InitialMigrationIndex is the index of a freshly initialised store.
const InitialMigrationIndex = 1

// GetMigrationMeta reads the migration metadata; a fresh store reports
// the initial index as finalized.
func (s *Store) GetMigrationMeta(ctx context.Context) (MigrationMeta, error) {
	if err := ctx.Err(); err != nil {
		return MigrationMeta{}, err
	}
	meta := MigrationMeta{StoredIndex: InitialMigrationIndex, Finalized: true}
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, []byte(keyMetaMigration), &meta)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return MigrationMeta{}, fmt.Errorf("read migration meta: %w", err)
	}
	return meta, nil
}

// SetMigrationMeta writes the migration metadata.
func (s *Store) SetMigrationMeta(ctx context.Context, meta MigrationMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(keyMetaMigration), meta)
	})
}

// ReserveIDs allocates n fresh ids for a collection.
//
// Description:
//
//	Bumps the per-collection sequence atomically and returns the newly
//	reserved ids in ascending order. Reserved ids are never reused, even
//	when the position that consumed them is rejected.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	collection - The collection to allocate for.
//	n - How many ids to reserve. Must be positive.
//
// Outputs:
//
//	[]int - The reserved ids.
//	error - Non-nil on store failure.
func (s *Store) ReserveIDs(ctx context.Context, collection string, n int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("reserve ids: n must be positive, got %d", n)
	}
	var ids []int
	err := s.db.Update(func(txn *badger.Txn) error {
		last := 0
		err := getJSON(txn, sequenceKey(collection), &last)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		ids = make([]int, n)
		for i := range ids {
			last++
			ids[i] = last
		}
		return setJSON(txn, sequenceKey(collection), last)
	})
	if err != nil {
		return nil, fmt.Errorf("reserve %d ids for %s: %w", n, collection, err)
	}
	return ids, nil
}

// ScanPositions streams the position log in ascending order.
//
// The callback may return a non-nil error to stop the scan; that error is
// returned unchanged.
func (s *Store) ScanPositions(ctx context.Context, fn func(Position) error) error {
	return s.scanPositionPrefix(ctx, []byte(prefixPosition), fn)
}

// ScanAuxPositions streams the staged position log in ascending order.
func (s *Store) ScanAuxPositions(ctx context.Context, fn func(Position) error) error {
	return s.scanPositionPrefix(ctx, []byte(prefixAux+"pos/"), fn)
}

func (s *Store) scanPositionPrefix(ctx context.Context, prefix []byte, fn func(Position) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var pos Position
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &pos)
			})
			if err != nil {
				return fmt.Errorf("decode position %s: %w", it.Item().Key(), err)
			}
			if err := fn(pos); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteAuxPosition stages one rewritten position for the migration engine.
func (s *Store) WriteAuxPosition(ctx context.Context, pos Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, auxPositionKey(pos.Position), pos)
	})
}

// WriteAuxModel stages one model update for the migration engine. Staged
// fields are merged into the live model at finalize time.
func (s *Store) WriteAuxModel(ctx context.Context, f fqid.FQID, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		staged := map[string]any{}
		err := getJSON(txn, auxModelKey(f), &staged)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for k, v := range fields {
			staged[k] = v
		}
		return setJSON(txn, auxModelKey(f), staged)
	})
}

// HasAuxData reports whether any staged migration output exists.
func (s *Store) HasAuxData(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAux)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(opts.Prefix)
		found = it.ValidForPrefix(opts.Prefix)
		return nil
	})
	return found, err
}

// ClearAux drops all staged migration output.
func (s *Store) ClearAux(ctx context.Context) error {
	return s.dropPrefix(ctx, []byte(prefixAux))
}

// TruncateCollectionFieldTables drops the rebuildable index tables. The
// next write or migration finalize rebuilds affected entries.
func (s *Store) TruncateCollectionFieldTables(ctx context.Context) error {
	return s.dropPrefix(ctx, []byte(prefixIndex))
}

func (s *Store) dropPrefix(ctx context.Context, prefix []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropPrefix(prefix)
}

// PromoteAux swaps staged migration output into place.
//
// Description:
//
//	Copies every staged position over its live counterpart, merges staged
//	model fields into the live projections, rebuilds affected index
//	entries, advances the stored migration index and clears the staging
//	area. All of it runs in one transaction.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	targetIndex - The migration index to record after the swap.
//
// Outputs:
//
//	error - Non-nil if the swap fails; nothing is promoted then.
func (s *Store) PromoteAux(ctx context.Context, targetIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		// Staged positions replace their live counterparts.
		type kv struct {
			key []byte
			val []byte
		}
		var staged []kv
		var stagedModels []kv
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixAux)
		it := txn.NewIterator(opts)
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			rest := key[len(prefixAux):]
			switch {
			case len(rest) > 4 && string(rest[:4]) == "pos/":
				staged = append(staged, kv{key: append([]byte(prefixPosition), rest[4:]...), val: val})
			case len(rest) > 6 && string(rest[:6]) == "model/":
				stagedModels = append(stagedModels, kv{key: rest[6:], val: val})
			}
		}
		it.Close()

		for _, entry := range staged {
			if err := txn.Set(entry.key, entry.val); err != nil {
				return err
			}
		}
		for _, entry := range stagedModels {
			f, err := fqid.Parse(string(entry.key))
			if err != nil {
				return fmt.Errorf("staged model key %q: %w", entry.key, err)
			}
			var fields map[string]any
			if err := json.Unmarshal(entry.val, &fields); err != nil {
				return fmt.Errorf("staged model %s: %w", f, err)
			}
			model, err := readModel(txn, f)
			if err != nil {
				return err
			}
			if model == nil {
				continue // model vanished since staging; skip
			}
			old := model.Clone()
			for k, v := range fields {
				if v == nil {
					delete(model, k)
					continue
				}
				model[k] = v
			}
			if err := setJSON(txn, modelKey(f), model); err != nil {
				return err
			}
			if err := updateIndexEntries(txn, f, old, model); err != nil {
				return err
			}
		}

		meta := MigrationMeta{StoredIndex: InitialMigrationIndex, Finalized: true}
		err := getJSON(txn, []byte(keyMetaMigration), &meta)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		meta.StoredIndex = targetIndex
		meta.Finalized = true
		return setJSON(txn, []byte(keyMetaMigration), meta)
	})
	if err != nil {
		return fmt.Errorf("promote staged migration output: %w", err)
	}
	// Staging is dropped outside the write transaction; DropPrefix needs
	// exclusive access.
	if err := s.ClearAux(ctx); err != nil {
		return fmt.Errorf("clear staging after promote: %w", err)
	}
	s.logger.Info("migration output promoted", "target_index", targetIndex)
	return nil
}

// updateIndexEntries refreshes the idx/ entries for fields whose value
// changed between old and new.
func updateIndexEntries(txn *badger.Txn, f fqid.FQID, old, updated Model) error {
	for field, value := range updated {
		if field == MetaPosition || field == MetaDeleted {
			continue
		}
		oldVal, hadOld := old[field]
		if hadOld && valueEqual(oldVal, value) {
			continue
		}
		if hadOld {
			if enc, ok := indexValue(oldVal); ok {
				if err := txn.Delete(indexKey(f.Collection, field, enc, f.ID)); err != nil {
					return err
				}
			}
		}
		if enc, ok := indexValue(value); ok {
			if err := txn.Set(indexKey(f.Collection, field, enc, f.ID), nil); err != nil {
				return err
			}
		}
	}
	for field, oldVal := range old {
		if field == MetaPosition || field == MetaDeleted {
			continue
		}
		if _, still := updated[field]; still {
			continue
		}
		if enc, ok := indexValue(oldVal); ok {
			if err := txn.Delete(indexKey(f.Collection, field, enc, f.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Now is the clock used for position timestamps. Swappable in tests.
var Now = time.Now
