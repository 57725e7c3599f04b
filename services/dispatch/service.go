// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch is the action dispatch service: it accepts bundles of
// named write intents over HTTP, runs them through the action pipeline
// and commits the resulting events to the versioned model store.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/action"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/migration"
)

// Config holds the service configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port int

	// DBPath is the datastore directory; ignored when InMemory is set.
	DBPath string

	// InMemory runs the datastore without disk persistence.
	InMemory bool

	// InternalSecret authenticates the internal routes. Empty disables
	// them entirely.
	InternalSecret string
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Port:   9002,
		DBPath: "data/dispatch",
	}
}

// ConfigFromEnv reads the configuration from DISPATCH_* variables,
// falling back to the defaults.
//
// Recognized variables:
//
//	DISPATCH_PORT - Listen port.
//	DISPATCH_DB_PATH - Datastore directory.
//	DISPATCH_DB_IN_MEMORY - "1" or "true" for a volatile store.
//	DISPATCH_INTERNAL_SECRET - Shared secret of the internal routes.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("DISPATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("DISPATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DISPATCH_DB_IN_MEMORY"); v == "1" || v == "true" {
		cfg.InMemory = true
	}
	cfg.InternalSecret = os.Getenv("DISPATCH_INTERNAL_SECRET")
	return cfg
}

// Service bundles the store, the action catalog and the migration
// machinery behind the HTTP surface.
type Service struct {
	cfg        Config
	store      *datastore.Store
	registry   *action.Registry
	engine     *migration.Engine
	supervisor *migration.Supervisor
	logger     *slog.Logger
}

// NewService opens the store and assembles the service.
//
// Inputs:
//
//	cfg - The service configuration.
//	logger - Structured logger; nil uses slog.Default().
//
// Outputs:
//
//	*Service - The ready service; callers own Close().
//	error - Store open or migration registration failures.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storeCfg := datastore.DefaultConfig(cfg.DBPath)
	if cfg.InMemory {
		storeCfg = datastore.InMemoryConfig()
	}
	storeCfg.Logger = logger
	store, err := datastore.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}

	engine, err := migration.NewEngine(store, migration.Default(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		store:      store,
		registry:   action.Builtin(),
		engine:     engine,
		supervisor: migration.NewSupervisor(engine, logger),
		logger:     logger,
	}, nil
}

// Store returns the underlying datastore.
func (s *Service) Store() *datastore.Store {
	return s.store
}

// Engine returns the migration engine.
func (s *Service) Engine() *migration.Engine {
	return s.engine
}

// Ready reports whether the service can accept action requests.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.engine.CheckIndex(ctx)
}

// Close releases the datastore.
func (s *Service) Close() error {
	return s.store.Close()
}
