// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command backend starts the action dispatch server.
//
// The server accepts action bundles, runs them through the dispatch
// pipeline and commits the resulting events to the embedded model
// store.
//
// Usage:
//
//	go run ./cmd/backend
//	go run ./cmd/backend -port 9002 -db data/dispatch
//
// Example requests:
//
//	# Health check
//	curl http://localhost:9002/system/action/health
//
//	# Create a motion
//	curl -X POST http://localhost:9002/system/action/handle_request \
//	  -H "Content-Type: application/json" \
//	  -H "X-User-ID: 7" \
//	  -d '[{"action": "motion.create", "data": [{"title": "A motion", "meeting_id": 1}]}]'
//
//	# Migration stats (internal route)
//	curl -X POST http://localhost:9002/internal/migrations \
//	  -H "Authorization: $DISPATCH_INTERNAL_SECRET" \
//	  -d '{"cmd": "stats"}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/OpenSlides/openslides-backend-sub001/pkg/logging"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch"
)

func main() {
	cfg := dispatch.ConfigFromEnv()
	port := flag.Int("port", cfg.Port, "Port to listen on")
	dbPath := flag.String("db", cfg.DBPath, "Datastore directory")
	inMemory := flag.Bool("in-memory", cfg.InMemory, "Run without disk persistence")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg.Port = *port
	cfg.DBPath = *dbPath
	cfg.InMemory = *inMemory

	logger := logging.Default("dispatch")
	if *debug {
		gin.SetMode(gin.DebugMode)
		logger = logging.New(logging.Config{Service: "dispatch", Text: true})
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, *debug, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg dispatch.Config, debug bool, logger *slog.Logger) error {
	svc, err := dispatch.NewService(cfg, logger)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	dispatch.RegisterRoutes(router, dispatch.NewHandlers(svc), cfg.InternalSecret)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting dispatch server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down dispatch server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
