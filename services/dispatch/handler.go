// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/action"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/migration"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

// userIDHeader carries the authenticated principal. The auth service in
// front of this one strips and re-sets it; absence means anonymous.
const userIDHeader = "X-User-ID"

// actionRequest is one named write intent of a bundle.
type actionRequest struct {
	Action string           `json:"action" binding:"required"`
	Data   []map[string]any `json:"data" binding:"required"`
}

// actionResponse is the response envelope of the action routes.
type actionResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Results [][]action.Result `json:"results,omitempty"`
}

// Handlers contains the HTTP handlers of the dispatch service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleRequest processes one bundle atomically: all actions share one
// transaction and one position; the first error discards everything.
func (h *Handlers) HandleRequest(c *gin.Context) {
	h.handleBundle(c, false, true)
}

// HandleSeparately processes each action of the bundle in its own
// transaction: failures are per action, the others commit.
func (h *Handlers) HandleSeparately(c *gin.Context) {
	h.handleBundle(c, false, false)
}

// HandleInternalRequest is the atomic bundle route for backend-internal
// callers; internal action types are admitted.
func (h *Handlers) HandleInternalRequest(c *gin.Context) {
	h.handleBundle(c, true, true)
}

func (h *Handlers) handleBundle(c *gin.Context, internal, atomic bool) {
	start := time.Now()
	ctx := c.Request.Context()

	if err := h.svc.engine.CheckIndex(ctx); err != nil {
		h.fail(c, err)
		return
	}

	var bundle []actionRequest
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, actionResponse{
			Success: false,
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	userID := requestUserID(c)
	if atomic {
		results, err := h.processAtomic(ctx, userID, internal, bundle)
		if err != nil {
			h.fail(c, err)
			observeBundle(bundle, "error", time.Since(start))
			return
		}
		observeBundle(bundle, "ok", time.Since(start))
		c.JSON(http.StatusOK, actionResponse{Success: true, Results: results})
		return
	}

	results, firstErr := h.processSeparately(ctx, userID, internal, bundle)
	if firstErr != nil {
		observeBundle(bundle, "error", time.Since(start))
		c.JSON(errorStatus(firstErr), actionResponse{
			Success: false,
			Message: firstErr.Error(),
			Results: results,
		})
		return
	}
	observeBundle(bundle, "ok", time.Since(start))
	c.JSON(http.StatusOK, actionResponse{Success: true, Results: results})
}

// processAtomic runs the whole bundle in one transaction context and
// writes a single position.
func (h *Handlers) processAtomic(ctx context.Context, userID int, internal bool, bundle []actionRequest) ([][]action.Result, error) {
	ac := action.NewContext(h.svc.store, h.svc.registry, userID, internal, h.svc.logger)
	results := make([][]action.Result, 0, len(bundle))
	for _, req := range bundle {
		def, err := h.svc.registry.Lookup(req.Action)
		if err != nil {
			return nil, err
		}
		if err := admissible(def, internal); err != nil {
			return nil, err
		}
		elements := make([]action.Instance, len(req.Data))
		for i, data := range req.Data {
			elements[i] = action.Instance(data)
		}
		res, err := ac.Execute(ctx, def, elements)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if len(ac.Events()) > 0 {
		if _, err := h.svc.store.Write(ctx, ac.WriteRequest()); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// processSeparately gives every action its own transaction and position.
// Each action commits or fails independently: a failure leaves a nil
// results slot and the remaining actions still run. The first error is
// returned for the response status and message.
func (h *Handlers) processSeparately(ctx context.Context, userID int, internal bool, bundle []actionRequest) ([][]action.Result, error) {
	results := make([][]action.Result, len(bundle))
	var firstErr error
	for i, req := range bundle {
		res, err := h.processAtomic(ctx, userID, internal, []actionRequest{req})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[i] = res[0]
	}
	return results, firstErr
}

// HandleMigrations dispatches supervisor commands.
func (h *Handlers) HandleMigrations(c *gin.Context) {
	var body struct {
		Cmd string `json:"cmd" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body: " + err.Error()})
		return
	}

	payload, err := h.svc.supervisor.Command(c.Request.Context(), body.Cmd)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, migration.ErrMigrationBusy) && !errors.Is(err, migration.ErrUnknownCommand) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, payload)
}

// HandleHealth reports liveness: the store must answer and the stored
// migration index must be current.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if err := h.svc.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// fail writes the error envelope with the status of the error class.
func (h *Handlers) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.svc.logger.Error("request failed",
			"request_id", c.GetString(requestIDKey), "error", err)
	}
	c.JSON(status, actionResponse{Success: false, Message: err.Error()})
}

// errorStatus maps the error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case perm.IsNotAllowed(err):
		return http.StatusForbidden
	case action.IsUserError(err), errors.Is(err, datastore.ErrDatastoreLocked):
		return http.StatusBadRequest
	}
	var notFound datastore.ModelDoesNotExistError
	if errors.As(err, &notFound) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// admissible checks the route admission of an action type.
func admissible(def *action.Definition, internal bool) error {
	switch def.Type {
	case action.TypeBackendInternal:
		if !internal {
			return action.Errorf("Action %s is backend internal.", def.Name)
		}
	case action.TypeStackInternal:
		return action.Errorf("Action %s can only be dispatched by other actions.", def.Name)
	}
	return nil
}

// requestUserID reads the authenticated principal from the request;
// anonymous when absent or malformed.
func requestUserID(c *gin.Context) int {
	raw := c.GetHeader(userIDHeader)
	if raw == "" {
		return perm.AnonymousUserID
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return perm.AnonymousUserID
	}
	return id
}
