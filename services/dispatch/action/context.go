// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"context"
	"log/slog"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/datastore"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/perm"
)

// maxDispatchDepth bounds nested action dispatch. The catalog never nests
// anywhere near this deep; the guard turns a programming error into a
// clean failure instead of unbounded recursion.
const maxDispatchDepth = 50

// Context threads one transaction through the pipeline. It accumulates
// the ordered event buffer, the per-fqid history lines and the optimistic
// locks; nested dispatch through ExecuteOtherAction shares all of it.
//
// Thread Safety: a Context belongs to one request and is used from one
// goroutine only.
type Context struct {
	store    *datastore.Store
	session  *datastore.Session
	perms    *perm.Evaluator
	registry *Registry
	logger   *slog.Logger

	userID   int
	internal bool
	depth    int

	events  []datastore.Event
	history map[string][]string
}

// NewContext opens a transaction context for one principal.
//
// Inputs:
//
//	store - The model store.
//	registry - The action registry for nested dispatch.
//	userID - The authenticated principal; perm.AnonymousUserID for none.
//	internal - Whether the request arrived through the internal route.
//	logger - Structured logger; nil uses slog.Default().
func NewContext(store *datastore.Store, registry *Registry, userID int, internal bool, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	session := store.NewSession()
	return &Context{
		store:    store,
		session:  session,
		perms:    perm.NewEvaluator(session),
		registry: registry,
		logger:   logger,
		userID:   userID,
		internal: internal,
		history:  make(map[string][]string),
	}
}

// DB returns the request's datastore gateway.
func (c *Context) DB() datastore.Gateway {
	return c.session
}

// LatestModel reads a model as the transaction currently sees it: the
// committed projection overlaid with this context's buffered events for
// the fqid, in order. A buffered create makes the model visible before
// the write commits; a buffered delete hides it again.
//
// Outputs:
//
//	Model - The overlaid model, or nil when it neither exists in the
//	        store nor is created in the buffer.
//	error - Read or overlay failure.
func (c *Context) LatestModel(ctx context.Context, f fqid.FQID) (datastore.Model, error) {
	model, err := c.session.Get(ctx, f, nil, datastore.GetOpts{NoRaise: true})
	if err != nil {
		return nil, err
	}
	var position int64
	if model != nil {
		position = model.Position()
	}
	for _, e := range c.events {
		if e.FQID != f {
			continue
		}
		if model == nil {
			if e.Kind != datastore.EventCreate {
				continue
			}
			model = datastore.Model{}
		}
		if err := model.Apply(e, position); err != nil {
			return nil, err
		}
	}
	if model == nil || model.Deleted() {
		return nil, nil
	}
	return model, nil
}

// Perms returns the permission evaluator bound to this request.
func (c *Context) Perms() *perm.Evaluator {
	return c.perms
}

// UserID returns the acting principal.
func (c *Context) UserID() int {
	return c.userID
}

// Internal reports whether the request came through the internal route.
func (c *Context) Internal() bool {
	return c.internal
}

// Events returns the accumulated event buffer in commit order.
func (c *Context) Events() []datastore.Event {
	return c.events
}

// History returns the accumulated history lines keyed by fqid string.
func (c *Context) History() map[string][]string {
	return c.history
}

// LockedFields returns the optimistic locks recorded by the session.
func (c *Context) LockedFields() map[string]int64 {
	return c.session.LockedFields()
}

// WriteRequest assembles the write request for the accumulated state.
func (c *Context) WriteRequest() datastore.WriteRequest {
	var information map[string][]string
	if len(c.history) > 0 {
		information = c.history
	}
	return datastore.WriteRequest{
		UserID:       c.userID,
		Events:       c.events,
		Information:  information,
		LockedFields: c.session.LockedFields(),
	}
}

// ExecuteOtherAction dispatches a nested action inside this transaction.
//
// Description:
//
//	Resolves the action name (internal types are allowed; nesting is a
//	backend concern, not a route concern) and runs the full pipeline.
//	Events append to this context's buffer at the current point, history
//	lines merge, and the results return synchronously.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	name - The dotted action name.
//	elements - The payload elements for the nested action.
//
// Outputs:
//
//	[]Result - Per-element results of the nested action.
//	error - Any pipeline error; it aborts the outer action as well.
func (c *Context) ExecuteOtherAction(ctx context.Context, name string, elements []Instance) ([]Result, error) {
	def, err := c.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, def, elements)
}

// addEvents appends events to the transaction buffer.
func (c *Context) addEvents(events []datastore.Event) {
	c.events = append(c.events, events...)
}

// addHistory records one history line for an fqid.
func (c *Context) addHistory(f fqid.FQID, line string) {
	if line == "" {
		return
	}
	key := f.String()
	c.history[key] = append(c.history[key], line)
}

// reserveID allocates one fresh id for a collection.
func (c *Context) reserveID(ctx context.Context, collection string) (int, error) {
	ids, err := c.store.ReserveIDs(ctx, collection, 1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}
