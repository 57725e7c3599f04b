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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps action names onto definitions. It is populated at startup
// and immutable afterwards; lookups are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition.
//
// Description:
//
//	Validates the definition and stores it under its name. Registration
//	errors are programming errors, so Register panics: a malformed
//	catalog must never reach serving state.
//
// Inputs:
//
//	def - The definition. Name and Collection are required; the name
//	      must be "<collection or scope>.<verb>" and unique.
func (r *Registry) Register(def *Definition) {
	if def == nil {
		panic("action: register of nil definition")
	}
	if def.Name == "" || !strings.Contains(def.Name, ".") {
		panic(fmt.Sprintf("action: invalid action name %q", def.Name))
	}
	if def.Collection == "" {
		panic(fmt.Sprintf("action: %s has no collection", def.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("action: duplicate registration of %q", def.Name))
	}
	r.defs[def.Name] = def
}

// Lookup resolves an action name.
//
// Outputs:
//
//	*Definition - The definition.
//	error - UnknownActionError when the name is not registered.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, UnknownActionError{Name: name}
	}
	return def, nil
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin assembles the full action catalog. Called once at startup.
func Builtin() *Registry {
	r := NewRegistry()
	registerMotionActions(r)
	registerMeetingActions(r)
	registerCommitteeActions(r)
	registerUserActions(r)
	registerMediafileActions(r)
	registerGroupActions(r)
	registerOrganizationActions(r)
	return r
}
