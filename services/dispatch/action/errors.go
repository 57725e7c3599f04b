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
	"errors"
	"fmt"
	"strings"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// ActionError is a semantic failure inside the pipeline. Surfaces as 400.
type ActionError struct {
	Msg string
}

func (e ActionError) Error() string {
	return e.Msg
}

// Errorf builds an ActionError from a format string.
func Errorf(format string, args ...any) error {
	return ActionError{Msg: fmt.Sprintf(format, args...)}
}

// SchemaError reports a payload element that failed schema validation.
// Surfaces as 400.
type SchemaError struct {
	// Action is the dotted action name.
	Action string
	// Index is the offending element's position in the action data.
	Index int
	// Path names the offending field; empty for element level problems.
	Path string
	// Reason describes the violation.
	Reason string
}

func (e SchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: data[%d].%s: %s", e.Action, e.Index, e.Path, e.Reason)
	}
	return fmt.Sprintf("%s: data[%d]: %s", e.Action, e.Index, e.Reason)
}

// UnknownActionError reports a lookup of an unregistered action name.
// Surfaces as 400.
type UnknownActionError struct {
	Name string
}

func (e UnknownActionError) Error() string {
	return fmt.Sprintf("action %q does not exist", e.Name)
}

// ProtectedModelsError reports a delete blocked by protected relations.
// Surfaces as 400 together with the blocking fqids.
type ProtectedModelsError struct {
	Subject  fqid.FQID
	Blockers []fqid.FQID
}

func (e ProtectedModelsError) Error() string {
	parts := make([]string, len(e.Blockers))
	for i, f := range e.Blockers {
		parts[i] = f.String()
	}
	return fmt.Sprintf("cannot delete %s: protected by [%s]", e.Subject, strings.Join(parts, ", "))
}

// IsUserError reports whether err belongs to the 400 family of the error
// taxonomy (as opposed to permission or internal errors).
func IsUserError(err error) bool {
	var actionErr ActionError
	var schemaErr SchemaError
	var unknownErr UnknownActionError
	var protectedErr ProtectedModelsError
	return errors.As(err, &actionErr) ||
		errors.As(err, &schemaErr) ||
		errors.As(err, &unknownErr) ||
		errors.As(err, &protectedErr)
}
