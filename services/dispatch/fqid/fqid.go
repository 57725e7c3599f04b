// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fqid defines fully-qualified identifiers for models and fields.
//
// An FQID names one model instance as a (collection, id) pair rendered as
// "collection/id". An FQField additionally names one field of that model.
// These are the only globally unique names in the system; the datastore,
// the action pipeline and the migration engine all address models through
// them.
package fqid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// OrganizationID is the reserved id of the singleton organization model.
const OrganizationID = 1

// collectionPattern restricts collection names to lowercase snake case.
var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ErrMalformed indicates a string that does not parse as an fqid or fqfield.
var ErrMalformed = errors.New("malformed fully-qualified identifier")

// FQID is a fully-qualified model identifier.
type FQID struct {
	Collection string
	ID         int
}

// New builds an FQID from its parts.
//
// Description:
//
//	Builds the identifier without validating the collection name. Use
//	Valid() or Parse() when the parts come from untrusted input.
//
// Inputs:
//
//	collection - The collection name.
//	id - The model id. Must be positive for a valid identifier.
//
// Outputs:
//
//	FQID - The identifier.
func New(collection string, id int) FQID {
	return FQID{Collection: collection, ID: id}
}

// Parse parses "collection/id" into an FQID.
//
// Description:
//
//	Splits on the single "/" separator and validates both parts. The
//	collection must match [a-z][a-z0-9_]* and the id must be a positive
//	decimal integer.
//
// Inputs:
//
//	s - The string to parse.
//
// Outputs:
//
//	FQID - The parsed identifier.
//	error - Wraps ErrMalformed if s is not a valid fqid.
func Parse(s string) (FQID, error) {
	idx := strings.IndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return FQID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	collection := s[:idx]
	if !collectionPattern.MatchString(collection) {
		return FQID{}, fmt.Errorf("%w: invalid collection in %q", ErrMalformed, s)
	}
	id, err := strconv.Atoi(s[idx+1:])
	if err != nil || id <= 0 {
		return FQID{}, fmt.Errorf("%w: invalid id in %q", ErrMalformed, s)
	}
	return FQID{Collection: collection, ID: id}, nil
}

// MustParse parses s and panics on error. For statically known fqids only.
func MustParse(s string) FQID {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// String renders the identifier as "collection/id".
func (f FQID) String() string {
	return f.Collection + "/" + strconv.Itoa(f.ID)
}

// Valid reports whether the identifier has a well-formed collection name
// and a positive id.
func (f FQID) Valid() bool {
	return f.ID > 0 && collectionPattern.MatchString(f.Collection)
}

// IsZero reports whether the identifier is the zero value.
func (f FQID) IsZero() bool {
	return f.Collection == "" && f.ID == 0
}

// Field returns the FQField naming one field of this model.
func (f FQID) Field(name string) FQField {
	return FQField{Collection: f.Collection, ID: f.ID, Name: name}
}

// FQField is a fully-qualified field identifier.
type FQField struct {
	Collection string
	ID         int
	Name       string
}

// ParseField parses "collection/id/field" into an FQField.
func ParseField(s string) (FQField, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return FQField{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	base, err := Parse(parts[0] + "/" + parts[1])
	if err != nil {
		return FQField{}, err
	}
	if parts[2] == "" {
		return FQField{}, fmt.Errorf("%w: empty field in %q", ErrMalformed, s)
	}
	return base.Field(parts[2]), nil
}

// String renders the field identifier as "collection/id/field".
func (f FQField) String() string {
	return f.Collection + "/" + strconv.Itoa(f.ID) + "/" + f.Name
}

// FQID returns the model identifier part of the field identifier.
func (f FQField) FQID() FQID {
	return FQID{Collection: f.Collection, ID: f.ID}
}
