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
	"errors"
	"fmt"

	"github.com/OpenSlides/openslides-backend-sub001/services/dispatch/fqid"
)

// Sentinel errors for the datastore.
var (
	// ErrDatastoreLocked indicates a locked fqid advanced before commit.
	// The request failed but the client may resubmit.
	ErrDatastoreLocked = errors.New("datastore: locked fields have been modified")

	// ErrDatastoreUnavailable indicates the store cannot be reached. Fatal
	// for the current request.
	ErrDatastoreUnavailable = errors.New("datastore: unavailable")

	// ErrInvalidEvent indicates an event that cannot be applied to the
	// current projection (create over an existing model, update of a
	// deleted model, restore of a live model).
	ErrInvalidEvent = errors.New("datastore: invalid event")
)

// ModelDoesNotExistError reports a read of a missing or deleted model.
type ModelDoesNotExistError struct {
	FQID fqid.FQID
}

func (e ModelDoesNotExistError) Error() string {
	return fmt.Sprintf("model %s does not exist", e.FQID)
}

// DoesNotExist builds a ModelDoesNotExistError for the given fqid.
func DoesNotExist(f fqid.FQID) error {
	return ModelDoesNotExistError{FQID: f}
}

// IsNotFound reports whether err is a ModelDoesNotExistError.
func IsNotFound(err error) bool {
	var target ModelDoesNotExistError
	return errors.As(err, &target)
}
