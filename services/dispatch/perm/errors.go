// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perm

import (
	"errors"
	"fmt"
)

// NotAllowedError reports a denied operation together with what was
// missing. It surfaces as HTTP 403.
type NotAllowedError struct {
	// Missing describes the missing right, e.g. a Permission string or a
	// management level name.
	Missing string

	// Reason optionally refines the message.
	Reason string
}

func (e NotAllowedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("missing permission %s: %s", e.Missing, e.Reason)
	}
	return fmt.Sprintf("missing permission %s", e.Missing)
}

// NotAllowed builds a NotAllowedError for a meeting permission.
func NotAllowed(p Permission) error {
	return NotAllowedError{Missing: string(p)}
}

// NotAllowedf builds a NotAllowedError with a custom description.
func NotAllowedf(missing, format string, args ...any) error {
	return NotAllowedError{Missing: missing, Reason: fmt.Sprintf(format, args...)}
}

// IsNotAllowed reports whether err is a NotAllowedError.
func IsNotAllowed(err error) bool {
	var target NotAllowedError
	return errors.As(err, &target)
}
