// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
)

// Sentinel errors for lock operations.
var (
	// ErrLocked indicates a target is held by an unrelated context.
	ErrLocked = errors.New("target is locked by another operation")

	// ErrInterrupted indicates the caller gave up while waiting for a target.
	ErrInterrupted = errors.New("lock wait interrupted")

	// ErrLockNotHeld indicates a release of a target held by someone else.
	ErrLockNotHeld = errors.New("lock not held by this context")
)

// OperationLockError describes a failed acquisition.
//
// # Description
//
// Wraps ErrLocked or ErrInterrupted with the contended target and its
// current holder, so callers can report who is in the way. It is always a
// Conflict.
//
// # Fields
//
//   - Target: The target that could not be acquired.
//   - Requester: The context that asked for it.
//   - Holder: The context holding it, if known.
//   - Since: When Holder acquired it.
//   - Err: ErrLocked or ErrInterrupted.
type OperationLockError struct {
	Target    Target
	Requester *Context
	Holder    *Context
	Since     time.Time
	Err       error
}

// Error returns a human-readable error message.
func (e *OperationLockError) Error() string {
	if errors.Is(e.Err, ErrInterrupted) {
		return fmt.Sprintf("lock wait interrupted while acquiring %s for '%s'", e.Target, e.Requester)
	}
	if e.Holder != nil {
		return fmt.Sprintf("failed to acquire lock on %s for '%s': already locked by '%s' since %s",
			e.Target, e.Requester, e.Holder, e.Since.Format(time.RFC3339))
	}
	return fmt.Sprintf("failed to acquire lock on %s for '%s': %v", e.Target, e.Requester, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationLockError) Unwrap() error {
	return e.Err
}

// Kind classifies lock failures as conflicts.
func (e *OperationLockError) Kind() apierror.Kind {
	return apierror.KindConflict
}
