// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
)

var (
	// ErrReviewStale is returned when a merge names a review whose branches
	// have moved since it was created.
	ErrReviewStale = errors.New("branch moved since review was created")

	// ErrJobNotFound is returned for unknown merge job ids.
	ErrJobNotFound = errors.New("merge job not found")
)

// ConflictError aggregates every conflict found while reconciling two
// branches.
type ConflictError struct {
	// Operation is "merge" or "rebase".
	Operation string
	Source    string
	Target    string
	Conflicts []conflict.Conflict
}

// Error summarizes the conflicts, naming both branches.
func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ObjectID)
	}
	noun := "conflicts"
	if len(e.Conflicts) == 1 {
		noun = "conflict"
	}
	what := fmt.Sprintf("merging '%s' into '%s'", e.Source, e.Target)
	if e.Operation == "rebase" {
		what = fmt.Sprintf("rebasing '%s' on '%s'", e.Target, e.Source)
	}
	return fmt.Sprintf("%d %s %s: %s", len(e.Conflicts), noun, what, strings.Join(ids, ", "))
}

// Kind classifies the error as a Conflict.
func (e *ConflictError) Kind() apierror.Kind {
	return apierror.KindConflict
}
