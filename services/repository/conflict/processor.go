// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"fmt"

	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// Processor classifies pairs of changes to the same object since a common
// fork point.
//
// # Description
//
// incoming is the change on the line being applied (the merge source, or
// the branch being rebased); existing is the change on the line receiving
// it. There is one method per possible pair of change kinds, so an
// implementation is total over them by construction. Pairs that cannot
// occur from a shared base (added on one side, changed or removed on the
// other) are rejected by Classify before any method is called.
//
// ReleasedStatus is consulted first whenever both sides still have the
// object and disagree on its released flag.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Processor interface {
	AddedInBoth(incoming, existing revision.Change) Classification
	ChangedInBoth(incoming, existing revision.Change) Classification
	ChangedWhileDeleted(incoming, existing revision.Change) Classification
	DeletedWhileChanged(incoming, existing revision.Change) Classification
	DeletedInBoth(incoming, existing revision.Change) Classification
	ReleasedStatus(incoming, existing revision.Change) Classification
}

// Classify dispatches a colliding pair to p.
//
// A conflict verdict without a report is completed with a
// ConflictingChange report for the incoming change. An outcome outside
// the three known ones is an error.
func Classify(p Processor, incoming, existing revision.Change) (Classification, error) {
	cls, err := dispatch(p, incoming, existing)
	if err != nil {
		return Classification{}, err
	}
	switch cls.Outcome {
	case OutcomeNoConflict, OutcomeResolved:
	case OutcomeConflict:
		if cls.Conflict == nil {
			c := NewConflict(ConflictingChange, incoming)
			cls.Conflict = &c
		}
	default:
		return Classification{}, fmt.Errorf("processor returned unknown outcome %d for object %s", int(cls.Outcome), incoming.ObjectID)
	}
	return cls, nil
}

func dispatch(p Processor, incoming, existing revision.Change) (Classification, error) {
	if incoming.ObjectID != existing.ObjectID {
		return Classification{}, fmt.Errorf("cannot classify changes of different objects %s and %s", incoming.ObjectID, existing.ObjectID)
	}

	if incoming.After != nil && existing.After != nil && incoming.After.Released != existing.After.Released {
		return p.ReleasedStatus(incoming, existing), nil
	}

	switch {
	case incoming.Kind == revision.Added && existing.Kind == revision.Added:
		return p.AddedInBoth(incoming, existing), nil
	case incoming.Kind == revision.Changed && existing.Kind == revision.Changed:
		return p.ChangedInBoth(incoming, existing), nil
	case incoming.Kind == revision.Changed && existing.Kind == revision.Removed:
		return p.ChangedWhileDeleted(incoming, existing), nil
	case incoming.Kind == revision.Removed && existing.Kind == revision.Changed:
		return p.DeletedWhileChanged(incoming, existing), nil
	case incoming.Kind == revision.Removed && existing.Kind == revision.Removed:
		return p.DeletedInBoth(incoming, existing), nil
	default:
		return Classification{}, fmt.Errorf("object %s was %s on one side and %s on the other since the fork point",
			incoming.ObjectID, incoming.Kind, existing.Kind)
	}
}
