// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict classifies colliding changes made to the same object on
// two lines of history.
package conflict

import (
	"fmt"

	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// Type names a kind of conflict.
type Type string

const (
	// ConflictingChange means both sides changed the same property
	// differently.
	ConflictingChange Type = "CONFLICTING_CHANGE"

	// DeletedWhileChanged means the incoming side deleted an object the
	// other side changed.
	DeletedWhileChanged Type = "DELETED_WHILE_CHANGED"

	// ChangedWhileDeleted means the incoming side changed an object the
	// other side deleted.
	ChangedWhileDeleted Type = "CHANGED_WHILE_DELETED"

	// AddedInBoth means both sides created the same id with different
	// content.
	AddedInBoth Type = "ADDED_IN_BOTH"

	// ReleasedStatus means the object is released on one side only.
	ReleasedStatus Type = "RELEASED_STATUS"
)

// Attribute is one property involved in a conflict.
type Attribute struct {
	Property string `json:"property"`
	OldValue any    `json:"oldValue,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Conflict describes one object that cannot be merged automatically.
type Conflict struct {
	ObjectID      string      `json:"objectId"`
	ComponentType string      `json:"componentType,omitempty"`
	Type          Type        `json:"type"`
	Message       string      `json:"message"`
	Attributes    []Attribute `json:"conflictingAttributes,omitempty"`
}

// Outcome is the closed set of classification results.
type Outcome int

const (
	// OutcomeNoConflict keeps the existing side as it is.
	OutcomeNoConflict Outcome = iota

	// OutcomeConflict blocks the merge.
	OutcomeConflict

	// OutcomeResolved replaces the object with Classification.Resolved, or
	// deletes it when Resolved is nil.
	OutcomeResolved
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoConflict:
		return "no-conflict"
	case OutcomeConflict:
		return "conflict"
	case OutcomeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Classification is a processor's verdict for one colliding object.
type Classification struct {
	Outcome  Outcome
	Conflict *Conflict
	Resolved *revision.Object
}

// NoConflict keeps the existing side unchanged.
func NoConflict() Classification {
	return Classification{Outcome: OutcomeNoConflict}
}

// Conflicting reports c.
func Conflicting(c Conflict) Classification {
	return Classification{Outcome: OutcomeConflict, Conflict: &c}
}

// Resolve replaces the object with obj, or deletes it when obj is nil.
func Resolve(obj *revision.Object) Classification {
	return Classification{Outcome: OutcomeResolved, Resolved: obj}
}

// NewConflict builds a conflict of type t for the incoming change c. The
// message is filled in by Explain once the branch paths are known.
func NewConflict(t Type, c revision.Change, attrs ...Attribute) Conflict {
	return Conflict{
		ObjectID:      c.ObjectID,
		ComponentType: c.Type(),
		Type:          t,
		Attributes:    attrs,
	}
}

// Explain sets a message naming the incoming and existing branches unless
// the processor already supplied one.
func (c *Conflict) Explain(incoming, existing string) {
	if c.Message != "" {
		return
	}
	kind := c.ComponentType
	if kind == "" {
		kind = "object"
	}
	switch c.Type {
	case ConflictingChange:
		c.Message = fmt.Sprintf("%s '%s' has conflicting changes on '%s' and '%s'", kind, c.ObjectID, incoming, existing)
	case DeletedWhileChanged:
		c.Message = fmt.Sprintf("%s '%s' has been deleted on '%s' while changed on '%s'", kind, c.ObjectID, incoming, existing)
	case ChangedWhileDeleted:
		c.Message = fmt.Sprintf("%s '%s' has been changed on '%s' while deleted on '%s'", kind, c.ObjectID, incoming, existing)
	case AddedInBoth:
		c.Message = fmt.Sprintf("%s '%s' has been added with different content on '%s' and '%s'", kind, c.ObjectID, incoming, existing)
	case ReleasedStatus:
		c.Message = fmt.Sprintf("%s '%s' is released on only one of '%s' and '%s'", kind, c.ObjectID, incoming, existing)
	default:
		c.Message = fmt.Sprintf("%s '%s' cannot be merged from '%s' into '%s'", kind, c.ObjectID, incoming, existing)
	}
}
