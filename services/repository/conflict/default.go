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
	"sort"

	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// Default is the field-level processor used when the domain layer does not
// supply one.
//
// # Description
//
// Changes to disjoint properties of the same object are merged; a property
// changed to different values on both sides is a CONFLICTING_CHANGE.
// Deleting an object that the other side changed is always a conflict, and
// so is a disagreement on the released flag. Identical changes on both sides
// never conflict.
type Default struct{}

var _ Processor = Default{}

// AddedInBoth accepts identical additions only.
func (Default) AddedInBoth(incoming, existing revision.Change) Classification {
	if incoming.After.Equal(existing.After) {
		return NoConflict()
	}
	return Conflicting(NewConflict(AddedInBoth, incoming, diffAttributes(existing.After, incoming.After)...))
}

// ChangedInBoth merges property by property against the common base.
func (Default) ChangedInBoth(incoming, existing revision.Change) Classification {
	if incoming.After.Equal(existing.After) {
		return NoConflict()
	}

	base := incoming.Before
	if base == nil {
		base = existing.Before
	}
	merged := existing.After.Clone()
	if merged.Properties == nil {
		merged.Properties = make(map[string]any)
	}

	var conflicting []Attribute
	if incoming.After.Type != base.Type {
		if existing.After.Type != base.Type && existing.After.Type != incoming.After.Type {
			conflicting = append(conflicting, Attribute{Property: "type", OldValue: existing.After.Type, Value: incoming.After.Type})
		} else {
			merged.Type = incoming.After.Type
		}
	}

	for _, key := range propertyKeys(base, incoming.After) {
		inValue, inOK := incoming.After.Properties[key]
		baseValue, baseOK := base.Properties[key]
		if inOK == baseOK && revision.PropertyEqual(inValue, baseValue) {
			continue
		}

		exValue, exOK := existing.After.Properties[key]
		existingChanged := exOK != baseOK || !revision.PropertyEqual(exValue, baseValue)
		sameResult := exOK == inOK && revision.PropertyEqual(exValue, inValue)
		if existingChanged && !sameResult {
			conflicting = append(conflicting, Attribute{Property: key, OldValue: exValue, Value: inValue})
			continue
		}
		if inOK {
			merged.Properties[key] = inValue
		} else {
			delete(merged.Properties, key)
		}
	}

	if len(conflicting) > 0 {
		return Conflicting(NewConflict(ConflictingChange, incoming, conflicting...))
	}
	return Resolve(merged)
}

// ChangedWhileDeleted reports the incoming change against the deletion.
func (Default) ChangedWhileDeleted(incoming, _ revision.Change) Classification {
	return Conflicting(NewConflict(ChangedWhileDeleted, incoming, diffAttributes(incoming.Before, incoming.After)...))
}

// DeletedWhileChanged reports the deletion against the existing change.
func (Default) DeletedWhileChanged(incoming, existing revision.Change) Classification {
	return Conflicting(NewConflict(DeletedWhileChanged, incoming, diffAttributes(existing.Before, existing.After)...))
}

// DeletedInBoth never conflicts.
func (Default) DeletedInBoth(_, _ revision.Change) Classification {
	return NoConflict()
}

// ReleasedStatus always conflicts.
func (Default) ReleasedStatus(incoming, existing revision.Change) Classification {
	return Conflicting(NewConflict(ReleasedStatus, incoming, Attribute{
		Property: "released",
		OldValue: existing.After.Released,
		Value:    incoming.After.Released,
	}))
}

// diffAttributes lists the properties that differ between before and
// after, in property order.
func diffAttributes(before, after *revision.Object) []Attribute {
	if before == nil {
		before = &revision.Object{}
	}
	if after == nil {
		after = &revision.Object{}
	}

	var attrs []Attribute
	if before.Released != after.Released {
		attrs = append(attrs, Attribute{Property: "released", OldValue: before.Released, Value: after.Released})
	}
	for _, key := range propertyKeys(before, after) {
		b, bOK := before.Properties[key]
		a, aOK := after.Properties[key]
		if aOK == bOK && revision.PropertyEqual(a, b) {
			continue
		}
		attrs = append(attrs, Attribute{Property: key, OldValue: b, Value: a})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Property < attrs[j].Property })
	return attrs
}

func propertyKeys(objs ...*revision.Object) []string {
	set := make(map[string]struct{})
	for _, o := range objs {
		if o == nil {
			continue
		}
		for k := range o.Properties {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
