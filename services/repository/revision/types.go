// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// RootSegmentID is the segment owned by the root branch.
const RootSegmentID int64 = 0

// NoParent marks the root segment's parent.
const NoParent int64 = -1

// Unbounded is a view limit that includes every revision of a segment.
const Unbounded int64 = math.MaxInt64

var objectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)

// ValidateObjectID rejects ids that cannot be used in revision keys.
func ValidateObjectID(id string) error {
	if !objectIDPattern.MatchString(id) {
		return fmt.Errorf("invalid object id %q", id)
	}
	return nil
}

// Object is the content of one terminology component at one revision.
//
// Type names the component kind (concept, description, relationship,
// member, ...). Released marks components published in a release; the flag
// is compared separately from Properties during conflict detection.
type Object struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Released   bool           `json:"released,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Clone returns a deep copy of o via its JSON form.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return &Object{ID: o.ID, Type: o.Type, Released: o.Released}
	}
	var c Object
	if err := json.Unmarshal(data, &c); err != nil {
		return &Object{ID: o.ID, Type: o.Type, Released: o.Released}
	}
	return &c
}

// Equal reports whether two objects have the same content. Values are
// compared in their JSON form so that numbers read back from storage
// (float64) equal the ints they were written as.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == nil && other == nil
	}
	a, errA := json.Marshal(o)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// PropertyEqual compares one property of two objects in JSON form.
func PropertyEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Revision is one stored state of an object on a segment.
type Revision struct {
	ObjectID  string  `json:"objectId"`
	SegmentID int64   `json:"segmentId"`
	Timestamp int64   `json:"timestamp"`
	Deleted   bool    `json:"deleted,omitempty"`
	Object    *Object `json:"object,omitempty"`
}

// Segment is one independently committable run of revisions. A branch owns
// exactly one current segment; rebasing or re-creating the branch replaces
// it with a new one at the same path.
type Segment struct {
	ID         int64  `json:"id"`
	BranchPath string `json:"branchPath"`
	ParentID   int64  `json:"parentId"`
	Base       int64  `json:"base"`
}

// Commit records one atomic write to a segment.
type Commit struct {
	Timestamp   int64    `json:"timestamp"`
	SegmentID   int64    `json:"segmentId"`
	BranchPath  string   `json:"branchPath"`
	Author      string   `json:"author"`
	Message     string   `json:"message"`
	ObjectIDs   []string `json:"objectIds,omitempty"`
	ReplayOf    int64    `json:"replayOf,omitempty"`

	// MergeSource names the branch whose changes this commit squashed in.
	MergeSource        string `json:"mergeSource,omitempty"`
	MergeSourceSegment int64  `json:"mergeSourceSegment,omitempty"`
	MergeSourceHead    int64  `json:"mergeSourceHead,omitempty"`
}

// IsMergeFrom reports whether c squashed in changes of segment.
func (c Commit) IsMergeFrom(segment int64) bool {
	return c.MergeSource != "" && c.MergeSourceSegment == segment
}

// Point is one link of a View: the revisions of SegmentID visible up to and
// including Limit.
type Point struct {
	SegmentID int64 `json:"segmentId"`
	Limit     int64 `json:"limit"`
}

// View is the chain of points that make up a branch at some moment, from
// the branch's own segment down to the root segment.
type View []Point

// String renders the view for logs.
func (v View) String() string {
	var b bytes.Buffer
	for i, p := range v {
		if i > 0 {
			b.WriteString(" <- ")
		}
		if p.Limit == Unbounded {
			fmt.Fprintf(&b, "%d@*", p.SegmentID)
		} else {
			fmt.Fprintf(&b, "%d@%d", p.SegmentID, p.Limit)
		}
	}
	return b.String()
}

// ChangeKind classifies a change of one object between two views.
type ChangeKind int

const (
	// Added means the object did not exist before.
	Added ChangeKind = iota

	// Changed means the object exists on both sides with different content.
	Changed

	// Removed means the object no longer exists.
	Removed
)

// String returns the lowercase name of the kind.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Change is the net difference of one object between two views.
type Change struct {
	ObjectID string     `json:"objectId"`
	Kind     ChangeKind `json:"kind"`
	Before   *Object    `json:"before,omitempty"`
	After    *Object    `json:"after,omitempty"`
}

// Type returns the component type of the changed object.
func (c Change) Type() string {
	if c.After != nil {
		return c.After.Type
	}
	if c.Before != nil {
		return c.Before.Type
	}
	return ""
}
