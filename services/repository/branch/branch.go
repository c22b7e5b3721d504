// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package branch

import (
	"errors"
	"maps"
)

// ErrBranchDeleted indicates a mutation of a deleted branch.
var ErrBranchDeleted = errors.New("branch has been deleted")

// Branch is the record of one branch.
//
// # Description
//
// Base is the timestamp on the parent line at which the branch forked (or
// was last rebased); Head is the timestamp of the newest commit made on the
// branch itself, equal to Base while it has none. SegmentID is the revision
// segment the branch currently commits to and ParentSegmentID the parent
// segment it forked from. When the parent is rebased its segment changes,
// which makes this branch STALE until it is rebased as well.
//
// State is derived on read relative to the parent and is never persisted.
type Branch struct {
	Path            string         `json:"path"`
	ParentPath      string         `json:"parentPath,omitempty"`
	Name            string         `json:"name"`
	Base            int64          `json:"baseTimestamp"`
	Head            int64          `json:"headTimestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Deleted         bool           `json:"deleted"`
	SegmentID       int64          `json:"segmentId"`
	ParentSegmentID int64          `json:"parentSegmentId"`
	State           State          `json:"state,omitempty"`
}

// IsRoot reports whether b is the root branch.
func (b *Branch) IsRoot() bool {
	return b.Path == RootPath
}

// Clone returns a copy of b that shares nothing mutable with it.
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	c := *b
	c.Metadata = maps.Clone(b.Metadata)
	return &c
}

// HasCommits reports whether anything was committed on b since its base.
func (b *Branch) HasCommits() bool {
	return b.Head > b.Base
}
