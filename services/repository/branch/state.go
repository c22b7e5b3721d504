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
	"fmt"

	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// State is the relationship of a branch to a reference branch.
type State int

const (
	// StateUnknown is the zero value and never returned by Compute.
	StateUnknown State = iota

	// StateUpToDate means neither side has changes the other lacks.
	StateUpToDate

	// StateForward means only the branch has new commits.
	StateForward

	// StateBehind means only the reference has new commits.
	StateBehind

	// StateDiverged means both sides have new commits.
	StateDiverged

	// StateStale means the parent was rebased or re-created after the
	// branch forked from it.
	StateStale
)

var stateNames = map[State]string{
	StateUpToDate: "UP_TO_DATE",
	StateForward:  "FORWARD",
	StateBehind:   "BEHIND",
	StateDiverged: "DIVERGED",
	StateStale:    "STALE",
}

// String returns the wire name of the state.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText encodes the state by name. The zero value encodes as empty so
// that omitempty drops it.
func (s State) MarshalText() ([]byte, error) {
	if s == StateUnknown {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = StateUnknown
		return nil
	}
	for k, name := range stateNames {
		if name == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown branch state %q", text)
}

// Comparison is the input of Compute: the commits each side made since the
// two lines diverged.
type Comparison struct {
	Branch    *Branch
	Reference *Branch

	// BranchCommits are visible on Branch but not on the merge base.
	BranchCommits []revision.Commit

	// ReferenceCommits are visible on Reference but not on the merge base.
	ReferenceCommits []revision.Commit
}

// Compute derives the state of c.Branch relative to c.Reference.
//
// # Description
//
// A branch compared with itself, and the root compared with anything on its
// own line, is UP_TO_DATE. When Reference is the direct parent and its
// segment is not the one Branch forked from, the result is STALE
// regardless of timestamps. Otherwise each side is "advanced" when it has
// commits the other lacks:
//
//   - Branch commits that Reference already squashed in (a merge of Branch
//     whose recorded source head is at or after the commit) do not count.
//   - Reference commits that only squashed in Branch's own changes do not
//     count, nor do Reference commits that Branch already merged.
//
// Without merges this reduces to comparing Branch.Base and Branch.Head
// against Reference.Head.
func Compute(c Comparison) State {
	b, ref := c.Branch, c.Reference
	if b.Path == ref.Path && b.SegmentID == ref.SegmentID {
		return StateUpToDate
	}
	if b.ParentPath == ref.Path && b.ParentSegmentID != ref.SegmentID {
		return StateStale
	}

	absorbedByRef := latestMergeHead(c.ReferenceCommits, b.SegmentID)
	absorbedByBranch := latestMergeHead(c.BranchCommits, ref.SegmentID)

	branchAdvanced := false
	for _, commit := range c.BranchCommits {
		if commit.Timestamp <= absorbedByRef || commit.IsMergeFrom(ref.SegmentID) {
			continue
		}
		branchAdvanced = true
		break
	}

	refAdvanced := false
	for _, commit := range c.ReferenceCommits {
		if commit.Timestamp <= absorbedByBranch || commit.IsMergeFrom(b.SegmentID) {
			continue
		}
		refAdvanced = true
		break
	}

	switch {
	case branchAdvanced && refAdvanced:
		return StateDiverged
	case branchAdvanced:
		return StateForward
	case refAdvanced:
		return StateBehind
	default:
		return StateUpToDate
	}
}

// latestMergeHead returns the newest source head recorded by a merge of
// segment among commits, or -1.
func latestMergeHead(commits []revision.Commit, segment int64) int64 {
	head := int64(-1)
	for _, c := range commits {
		if c.IsMergeFrom(segment) && c.MergeSourceHead > head {
			head = c.MergeSourceHead
		}
	}
	return head
}
