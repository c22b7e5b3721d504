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
	"encoding/json"
	"testing"

	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	mainBranch := &Branch{Path: RootPath, SegmentID: 0, ParentSegmentID: revision.NoParent, Head: 100}
	child := &Branch{Path: "MAIN/A", ParentPath: RootPath, SegmentID: 1, ParentSegmentID: 0, Base: 100, Head: 100}

	own := revision.Commit{Timestamp: 105, SegmentID: 1}
	theirs := revision.Commit{Timestamp: 110, SegmentID: 0}
	mergeOfChild := revision.Commit{Timestamp: 120, SegmentID: 0, MergeSource: "MAIN/A", MergeSourceSegment: 1, MergeSourceHead: 105}

	tests := []struct {
		name string
		cmp  Comparison
		want State
	}{
		{"self", Comparison{Branch: child, Reference: child}, StateUpToDate},
		{"root self", Comparison{Branch: mainBranch, Reference: mainBranch}, StateUpToDate},
		{"no commits", Comparison{Branch: child, Reference: mainBranch}, StateUpToDate},
		{"forward", Comparison{Branch: child, Reference: mainBranch, BranchCommits: []revision.Commit{own}}, StateForward},
		{"behind", Comparison{Branch: child, Reference: mainBranch, ReferenceCommits: []revision.Commit{theirs}}, StateBehind},
		{"diverged", Comparison{
			Branch: child, Reference: mainBranch,
			BranchCommits:    []revision.Commit{own},
			ReferenceCommits: []revision.Commit{theirs},
		}, StateDiverged},
		{"merged into parent", Comparison{
			Branch: child, Reference: mainBranch,
			BranchCommits:    []revision.Commit{own},
			ReferenceCommits: []revision.Commit{mergeOfChild},
		}, StateUpToDate},
		{"merged into moving parent", Comparison{
			Branch: child, Reference: mainBranch,
			BranchCommits:    []revision.Commit{own},
			ReferenceCommits: []revision.Commit{theirs, mergeOfChild},
		}, StateBehind},
		{"stale", Comparison{
			Branch:    child,
			Reference: &Branch{Path: RootPath, SegmentID: 7, ParentSegmentID: revision.NoParent, Head: 100},
		}, StateStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.cmp))
		})
	}
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		State State `json:"state"`
	}{StateDiverged})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"DIVERGED"}`, string(data))

	var decoded struct {
		State State `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"STALE"}`), &decoded))
	assert.Equal(t, StateStale, decoded.State)
	assert.Error(t, json.Unmarshal([]byte(`{"state":"SIDEWAYS"}`), &decoded))
}
