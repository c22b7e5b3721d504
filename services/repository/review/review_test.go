// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"testing"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	storage "github.com/AleutianAI/termrepo/services/repository/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := revision.NewStore(db, revision.NewStepClock(100, 5))
	require.NoError(t, err)
	registry, err := branch.NewRegistry(context.Background(), store, lock.NewManager(lock.Immediate), "snomedct")
	require.NoError(t, err)
	s, err := NewService(registry, 8)
	require.NoError(t, err)
	return s
}

func concept(id, term string) *revision.Object {
	return &revision.Object{ID: id, Type: "concept", Properties: map[string]any{"term": term}}
}

// seed leaves MAIN/A with one new, one changed and one deleted concept
// relative to MAIN.
func seed(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	_, _, err := s.branches.Commit(ctx, nil, branch.CommitRequest{
		Path: branch.RootPath, Author: "test",
		Puts: []*revision.Object{concept("c1", "heart"), concept("c2", "lung")},
	})
	require.NoError(t, err)
	_, err = s.branches.Create(ctx, branch.CreateRequest{Parent: branch.RootPath, Name: "A"})
	require.NoError(t, err)
	_, _, err = s.branches.Commit(ctx, nil, branch.CommitRequest{
		Path: "MAIN/A", Author: "test",
		Puts:    []*revision.Object{concept("c1", "cardiac"), concept("c3", "liver")},
		Deletes: []string{"c2"},
	})
	require.NoError(t, err)
}

func TestCompare(t *testing.T) {
	s := newTestService(t)
	seed(t, s)
	ctx := context.Background()

	summary, err := s.Compare(ctx, "MAIN/A", branch.RootPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, summary.NewObjects)
	assert.Equal(t, []string{"c1"}, summary.ChangedObjects)
	assert.Equal(t, []string{"c2"}, summary.DeletedObjects)
	assert.Equal(t, 1, summary.TotalNew)
	assert.Equal(t, 1, summary.TotalChanged)
	assert.Equal(t, 1, summary.TotalDeleted)

	reverse, err := s.Compare(ctx, branch.RootPath, "MAIN/A")
	require.NoError(t, err)
	assert.Zero(t, reverse.TotalNew+reverse.TotalChanged+reverse.TotalDeleted)

	ranged, err := s.Compare(ctx, "MAIN..MAIN/A", "")
	require.NoError(t, err)
	assert.Equal(t, summary.NewObjects, ranged.NewObjects)
	assert.Equal(t, "MAIN/A", ranged.Source)
	assert.Equal(t, "MAIN", ranged.Target)

	base, err := s.Compare(ctx, "MAIN/A^", branch.RootPath)
	require.NoError(t, err)
	assert.Zero(t, base.TotalNew+base.TotalChanged+base.TotalDeleted)

	assert.Equal(t, 3, s.cache.Len(), "the range compare reuses the first entry")
}

func TestCompare_BadReferences(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Compare(ctx, "MAIN..MAIN/A", "MAIN")
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	_, err = s.Compare(ctx, "MAIN/A", "MAIN")
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))

	_, err = s.Compare(ctx, "MAIN@soon", "MAIN")
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
}

func TestReview_BecomesStale(t *testing.T) {
	s := newTestService(t)
	seed(t, s)
	ctx := context.Background()

	r, err := s.Create(ctx, "MAIN/A", branch.RootPath)
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, r.Status)
	assert.Equal(t, 1, r.Changes.TotalNew)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, got.Status)
	require.NoError(t, s.CheckCurrent(ctx, r.ID, "MAIN/A", branch.RootPath))

	err = s.CheckCurrent(ctx, r.ID, branch.RootPath, "MAIN/A")
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	_, _, err = s.branches.Commit(ctx, nil, branch.CommitRequest{
		Path: branch.RootPath, Author: "test", Puts: []*revision.Object{concept("c9", "skin")},
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, got.Status)

	err = s.CheckCurrent(ctx, r.ID, "MAIN/A", branch.RootPath)
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
	assert.ErrorIs(t, err, merge.ErrReviewStale)
	assert.Contains(t, err.Error(), "branch moved since review was created")
}

func TestReview_DeletedBranchIsStale(t *testing.T) {
	s := newTestService(t)
	seed(t, s)
	ctx := context.Background()

	r, err := s.Create(ctx, "MAIN/A", branch.RootPath)
	require.NoError(t, err)
	_, err = s.branches.Delete(ctx, "MAIN/A")
	require.NoError(t, err)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, got.Status)
}

func TestReview_Errors(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))

	_, err = s.Create(ctx, branch.RootPath, branch.RootPath)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	_, err = s.Create(ctx, "MAIN/A", branch.RootPath)
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))
}

func TestReview_GatesMerge(t *testing.T) {
	s := newTestService(t)
	seed(t, s)
	ctx := context.Background()
	engine := merge.NewEngine(s.branches, nil, s)

	r, err := s.Create(ctx, "MAIN/A", branch.RootPath)
	require.NoError(t, err)

	merged, err := engine.Merge(ctx, merge.Request{Source: "MAIN/A", Target: branch.RootPath, ReviewID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, branch.StateUpToDate, merged.State)

	_, err = engine.Merge(ctx, merge.Request{Source: "MAIN/A", Target: branch.RootPath, ReviewID: r.ID})
	assert.ErrorIs(t, err, merge.ErrReviewStale)
}
