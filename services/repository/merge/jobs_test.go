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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, *Engine) {
	t.Helper()
	e := newTestEngine(t)
	r := NewRunner(e, RunnerConfig{Workers: 2, MaxStartsPerSecond: 100, Burst: 10})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, e
}

func TestRunner_ConflictingMergeFails(t *testing.T) {
	r, e := newTestRunner(t)
	ctx := context.Background()

	commit(t, e, branch.RootPath, concept("c1", map[string]any{"term": "heart"}))
	createA(t, e)
	commit(t, e, "MAIN/A", concept("c1", map[string]any{"term": "cardiac"}))
	mainBranch := commit(t, e, branch.RootPath, concept("c1", map[string]any{"term": "coronary"}))

	job, err := r.Create(ctx, Request{Source: "MAIN/A", Target: branch.RootPath, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, job.Status)
	assert.Equal(t, OperationMerge, job.Operation)
	r.Wait()

	done, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "CONFLICT", done.ErrorCode)
	require.Len(t, done.Conflicts, 1)
	assert.Equal(t, "c1", done.Conflicts[0].ObjectID)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.EndedAt)

	after, err := e.Branches().Get(ctx, branch.RootPath)
	require.NoError(t, err)
	assert.Equal(t, mainBranch.Head, after.Head)
}

func TestRunner_DispatchesRebaseToChild(t *testing.T) {
	r, e := newTestRunner(t)
	ctx := context.Background()

	createA(t, e)
	commit(t, e, "MAIN/A", concept("c1", map[string]any{"term": "heart"}))
	mainBranch := commit(t, e, branch.RootPath, concept("c2", map[string]any{"term": "lung"}))

	job, err := r.Create(ctx, Request{Source: branch.RootPath, Target: "MAIN/A"})
	require.NoError(t, err)
	assert.Equal(t, OperationRebase, job.Operation)
	r.Wait()

	done, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status, done.Error)
	require.NotNil(t, done.Result)
	assert.Equal(t, mainBranch.Head, done.Result.Base)
	assert.Equal(t, branch.StateForward, done.Result.State)
}

func TestRunner_SearchAndDelete(t *testing.T) {
	r, e := newTestRunner(t)
	ctx := context.Background()

	createA(t, e)
	commit(t, e, "MAIN/A", concept("c1", map[string]any{"term": "heart"}))

	first, err := r.Create(ctx, Request{Source: "MAIN/A", Target: branch.RootPath})
	require.NoError(t, err)
	r.Wait()
	second, err := r.Create(ctx, Request{Source: branch.RootPath, Target: "MAIN/A"})
	require.NoError(t, err)
	r.Wait()

	all, err := r.Search(ctx, SearchRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bySource, err := r.Search(ctx, SearchRequest{Source: "MAIN/A"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, first.ID, bySource[0].ID)

	completed, err := r.Search(ctx, SearchRequest{Status: StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	require.NoError(t, r.Delete(ctx, second.ID))
	_, err = r.Get(ctx, second.ID)
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))
	assert.True(t, errors.Is(err, ErrJobNotFound))

	err = r.Delete(ctx, second.ID)
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))
}

func TestRunner_CreateValidatesBranches(t *testing.T) {
	r, _ := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Create(ctx, Request{Source: "MAIN/missing", Target: branch.RootPath})
	assert.Equal(t, apierror.KindNotFound, apierror.KindOf(err))

	_, err = r.Create(ctx, Request{Source: "MAIN/bad name", Target: branch.RootPath})
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	_, err = r.Create(ctx, Request{Source: branch.RootPath, Target: branch.RootPath})
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	jobs, err := r.Search(ctx, SearchRequest{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunner_ClosedRejectsNewJobs(t *testing.T) {
	r, _ := newTestRunner(t)
	require.NoError(t, r.Close(context.Background()))

	_, err := r.Create(context.Background(), Request{Source: "MAIN/A", Target: branch.RootPath})
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
}

// panickingProcessor fails every changed-in-both pair with a panic.
type panickingProcessor struct {
	conflict.Default
}

func (panickingProcessor) ChangedInBoth(_, _ revision.Change) conflict.Classification {
	panic("processor bug")
}

func TestRunner_PanicFailsJob(t *testing.T) {
	r, e := newTestRunner(t)
	e.processor = panickingProcessor{}
	ctx := context.Background()

	commit(t, e, branch.RootPath, concept("c1", map[string]any{"term": "heart"}))
	createA(t, e)
	commit(t, e, "MAIN/A", concept("c1", map[string]any{"term": "cardiac"}))
	commit(t, e, branch.RootPath, concept("c1", map[string]any{"term": "coronary"}))

	job, err := r.Create(ctx, Request{Source: "MAIN/A", Target: branch.RootPath})
	require.NoError(t, err)
	r.Wait()

	done, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "INTERNAL", done.ErrorCode)
	assert.Contains(t, done.Error, "processor bug")
	assert.Empty(t, e.Branches().Locks().Locks())
}

func TestRunner_CreateRacingClose(t *testing.T) {
	r, e := newTestRunner(t)
	ctx := context.Background()
	createA(t, e)
	commit(t, e, "MAIN/A", concept("c1", map[string]any{"term": "heart"}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(ctx, Request{Source: "MAIN/A", Target: branch.RootPath}); err != nil {
				assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
			}
		}()
	}
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))
	wg.Wait()

	_, err := r.Create(ctx, Request{Source: "MAIN/A", Target: branch.RootPath})
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("FAILED")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)
	assert.False(t, st.IsPending())
	assert.True(t, StatusScheduled.IsPending())

	_, err = ParseStatus("DONE")
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
}

func TestPlanReplay_LastTouchOnly(t *testing.T) {
	commits := []revision.Commit{{Timestamp: 105}, {Timestamp: 115}}
	touched := map[int64][]revision.Revision{
		105: {
			{ObjectID: "c1", Timestamp: 105, Object: concept("c1", map[string]any{"term": "cardiac"})},
			{ObjectID: "c2", Timestamp: 105, Object: concept("c2", map[string]any{"term": "lung"})},
		},
		115: {
			{ObjectID: "c1", Timestamp: 115, Object: concept("c1", map[string]any{"term": "cardiac muscle"})},
			{ObjectID: "c3", Timestamp: 115, Deleted: true},
		},
	}
	resolved := concept("c1", map[string]any{"term": "cardiac muscle", "status": "inactive"})
	rec := reconciliation{
		existing:   map[string]revision.Change{"c1": {ObjectID: "c1", Kind: revision.Changed}},
		classified: map[string]conflict.Classification{"c1": conflict.Resolve(resolved)},
	}

	steps := planReplay(commits, touched, rec)
	require.Len(t, steps, 2)

	require.Len(t, steps[0].puts, 1)
	assert.Equal(t, "c2", steps[0].puts[0].ID)
	assert.Empty(t, steps[0].deletes)

	require.Len(t, steps[1].puts, 1)
	assert.Equal(t, "inactive", steps[1].puts[0].Properties["status"])
	assert.Equal(t, []string{"c3"}, steps[1].deletes)
}
