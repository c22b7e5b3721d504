// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repo = "snomedct"

func TestContext_Equal(t *testing.T) {
	job := NewContext("alice", "merge job", nil)

	assert.True(t, job.Equal(job))
	assert.False(t, job.Equal(NewContext("alice", "merge job", nil)))
	assert.False(t, job.Equal(NewContext("bob", "merge job", nil)))
	assert.False(t, job.Equal(nil))
	assert.True(t, Root.Equal(Root))
	assert.True(t, Root.IsRoot())
	assert.False(t, job.IsRoot())
}

func TestContext_Within(t *testing.T) {
	job := NewContext("alice", "merge job", nil)
	synchronize := NewContext("alice", "synchronize", job)

	assert.True(t, synchronize.Within(job))
	assert.True(t, synchronize.Within(synchronize))
	assert.True(t, synchronize.Within(Root))
	assert.False(t, job.Within(synchronize))
	assert.False(t, synchronize.Within(NewContext("alice", "merge job", nil)))
	assert.Equal(t, "alice: synchronize < alice: merge job", synchronize.String())
	assert.Equal(t, "root", Root.String())
}

func TestTarget_Overlaps(t *testing.T) {
	a := BranchTarget(repo, "MAIN/A")
	assert.True(t, a.Overlaps(a))
	assert.False(t, a.Overlaps(BranchTarget(repo, "MAIN/B")))
	assert.True(t, a.Overlaps(RepositoryTarget(repo)))
	assert.True(t, RepositoryTarget(repo).Overlaps(a))
	assert.False(t, a.Overlaps(BranchTarget("other", "MAIN/A")))
	assert.Equal(t, "snomedct:*", RepositoryTarget(repo).String())
}

func TestParseWaitPolicy(t *testing.T) {
	p, err := ParseWaitPolicy("immediate", time.Second)
	require.NoError(t, err)
	assert.True(t, p.IsImmediate())

	p, err = ParseWaitPolicy("bounded", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Bounded(time.Second), p)

	_, err = ParseWaitPolicy("bounded", 0)
	assert.Error(t, err)
	_, err = ParseWaitPolicy("forever", time.Second)
	assert.Error(t, err)
}

func TestManager_LockUnlock(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	alice := NewContext("alice", "merge", nil)
	bob := NewContext("bob", "rebase", nil)
	target := BranchTarget(repo, "MAIN/A")

	lease, err := m.Lock(ctx, alice, Immediate, target)
	require.NoError(t, err)
	assert.True(t, m.IsLocked(target))

	_, err = m.Lock(ctx, bob, Immediate, target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
	var lockErr *OperationLockError
	require.True(t, errors.As(err, &lockErr))
	assert.True(t, lockErr.Holder.Equal(alice))
	assert.Contains(t, err.Error(), "MAIN/A")

	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())
	assert.False(t, m.IsLocked(target))

	_, err = m.Lock(ctx, bob, Immediate, target)
	assert.NoError(t, err)
}

func TestManager_NestedContextReentersWithoutGrant(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	job := NewContext("alice", "merge job", nil)
	synchronize := NewContext("alice", "synchronize", job)
	target := BranchTarget(repo, "MAIN")

	outer, err := m.Lock(ctx, job, Immediate, target)
	require.NoError(t, err)

	inner, err := m.Lock(ctx, synchronize, Immediate, target)
	require.NoError(t, err)
	require.NoError(t, inner.Release())
	assert.True(t, m.IsLocked(target), "inner release must not free the outer grant")

	require.NoError(t, outer.Release())
	assert.False(t, m.IsLocked(target))
}

func TestManager_RepositoryTargetConflictsWithBranches(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	alice := NewContext("alice", "import", nil)
	bob := NewContext("bob", "merge", nil)

	_, err := m.Lock(ctx, alice, Immediate, BranchTarget(repo, "MAIN/A"))
	require.NoError(t, err)

	_, err = m.Lock(ctx, bob, Immediate, RepositoryTarget(repo))
	assert.True(t, errors.Is(err, ErrLocked))

	_, err = m.Lock(ctx, bob, Immediate, BranchTarget(repo, "MAIN/B"))
	assert.NoError(t, err)
}

func TestManager_FailedBatchLeavesNothingHeld(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	alice := NewContext("alice", "merge", nil)
	bob := NewContext("bob", "merge", nil)

	_, err := m.Lock(ctx, alice, Immediate, BranchTarget(repo, "MAIN/C"))
	require.NoError(t, err)

	batch := []Target{
		BranchTarget(repo, "MAIN/A"),
		BranchTarget(repo, "MAIN/B"),
		BranchTarget(repo, "MAIN/C"),
	}
	_, err = m.Lock(ctx, bob, Immediate, batch...)
	require.Error(t, err)

	assert.False(t, m.IsLocked(batch[0]))
	assert.False(t, m.IsLocked(batch[1]))
	assert.Len(t, m.Locks(), 1)
}

func TestManager_ConcurrentAcquisitionExactlyOneWins(t *testing.T) {
	m := NewManager(Immediate)
	target := BranchTarget(repo, "MAIN/A")

	const workers = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			lc := NewContext("user", "merge", NewContext("worker", string(rune('a'+i)), nil))
			if _, err := m.Lock(context.Background(), lc, Immediate, target); err != nil {
				assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
				conflicts.Add(1)
				return
			}
			wins.Add(1)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func TestManager_IdenticalContextsDoNotShareLocks(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	target := BranchTarget(repo, "MAIN")

	first := NewContext("alice", "synchronize", nil)
	second := NewContext("alice", "synchronize", nil)

	lease, err := m.Lock(ctx, first, Immediate, target)
	require.NoError(t, err)

	_, err = m.Lock(ctx, second, Immediate, target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))
	var lockErr *OperationLockError
	require.True(t, errors.As(err, &lockErr))
	assert.True(t, lockErr.Holder.Equal(first))

	assert.ErrorIs(t, m.Unlock(second, target), ErrLockNotHeld)
	assert.True(t, m.IsLocked(target))

	require.NoError(t, lease.Release())
	assert.False(t, m.IsLocked(target))
}

func TestManager_ConcurrentIdenticalContextsExactlyOneWins(t *testing.T) {
	m := NewManager(Immediate)
	target := BranchTarget(repo, "MAIN/A")

	const workers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.Lock(context.Background(), NewContext("", "synchronize", nil), Immediate, target); err != nil {
				assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
				conflicts.Add(1)
				return
			}
			wins.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func TestManager_BoundedWaitAcquiresAfterRelease(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	target := BranchTarget(repo, "MAIN")

	lease, err := m.Lock(ctx, NewContext("alice", "merge", nil), Immediate, target)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.ReleaseAndLog()
	}()

	_, err = m.Lock(ctx, NewContext("bob", "merge", nil), Bounded(2*time.Second), target)
	assert.NoError(t, err)
}

func TestManager_BoundedWaitTimesOut(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	target := BranchTarget(repo, "MAIN")

	_, err := m.Lock(ctx, NewContext("alice", "merge", nil), Immediate, target)
	require.NoError(t, err)

	startedAt := time.Now()
	_, err = m.Lock(ctx, NewContext("bob", "merge", nil), Bounded(30*time.Millisecond), target)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.GreaterOrEqual(t, time.Since(startedAt), 30*time.Millisecond)
}

func TestManager_InterruptedWaitIsReported(t *testing.T) {
	m := NewManager(Immediate)
	target := BranchTarget(repo, "MAIN")

	_, err := m.Lock(context.Background(), NewContext("alice", "merge", nil), Immediate, target)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = m.Lock(ctx, NewContext("bob", "merge", nil), Bounded(time.Minute), target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterrupted))
	assert.Equal(t, apierror.KindConflict, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "interrupted")
}

func TestManager_UnlockForeignTarget(t *testing.T) {
	m := NewManager(Immediate)
	ctx := context.Background()
	target := BranchTarget(repo, "MAIN")
	alice := NewContext("alice", "merge", nil)

	_, err := m.Lock(ctx, alice, Immediate, target)
	require.NoError(t, err)

	err = m.Unlock(NewContext("bob", "merge", nil), target)
	assert.True(t, errors.Is(err, ErrLockNotHeld))
	assert.True(t, m.IsLocked(target))

	assert.NoError(t, m.Unlock(alice, BranchTarget(repo, "MAIN/untracked")))
}

func TestLease_PartialRelease(t *testing.T) {
	m := NewManager(Immediate)
	source := BranchTarget(repo, "MAIN")
	target := BranchTarget(repo, "MAIN/A")

	lease, err := m.Lock(context.Background(), NewContext("alice", "rebase", nil), Immediate, source, target)
	require.NoError(t, err)

	require.NoError(t, lease.Release(source))
	assert.False(t, m.IsLocked(source))
	assert.True(t, m.IsLocked(target))

	lease.ReleaseAndLog()
	assert.Empty(t, m.Locks())
}

func TestManager_SetDefaultPolicy(t *testing.T) {
	m := NewManager(Immediate)
	m.SetDefaultPolicy(Bounded(time.Second))
	assert.Equal(t, Bounded(time.Second), m.DefaultPolicy())
}
