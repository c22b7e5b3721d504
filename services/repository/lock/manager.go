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
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Info describes one held target.
type Info struct {
	Target     Target    `json:"target"`
	Holder     *Context  `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

type holder struct {
	ctx      *Context
	acquired time.Time
}

// Manager is the lock table of one running repository.
//
// # Description
//
// Maps each held Target to the Context holding it. A Context may acquire a
// target that is held by itself or by one of its ancestors; such a request
// is satisfied without recording a new grant, and releasing it later is a
// no-op. Unrelated contexts never hold overlapping targets at the same time.
//
// Batches are all-or-nothing: if any target of a Lock call is unavailable,
// every target granted earlier in the same call is released before the
// error is returned.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	held     map[Target]*holder
	released chan struct{}
	policy   WaitPolicy
	now      func() time.Time
}

// NewManager creates an empty lock table whose default wait policy is
// policy.
func NewManager(policy WaitPolicy) *Manager {
	return &Manager{
		held:     make(map[Target]*holder),
		released: make(chan struct{}),
		policy:   policy,
		now:      time.Now,
	}
}

// DefaultPolicy returns the wait policy used when callers do not choose one.
func (m *Manager) DefaultPolicy() WaitPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetDefaultPolicy replaces the default wait policy. Waits already in
// progress keep the policy they started with.
func (m *Manager) SetDefaultPolicy(policy WaitPolicy) {
	m.mu.Lock()
	prev := m.policy
	m.policy = policy
	m.mu.Unlock()
	if prev != policy {
		slog.Info("Lock wait policy changed", "from", prev.String(), "to", policy.String())
	}
}

// Lock acquires every target for lc.
//
// # Description
//
// Tries to take all targets at once. When one is unavailable and policy
// allows waiting, Lock sleeps until some target anywhere is released and
// tries again, up to policy.Timeout. Cancellation of ctx while waiting
// returns an OperationLockError wrapping ErrInterrupted.
//
// # Inputs
//
//   - ctx: Bounds the wait.
//   - lc: The requesting context. Must not be nil.
//   - policy: Immediate or Bounded.
//   - targets: The targets to acquire. Duplicates are ignored.
//
// # Outputs
//
//   - *Lease: Releases exactly the grants made by this call.
//   - error: *OperationLockError when any target is unavailable.
//
// # Example
//
//	lease, err := m.Lock(ctx, lc, lock.Immediate, source, target)
//	if err != nil {
//	    return err
//	}
//	defer lease.ReleaseAndLog()
func (m *Manager) Lock(ctx context.Context, lc *Context, policy WaitPolicy, targets ...Target) (*Lease, error) {
	if lc == nil {
		lc = Root
	}

	var deadline <-chan time.Time
	if !policy.IsImmediate() {
		timer := time.NewTimer(policy.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		granted, lockErr := m.tryLock(lc, targets)
		wake := m.released
		m.mu.Unlock()

		if lockErr == nil {
			return &Lease{m: m, ctx: lc, targets: granted}, nil
		}
		if policy.IsImmediate() {
			return nil, lockErr
		}

		select {
		case <-ctx.Done():
			return nil, &OperationLockError{Target: lockErr.Target, Requester: lc, Err: ErrInterrupted}
		case <-deadline:
			return nil, lockErr
		case <-wake:
		}
	}
}

// tryLock grants targets or none of them. Callers hold m.mu.
func (m *Manager) tryLock(lc *Context, targets []Target) ([]Target, *OperationLockError) {
	var granted []Target
	seen := make(map[Target]struct{}, len(targets))

	for _, t := range targets {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		owned := false
		for heldTarget, h := range m.held {
			if !heldTarget.Overlaps(t) {
				continue
			}
			if lc.Within(h.ctx) {
				if heldTarget == t {
					owned = true
				}
				continue
			}
			m.rollback(granted)
			return nil, &OperationLockError{
				Target:    t,
				Requester: lc,
				Holder:    h.ctx,
				Since:     h.acquired,
				Err:       ErrLocked,
			}
		}
		if owned {
			continue
		}
		m.held[t] = &holder{ctx: lc, acquired: m.now()}
		granted = append(granted, t)
	}
	return granted, nil
}

func (m *Manager) rollback(granted []Target) {
	for _, t := range granted {
		delete(m.held, t)
	}
	if len(granted) > 0 {
		m.broadcast()
	}
}

// broadcast wakes every waiter. Callers hold m.mu.
func (m *Manager) broadcast() {
	close(m.released)
	m.released = make(chan struct{})
}

// Unlock releases targets held by lc.
//
// # Description
//
// Targets that are not held at all, or that lc only holds through an
// ancestor, are skipped silently. A target held by an unrelated context is
// left alone and reported with ErrLockNotHeld after the remaining targets
// have been processed.
func (m *Manager) Unlock(lc *Context, targets ...Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	released := false
	for _, t := range targets {
		h, ok := m.held[t]
		if !ok {
			continue
		}
		if h.ctx.Equal(lc) {
			delete(m.held, t)
			released = true
			continue
		}
		if lc.Within(h.ctx) {
			continue
		}
		if firstErr == nil {
			firstErr = &OperationLockError{Target: t, Requester: lc, Holder: h.ctx, Since: h.acquired, Err: ErrLockNotHeld}
		}
	}
	if released {
		m.broadcast()
	}
	return firstErr
}

// Locks lists the held targets ordered by target.
func (m *Manager) Locks() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.held))
	for t, h := range m.held {
		infos = append(infos, Info{Target: t, Holder: h.ctx, AcquiredAt: h.acquired})
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Target.RepositoryID != infos[j].Target.RepositoryID {
			return infos[i].Target.RepositoryID < infos[j].Target.RepositoryID
		}
		return infos[i].Target.Path < infos[j].Target.Path
	})
	return infos
}

// IsLocked reports whether t is held by any context.
func (m *Manager) IsLocked(t Target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[t]
	return ok
}

// Lease is the set of grants made by one Lock call.
//
// # Thread Safety
//
// A Lease belongs to the goroutine running the locked unit of work.
type Lease struct {
	m       *Manager
	ctx     *Context
	targets []Target
}

// Context returns the holder of the lease.
func (l *Lease) Context() *Context {
	return l.ctx
}

// Release gives back the listed targets, or every remaining target when
// none are listed. Releasing a target twice is a no-op.
func (l *Lease) Release(targets ...Target) error {
	if l == nil {
		return nil
	}
	if len(targets) == 0 {
		targets = l.targets
	}

	var mine []Target
	remaining := l.targets[:0:0]
	for _, t := range l.targets {
		if containsTarget(targets, t) {
			mine = append(mine, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	l.targets = remaining
	if len(mine) == 0 {
		return nil
	}
	return l.m.Unlock(l.ctx, mine...)
}

// ReleaseAndLog releases every remaining target, logging instead of
// returning a failure. Meant for defer.
func (l *Lease) ReleaseAndLog() {
	if err := l.Release(); err != nil {
		slog.Warn("Failed to release locks", "context", l.ctx.String(), "error", err)
	}
}

func containsTarget(targets []Target, t Target) bool {
	for _, c := range targets {
		if c == t {
			return true
		}
	}
	return false
}
