// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package branch owns branch records: creation, lookup, search, soft
// deletion, metadata, the commit machinery and the derived BranchState.
package branch

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/gobwas/glob"
)

const keyPrefix = "branch/"

// DefaultSearchLimit caps search pages when the caller does not.
const DefaultSearchLimit = 50

func branchKey(path string) string {
	return keyPrefix + path
}

// Registry resolves and mutates branch records.
//
// # Description
//
// Records are stored as documents in the revision store, one per path.
// Structural changes to a branch (commits, re-creation, deletion) are made
// while holding that branch's lock in the shared lock table. Metadata
// updates replace the whole map in a single transaction without locking.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	store        *revision.Store
	locks        *lock.Manager
	repositoryID string
	listeners    listeners
	now          func() time.Time
}

// NewRegistry opens the registry over store and makes sure the root branch
// exists.
func NewRegistry(ctx context.Context, store *revision.Store, locks *lock.Manager, repositoryID string) (*Registry, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if locks == nil {
		return nil, errors.New("lock manager must not be nil")
	}
	if repositoryID == "" {
		return nil, errors.New("repository id must not be empty")
	}

	r := &Registry{store: store, locks: locks, repositoryID: repositoryID, now: time.Now}
	err := store.Write(ctx, func(tx *revision.Tx) error {
		var root Branch
		found, err := tx.GetDoc(branchKey(RootPath), &root)
		if err != nil || found {
			return err
		}
		if _, err := tx.CreateRootSegment(RootPath); err != nil {
			return err
		}
		slog.Info("Initialized root branch", "repository", repositoryID, "path", RootPath)
		return r.SaveTx(tx, &Branch{
			Path:            RootPath,
			Name:            RootPath,
			SegmentID:       revision.RootSegmentID,
			ParentSegmentID: revision.NoParent,
		})
	})
	if err != nil {
		return nil, apierror.Internal(err, "initialize branch registry")
	}
	return r, nil
}

// Store returns the underlying revision store.
func (r *Registry) Store() *revision.Store {
	return r.store
}

// Locks returns the lock table shared by structural operations.
func (r *Registry) Locks() *lock.Manager {
	return r.locks
}

// RepositoryID returns the id used in lock targets.
func (r *Registry) RepositoryID() string {
	return r.repositoryID
}

// Target returns the lock target of path.
func (r *Registry) Target(path string) lock.Target {
	return lock.BranchTarget(r.repositoryID, path)
}

// AddChangeListener registers fn for branch change notifications and
// returns a function that removes it.
func (r *Registry) AddChangeListener(fn Listener) func() {
	return r.listeners.add(fn)
}

// Notify sends a change notification for b.
func (r *Registry) Notify(eventType EventType, b *Branch) {
	r.listeners.notify(Event{Type: eventType, Path: b.Path, Branch: b.Clone(), Timestamp: r.now()})
}

// -----------------------------------------------------------------------------
// Transactional primitives
// -----------------------------------------------------------------------------

// GetTx loads the record at path inside tx.
func (r *Registry) GetTx(tx *revision.Tx, path string) (*Branch, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	var b Branch
	found, err := tx.GetDoc(branchKey(path), &b)
	if err != nil {
		return nil, apierror.Internal(err, "load branch %s", path)
	}
	if !found {
		return nil, apierror.NotFound("Branch", path)
	}
	return &b, nil
}

// GetLiveTx is GetTx for mutating callers: deleted branches are rejected
// with BadRequest.
func (r *Registry) GetLiveTx(tx *revision.Tx, path string) (*Branch, error) {
	b, err := r.GetTx(tx, path)
	if err != nil {
		return nil, err
	}
	if b.Deleted {
		return nil, apierror.Wrap(apierror.KindBadRequest, ErrBranchDeleted, "cannot modify '%s'", path)
	}
	return b, nil
}

// SaveTx persists b inside tx. The derived State is not stored.
func (r *Registry) SaveTx(tx *revision.Tx, b *Branch) error {
	rec := b.Clone()
	rec.State = StateUnknown
	return tx.PutDoc(branchKey(b.Path), rec)
}

// ViewTx returns the revision view of b at its head.
func (r *Registry) ViewTx(tx *revision.Tx, b *Branch) (revision.View, error) {
	return tx.ViewOf(b.SegmentID, b.Head)
}

// StateTx computes the state of b relative to ref inside tx.
func (r *Registry) StateTx(tx *revision.Tx, b, ref *Branch) (State, error) {
	cmp := Comparison{Branch: b, Reference: ref}
	if quick := Compute(cmp); quick == StateStale || (b.Path == ref.Path && b.SegmentID == ref.SegmentID) {
		return quick, nil
	}

	bv, err := r.ViewTx(tx, b)
	if err != nil {
		return StateUnknown, err
	}
	rv, err := r.ViewTx(tx, ref)
	if err != nil {
		return StateUnknown, err
	}
	base := revision.MergeBase(bv, rv)
	if cmp.BranchCommits, err = tx.CommitsBeyond(bv, base); err != nil {
		return StateUnknown, err
	}
	if cmp.ReferenceCommits, err = tx.CommitsBeyond(rv, base); err != nil {
		return StateUnknown, err
	}
	return Compute(cmp), nil
}

// withStateTx fills b.State relative to b's parent.
func (r *Registry) withStateTx(tx *revision.Tx, b *Branch) (*Branch, error) {
	if b.IsRoot() {
		b.State = StateUpToDate
		return b, nil
	}
	parent, err := r.GetTx(tx, b.ParentPath)
	if err != nil {
		return nil, err
	}
	if b.State, err = r.StateTx(tx, b, parent); err != nil {
		return nil, err
	}
	return b, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Get returns the branch at path with its state relative to its parent.
func (r *Registry) Get(ctx context.Context, path string) (*Branch, error) {
	var b *Branch
	err := r.store.Read(ctx, func(tx *revision.Tx) error {
		found, err := r.GetTx(tx, path)
		if err != nil {
			return err
		}
		b, err = r.withStateTx(tx, found)
		return err
	})
	return b, err
}

// State returns the state of the branch at path relative to relativeTo.
func (r *Registry) State(ctx context.Context, path, relativeTo string) (State, error) {
	var state State
	err := r.store.Read(ctx, func(tx *revision.Tx) error {
		b, err := r.GetTx(tx, path)
		if err != nil {
			return err
		}
		ref, err := r.GetTx(tx, relativeTo)
		if err != nil {
			return err
		}
		state, err = r.StateTx(tx, b, ref)
		return err
	})
	return state, err
}

// CreateRequest describes a new branch.
type CreateRequest struct {
	Parent   string         `json:"parent" binding:"required"`
	Name     string         `json:"name" binding:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Create forks a new branch from the current head of its parent.
//
// # Description
//
// A live branch at the same path is a Conflict. A deleted one is replaced:
// the path gets a fresh segment at the parent's head and the new metadata,
// which is how a deleted branch is re-created.
//
// # Outputs
//
//   - *Branch: The new branch, UP_TO_DATE with its parent.
//   - error: BadRequest for invalid names or a deleted parent, NotFound for
//     a missing parent, Conflict for an existing branch or a held lock.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Branch, error) {
	if err := ValidatePath(req.Parent); err != nil {
		return nil, err
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	path := Join(req.Parent, req.Name)

	lc := lock.NewContext("", "create branch "+path, nil)
	lease, err := r.locks.Lock(ctx, lc, r.locks.DefaultPolicy(), r.Target(path))
	if err != nil {
		return nil, err
	}
	defer lease.ReleaseAndLog()

	var created *Branch
	err = r.store.Write(ctx, func(tx *revision.Tx) error {
		parent, err := r.GetTx(tx, req.Parent)
		if err != nil {
			return err
		}
		if parent.Deleted {
			return apierror.Wrap(apierror.KindBadRequest, ErrBranchDeleted, "cannot branch from '%s'", parent.Path)
		}

		var existing Branch
		found, err := tx.GetDoc(branchKey(path), &existing)
		if err != nil {
			return err
		}
		if found && !existing.Deleted {
			return apierror.Conflict("Branch '%s' already exists", path)
		}

		seg, err := tx.NewSegment(path, parent.SegmentID, parent.Head)
		if err != nil {
			return err
		}
		created = &Branch{
			Path:            path,
			ParentPath:      parent.Path,
			Name:            req.Name,
			Base:            parent.Head,
			Head:            parent.Head,
			Metadata:        maps.Clone(req.Metadata),
			SegmentID:       seg.ID,
			ParentSegmentID: parent.SegmentID,
			State:           StateUpToDate,
		}
		if found {
			slog.Info("Re-creating deleted branch", "path", path, "old_segment", existing.SegmentID, "segment", seg.ID)
		}
		return r.SaveTx(tx, created)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Created branch", "path", path, "base", created.Base, "segment", created.SegmentID)
	r.Notify(EventCreated, created)
	return created, nil
}

// SearchRequest filters branches. Empty fields match everything.
type SearchRequest struct {
	// Parent matches the exact parent path.
	Parent string

	// Name is a glob over branch names, e.g. "task-*".
	Name string

	// Deleted, when set, matches only branches with that flag.
	Deleted *bool

	Offset int
	Limit  int
}

// SearchResult is one page of branches.
type SearchResult struct {
	Items  []*Branch `json:"items"`
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

// Search lists branches in path order, each with its derived state.
func (r *Registry) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if req.Offset < 0 {
		return SearchResult{}, apierror.BadRequest("offset must not be negative")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultSearchLimit
	}

	var matcher glob.Glob
	if req.Name != "" {
		g, err := glob.Compile(req.Name)
		if err != nil {
			return SearchResult{}, apierror.Wrap(apierror.KindBadRequest, err, "invalid name pattern '%s'", req.Name)
		}
		matcher = g
	}

	result := SearchResult{Items: []*Branch{}, Offset: req.Offset, Limit: req.Limit}
	err := r.store.Read(ctx, func(tx *revision.Tx) error {
		var matched []*Branch
		err := tx.ScanDocs(keyPrefix, func(_ string, decode func(v any) error) error {
			var b Branch
			if err := decode(&b); err != nil {
				return err
			}
			if req.Parent != "" && b.ParentPath != req.Parent {
				return nil
			}
			if matcher != nil && !matcher.Match(b.Name) {
				return nil
			}
			if req.Deleted != nil && b.Deleted != *req.Deleted {
				return nil
			}
			matched = append(matched, &b)
			return nil
		})
		if err != nil {
			return err
		}

		result.Total = len(matched)
		if req.Offset >= len(matched) {
			return nil
		}
		page := matched[req.Offset:min(req.Offset+req.Limit, len(matched))]
		for _, b := range page {
			withState, err := r.withStateTx(tx, b)
			if err != nil {
				return err
			}
			result.Items = append(result.Items, withState)
		}
		return nil
	})
	return result, err
}

// Delete soft-deletes the branch at path and every branch below it.
//
// # Description
//
// Records stay in place with Deleted set; their content remains readable.
// The root branch cannot be deleted. Deleting a deleted branch is a no-op
// that returns it. Every branch of the subtree is locked in one batch, so
// none of them can be deleted under a running merge or rebase.
func (r *Registry) Delete(ctx context.Context, path string) (*Branch, error) {
	if path == RootPath {
		return nil, apierror.BadRequest("%s cannot be deleted", RootPath)
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxDeleteAttempts; attempt++ {
		target, err := r.deleteSubtree(ctx, path)
		if !errors.Is(err, errSubtreeChanged) {
			return target, err
		}
		slog.Debug("Branch subtree changed while locking, retrying delete", "path", path, "attempt", attempt+1)
	}
	return nil, apierror.Wrap(apierror.KindConflict, errSubtreeChanged, "delete branch '%s'", path)
}

const maxDeleteAttempts = 3

var errSubtreeChanged = errors.New("branches were created below the deleted branch concurrently")

// subtreeTx returns the branch at path followed by every branch below it.
func (r *Registry) subtreeTx(tx *revision.Tx, path string) ([]*Branch, error) {
	b, err := r.GetTx(tx, path)
	if err != nil {
		return nil, err
	}
	subtree := []*Branch{b}
	err = tx.ScanDocs(branchKey(path+Separator), func(_ string, decode func(v any) error) error {
		var child Branch
		if err := decode(&child); err != nil {
			return err
		}
		subtree = append(subtree, &child)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtree, nil
}

func (r *Registry) deleteSubtree(ctx context.Context, path string) (*Branch, error) {
	var subtree []*Branch
	err := r.store.Read(ctx, func(tx *revision.Tx) error {
		var err error
		subtree, err = r.subtreeTx(tx, path)
		return err
	})
	if err != nil {
		return nil, err
	}

	locked := make(map[string]struct{}, len(subtree))
	targets := make([]lock.Target, 0, len(subtree))
	for _, b := range subtree {
		locked[b.Path] = struct{}{}
		targets = append(targets, r.Target(b.Path))
	}

	lc := lock.NewContext("", "delete branch "+path, nil)
	lease, err := r.locks.Lock(ctx, lc, r.locks.DefaultPolicy(), targets...)
	if err != nil {
		return nil, err
	}
	defer lease.ReleaseAndLog()

	var deleted []*Branch
	var target *Branch
	err = r.store.Write(ctx, func(tx *revision.Tx) error {
		deleted = deleted[:0]
		current, err := r.subtreeTx(tx, path)
		if err != nil {
			return err
		}
		target = current[0]

		for _, sb := range current {
			if sb.Deleted {
				continue
			}
			if _, ok := locked[sb.Path]; !ok {
				return errSubtreeChanged
			}
			sb.Deleted = true
			if err := r.SaveTx(tx, sb); err != nil {
				return err
			}
			deleted = append(deleted, sb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, b := range deleted {
		slog.Info("Deleted branch", "path", b.Path)
		r.Notify(EventDeleted, b)
	}
	return target, nil
}

// Reopen clears the deleted flag of the branch at path. Timestamps are left
// alone. The parent must be live.
func (r *Registry) Reopen(ctx context.Context, path string) (bool, error) {
	var reopened *Branch
	err := r.store.Write(ctx, func(tx *revision.Tx) error {
		reopened = nil
		b, err := r.GetTx(tx, path)
		if err != nil {
			return err
		}
		if !b.Deleted {
			return nil
		}
		if !b.IsRoot() {
			if _, err := r.GetLiveTx(tx, b.ParentPath); err != nil {
				return err
			}
		}
		b.Deleted = false
		reopened = b
		return r.SaveTx(tx, b)
	})
	if err != nil {
		return false, err
	}
	if reopened != nil {
		slog.Info("Reopened branch", "path", path)
		r.Notify(EventReopened, reopened)
	}
	return true, nil
}

// UpdateMetadata replaces the metadata of the branch at path wholesale.
func (r *Registry) UpdateMetadata(ctx context.Context, path string, metadata map[string]any) (bool, error) {
	var updated *Branch
	err := r.store.Write(ctx, func(tx *revision.Tx) error {
		b, err := r.GetLiveTx(tx, path)
		if err != nil {
			return err
		}
		b.Metadata = maps.Clone(metadata)
		updated = b
		return r.SaveTx(tx, b)
	})
	if err != nil {
		return false, err
	}
	r.Notify(EventMetadataUpdated, updated)
	return true, nil
}

// -----------------------------------------------------------------------------
// Reads through branches
// -----------------------------------------------------------------------------

// ResolveTx returns the view a point reference selects. Range references
// are resolved by the compare façade, not here.
func (r *Registry) ResolveTx(tx *revision.Tx, ref Ref) (*Branch, revision.View, error) {
	if ref.Kind == RefRange {
		return nil, nil, apierror.BadRequest("range reference '%s' does not denote a single point", ref)
	}
	b, err := r.GetTx(tx, ref.Path)
	if err != nil {
		return nil, nil, err
	}

	switch ref.Kind {
	case RefBase:
		view, err := tx.ViewOf(b.SegmentID, b.Base)
		return b, view, err
	case RefAt:
		view, err := tx.ViewOf(b.SegmentID, min(ref.Timestamp, b.Head))
		if err != nil {
			return nil, nil, err
		}
		for i := range view {
			view[i].Limit = min(view[i].Limit, ref.Timestamp)
		}
		return b, view, nil
	default:
		view, err := r.ViewTx(tx, b)
		return b, view, err
	}
}

// GetObject reads one object through the reference s (path, path@ts or
// path^).
func (r *Registry) GetObject(ctx context.Context, s, objectID string) (*revision.Object, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return nil, err
	}
	if err := revision.ValidateObjectID(objectID); err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, err, "get object")
	}

	var obj *revision.Object
	err = r.store.Read(ctx, func(tx *revision.Tx) error {
		_, view, err := r.ResolveTx(tx, ref)
		if err != nil {
			return err
		}
		obj, err = tx.Get(view, objectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, apierror.NotFound("Object", objectID+" on "+s)
	}
	return obj, nil
}

// History lists the commits visible on the branch at path, newest first.
func (r *Registry) History(ctx context.Context, path string) ([]revision.Commit, error) {
	var history []revision.Commit
	err := r.store.Read(ctx, func(tx *revision.Tx) error {
		b, err := r.GetTx(tx, path)
		if err != nil {
			return err
		}
		view, err := r.ViewTx(tx, b)
		if err != nil {
			return err
		}
		history, err = tx.History(view)
		return err
	})
	return history, err
}
