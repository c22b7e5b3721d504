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
	"context"
	"log/slog"
	"sort"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// DefaultCommitMessage is used when a commit carries no message.
const DefaultCommitMessage = "Commit"

// MergeSource records which branch state a squash commit folded in.
type MergeSource struct {
	Path      string
	SegmentID int64
	Head      int64
}

// CommitRequest is one atomic write to a branch.
type CommitRequest struct {
	Path    string
	Author  string
	Message string

	// Puts are new object states; Deletes are object ids to remove. An id
	// may appear in only one of them. Deletes of objects that are not
	// visible on the branch are dropped.
	Puts    []*revision.Object
	Deletes []string

	// ExpectedHead, when non-zero, must equal the branch head at commit
	// time or the commit fails with a Conflict.
	ExpectedHead int64

	// AllowEmpty permits a commit that changes no objects.
	AllowEmpty bool

	// ReplayOf is the timestamp of the commit this one replays.
	ReplayOf int64

	// MergeSource is set on squash merge commits.
	MergeSource *MergeSource
}

// Commit writes req as one commit while holding the branch lock.
//
// # Description
//
// The lock is taken under a context nested in parent, so an operation that
// already holds the branch (a merge or rebase) can commit through here
// without releasing it first. Listeners are told after the transaction
// succeeds.
//
// # Outputs
//
//   - *Branch: The branch after the commit.
//   - revision.Commit: The commit record.
//   - error: BadRequest for deleted branches or invalid input, Conflict
//     when the branch moved or is locked, NotFound for missing branches.
func (r *Registry) Commit(ctx context.Context, parent *lock.Context, req CommitRequest) (*Branch, revision.Commit, error) {
	lc := lock.NewContext(req.Author, "commit on "+req.Path, parent)
	lease, err := r.locks.Lock(ctx, lc, r.locks.DefaultPolicy(), r.Target(req.Path))
	if err != nil {
		return nil, revision.Commit{}, err
	}
	defer lease.ReleaseAndLog()

	var b *Branch
	var commit revision.Commit
	err = r.store.Write(ctx, func(tx *revision.Tx) error {
		var err error
		b, commit, err = r.CommitTx(tx, req)
		return err
	})
	if err != nil {
		return nil, revision.Commit{}, err
	}

	observability.RecordCommit(commitOrigin(req))
	slog.Debug("Committed to branch",
		"path", b.Path,
		"timestamp", commit.Timestamp,
		"objects", len(commit.ObjectIDs))
	r.Notify(EventCommitted, b)
	return b, commit, nil
}

// CommitTx applies req inside tx and returns the updated branch. It does
// not lock or notify.
func (r *Registry) CommitTx(tx *revision.Tx, req CommitRequest) (*Branch, revision.Commit, error) {
	if err := validateCommit(req); err != nil {
		return nil, revision.Commit{}, err
	}

	b, err := r.GetLiveTx(tx, req.Path)
	if err != nil {
		return nil, revision.Commit{}, err
	}
	if req.ExpectedHead != 0 && req.ExpectedHead != b.Head {
		return nil, revision.Commit{}, apierror.Conflict(
			"branch '%s' moved: expected head %d, found %d", b.Path, req.ExpectedHead, b.Head)
	}

	view, err := r.ViewTx(tx, b)
	if err != nil {
		return nil, revision.Commit{}, err
	}
	ts, err := tx.Timestamp()
	if err != nil {
		return nil, revision.Commit{}, err
	}

	var ids []string
	for _, obj := range req.Puts {
		if err := tx.Put(b.SegmentID, ts, obj); err != nil {
			return nil, revision.Commit{}, err
		}
		ids = append(ids, obj.ID)
	}
	for _, id := range req.Deletes {
		current, err := tx.Get(view, id)
		if err != nil {
			return nil, revision.Commit{}, err
		}
		if current == nil {
			continue
		}
		if err := tx.Delete(b.SegmentID, ts, id); err != nil {
			return nil, revision.Commit{}, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 && !req.AllowEmpty {
		return nil, revision.Commit{}, apierror.BadRequest("nothing to commit on branch '%s'", b.Path)
	}
	sort.Strings(ids)

	message := req.Message
	if message == "" {
		message = DefaultCommitMessage
	}
	commit := revision.Commit{
		Timestamp:  ts,
		SegmentID:  b.SegmentID,
		BranchPath: b.Path,
		Author:     req.Author,
		Message:    message,
		ObjectIDs:  ids,
		ReplayOf:   req.ReplayOf,
	}
	if ms := req.MergeSource; ms != nil {
		commit.MergeSource = ms.Path
		commit.MergeSourceSegment = ms.SegmentID
		commit.MergeSourceHead = ms.Head
	}
	if err := tx.PutCommit(commit); err != nil {
		return nil, revision.Commit{}, err
	}

	b.Head = ts
	if err := r.SaveTx(tx, b); err != nil {
		return nil, revision.Commit{}, err
	}
	return b, commit, nil
}

func validateCommit(req CommitRequest) error {
	seen := make(map[string]struct{}, len(req.Puts)+len(req.Deletes))
	for _, obj := range req.Puts {
		if obj == nil {
			return apierror.BadRequest("commit contains an empty object")
		}
		if err := revision.ValidateObjectID(obj.ID); err != nil {
			return apierror.Wrap(apierror.KindBadRequest, err, "invalid commit")
		}
		if _, dup := seen[obj.ID]; dup {
			return apierror.BadRequest("object '%s' appears more than once in the commit", obj.ID)
		}
		seen[obj.ID] = struct{}{}
	}
	for _, id := range req.Deletes {
		if err := revision.ValidateObjectID(id); err != nil {
			return apierror.Wrap(apierror.KindBadRequest, err, "invalid commit")
		}
		if _, dup := seen[id]; dup {
			return apierror.BadRequest("object '%s' appears more than once in the commit", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func commitOrigin(req CommitRequest) string {
	switch {
	case req.MergeSource != nil:
		return "merge"
	case req.ReplayOf != 0:
		return "replay"
	default:
		return "direct"
	}
}
