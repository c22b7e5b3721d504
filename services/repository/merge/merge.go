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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// Merge folds the changes of req.Source into req.Target as one squashed
// commit.
//
// # Description
//
// Both branches are locked for the whole operation. When the source has
// nothing the target lacks (UP_TO_DATE or BEHIND relative to it) the target
// is returned unchanged. Otherwise the changes each side made since their
// merge base are reconciled; any conflict aborts the merge with a
// *ConflictError listing all of them, and nothing is committed.
//
// # Inputs
//
//   - ctx: Cancels a lock wait.
//   - req: Source and target paths, author, commit comment, optional
//     review id and parent lock context.
//
// # Outputs
//
//   - *branch.Branch: The target after the merge, with its state.
//   - error: BadRequest for self-merges and deleted branches, NotFound for
//     missing branches, Conflict for content conflicts, held locks and
//     stale reviews.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Engine) Merge(ctx context.Context, req Request) (*branch.Branch, error) {
	started := time.Now()
	ctx, span := e.start(ctx, "merge", req)
	defer span.End()

	result, noop, err := e.merge(ctx, req)
	e.finish(span, "merge", started, noop, err)
	return result, err
}

func (e *Engine) merge(ctx context.Context, req Request) (*branch.Branch, bool, error) {
	if req.Source == req.Target {
		return nil, false, apierror.BadRequest("Can't merge branch '%s' onto itself.", req.Source)
	}
	if err := branch.ValidatePath(req.Source); err != nil {
		return nil, false, err
	}
	if err := branch.ValidatePath(req.Target); err != nil {
		return nil, false, err
	}

	lease, err := e.lockPair(ctx, "merge", req)
	if err != nil {
		return nil, false, err
	}
	defer lease.ReleaseAndLog()

	if err := e.checkReview(ctx, req); err != nil {
		return nil, false, err
	}

	var source, target *branch.Branch
	var state branch.State
	var sourceView, targetView revision.View
	err = e.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		var err error
		if source, err = e.branches.GetTx(tx, req.Source); err != nil {
			return err
		}
		if source.Deleted {
			return apierror.Wrap(apierror.KindBadRequest, branch.ErrBranchDeleted, "cannot merge from '%s'", source.Path)
		}
		if target, err = e.branches.GetLiveTx(tx, req.Target); err != nil {
			return err
		}
		if state, err = e.branches.StateTx(tx, source, target); err != nil {
			return err
		}
		if sourceView, err = e.branches.ViewTx(tx, source); err != nil {
			return err
		}
		targetView, err = e.branches.ViewTx(tx, target)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if state == branch.StateUpToDate || state == branch.StateBehind {
		slog.Info("Nothing to merge",
			"source", source.Path,
			"target", target.Path,
			"state", state.String())
		unchanged, err := e.branches.Get(ctx, target.Path)
		return unchanged, true, err
	}

	base := revision.MergeBase(sourceView, targetView)
	incoming, existing, err := e.changeSets(ctx, base, sourceView, targetView)
	if err != nil {
		return nil, false, apierror.Internal(err, "compute change sets of '%s' and '%s'", source.Path, target.Path)
	}

	rec, err := e.reconcile(incoming, existing, source.Path, target.Path)
	if err != nil {
		return nil, false, apierror.Internal(err, "classify changes of '%s' and '%s'", source.Path, target.Path)
	}
	if len(rec.conflicts) > 0 {
		return nil, false, &ConflictError{Operation: "merge", Source: source.Path, Target: target.Path, Conflicts: rec.conflicts}
	}

	var puts []*revision.Object
	var deletes []string
	for _, c := range rec.clean {
		if c.After == nil {
			deletes = append(deletes, c.ObjectID)
			continue
		}
		puts = append(puts, c.After.Clone())
	}
	for id, cls := range rec.classified {
		apply(id, cls, &puts, &deletes)
	}

	message := req.CommitComment
	if message == "" {
		message = fmt.Sprintf("Merge %s into %s", source.Path, target.Path)
	}
	merged, commit, err := e.branches.Commit(ctx, lease.Context(), branch.CommitRequest{
		Path:         target.Path,
		Author:       req.UserID,
		Message:      message,
		Puts:         puts,
		Deletes:      deletes,
		ExpectedHead: target.Head,
		AllowEmpty:   true,
		MergeSource: &branch.MergeSource{
			Path:      source.Path,
			SegmentID: source.SegmentID,
			Head:      source.Head,
		},
	})
	if err != nil {
		return nil, false, err
	}

	slog.Info("Merged branch",
		"source", source.Path,
		"target", target.Path,
		"timestamp", commit.Timestamp,
		"objects", len(commit.ObjectIDs))

	result, err := e.branches.Get(ctx, merged.Path)
	return result, false, err
}
