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
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/revision"
)

// replayStep is one commit of the pre-rebase target, reduced to the writes
// that still apply on top of the source.
type replayStep struct {
	commit  revision.Commit
	puts    []*revision.Object
	deletes []string
}

// Rebase moves req.Target onto the current head of req.Source, its parent,
// replaying the target's own commits on top.
//
// # Description
//
// The target keeps its path but gets a new segment based at the source's
// head; its commits are replayed there one by one, so history is preserved
// rather than squashed. A target that is UP_TO_DATE or FORWARD relative to
// the source is returned unchanged.
//
// Before anything is written the target's changes are reconciled against
// the source's changes since the fork point. Conflicts abort the rebase
// with a *ConflictError. The source lock is released once the new segment
// exists; failing to release it is logged and does not fail the rebase.
//
// # Inputs
//
//   - ctx: Cancels a lock wait.
//   - req: Source is the parent path, Target the child being rebased.
//
// # Outputs
//
//   - *branch.Branch: The rebased target with its state.
//   - error: BadRequest when Target is not a direct child of Source or
//     either branch is deleted, NotFound for missing branches, Conflict for
//     content conflicts, held locks and stale reviews.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *Engine) Rebase(ctx context.Context, req Request) (*branch.Branch, error) {
	started := time.Now()
	ctx, span := e.start(ctx, "rebase", req)
	defer span.End()

	result, noop, err := e.rebase(ctx, req)
	e.finish(span, "rebase", started, noop, err)
	return result, err
}

func (e *Engine) rebase(ctx context.Context, req Request) (*branch.Branch, bool, error) {
	if err := branch.ValidatePath(req.Source); err != nil {
		return nil, false, err
	}
	if err := branch.ValidatePath(req.Target); err != nil {
		return nil, false, err
	}
	if branch.ParentOf(req.Target) != req.Source {
		return nil, false, apierror.BadRequest(
			"Can't rebase '%s' on '%s': only a direct child can be rebased on its parent.", req.Target, req.Source)
	}

	lease, err := e.lockPair(ctx, "rebase", req)
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
	var own []revision.Commit
	touchedBy := make(map[int64][]revision.Revision)
	err = e.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		var err error
		if target, err = e.branches.GetLiveTx(tx, req.Target); err != nil {
			return err
		}
		if source, err = e.branches.GetTx(tx, req.Source); err != nil {
			return err
		}
		if source.Deleted {
			return apierror.Wrap(apierror.KindBadRequest, branch.ErrBranchDeleted, "cannot rebase on '%s'", source.Path)
		}
		if state, err = e.branches.StateTx(tx, target, source); err != nil {
			return err
		}
		if state == branch.StateUpToDate || state == branch.StateForward {
			return nil
		}
		if sourceView, err = e.branches.ViewTx(tx, source); err != nil {
			return err
		}
		if targetView, err = e.branches.ViewTx(tx, target); err != nil {
			return err
		}

		beyond, err := tx.CommitsBeyond(targetView, revision.MergeBase(targetView, sourceView))
		if err != nil {
			return err
		}
		for _, c := range beyond {
			if c.SegmentID != target.SegmentID {
				continue
			}
			revs, err := tx.Revisions(c.SegmentID, c.Timestamp-1, c.Timestamp)
			if err != nil {
				return err
			}
			own = append(own, c)
			touchedBy[c.Timestamp] = revs
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if state == branch.StateUpToDate || state == branch.StateForward {
		slog.Info("Nothing to rebase",
			"source", source.Path,
			"target", target.Path,
			"state", state.String())
		unchanged, err := e.branches.Get(ctx, target.Path)
		return unchanged, true, err
	}

	base := revision.MergeBase(targetView, sourceView)
	incoming, existing, err := e.changeSets(ctx, base, targetView, sourceView)
	if err != nil {
		return nil, false, apierror.Internal(err, "compute change sets of '%s' and '%s'", target.Path, source.Path)
	}
	rec, err := e.reconcile(incoming, existing, target.Path, source.Path)
	if err != nil {
		return nil, false, apierror.Internal(err, "classify changes of '%s' and '%s'", target.Path, source.Path)
	}
	if len(rec.conflicts) > 0 {
		return nil, false, &ConflictError{Operation: "rebase", Source: source.Path, Target: target.Path, Conflicts: rec.conflicts}
	}

	steps := planReplay(own, touchedBy, rec)

	original := target.Clone()
	var rebased *branch.Branch
	err = e.branches.Store().Write(ctx, func(tx *revision.Tx) error {
		current, err := e.branches.GetLiveTx(tx, target.Path)
		if err != nil {
			return err
		}
		if current.SegmentID != target.SegmentID || current.Head != target.Head {
			return apierror.Conflict("branch '%s' moved during rebase on '%s'", target.Path, source.Path)
		}
		seg, err := tx.NewSegment(current.Path, source.SegmentID, source.Head)
		if err != nil {
			return err
		}
		current.SegmentID = seg.ID
		current.ParentSegmentID = source.SegmentID
		current.Base = source.Head
		current.Head = source.Head
		rebased = current
		return e.branches.SaveTx(tx, current)
	})
	if err != nil {
		return nil, false, err
	}
	slog.Info("Rebased branch onto new segment",
		"target", target.Path,
		"source", source.Path,
		"segment", rebased.SegmentID,
		"base", rebased.Base)

	if err := lease.Release(e.branches.Target(source.Path)); err != nil {
		slog.Warn("Failed to release source lock after rebase",
			"source", source.Path,
			"target", target.Path,
			"error", err)
	}

	if len(steps) == 0 {
		e.branches.Notify(branch.EventChanged, rebased)
		result, err := e.branches.Get(ctx, target.Path)
		return result, false, err
	}

	if err := e.replay(ctx, rebased.Path, steps); err != nil {
		e.restore(ctx, original)
		return nil, false, fmt.Errorf("replay commits of '%s': %w", target.Path, err)
	}

	result, err := e.branches.Get(ctx, target.Path)
	if err != nil {
		return nil, false, err
	}
	e.branches.Notify(branch.EventCommitted, result)
	return result, false, nil
}

// planReplay decides what each old commit writes on the new segment.
// Objects the source did not touch are replayed verbatim. Objects both
// sides changed are written once, at the last commit that touched them,
// with the reconciled value; objects only the source changed in net terms
// keep the source's value.
func planReplay(commits []revision.Commit, touchedBy map[int64][]revision.Revision, rec reconciliation) []replayStep {
	lastTouch := make(map[string]int64)
	for _, c := range commits {
		for _, rev := range touchedBy[c.Timestamp] {
			lastTouch[rev.ObjectID] = c.Timestamp
		}
	}

	steps := make([]replayStep, 0, len(commits))
	for _, c := range commits {
		step := replayStep{commit: c}
		for _, rev := range touchedBy[c.Timestamp] {
			id := rev.ObjectID
			if _, onSource := rec.existing[id]; onSource {
				if lastTouch[id] != c.Timestamp {
					continue
				}
				if cls, ok := rec.classified[id]; ok {
					apply(id, cls, &step.puts, &step.deletes)
				}
				continue
			}
			if rev.Deleted || rev.Object == nil {
				step.deletes = append(step.deletes, id)
				continue
			}
			step.puts = append(step.puts, rev.Object.Clone())
		}
		steps = append(steps, step)
	}
	return steps
}

// replay writes steps onto path in one transaction.
func (e *Engine) replay(ctx context.Context, path string, steps []replayStep) error {
	err := e.branches.Store().Write(ctx, func(tx *revision.Tx) error {
		for _, s := range steps {
			req := branch.CommitRequest{
				Path:       path,
				Author:     s.commit.Author,
				Message:    s.commit.Message,
				Puts:       s.puts,
				Deletes:    s.deletes,
				AllowEmpty: true,
				ReplayOf:   s.commit.Timestamp,
			}
			if s.commit.MergeSource != "" {
				req.MergeSource = &branch.MergeSource{
					Path:      s.commit.MergeSource,
					SegmentID: s.commit.MergeSourceSegment,
					Head:      s.commit.MergeSourceHead,
				}
			}
			if _, _, err := e.branches.CommitTx(tx, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for range steps {
		observability.RecordCommit("replay")
	}
	return nil
}

// restore puts back the pre-rebase record after a failed replay.
func (e *Engine) restore(ctx context.Context, original *branch.Branch) {
	err := e.branches.Store().Write(context.WithoutCancel(ctx), func(tx *revision.Tx) error {
		return e.branches.SaveTx(tx, original)
	})
	if err != nil {
		slog.Error("Failed to restore branch after failed replay",
			"path", original.Path,
			"segment", original.SegmentID,
			"error", err)
		return
	}
	slog.Warn("Restored branch after failed replay", "path", original.Path, "segment", original.SegmentID)
}
