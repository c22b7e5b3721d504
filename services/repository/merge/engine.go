// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merge reconciles branches: squash merges, replaying rebases and
// the job runner that executes them asynchronously.
package merge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName = "termrepo.merge"

	// lockDescription names the lock context of merges and rebases.
	lockDescription = "synchronize"
)

// ReviewChecker verifies that a review still matches the branches it was
// created for.
type ReviewChecker interface {
	// CheckCurrent returns nil when the review exists, covers source and
	// target, and neither branch moved since it was created.
	CheckCurrent(ctx context.Context, reviewID, source, target string) error
}

// Request describes a merge or rebase.
type Request struct {
	Source        string `json:"source" binding:"required"`
	Target        string `json:"target" binding:"required"`
	UserID        string `json:"userId,omitempty"`
	CommitComment string `json:"commitComment,omitempty"`
	ReviewID      string `json:"reviewId,omitempty"`

	// Parent nests the operation's locks under a lock context the caller
	// already holds.
	Parent *lock.Context `json:"-"`
}

// Engine runs merges and rebases between branches of one repository.
//
// # Description
//
// Both operations lock the source and target branches together for their
// whole read-compute-commit sequence, so the change sets they reconcile
// cannot go stale underneath them. Colliding changes are classified by the
// configured conflict.Processor, and every conflict is reported at once.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Operations on disjoint branch pairs
// run in parallel; overlapping ones are serialized by the lock table or
// rejected, depending on its wait policy.
type Engine struct {
	branches  *branch.Registry
	processor conflict.Processor
	reviews   ReviewChecker
}

// NewEngine creates an engine over branches. A nil processor selects
// conflict.Default. reviews may be nil when merges never name a review.
func NewEngine(branches *branch.Registry, processor conflict.Processor, reviews ReviewChecker) *Engine {
	if processor == nil {
		processor = conflict.Default{}
	}
	return &Engine{branches: branches, processor: processor, reviews: reviews}
}

// Branches returns the registry the engine operates on.
func (e *Engine) Branches() *branch.Registry {
	return e.branches
}

// lockPair takes the synchronize locks on source and target. A failure
// names both branches and still matches lock.ErrLocked or
// lock.ErrInterrupted.
func (e *Engine) lockPair(ctx context.Context, operation string, req Request) (*lock.Lease, error) {
	locks := e.branches.Locks()
	lc := lock.NewContext(req.UserID, lockDescription, req.Parent)
	lease, err := locks.Lock(ctx, lc, locks.DefaultPolicy(),
		e.branches.Target(req.Source), e.branches.Target(req.Target))
	if err != nil {
		reason := "locked"
		if errors.Is(err, lock.ErrInterrupted) {
			reason = "interrupted"
		}
		observability.RecordLockFailure(reason)
		if operation == "rebase" {
			return nil, apierror.Wrap(apierror.KindConflict, err, "rebase '%s' on '%s'", req.Target, req.Source)
		}
		return nil, apierror.Wrap(apierror.KindConflict, err, "merge '%s' into '%s'", req.Source, req.Target)
	}
	return lease, nil
}

func (e *Engine) checkReview(ctx context.Context, req Request) error {
	if req.ReviewID == "" || e.reviews == nil {
		return nil
	}
	return e.reviews.CheckCurrent(ctx, req.ReviewID, req.Source, req.Target)
}

// start opens the span of an operation.
func (e *Engine) start(ctx context.Context, operation string, req Request) (context.Context, trace.Span) {
	return observability.StartSpan(ctx, tracerName, "merge."+operation,
		trace.WithAttributes(
			attribute.String("merge.source", req.Source),
			attribute.String("merge.target", req.Target),
			attribute.String("merge.user", req.UserID),
		))
}

// finish records the outcome of an operation on span and in metrics.
func (e *Engine) finish(span trace.Span, operation string, started time.Time, noop bool, err error) {
	outcome := "completed"
	var conflicts *ConflictError
	switch {
	case errors.As(err, &conflicts):
		outcome = "conflict"
		for _, c := range conflicts.Conflicts {
			observability.RecordConflict(string(c.Type))
		}
	case err != nil:
		outcome = "failed"
	case noop:
		outcome = "noop"
	}
	observability.RecordOperation(operation, outcome, time.Since(started))
	span.SetAttributes(attribute.String("merge.outcome", outcome))
	if err != nil {
		observability.RecordError(span, err)
		return
	}
	observability.SetSpanOK(span)
}

// changeSets computes the changes of a and b since base. The views are
// fixed points in history, so each side is read in its own transaction.
func (e *Engine) changeSets(ctx context.Context, base, a, b revision.View) ([]revision.Change, []revision.Change, error) {
	var aChanges, bChanges []revision.Change
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.branches.Store().Read(gctx, func(tx *revision.Tx) error {
			var err error
			aChanges, err = tx.Diff(base, a)
			return err
		})
	})
	g.Go(func() error {
		return e.branches.Store().Read(gctx, func(tx *revision.Tx) error {
			var err error
			bChanges, err = tx.Diff(base, b)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return aChanges, bChanges, nil
}

// reconciliation is the outcome of classifying two change sets.
type reconciliation struct {
	// clean are incoming changes with no counterpart on the existing side.
	clean []revision.Change

	// classified holds the classification of every colliding object.
	classified map[string]conflict.Classification

	// existing indexes the existing side's changes by object id.
	existing map[string]revision.Change

	conflicts []conflict.Conflict
}

// reconcile classifies every object changed on both sides.
func (e *Engine) reconcile(incoming, existing []revision.Change, incomingPath, existingPath string) (reconciliation, error) {
	r := reconciliation{
		classified: make(map[string]conflict.Classification),
		existing:   make(map[string]revision.Change, len(existing)),
	}
	for _, c := range existing {
		r.existing[c.ObjectID] = c
	}

	for _, in := range incoming {
		ex, collides := r.existing[in.ObjectID]
		if !collides {
			r.clean = append(r.clean, in)
			continue
		}
		cls, err := conflict.Classify(e.processor, in, ex)
		if err != nil {
			return reconciliation{}, err
		}
		if cls.Outcome == conflict.OutcomeConflict {
			c := *cls.Conflict
			c.Explain(incomingPath, existingPath)
			r.conflicts = append(r.conflicts, c)
			continue
		}
		r.classified[in.ObjectID] = cls
	}

	sort.SliceStable(r.conflicts, func(i, j int) bool { return r.conflicts[i].ObjectID < r.conflicts[j].ObjectID })
	if len(r.conflicts) > 0 {
		slog.Info("Reconciliation found conflicts",
			"incoming", incomingPath,
			"existing", existingPath,
			"conflicts", len(r.conflicts))
	}
	return r, nil
}

// apply turns a classification into the puts and deletes of a commit.
func apply(id string, cls conflict.Classification, puts *[]*revision.Object, deletes *[]string) {
	if cls.Outcome != conflict.OutcomeResolved {
		return
	}
	if cls.Resolved == nil {
		*deletes = append(*deletes, id)
		return
	}
	obj := cls.Resolved.Clone()
	obj.ID = id
	*puts = append(*puts, obj)
}
