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
	"log/slog"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/google/uuid"
)

const keyPrefix = "review/"

func reviewKey(id string) string {
	return keyPrefix + id
}

func newID() string {
	return uuid.NewString()
}

var _ merge.ReviewChecker = (*Service)(nil)

// Status tells whether the branches of a review moved since it was created.
type Status string

const (
	StatusCurrent Status = "CURRENT"
	StatusStale   Status = "STALE"
)

// Snapshot is the position of a branch when a review was created.
type Snapshot struct {
	Path      string `json:"path"`
	SegmentID int64  `json:"segmentId"`
	Base      int64  `json:"baseTimestamp"`
	Head      int64  `json:"headTimestamp"`
}

func snapshotOf(b *branch.Branch) Snapshot {
	return Snapshot{Path: b.Path, SegmentID: b.SegmentID, Base: b.Base, Head: b.Head}
}

// matches reports whether b is still where the snapshot saw it.
func (s Snapshot) matches(b *branch.Branch) bool {
	return b != nil && !b.Deleted && snapshotOf(b) == s
}

// Review is a stored compare of two branches.
type Review struct {
	ID        string    `json:"id"`
	Source    Snapshot  `json:"source"`
	Target    Snapshot  `json:"target"`
	Changes   Summary   `json:"changes"`
	CreatedAt time.Time `json:"createdAt"`

	// Status is derived on every read and not stored.
	Status Status `json:"status"`
}

// Create snapshots source and target and stores the compare between them.
//
// # Outputs
//
//   - *Review: The CURRENT review.
//   - error: BadRequest for malformed or identical paths, NotFound for
//     missing branches.
func (s *Service) Create(ctx context.Context, source, target string) (*Review, error) {
	if err := branch.ValidatePath(source); err != nil {
		return nil, err
	}
	if err := branch.ValidatePath(target); err != nil {
		return nil, err
	}
	if source == target {
		return nil, apierror.BadRequest("Can't review branch '%s' against itself.", source)
	}

	var sourceBranch, targetBranch *branch.Branch
	var sourceView, targetView revision.View
	err := s.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		var err error
		if sourceBranch, err = s.branches.GetTx(tx, source); err != nil {
			return err
		}
		if targetBranch, err = s.branches.GetTx(tx, target); err != nil {
			return err
		}
		if sourceView, err = s.branches.ViewTx(tx, sourceBranch); err != nil {
			return err
		}
		targetView, err = s.branches.ViewTx(tx, targetBranch)
		return err
	})
	if err != nil {
		return nil, err
	}

	changes, err := s.changes(ctx, sourceView, targetView)
	if err != nil {
		return nil, err
	}

	r := &Review{
		ID:        s.ids(),
		Source:    snapshotOf(sourceBranch),
		Target:    snapshotOf(targetBranch),
		Changes:   changes.summary(source, target),
		CreatedAt: time.Now().UTC(),
	}
	err = s.branches.Store().Write(ctx, func(tx *revision.Tx) error {
		return tx.PutDoc(reviewKey(r.ID), r)
	})
	if err != nil {
		return nil, apierror.Internal(err, "store review")
	}
	r.Status = StatusCurrent

	slog.Info("Created review",
		"review_id", r.ID,
		"source", source,
		"target", target,
		"new", r.Changes.TotalNew,
		"changed", r.Changes.TotalChanged,
		"deleted", r.Changes.TotalDeleted)
	return r, nil
}

// Get returns the review with id and whether it is still current.
func (s *Service) Get(ctx context.Context, id string) (*Review, error) {
	var r Review
	err := s.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		found, err := tx.GetDoc(reviewKey(id), &r)
		if err != nil {
			return apierror.Internal(err, "load review %s", id)
		}
		if !found {
			return apierror.NotFound("Review", id)
		}

		r.Status = StatusStale
		sourceBranch, err := s.branches.GetTx(tx, r.Source.Path)
		if apierror.Is(err, apierror.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		targetBranch, err := s.branches.GetTx(tx, r.Target.Path)
		if apierror.Is(err, apierror.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.Source.matches(sourceBranch) && r.Target.matches(targetBranch) {
			r.Status = StatusCurrent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CheckCurrent fails unless review id covers source and target and is
// still CURRENT. A stale review is a Conflict wrapping
// merge.ErrReviewStale.
func (s *Service) CheckCurrent(ctx context.Context, id, source, target string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Source.Path != source || r.Target.Path != target {
		return apierror.BadRequest("review '%s' compares '%s' with '%s', not '%s' with '%s'",
			id, r.Source.Path, r.Target.Path, source, target)
	}
	if r.Status != StatusCurrent {
		return apierror.Wrap(apierror.KindConflict, merge.ErrReviewStale, "review '%s' of '%s' and '%s'", id, source, target)
	}
	return nil
}
