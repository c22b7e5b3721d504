// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review compares branches without locking them and keeps review
// snapshots that a later merge can be checked against.
package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "termrepo.review"

// DefaultCacheSize is the number of compare results kept when the caller
// does not configure one.
const DefaultCacheSize = 256

// Summary lists the objects a merge of Source into Target would bring in.
type Summary struct {
	Source         string   `json:"source"`
	Target         string   `json:"target"`
	NewObjects     []string `json:"newObjects"`
	ChangedObjects []string `json:"changedObjects"`
	DeletedObjects []string `json:"deletedObjects"`
	TotalNew       int      `json:"totalNew"`
	TotalChanged   int      `json:"totalChanged"`
	TotalDeleted   int      `json:"totalDeleted"`
}

// changeSet is the cached part of a Summary.
type changeSet struct {
	added   []string
	changed []string
	removed []string
}

func (c changeSet) summary(source, target string) Summary {
	return Summary{
		Source:         source,
		Target:         target,
		NewObjects:     append([]string{}, c.added...),
		ChangedObjects: append([]string{}, c.changed...),
		DeletedObjects: append([]string{}, c.removed...),
		TotalNew:       len(c.added),
		TotalChanged:   len(c.changed),
		TotalDeleted:   len(c.removed),
	}
}

// Service answers compare requests and manages reviews.
//
// # Description
//
// A compare resolves both references to fixed points in history, so its
// result never changes and is cached by those points. Nothing is locked:
// a compare reflects the branches at the instant they were read.
//
// # Thread Safety
//
// Service is safe for concurrent use.
type Service struct {
	branches *branch.Registry
	cache    *lru.Cache[string, changeSet]
	ids      func() string
}

// NewService creates a service over branches caching up to cacheSize
// compare results.
func NewService(branches *branch.Registry, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, changeSet](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create compare cache: %w", err)
	}
	return &Service{branches: branches, cache: cache, ids: newID}, nil
}

// Compare summarizes the changes on source since it diverged from target.
//
// # Description
//
// source and target accept branch references: path, path@timestamp and
// path^. A range "A..B" may be passed as source with an empty target and
// compares B against A.
//
// # Outputs
//
//   - Summary: New, changed and deleted object ids with totals.
//   - error: BadRequest for malformed references, NotFound for missing
//     branches.
func (s *Service) Compare(ctx context.Context, source, target string) (Summary, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "review.Compare",
		trace.WithAttributes(attribute.String("review.source", source), attribute.String("review.target", target)))
	defer span.End()

	sourceRef, targetRef, err := parseRefs(source, target)
	if err != nil {
		observability.RecordError(span, err)
		return Summary{}, err
	}

	var sourceView, targetView revision.View
	err = s.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		var err error
		if _, sourceView, err = s.branches.ResolveTx(tx, sourceRef); err != nil {
			return err
		}
		_, targetView, err = s.branches.ResolveTx(tx, targetRef)
		return err
	})
	if err != nil {
		observability.RecordError(span, err)
		return Summary{}, err
	}

	changes, err := s.changes(ctx, sourceView, targetView)
	if err != nil {
		observability.RecordError(span, err)
		return Summary{}, err
	}
	observability.SetSpanOK(span)
	return changes.summary(sourceRef.String(), targetRef.String()), nil
}

// parseRefs turns the compare arguments into two point references.
func parseRefs(source, target string) (branch.Ref, branch.Ref, error) {
	sourceRef, err := branch.ParseRef(source)
	if err != nil {
		return branch.Ref{}, branch.Ref{}, err
	}
	if sourceRef.Kind == branch.RefRange {
		if target != "" {
			return branch.Ref{}, branch.Ref{}, apierror.BadRequest("a range reference cannot be compared with '%s'", target)
		}
		return *sourceRef.End, *sourceRef.Start, nil
	}
	targetRef, err := branch.ParseRef(target)
	if err != nil {
		return branch.Ref{}, branch.Ref{}, err
	}
	if targetRef.Kind == branch.RefRange {
		return branch.Ref{}, branch.Ref{}, apierror.BadRequest("range reference '%s' is only accepted as source", target)
	}
	return sourceRef, targetRef, nil
}

// changes diffs source against its merge base with target, through the
// cache.
func (s *Service) changes(ctx context.Context, source, target revision.View) (changeSet, error) {
	key := source.String() + "|" + target.String()
	if cached, ok := s.cache.Get(key); ok {
		observability.RecordCompareCache(true)
		return cached, nil
	}
	observability.RecordCompareCache(false)

	var diff []revision.Change
	err := s.branches.Store().Read(ctx, func(tx *revision.Tx) error {
		var err error
		diff, err = tx.Diff(revision.MergeBase(source, target), source)
		return err
	})
	if err != nil {
		return changeSet{}, apierror.Internal(err, "compare %s with %s", source, target)
	}

	var cs changeSet
	for _, c := range diff {
		switch c.Kind {
		case revision.Added:
			cs.added = append(cs.added, c.ObjectID)
		case revision.Changed:
			cs.changed = append(cs.changed, c.ObjectID)
		case revision.Removed:
			cs.removed = append(cs.removed, c.ObjectID)
		}
	}
	s.cache.Add(key, cs)
	slog.Debug("Computed compare", "source", source.String(), "target", target.String(), "changes", len(diff))
	return cs, nil
}
