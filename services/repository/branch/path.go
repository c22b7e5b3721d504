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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
)

const (
	// RootPath is the path of the root branch.
	RootPath = "MAIN"

	// Separator joins path segments.
	Separator = "/"

	// MaxNameLength bounds a single path segment.
	MaxNameLength = 50
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,50}$`)

// ValidateName checks a branch name (one path segment).
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return apierror.BadRequest("'%s' is either too long (max %d characters) or contains invalid characters (only 'a-z', 'A-Z', '0-9', '_', '-' and '.' are allowed)", name, MaxNameLength)
	}
	return nil
}

// ValidatePath checks that path starts at the root and every segment is a
// valid name.
func ValidatePath(path string) error {
	if path == "" {
		return apierror.BadRequest("branch path must not be empty")
	}
	parts := strings.Split(path, Separator)
	if parts[0] != RootPath {
		return apierror.BadRequest("branch path '%s' must start with %s", path, RootPath)
	}
	for _, p := range parts[1:] {
		if err := ValidateName(p); err != nil {
			return err
		}
	}
	return nil
}

// Join appends name to parent.
func Join(parent, name string) string {
	return parent + Separator + name
}

// ParentOf returns the parent path, or "" for the root.
func ParentOf(path string) string {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return ""
	}
	return path[:i]
}

// NameOf returns the last segment of path.
func NameOf(path string) string {
	return path[strings.LastIndex(path, Separator)+1:]
}

// IsDescendant reports whether path lies strictly below ancestor.
func IsDescendant(path, ancestor string) bool {
	return strings.HasPrefix(path, ancestor+Separator)
}

// RefKind tells how a Ref selects a point on a branch.
type RefKind int

const (
	// RefHead is the current head of the branch.
	RefHead RefKind = iota

	// RefAt is the branch as of a timestamp (path@ts).
	RefAt

	// RefBase is the branch at its fork point (path^).
	RefBase

	// RefRange is the changes on End since it diverged from Start (A..B).
	RefRange
)

// Ref is a parsed branch reference used by read-only comparisons.
type Ref struct {
	Kind      RefKind
	Path      string
	Timestamp int64

	// Start and End are set for RefRange.
	Start *Ref
	End   *Ref
}

// ParseRef parses path, path@timestamp, path^ and A..B.
func ParseRef(s string) (Ref, error) {
	if start, end, ok := strings.Cut(s, ".."); ok {
		from, err := parsePointRef(start)
		if err != nil {
			return Ref{}, err
		}
		to, err := parsePointRef(end)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Kind: RefRange, Path: to.Path, Start: &from, End: &to}, nil
	}
	return parsePointRef(s)
}

func parsePointRef(s string) (Ref, error) {
	if path, ok := strings.CutSuffix(s, "^"); ok {
		if err := ValidatePath(path); err != nil {
			return Ref{}, err
		}
		return Ref{Kind: RefBase, Path: path}, nil
	}
	if path, ts, ok := strings.Cut(s, "@"); ok {
		if err := ValidatePath(path); err != nil {
			return Ref{}, err
		}
		v, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || v < 0 {
			return Ref{}, apierror.BadRequest("invalid timestamp '%s' in branch reference '%s'", ts, s)
		}
		return Ref{Kind: RefAt, Path: path, Timestamp: v}, nil
	}
	if err := ValidatePath(s); err != nil {
		return Ref{}, err
	}
	return Ref{Kind: RefHead, Path: s}, nil
}

// String renders the reference in its textual form.
func (r Ref) String() string {
	switch r.Kind {
	case RefAt:
		return fmt.Sprintf("%s@%d", r.Path, r.Timestamp)
	case RefBase:
		return r.Path + "^"
	case RefRange:
		return r.Start.String() + ".." + r.End.String()
	default:
		return r.Path
	}
}
