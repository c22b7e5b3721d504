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
	"fmt"
	"time"
)

// Target is the unit of mutual exclusion: one branch path of one repository.
// An empty Path locks the whole repository and conflicts with every branch
// target of that repository.
type Target struct {
	RepositoryID string `json:"repositoryId"`
	Path         string `json:"path,omitempty"`
}

// BranchTarget returns the target for path in repositoryID.
func BranchTarget(repositoryID, path string) Target {
	return Target{RepositoryID: repositoryID, Path: path}
}

// RepositoryTarget returns the repository-wide target.
func RepositoryTarget(repositoryID string) Target {
	return Target{RepositoryID: repositoryID}
}

// IsRepository reports whether t is repository-wide.
func (t Target) IsRepository() bool {
	return t.Path == ""
}

// Overlaps reports whether t and other cannot be held by unrelated contexts
// at the same time.
func (t Target) Overlaps(other Target) bool {
	if t.RepositoryID != other.RepositoryID {
		return false
	}
	return t.Path == other.Path || t.IsRepository() || other.IsRepository()
}

// String renders the target as repository:path.
func (t Target) String() string {
	if t.IsRepository() {
		return t.RepositoryID + ":*"
	}
	return t.RepositoryID + ":" + t.Path
}

// WaitPolicy controls what Lock does when a target is unavailable.
type WaitPolicy struct {
	// Timeout is how long to wait for the targets to become free. Zero fails
	// immediately.
	Timeout time.Duration
}

// Immediate fails as soon as any target is held by an unrelated context.
var Immediate = WaitPolicy{}

// Bounded waits up to d for the targets to be released.
func Bounded(d time.Duration) WaitPolicy {
	if d < 0 {
		d = 0
	}
	return WaitPolicy{Timeout: d}
}

// IsImmediate reports whether the policy never waits.
func (p WaitPolicy) IsImmediate() bool {
	return p.Timeout <= 0
}

// String names the policy.
func (p WaitPolicy) String() string {
	if p.IsImmediate() {
		return "immediate"
	}
	return fmt.Sprintf("bounded(%s)", p.Timeout)
}

// ParseWaitPolicy builds a policy from its configuration form.
func ParseWaitPolicy(name string, timeout time.Duration) (WaitPolicy, error) {
	switch name {
	case "", "immediate":
		return Immediate, nil
	case "bounded":
		if timeout <= 0 {
			return WaitPolicy{}, fmt.Errorf("bounded wait policy needs a positive timeout, got %s", timeout)
		}
		return Bounded(timeout), nil
	default:
		return WaitPolicy{}, fmt.Errorf("unknown lock wait policy %q", name)
	}
}
