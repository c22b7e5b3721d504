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
	"strings"

	"github.com/google/uuid"
)

// Context identifies who holds a lock and why.
//
// # Description
//
// Contexts form a parent-pointer chain that ends at Root. An operation
// started on behalf of another (a rebase running inside a merge job, say)
// creates its context under the caller's so that it can re-enter targets the
// caller already holds. Every context built by NewContext carries its own
// ID, so two operations with the same user and description are still
// distinct holders. Re-entry only works through the parent chain.
//
// # Thread Safety
//
// Contexts are immutable after construction.
type Context struct {
	ID          string   `json:"id"`
	User        string   `json:"user,omitempty"`
	Description string   `json:"description"`
	Parent      *Context `json:"parent,omitempty"`
}

// Root is the sentinel at the top of every context chain.
var Root = &Context{ID: "root", Description: "root"}

// NewContext returns a context nested under parent, or under Root when
// parent is nil.
func NewContext(user, description string, parent *Context) *Context {
	if parent == nil {
		parent = Root
	}
	return &Context{ID: uuid.NewString(), User: user, Description: description, Parent: parent}
}

// IsRoot reports whether c is the root sentinel.
func (c *Context) IsRoot() bool {
	return c != nil && c.Parent == nil
}

// Equal reports whether c and other identify the same operation.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ID == other.ID
}

// Within reports whether c is ancestor or one of its ancestors. Every
// context is within Root.
func (c *Context) Within(ancestor *Context) bool {
	for cur := c; cur != nil; cur = cur.Parent {
		if cur.Equal(ancestor) {
			return true
		}
	}
	return false
}

// String renders the chain innermost first, without the root sentinel.
func (c *Context) String() string {
	var parts []string
	for cur := c; cur != nil && !cur.IsRoot(); cur = cur.Parent {
		if cur.User != "" {
			parts = append(parts, cur.User+": "+cur.Description)
		} else {
			parts = append(parts, cur.Description)
		}
	}
	if len(parts) == 0 {
		return Root.Description
	}
	return strings.Join(parts, " < ")
}
