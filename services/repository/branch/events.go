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
	"log/slog"
	"sync"
	"time"
)

// EventType names what happened to a branch.
type EventType string

const (
	EventCreated         EventType = "created"
	EventDeleted         EventType = "deleted"
	EventReopened        EventType = "reopened"
	EventCommitted       EventType = "committed"
	EventMetadataUpdated EventType = "metadata_updated"
	EventChanged         EventType = "changed"
)

// Event is a branch change notification.
type Event struct {
	Type      EventType `json:"type"`
	Path      string    `json:"path"`
	Branch    *Branch   `json:"branch,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives branch change notifications. Listeners run on the
// goroutine that made the change and must not block.
type Listener func(Event)

type listeners struct {
	mu   sync.RWMutex
	next int
	byID map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.byID[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.byID, id)
		l.mu.Unlock()
	}
}

func (l *listeners) notify(e Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.byID))
	for _, fn := range l.byID {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Branch change listener panicked", "path", e.Path, "event", string(e.Type), "panic", r)
				}
			}()
			fn(e)
		}()
	}
}
