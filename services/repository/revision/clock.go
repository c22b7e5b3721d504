// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"sync"
	"time"
)

// Clock hands out commit timestamps.
//
// Next must return a value strictly greater than every value it returned
// before and every value passed to Observe.
type Clock interface {
	Next() int64
	Observe(ts int64)
}

// LogicalClock issues wall-clock milliseconds, bumped past the previous
// timestamp on ties or backwards clock steps.
type LogicalClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewLogicalClock returns a clock driven by time.Now.
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{now: time.Now}
}

// Next returns the next timestamp.
func (c *LogicalClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe records ts as already issued.
func (c *LogicalClock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// StepClock is a deterministic clock that advances by a fixed step. Tests use
// it to reproduce exact timestamp scenarios.
type StepClock struct {
	mu   sync.Mutex
	last int64
	step int64
	next int64
}

// NewStepClock returns a clock whose first value is start.
func NewStepClock(start, step int64) *StepClock {
	if step <= 0 {
		step = 1
	}
	return &StepClock{last: start - step, step: step}
}

// Next returns the next timestamp.
func (c *StepClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next > c.last {
		c.last = c.next
		c.next = 0
		return c.last
	}
	c.last += c.step
	return c.last
}

// Observe records ts as already issued.
func (c *StepClock) Observe(ts int64) {
	c.mu.Lock()
	if ts > c.last {
		c.last = ts
	}
	c.mu.Unlock()
}

// Set makes the next call to Next return ts if ts is ahead of the clock.
func (c *StepClock) Set(ts int64) {
	c.mu.Lock()
	c.next = ts
	c.mu.Unlock()
}
