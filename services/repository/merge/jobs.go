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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const jobKeyPrefix = "merge/"

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Status is the lifecycle state of a merge job.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsPending reports whether the job has not finished yet.
func (s Status) IsPending() bool {
	return s == StatusScheduled || s == StatusInProgress
}

// ParseStatus parses a status filter. The empty string matches any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", apierror.BadRequest("unknown merge status '%s'", s)
	}
}

// Operation names what a job does.
type Operation string

const (
	OperationMerge  Operation = "merge"
	OperationRebase Operation = "rebase"
)

// Job is the persisted record of an asynchronous merge or rebase.
type Job struct {
	ID            string    `json:"id"`
	Operation     Operation `json:"operation"`
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	UserID        string    `json:"userId,omitempty"`
	CommitComment string    `json:"commitComment,omitempty"`
	ReviewID      string    `json:"reviewId,omitempty"`
	Status        Status    `json:"status"`

	// Result is the target branch after a COMPLETED job.
	Result *branch.Branch `json:"result,omitempty"`

	// Conflicts is set when a FAILED job stopped on content conflicts.
	Conflicts []conflict.Conflict `json:"conflicts,omitempty"`

	// Error and ErrorCode describe why a FAILED job failed.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// RunnerConfig tunes job execution.
type RunnerConfig struct {
	// Workers bounds how many jobs run at once.
	Workers int

	// MaxStartsPerSecond limits how fast jobs start. Zero means unlimited.
	MaxStartsPerSecond float64

	// Burst is the number of starts allowed at once above the rate.
	Burst int
}

// DefaultRunnerConfig returns a config with four workers and no start
// limit.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{Workers: 4, Burst: 1}
}

// Runner executes merges and rebases in the background and keeps their
// job records.
//
// # Description
//
// Create persists a SCHEDULED job and returns it at once; a goroutine then
// waits for a start token and a worker slot, runs the operation and stores
// the outcome. Finished jobs stay queryable until deleted, failed ones with
// their conflict report.
//
// # Thread Safety
//
// Runner is safe for concurrent use.
type Runner struct {
	engine  *Engine
	limiter *rate.Limiter
	slots   chan struct{}

	// mu guards closed and orders wg.Add before Close starts waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	newID  func() string
	now    func() time.Time
}

// NewRunner creates a runner over engine.
func NewRunner(engine *Engine, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.MaxStartsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxStartsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine:  engine,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		slots:   make(chan struct{}, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Create schedules a merge of req.Source into req.Target, or a rebase of
// req.Target on req.Source when req.Source is its parent.
//
// # Outputs
//
//   - *Job: The SCHEDULED job.
//   - error: BadRequest for invalid paths, NotFound for missing branches.
func (r *Runner) Create(ctx context.Context, req Request) (*Job, error) {
	if err := branch.ValidatePath(req.Source); err != nil {
		return nil, err
	}
	if err := branch.ValidatePath(req.Target); err != nil {
		return nil, err
	}
	if req.Source == req.Target {
		return nil, apierror.BadRequest("Can't merge branch '%s' onto itself.", req.Source)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apierror.Conflict("merge runner is shutting down")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	op := OperationMerge
	if branch.ParentOf(req.Target) == req.Source {
		op = OperationRebase
	}
	job := &Job{
		ID:            r.newID(),
		Operation:     op,
		Source:        req.Source,
		Target:        req.Target,
		UserID:        req.UserID,
		CommitComment: req.CommitComment,
		ReviewID:      req.ReviewID,
		Status:        StatusScheduled,
		ScheduledAt:   r.now().UTC(),
	}

	branches := r.engine.Branches()
	err := branches.Store().Write(ctx, func(tx *revision.Tx) error {
		if _, err := branches.GetTx(tx, req.Source); err != nil {
			return err
		}
		if _, err := branches.GetTx(tx, req.Target); err != nil {
			return err
		}
		return tx.PutDoc(jobKey(job.ID), job)
	})
	if err != nil {
		r.wg.Done()
		return nil, err
	}

	slog.Info("Scheduled merge job",
		"job_id", job.ID,
		"operation", string(op),
		"source", job.Source,
		"target", job.Target)

	observability.JobScheduled()
	running := *job
	go r.run(&running, req)
	return job, nil
}

func (r *Runner) run(job *Job, req Request) {
	defer r.wg.Done()
	defer observability.JobFinished()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Merge job panicked",
				"job_id", job.ID,
				"panic", p,
				"stack", string(debug.Stack()))
			r.fail(job, apierror.Internal(fmt.Errorf("panic: %v", p), "run %s job %s", job.Operation, job.ID))
		}
	}()

	if err := r.limiter.Wait(r.ctx); err != nil {
		r.fail(job, apierror.Wrap(apierror.KindConflict, err, "merge job was not started"))
		return
	}
	select {
	case r.slots <- struct{}{}:
	case <-r.ctx.Done():
		r.fail(job, apierror.Wrap(apierror.KindConflict, r.ctx.Err(), "merge job was not started"))
		return
	}
	defer func() { <-r.slots }()

	started := r.now().UTC()
	job.Status = StatusInProgress
	job.StartedAt = &started
	r.save(job)

	var result *branch.Branch
	var err error
	if job.Operation == OperationRebase {
		result, err = r.engine.Rebase(r.ctx, req)
	} else {
		result, err = r.engine.Merge(r.ctx, req)
	}
	if err != nil {
		r.fail(job, err)
		return
	}

	ended := r.now().UTC()
	job.Status = StatusCompleted
	job.Result = result
	job.EndedAt = &ended
	r.save(job)
	slog.Info("Merge job completed",
		"job_id", job.ID,
		"operation", string(job.Operation),
		"target", job.Target,
		"duration", ended.Sub(started))
}

// fail records err on job. A *ConflictError keeps its conflict report.
func (r *Runner) fail(job *Job, err error) {
	ended := r.now().UTC()
	job.Status = StatusFailed
	job.EndedAt = &ended
	job.Error = err.Error()
	job.ErrorCode = apierror.KindOf(err).String()

	var conflicts *ConflictError
	if errors.As(err, &conflicts) {
		job.Conflicts = conflicts.Conflicts
	}
	r.save(job)

	slog.Warn("Merge job failed",
		"job_id", job.ID,
		"operation", string(job.Operation),
		"source", job.Source,
		"target", job.Target,
		"code", job.ErrorCode,
		"error", err)
}

// save persists job unless it was deleted meanwhile.
func (r *Runner) save(job *Job) {
	err := r.engine.Branches().Store().Write(context.Background(), func(tx *revision.Tx) error {
		var existing Job
		found, err := tx.GetDoc(jobKey(job.ID), &existing)
		if err != nil || !found {
			return err
		}
		return tx.PutDoc(jobKey(job.ID), job)
	})
	if err != nil {
		slog.Error("Failed to save merge job", "job_id", job.ID, "status", string(job.Status), "error", err)
	}
}

// Get returns the job with id.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.engine.Branches().Store().Read(ctx, func(tx *revision.Tx) error {
		found, err := tx.GetDoc(jobKey(id), &job)
		if err != nil {
			return apierror.Internal(err, "load merge job %s", id)
		}
		if !found {
			return apierror.Wrap(apierror.KindNotFound, ErrJobNotFound, "Merge '%s' not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SearchRequest filters jobs. Empty fields match everything.
type SearchRequest struct {
	Source string
	Target string
	Status Status
}

// Search returns matching jobs, oldest first.
func (r *Runner) Search(ctx context.Context, req SearchRequest) ([]*Job, error) {
	jobs := make([]*Job, 0)
	err := r.engine.Branches().Store().Read(ctx, func(tx *revision.Tx) error {
		return tx.ScanDocs(jobKeyPrefix, func(key string, decode func(v any) error) error {
			var job Job
			if err := decode(&job); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if req.Source != "" && job.Source != req.Source {
				return nil
			}
			if req.Target != "" && job.Target != req.Target {
				return nil
			}
			if req.Status != "" && job.Status != req.Status {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, apierror.Internal(err, "search merge jobs")
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// Delete removes the job record. A job still running finishes but is not
// recorded again.
func (r *Runner) Delete(ctx context.Context, id string) error {
	return r.engine.Branches().Store().Write(ctx, func(tx *revision.Tx) error {
		var job Job
		found, err := tx.GetDoc(jobKey(id), &job)
		if err != nil {
			return apierror.Internal(err, "load merge job %s", id)
		}
		if !found {
			return apierror.Wrap(apierror.KindNotFound, ErrJobNotFound, "Merge '%s' not found", id)
		}
		return tx.DeleteDoc(jobKey(id))
	})
}

// Wait blocks until every scheduled job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close stops starting new jobs, interrupts lock waits of running ones and
// waits for them until ctx is done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for merge jobs: %w", ctx.Err())
	}
}
