// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"net/http"

	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/AleutianAI/termrepo/services/repository/review"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/gin-gonic/gin"
)

// Handlers serves the repository HTTP API.
//
// # Thread Safety
//
// Handlers holds no request state and is safe for concurrent use.
type Handlers struct {
	branches *branch.Registry
	runner   *merge.Runner
	reviews  *review.Service
	locks    *lock.Manager
	events   *eventHub
}

// NewHandlers creates handlers over the wired components.
func NewHandlers(branches *branch.Registry, runner *merge.Runner, reviews *review.Service, events *eventHub) *Handlers {
	return &Handlers{
		branches: branches,
		runner:   runner,
		reviews:  reviews,
		locks:    branches.Locks(),
		events:   events,
	}
}

// =============================================================================
// Request / Response Types
// =============================================================================

type searchBranchesQuery struct {
	Parent  string `form:"parent"`
	Name    string `form:"name"`
	Deleted *bool  `form:"deleted"`
	Offset  int    `form:"offset" binding:"min=0"`
	Limit   int    `form:"limit" binding:"min=0,max=1000"`
}

// MetadataRequest replaces a branch's metadata.
type MetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// CommitRequest is the body of POST /v1/branches/:path/commits.
type CommitRequest struct {
	Author       string             `json:"author" binding:"max=256"`
	Message      string             `json:"message" binding:"max=4096"`
	Puts         []*revision.Object `json:"puts"`
	Deletes      []string           `json:"deletes"`
	ExpectedHead int64              `json:"expectedHead,omitempty"`
}

// CommitResponse reports the branch after a commit and the commit record.
type CommitResponse struct {
	Branch *branch.Branch  `json:"branch"`
	Commit revision.Commit `json:"commit"`
}

type searchMergesQuery struct {
	Source string `form:"source"`
	Target string `form:"target"`
	Status string `form:"status"`
}

// ReviewRequest is the body of POST /v1/reviews.
type ReviewRequest struct {
	Source string `json:"source" binding:"required"`
	Target string `json:"target" binding:"required"`
}

type compareQuery struct {
	Source string `form:"source" binding:"required"`
	Target string `form:"target"`
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth reports liveness.
//
//	Response: {"status": "healthy", "repository": "..."}
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"repository": h.branches.RepositoryID(),
	})
}

// =============================================================================
// Branches
// =============================================================================

// HandleSearchBranches handles GET /v1/branches.
//
//	Description:
//	  Lists branches in path order with their derived state. "name" is a
//	  glob over branch names; "deleted" filters on the deleted flag.
//
//	Response: branch.SearchResult
func (h *Handlers) HandleSearchBranches(c *gin.Context) {
	logger := requestLogger(c, "HandleSearchBranches")

	var q searchBranchesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, logger, err)
		return
	}

	result, err := h.branches.Search(c.Request.Context(), branch.SearchRequest{
		Parent:  q.Parent,
		Name:    q.Name,
		Deleted: q.Deleted,
		Offset:  q.Offset,
		Limit:   q.Limit,
	})
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleCreateBranch handles POST /v1/branches.
//
//	Description:
//	  Creates parent/name at the parent's head. A deleted branch at that
//	  path is recreated on a fresh segment.
//
//	Response: 201 with the branch
func (h *Handlers) HandleCreateBranch(c *gin.Context) {
	logger := requestLogger(c, "HandleCreateBranch")

	var req branch.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, logger, err)
		return
	}

	b, err := h.branches.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Branch created", "path", b.Path)
	c.Header("Location", "/v1/branches/"+escapePath(b.Path))
	c.JSON(http.StatusCreated, b)
}

// HandleGetBranch handles GET /v1/branches/:path.
func (h *Handlers) HandleGetBranch(c *gin.Context) {
	logger := requestLogger(c, "HandleGetBranch")

	b, err := h.branches.Get(c.Request.Context(), c.Param("path"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleUpdateMetadata handles PUT /v1/branches/:path/metadata.
//
//	Description:
//	  Replaces the metadata map wholesale.
//
//	Response: {"updated": bool, "branch": branch}
func (h *Handlers) HandleUpdateMetadata(c *gin.Context) {
	logger := requestLogger(c, "HandleUpdateMetadata")
	path := c.Param("path")

	var req MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, logger, err)
		return
	}

	updated, err := h.branches.UpdateMetadata(c.Request.Context(), path, req.Metadata)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	b, err := h.branches.Get(c.Request.Context(), path)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated, "branch": b})
}

// HandleDeleteBranch handles DELETE /v1/branches/:path.
//
//	Description:
//	  Soft-deletes the branch and its subtree. MAIN cannot be deleted.
//
//	Response: the deleted branch
func (h *Handlers) HandleDeleteBranch(c *gin.Context) {
	logger := requestLogger(c, "HandleDeleteBranch")

	b, err := h.branches.Delete(c.Request.Context(), c.Param("path"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Branch deleted", "path", b.Path)
	c.JSON(http.StatusOK, b)
}

// HandleReopen handles POST /v1/branches/:path/reopen.
//
//	Response: {"reopened": bool}
func (h *Handlers) HandleReopen(c *gin.Context) {
	logger := requestLogger(c, "HandleReopen")

	reopened, err := h.branches.Reopen(c.Request.Context(), c.Param("path"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reopened": reopened})
}

// HandleCommit handles POST /v1/branches/:path/commits.
//
//	Description:
//	  Writes puts and deletes as one commit. expectedHead, when set, must
//	  match the branch head.
//
//	Response: 201 CommitResponse
func (h *Handlers) HandleCommit(c *gin.Context) {
	logger := requestLogger(c, "HandleCommit")
	path := c.Param("path")

	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, logger, err)
		return
	}

	b, commit, err := h.branches.Commit(c.Request.Context(), nil, branch.CommitRequest{
		Path:         path,
		Author:       req.Author,
		Message:      req.Message,
		Puts:         req.Puts,
		Deletes:      req.Deletes,
		ExpectedHead: req.ExpectedHead,
	})
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, CommitResponse{Branch: b, Commit: commit})
}

// HandleHistory handles GET /v1/branches/:path/commits, newest first.
func (h *Handlers) HandleHistory(c *gin.Context) {
	logger := requestLogger(c, "HandleHistory")

	history, err := h.branches.History(c.Request.Context(), c.Param("path"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": history})
}

// HandleGetObject handles GET /v1/branches/:path/objects/:id. The path may
// be any point reference: path, path@<ts> or path^.
func (h *Handlers) HandleGetObject(c *gin.Context) {
	logger := requestLogger(c, "HandleGetObject")

	obj, err := h.branches.GetObject(c.Request.Context(), c.Param("path"), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

// =============================================================================
// Merges
// =============================================================================

// HandleCreateMerge handles POST /v1/merges.
//
//	Description:
//	  Schedules a merge of source into target, or a rebase of target when
//	  source is its parent. The job runs in the background; poll
//	  GET /v1/merges/:id for the outcome.
//
//	Response: 201 with the SCHEDULED job
func (h *Handlers) HandleCreateMerge(c *gin.Context) {
	logger := requestLogger(c, "HandleCreateMerge")

	var req merge.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, logger, err)
		return
	}

	job, err := h.runner.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Merge scheduled",
		"job", job.ID,
		"operation", job.Operation,
		"source", job.Source,
		"target", job.Target)
	c.Header("Location", "/v1/merges/"+job.ID)
	c.JSON(http.StatusCreated, job)
}

// HandleSearchMerges handles GET /v1/merges.
//
//	Response: {"items": [job...]}
func (h *Handlers) HandleSearchMerges(c *gin.Context) {
	logger := requestLogger(c, "HandleSearchMerges")

	var q searchMergesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, logger, err)
		return
	}
	req := merge.SearchRequest{Source: q.Source, Target: q.Target}
	if q.Status != "" {
		status, err := merge.ParseStatus(q.Status)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		req.Status = status
	}

	jobs, err := h.runner.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": jobs})
}

// HandleGetMerge handles GET /v1/merges/:id.
func (h *Handlers) HandleGetMerge(c *gin.Context) {
	logger := requestLogger(c, "HandleGetMerge")

	job, err := h.runner.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// HandleDeleteMerge handles DELETE /v1/merges/:id.
func (h *Handlers) HandleDeleteMerge(c *gin.Context) {
	logger := requestLogger(c, "HandleDeleteMerge")

	if err := h.runner.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Reviews and Compare
// =============================================================================

// HandleCreateReview handles POST /v1/reviews.
//
//	Response: 201 with the CURRENT review
func (h *Handlers) HandleCreateReview(c *gin.Context) {
	logger := requestLogger(c, "HandleCreateReview")

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, logger, err)
		return
	}

	rv, err := h.reviews.Create(c.Request.Context(), req.Source, req.Target)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.Header("Location", "/v1/reviews/"+rv.ID)
	c.JSON(http.StatusCreated, rv)
}

// HandleGetReview handles GET /v1/reviews/:id. Status is recomputed
// against the branches' current state.
func (h *Handlers) HandleGetReview(c *gin.Context) {
	logger := requestLogger(c, "HandleGetReview")

	rv, err := h.reviews.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, rv)
}

// HandleCompare handles GET /v1/compare.
//
//	Description:
//	  Summarizes the changes on source since it diverged from target.
//	  source may be a range "A..B" with target omitted.
//
//	Response: review.Summary
func (h *Handlers) HandleCompare(c *gin.Context) {
	logger := requestLogger(c, "HandleCompare")

	var q compareQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondBindError(c, logger, err)
		return
	}

	summary, err := h.reviews.Compare(c.Request.Context(), q.Source, q.Target)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// =============================================================================
// Locks
// =============================================================================

// HandleLocks handles GET /v1/locks.
//
//	Response: {"items": [lock.Info...]}
func (h *Handlers) HandleLocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.locks.Locks()})
}
