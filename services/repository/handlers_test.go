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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/termrepo/services/repository/branch"
	"github.com/AleutianAI/termrepo/services/repository/config"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
	"github.com/AleutianAI/termrepo/services/repository/lock"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/AleutianAI/termrepo/services/repository/review"
	"github.com/AleutianAI/termrepo/services/repository/revision"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestService(t *testing.T) *service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Repository.ID = "snomedct"
	cfg.Storage.InMemory = true
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"

	svc, err := New(context.Background(), cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Close(ctx))
	})
	return svc.(*service)
}

func do(t *testing.T, s *service, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func concept(id, term string) *revision.Object {
	return &revision.Object{ID: id, Type: "concept", Properties: map[string]any{"term": term}}
}

func createBranch(t *testing.T, s *service, parent, name string) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/branches", branch.CreateRequest{Parent: parent, Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func commitObjects(t *testing.T, s *service, escapedPath string, objs ...*revision.Object) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/branches/"+escapedPath+"/commits",
		CommitRequest{Author: "alice", Message: "edit", Puts: objs})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func waitForJob(t *testing.T, s *service, id string) merge.Job {
	t.Helper()
	var job merge.Job
	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/v1/merges/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		job = decode[merge.Job](t, rec)
		return !job.Status.IsPending()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

// =============================================================================
// Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	s := newTestService(t)

	rec := do(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "snomedct", body["repository"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/branches/MAIN", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestBranchLifecycle(t *testing.T) {
	s := newTestService(t)

	rec := do(t, s, http.MethodPost, "/v1/branches", branch.CreateRequest{
		Parent:   branch.RootPath,
		Name:     "A",
		Metadata: map[string]any{"owner": "alice"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/branches/MAIN%2FA", rec.Header().Get("Location"))

	t.Run("get by escaped path", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		b := decode[branch.Branch](t, rec)
		assert.Equal(t, "MAIN/A", b.Path)
		assert.Equal(t, "alice", b.Metadata["owner"])
		assert.Equal(t, branch.StateUpToDate, b.State)
	})

	t.Run("search by parent", func(t *testing.T) {
		createBranch(t, s, branch.RootPath, "task-1")
		rec := do(t, s, http.MethodGet, "/v1/branches?parent=MAIN&name=task-*", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decode[branch.SearchResult](t, rec)
		require.Len(t, result.Items, 1)
		assert.Equal(t, "MAIN/task-1", result.Items[0].Path)
	})

	t.Run("metadata replaced", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, "/v1/branches/MAIN%2FA/metadata",
			MetadataRequest{Metadata: map[string]any{"reviewer": "bob"}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[struct {
			Updated bool          `json:"updated"`
			Branch  branch.Branch `json:"branch"`
		}](t, rec)
		assert.True(t, body.Updated)
		assert.Equal(t, map[string]any{"reviewer": "bob"}, body.Branch.Metadata)
	})

	t.Run("delete and reopen", func(t *testing.T) {
		rec := do(t, s, http.MethodDelete, "/v1/branches/MAIN%2FA", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decode[branch.Branch](t, rec).Deleted)

		rec = do(t, s, http.MethodPost, "/v1/branches/MAIN%2FA/reopen", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, map[string]bool{"reopened": true}, decode[map[string]bool](t, rec))

		rec = do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA", nil)
		assert.False(t, decode[branch.Branch](t, rec).Deleted)
	})
}

func TestCommitAndReadObjects(t *testing.T) {
	s := newTestService(t)
	createBranch(t, s, branch.RootPath, "A")

	rec := do(t, s, http.MethodPost, "/v1/branches/MAIN%2FA/commits", CommitRequest{
		Author:  "alice",
		Message: "add heart",
		Puts:    []*revision.Object{concept("c1", "heart")},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[CommitResponse](t, rec)
	assert.Equal(t, []string{"c1"}, resp.Commit.ObjectIDs)
	assert.Equal(t, resp.Commit.Timestamp, resp.Branch.Head)

	rec = do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA/objects/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "heart", decode[revision.Object](t, rec).Properties["term"])

	t.Run("not visible on parent", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/branches/MAIN/objects/c1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("not visible at branch base", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA%5E/objects/c1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("history newest first", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA/commits", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[struct {
			Items []revision.Commit `json:"items"`
		}](t, rec)
		require.NotEmpty(t, body.Items)
		assert.Equal(t, "add heart", body.Items[0].Message)
	})

	t.Run("stale expected head", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/branches/MAIN%2FA/commits", CommitRequest{
			Author:       "bob",
			Puts:         []*revision.Object{concept("c2", "lung")},
			ExpectedHead: resp.Branch.Head - 1,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CONFLICT", decode[ErrorResponse](t, rec).Code)
	})
}

func TestErrorMapping(t *testing.T) {
	s := newTestService(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"missing branch", http.MethodGet, "/v1/branches/MAIN%2FZ", nil, http.StatusNotFound, "NOT_FOUND"},
		{"invalid name", http.MethodPost, "/v1/branches", branch.CreateRequest{Parent: "MAIN", Name: "a b"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing body fields", http.MethodPost, "/v1/branches", map[string]string{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"delete root", http.MethodDelete, "/v1/branches/MAIN", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"merge without target", http.MethodPost, "/v1/merges", map[string]string{"source": "MAIN"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"merge self", http.MethodPost, "/v1/merges", merge.Request{Source: "MAIN", Target: "MAIN"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown job", http.MethodGet, "/v1/merges/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"unknown job status", http.MethodGet, "/v1/merges?status=DONE", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"compare without source", http.MethodGet, "/v1/compare", nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown review", http.MethodGet, "/v1/reviews/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"negative offset", http.MethodGet, "/v1/branches?offset=-1", nil, http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMergeJobOverHTTP(t *testing.T) {
	s := newTestService(t)
	createBranch(t, s, branch.RootPath, "A")
	commitObjects(t, s, "MAIN%2FA", concept("c1", "heart"))

	rec := do(t, s, http.MethodPost, "/v1/merges", merge.Request{
		Source:        "MAIN/A",
		Target:        "MAIN",
		UserID:        "alice",
		CommitComment: "promote A",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[merge.Job](t, rec)
	assert.Equal(t, merge.OperationMerge, created.Operation)
	assert.Equal(t, "/v1/merges/"+created.ID, rec.Header().Get("Location"))

	job := waitForJob(t, s, created.ID)
	require.Equal(t, merge.StatusCompleted, job.Status, job.Error)
	require.NotNil(t, job.Result)
	assert.Equal(t, "MAIN", job.Result.Path)

	rec = do(t, s, http.MethodGet, "/v1/branches/MAIN/objects/c1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/merges?target=MAIN&status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Items []merge.Job `json:"items"`
	}](t, rec)
	require.Len(t, listed.Items, 1)
	assert.Equal(t, created.ID, listed.Items[0].ID)

	rec = do(t, s, http.MethodDelete, "/v1/merges/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/merges/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMergeJobReportsConflicts(t *testing.T) {
	s := newTestService(t)
	commitObjects(t, s, "MAIN", concept("c1", "heart"))
	createBranch(t, s, branch.RootPath, "A")
	commitObjects(t, s, "MAIN%2FA", concept("c1", "cardiac organ"))
	commitObjects(t, s, "MAIN", concept("c1", "heart structure"))

	rec := do(t, s, http.MethodPost, "/v1/merges", merge.Request{Source: "MAIN/A", Target: "MAIN"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	job := waitForJob(t, s, decode[merge.Job](t, rec).ID)
	assert.Equal(t, merge.StatusFailed, job.Status)
	assert.Equal(t, "CONFLICT", job.ErrorCode)
	require.Len(t, job.Conflicts, 1)
	assert.Equal(t, "c1", job.Conflicts[0].ObjectID)
	assert.Equal(t, conflict.ConflictingChange, job.Conflicts[0].Type)
}

func TestRebaseJobOverHTTP(t *testing.T) {
	s := newTestService(t)
	createBranch(t, s, branch.RootPath, "A")
	commitObjects(t, s, "MAIN%2FA", concept("c2", "lung"))
	commitObjects(t, s, "MAIN", concept("c1", "heart"))

	rec := do(t, s, http.MethodPost, "/v1/merges", merge.Request{Source: "MAIN", Target: "MAIN/A"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[merge.Job](t, rec)
	assert.Equal(t, merge.OperationRebase, created.Operation)

	job := waitForJob(t, s, created.ID)
	require.Equal(t, merge.StatusCompleted, job.Status, job.Error)

	rec = do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA/objects/c1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/branches/MAIN%2FA", nil)
	assert.Equal(t, branch.StateForward, decode[branch.Branch](t, rec).State)
}

func TestReviewAndCompare(t *testing.T) {
	s := newTestService(t)
	createBranch(t, s, branch.RootPath, "A")
	commitObjects(t, s, "MAIN%2FA", concept("c1", "heart"))

	rec := do(t, s, http.MethodGet, "/v1/compare?source=MAIN/A&target=MAIN", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[review.Summary](t, rec)
	assert.Equal(t, []string{"c1"}, summary.NewObjects)
	assert.Equal(t, 1, summary.TotalNew)

	rec = do(t, s, http.MethodPost, "/v1/reviews", ReviewRequest{Source: "MAIN/A", Target: "MAIN"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[review.Review](t, rec)
	assert.Equal(t, review.StatusCurrent, created.Status)

	commitObjects(t, s, "MAIN%2FA", concept("c2", "lung"))

	rec = do(t, s, http.MethodGet, "/v1/reviews/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, review.StatusStale, decode[review.Review](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/v1/merges", merge.Request{Source: "MAIN/A", Target: "MAIN", ReviewID: created.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := waitForJob(t, s, decode[merge.Job](t, rec).ID)
	assert.Equal(t, merge.StatusFailed, job.Status)
	assert.Equal(t, "CONFLICT", job.ErrorCode)
}

func TestHandleLocks(t *testing.T) {
	s := newTestService(t)

	lease, err := s.locks.Lock(context.Background(), lock.NewContext("alice", "maintenance", nil),
		lock.Immediate, s.branches.Target("MAIN"))
	require.NoError(t, err)
	defer lease.ReleaseAndLog()

	rec := do(t, s, http.MethodGet, "/v1/locks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Items []lock.Info `json:"items"`
	}](t, rec)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "MAIN", body.Items[0].Target.Path)
	assert.Equal(t, "maintenance", body.Items[0].Holder.Description)

	rec = do(t, s, http.MethodPost, "/v1/branches/MAIN/commits", CommitRequest{
		Author: "bob",
		Puts:   []*revision.Object{concept("c1", "heart")},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestService(t)
	commitObjects(t, s, "MAIN", concept("c1", "heart"))

	rec := do(t, s, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "termrepo_branch_commits_total")
}

func TestRespondError(t *testing.T) {
	t.Run("conflict report attached", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		respondError(c, slog.Default(), &merge.ConflictError{
			Operation: "merge",
			Source:    "MAIN/A",
			Target:    "MAIN",
			Conflicts: []conflict.Conflict{{ObjectID: "c1", Type: conflict.ConflictingChange}},
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "CONFLICT", resp.Code)
		require.Len(t, resp.Conflicts, 1)
		assert.Equal(t, "c1", resp.Conflicts[0].ObjectID)
	})

	t.Run("internal cause hidden", func(t *testing.T) {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		respondError(c, slog.Default(), errors.New("value log corrupted"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decode[ErrorResponse](t, rec)
		assert.Equal(t, "INTERNAL", resp.Code)
		assert.Equal(t, "internal error", resp.Error)
	})
}

func TestBranchEventsWebsocket(t *testing.T) {
	s := newTestService(t)
	server := httptest.NewServer(s.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/branches?path=MAIN/A"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() branch.Event {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var e branch.Event
		require.NoError(t, ws.ReadJSON(&e))
		return e
	}

	createBranch(t, s, branch.RootPath, "B")
	createBranch(t, s, branch.RootPath, "A")
	e := read()
	assert.Equal(t, branch.EventCreated, e.Type)
	assert.Equal(t, "MAIN/A", e.Path)

	commitObjects(t, s, "MAIN%2FA", concept("c1", "heart"))
	e = read()
	assert.Equal(t, branch.EventCommitted, e.Type)
	require.NotNil(t, e.Branch)
	assert.True(t, e.Branch.HasCommits())
}

func TestApplyReloadUpdatesLockPolicy(t *testing.T) {
	s := newTestService(t)
	cfg := config.Default()
	cfg.Locks = config.LocksConfig{WaitPolicy: "bounded", WaitTimeout: 2 * time.Second}

	s.applyReload(cfg)
	assert.Equal(t, lock.Bounded(2*time.Second), s.locks.DefaultPolicy())

	cfg.Locks.WaitPolicy = "forever"
	s.applyReload(cfg)
	assert.Equal(t, lock.Bounded(2*time.Second), s.locks.DefaultPolicy())
}
