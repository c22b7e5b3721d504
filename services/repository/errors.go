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
	"errors"
	"log/slog"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	"github.com/AleutianAI/termrepo/services/repository/conflict"
	"github.com/AleutianAI/termrepo/services/repository/merge"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`

	// Code is NOT_FOUND, BAD_REQUEST, CONFLICT or INTERNAL.
	Code string `json:"code"`

	// Conflicts is the full report when a merge or rebase failed on content.
	Conflicts []conflict.Conflict `json:"conflicts,omitempty"`
}

// respondError writes err with the status of its kind. Internal errors are
// logged at Error and reported without their cause chain.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	kind := apierror.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Code: kind.String()}

	var conflictErr *merge.ConflictError
	if errors.As(err, &conflictErr) {
		resp.Conflicts = conflictErr.Conflicts
	}

	if kind == apierror.KindInternal {
		logger.Error("Request failed", "error", err)
		resp.Error = "internal error"
	} else {
		logger.Info("Request rejected", "code", resp.Code, "error", err)
	}
	c.JSON(apierror.HTTPStatus(kind), resp)
}

// respondBindError reports a malformed body or query as BAD_REQUEST.
func respondBindError(c *gin.Context, logger *slog.Logger, err error) {
	respondError(c, logger, apierror.Wrap(apierror.KindBadRequest, err, "invalid request"))
}

// getOrCreateRequestID returns X-Request-ID, generating one when absent,
// and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// requestLogger returns the child logger of one handler invocation.
func requestLogger(c *gin.Context, handler string) *slog.Logger {
	return slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
}
