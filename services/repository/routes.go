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
	"net/url"

	"github.com/AleutianAI/termrepo/services/repository/observability"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the repository API on router.
//
// # Endpoints
//
//	GET    /health
//	GET    /metrics
//	GET    /v1/branches
//	POST   /v1/branches
//	GET    /v1/branches/:path
//	PUT    /v1/branches/:path/metadata
//	DELETE /v1/branches/:path
//	POST   /v1/branches/:path/reopen
//	GET    /v1/branches/:path/commits
//	POST   /v1/branches/:path/commits
//	GET    /v1/branches/:path/objects/:id
//	GET    /v1/events/branches
//	POST   /v1/merges
//	GET    /v1/merges
//	GET    /v1/merges/:id
//	DELETE /v1/merges/:id
//	POST   /v1/reviews
//	GET    /v1/reviews/:id
//	GET    /v1/compare
//	GET    /v1/locks
//
// Branch paths contain "/" and are sent escaped (MAIN%2FA). The router must
// match on the raw path and unescape parameters; newRouter sets both.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		branches := v1.Group("/branches")
		{
			branches.GET("", h.HandleSearchBranches)
			branches.POST("", h.HandleCreateBranch)
			branches.GET("/:path", h.HandleGetBranch)
			branches.DELETE("/:path", h.HandleDeleteBranch)
			branches.PUT("/:path/metadata", h.HandleUpdateMetadata)
			branches.POST("/:path/reopen", h.HandleReopen)
			branches.GET("/:path/commits", h.HandleHistory)
			branches.POST("/:path/commits", h.HandleCommit)
			branches.GET("/:path/objects/:id", h.HandleGetObject)
		}

		v1.GET("/events/branches", h.HandleBranchEvents)

		merges := v1.Group("/merges")
		{
			merges.POST("", h.HandleCreateMerge)
			merges.GET("", h.HandleSearchMerges)
			merges.GET("/:id", h.HandleGetMerge)
			merges.DELETE("/:id", h.HandleDeleteMerge)
		}

		v1.POST("/reviews", h.HandleCreateReview)
		v1.GET("/reviews/:id", h.HandleGetReview)
		v1.GET("/compare", h.HandleCompare)
		v1.GET("/locks", h.HandleLocks)
	}
}

// escapePath renders a branch path as a single URL segment.
func escapePath(path string) string {
	return url.PathEscape(path)
}
