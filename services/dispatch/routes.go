// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all dispatch routes with the router.
//
// Description:
//
//	Registers the public action endpoints, the internal endpoints and the
//	operational endpoints with the given Gin engine. Internal routes are
//	protected by the shared-secret middleware; the caller must pass the
//	configured secret in the Authorization header.
//
// Inputs:
//
//	router - Gin engine to mount on
//	handlers - The handlers instance
//	secret - Shared secret for the /internal routes
//
// Public Endpoints:
//
//	POST /system/action/handle_request - Process an action bundle atomically
//	POST /system/action/handle_separately - Process each action independently
//	GET  /system/action/health - Liveness and migration-index check
//
// Internal Endpoints:
//
//	POST /internal/handle_request - Atomic bundle, backend-internal actions admitted
//	POST /internal/migrations - Migration supervisor commands
//
// Operational Endpoints:
//
//	GET /metrics - Prometheus metrics
func RegisterRoutes(router *gin.Engine, handlers *Handlers, secret string) {
	router.Use(requestIDMiddleware())

	system := router.Group("/system/action")
	system.POST("/handle_request", handlers.HandleRequest)
	system.POST("/handle_separately", handlers.HandleSeparately)
	system.GET("/health", handlers.HandleHealth)

	internal := router.Group("/internal")
	internal.Use(internalAuthMiddleware(secret))
	internal.POST("/handle_request", handlers.HandleInternalRequest)
	internal.POST("/migrations", handlers.HandleMigrations)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// internalAuthMiddleware rejects internal requests whose Authorization
// header does not match the configured secret.
func internalAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || c.GetHeader("Authorization") != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Unauthorized.",
			})
			return
		}
		c.Next()
	}
}
