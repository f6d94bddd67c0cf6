// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, s *Server, metrics http.Handler) {
	router.GET("/health", HealthCheck(s.pipeline, s.aggregator))
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	{
		matchups := v1.Group("/matchups")
		{
			matchups.GET("", GetMatrix(s.aggregator))
			matchups.GET("/:archetype", GetArchetype(s.aggregator))
			matchups.GET("/:archetype/:opponent", GetCell(s.aggregator))
		}
		v1.GET("/tiers", GetTiers(s.aggregator))
		v1.POST("/ingest", TriggerIngest(s))
		v1.GET("/runs/last", GetLastRun(s.pipeline))
		v1.DELETE("/tournaments/:source/:id", InvalidateTournament(s.pipeline))
	}
}
