// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMetagame/pkg/logging"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/export"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/server"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/telemetry"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	defer a.close()

	if a.cfg.Log.Level != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	log := a.logger.Slog()
	var exporter *export.Exporter
	if a.cfg.Export.Enabled() {
		exporter, err = export.New(ctx, a.cfg.Export, log)
		if err != nil {
			printer.Error(err.Error())
			return err
		}
		defer exporter.Close()
	}

	srv, err := server.New(server.Options{
		Pipeline:       a.pipeline,
		Aggregator:     a.aggregator,
		Exporter:       exporter,
		Metrics:        a.metrics,
		MetricsHandler: telemetry.MetricsHandler(),
		Every:          a.cfg.Server.Every,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		Logger:         log,
	})
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	return srv.Serve(ctx, a.cfg.Server.Addr, a.cfg.Server.ShutdownTimeout)
}
