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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMetagame/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	outputMode string
	watchDirs  bool
	asJSON     bool
	minSample  int
	archetype  string

	printer *ux.Printer

	rootCmd = &cobra.Command{
		Use:   "metagame",
		Short: "Tournament ingestion and matchup analytics",
		Long: `metagame pulls tournament results from configured sources, reconstructs
pairings for standings-only events, and reports archetype matchup win rates
with confidence intervals and tiers.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			mode := ux.DetectMode(os.Stdout)
			if outputMode != "" {
				mode = ux.ParseMode(outputMode)
			}
			printer = ux.NewPrinter(os.Stdout, os.Stderr, mode)
		},
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over every configured source",
		Long: `Run one ingestion pass over every configured source. With --watch, keep
running and ingest payload files as they appear in directory sources.`,
		Args: cobra.NoArgs,
		RunE: runIngest, // Defined in cmd_ingest.go
	}

	matrixCmd = &cobra.Command{
		Use:   "matrix",
		Short: "Print the matchup matrix from the cached tournaments",
		Args:  cobra.NoArgs,
		RunE:  runMatrix, // Defined in cmd_matrix.go
	}

	tiersCmd = &cobra.Command{
		Use:   "tiers",
		Short: "Print archetype tiers and metagame shares",
		Args:  cobra.NoArgs,
		RunE:  runTiers, // Defined in cmd_matrix.go
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the matchup API and run scheduled ingestion",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	invalidateCmd = &cobra.Command{
		Use:   "invalidate <source> <external-id>",
		Short: "Drop a cached tournament so it leaves the aggregate",
		Args:  cobra.ExactArgs(2),
		RunE:  runInvalidate, // Defined in cmd_ingest.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "metagame.yaml", "config file; a .local sibling overrides it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "", "output mode: rich, minimal or machine")

	ingestCmd.Flags().BoolVarP(&watchDirs, "watch", "w", false, "watch directory sources for new payloads")

	matrixCmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	matrixCmd.Flags().IntVar(&minSample, "min-sample", 1, "hide cells with fewer matches")
	matrixCmd.Flags().StringVarP(&archetype, "archetype", "a", "", "print only this archetype's row")

	tiersCmd.Flags().BoolVar(&asJSON, "json", false, "print tiers as JSON")

	rootCmd.AddCommand(ingestCmd, matrixCmd, tiersCmd, serveCmd, invalidateCmd)
}
