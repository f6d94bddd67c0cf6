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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMetagame/pkg/ux"
	"github.com/AleutianAI/AleutianMetagame/pkg/validation"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/pipeline"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/source"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/store"
)

// watchSettle is how long a payload file must be quiet before ingestion.
const watchSettle = 250 * time.Millisecond

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	defer a.close()

	report, err := a.pipeline.Run(ctx)
	if report != nil {
		printReport(printer, report)
	}
	if err != nil {
		printer.Error(err.Error())
		return err
	}

	if !watchDirs {
		return nil
	}

	var dirs []*source.DirSource
	for _, src := range a.sources {
		if d, ok := src.(*source.DirSource); ok {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		err := errors.New("--watch needs at least one directory source")
		printer.Error(err.Error())
		return err
	}

	w, err := newDirWatcher(dirs, watchSettle, func(sourceName, id string) {
		o, err := a.pipeline.IngestOne(ctx, sourceName, id)
		if err != nil {
			printer.Error(err.Error())
			return
		}
		printOutcome(printer, o)
	})
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	for _, d := range dirs {
		printer.Info(fmt.Sprintf("watching %s (%s)", d.Dir(), d.Name()))
	}
	return w.Run(ctx)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateIDs(args); err != nil {
		printer.Error(err.Error())
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	defer a.close()

	id := model.TournamentID(args[0], args[1])
	if err := a.pipeline.Invalidate(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			printer.Warning(fmt.Sprintf("%s is not cached", id))
		} else {
			printer.Error(err.Error())
		}
		return err
	}
	printer.Success(fmt.Sprintf("invalidated %s", id))
	return nil
}

func formatQuality(q *float64) string {
	if q == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *q)
}

func outcomeRow(o pipeline.Outcome) []string {
	return []string{
		o.Source,
		o.SourceID,
		o.TournamentID,
		string(o.Stage),
		string(o.Status),
		formatQuality(o.Quality),
		o.Error,
	}
}

func printReport(p *ux.Printer, r *pipeline.Report) {
	p.Title(fmt.Sprintf("Run %s", r.RunID))
	rows := make([][]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		rows = append(rows, outcomeRow(o))
	}
	if len(rows) > 0 {
		p.Table([]string{"Source", "ID", "Tournament", "Stage", "Status", "Quality", "Error"}, rows)
	}
	p.Summary(
		ux.Count{Label: "stored", N: r.Count(pipeline.StatusStored)},
		ux.Count{Label: "unchanged", N: r.Count(pipeline.StatusUnchanged)},
		ux.Count{Label: "duplicates", N: r.Count(pipeline.StatusDuplicate)},
		ux.Count{Label: "skipped", N: r.Count(pipeline.StatusSkipped)},
		ux.Count{Label: "failed", N: r.Count(pipeline.StatusFailed)},
	)
	if r.Aborted {
		p.Error("run aborted: the cache store is corrupt")
	}
}

func printOutcome(p *ux.Printer, o pipeline.Outcome) {
	line := fmt.Sprintf("%s/%s %s at %s", o.Source, o.SourceID, o.Status, o.Stage)
	switch o.Status {
	case pipeline.StatusFailed:
		p.Error(line + ": " + o.Error)
	case pipeline.StatusSkipped, pipeline.StatusDuplicate:
		p.Warning(line)
	default:
		p.Success(line)
	}
}
