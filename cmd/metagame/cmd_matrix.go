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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMetagame/pkg/ux"
	"github.com/AleutianAI/AleutianMetagame/services/metagame/matchup"
)

// noData marks a cell whose sample is empty or below --min-sample.
const noData = "·"

func runMatrix(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	defer a.close()

	snap := a.aggregator.Snapshot()
	if asJSON {
		return writeJSON(os.Stdout, snap)
	}
	if archetype != "" {
		return printRow(printer, snap, archetype)
	}
	printMatrix(printer, snap, minSample)
	return nil
}

func runTiers(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		printer.Error(err.Error())
		return err
	}
	defer a.close()

	snap := a.aggregator.Snapshot()
	if asJSON {
		return writeJSON(os.Stdout, map[string]any{
			"generated_at": snap.GeneratedAt,
			"tournaments":  snap.Tournaments,
			"tiers":        snap.Tiers,
			"shares":       snap.Shares,
		})
	}
	printTiers(printer, snap)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

// formatCell renders "61.5% (13)" or noData.
func formatCell(c matchup.Cell, minSample int) string {
	if c.WinRate == nil || c.SampleSize == 0 || c.SampleSize < minSample {
		return noData
	}
	return fmt.Sprintf("%s (%d)", percent(*c.WinRate), c.SampleSize)
}

func formatInterval(lower, upper *float64) string {
	if lower == nil || upper == nil {
		return noData
	}
	return fmt.Sprintf("%s–%s", percent(*lower), percent(*upper))
}

func matrixTable(snap *matchup.Snapshot, minSample int) ([]string, [][]string) {
	header := append([]string{"vs"}, snap.Archetypes...)
	rows := make([][]string, 0, len(snap.Archetypes))
	for _, a := range snap.Archetypes {
		row := make([]string, 0, len(snap.Archetypes)+1)
		row = append(row, a)
		for _, b := range snap.Archetypes {
			c, ok := snap.Cell(a, b)
			if !ok {
				row = append(row, noData)
				continue
			}
			row = append(row, formatCell(c, minSample))
		}
		rows = append(rows, row)
	}
	return header, rows
}

func printMatrix(p *ux.Printer, snap *matchup.Snapshot, minSample int) {
	p.Title(fmt.Sprintf("Matchups across %d tournaments", snap.Tournaments))
	if len(snap.Archetypes) == 0 {
		p.Info("no tournaments cached yet; run `metagame ingest`")
		return
	}
	header, rows := matrixTable(snap, minSample)
	p.Table(header, rows)
}

func printRow(p *ux.Printer, snap *matchup.Snapshot, name string) error {
	cells := snap.Row(name)
	if len(cells) == 0 {
		err := fmt.Errorf("unknown archetype %q", name)
		p.Error(err.Error())
		return err
	}
	p.Title(name)
	if t, ok := snap.Tier(name); ok {
		p.Info(fmt.Sprintf("tier %d, rank %d, %s over %d matches", t.Tier, t.Rank, percent(t.WinRate), t.SampleSize))
	}
	rows := make([][]string, 0, len(cells))
	for _, c := range cells {
		rate := noData
		if c.WinRate != nil {
			rate = percent(*c.WinRate)
		}
		rows = append(rows, []string{
			c.Opponent,
			strconv.Itoa(c.Wins),
			strconv.Itoa(c.Losses),
			strconv.Itoa(c.Draws),
			strconv.Itoa(c.Inferred),
			strconv.Itoa(c.SampleSize),
			rate,
			formatInterval(c.CILower, c.CIUpper),
		})
	}
	p.Table([]string{"Opponent", "W", "L", "D", "Inferred", "N", "Win rate", "95% CI"}, rows)
	return nil
}

func printTiers(p *ux.Printer, snap *matchup.Snapshot) {
	p.Title(fmt.Sprintf("Tiers across %d tournaments", snap.Tournaments))

	share := make(map[string]matchup.Share, len(snap.Shares))
	for _, s := range snap.Shares {
		share[s.Archetype] = s
	}

	rows := make([][]string, 0, len(snap.Tiers))
	for _, t := range snap.Tiers {
		rows = append(rows, []string{
			strconv.Itoa(t.Tier),
			strconv.Itoa(t.Rank),
			t.Archetype,
			percent(t.WinRate),
			fmt.Sprintf("%s–%s", percent(t.CILower), percent(t.CIUpper)),
			strconv.Itoa(t.SampleSize),
			percent(share[t.Archetype].Fraction),
		})
	}
	if len(rows) == 0 {
		p.Info("no archetype has enough matches to be ranked")
		return
	}
	p.Table([]string{"Tier", "Rank", "Archetype", "Win rate", "95% CI", "N", "Share"}, rows)
}
