// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Table renders rows under a header. Rich mode draws rounded borders,
// minimal mode light borders, machine mode CSV.
func (p *Printer) Table(header []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(p.out)

	head := make(table.Row, len(header))
	for i, h := range header {
		head[i] = h
	}
	t.AppendHeader(head)
	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = v
		}
		t.AppendRow(row)
	}

	switch p.mode {
	case ModeMachine:
		t.RenderCSV()
		return
	case ModeMinimal:
		t.SetStyle(table.StyleLight)
	default:
		style := table.StyleRounded
		style.Color.Header = text.Colors{text.Bold, text.FgCyan}
		t.SetStyle(style)
	}
	t.Render()
}
