// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package swiss

import (
	"sort"

	"github.com/AleutianAI/AleutianMetagame/services/metagame/model"
)

type result int8

const (
	resNone result = iota
	resWin
	resLoss
	resDraw
	resBye
)

// complements reports whether r and o can be the two sides of one match.
func (r result) complements(o result) bool {
	switch r {
	case resWin:
		return o == resLoss
	case resLoss:
		return o == resWin
	case resDraw:
		return o == resDraw
	}
	return false
}

// roundPlan is one round's decided results, indexed by player.
type roundPlan struct {
	round   int
	order   []int
	group   []int
	result  []result
	flipped []bool
	bye     int
}

func (p *roundPlan) isFlipped(i int) bool {
	return p.flipped != nil && p.flipped[i]
}

// rowState is the part of a player's state the backward schedule needs.
type rowState struct {
	rem    model.Record
	hadBye bool
}

// assignResults decides every round's results in order. It returns the
// number of replanned rounds, and false when the standings have no
// history at all.
func (s *search) assignResults() (int, bool) {
	// ahead holds a schedule for the rounds from r on that is consistent
	// with the current state.
	var ahead [][]result
	replanned := 0
	for r := 1; r <= s.rounds; r++ {
		order, group := s.order()
		pref := s.preferred(order, group)
		if pref != nil {
			if next, ok := s.planAfter(pref, r); ok {
				s.commit(r, order, group, pref, nil)
				ahead = next
				continue
			}
		}
		if ahead == nil {
			plan, ok := s.schedule(s.rows(), r)
			if !ok {
				return replanned, false
			}
			ahead = plan
		}
		res, flipped, next := s.repair(pref, ahead, order, r)
		s.commit(r, order, group, res, flipped)
		ahead = next
		replanned++
	}
	return replanned, true
}

// order lists active players: groups by running record, best first, then
// final rank, known seed, name. group maps each player to its record
// group index, -1 when inactive.
func (s *search) order() ([]int, []int) {
	active := make([]int, 0, len(s.players))
	for i, p := range s.players {
		if p.rem.Games() > 0 {
			active = append(active, i)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := s.players[active[i]], s.players[active[j]]
		if a.run != b.run {
			if pa, pb := a.run.Points(), b.run.Points(); pa != pb {
				return pa > pb
			}
			if a.run.Wins != b.run.Wins {
				return a.run.Wins > b.run.Wins
			}
			return a.run.Losses < b.run.Losses
		}
		return ranksAbove(a.deck, b.deck)
	})

	group := make([]int, len(s.players))
	for i := range group {
		group[i] = -1
	}
	g := -1
	for k, i := range active {
		if k == 0 || s.players[active[k-1]].run != s.players[i].run {
			g++
		}
		group[i] = g
	}
	return active, group
}

type bucket struct {
	members []int
	lo, hi  int
	take    int
}

// preferred splits a round's results so that record groups pair off
// internally. It returns nil when the remaining records leave no such
// split.
func (s *search) preferred(order, group []int) []result {
	res := make([]result, len(s.players))

	var drawers []int
	for _, i := range order {
		if rem := s.players[i].rem; rem.Wins+rem.Losses == 0 {
			drawers = append(drawers, i)
		}
	}
	if len(drawers)%2 == 1 {
		extra := -1
		for _, i := range order {
			rem := s.players[i].rem
			if rem.Draws == 0 || rem.Wins+rem.Losses == 0 {
				continue
			}
			if extra < 0 || rem.Draws*s.players[extra].rem.Games() > s.players[extra].rem.Draws*rem.Games() {
				extra = i
			}
		}
		if extra < 0 {
			return nil
		}
		drawers = append(drawers, extra)
	}
	for _, i := range drawers {
		res[i] = resDraw
	}

	if len(order)%2 == 1 {
		bye := -1
		for k := len(order) - 1; k >= 0; k-- {
			i := order[k]
			if p := s.players[i]; res[i] == resNone && p.rem.Wins > 0 && !p.hadBye {
				bye = i
				break
			}
		}
		if bye < 0 {
			return nil
		}
		res[bye] = resBye
	}

	var buckets []*bucket
	last, rest := -1, 0
	for _, i := range order {
		if res[i] != resNone {
			continue
		}
		if len(buckets) == 0 || group[i] != last {
			buckets = append(buckets, &bucket{})
			last = group[i]
		}
		b := buckets[len(buckets)-1]
		b.members = append(b.members, i)
		rem := s.players[i].rem
		if rem.Losses == 0 {
			b.lo++
		}
		if rem.Wins > 0 {
			b.hi++
		}
		rest++
	}
	if !balance(buckets, rest/2) {
		return nil
	}

	for _, b := range buckets {
		sort.SliceStable(b.members, func(x, y int) bool {
			a, c := s.players[b.members[x]].rem, s.players[b.members[y]].rem
			if fa, fc := a.Losses == 0, c.Losses == 0; fa != fc {
				return fa
			}
			if fa, fc := a.Wins == 0, c.Wins == 0; fa != fc {
				return fc
			}
			return a.Wins*c.Games() > c.Wins*a.Games()
		})
		for k, i := range b.members {
			if k < b.take {
				res[i] = resWin
			} else {
				res[i] = resLoss
			}
		}
	}
	return res
}

// balance sets each bucket's winner count within its forced bounds so the
// total equals wins. Odd groups give up their float first: upward from the
// top when winners are short, downward from the bottom when in excess.
func balance(buckets []*bucket, wins int) bool {
	total := 0
	for _, b := range buckets {
		b.take = min(max(len(b.members)/2, b.lo), b.hi)
		total += b.take
	}
	for _, b := range buckets {
		if total < wins && len(b.members)%2 == 1 && b.take == len(b.members)/2 && b.take < b.hi {
			b.take++
			total++
		}
	}
	for _, b := range buckets {
		for total < wins && b.take < b.hi {
			b.take++
			total++
		}
	}
	for k := len(buckets) - 1; k >= 0; k-- {
		b := buckets[k]
		if total > wins && len(b.members)%2 == 1 && b.take == (len(b.members)+1)/2 && b.take > b.lo {
			b.take--
			total--
		}
	}
	for k := len(buckets) - 1; k >= 0; k-- {
		b := buckets[k]
		for total > wins && b.take > b.lo {
			b.take--
			total--
		}
	}
	return total == wins
}

// repair moves the preferred results toward the first column of ahead,
// one winner/loser swap at a time, until the rest of the event can still
// be scheduled. Players whose result moved are flagged.
func (s *search) repair(pref []result, ahead [][]result, order []int, r int) ([]result, []bool, [][]result) {
	col, rest := ahead[0], ahead[1:]
	flipped := make([]bool, len(s.players))
	if pref == nil || !sameShape(pref, col, order) {
		for _, i := range order {
			if pref == nil || pref[i] != col[i] {
				flipped[i] = true
			}
		}
		return col, flipped, rest
	}

	var toLoss, toWin []int
	for _, i := range order {
		switch {
		case pref[i] == resWin && col[i] == resLoss:
			toLoss = append(toLoss, i)
		case pref[i] == resLoss && col[i] == resWin:
			toWin = append(toWin, i)
		}
	}
	// The weakest preferred winners give way first.
	for x, y := 0, len(toLoss)-1; x < y; x, y = x+1, y-1 {
		toLoss[x], toLoss[y] = toLoss[y], toLoss[x]
	}

	res := append([]result(nil), pref...)
	n := min(len(toLoss), len(toWin))
	for k := 0; k < n-1; k++ {
		res[toLoss[k]], res[toWin[k]] = resLoss, resWin
		flipped[toLoss[k]], flipped[toWin[k]] = true, true
		if next, ok := s.planAfter(res, r); ok {
			return res, flipped, next
		}
	}
	for _, i := range order {
		if pref[i] != col[i] {
			flipped[i] = true
		}
	}
	return col, flipped, rest
}

// sameShape reports whether a and b agree on who draws and who has the bye.
func sameShape(a, b []result, order []int) bool {
	for _, i := range order {
		if (a[i] == resDraw) != (b[i] == resDraw) || (a[i] == resBye) != (b[i] == resBye) {
			return false
		}
	}
	return true
}

func (s *search) commit(r int, order, group []int, res []result, flipped []bool) {
	plan := roundPlan{round: r, order: order, group: group, result: res, flipped: flipped, bye: -1}
	for _, i := range order {
		p := s.players[i]
		switch res[i] {
		case resWin:
			p.rem.Wins--
			p.run.Wins++
		case resBye:
			p.rem.Wins--
			p.run.Wins++
			p.hadBye = true
			plan.bye = i
		case resLoss:
			p.rem.Losses--
			p.run.Losses++
		case resDraw:
			p.rem.Draws--
			p.run.Draws++
		}
	}
	s.plans = append(s.plans, plan)
}

func (s *search) rows() []rowState {
	rows := make([]rowState, len(s.players))
	for i, p := range s.players {
		rows[i] = rowState{rem: p.rem, hadBye: p.hadBye}
	}
	return rows
}

// planAfter schedules the rounds after r, assuming round r ends with res.
func (s *search) planAfter(res []result, r int) ([][]result, bool) {
	rows := s.rows()
	for i, x := range res {
		switch x {
		case resWin:
			rows[i].rem.Wins--
		case resBye:
			rows[i].rem.Wins--
			rows[i].hadBye = true
		case resLoss:
			rows[i].rem.Losses--
		case resDraw:
			rows[i].rem.Draws--
		}
	}
	return s.schedule(rows, r+1)
}

// schedule builds results for rounds from..R, one column per round, that
// exhaust every remaining record. It fills columns from the last round
// backwards: a player with g games left plays the rounds from..from+g-1.
func (s *search) schedule(rows []rowState, from int) ([][]result, bool) {
	left := max(s.rounds-from+1, 0)
	rem := make([]model.Record, len(rows))
	bye := make([]bool, len(rows))
	for i, row := range rows {
		if row.rem.Games() > left {
			return nil, false
		}
		rem[i], bye[i] = row.rem, row.hadBye
	}

	cols := make([][]result, left)
	for k := left; k >= 1; k-- {
		col, ok := s.column(rem, bye, k)
		if !ok {
			return nil, false
		}
		cols[k-1] = col
	}
	return cols, true
}

// column fills the k-th remaining round, counted from the first. Every
// player with exactly k games left plays it. Draws go late, wins go to
// the records that need them most, and the bye goes to the lowest-ranked
// winner without one.
func (s *search) column(rem []model.Record, bye []bool, k int) ([]result, bool) {
	col := make([]result, len(rem))
	var active, drawers []int
	for i := range rem {
		if rem[i].Games() < k {
			continue
		}
		active = append(active, i)
		if rem[i].Draws > 0 {
			drawers = append(drawers, i)
		}
	}

	if len(drawers)%2 == 1 {
		drop := -1
		for _, i := range drawers {
			if rem[i].Wins+rem[i].Losses == 0 {
				continue
			}
			if drop < 0 || rem[i].Draws < rem[drop].Draws || (rem[i].Draws == rem[drop].Draws && s.above(drop, i)) {
				drop = i
			}
		}
		if drop < 0 {
			return nil, false
		}
		for x, i := range drawers {
			if i == drop {
				drawers = append(drawers[:x], drawers[x+1:]...)
				break
			}
		}
	}
	for _, i := range drawers {
		col[i] = resDraw
		rem[i].Draws--
	}

	others := make([]int, 0, len(active))
	for _, i := range active {
		if col[i] == resNone {
			others = append(others, i)
		}
	}
	sort.SliceStable(others, func(x, y int) bool {
		a, c := rem[others[x]], rem[others[y]]
		if fa, fc := a.Losses == 0, c.Losses == 0; fa != fc {
			return fa
		}
		if fa, fc := a.Wins == 0, c.Wins == 0; fa != fc {
			return fc
		}
		if na, nc := a.Wins-a.Losses, c.Wins-c.Losses; na != nc {
			return na > nc
		}
		if a.Wins != c.Wins {
			return a.Wins > c.Wins
		}
		return s.above(others[x], others[y])
	})

	wins := (len(others) + len(active)%2) / 2
	for n, i := range others {
		if n < wins {
			if rem[i].Wins == 0 {
				return nil, false
			}
			rem[i].Wins--
			col[i] = resWin
			continue
		}
		if rem[i].Losses == 0 {
			return nil, false
		}
		rem[i].Losses--
		col[i] = resLoss
	}

	if len(active)%2 == 1 {
		pick := -1
		for _, i := range others[:wins] {
			if !bye[i] && (pick < 0 || s.above(pick, i)) {
				pick = i
			}
		}
		if pick < 0 {
			return nil, false
		}
		col[pick] = resBye
		bye[pick] = true
	}
	return col, true
}
