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

// pairing is one inferred match. a ranks above b; winner is -1 for a draw.
type pairing struct {
	round   int
	a, b    int
	winner  int
	swapped bool
	floated bool
	repeat  bool
}

// pairFrom pairs the players of plans[ri] from order position pos on, and
// every later round, without repeating an earlier pairing. It returns
// false when no such pairing exists or the step budget ran out.
func (s *search) pairFrom(ri int, used []bool, pos int) bool {
	if ri == len(s.plans) {
		return true
	}
	s.steps++
	if s.steps > s.budget {
		s.exhausted = true
		return false
	}

	plan := &s.plans[ri]
	for pos < len(plan.order) && (used[plan.order[pos]] || plan.result[plan.order[pos]] == resBye) {
		pos++
	}
	if pos == len(plan.order) {
		return s.pairFrom(ri+1, make([]bool, len(s.players)), 0)
	}

	p := plan.order[pos]
	used[p] = true
	first := true
	for _, q := range plan.order[pos+1:] {
		if used[q] || !plan.result[p].complements(plan.result[q]) {
			continue
		}
		canonical := first
		first = false
		if s.met[pairKey(p, q)] > 0 {
			continue
		}
		used[q] = true
		s.push(plan, p, q, !canonical, false)
		if s.pairFrom(ri, used, pos+1) {
			return true
		}
		s.pop()
		used[q] = false
		if s.exhausted {
			break
		}
	}
	used[p] = false
	return false
}

// pairGreedy pairs each round in order with the first partner not met
// before, or the first compatible partner when every one is a repeat.
func (s *search) pairGreedy() {
	s.stack = s.stack[:0]
	s.met = make(map[[2]int]int)
	for ri := range s.plans {
		plan := &s.plans[ri]
		used := make([]bool, len(s.players))
		for pos, p := range plan.order {
			if used[p] || plan.result[p] == resBye {
				continue
			}
			canonical, fresh := -1, -1
			for _, q := range plan.order[pos+1:] {
				if used[q] || !plan.result[p].complements(plan.result[q]) {
					continue
				}
				if canonical < 0 {
					canonical = q
				}
				if s.met[pairKey(p, q)] == 0 {
					fresh = q
					break
				}
			}
			if canonical < 0 {
				continue
			}
			pick := fresh
			if pick < 0 {
				pick = canonical
			}
			used[p], used[pick] = true, true
			s.push(plan, p, pick, pick != canonical, fresh < 0)
		}
	}
}

func (s *search) push(plan *roundPlan, p, q int, swapped, repeat bool) {
	a, b := p, q
	if s.above(q, p) {
		a, b = q, p
	}
	winner := -1
	switch plan.result[a] {
	case resWin:
		winner = a
	case resLoss:
		winner = b
	}
	s.stack = append(s.stack, pairing{
		round:   plan.round,
		a:       a,
		b:       b,
		winner:  winner,
		swapped: swapped,
		floated: plan.group[p] != plan.group[q],
		repeat:  repeat,
	})
	s.met[pairKey(p, q)]++
}

func (s *search) pop() {
	pr := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	key := pairKey(pr.a, pr.b)
	if s.met[key]--; s.met[key] == 0 {
		delete(s.met, key)
	}
}
