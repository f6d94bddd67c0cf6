// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import "time"

// timeRing is a fixed-size circular buffer of failure timestamps.
//
// When full, Push overwrites the oldest entry and counts it as dropped.
// Timestamps are pushed in non-decreasing order so the newest entries are
// always at the tail.
//
// Not safe for concurrent use; ErrorMonitor guards it.
type timeRing struct {
	buf     []time.Time
	head    int
	size    int
	dropped int64
}

func newTimeRing(capacity int) *timeRing {
	if capacity < 1 {
		capacity = 1
	}
	return &timeRing{buf: make([]time.Time, capacity)}
}

// Push appends t. Returns true if the oldest entry was dropped.
func (r *timeRing) Push(t time.Time) bool {
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = t
	if r.size < len(r.buf) {
		r.size++
		return false
	}
	r.head = (r.head + 1) % len(r.buf)
	r.dropped++
	return true
}

// CountSince returns how many entries are at or after since.
func (r *timeRing) CountSince(since time.Time) int {
	n := 0
	for i := r.size - 1; i >= 0; i-- {
		if r.buf[(r.head+i)%len(r.buf)].Before(since) {
			break
		}
		n++
	}
	return n
}

// Size returns the current number of entries.
func (r *timeRing) Size() int {
	return r.size
}

// DroppedCount returns total entries dropped due to capacity.
func (r *timeRing) DroppedCount() int64 {
	return r.dropped
}
