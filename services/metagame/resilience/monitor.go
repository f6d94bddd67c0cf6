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

import (
	"fmt"
	"sync"
	"time"
)

// AlertType names the threshold an alert crossed.
type AlertType string

const (
	// AlertErrorRate fires when errors/minute over Window crosses
	// ErrorRateThreshold.
	AlertErrorRate AlertType = "error_rate"

	// AlertBurst fires when errors within BurstWindow reach BurstThreshold.
	AlertBurst AlertType = "burst"
)

// Alert is delivered to every registered AlertFunc.
type Alert struct {
	Component string
	Type      AlertType
	Message   string
	Timestamp time.Time

	// Value is the metric that crossed the threshold.
	Value float64
}

// AlertFunc receives alerts. It runs on the goroutine that recorded the
// error and must not block.
type AlertFunc func(Alert)

// MonitorConfig configures the error monitor.
type MonitorConfig struct {
	// Window is the sliding window for the error rate.
	// Default: 1m
	Window time.Duration

	// ErrorRateThreshold is in errors per minute.
	// Default: 10
	ErrorRateThreshold float64

	// BurstWindow is the short rolling window for the burst counter.
	// Default: 10s
	BurstWindow time.Duration

	// BurstThreshold is the number of errors within BurstWindow that
	// counts as a burst.
	// Default: 5
	BurstThreshold int

	// HistorySize bounds the timestamps kept per component.
	// Default: 1024
	HistorySize int

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// DefaultMonitorConfig returns sensible defaults for the error monitor.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:             time.Minute,
		ErrorRateThreshold: 10,
		BurstWindow:        10 * time.Second,
		BurstThreshold:     5,
		HistorySize:        1024,
	}
}

// ComponentStats is a point-in-time view of one component.
type ComponentStats struct {
	Component    string
	TotalErrors  int64
	ErrorRate    float64
	BurstCount   int
	DroppedCount int64
	LastError    string
	LastErrorAt  time.Time
}

type componentState struct {
	history       *timeRing
	total         int64
	lastError     string
	lastErrorAt   time.Time
	rateAlerting  bool
	burstAlerting bool
}

// ErrorMonitor tracks failures per component and raises alerts.
//
// # Description
//
// Every recorded failure is timestamped into a bounded per-component
// history. After each record the monitor recomputes the sliding-window
// error rate and the burst count; a metric that crosses its threshold
// fires one alert and stays silent until it drops back below. The monitor
// never blocks traffic.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run outside the lock.
type ErrorMonitor struct {
	config MonitorConfig

	mu         sync.Mutex
	components map[string]*componentState
	callbacks  []AlertFunc
}

// NewErrorMonitor creates an error monitor. Zero config values take
// defaults.
func NewErrorMonitor(config MonitorConfig) *ErrorMonitor {
	def := DefaultMonitorConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.ErrorRateThreshold <= 0 {
		config.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if config.BurstWindow <= 0 {
		config.BurstWindow = def.BurstWindow
	}
	if config.BurstThreshold <= 0 {
		config.BurstThreshold = def.BurstThreshold
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ErrorMonitor{
		config:     config,
		components: make(map[string]*componentState),
	}
}

// OnAlert registers a callback.
func (m *ErrorMonitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// RecordError records one failure for component.
//
// Inputs:
//   - component: Tag of the failing upstream, e.g. a source name.
//   - err: The failure. Only its message is kept.
func (m *ErrorMonitor) RecordError(component string, err error) {
	m.mu.Lock()
	now := m.config.Now()
	st := m.stateLocked(component)
	st.history.Push(now)
	st.total++
	st.lastErrorAt = now
	if err != nil {
		st.lastError = err.Error()
	}

	var alerts []Alert

	rate := m.rateLocked(st, now)
	if rate >= m.config.ErrorRateThreshold {
		if !st.rateAlerting {
			st.rateAlerting = true
			alerts = append(alerts, Alert{
				Component: component,
				Type:      AlertErrorRate,
				Message:   fmt.Sprintf("error rate %.1f/min over %s exceeds %.1f/min", rate, m.config.Window, m.config.ErrorRateThreshold),
				Timestamp: now,
				Value:     rate,
			})
		}
	} else {
		st.rateAlerting = false
	}

	burst := st.history.CountSince(now.Add(-m.config.BurstWindow))
	if burst >= m.config.BurstThreshold {
		if !st.burstAlerting {
			st.burstAlerting = true
			alerts = append(alerts, Alert{
				Component: component,
				Type:      AlertBurst,
				Message:   fmt.Sprintf("%d errors within %s", burst, m.config.BurstWindow),
				Timestamp: now,
				Value:     float64(burst),
			})
		}
	} else {
		st.burstAlerting = false
	}

	callbacks := append([]AlertFunc(nil), m.callbacks...)
	m.mu.Unlock()

	for _, a := range alerts {
		alertsTotal.WithLabelValues(a.Component, string(a.Type)).Inc()
		for _, fn := range callbacks {
			fn(a)
		}
	}
}

// ErrorRate returns the current errors/minute for component.
func (m *ErrorMonitor) ErrorRate(component string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.components[component]
	if !ok {
		return 0
	}
	return m.rateLocked(st, m.config.Now())
}

// BurstCount returns the errors within the burst window for component.
func (m *ErrorMonitor) BurstCount(component string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.components[component]
	if !ok {
		return 0
	}
	return st.history.CountSince(m.config.Now().Add(-m.config.BurstWindow))
}

// Stats returns a snapshot for every component seen so far.
func (m *ErrorMonitor) Stats() []ComponentStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.config.Now()
	out := make([]ComponentStats, 0, len(m.components))
	for name, st := range m.components {
		out = append(out, ComponentStats{
			Component:    name,
			TotalErrors:  st.total,
			ErrorRate:    m.rateLocked(st, now),
			BurstCount:   st.history.CountSince(now.Add(-m.config.BurstWindow)),
			DroppedCount: st.history.DroppedCount(),
			LastError:    st.lastError,
			LastErrorAt:  st.lastErrorAt,
		})
	}
	return out
}

func (m *ErrorMonitor) stateLocked(component string) *componentState {
	st, ok := m.components[component]
	if !ok {
		st = &componentState{history: newTimeRing(m.config.HistorySize)}
		m.components[component] = st
	}
	return st
}

func (m *ErrorMonitor) rateLocked(st *componentState, now time.Time) float64 {
	n := st.history.CountSince(now.Add(-m.config.Window))
	return float64(n) / m.config.Window.Minutes()
}
