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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagame_fetch_attempts_total",
		Help: "Fetch attempts by component and result",
	}, []string{"component", "result"})

	circuitStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metagame_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"component"})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metagame_fetch_alerts_total",
		Help: "Error monitor alerts by component and type",
	}, []string{"component", "type"})
)
