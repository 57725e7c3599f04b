// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_actions_total",
			Help: "Number of processed actions by name and outcome.",
		},
		[]string{"action", "outcome"},
	)

	bundleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_bundle_duration_seconds",
			Help:    "Wall time of action bundle processing.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// observeBundle records the outcome for every action of the bundle and
// the duration of the bundle as a whole.
func observeBundle(bundle []actionRequest, outcome string, elapsed time.Duration) {
	for _, req := range bundle {
		actionsTotal.WithLabelValues(req.Action, outcome).Inc()
	}
	bundleDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
