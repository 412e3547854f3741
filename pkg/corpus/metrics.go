// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes pool-health gauges for scraping. Wiring one in is
// optional; a Pool built without it just skips the observations.
type Metrics struct {
	units           prometheus.Gauge
	coverageScore   prometheus.Gauge
	evictionsTotal  prometheus.Counter
	appendsTotal    prometheus.Counter
	lastRescoreSize prometheus.Gauge
}

// NewMetrics builds and registers the pool's gauges against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpusfuzz",
			Subsystem: "pool",
			Name:      "units",
			Help:      "Number of live units currently held by the pool.",
		}),
		coverageScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpusfuzz",
			Subsystem: "pool",
			Name:      "coverage_score",
			Help:      "Sum of coverage_score across all live units.",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corpusfuzz",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Units removed by the rescoring pass for no longer being a simplest carrier.",
		}),
		appendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corpusfuzz",
			Subsystem: "pool",
			Name:      "appends_total",
			Help:      "Units accepted into the pool.",
		}),
		lastRescoreSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpusfuzz",
			Subsystem: "pool",
			Name:      "last_rescore_units",
			Help:      "Pool size observed at the most recent UpdateScoresAndWeights call.",
		}),
	}
	reg.MustRegister(m.units, m.coverageScore, m.evictionsTotal, m.appendsTotal, m.lastRescoreSize)
	return m
}

func (m *Metrics) observeAppend(poolSize int) {
	m.appendsTotal.Inc()
	m.units.Set(float64(poolSize))
}

func (m *Metrics) observeRescored(poolSize int, coverageScore float64, evicted int) {
	m.units.Set(float64(poolSize))
	m.coverageScore.Set(coverageScore)
	m.lastRescoreSize.Set(float64(poolSize))
	if evicted > 0 {
		m.evictionsTotal.Add(float64(evicted))
	}
}
