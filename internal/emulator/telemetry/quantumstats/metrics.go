// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package quantumstats exposes the scheduler's observability surface:
// Prometheus collectors fed by the vCPU drivers, an optional standalone
// HTTP listener serving /metrics and a JSON /status snapshot, and a periodic
// log exporter.
//
// All Observe* functions are cheap no-ops until Enable is called with
// Enabled=true, so the hot paths can call them unconditionally.
package quantumstats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls the telemetry module.
//
// Notes:
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server serving
//     /metrics and /status. If you already expose Prometheus elsewhere,
//     leave it empty and register promhttp yourself.
//   - LogInterval drives the exporter loop (see exporter.go); 0 disables it.
type Config struct {
	Enabled     bool
	MetricsAddr string        // e.g., ":9090". Empty to disable the standalone endpoint
	LogInterval time.Duration // e.g., 10*time.Second; 0 disables exporter logging
}

// Snapshot is a point-in-time view of the machine used by /status and the
// exporter loop.
type Snapshot struct {
	Generation   uint32   `json:"generation"`
	Frontier     uint64   `json:"frontier"`
	Participants uint64   `json:"participants"`
	VirtualTimes []uint64 `json:"virtual_times"`
	SpinNanos    int64    `json:"barrier_spin_nanos"`
	Arrivals     uint64   `json:"barrier_arrivals"`
	Releases     uint64   `json:"barrier_releases"`
}

// SnapshotSource produces the current Snapshot. Installed by Enable; a later
// Enable replaces it.
type SnapshotSource func() Snapshot

var (
	modEnabled atomic.Bool

	barrierWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantum_barrier_wait_seconds",
		Help:    "Wall time a vCPU spends spinning in one barrier wait",
		Buckets: prometheus.ExponentialBuckets(100e-9, 4, 12), // 100ns .. ~0.42s
	})
	depletionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantum_depletions_total",
		Help: "Total quantum budget depletions observed by the drivers",
	})
	atomicStepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantum_atomic_steps_total",
		Help: "Total isolated atomic instruction steps executed",
	})
	idleReconcilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantum_idle_reconciles_total",
		Help: "Total idle reconciliations performed after a host I/O sleep",
	})
	idleAdoptionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantum_idle_adoptions_total",
		Help: "Idle reconciliations that adopted a peer-derived budget",
	})
	generationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantum_generation",
		Help: "Current barrier generation",
	})
	frontierGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantum_frontier_instructions",
		Help: "Virtual-time frontier in target instructions",
	})
	participantsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantum_participants",
		Help: "Current barrier membership",
	})
	barrierSpinSecondsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quantum_barrier_spin_seconds_total",
		Help: "Aggregate wall time all vCPUs have spent inside barrier waits",
	})
)

func init() {
	// Register eagerly; harmless if no endpoint is ever exposed.
	prometheus.MustRegister(
		barrierWaitSeconds, depletionsTotal, atomicStepsTotal,
		idleReconcilesTotal, idleAdoptionsTotal,
		generationGauge, frontierGauge, participantsGauge, barrierSpinSecondsTotal,
	)
}

// Enable configures the module. Safe to call multiple times; subsequent calls
// replace the configuration and snapshot source.
func Enable(cfg Config, src SnapshotSource) {
	modEnabled.Store(cfg.Enabled)
	startOrUpdate(cfg, src)
}

// ObserveBarrierWait records one barrier wait's wall time.
func ObserveBarrierWait(d time.Duration) {
	if !modEnabled.Load() {
		return
	}
	barrierWaitSeconds.Observe(d.Seconds())
}

// ObserveDepletion counts one budget depletion.
func ObserveDepletion() {
	if !modEnabled.Load() {
		return
	}
	depletionsTotal.Inc()
}

// ObserveAtomicStep counts one isolated step.
func ObserveAtomicStep() {
	if !modEnabled.Load() {
		return
	}
	atomicStepsTotal.Inc()
}

// ObserveIdleReconcile counts one idle reconciliation; adopted reports
// whether a peer-derived budget was applied.
func ObserveIdleReconcile(adopted bool) {
	if !modEnabled.Load() {
		return
	}
	idleReconcilesTotal.Inc()
	if adopted {
		idleAdoptionsTotal.Inc()
	}
}

// publishGauges pushes a snapshot into the gauge collectors.
func publishGauges(s Snapshot) {
	generationGauge.Set(float64(s.Generation))
	frontierGauge.Set(float64(s.Frontier))
	participantsGauge.Set(float64(s.Participants))
	barrierSpinSecondsTotal.Set(float64(s.SpinNanos) / 1e9)
}
