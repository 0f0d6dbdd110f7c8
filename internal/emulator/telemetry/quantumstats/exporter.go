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

package quantumstats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}
	serverOnce   sync.Once

	srcMu  sync.RWMutex
	source SnapshotSource
)

func startOrUpdate(cfg Config, src SnapshotSource) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	srcMu.Lock()
	source = src
	srcMu.Unlock()

	// Standalone metrics/status endpoint. Started once; the address of the
	// first Enable wins (matching the single-listener model of the demo
	// binaries).
	if cfg.MetricsAddr != "" {
		addr := cfg.MetricsAddr
		serverOnce.Do(func() {
			go serveMetrics(addr)
		})
	}

	// Stop a previous exporter loop if one is running.
	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	if !cfg.Enabled || cfg.LogInterval <= 0 {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(cfg.LogInterval, exporterStop, exporterDone)
}

func loadSource() SnapshotSource {
	srcMu.RLock()
	defer srcMu.RUnlock()
	return source
}

func snapshotNow() (Snapshot, bool) {
	src := loadSource()
	if src == nil {
		return Snapshot{}, false
	}
	return src(), true
}

// exporterLoop periodically refreshes the gauges and prints a one-line
// progress summary, the quantum analogue of the original's periodic barrier
// residency report.
func exporterLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s, ok := snapshotNow()
			if !ok {
				continue
			}
			publishGauges(s)
			var norm float64
			if s.Releases > 0 {
				norm = float64(s.SpinNanos) / float64(s.Releases)
			}
			fmt.Printf("[quantum] generation=%d frontier=%d participants=%d spin=%s normalized_spin=%.0fns/release\n",
				s.Generation, s.Frontier, s.Participants, time.Duration(s.SpinNanos), norm)
		case <-stop:
			return
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", handleStatus)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Printf("[quantum] metrics server on %s failed: %v\n", addr, err)
	}
}

// handleStatus serves the live machine snapshot as JSON. Gauges are refreshed
// as a side effect so a scrape right after /status sees consistent values.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := snapshotNow()
	if !ok {
		http.Error(w, "no snapshot source configured", http.StatusServiceUnavailable)
		return
	}
	publishGauges(s)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
