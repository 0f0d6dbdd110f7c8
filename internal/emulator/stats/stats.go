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

// Package stats records per-vCPU per-quantum wall-clock accounting and writes
// the persisted outputs: the quantum histogram dump and the per-quantum CSV.
//
// File formats (long-lived, consumed by tools/quantum-report):
//
//	quantum_histogram_<index>.log — TimeHistogram textual dump
//	quantum_stats_<index>.csv     — summary header+values, then per-quantum
//	                                rows (durations in nanoseconds)
package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"quantum"
)

// Row is the wall-clock breakdown of one quantum as seen by one vCPU: total
// time between the two barrier boundaries, split into executing translated
// code, spinning at the barrier, sleeping on host I/O, and peeking peer
// accounts during idle reconciliation.
type Row struct {
	Total     time.Duration
	Execution time.Duration
	Waiting   time.Duration
	Idle      time.Duration
	Peeking   time.Duration
}

// Summary is the single-line prefix of the stats CSV.
type Summary struct {
	EnterIdleTime            uint64
	TargetCycleOnIdle        uint64
	TargetCycleOnInstruction uint64
}

// Recorder accumulates wall-clock buckets between quantum boundaries for one
// vCPU. It is owned by the vCPU's driver thread and is not thread-safe.
type Recorder struct {
	rows         []Row
	cur          Row
	lastBoundary time.Time
}

// NewRecorder starts a recorder with the boundary clock at now.
func NewRecorder() *Recorder {
	return &Recorder{lastBoundary: time.Now()}
}

// AddExecution accrues time spent inside RunSlice or StepAtomic.
func (r *Recorder) AddExecution(d time.Duration) { r.cur.Execution += d }

// AddWaiting accrues time spent spinning in the barrier.
func (r *Recorder) AddWaiting(d time.Duration) { r.cur.Waiting += d }

// AddIdle accrues time spent blocked on host I/O.
func (r *Recorder) AddIdle(d time.Duration) { r.cur.Idle += d }

// AddPeeking accrues time spent reading peer accounts on wake.
func (r *Recorder) AddPeeking(d time.Duration) { r.cur.Peeking += d }

// CloseQuantum finishes the current row at a quantum boundary: the row's
// total is the wall time since the previous boundary.
func (r *Recorder) CloseQuantum() {
	now := time.Now()
	r.cur.Total = now.Sub(r.lastBoundary)
	r.lastBoundary = now
	r.rows = append(r.rows, r.cur)
	r.cur = Row{}
}

// Rows returns the closed rows.
func (r *Recorder) Rows() []Row { return r.rows }

// HistogramPath returns the per-vCPU histogram file path.
func HistogramPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("quantum_histogram_%d.log", index))
}

// CSVPath returns the per-vCPU stats file path.
func CSVPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("quantum_stats_%d.csv", index))
}

// WriteCSV writes the stats file: the summary header and values, then the
// per-quantum table.
func WriteCSV(path string, sum Summary, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stats: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	records := [][]string{
		{"enter_idle_time", "target_cycle_on_idle", "target_cycle_on_instruction"},
		{
			strconv.FormatUint(sum.EnterIdleTime, 10),
			strconv.FormatUint(sum.TargetCycleOnIdle, 10),
			strconv.FormatUint(sum.TargetCycleOnInstruction, 10),
		},
		{"total_time", "execution_time", "waiting_time", "idle_time", "peeking_other_time"},
	}
	for _, row := range rows {
		records = append(records, []string{
			strconv.FormatInt(row.Total.Nanoseconds(), 10),
			strconv.FormatInt(row.Execution.Nanoseconds(), 10),
			strconv.FormatInt(row.Waiting.Nanoseconds(), 10),
			strconv.FormatInt(row.Idle.Nanoseconds(), 10),
			strconv.FormatInt(row.Peeking.Nanoseconds(), 10),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("stats: write %s: %w", path, err)
	}
	return f.Close()
}

// WriteHistogram dumps the histogram to its per-vCPU log file.
func WriteHistogram(path string, h *quantum.TimeHistogram) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stats: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := h.WriteTo(f); err != nil {
		return fmt.Errorf("stats: write %s: %w", path, err)
	}
	return f.Close()
}

// DumpVCPU writes both output files for one vCPU, creating the directory if
// needed.
func DumpVCPU(dir string, index int, h *quantum.TimeHistogram, sum Summary, rows []Row) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stats: mkdir %s: %w", dir, err)
	}
	if err := WriteHistogram(HistogramPath(dir, index), h); err != nil {
		return err
	}
	return WriteCSV(CSVPath(dir, index), sum, rows)
}
