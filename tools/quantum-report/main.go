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

// quantum-report reads the per-vCPU output files of a run
// (quantum_histogram_<i>.log and quantum_stats_<i>.csv) and prints an
// aggregate report: per-vCPU time breakdown and the barrier-wait
// distribution tails.
package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var binLine = regexp.MustCompile(`^Bin \d+ \((\d+) - (\d+)\): (\d+)$`)

type vcpuReport struct {
	index    int
	quanta   int
	total    time.Duration
	exec     time.Duration
	waiting  time.Duration
	idle     time.Duration
	peeking  time.Duration
	overflow uint64
	samples  uint64
}

func main() {
	dir := flag.String("dir", "qlog", "directory containing the run outputs")
	flag.Parse()

	statsFiles, err := filepath.Glob(filepath.Join(*dir, "quantum_stats_*.csv"))
	if err != nil || len(statsFiles) == 0 {
		fmt.Fprintf(os.Stderr, "quantum-report: no quantum_stats_*.csv under %s\n", *dir)
		os.Exit(1)
	}
	sort.Strings(statsFiles)

	var reports []vcpuReport
	for _, path := range statsFiles {
		r, err := readVCPU(*dir, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "quantum-report: %v\n", err)
			os.Exit(1)
		}
		reports = append(reports, r)
	}

	fmt.Printf("%-6s %-8s %-12s %-12s %-12s %-12s %-12s %-8s %-10s\n",
		"vcpu", "quanta", "total", "exec", "waiting", "idle", "peeking", "waits", "overflow")
	var sumWait, sumTotal time.Duration
	for _, r := range reports {
		fmt.Printf("%-6d %-8d %-12v %-12v %-12v %-12v %-12v %-8d %-10d\n",
			r.index, r.quanta, r.total, r.exec, r.waiting, r.idle, r.peeking, r.samples, r.overflow)
		sumWait += r.waiting
		sumTotal += r.total
	}
	if sumTotal > 0 {
		fmt.Printf("\nbarrier share of wall time: %.1f%%\n", 100*float64(sumWait)/float64(sumTotal))
	}
}

func readVCPU(dir, statsPath string) (vcpuReport, error) {
	var r vcpuReport
	base := filepath.Base(statsPath)
	idxStr := strings.TrimSuffix(strings.TrimPrefix(base, "quantum_stats_"), ".csv")
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return r, fmt.Errorf("bad stats file name %s", base)
	}
	r.index = idx

	f, err := os.Open(statsPath)
	if err != nil {
		return r, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return r, fmt.Errorf("%s: %w", statsPath, err)
	}
	// Layout: summary header, summary values, table header, rows.
	if len(records) < 3 {
		return r, fmt.Errorf("%s: truncated stats file", statsPath)
	}
	for _, rec := range records[3:] {
		if len(rec) != 5 {
			return r, fmt.Errorf("%s: bad row %v", statsPath, rec)
		}
		ns := make([]int64, 5)
		for i, s := range rec {
			ns[i], err = strconv.ParseInt(s, 10, 64)
			if err != nil {
				return r, fmt.Errorf("%s: bad value %q", statsPath, s)
			}
		}
		r.quanta++
		r.total += time.Duration(ns[0])
		r.exec += time.Duration(ns[1])
		r.waiting += time.Duration(ns[2])
		r.idle += time.Duration(ns[3])
		r.peeking += time.Duration(ns[4])
	}

	// The histogram dump contributes the sample count and the overflow tail.
	histPath := filepath.Join(dir, fmt.Sprintf("quantum_histogram_%d.log", idx))
	hf, err := os.Open(histPath)
	if err != nil {
		return r, err
	}
	defer hf.Close()
	sc := bufio.NewScanner(hf)
	for sc.Scan() {
		line := sc.Text()
		if m := binLine.FindStringSubmatch(line); m != nil {
			n, _ := strconv.ParseUint(m[3], 10, 64)
			r.samples += n
			continue
		}
		if v, ok := strings.CutPrefix(line, "Overflow count: "); ok {
			r.overflow, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	return r, sc.Err()
}
