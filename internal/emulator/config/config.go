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

// Package config holds the parsed, immutable configuration of the quantum
// scheduler: quantum length, participation range, per-vCPU IPC table and the
// knobs of the surrounding plumbing (outputs, metrics, run sink).
//
// Configuration errors are reported once at init; after Validate succeeds the
// Config is read-only.
package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars in the
// time.ParseDuration syntax ("250ms", "1m30s") or plain nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: cannot decode %q as a duration", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// IdlePolicy selects how a vCPU's budget is reconciled after a host I/O sleep.
type IdlePolicy string

const (
	// IdlePeekPeers adopts the average remaining budget of the awake peers in
	// the current generation (never re-granting budget within a generation).
	// This is the default and the more accurate policy.
	IdlePeekPeers IdlePolicy = "peek-peers"

	// IdleDeductRealTime debits the slept wall time (mod Q) from the budget on
	// wake; if that depletes the budget the vCPU settles at the barrier right
	// away, so the cross-generation remainder is absorbed by the barrier.
	IdleDeductRealTime IdlePolicy = "deduct-real-time"
)

// maxQuantumSize bounds Q so one quantum at 1.0 IPC fits the signed 32-bit
// half of the packed account word. Budgets are Q scaled by the IPC weight, so
// a weight above 1.0 can still exceed that half when Q is near the bound.
const maxQuantumSize = 0x7fffffff

// VCPUClass is one row of the IPC table: the fixed-point IPC weight
// (quantum.IPCScale == 100 means 1.0) and the host core the vCPU thread is
// pinned to, -1 for unpinned.
type VCPUClass struct {
	IPC          uint32
	AffinityCore int
}

// DefaultClass is used for vCPUs beyond the IPC table (or when no table is
// configured): 1.0 IPC, unpinned.
var DefaultClass = VCPUClass{IPC: 100, AffinityCore: -1}

// Config is the full scheduler configuration. The yaml tags give the sim a
// config-file surface; the same fields are exposed as flags which override
// the file.
type Config struct {
	// QuantumSize is Q in target instructions. 0 disables the quantum
	// mechanism entirely (all vCPUs run free).
	QuantumSize uint64 `yaml:"quantum_size"`

	// CheckPeriod, when nonzero, must be a multiple of QuantumSize and at
	// least QuantumSize. It is validated and stored but has no downstream
	// consumer yet.
	CheckPeriod uint64 `yaml:"check_period"`

	// Range is the inclusive participating-vCPU index range "lo-hi". Empty
	// means every vCPU participates.
	Range string `yaml:"range"`

	// IPCTablePath points at a CSV file with header "ipc,affinity_core_idx",
	// one row per vCPU. Empty means DefaultClass for every vCPU.
	IPCTablePath string `yaml:"ipc_table"`

	// RespectDeadline shrinks generation budgets to the soonest guest-timer
	// deadline (only consulted for large quanta; see
	// quantum.DeadlineQueryThreshold).
	RespectDeadline bool `yaml:"respect_deadline"`

	// IdlePolicy selects the idle reconciliation policy. Empty means
	// IdlePeekPeers.
	IdlePolicy IdlePolicy `yaml:"idle_policy"`

	// VCPUs is the number of vCPU threads the machine runs.
	VCPUs int `yaml:"vcpus"`

	// OutputDir receives quantum_histogram_<i>.log and quantum_stats_<i>.csv.
	// Empty disables file outputs.
	OutputDir string `yaml:"output_dir"`

	// MetricsAddr, when non-empty, serves Prometheus metrics and the status
	// endpoint on a dedicated listener (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// RunSink selects where run snapshots are published: "none", "log" or
	// "redis".
	RunSink string `yaml:"run_sink"`

	// RedisAddr is the Redis endpoint for the redis run sink.
	RedisAddr string `yaml:"redis_addr"`

	// SnapshotInterval is how often the snapshot worker publishes virtual
	// times to the run sink. 0 disables periodic snapshots (a final one is
	// still published at shutdown).
	SnapshotInterval Duration `yaml:"snapshot_interval"`

	lo, hi   uint64
	allRange bool
	table    []VCPUClass
}

// Load reads a YAML config file. Fields absent from the file keep their zero
// values; callers typically layer flag overrides on top and then Validate.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the configuration, parses the range string and loads the
// IPC table. It must be called (successfully) before any other accessor.
func (c *Config) Validate() error {
	if c.QuantumSize > maxQuantumSize {
		return fmt.Errorf("config: quantum_size %d exceeds the signed 32-bit budget limit", c.QuantumSize)
	}
	if c.CheckPeriod != 0 {
		if c.QuantumSize == 0 {
			return fmt.Errorf("config: check_period set while the quantum mechanism is disabled")
		}
		if c.CheckPeriod < c.QuantumSize || c.CheckPeriod%c.QuantumSize != 0 {
			return fmt.Errorf("config: check_period %d must be a multiple of quantum_size %d", c.CheckPeriod, c.QuantumSize)
		}
	}
	if c.VCPUs < 0 {
		return fmt.Errorf("config: vcpus must be non-negative")
	}
	switch c.IdlePolicy {
	case "", IdlePeekPeers, IdleDeductRealTime:
	default:
		return fmt.Errorf("config: unknown idle_policy %q", c.IdlePolicy)
	}
	if c.IdlePolicy == "" {
		c.IdlePolicy = IdlePeekPeers
	}
	switch c.RunSink {
	case "", "none", "log", "redis":
	default:
		return fmt.Errorf("config: unknown run_sink %q", c.RunSink)
	}

	lo, hi, all, err := ParseRange(c.Range)
	if err != nil {
		return err
	}
	c.lo, c.hi, c.allRange = lo, hi, all

	if c.IPCTablePath != "" {
		f, err := os.Open(c.IPCTablePath)
		if err != nil {
			return fmt.Errorf("config: open ipc table: %w", err)
		}
		defer f.Close()
		table, err := ParseIPCTable(f)
		if err != nil {
			return fmt.Errorf("config: %s: %w", c.IPCTablePath, err)
		}
		c.table = table
	}
	return nil
}

// Enabled reports whether the quantum mechanism is active at all.
func (c *Config) Enabled() bool { return c.QuantumSize != 0 }

// Participates reports whether the vCPU index is admitted to the barrier by
// the configured range. A participating index still runs free if its IPC
// weight is zero.
func (c *Config) Participates(idx uint64) bool {
	if !c.Enabled() {
		return false
	}
	if c.allRange {
		return true
	}
	return idx >= c.lo && idx <= c.hi
}

// Class returns the IPC table row for a vCPU, falling back to DefaultClass
// past the end of the table.
func (c *Config) Class(idx int) VCPUClass {
	if idx >= 0 && idx < len(c.table) {
		return c.table[idx]
	}
	return DefaultClass
}

// ParseRange parses an inclusive "lo-hi" participation range. An empty string
// means "all vCPUs" (all == true).
func ParseRange(s string) (lo, hi uint64, all bool, err error) {
	if s == "" {
		return 0, 0, true, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, 0, false, fmt.Errorf("config: range %q is not of the form \"lo-hi\"", s)
	}
	lo, err = strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("config: range lower bound %q: %w", parts[0], err)
	}
	hi, err = strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("config: range upper bound %q: %w", parts[1], err)
	}
	if lo > hi {
		return 0, 0, false, fmt.Errorf("config: range %q has lo > hi", s)
	}
	return lo, hi, false, nil
}

// ParseIPCTable reads the per-vCPU IPC table: a CSV with the exact header
// "ipc,affinity_core_idx" and one row per vCPU. An affinity of -1 leaves the
// vCPU thread unpinned.
func ParseIPCTable(r io.Reader) ([]VCPUClass, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("ipc table: read header: %w", err)
	}
	if len(header) != 2 || strings.TrimSpace(header[0]) != "ipc" || strings.TrimSpace(header[1]) != "affinity_core_idx" {
		return nil, fmt.Errorf("ipc table: header must be \"ipc,affinity_core_idx\", got %q", strings.Join(header, ","))
	}

	var table []VCPUClass
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ipc table: row %d: %w", len(table)+1, err)
		}
		ipc, err := strconv.ParseUint(strings.TrimSpace(rec[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("ipc table: row %d: ipc %q: %w", len(table)+1, rec[0], err)
		}
		core, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("ipc table: row %d: affinity_core_idx %q: %w", len(table)+1, rec[1], err)
		}
		if core < -1 {
			return nil, fmt.Errorf("ipc table: row %d: affinity_core_idx %d below -1", len(table)+1, core)
		}
		table = append(table, VCPUClass{IPC: uint32(ipc), AffinityCore: core})
	}
	return table, nil
}
