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

// quantum-sim runs a synthetic multi-vCPU workload under the quantum
// scheduler: every vCPU executes fixed-length blocks against its budget and
// rendezvouses with its peers at each quantum boundary, exactly as the
// translated-code drivers would inside the emulator.
//
// This binary is responsible for orchestrating the whole pipeline:
//  1. Loading the configuration (YAML file, overridden by flags).
//  2. Building the synthetic executor and the machine.
//  3. Wiring telemetry and the run-snapshot worker.
//  4. Running until the frontier target, the workload end, or Ctrl+C.
//  5. Dumping per-vCPU histogram and stats files on the way out.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"quantum/internal/emulator/config"
	"quantum/internal/emulator/driver"
	"quantum/internal/emulator/exec"
	"quantum/internal/emulator/persistence"
	"quantum/internal/emulator/telemetry/quantumstats"
)

var (
	flagConfig       string
	flagVCPUs        int
	flagQuantum      uint64
	flagCheckPeriod  uint64
	flagRange        string
	flagIPCTable     string
	flagRespectDL    bool
	flagIdlePolicy   string
	flagOutputDir    string
	flagMetricsAddr  string
	flagRunSink      string
	flagRedisAddr    string
	flagSnapInterval time.Duration

	flagBlock        uint32
	flagInstructions uint64
	flagAtomicEvery  uint64
	flagHaltEvery    uint64
	flagGenerations  uint64
	flagTimeout      time.Duration
	flagLogInterval  time.Duration
	flagRunID        string
)

func main() {
	root := &cobra.Command{
		Use:   "quantum-sim",
		Short: "Run a synthetic workload under the quantum-synchronized scheduler",
		Long: `quantum-sim drives N synthetic vCPUs in lock-step quanta of virtual time.
Each vCPU executes fixed-length translated blocks against its quantum budget;
when the budget depletes it spins at the dynamic barrier until every
participant arrives, the virtual-time frontier advances, and the budgets
replenish. The run produces the same observability surface as the emulator:
per-vCPU quantum histograms and stats CSVs, Prometheus metrics, and optional
run snapshots in Redis.`,
		RunE: runSim,
	}

	f := root.Flags()
	f.StringVar(&flagConfig, "config", "", "YAML config file; flags override its fields")
	f.IntVar(&flagVCPUs, "vcpus", 4, "number of vCPU threads")
	f.Uint64Var(&flagQuantum, "quantum", 10_000, "quantum size Q in target instructions (0 disables)")
	f.Uint64Var(&flagCheckPeriod, "check-period", 0, "check period; must be a multiple of the quantum if set")
	f.StringVar(&flagRange, "range", "", "participating vCPU index range \"lo-hi\" (default all)")
	f.StringVar(&flagIPCTable, "ipc-table", "", "CSV file \"ipc,affinity_core_idx\", one row per vCPU")
	f.BoolVar(&flagRespectDL, "respect-deadline", false, "shrink generation budgets to the soonest guest-timer deadline")
	f.StringVar(&flagIdlePolicy, "idle-policy", string(config.IdlePeekPeers), "idle reconciliation: peek-peers or deduct-real-time")
	f.StringVar(&flagOutputDir, "output-dir", "qlog", "directory for histogram and stats files (empty disables)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "address for the /metrics and /status endpoint (e.g. :9090)")
	f.StringVar(&flagRunSink, "run-sink", "none", "run snapshot sink: none, log or redis")
	f.StringVar(&flagRedisAddr, "redis-addr", "", "Redis address for the redis run sink")
	f.DurationVar(&flagSnapInterval, "snapshot-interval", 0, "how often to publish run snapshots (0 = only at shutdown)")

	f.Uint32Var(&flagBlock, "block", 100, "translated block length in instructions")
	f.Uint64Var(&flagInstructions, "instructions", 0, "workload per vCPU in instructions (0 = unbounded)")
	f.Uint64Var(&flagAtomicEvery, "atomic-every", 0, "make every Nth block an isolated atomic step (0 disables)")
	f.Uint64Var(&flagHaltEvery, "halt-every", 0, "halt the vCPU after every Nth block (0 disables)")
	f.Uint64Var(&flagGenerations, "generations", 0, "stop after the frontier reaches N*quantum (0 = run the workload out)")
	f.DurationVar(&flagTimeout, "timeout", time.Minute, "hard wall-clock bound on the run")
	f.DurationVar(&flagLogInterval, "log-interval", 10*time.Second, "telemetry snapshot log interval (0 disables)")
	f.StringVar(&flagRunID, "run-id", "", "run identifier for the snapshot sink (default: timestamp)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	fromFile := flagConfig != ""
	if fromFile {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// A flag the user set always overrides the file; with no file every flag
	// (including its default) applies.
	set := func(name string) bool { return !fromFile || cmd.Flags().Changed(name) }
	if set("vcpus") {
		cfg.VCPUs = flagVCPUs
	}
	if set("quantum") {
		cfg.QuantumSize = flagQuantum
	}
	if set("check-period") {
		cfg.CheckPeriod = flagCheckPeriod
	}
	if set("range") {
		cfg.Range = flagRange
	}
	if set("ipc-table") {
		cfg.IPCTablePath = flagIPCTable
	}
	if set("respect-deadline") {
		cfg.RespectDeadline = flagRespectDL
	}
	if set("idle-policy") {
		cfg.IdlePolicy = config.IdlePolicy(flagIdlePolicy)
	}
	if set("output-dir") {
		cfg.OutputDir = flagOutputDir
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if set("run-sink") {
		cfg.RunSink = flagRunSink
	}
	if set("redis-addr") {
		cfg.RedisAddr = flagRedisAddr
	}
	if set("snapshot-interval") {
		cfg.SnapshotInterval = config.Duration(flagSnapInterval)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSim(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	ex := exec.NewSynthetic(cfg.VCPUs, exec.SyntheticOptions{
		BlockLength:  flagBlock,
		Instructions: flagInstructions,
		AtomicEvery:  flagAtomicEvery,
		HaltEvery:    flagHaltEvery,
	})

	m, err := driver.NewMachine(cfg, ex, driver.Options{})
	if err != nil {
		return err
	}

	quantumstats.Enable(quantumstats.Config{
		Enabled:     true,
		MetricsAddr: cfg.MetricsAddr,
		LogInterval: flagLogInterval,
	}, m.Snapshot)

	runID := flagRunID
	if runID == "" {
		runID = time.Now().UTC().Format("20060102T150405Z")
	}
	sink, err := persistence.BuildSink(cfg.RunSink, cfg.RedisAddr)
	if err != nil {
		return err
	}
	worker := persistence.NewWorker(sink, persistence.SourceFunc(func(final bool) persistence.RunSnapshot {
		return persistence.RunSnapshot{
			RunID:        runID,
			Generation:   m.Generation(),
			Frontier:     m.Frontier(),
			VirtualTimes: m.VirtualTimes(),
			Instructions: m.Instructions(),
			Final:        final,
			TsUnixMs:     time.Now().UnixMilli(),
		}
	}), cfg.SnapshotInterval.Std())
	worker.Start()

	fmt.Printf("quantum-sim: %d vCPUs, Q=%d, idle policy %s, run %s\n",
		cfg.VCPUs, cfg.QuantumSize, cfg.IdlePolicy, runID)

	// Ctrl+C ends every vCPU's workload; the run loop below then drains and
	// the final flush still runs.
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Println("quantum-sim: interrupted, stopping")
		ex.Stop()
	}()

	start := time.Now()
	m.Start()
	deadline := time.Now().Add(flagTimeout)
	for time.Now().Before(deadline) {
		if flagGenerations > 0 && m.Frontier() >= flagGenerations*cfg.QuantumSize {
			break
		}
		idle := true
		for i := 0; i < cfg.VCPUs; i++ {
			if ex.CanRun(i) {
				idle = false
				break
			}
		}
		if idle {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// End the workload first: a driver only honors unplug once its vCPU has
	// no runnable work left.
	ex.Stop()
	m.Stop()
	elapsed := time.Since(start)

	worker.Stop()

	spinNanos, arrivals, releases := int64(0), uint64(0), uint64(0)
	if b := m.Barrier(); b != nil {
		spinNanos, arrivals, releases = b.SpinStats()
	}
	fmt.Printf("quantum-sim: done in %v: generation=%d frontier=%d arrivals=%d releases=%d barrier_spin=%v\n",
		elapsed, m.Generation(), m.Frontier(), arrivals, releases, time.Duration(spinNanos))
	for i, vt := range m.VirtualTimes() {
		fmt.Printf("  vCPU %d: vtime=%d executed=%d\n", i, vt, ex.Executed(i))
	}
	if cfg.OutputDir != "" {
		fmt.Printf("quantum-sim: per-vCPU outputs written to %s\n", cfg.OutputDir)
	}
	return nil
}
