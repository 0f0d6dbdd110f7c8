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

// Package driver runs one driver loop per vCPU thread and owns the shared
// pieces between them: the quantum barrier, the iothread lock, and the
// plugin hook slots.
package driver

import (
	"fmt"
	"sync"

	"quantum"
	"quantum/internal/emulator/config"
	"quantum/internal/emulator/exec"
	"quantum/internal/emulator/telemetry/quantumstats"
)

// Per-quantum wall-time histogram shape: 50 bins over [0, 5ms) per the
// profiling range that matters at microsecond quanta.
const (
	histogramBins = 50
	histogramMax  = 5_000_000 // ns
)

// Options configures machine construction beyond the Config.
type Options struct {
	// Hooks carries the plugin extension points. Nil means no plugins.
	Hooks *Hooks

	// Deadline supplies guest-timer deadlines for deadline-respecting
	// budgets. Only consulted when the config enables RespectDeadline.
	Deadline quantum.DeadlineSource
}

// Machine assembles the vCPU drivers over a shared barrier and executor and
// manages their lifecycle. One Machine per emulator process.
type Machine struct {
	cfg      *config.Config
	exec     exec.Executor
	barrier  *quantum.DynamicBarrier
	clock    quantum.VirtualClock
	hooks    *Hooks
	iothread sync.Mutex

	vcpus []*VCPU
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMachine builds the machine: one driver per configured vCPU, accounts
// initialized from the IPC table, participation from the configured range.
// A vCPU outside the range (or with a zero IPC weight) runs free: its
// account carries no virtual time and its budget checks never fire.
func NewMachine(cfg *config.Config, ex exec.Executor, opts Options) (*Machine, error) {
	if cfg.VCPUs <= 0 {
		return nil, fmt.Errorf("driver: machine needs at least one vCPU")
	}

	m := &Machine{cfg: cfg, exec: ex, hooks: opts.Hooks}
	if cfg.Enabled() {
		m.barrier = quantum.NewDynamicBarrier(cfg.QuantumSize, quantum.BarrierOptions{
			RespectDeadline: cfg.RespectDeadline,
			Deadline:        opts.Deadline,
		})
		m.clock = quantum.NewVirtualClock(cfg.QuantumSize)
	}

	m.vcpus = make([]*VCPU, cfg.VCPUs)
	for i := range m.vcpus {
		class := cfg.Class(i)
		participating := cfg.Participates(uint64(i)) && class.IPC != 0

		ipc := class.IPC
		if !participating {
			// A free-running vCPU carries no virtual time; a zero IPC weight
			// turns every deduction helper into a no-op.
			ipc = 0
		}

		acct := quantum.NewAccount(ipc)
		// Until the driver's first runnable transition the account has no
		// authoritative virtual time; peers must not treat it as reportable.
		acct.SetUnknownTime(true)

		m.vcpus[i] = &VCPU{
			index:         i,
			machine:       m,
			acct:          acct,
			class:         class,
			participating: participating,
			hist:          quantum.NewTimeHistogram(histogramBins, 0, histogramMax),
		}
	}
	return m, nil
}

// Start launches one driver goroutine per vCPU. Idempotent.
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		for _, v := range m.vcpus {
			m.wg.Add(1)
			go v.run()
		}
	})
}

// Wait blocks until every driver loop has exited.
func (m *Machine) Wait() { m.wg.Wait() }

// Stop requests unplug on every vCPU, kicks any sleeper, and waits for the
// loops to exit. Idempotent.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		for _, v := range m.vcpus {
			v.RequestUnplug()
		}
		m.wg.Wait()
	})
}

// VCPU returns the driver of the given vCPU.
func (m *Machine) VCPU(i int) *VCPU { return m.vcpus[i] }

// VCPUs returns the number of vCPUs.
func (m *Machine) VCPUs() int { return len(m.vcpus) }

// Barrier returns the shared barrier, nil when the quantum mechanism is
// disabled.
func (m *Machine) Barrier() *quantum.DynamicBarrier { return m.barrier }

// Clock returns the machine's virtual clock.
func (m *Machine) Clock() quantum.VirtualClock { return m.clock }

// Hooks returns the plugin hook slots, allocating them on first use so
// plugins can register before Start.
func (m *Machine) Hooks() *Hooks {
	if m.hooks == nil {
		m.hooks = &Hooks{}
	}
	return m.hooks
}

// Generation returns the barrier generation, 0 when disabled.
func (m *Machine) Generation() uint32 {
	if m.barrier == nil {
		return 0
	}
	return m.barrier.Generation()
}

// Frontier returns the virtual-time frontier, 0 when disabled.
func (m *Machine) Frontier() uint64 {
	if m.barrier == nil {
		return 0
	}
	return m.barrier.Frontier()
}

// VirtualTimes samples every vCPU's accumulated target cycles.
func (m *Machine) VirtualTimes() []uint64 {
	out := make([]uint64, len(m.vcpus))
	for i, v := range m.vcpus {
		out[i] = v.acct.VirtualTimeBase(0)
	}
	return out
}

// Instructions samples every vCPU's replenish-accounted instruction count.
func (m *Machine) Instructions() []uint64 {
	out := make([]uint64, len(m.vcpus))
	for i, v := range m.vcpus {
		out[i] = v.totalICount.Load()
	}
	return out
}

// PluginClock is the plugin-facing virtual time read for one vCPU: the
// registered clock hook if any, otherwise the account's cycle time plus the
// caller's in-flight block bias.
func (m *Machine) PluginClock(vcpu int, bias uint64) uint64 {
	if fn := m.hooks.clockFn(); fn != nil {
		return fn()
	}
	return m.clock.CycleTime(m.vcpus[vcpu].acct, bias)
}

// Snapshot builds the telemetry snapshot of the machine.
func (m *Machine) Snapshot() quantumstats.Snapshot {
	s := quantumstats.Snapshot{
		Generation:   m.Generation(),
		Frontier:     m.Frontier(),
		VirtualTimes: m.VirtualTimes(),
	}
	if m.barrier != nil {
		threshold, _ := m.barrier.Membership()
		s.Participants = threshold
		s.SpinNanos, s.Arrivals, s.Releases = m.barrier.SpinStats()
	}
	return s
}
