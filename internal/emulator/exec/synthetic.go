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

package exec

import (
	"sync/atomic"
	"time"

	"quantum"
)

// maxBlocksPerSlice bounds how many blocks a single RunSlice executes before
// returning Normal, so a free-running vCPU (zero IPC, no halts) still comes
// back to the driver loop periodically.
const maxBlocksPerSlice = 4096

// SyntheticOptions configures the synthetic workload.
type SyntheticOptions struct {
	// BlockLength is the instruction count of each translated block.
	// Default 100.
	BlockLength uint32

	// Instructions is the total workload per vCPU in target instructions.
	// 0 means unbounded (run until Stop).
	Instructions uint64

	// AtomicEvery makes every Nth block an isolated atomic step. 0 disables.
	AtomicEvery uint64

	// HaltEvery halts the vCPU after every Nth block, sending it through the
	// idle-wait path. 0 disables.
	HaltEvery uint64

	// IdleSleep is the simulated device latency of one idle wait.
	// Default 50µs.
	IdleSleep time.Duration
}

type synthVCPU struct {
	executed    atomic.Uint64
	atomicSteps atomic.Uint64

	// Owner-thread state.
	blocks      uint64
	haltPending bool

	kick chan struct{}
}

// Synthetic is a deterministic, guest-free Executor: each vCPU executes a
// stream of fixed-length blocks, optionally interleaved with atomic steps and
// idle periods. It exists so the scheduler can be driven, measured and tested
// without a binary translator behind it.
type Synthetic struct {
	opts    SyntheticOptions
	vcpus   []*synthVCPU
	stopped atomic.Bool
}

// NewSynthetic creates a synthetic executor for the given number of vCPUs.
func NewSynthetic(vcpus int, opts SyntheticOptions) *Synthetic {
	if opts.BlockLength == 0 {
		opts.BlockLength = 100
	}
	if opts.IdleSleep == 0 {
		opts.IdleSleep = 50 * time.Microsecond
	}
	s := &Synthetic{opts: opts, vcpus: make([]*synthVCPU, vcpus)}
	for i := range s.vcpus {
		s.vcpus[i] = &synthVCPU{kick: make(chan struct{}, 1)}
	}
	return s
}

// RunSlice executes blocks until the budget depletes, an atomic step or halt
// comes due, the workload ends, or the per-slice block bound is reached.
func (s *Synthetic) RunSlice(vcpu int, acct *quantum.Account) Code {
	st := s.vcpus[vcpu]
	for sliceBlocks := 0; sliceBlocks < maxBlocksPerSlice; sliceBlocks++ {
		if s.stopped.Load() {
			return Halted
		}
		block := uint64(s.opts.BlockLength)
		if s.opts.Instructions != 0 {
			done := st.executed.Load()
			if done >= s.opts.Instructions {
				return Halted
			}
			if rest := s.opts.Instructions - done; rest < block {
				block = rest
			}
		}

		st.blocks++
		if s.opts.AtomicEvery != 0 && st.blocks%s.opts.AtomicEvery == 0 {
			acct.SetRequired(uint32(block))
			return Atomic
		}

		depleted := acct.CheckAndDeduct(uint32(block))
		st.executed.Add(block)

		if s.opts.HaltEvery != 0 && st.blocks%s.opts.HaltEvery == 0 {
			st.haltPending = true
			return Halted
		}
		if depleted {
			return Quantum
		}
	}
	return Normal
}

// StepAtomic consumes the staged requirement as one isolated instruction.
func (s *Synthetic) StepAtomic(vcpu int, acct *quantum.Account) {
	st := s.vcpus[vcpu]
	n := acct.Required()
	acct.CheckAndDeduct(n)
	st.executed.Add(uint64(n))
	st.atomicSteps.Add(1)
}

// WaitIOEvent sleeps for the simulated device latency when the vCPU halted or
// ran out of work, and returns whether it slept. A Kick cuts the sleep short.
func (s *Synthetic) WaitIOEvent(vcpu int, firstTime bool) bool {
	st := s.vcpus[vcpu]
	if firstTime {
		return false
	}
	if st.haltPending {
		st.haltPending = false
		s.idleSleep(st)
		return true
	}
	if !s.CanRun(vcpu) && !s.stopped.Load() {
		s.idleSleep(st)
		return true
	}
	return false
}

func (s *Synthetic) idleSleep(st *synthVCPU) {
	t := time.NewTimer(s.opts.IdleSleep)
	defer t.Stop()
	select {
	case <-st.kick:
	case <-t.C:
	}
}

// CanRun reports whether the vCPU still has workload left.
func (s *Synthetic) CanRun(vcpu int) bool {
	if s.stopped.Load() {
		return false
	}
	if s.opts.Instructions == 0 {
		return true
	}
	return s.vcpus[vcpu].executed.Load() < s.opts.Instructions
}

// Kick wakes a vCPU blocked in WaitIOEvent.
func (s *Synthetic) Kick(vcpu int) {
	select {
	case s.vcpus[vcpu].kick <- struct{}{}:
	default:
	}
}

// Stop ends the workload for every vCPU and wakes any sleeper.
func (s *Synthetic) Stop() {
	s.stopped.Store(true)
	for i := range s.vcpus {
		s.Kick(i)
	}
}

// Executed returns how many target instructions the vCPU has executed.
func (s *Synthetic) Executed(vcpu int) uint64 { return s.vcpus[vcpu].executed.Load() }

// AtomicSteps returns how many isolated steps the vCPU has executed.
func (s *Synthetic) AtomicSteps(vcpu int) uint64 { return s.vcpus[vcpu].atomicSteps.Load() }
