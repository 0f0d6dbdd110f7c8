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

package driver

import (
	"fmt"
	"sync/atomic"
	"time"

	"quantum"
	"quantum/internal/emulator/affinity"
	"quantum/internal/emulator/config"
	"quantum/internal/emulator/exec"
	"quantum/internal/emulator/stats"
	"quantum/internal/emulator/telemetry/quantumstats"
)

// State is the driver loop state of one vCPU.
type State int32

const (
	StateNotRunning State = iota
	StateExecuting
	StateSettling
	StateIdling
	StateAtomicStep
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not-running"
	case StateExecuting:
		return "executing"
	case StateSettling:
		return "settling"
	case StateIdling:
		return "idling"
	case StateAtomicStep:
		return "atomic-step"
	case StateExited:
		return "exited"
	default:
		return "invalid"
	}
}

// VCPU is one vCPU's driver: the loop that alternates executing translated
// slices with settling at the barrier and waiting for I/O events. Each VCPU
// owns its Account; peers only touch it through single-word atomic loads.
type VCPU struct {
	index         int
	machine       *Machine
	acct          *quantum.Account
	class         config.VCPUClass
	participating bool

	hist *quantum.TimeHistogram
	rec  *stats.Recorder

	state       atomic.Int32
	unplug      atomic.Bool
	exitRequest atomic.Bool

	startGeneration uint32
	startFrontier   uint64

	totalICount     atomic.Uint64
	exclusiveICount atomic.Uint64
}

// Index returns the vCPU index.
func (v *VCPU) Index() int { return v.index }

// Account returns the vCPU's account.
func (v *VCPU) Account() *quantum.Account { return v.acct }

// State returns the current driver state.
func (v *VCPU) State() State { return State(v.state.Load()) }

// Participating reports whether this vCPU is admitted to the barrier.
func (v *VCPU) Participating() bool { return v.participating }

// RequestUnplug asks the driver loop to exit once no runnable work remains.
func (v *VCPU) RequestUnplug() {
	v.unplug.Store(true)
	v.machine.exec.Kick(v.index)
}

// run is the per-thread driver loop. It mirrors the lock discipline of the
// surrounding emulator: the iothread lock is held while dispatching
// guest-observable side effects and released across the translated slice,
// the barrier wait and the I/O wait.
func (v *VCPU) run() {
	m := v.machine
	defer m.wg.Done()

	if err := affinity.Pin(v.class.AffinityCore); err != nil {
		fmt.Printf("[quantum] vCPU %d: %v\n", v.index, err)
	}

	m.iothread.Lock()
	v.initAccount()
	v.rec = stats.NewRecorder()

	// Process any pending work before the first real iteration.
	v.exitRequest.Store(true)
	firstIO := true

	for {
		if m.exec.CanRun(v.index) {
			m.iothread.Unlock()
			code := v.executeSlices()
			m.iothread.Lock()

			switch code {
			case exec.Debug:
				if h, ok := m.exec.(exec.DebugHandler); ok {
					h.HandleDebug(v.index)
				}
			case exec.Halted:
				// The halted condition may already have been cleared by
				// another thread by the time we get here.
			case exec.Atomic:
				m.iothread.Unlock()
				v.atomicStep()
				m.iothread.Lock()
			default:
				// Ignore everything else.
			}
		}

		v.exitRequest.Store(false)
		m.iothread.Unlock()
		v.idleWait(&firstIO)
		m.iothread.Lock()

		if v.unplug.Load() && !m.exec.CanRun(v.index) {
			break
		}
	}

	v.finish()
	m.iothread.Unlock()
}

// initAccount performs the first runnable transition: the budget is one full
// quantum scaled by the IPC weight, at the generation the barrier hands out
// on join.
func (v *VCPU) initAccount() {
	gen := uint32(0)
	if v.participating {
		var frontier uint64
		gen, frontier = v.machine.barrier.Join()
		v.startGeneration = gen
		v.startFrontier = frontier
	}
	v.acct.StorePair(v.initialBudget(), gen)
	v.acct.SetUnknownTime(false)
	v.state.Store(int32(StateExecuting))
}

func (v *VCPU) initialBudget() int32 {
	if !v.participating {
		return 0
	}
	return int32(v.machine.cfg.QuantumSize * uint64(v.acct.IPC()) / quantum.IPCScale)
}

// executeSlices runs translated slices, settling at every quantum boundary.
// A slice that ended only because the budget depleted (Quantum) resumes
// immediately after the settle; any other code is returned to the dispatch
// switch.
func (v *VCPU) executeSlices() exec.Code {
	m := v.machine
	for {
		v.state.Store(int32(StateExecuting))
		start := time.Now()
		code := m.exec.RunSlice(v.index, v.acct)
		v.rec.AddExecution(time.Since(start))

		if v.acct.TakeDepleted() {
			quantumstats.ObserveDepletion()
			if v.participating {
				if fn := m.hooks.depleteFn(); fn != nil {
					_, gen := v.acct.LoadPair()
					fn(v.index, gen)
				}
				v.settle(0)
				if code == exec.Quantum {
					continue
				}
			}
		}
		return code
	}
}

// settle loops at the barrier until the budget exceeds min. Each iteration
// is one full generation: wait for all members, then replenish by the new
// generation's budget scaled by the IPC weight.
//
// min is 0 on the normal path; the atomic-step path passes the staged
// requirement so the isolated instruction cannot hit a boundary mid-step.
func (v *VCPU) settle(min int32) {
	m := v.machine
	v.state.Store(int32(StateSettling))
	for {
		budget, gen := v.acct.LoadPair()
		if budget > min {
			break
		}

		start := time.Now()
		next := m.barrier.Wait(gen)
		wait := time.Since(start)

		v.hist.Add(uint64(wait.Nanoseconds()))
		v.rec.AddWaiting(wait)
		quantumstats.ObserveBarrierWait(wait)

		if next != gen+1 {
			panic("quantum: barrier advanced by more than one generation during settle")
		}

		replenish := int32(m.barrier.GenerationBudget() * uint64(v.acct.IPC()) / quantum.IPCScale)
		if budget <= 0 {
			// Instructions retired this generation: the replenish amount plus
			// whatever the last block overshot. A positive budget (atomic
			// pre-budgeting) retired nothing extra.
			v.totalICount.Add(uint64(int64(replenish) - int64(budget)))
		}
		v.acct.StorePair(budget+replenish, next)
		v.rec.CloseQuantum()
	}
	v.state.Store(int32(StateExecuting))
}

// atomicStep executes one guest instruction isolated from all other vCPUs.
// The settle beforehand guarantees the step cannot trigger a quantum
// boundary mid-instruction.
func (v *VCPU) atomicStep() {
	m := v.machine
	v.state.Store(int32(StateAtomicStep))

	required := v.acct.Required()
	if v.participating {
		v.settle(int32(required))
	}

	start := time.Now()
	m.exec.StepAtomic(v.index, v.acct)
	v.rec.AddExecution(time.Since(start))

	if v.acct.Depleted() {
		if v.participating {
			panic("quantum: atomic step left the budget depleted")
		}
		v.acct.TakeDepleted()
	}
	v.exclusiveICount.Add(1)
	quantumstats.ObserveAtomicStep()
}

// idleWait parks the vCPU on the external I/O wait and, if it actually
// slept, reconciles the budget against the peers that kept running.
func (v *VCPU) idleWait(firstIO *bool) {
	m := v.machine
	v.state.Store(int32(StateIdling))
	v.acct.SetUnknownTime(true)

	start := time.Now()
	slept := m.exec.WaitIOEvent(v.index, *firstIO)
	*firstIO = false
	d := time.Since(start)

	v.acct.SetUnknownTime(false)
	v.rec.AddIdle(d)

	if v.participating && slept {
		v.acct.NoteIdle(uint64(d.Nanoseconds()), 0)
		v.reconcileIdle(d)
	}
	if poll := m.hooks.pollFn(); poll != nil {
		poll()
	}
}

// reconcileIdle applies the configured idle policy after a real sleep.
func (v *VCPU) reconcileIdle(slept time.Duration) {
	switch v.machine.cfg.IdlePolicy {
	case config.IdleDeductRealTime:
		v.deductRealTime(slept)
	default:
		v.peekPeers()
	}
}

// deductRealTime charges the slept wall time, modulo one quantum, against
// the budget. The cross-generation remainder is absorbed by the barrier: if
// the charge depletes the budget the vCPU simply waits an extra generation.
func (v *VCPU) deductRealTime(slept time.Duration) {
	debit := uint64(slept.Nanoseconds()) % v.machine.cfg.QuantumSize
	if debit == 0 {
		quantumstats.ObserveIdleReconcile(false)
		return
	}
	if v.acct.CheckAndDeduct(uint32(debit)) {
		v.acct.TakeDepleted()
		v.settle(0)
	}
	quantumstats.ObserveIdleReconcile(true)
}

// peekPeers adopts the average remaining budget of the awake peers in the
// barrier's current generation. The adoption only ever lowers the budget
// within a generation; budget is never re-granted without a release.
func (v *VCPU) peekPeers() {
	m := v.machine
	start := time.Now()

	cur := m.barrier.Generation()
	myBudget, myGen := v.acct.LoadPair()

	var sum, peers int64
	for _, p := range m.vcpus {
		if p == v || !p.participating || p.acct.UnknownTime() {
			continue
		}
		b, g := p.acct.LoadPair()
		if g != cur {
			continue
		}
		if b > 0 {
			sum += int64(b)
		}
		peers++
	}
	v.rec.AddPeeking(time.Since(start))

	if peers == 0 {
		// Nobody is reportable: remain in the previous generation with the
		// budget untouched.
		quantumstats.ObserveIdleReconcile(false)
		return
	}

	adopted := int32(sum / peers)
	if cur == myGen && adopted >= myBudget {
		quantumstats.ObserveIdleReconcile(false)
		return
	}

	var idleCycles uint64
	if cur == myGen && myBudget > adopted && v.acct.IPC() != 0 {
		idleCycles = uint64(myBudget-adopted) * quantum.IPCScale / uint64(v.acct.IPC())
	}
	v.acct.StorePair(adopted, cur)
	v.acct.NoteIdle(0, idleCycles)
	quantumstats.ObserveIdleReconcile(true)
}

// finish leaves the barrier and dumps the per-vCPU output files.
func (v *VCPU) finish() {
	m := v.machine
	if v.participating {
		m.barrier.Leave()
	}
	if dir := m.cfg.OutputDir; dir != "" {
		enterIdle, cycIdle, cycInstr := v.acct.IdleStats()
		sum := stats.Summary{
			EnterIdleTime:            enterIdle,
			TargetCycleOnIdle:        cycIdle,
			TargetCycleOnInstruction: cycInstr,
		}
		if err := stats.DumpVCPU(dir, v.index, v.hist, sum, v.rec.Rows()); err != nil {
			fmt.Printf("[quantum] vCPU %d: %v\n", v.index, err)
		}
	}
	v.state.Store(int32(StateExited))
}
