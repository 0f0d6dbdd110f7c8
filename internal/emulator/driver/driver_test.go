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
	"sync/atomic"
	"testing"
	"time"

	"quantum"
	"quantum/internal/emulator/config"
	"quantum/internal/emulator/exec"
	"quantum/internal/emulator/stats"
)

func testConfig(t *testing.T, vcpus int, q uint64) *config.Config {
	t.Helper()
	cfg := &config.Config{QuantumSize: q, VCPUs: vcpus}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

// Two symmetric vCPUs with Q=1000 and 1.0 IPC each run 5000 instructions:
// after five releases every account sits at virtual time 5000 and the
// frontier matches.
func TestMachine_TwoSymmetricVCPUs(t *testing.T) {
	cfg := testConfig(t, 2, 1000)
	ex := exec.NewSynthetic(2, exec.SyntheticOptions{BlockLength: 100, Instructions: 5000, IdleSleep: time.Millisecond})
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	m.Start()
	// Quiescence: both workloads done and both accounts settled into the
	// fifth generation with a fresh budget.
	pollUntil(t, 10*time.Second, func() bool {
		if ex.Executed(0) != 5000 || ex.Executed(1) != 5000 {
			return false
		}
		for i := 0; i < 2; i++ {
			budget, g := m.VCPU(i).Account().LoadPair()
			if budget <= 0 || g != 5 {
				return false
			}
		}
		return true
	})

	// P2: at quiescence every participant has a positive budget in the
	// barrier's current generation.
	gen := m.Generation()
	for i := 0; i < 2; i++ {
		budget, g := m.VCPU(i).Account().LoadPair()
		if budget <= 0 || g != gen {
			t.Fatalf("vCPU %d at quiescence: budget=%d generation=%d barrier=%d", i, budget, g, gen)
		}
	}

	m.Stop()

	if got := m.Frontier(); got != 5000 {
		t.Fatalf("frontier = %d, want 5000", got)
	}
	if got := m.Generation(); got != 5 {
		t.Fatalf("generation = %d, want 5", got)
	}
	for i, vt := range m.VirtualTimes() {
		if vt != 5000 {
			t.Fatalf("vCPU %d virtual time = %d, want 5000", i, vt)
		}
	}
}

// A vCPU outside the participation range runs free: zero IPC, no virtual
// time, no barrier membership.
func TestMachine_NonParticipantRunsFree(t *testing.T) {
	cfg := &config.Config{QuantumSize: 1000, VCPUs: 2, Range: "0-0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	ex := exec.NewSynthetic(2, exec.SyntheticOptions{BlockLength: 100, Instructions: 3000, IdleSleep: time.Millisecond})
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if m.VCPU(1).Participating() {
		t.Fatalf("vCPU 1 should not participate with range 0-0")
	}

	m.Start()
	pollUntil(t, 10*time.Second, func() bool {
		return ex.Executed(0) == 3000 && ex.Executed(1) == 3000
	})
	m.Stop()

	if vt := m.VirtualTimes()[1]; vt != 0 {
		t.Fatalf("free-running vCPU accumulated virtual time %d", vt)
	}
	if vt := m.VirtualTimes()[0]; vt != 3000 {
		t.Fatalf("participant virtual time = %d, want 3000", vt)
	}
}

// atomicExec drives the atomic-step-with-insufficient-budget scenario: the
// first slice drains the budget to 10, then requests an atomic step that
// needs 40. The driver must settle until the budget exceeds 40 before
// issuing the step.
type atomicExec struct {
	phase   atomic.Int32
	stepped atomic.Bool
	kick    chan struct{}
}

func newAtomicExec() *atomicExec { return &atomicExec{kick: make(chan struct{}, 1)} }

func (a *atomicExec) RunSlice(vcpu int, acct *quantum.Account) exec.Code {
	if a.phase.CompareAndSwap(0, 1) {
		acct.CheckAndDeduct(90) // 100 -> 10
		acct.SetRequired(40)
		return exec.Atomic
	}
	return exec.Halted
}

func (a *atomicExec) StepAtomic(vcpu int, acct *quantum.Account) {
	if budget, _ := acct.LoadPair(); budget <= 40 {
		panic("atomic step issued without headroom")
	}
	acct.CheckAndDeduct(acct.Required())
	a.stepped.Store(true)
}

func (a *atomicExec) WaitIOEvent(vcpu int, firstTime bool) bool {
	if firstTime {
		return false
	}
	select {
	case <-a.kick:
	case <-time.After(time.Millisecond):
	}
	return true
}

func (a *atomicExec) CanRun(vcpu int) bool { return a.phase.Load() == 0 }

func (a *atomicExec) Kick(vcpu int) {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func TestAtomicStep_SettlesForHeadroom(t *testing.T) {
	cfg := testConfig(t, 1, 100)
	ex := newAtomicExec()
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	m.Start()
	pollUntil(t, 10*time.Second, func() bool { return ex.stepped.Load() })
	m.Stop()

	budget, gen := m.VCPU(0).Account().LoadPair()
	if budget != 70 {
		t.Fatalf("budget after atomic step = %d, want 70 (10 + 100 - 40)", budget)
	}
	if gen != 1 {
		t.Fatalf("generation = %d, want 1 (one settle for headroom)", gen)
	}
	if got := m.VCPU(0).exclusiveICount.Load(); got != 1 {
		t.Fatalf("exclusive steps = %d, want 1", got)
	}
	if m.VCPU(0).Account().Depleted() {
		t.Fatalf("depletion flag set after a pre-budgeted atomic step")
	}
}

// The quantum-deplete hook fires on every depletion, and hook slots are
// single-occupancy.
func TestHooks_QuantumDeplete(t *testing.T) {
	cfg := testConfig(t, 1, 100)
	ex := exec.NewSynthetic(1, exec.SyntheticOptions{BlockLength: 100, Instructions: 300, IdleSleep: time.Millisecond})
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	var fired atomic.Int64
	if !m.Hooks().RegisterQuantumDeplete(func(vcpu int, generation uint32) { fired.Add(1) }) {
		t.Fatalf("first registration rejected")
	}
	if m.Hooks().RegisterQuantumDeplete(func(int, uint32) {}) {
		t.Fatalf("second registration accepted; hook slots are single-occupancy")
	}

	m.Start()
	pollUntil(t, 10*time.Second, func() bool { return ex.Executed(0) == 300 })
	m.Stop()

	if fired.Load() < 3 {
		t.Fatalf("deplete hook fired %d times, want >= 3", fired.Load())
	}
}

func TestHooks_SingleSlotRegistration(t *testing.T) {
	h := &Hooks{}
	if !h.RegisterEventLoopPoll(func() {}) || h.RegisterEventLoopPoll(func() {}) {
		t.Fatalf("event-loop-poll slot is not single-occupancy")
	}
	if !h.RegisterVCPUClock(func() uint64 { return 0 }) || h.RegisterVCPUClock(func() uint64 { return 0 }) {
		t.Fatalf("vcpu-clock slot is not single-occupancy")
	}

	// Nil hooks are valid everywhere the driver consults them.
	var nilHooks *Hooks
	if nilHooks.pollFn() != nil || nilHooks.depleteFn() != nil || nilHooks.clockFn() != nil {
		t.Fatalf("nil hooks must expose nil callbacks")
	}
}

func TestMachine_RejectsZeroVCPUs(t *testing.T) {
	cfg := testConfig(t, 0, 100)
	cfg.VCPUs = 0
	if _, err := NewMachine(cfg, exec.NewSynthetic(0, exec.SyntheticOptions{}), Options{}); err == nil {
		t.Fatalf("NewMachine accepted zero vCPUs")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateNotRunning: "not-running",
		StateExecuting:  "executing",
		StateSettling:   "settling",
		StateIdling:     "idling",
		StateAtomicStep: "atomic-step",
		StateExited:     "exited",
		State(99):       "invalid",
	}
	for s, want := range states {
		if s.String() != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

// stats.Recorder is required by the white-box reconciliation tests below.
func newIdleVCPU(m *Machine, i int) *VCPU {
	v := m.vcpus[i]
	v.rec = stats.NewRecorder()
	v.acct.SetUnknownTime(false)
	return v
}

// Peek-peers reconciliation: P1 wakes with budget 50 while P2 and P3 drained
// to 10 and 30 in the same generation; P1 adopts the average 20. The budget
// only ever decreases within a generation.
func TestPeekPeers_AdoptsAverage(t *testing.T) {
	cfg := testConfig(t, 3, 1000)
	ex := exec.NewSynthetic(3, exec.SyntheticOptions{})
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	p1 := newIdleVCPU(m, 0)
	m.vcpus[0].acct.StorePair(50, 0)
	for _, i := range []int{1, 2} {
		m.vcpus[i].acct.SetUnknownTime(false)
	}
	m.vcpus[1].acct.StorePair(10, 0)
	m.vcpus[2].acct.StorePair(30, 0)

	p1.peekPeers()
	if budget, gen := p1.acct.LoadPair(); budget != 20 || gen != 0 {
		t.Fatalf("after peek: (%d,%d), want (20,0)", budget, gen)
	}

	// A second peek with identical peers must not re-grant the lost 0..20
	// budget difference, nor lower it further (20 >= 20 is a no-op).
	p1.peekPeers()
	if budget, _ := p1.acct.LoadPair(); budget != 20 {
		t.Fatalf("second peek changed the budget to %d", budget)
	}
}

// Depleted peers count as zero budget; negative budgets never pull the
// average below zero.
func TestPeekPeers_ClampsNegativePeers(t *testing.T) {
	cfg := testConfig(t, 3, 1000)
	m, err := NewMachine(cfg, exec.NewSynthetic(3, exec.SyntheticOptions{}), Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	p1 := newIdleVCPU(m, 0)
	m.vcpus[0].acct.StorePair(500, 0)
	for _, i := range []int{1, 2} {
		m.vcpus[i].acct.SetUnknownTime(false)
	}
	m.vcpus[1].acct.StorePair(-80, 0) // waiting in the barrier, overshot
	m.vcpus[2].acct.StorePair(60, 0)

	p1.peekPeers()
	if budget, _ := p1.acct.LoadPair(); budget != 30 {
		t.Fatalf("budget = %d, want 30 ((0+60)/2)", budget)
	}
}

// With no reportable peer (all asleep or in another generation) the vCPU
// stays in its previous generation with the budget untouched.
func TestPeekPeers_NoReportablePeer(t *testing.T) {
	cfg := testConfig(t, 3, 1000)
	m, err := NewMachine(cfg, exec.NewSynthetic(3, exec.SyntheticOptions{}), Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	p1 := newIdleVCPU(m, 0)
	m.vcpus[0].acct.StorePair(500, 0)
	m.vcpus[1].acct.SetUnknownTime(true)
	m.vcpus[1].acct.StorePair(10, 0)
	m.vcpus[2].acct.SetUnknownTime(false)
	m.vcpus[2].acct.StorePair(10, 5) // stale generation, not reportable

	p1.peekPeers()
	if budget, gen := p1.acct.LoadPair(); budget != 500 || gen != 0 {
		t.Fatalf("pair changed to (%d,%d) with no reportable peer", budget, gen)
	}
}

// Deduct-real-time reconciliation charges slept nanoseconds modulo Q against
// the budget.
func TestDeductRealTime_ChargesSleep(t *testing.T) {
	cfg := &config.Config{QuantumSize: 1000, VCPUs: 1, IdlePolicy: config.IdleDeductRealTime}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m, err := NewMachine(cfg, exec.NewSynthetic(1, exec.SyntheticOptions{}), Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	v := newIdleVCPU(m, 0)
	v.acct.StorePair(900, 0)

	// 2300ns slept, Q=1000: the charge is 300, the cross-generation part is
	// absorbed by the barrier (none needed here since 900 > 300).
	v.reconcileIdle(2300 * time.Nanosecond)
	if budget, gen := v.acct.LoadPair(); budget != 600 || gen != 0 {
		t.Fatalf("pair = (%d,%d), want (600,0)", budget, gen)
	}
}

// When the real-time charge depletes the budget, the vCPU settles and comes
// back replenished in the next generation.
func TestDeductRealTime_SettlesWhenDepleted(t *testing.T) {
	cfg := &config.Config{QuantumSize: 1000, VCPUs: 1, IdlePolicy: config.IdleDeductRealTime}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	m, err := NewMachine(cfg, exec.NewSynthetic(1, exec.SyntheticOptions{}), Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	v := newIdleVCPU(m, 0)
	gen, _ := m.barrier.Join()
	v.acct.StorePair(200, gen)

	v.reconcileIdle(2700 * time.Nanosecond) // charge 700 > 200: deplete + settle
	budget, g := v.acct.LoadPair()
	if g != gen+1 {
		t.Fatalf("generation = %d, want %d", g, gen+1)
	}
	if budget != 500 { // 200 - 700 + 1000
		t.Fatalf("budget = %d, want 500", budget)
	}
	m.barrier.Leave()
}

// unevenExec gives each vCPU its own workload size so one finishes early and
// idles while the other still needs the barrier; Stop must rescue the waiter
// through the leave-triggered release.
type unevenExec struct {
	remaining []atomic.Int64
	executed  []atomic.Uint64
	kicks     []chan struct{}
}

func newUnevenExec(workloads ...int64) *unevenExec {
	u := &unevenExec{
		remaining: make([]atomic.Int64, len(workloads)),
		executed:  make([]atomic.Uint64, len(workloads)),
		kicks:     make([]chan struct{}, len(workloads)),
	}
	for i, w := range workloads {
		u.remaining[i].Store(w)
		u.kicks[i] = make(chan struct{}, 1)
	}
	return u
}

func (u *unevenExec) RunSlice(vcpu int, acct *quantum.Account) exec.Code {
	for {
		rest := u.remaining[vcpu].Load()
		if rest <= 0 {
			return exec.Halted
		}
		block := int64(100)
		if rest < block {
			block = rest
		}
		depleted := acct.CheckAndDeduct(uint32(block))
		u.remaining[vcpu].Add(-block)
		u.executed[vcpu].Add(uint64(block))
		if depleted {
			return exec.Quantum
		}
	}
}

func (u *unevenExec) StepAtomic(vcpu int, acct *quantum.Account) {}

func (u *unevenExec) WaitIOEvent(vcpu int, firstTime bool) bool {
	if firstTime {
		return false
	}
	select {
	case <-u.kicks[vcpu]:
	case <-time.After(200 * time.Microsecond):
	}
	return true
}

func (u *unevenExec) CanRun(vcpu int) bool { return u.remaining[vcpu].Load() > 0 }

func (u *unevenExec) Kick(vcpu int) {
	select {
	case u.kicks[vcpu] <- struct{}{}:
	default:
	}
}

func TestMachine_UnevenWorkloadStopRescue(t *testing.T) {
	cfg := testConfig(t, 2, 1000)
	ex := newUnevenExec(1000, 3000)
	m, err := NewMachine(cfg, ex, Options{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	m.Start()
	// vCPU 0 finishes its single quantum and idles; vCPU 1 depletes again at
	// 2000 and blocks in the barrier waiting for a peer that will never
	// arrive on its own.
	pollUntil(t, 10*time.Second, func() bool {
		_, count := m.Barrier().Membership()
		return ex.executed[0].Load() == 1000 && count == 1
	})

	// Stop unplugs vCPU 0; its Leave must release vCPU 1, which then runs
	// its remaining workload to completion under threshold 1.
	m.Stop()

	if got := ex.executed[1].Load(); got != 3000 {
		t.Fatalf("vCPU 1 executed %d instructions, want 3000", got)
	}
	threshold, count := m.Barrier().Membership()
	if threshold != 0 || count != 0 {
		t.Fatalf("barrier not empty after stop: threshold=%d count=%d", threshold, count)
	}
}
