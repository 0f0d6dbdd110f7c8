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

// Package quantum implements the virtual-time quantum scheduler core: a
// per-vCPU budget accounting discipline (Account), a generation-numbered
// polling barrier with variable membership (DynamicBarrier), a virtual clock
// deriving per-vCPU timestamps, and the fixed-bin TimeHistogram used for
// per-quantum profiling.
//
// Participating vCPU threads execute translated code that debits a shared-per
// -vCPU budget of target instructions; when a budget is exhausted the thread
// rendezvouses with its peers at the barrier, the global virtual-time frontier
// advances by one quantum, and every budget is replenished. The result is that
// all inter-vCPU ordering observable to the guest respects a deterministic
// virtual-time frontier regardless of host scheduling jitter.
package quantum

import (
	"sync/atomic"
)

// IPCScale is the fixed-point scale of the per-vCPU IPC weight: an ipc value
// of 100 means 1.0 instructions per cycle. A "big" core (ipc > 100) advances
// virtual cycles slower per instruction than a "small" core (ipc < 100).
const IPCScale = 100

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
// between the peer-readable pair word and the owner-only fields.
const accountPadSize = 128 - 8

// Account holds the quantum budget bookkeeping for one vCPU.
//
// Ownership: the Account is written only by its vCPU's driver thread. Peers
// are allowed exactly one kind of cross-thread access: a single aligned 64-bit
// atomic load of the packed (budget, generation) word via LoadPair, plus the
// UnknownTime flag. Everything else is owner-private.
//
// The packed word keeps budget in the high 32 bits (signed) and generation in
// the low 32 bits, so a peer can never observe a budget from one generation
// paired with another generation's number.
type Account struct {
	// pair packs (budget int32 << 32) | generation uint32.
	pair atomic.Uint64
	_    [accountPadSize]byte

	// unknownTime is true while this vCPU is blocked on host I/O and its
	// virtual time cannot be authoritatively reported. Peers computing
	// catch-up budgets skip accounts with this flag set.
	unknownTime atomic.Bool
	_           [128 - 4]byte

	// virtualTimeBase counts target cycles attributed to this vCPU. It is
	// owner-written but atomically readable so the snapshot worker and the
	// plugin clock read can sample it live.
	virtualTimeBase atomic.Uint64
	_               [accountPadSize]byte

	// Owner-only fields below. required is the pending per-block debit staged
	// just before a deduction helper fires; the helpers always reset it to 0.
	required uint32
	ipc      uint32
	depleted bool

	// Cycle tallies feeding the per-vCPU stats summary line.
	targetCycleOnInstruction uint64
	targetCycleOnIdle        uint64
	enterIdleTime            uint64
}

// NewAccount creates an Account with the given IPC weight (fixed-point ×100,
// see IPCScale). ipc == 0 means the vCPU carries no virtual time and the
// deduction helpers become no-ops.
func NewAccount(ipc uint32) *Account {
	return &Account{ipc: ipc}
}

func packPair(budget int32, generation uint32) uint64 {
	return uint64(uint32(budget))<<32 | uint64(generation)
}

func unpackPair(w uint64) (budget int32, generation uint32) {
	return int32(uint32(w >> 32)), uint32(w)
}

// LoadPair atomically reads the (budget, generation) pair. This is the only
// read peers may perform.
func (a *Account) LoadPair() (budget int32, generation uint32) {
	return unpackPair(a.pair.Load())
}

// StorePair atomically writes the (budget, generation) pair. Owner thread
// only.
func (a *Account) StorePair(budget int32, generation uint32) {
	a.pair.Store(packPair(budget, generation))
}

// IPC returns the fixed-point IPC weight.
func (a *Account) IPC() uint32 { return a.ipc }

// SetRequired stages the budget the next batch (or atomic step) will consume.
// Owner thread only; the translator calls this just before a deduction helper
// or before returning an atomic-step exception.
func (a *Account) SetRequired(n uint32) { a.required = n }

// Required returns the currently staged debit.
func (a *Account) Required() uint32 { return a.required }

// AddRequired grows the staged debit. The deduction helpers replace the
// staged value with their own argument, so the growth is seen only by a
// reader of Required such as the atomic step.
func (a *Account) AddRequired(n uint32) { a.required += n }

// Deduct is the silent deduction helper: it debits n instructions from the
// budget and advances the virtual time base, without checking for depletion.
// It is used when a preceding analysis already guarantees the block cannot
// deplete the budget this quantum.
func (a *Account) Deduct(n uint32) {
	a.required = n
	budget, gen := a.LoadPair()
	a.StorePair(budget-int32(n), gen)
	if a.ipc != 0 {
		a.virtualTimeBase.Add(uint64(n) * IPCScale / uint64(a.ipc))
	}
	a.required = 0
}

// CheckAndDeduct is the checked deduction helper: it debits n instructions,
// advances the virtual time base and the instruction cycle tally, and reports
// whether the budget is now depleted. With ipc == 0 the account carries no
// virtual time and the helper is a no-op returning false.
func (a *Account) CheckAndDeduct(n uint32) bool {
	if a.ipc == 0 {
		a.required = 0
		return false
	}
	a.required = n
	a.targetCycleOnInstruction += uint64(n)
	budget, gen := a.LoadPair()
	budget -= int32(n)
	a.StorePair(budget, gen)
	a.virtualTimeBase.Add(uint64(n) * IPCScale / uint64(a.ipc))
	a.required = 0
	if budget <= 0 {
		a.depleted = true
		return true
	}
	return false
}

// ForceDeplete zeroes the budget and marks the account depleted, injecting a
// forced quantum boundary (snapshot points, shutdown).
func (a *Account) ForceDeplete() {
	_, gen := a.LoadPair()
	a.StorePair(0, gen)
	a.depleted = true
}

// Depleted reports whether the depletion flag is set.
func (a *Account) Depleted() bool { return a.depleted }

// TakeDepleted returns the depletion flag and clears it.
func (a *Account) TakeDepleted() bool {
	d := a.depleted
	a.depleted = false
	return d
}

// SetUnknownTime marks or clears the "blocked on host I/O" state.
func (a *Account) SetUnknownTime(v bool) { a.unknownTime.Store(v) }

// UnknownTime reports whether the vCPU is currently blocked on host I/O.
// Safe to call from peer threads.
func (a *Account) UnknownTime() bool { return a.unknownTime.Load() }

// VirtualTimeBase returns the accumulated target cycles plus a caller-supplied
// bias for the position inside the in-flight block.
func (a *Account) VirtualTimeBase(bias uint64) uint64 {
	return a.virtualTimeBase.Load() + bias
}

// NoteIdle accumulates slept wall time (nanoseconds) and, optionally, the
// target cycles attributed to the idle period. Owner thread only.
func (a *Account) NoteIdle(sleptNanos, cycles uint64) {
	a.enterIdleTime += sleptNanos
	a.targetCycleOnIdle += cycles
}

// IdleStats returns the summary tallies: total nanoseconds spent entering
// idle, target cycles attributed while idle, and target cycles attributed to
// executed instructions.
func (a *Account) IdleStats() (enterIdleTime, targetCycleOnIdle, targetCycleOnInstruction uint64) {
	return a.enterIdleTime, a.targetCycleOnIdle, a.targetCycleOnInstruction
}
