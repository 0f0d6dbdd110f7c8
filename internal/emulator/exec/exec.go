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

// Package exec defines the boundary between the vCPU driver and the
// translated-code executor. The scheduler core never interprets guest code;
// it only runs slices through this interface and dispatches on the returned
// exception code.
//
// The package also ships Synthetic, a scriptable workload executor used by
// the sim binary, the benchmarks and the scenario tests.
package exec

import "quantum"

// Code is the exception code a slice returns to the driver.
type Code int

const (
	// Normal: the slice ended with no event of interest.
	Normal Code = iota

	// Debug: a guest debug event fired; the driver hands it to the debug
	// handler.
	Debug

	// Halted: the vCPU halted and should wait for an I/O event.
	Halted

	// Atomic: the next instruction must run isolated from all other vCPUs.
	// The executor stages the step's budget via Account.SetRequired before
	// returning this code.
	Atomic

	// Quantum: the slice ended only because the quantum budget depleted; the
	// driver settles with the barrier and resumes execution immediately.
	Quantum
)

func (c Code) String() string {
	switch c {
	case Normal:
		return "normal"
	case Debug:
		return "debug"
	case Halted:
		return "halted"
	case Atomic:
		return "atomic"
	case Quantum:
		return "quantum"
	default:
		return "unknown"
	}
}

// Executor runs translated code on behalf of one or more vCPUs. All methods
// are called from the owning vCPU's driver thread, except Kick which may be
// called from any thread to interrupt a blocked WaitIOEvent.
type Executor interface {
	// RunSlice executes translated blocks until an exception condition,
	// debiting the account as it goes, and returns the exception code. It
	// must not block the host thread.
	RunSlice(vcpu int, acct *quantum.Account) Code

	// StepAtomic executes exactly one guest instruction in isolation,
	// debiting the budget staged in Account.Required. The driver guarantees
	// the budget exceeds the staged requirement, so the step can never
	// deplete the account.
	StepAtomic(vcpu int, acct *quantum.Account)

	// WaitIOEvent blocks until the vCPU has work (or an event/kick arrives)
	// and reports whether the host thread actually slept.
	WaitIOEvent(vcpu int, firstTime bool) (didSleep bool)

	// CanRun reports whether the vCPU currently has runnable work.
	CanRun(vcpu int) bool

	// Kick interrupts a blocked WaitIOEvent for the vCPU.
	Kick(vcpu int)
}

// DebugHandler is the optional capability an Executor may implement to
// receive guest debug events from the driver.
type DebugHandler interface {
	HandleDebug(vcpu int)
}
