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

import "sync"

// Hooks holds the plugin extension points: optional callbacks, at most one
// each, registered before the machine starts. Call sites do a plain nil
// check; there is no dynamic dispatch beyond that.
type Hooks struct {
	mu             sync.Mutex
	eventLoopPoll  func()
	quantumDeplete func(vcpu int, generation uint32)
	vcpuClock      func() uint64
}

// RegisterEventLoopPoll installs the callback invoked after every idle wait.
// Returns false if a callback is already registered.
func (h *Hooks) RegisterEventLoopPoll(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.eventLoopPoll != nil {
		return false
	}
	h.eventLoopPoll = fn
	return true
}

// RegisterQuantumDeplete installs the callback invoked when a vCPU's budget
// depletes, before the settle. Returns false if already registered.
func (h *Hooks) RegisterQuantumDeplete(fn func(vcpu int, generation uint32)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.quantumDeplete != nil {
		return false
	}
	h.quantumDeplete = fn
	return true
}

// RegisterVCPUClock overrides the plugin-facing virtual clock read. Returns
// false if already registered.
func (h *Hooks) RegisterVCPUClock(fn func() uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vcpuClock != nil {
		return false
	}
	h.vcpuClock = fn
	return true
}

// The accessors below are nil-receiver safe so the driver can carry a nil
// *Hooks when no plugin is loaded.

func (h *Hooks) pollFn() func() {
	if h == nil {
		return nil
	}
	return h.eventLoopPoll
}

func (h *Hooks) depleteFn() func(vcpu int, generation uint32) {
	if h == nil {
		return nil
	}
	return h.quantumDeplete
}

func (h *Hooks) clockFn() func() uint64 {
	if h == nil {
		return nil
	}
	return h.vcpuClock
}
