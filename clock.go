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

package quantum

// VirtualClock derives a monotone per-vCPU virtual timestamp from a
// (generation, budget) pair and the quantum size. A vCPU that has consumed
// its whole budget for generation g sits exactly at (g+1)*Q; a negative
// budget (block overshoot) pushes the timestamp past the boundary by the
// overshoot amount.
type VirtualClock struct {
	quantum uint64
}

// NewVirtualClock returns a clock for the given quantum size in target
// instructions.
func NewVirtualClock(quantum uint64) VirtualClock {
	return VirtualClock{quantum: quantum}
}

// Time converts a (budget, generation) pair into a virtual timestamp in
// target instructions:
//
//	time = generation*Q + (Q - budget)
//
// with a negative budget adding its magnitude instead of subtracting.
func (c VirtualClock) Time(budget int32, generation uint32) uint64 {
	vt := uint64(generation)*c.quantum + c.quantum
	if budget < 0 {
		vt += uint64(-budget)
	} else {
		vt -= uint64(budget)
	}
	return vt
}

// AccountTime is the plugin-facing read: it samples the account's pair with a
// single atomic load and converts it. Safe to call on a peer's account.
func (c VirtualClock) AccountTime(a *Account) uint64 {
	budget, gen := a.LoadPair()
	return c.Time(budget, gen)
}

// CycleTime returns the account's accumulated target cycles plus a
// caller-supplied bias for the position inside the ongoing block.
func (c VirtualClock) CycleTime(a *Account, bias uint64) uint64 {
	return a.VirtualTimeBase(bias)
}
