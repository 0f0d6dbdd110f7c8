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

import "testing"

func TestVirtualClock_Time(t *testing.T) {
	c := NewVirtualClock(1000)
	cases := []struct {
		budget int32
		gen    uint32
		want   uint64
	}{
		{1000, 0, 0},    // fresh budget, nothing consumed
		{400, 0, 600},   // 600 instructions into generation 0
		{0, 0, 1000},    // exactly at the first boundary
		{-25, 0, 1025},  // overshoot pushes past the boundary
		{1000, 3, 3000}, // fresh budget in generation 3
		{250, 7, 7750},
	}
	for _, tc := range cases {
		if got := c.Time(tc.budget, tc.gen); got != tc.want {
			t.Fatalf("Time(%d,%d) = %d, want %d", tc.budget, tc.gen, got, tc.want)
		}
	}
}

// A vCPU's clock must be monotone across the execute/settle cycle: consuming
// budget, overshooting, and replenishing into the next generation never move
// time backwards.
func TestVirtualClock_MonotoneAcrossSettle(t *testing.T) {
	const q = 1000
	c := NewVirtualClock(q)
	a := NewAccount(100)
	a.StorePair(q, 0)

	prev := c.AccountTime(a)
	gen := uint32(0)
	for step := 0; step < 50; step++ {
		// Execute a block; every few steps the block overshoots the budget.
		n := uint32(170)
		if a.CheckAndDeduct(n) {
			a.TakeDepleted()
			budget, g := a.LoadPair()
			a.StorePair(budget+int32(q), g+1)
			gen++
		}
		now := c.AccountTime(a)
		if now < prev {
			t.Fatalf("clock went backwards at step %d: %d -> %d", step, prev, now)
		}
		prev = now
	}
	if _, g := a.LoadPair(); g != gen {
		t.Fatalf("generation drifted: account=%d local=%d", g, gen)
	}
}

func TestVirtualClock_CycleTimeBias(t *testing.T) {
	c := NewVirtualClock(1000)
	a := NewAccount(100)
	a.StorePair(1000, 0)
	a.CheckAndDeduct(500)
	if got := c.CycleTime(a, 30); got != 530 {
		t.Fatalf("CycleTime = %d, want 530", got)
	}
}
