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

import (
	"runtime"
	"sync/atomic"
	"time"
)

// DeadlineQueryThreshold is the minimum quantum size (target instructions) at
// which the deadline-respect path queries the soonest guest-timer deadline on
// each release. Below it the query cost outweighs the gain.
const DeadlineQueryThreshold = 100_000

// DeadlineSource reports the soonest guest-timer deadline, in target
// instructions from the current frontier. A return of 0 means a deadline is
// due immediately; the next generation's budget is then 0 and the release
// after it fires as soon as every member arrives again.
type DeadlineSource func() uint64

const linePadSize = 128 - 8

// ticketLock is a fair FIFO spinlock. Tickets are handed out with a single
// atomic add; the holder releases by advancing nowServing. Both words sit on
// their own cache line so ticket traffic does not invalidate the serving word.
type ticketLock struct {
	nextTicket atomic.Uint64
	_          [linePadSize]byte
	nowServing atomic.Uint64
	_          [linePadSize]byte
}

func (l *ticketLock) lock() {
	t := l.nextTicket.Add(1) - 1
	for spins := 0; l.nowServing.Load() != t; spins++ {
		if spins&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (l *ticketLock) unlock() {
	l.nowServing.Add(1)
}

// BarrierOptions configures DynamicBarrier construction.
type BarrierOptions struct {
	// RespectDeadline shrinks a generation's budget to the soonest guest
	// timer deadline, so timer events never land mid-quantum. Only consulted
	// when the quantum is at least DeadlineQueryThreshold instructions.
	RespectDeadline bool

	// Deadline supplies the soonest guest-timer deadline. Required when
	// RespectDeadline is set; ignored otherwise.
	Deadline DeadlineSource
}

// DynamicBarrier is a generation-numbered polling barrier over a variable
// membership of vCPU threads. Each time every member has arrived, the last
// arriver advances the generation and the virtual-time frontier by the
// current generation's budget.
//
// Waits spin-poll the generation word; the barrier never parks a thread on a
// condition variable or channel. Quanta are short (often sub-microsecond of
// host time) and parking costs dominate at that scale. The spin loop yields
// to the Go scheduler once every 64 polls so waiters cannot starve the releaser
// when goroutines outnumber host cores.
//
// All non-atomic state (threshold, count, the budgets) is serialized by a
// fair ticket lock; the generation word is read-anywhere-atomic and written
// only under the lock.
type DynamicBarrier struct {
	generation atomic.Uint32
	_          [128 - 4]byte

	// frontier mirrors systemTargetTime for lock-free sampling. Written only
	// under lk.
	frontier atomic.Uint64
	_        [linePadSize]byte

	// curBudget mirrors the in-flight generation's budget for lock-free reads
	// by settling vCPUs. Written only under lk.
	curBudget atomic.Uint64
	_         [linePadSize]byte

	lk ticketLock

	// Guarded by lk.
	threshold uint64
	count     uint64

	quantum         uint64
	respectDeadline bool
	deadline        DeadlineSource

	// Aggregate residency accounting for telemetry.
	spinNanos atomic.Int64
	arrivals  atomic.Uint64
	releases  atomic.Uint64
}

// NewDynamicBarrier creates an inactive barrier (threshold 0) for the given
// quantum size in target instructions. Members enter with Join.
func NewDynamicBarrier(quantum uint64, opts BarrierOptions) *DynamicBarrier {
	if quantum == 0 {
		panic("quantum: barrier quantum size must be positive")
	}
	b := &DynamicBarrier{
		quantum:         quantum,
		respectDeadline: opts.RespectDeadline,
		deadline:        opts.Deadline,
	}
	b.curBudget.Store(quantum)
	return b
}

// Join admits the caller to the membership and returns a snapshot of the
// current generation and virtual-time frontier. The caller must not have been
// counted in the current arrival count.
func (b *DynamicBarrier) Join() (generation uint32, frontier uint64) {
	b.lk.lock()
	b.threshold++
	generation = b.generation.Load()
	frontier = b.frontier.Load()
	b.lk.unlock()
	return generation, frontier
}

// Leave removes the caller from the membership. If the removal makes the
// arrival count reach the (shrunk) threshold, the caller performs the release
// itself: the remaining arrivers are already spinning and can no longer
// trigger it. Calling Leave with an outstanding Wait on the same thread is a
// bug.
func (b *DynamicBarrier) Leave() {
	b.lk.lock()
	if b.threshold == 0 {
		b.lk.unlock()
		panic("quantum: Leave on a barrier with no members")
	}
	b.threshold--
	if b.count == b.threshold && b.count > 0 {
		b.releaseLocked()
	}
	b.lk.unlock()
}

// Wait arrives at the barrier for generation myGeneration and blocks,
// spinning, until that generation is released. It returns the next
// generation number (always myGeneration + 1).
//
// myGeneration must equal the barrier's current generation; a mismatch means
// the caller's account went out of sync and is a fatal bug.
func (b *DynamicBarrier) Wait(myGeneration uint32) uint32 {
	start := time.Now()
	b.lk.lock()
	if b.threshold == 0 {
		b.lk.unlock()
		panic("quantum: Wait on an inactive barrier")
	}
	if g := b.generation.Load(); g != myGeneration {
		b.lk.unlock()
		panic("quantum: Wait with stale generation")
	}
	b.count++
	b.arrivals.Add(1)
	if b.count == b.threshold {
		b.releaseLocked()
		b.lk.unlock()
	} else {
		b.lk.unlock()
		for spins := 0; b.generation.Load() == myGeneration; spins++ {
			if spins&63 == 63 {
				runtime.Gosched()
			}
		}
	}
	b.spinNanos.Add(time.Since(start).Nanoseconds())
	return myGeneration + 1
}

// releaseLocked runs the release procedure. Caller holds lk.
//
// The generation increment is the release edge: it is the last store, so a
// spinner observing the new generation also observes the new frontier and
// budget.
func (b *DynamicBarrier) releaseLocked() {
	b.frontier.Store(b.frontier.Load() + b.curBudget.Load())

	next := b.quantum
	if b.respectDeadline && b.quantum >= DeadlineQueryThreshold && b.deadline != nil {
		if d := b.deadline(); d < next {
			next = d
		}
	}
	b.curBudget.Store(next)

	b.count = 0
	b.releases.Add(1)
	b.generation.Add(1)
}

// Generation returns the current generation. Safe from any thread.
func (b *DynamicBarrier) Generation() uint32 { return b.generation.Load() }

// Frontier returns the virtual-time frontier: the cumulative sum of all past
// generations' budgets, in target instructions. Safe from any thread.
func (b *DynamicBarrier) Frontier() uint64 { return b.frontier.Load() }

// GenerationBudget returns the budget being consumed by the in-flight
// generation. Immediately after a Wait returns, this is the replenish amount
// for the generation just entered.
func (b *DynamicBarrier) GenerationBudget() uint64 { return b.curBudget.Load() }

// Quantum returns the configured quantum size in target instructions.
func (b *DynamicBarrier) Quantum() uint64 { return b.quantum }

// Membership returns the current (threshold, count) pair under the lock.
// Intended for tests and the status endpoint, not hot paths.
func (b *DynamicBarrier) Membership() (threshold, count uint64) {
	b.lk.lock()
	threshold, count = b.threshold, b.count
	b.lk.unlock()
	return threshold, count
}

// SpinStats returns the aggregate barrier residency: total nanoseconds spent
// inside Wait, total arrivals, and total releases.
func (b *DynamicBarrier) SpinStats() (spinNanos int64, arrivals, releases uint64) {
	return b.spinNanos.Load(), b.arrivals.Load(), b.releases.Load()
}
