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

// Package persistence publishes run snapshots — the virtual-time frontier,
// barrier generation and per-vCPU virtual times — to an external sink, either
// periodically during the run or once at shutdown.
//
// Adapters follow a common shape: a small RunSink interface, a Redis
// implementation for real deployments, and a logging implementation so the
// sim can exercise the path without infrastructure.
package persistence

import "context"

// RunSnapshot is one published observation of the machine.
type RunSnapshot struct {
	// RunID identifies the run; all snapshots of a run share it.
	RunID string

	// Generation and Frontier are the barrier's current generation and
	// virtual-time frontier (target instructions).
	Generation uint32
	Frontier   uint64

	// VirtualTimes holds each vCPU's accumulated target cycles, indexed by
	// vCPU number.
	VirtualTimes []uint64

	// Instructions holds each vCPU's executed target instruction count.
	Instructions []uint64

	// Final marks the shutdown flush.
	Final bool

	// TsUnixMs is the host timestamp of the observation.
	TsUnixMs int64
}

// RunSink publishes snapshots. Publish must be safe to retry: snapshots are
// absolute observations, not deltas, so re-publishing one is a no-op in
// effect.
type RunSink interface {
	Publish(ctx context.Context, snap RunSnapshot) error
}

// Source produces the current snapshot for the worker.
type Source interface {
	Snapshot(final bool) RunSnapshot
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(final bool) RunSnapshot

// Snapshot implements Source.
func (f SourceFunc) Snapshot(final bool) RunSnapshot { return f(final) }
