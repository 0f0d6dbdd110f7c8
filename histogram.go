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
	"fmt"
	"io"
)

// TimeHistogram is a fixed-bin counting histogram for scalar observations
// (typically nanoseconds of wall-clock time spent per quantum). Observations
// below min or at/above max are tallied separately as underflow/overflow.
//
// A TimeHistogram is intentionally not thread-safe: each vCPU owns one and
// only its driver thread touches it. The textual dump is the long-lived file
// format consumed by tools/quantum-report, so its layout must not change.
type TimeHistogram struct {
	bins      []uint64
	min       uint64
	max       uint64
	binWidth  uint64
	underflow uint64
	overflow  uint64
}

// NewTimeHistogram creates a histogram with binCount equal-width bins over
// [min, max). binCount must be positive and max must be greater than min by
// at least binCount so every bin has a non-zero width.
func NewTimeHistogram(binCount int, min, max uint64) *TimeHistogram {
	if binCount <= 0 {
		panic("quantum: histogram bin count must be positive")
	}
	if max <= min || max-min < uint64(binCount) {
		panic("quantum: histogram range too small for bin count")
	}
	return &TimeHistogram{
		bins:     make([]uint64, binCount),
		min:      min,
		max:      max,
		binWidth: (max - min) / uint64(binCount),
	}
}

// Add records one observation.
func (h *TimeHistogram) Add(point uint64) {
	switch {
	case point < h.min:
		h.underflow++
	case point >= h.max:
		h.overflow++
	default:
		idx := (point - h.min) / h.binWidth
		// The last bin absorbs the remainder when the range does not divide
		// evenly by the bin count.
		if idx >= uint64(len(h.bins)) {
			idx = uint64(len(h.bins)) - 1
		}
		h.bins[idx]++
	}
}

// BinCount returns the number of regular bins.
func (h *TimeHistogram) BinCount() int { return len(h.bins) }

// Bin returns the tally of bin i.
func (h *TimeHistogram) Bin(i int) uint64 { return h.bins[i] }

// Underflow returns the count of observations below min.
func (h *TimeHistogram) Underflow() uint64 { return h.underflow }

// Overflow returns the count of observations at or above max.
func (h *TimeHistogram) Overflow() uint64 { return h.overflow }

// Total returns the total number of observations recorded, including the
// underflow and overflow tallies.
func (h *TimeHistogram) Total() uint64 {
	n := h.underflow + h.overflow
	for _, b := range h.bins {
		n += b
	}
	return n
}

// WriteTo dumps the histogram in its textual form:
//
//	Bin 1 (0 - 999): 42
//	...
//	Underflow count: 0
//	Overflow count: 3
func (h *TimeHistogram) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for i, b := range h.bins {
		lower := h.min + uint64(i)*h.binWidth
		upper := lower + h.binWidth - 1
		n, err := fmt.Fprintf(w, "Bin %d (%d - %d): %d\n", i+1, lower, upper, b)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	n, err := fmt.Fprintf(w, "Underflow count: %d\n", h.underflow)
	written += int64(n)
	if err != nil {
		return written, err
	}
	n, err = fmt.Fprintf(w, "Overflow count: %d\n", h.overflow)
	written += int64(n)
	return written, err
}
