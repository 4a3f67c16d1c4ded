/*
 * Copyright 2026 emballoc Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package diag walks an allocator's block list and checks its structural
// invariants: a read-only introspection pass generalized into a full
// consistency check rather than a single free-byte count.
//
// It never mutates allocator state and takes no lock of its own: callers
// that need a consistent snapshot of a live, concurrently-used allocator
// must take that allocator's lock around the call (emballoc.Allocator.Check
// does this).
package diag

import "github.com/embedded-go/emballoc/internal/rawalloc"

// Violation describes one invariant failure found while walking a block
// list. Code is a short, stable identifier for programmatic matching in
// tests; Detail is a human-readable explanation.
type Violation struct {
	Code   string
	Detail string
}

// Snapshot is the block list as of the moment Check walked it, plus the
// buffer size it was walked against.
type Snapshot struct {
	N      int
	Blocks []rawalloc.BlockInfo
}

// FreeBytes returns the total payload bytes across all FREE blocks.
func (s Snapshot) FreeBytes() int {
	total := 0
	for _, b := range s.Blocks {
		if !b.Used {
			total += b.Size
		}
	}
	return total
}

// UsedBytes returns the total payload bytes across all USED blocks.
func (s Snapshot) UsedBytes() int {
	total := 0
	for _, b := range s.Blocks {
		if b.Used {
			total += b.Size
		}
	}
	return total
}

// Check walks raw's block list and reports any structural violation: a
// non-contiguous list, a misaligned block size, or more than one zero-size
// block coexisting. It deliberately does not check for two adjacent FREE
// blocks going unmerged, since right-coalescing is a property of a single
// Free call rather than of a snapshot, and is exercised directly in
// rawalloc's own tests instead.
func Check(raw *rawalloc.Allocator) (Snapshot, []Violation) {
	blocks := raw.Blocks()
	snap := Snapshot{N: raw.Len(), Blocks: blocks}

	var violations []Violation
	off := 0
	total := 0
	zeroSizeBlocks := 0
	for _, b := range blocks {
		if b.Offset != off {
			violations = append(violations, Violation{
				Code:   "list-contiguity",
				Detail: "block list is not contiguous from the base",
			})
		}
		if b.Size%4 != 0 {
			violations = append(violations, Violation{
				Code:   "block-alignment",
				Detail: "block size is not a multiple of 4",
			})
		}
		if b.Size == 0 {
			zeroSizeBlocks++
		}
		total += 4 + b.Size
		off += 4 + b.Size
	}
	if total != snap.N {
		violations = append(violations, Violation{
			Code:   "footprint-sum",
			Detail: "sum of block footprints does not equal the buffer size",
		})
	}
	if off != snap.N {
		violations = append(violations, Violation{
			Code:   "list-contiguity",
			Detail: "walk from offset 0 does not land exactly on N",
		})
	}
	if zeroSizeBlocks > 1 {
		violations = append(violations, Violation{
			Code:   "zero-size-block-count",
			Detail: "more than one zero-size block present",
		})
	}
	return snap, violations
}
