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

// Package emballoc provides a fixed-buffer heap allocator for code paths
// that own a bounded byte arena and want a small, predictable,
// general-purpose dynamic allocator over it instead of the Go runtime's
// garbage-collected heap.
//
// Allocator wraps an internal/rawalloc.Allocator behind a spin mutex and
// lifts its byte-range Alloc/Free pair to the (size, align)-shaped request
// conventionally exposed by a language runtime's global allocation hook:
// stronger-than-4-byte alignments are obtained by over-allocating and
// shifting the returned pointer, never inside the raw layer itself.
package emballoc

import (
	"unsafe"

	"github.com/embedded-go/emballoc/diag"
	"github.com/embedded-go/emballoc/internal/rawalloc"
	"github.com/embedded-go/emballoc/internal/spinlock"
)

// nativeAlign is the alignment the raw allocator guarantees for every
// payload it hands out, without any help from this layer.
const nativeAlign = 4

// Allocator is a mutex-guarded fixed-buffer allocator. The zero value is
// not usable; construct one with New or NewSize.
type Allocator struct {
	mu  spinlock.Mutex
	raw *rawalloc.Allocator
}

// New wraps buf as the allocator's backing storage. len(buf) must satisfy
// rawalloc's N >= 8, N mod 4 == 0 constraint; violating it panics at
// construction time rather than surfacing as a confusing failure on first
// use.
func New(buf []byte) *Allocator {
	return &Allocator{raw: rawalloc.MustNew(buf)}
}

// NewSize allocates its own n-byte backing array and wraps it, for callers
// that want a bounded sub-heap without supplying their own storage. It
// panics under the same conditions as New.
func NewSize(n int) *Allocator {
	return New(make([]byte, n))
}

// Alloc requests size bytes aligned to align, which the caller guarantees
// is a power of two. It returns nil if the request cannot be satisfied.
//
// When align <= 4, the raw allocator's native alignment already satisfies
// the request. When align > 4, Alloc over-allocates by align bytes so that
// some address within the returned raw payload is align-aligned, then
// returns that address instead of the payload's start.
func (a *Allocator) Alloc(size, align int) unsafe.Pointer {
	reqSize := size
	if align > nativeAlign {
		reqSize = size + align
	}

	a.mu.Lock()
	block, ok := a.raw.Alloc(reqSize)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	start := dataPointer(block)
	if align <= nativeAlign {
		return start
	}
	return alignUp(start, align)
}

// Dealloc returns ptr, previously returned by Alloc, to the allocator. The
// size and align parameters are accepted to mirror the conventional
// global-allocator contract but are unused: Free locates the enclosing
// block by scanning from the buffer's base, so no per-allocation metadata
// needs to be threaded back in.
//
// Any error from the raw free (double free, pointer not allocated by this
// arena) is discarded. The conventional contract this type mirrors forbids
// panicking from a deallocation path and provides no channel to surface an
// error, so a caller mistake here is silently ignored rather than fatal.
func (a *Allocator) Dealloc(ptr unsafe.Pointer, _size, _align int) {
	if ptr == nil {
		return
	}
	a.mu.Lock()
	_ = a.raw.Free(ptr)
	a.mu.Unlock()
}

// Lock and Unlock expose the allocator's own spin mutex to callers that
// need to hold it across more than one operation, such as taking a
// consistent diagnostic snapshot with Check. Most callers never need these;
// Alloc and Dealloc already serialize themselves.
func (a *Allocator) Lock()   { a.mu.Lock() }
func (a *Allocator) Unlock() { a.mu.Unlock() }

// Raw exposes the underlying rawalloc.Allocator for read-only
// introspection (diag.Check and similar). Callers that read concurrently
// with live Alloc/Dealloc traffic must bracket the read with Lock/Unlock.
func (a *Allocator) Raw() *rawalloc.Allocator { return a.raw }

// Check takes the allocator's lock, walks its block list and returns a
// structural snapshot plus any invariant violations found, per
// diag.Check's contract.
func (a *Allocator) Check() (diag.Snapshot, []diag.Violation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return diag.Check(a.raw)
}

// sliceHeader mirrors the runtime's slice layout, letting dataPointer pull
// the backing pointer out of a zero-length slice (whose first element
// cannot be indexed) without requiring go1.20's unsafe.SliceData.
type sliceHeader struct {
	Data unsafe.Pointer
	Len  int
	Cap  int
}

// dataPointer returns b's backing pointer, valid even when len(b) == 0.
func dataPointer(b []byte) unsafe.Pointer {
	return (*sliceHeader)(unsafe.Pointer(&b)).Data
}

// alignUp returns the smallest address >= ptr that is a multiple of
// align. align must be a power of two and ptr must point into a region
// large enough that the returned address is still inside it; Alloc
// guarantees both by construction.
func alignUp(ptr unsafe.Pointer, align int) unsafe.Pointer {
	addr := uintptr(ptr)
	mismatch := addr & uintptr(align-1)
	if mismatch == 0 {
		return ptr
	}
	return unsafe.Add(ptr, uintptr(align)-mismatch)
}
