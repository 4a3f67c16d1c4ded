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

// Package rawalloc implements the intrusive free/used block list that backs
// emballoc: a first-fit allocator carved out of a single, fixed-size byte
// buffer supplied (or sized) once at construction time.
//
// The buffer is partitioned, at all times, into a contiguous sequence of
// blocks. Each block is a 4-byte header (packing a USED/FREE flag and a
// payload size into one uint32) immediately followed by its payload. There
// is no separate free list: the next block's header is always at
// `current header offset + 4 + current size`, so the list is walkable from
// offset 0 without any auxiliary bookkeeping.
package rawalloc

import (
	"errors"
	"fmt"
	"unsafe"
)

const (
	// headerSize is the size, in bytes, of the block header word.
	headerSize = 4

	// usedBit is the high bit of the header word, set when the block is USED.
	usedBit = uint32(1) << 31

	// sizeMask covers the remaining 31 bits, the block's payload size.
	sizeMask = usedBit - 1
)

var (
	// ErrNotAllocated is returned by Free when the pointer does not fall
	// inside any block's payload.
	ErrNotAllocated = errors.New("rawalloc: pointer not inside any block")

	// ErrDoubleFree is returned by Free when the pointer falls inside a
	// block that is currently FREE.
	ErrDoubleFree = errors.New("rawalloc: double free")
)

// BlockInfo describes one block in the list, as seen by Blocks. It is used
// by the diag package to check invariants and by tests to assert against
// scenario tables.
type BlockInfo struct {
	Offset int
	Size   int
	Used   bool
}

// Allocator is the raw byte-range allocator. The zero value is not usable;
// construct one with New.
type Allocator struct {
	buf  []byte
	base unsafe.Pointer
}

// New creates an Allocator backed by buf. len(buf) must be >= 8 and a
// multiple of 4 (room for at least one header plus a zero-size payload,
// with every block boundary 4-byte aligned), and buf itself must start on
// a 4-byte boundary, since headers are read and written as whole uint32
// words; violating any of these is a construction-time error.
func New(buf []byte) (*Allocator, error) {
	n := len(buf)
	if n < 8 {
		return nil, fmt.Errorf("rawalloc: buffer size must be >= 8, got %d", n)
	}
	if n%4 != 0 {
		return nil, fmt.Errorf("rawalloc: buffer size must be a multiple of 4, got %d", n)
	}
	if n-headerSize > int(sizeMask) {
		return nil, fmt.Errorf("rawalloc: buffer size %d exceeds the 31-bit header size field", n)
	}
	if uintptr(unsafe.Pointer(&buf[0]))%4 != 0 {
		return nil, fmt.Errorf("rawalloc: buffer is not 4-byte aligned")
	}
	a := &Allocator{
		buf:  buf,
		base: unsafe.Pointer(&buf[0]),
	}
	a.writeHeader(0, false, uint32(n-headerSize))
	return a, nil
}

// MustNew is like New but panics instead of returning an error, for call
// sites that want a buffer-size violation to be fatal at construction
// (e.g. initializing a package-level static allocator).
func MustNew(buf []byte) *Allocator {
	a, err := New(buf)
	if err != nil {
		panic(err)
	}
	return a
}

// Alloc rounds size up to the next multiple of 4 and places it in the
// first FREE block big enough to hold it (first-fit). It returns the
// block's payload (length equal to the block's recorded size, which is the
// request rounded up to a multiple of 4) and true, or nil and false if no
// block is big enough.
func (a *Allocator) Alloc(size int) ([]byte, bool) {
	if size < 0 {
		return nil, false
	}
	need := roundUp4(size)

	off := 0
	for off < len(a.buf) {
		used, sz := a.readHeader(off)
		if !used && sz >= need {
			return a.place(off, sz, need), true
		}
		off += headerSize + sz
	}
	return nil, false
}

// place carves the chosen FREE block (at off, recorded size sz) down to
// need bytes, splitting off a trailing FREE block when the leftover is
// large enough to hold a header, or absorbing it into this allocation
// otherwise. It returns the USED block's payload.
func (a *Allocator) place(off, sz, need int) []byte {
	leftover := sz - need
	blockSize := sz
	if leftover >= headerSize {
		blockSize = need
		a.writeHeader(off, true, uint32(blockSize))
		a.writeHeader(off+headerSize+blockSize, false, uint32(leftover-headerSize))
	} else {
		// leftover is always 0 here: sz and need are both multiples of 4
		// and sz >= need, so 0 < leftover < 4 is impossible.
		a.writeHeader(off, true, uint32(blockSize))
	}
	return a.payload(off, blockSize)
}

// Free returns the block containing ptr to the FREE state and
// right-coalesces it with an immediately following FREE block, if any.
// ptr may be any address within the block's payload, not just its start,
// so that an outer layer may hand back a pointer it shifted for alignment.
//
// Free never panics and never corrupts allocator state: on error the
// block list is left exactly as it was.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	target := uintptr(ptr)
	base := uintptr(a.base)

	off := 0
	for off < len(a.buf) {
		used, sz := a.readHeader(off)
		payloadStart := base + uintptr(off+headerSize)
		payloadEnd := payloadStart + uintptr(sz)
		inRange := target >= payloadStart && target < payloadEnd
		// A zero-size block's payload start equals its own end, so the
		// half-open range above never matches it; it is still the only
		// address that could ever refer to that block, so match it here.
		atEmptyBlock := sz == 0 && target == payloadStart
		if inRange || atEmptyBlock {
			if !used {
				return ErrDoubleFree
			}
			a.freeAt(off, sz)
			return nil
		}
		off += headerSize + sz
	}
	return ErrNotAllocated
}

// freeAt flips the block at off to FREE and right-coalesces with its
// successor if that successor is FREE.
func (a *Allocator) freeAt(off, sz int) {
	next := off + headerSize + sz
	if next < len(a.buf) {
		nextUsed, nextSz := a.readHeader(next)
		if !nextUsed {
			sz = sz + headerSize + nextSz
		}
	}
	a.writeHeader(off, false, uint32(sz))
}

// Blocks returns the block list in order, for invariant checking and
// tests. It performs a fresh walk and allocates a slice; callers should
// not use it on a hot path.
func (a *Allocator) Blocks() []BlockInfo {
	var out []BlockInfo
	off := 0
	for off < len(a.buf) {
		used, sz := a.readHeader(off)
		out = append(out, BlockInfo{Offset: off, Size: sz, Used: used})
		off += headerSize + sz
	}
	return out
}

// Len returns the size of the backing buffer.
func (a *Allocator) Len() int {
	return len(a.buf)
}

func (a *Allocator) payload(off, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(a.base, off+headerSize)), size)
}

func (a *Allocator) readHeader(off int) (used bool, size int) {
	w := *(*uint32)(unsafe.Add(a.base, off))
	return w&usedBit != 0, int(w & sizeMask)
}

func (a *Allocator) writeHeader(off int, used bool, size uint32) {
	w := size &^ usedBit
	if used {
		w |= usedBit
	}
	*(*uint32)(unsafe.Add(a.base, off)) = w
}

func roundUp4(n int) int {
	return (n + 3) &^ 3
}
