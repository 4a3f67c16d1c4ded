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

package rawalloc

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadSize(t *testing.T) {
	_, err := New(make([]byte, 7))
	assert.Error(t, err, "size < 8")

	_, err = New(make([]byte, 9))
	assert.Error(t, err, "size not multiple of 4")

	_, err = New(make([]byte, 8))
	assert.NoError(t, err)
}

func TestNewRejectsMisalignedBuffer(t *testing.T) {
	backing := make([]byte, 40)
	for shift := 1; shift < 4; shift++ {
		sub := backing[shift : shift+32]
		if uintptr(unsafe.Pointer(&sub[0]))%4 == 0 {
			continue
		}
		_, err := New(sub)
		assert.Error(t, err, "base address not 4-byte aligned")
	}
}

func TestMustNewPanics(t *testing.T) {
	assert.Panics(t, func() { MustNew(make([]byte, 5)) })
	assert.NotPanics(t, func() { MustNew(make([]byte, 32)) })
}

func TestInitialState(t *testing.T) {
	a := MustNew(make([]byte, 32))
	blocks := a.Blocks()
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].Used)
	assert.Equal(t, 28, blocks[0].Size)
}

// TestScenarios walks a 32-byte arena through a long chain of allocs and
// frees designed to exercise every transition in the first-fit,
// right-coalesce-only algorithm: splitting, exact-fit absorption,
// exhaustion, fragmentation from a free whose right neighbor is still
// USED, merging from a free whose right neighbor is FREE, and the
// asymmetry that a left neighbor already FREE is never merged into.
func TestScenarios(t *testing.T) {
	a := MustNew(make([]byte, 32))

	// fresh split: alloc 8.
	b1, ok := a.Alloc(8)
	require.True(t, ok)
	require.Len(t, b1, 8)
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 16, Used: false},
	}, a.Blocks())

	// second split: alloc 4.
	b2, ok := a.Alloc(4)
	require.True(t, ok)
	require.Len(t, b2, 4)
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 4, Used: true},
		{Offset: 20, Size: 8, Used: false},
	}, a.Blocks())

	// exhaustion: alloc 16 fails (only 8 FREE left), no state change.
	_, ok = a.Alloc(16)
	assert.False(t, ok)

	// rounding absorbs tail: alloc 5 rounds to 8, exact fit on the
	// remaining FREE-8 block, no splitting.
	b3, ok := a.Alloc(5)
	require.True(t, ok)
	assert.Len(t, b3, 8, "recorded size stays 8 even though only 5 were requested")
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 4, Used: true},
		{Offset: 20, Size: 8, Used: true},
	}, a.Blocks())

	// alloc(1) now fails: no FREE block exists at all.
	_, ok = a.Alloc(1)
	assert.False(t, ok)

	// Free the most recent allocation; it has no right neighbor (end of
	// buffer), so it simply flips back to FREE.
	require.NoError(t, a.Free(unsafe.Pointer(&b3[0])))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 4, Used: true},
		{Offset: 20, Size: 8, Used: false},
	}, a.Blocks())

	// Free the first allocation; its right neighbor is USED, so no
	// coalesce. The block list is now fragmented: FREE, USED, FREE.
	require.NoError(t, a.Free(unsafe.Pointer(&b1[0])))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: false},
		{Offset: 12, Size: 4, Used: true},
		{Offset: 20, Size: 8, Used: false},
	}, a.Blocks())

	// Reallocate 8 bytes: first-fit picks the block at offset 0 again.
	b4, ok := a.Alloc(8)
	require.True(t, ok)
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 4, Used: true},
		{Offset: 20, Size: 8, Used: false},
	}, a.Blocks())

	// right-coalesce on free: free the middle USED-4 block (the second
	// allocation). Its right neighbor is now FREE, so it merges: size
	// becomes 4 + 4 + 8 = 16.
	require.NoError(t, a.Free(unsafe.Pointer(&b2[0])))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 16, Used: false},
	}, a.Blocks())

	// Reallocate 8 bytes from the merged FREE-16 block: split leaves a
	// FREE-4 tail.
	b5, ok := a.Alloc(8)
	require.True(t, ok)
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: true},
		{Offset: 12, Size: 8, Used: true},
		{Offset: 24, Size: 4, Used: false},
	}, a.Blocks())

	// Free the block at offset 0 again; its right neighbor is USED, so no
	// coalesce yet.
	require.NoError(t, a.Free(unsafe.Pointer(&b4[0])))
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: false},
		{Offset: 12, Size: 8, Used: true},
		{Offset: 24, Size: 4, Used: false},
	}, a.Blocks())

	// no left-coalesce: free the block at offset 12. Its right neighbor
	// (FREE-4) merges in, but the already-FREE block at offset 0 is never
	// touched, since right-coalescing only ever looks rightward.
	require.NoError(t, a.Free(unsafe.Pointer(&b5[0])))
	blocks := a.Blocks()
	assert.Equal(t, []BlockInfo{
		{Offset: 0, Size: 8, Used: false},
		{Offset: 12, Size: 16, Used: false},
	}, blocks)

	// double-free detection: free any pointer inside the first (now
	// FREE) block again.
	err := a.Free(unsafe.Pointer(&b4[0]))
	assert.ErrorIs(t, err, ErrDoubleFree)
	assert.Equal(t, blocks, a.Blocks(), "state unchanged after a failed free")
}

// TestRawRequestForOverAlignedCallerSucceeds checks the raw layer's
// concern in an over-aligned request (the outer emballoc.Allocator adds
// the alignment padding and does the pointer fix-up): a 36-byte raw
// request (4 requested + 32 alignment padding) must succeed in a
// 128-byte buffer.
func TestRawRequestForOverAlignedCallerSucceeds(t *testing.T) {
	a := MustNew(make([]byte, 128))
	b, ok := a.Alloc(4 + 32)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(b), 36)
}

func TestAllocRoundsUpToMultipleOf4(t *testing.T) {
	a := MustNew(make([]byte, 32))
	b, ok := a.Alloc(1)
	require.True(t, ok)
	assert.Len(t, b, 4)
}

func TestAllocZeroSizeSucceedsWhileFreeBlockExists(t *testing.T) {
	a := MustNew(make([]byte, 8))
	b, ok := a.Alloc(0)
	require.True(t, ok)
	assert.Len(t, b, 0)

	// double free detection still applies to a zero-size allocation.
	require.NoError(t, a.Free(unsafe.Pointer(&a.buf[headerSize])))
	err := a.Free(unsafe.Pointer(&a.buf[headerSize]))
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestAllocLargerThanBufferFails(t *testing.T) {
	a := MustNew(make([]byte, 32))
	_, ok := a.Alloc(29) // N-4 = 28 is the max payload
	assert.False(t, ok)

	b, ok := a.Alloc(28)
	require.True(t, ok)
	assert.Len(t, b, 28)
}

func TestMinimalBufferN8(t *testing.T) {
	a := MustNew(make([]byte, 8))
	b1, ok := a.Alloc(4)
	require.True(t, ok)
	assert.Len(t, b1, 4)

	_, ok = a.Alloc(1)
	assert.False(t, ok, "only one allocation of payload <= 4 fits in N=8")

	require.NoError(t, a.Free(unsafe.Pointer(&b1[0])))
	b2, ok := a.Alloc(4)
	require.True(t, ok)
	assert.Len(t, b2, 4)
}

func TestFreeNotAllocated(t *testing.T) {
	a := MustNew(make([]byte, 32))
	var stray byte
	err := a.Free(unsafe.Pointer(&stray))
	assert.ErrorIs(t, err, ErrNotAllocated)
}

func TestFreeAcceptsPointerIntoPayload(t *testing.T) {
	a := MustNew(make([]byte, 32))
	b, ok := a.Alloc(16)
	require.True(t, ok)

	// pointer to the middle of the payload, as the outer layer hands back
	// after alignment fix-up, must still locate and free the block.
	mid := unsafe.Pointer(&b[8])
	require.NoError(t, a.Free(mid))

	blocks := a.Blocks()
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].Used)
}

// TestInvariantsUnderRandomSequence checks that every structural
// invariant holds after each single alloc/free call, for randomized
// sequences of varying sizes, and that no live payload ever overlaps
// another live payload.
func TestInvariantsUnderRandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const bufSize = 4096
	a := MustNew(make([]byte, bufSize))

	var live [][]byte
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			b := live[idx]
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			require.NoError(t, a.Free(unsafe.Pointer(&b[0])))
		} else {
			size := rng.Intn(63) + 1
			b, ok := a.Alloc(size)
			if ok {
				for _, other := range live {
					requireDisjoint(t, b, other)
				}
				live = append(live, b)
			}
		}
		checkInvariants(t, a, bufSize)
	}
}

// requireDisjoint asserts that the payload ranges of a and b do not
// overlap.
func requireDisjoint(t *testing.T, a, b []byte) {
	t.Helper()
	aStart := uintptr(unsafe.Pointer(&a[0]))
	aEnd := aStart + uintptr(len(a))
	bStart := uintptr(unsafe.Pointer(&b[0]))
	bEnd := bStart + uintptr(len(b))
	require.True(t, aEnd <= bStart || bEnd <= aStart, "live payloads must not overlap")
}

// checkInvariants walks the block list and asserts the structural
// invariants that hold regardless of allocation history: contiguity from
// the base, 4-byte-aligned sizes, and a footprint sum equal to N.
func checkInvariants(t *testing.T, a *Allocator, n int) {
	t.Helper()
	blocks := a.Blocks()
	total := 0
	off := 0
	for _, b := range blocks {
		require.Equal(t, off, b.Offset, "list must be walkable from base")
		require.Equal(t, 0, b.Size%4, "every block size must be a multiple of 4")
		total += headerSize + b.Size
		off += headerSize + b.Size
	}
	require.Equal(t, n, total, "sum of block footprints must equal N")
	require.Equal(t, n, off, "walk must land exactly on N")
}

// TestDeallocThenReallocSucceeds checks that freeing then immediately
// re-allocating the same size succeeds whenever the prior alloc did.
func TestDeallocThenReallocSucceeds(t *testing.T) {
	a := MustNew(make([]byte, 64))
	b, ok := a.Alloc(12)
	require.True(t, ok)
	require.NoError(t, a.Free(unsafe.Pointer(&b[0])))

	b2, ok := a.Alloc(12)
	require.True(t, ok)
	assert.Len(t, b2, 12)
}

// TestFreeingEverythingLeavesNoUsedBlocks checks that freeing every live
// allocation leaves no USED blocks behind.
func TestFreeingEverythingLeavesNoUsedBlocks(t *testing.T) {
	a := MustNew(make([]byte, 64))
	var live [][]byte
	for _, sz := range []int{4, 8, 12, 4} {
		b, ok := a.Alloc(sz)
		if ok {
			live = append(live, b)
		}
	}
	for _, b := range live {
		require.NoError(t, a.Free(unsafe.Pointer(&b[0])))
	}
	for _, b := range a.Blocks() {
		assert.False(t, b.Used)
	}
}
