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

// Package spinlock implements a minimal busy-wait mutex.
//
// emballoc needs a lock that never parks the calling goroutine on the Go
// scheduler: it may be invoked from code paths that themselves run inside
// a scheduler-sensitive context (e.g. signal handlers emulated via
// runtime.LockOSThread, or a custom real-time goroutine that must not
// block). A sync.Mutex is unsuitable for that contract, which is why
// emballoc guards its allocator with this busy-wait primitive instead.
package spinlock

import "sync/atomic"

// Mutex is a test-and-test-and-set spinlock built on a single atomic
// word. It has no backoff and no fairness guarantees; critical sections
// protected by it must be short, which holds for emballoc's single
// raw-allocator operation per lock/unlock pair.
type Mutex struct {
	locked uint32
}

// Lock busy-waits until the lock is acquired.
func (m *Mutex) Lock() {
	for !m.TryLock() {
		// spin; re-check the flag without a CAS first (test-and-test-and-set)
		// to avoid hammering the cache line with failed CAS attempts.
		for atomic.LoadUint32(&m.locked) == 1 {
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.locked, 0, 1)
}

// Unlock releases the lock. Unlocking an already-unlocked Mutex is a
// caller bug; like sync.Mutex, this is not guarded against.
func (m *Mutex) Unlock() {
	atomic.StoreUint32(&m.locked, 0)
}
