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

// Package stress drives concurrent alloc/dealloc workloads against an
// emballoc.Allocator: a background-worker harness specialized to a fixed
// churn-until-deadline workload with panic recovery and a summary Report
// instead of fire-and-forget task dispatch.
//
// It is not part of the allocator's public alloc/free API: it exists to
// shake out races and invariant violations under contention, and to compare
// a fixed-arena allocator's throughput against a pooled, GC-backed baseline.
package stress

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/embedded-go/emballoc"
	"github.com/embedded-go/emballoc/diag"
)

// Option configures Run: a small, named knob set rather than a long
// positional argument list.
type Option struct {
	// Workers is the number of concurrent goroutines hammering the
	// allocator. Defaults to 8 if zero.
	Workers int

	// Duration bounds how long Run drives load before returning.
	// Defaults to 100ms if zero.
	Duration time.Duration

	// MaxSize is the largest payload size a worker will request, in
	// bytes. Defaults to 256 if zero.
	MaxSize int

	// MaxLive caps how many live allocations a single worker holds at
	// once before it is forced to free something. Defaults to 64 if zero.
	MaxLive int

	// PanicHandler is invoked with any value recovered from a worker
	// goroutine. By default the stack is discarded and the panic is only
	// reflected in Report.Panics.
	PanicHandler func(r interface{})
}

// DefaultOption returns Run's default knob values.
func DefaultOption() *Option {
	return &Option{
		Workers:  8,
		Duration: 100 * time.Millisecond,
		MaxSize:  256,
		MaxLive:  64,
	}
}

// Report summarizes one Run call.
type Report struct {
	Allocs      int64
	AllocFailed int64
	Frees       int64
	Panics      int64

	// Violations is non-empty if diag.Check finds a structural violation
	// in the post-run snapshot. A stress run that ends with violations
	// indicates a real bug, not flakiness.
	Violations []diag.Violation
}

type liveAlloc struct {
	ptr   unsafe.Pointer
	size  int
	align int
}

// Run drives Option.Workers goroutines, each repeatedly allocating and
// freeing against a, until ctx is canceled or Option.Duration elapses,
// whichever comes first. It returns once every worker has exited.
func Run(ctx context.Context, a *emballoc.Allocator, opt *Option) Report {
	if opt == nil {
		opt = DefaultOption()
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 8
	}
	maxSize := opt.MaxSize
	if maxSize <= 0 {
		maxSize = 256
	}
	maxLive := opt.MaxLive
	if maxLive <= 0 {
		maxLive = 64
	}
	duration := opt.Duration
	if duration <= 0 {
		duration = 100 * time.Millisecond
	}

	deadline := time.Now().Add(duration)
	var report Report
	var wg sync.WaitGroup

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(seed int64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&report.Panics, 1)
					if opt.PanicHandler != nil {
						opt.PanicHandler(r)
					} else {
						_ = debug.Stack()
					}
				}
			}()
			runWorker(ctx, a, rand.New(rand.NewSource(seed)), maxSize, maxLive, deadline, &report)
		}(int64(i) + 1)
	}
	wg.Wait()

	_, violations := a.Check()
	report.Violations = violations
	return report
}

func runWorker(ctx context.Context, a *emballoc.Allocator, rng *rand.Rand, maxSize, maxLive int, deadline time.Time, report *Report) {
	var live []liveAlloc
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			freeAll(a, live, report)
			return
		default:
		}

		if len(live) >= maxLive || (len(live) > 0 && rng.Intn(2) == 0) {
			idx := rng.Intn(len(live))
			la := live[idx]
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			a.Dealloc(la.ptr, la.size, la.align)
			atomic.AddInt64(&report.Frees, 1)
			continue
		}

		size := rng.Intn(maxSize + 1)
		align := 1 << uint(rng.Intn(5)) // 1, 2, 4, 8, 16
		ptr := a.Alloc(size, align)
		if ptr == nil {
			atomic.AddInt64(&report.AllocFailed, 1)
			continue
		}
		atomic.AddInt64(&report.Allocs, 1)
		live = append(live, liveAlloc{ptr: ptr, size: size, align: align})
	}
	freeAll(a, live, report)
}

func freeAll(a *emballoc.Allocator, live []liveAlloc, report *Report) {
	for _, la := range live {
		a.Dealloc(la.ptr, la.size, la.align)
		atomic.AddInt64(&report.Frees, 1)
	}
}

// BaselineReport summarizes a BaselineRun call with the Allocs, Frees and
// Panics counters it shares with Report, so the two can be compared
// directly.
type BaselineReport struct {
	Allocs int64
	Frees  int64
	Panics int64
}

// BaselineRun drives the same churn workload Run does, but against
// mcache's pooled byte-slice allocator instead of a fixed emballoc arena.
// It exists to give the fixed-arena allocator a throughput baseline backed
// by a real, widely deployed allocator rather than a synthetic comparison.
func BaselineRun(ctx context.Context, opt *Option) BaselineReport {
	if opt == nil {
		opt = DefaultOption()
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 8
	}
	maxSize := opt.MaxSize
	if maxSize <= 0 {
		maxSize = 256
	}
	maxLive := opt.MaxLive
	if maxLive <= 0 {
		maxLive = 64
	}
	duration := opt.Duration
	if duration <= 0 {
		duration = 100 * time.Millisecond
	}

	deadline := time.Now().Add(duration)
	var report BaselineReport
	var wg sync.WaitGroup

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(seed int64) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					atomic.AddInt64(&report.Panics, 1)
				}
			}()
			rng := rand.New(rand.NewSource(seed))
			var live [][]byte
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					for _, b := range live {
						mcache.Free(b)
						atomic.AddInt64(&report.Frees, 1)
					}
					return
				default:
				}
				if len(live) >= maxLive || (len(live) > 0 && rng.Intn(2) == 0) {
					idx := rng.Intn(len(live))
					b := live[idx]
					live[idx] = live[len(live)-1]
					live = live[:len(live)-1]
					mcache.Free(b)
					atomic.AddInt64(&report.Frees, 1)
					continue
				}
				size := rng.Intn(maxSize + 1)
				b := mcache.Malloc(size)
				atomic.AddInt64(&report.Allocs, 1)
				live = append(live, b)
			}
			for _, b := range live {
				mcache.Free(b)
				atomic.AddInt64(&report.Frees, 1)
			}
		}(int64(i) + 1)
	}
	wg.Wait()
	return report
}
