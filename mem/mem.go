// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem is the process wide memory function table. It dispatches the
// pointer based allocation surface to one of two concrete allocators - the
// mheap backed one (the default) or a Go runtime backed one - and publishes
// the per CPU current heap used by the container packages. The choice of
// allocator is static per process: install it at startup, before the first
// allocation.
package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cznic/clib/mheap"
)

// Usage is a snapshot of an allocator's accounting.
type Usage = mheap.Usage

// ---------------------------------------------------------------- panic/OOM

var (
	onPanic = func(msg string) { panic(msg) }
	onOOM   = func(size int64) { Panicf("mem: out of memory allocating %d bytes", size) }
)

// Panicf aborts the process with a single formatted line. The handler is
// replaceable via SetPanicFunc and is expected not to return.
func Panicf(format string, arg ...interface{}) {
	onPanic(fmt.Sprintf(format, arg...))
}

// SetPanicFunc installs f as the fatal error handler for this package and
// for package mheap, returning the previous handler.
func SetPanicFunc(f func(msg string)) func(msg string) {
	old := onPanic
	onPanic = f
	mheap.SetPanicHook(f)
	return old
}

// OutOfMemory invokes the out of memory handler. The default handler panics;
// a collaborator may override it with SetOOMFunc.
func OutOfMemory(size int64) { onOOM(size) }

// SetOOMFunc installs f as the out of memory handler and returns the
// previous one.
func SetOOMFunc(f func(size int64)) func(size int64) {
	old := onOOM
	onOOM = f
	return old
}

// ---------------------------------------------------------------- heap slots

var (
	cpuNumber = func() int { return 0 }

	heapsMu sync.Mutex
	heaps   = map[int]*mheap.Heap{}

	// DefaultHeapBytes is the capacity of heaps created implicitly by
	// GetHeap.
	DefaultHeapBytes = int64(mheap.DefaultCapacity)
)

// SetCPUNumberFunc installs the collaborator reporting the calling CPU's
// number, used to index the per CPU heap table. The default reports 0.
func SetCPUNumberFunc(f func() int) func() int {
	old := cpuNumber
	cpuNumber = f
	return old
}

// GetHeap returns the current CPU's heap, creating a DefaultHeapBytes sized
// one on first use.
func GetHeap() *mheap.Heap {
	cpu := cpuNumber()
	heapsMu.Lock()
	defer heapsMu.Unlock()

	h := heaps[cpu]
	if h == nil {
		var err error
		if h, err = mheap.New(DefaultHeapBytes); err != nil {
			Panicf("mem: creating heap for cpu %d: %v", cpu, err)
		}

		heaps[cpu] = h
	}
	return h
}

// SetHeap makes h the current CPU's heap and returns the previous one.
// Objects allocated on one CPU's heap must be freed on the same CPU unless
// the heap was made thread safe.
func SetHeap(h *mheap.Heap) *mheap.Heap {
	cpu := cpuNumber()
	heapsMu.Lock()
	defer heapsMu.Unlock()

	old := heaps[cpu]
	heaps[cpu] = h
	return old
}

// Init creates a size byte heap, installs it as the current CPU's heap and
// returns it.
func Init(size int64) *mheap.Heap {
	h, err := mheap.New(size)
	if err != nil {
		Panicf("mem: Init: %v", err)
	}

	SetHeap(h)
	return h
}

// Exit releases the current CPU's heap and clears its slot. Everything
// allocated from that heap becomes invalid.
func Exit() {
	if h := SetHeap(nil); h != nil {
		h.Close()
	}
}

var (
	sharedOnce sync.Once
	shared     *mheap.Heap
)

// SharedHeap returns the process wide thread safe heap for objects shared
// across CPUs. Every operation on it takes its lock; per CPU heaps stay
// lock free.
func SharedHeap() *mheap.Heap {
	sharedOnce.Do(func() {
		h, err := mheap.New(DefaultHeapBytes)
		if err != nil {
			Panicf("mem: creating shared heap: %v", err)
		}

		h.SetThreadSafe(true)
		shared = h
	})
	return shared
}

// ---------------------------------------------------------------- hooks

// Hooks is the optional allocation observer, called around every Alloc and
// Free going through the function table. PreAlloc may satisfy the allocation
// itself by returning a non nil pointer; PreFree may swallow the free by
// returning true.
type Hooks struct {
	PreAlloc  func(size, align, alignOffset int64) unsafe.Pointer
	PostAlloc func(size, align, alignOffset int64, p unsafe.Pointer)
	PreFree   func(p unsafe.Pointer) bool
	PostFree  func(p unsafe.Pointer)
}

var hooks Hooks

// SetHooks installs the allocation observer and returns the previous one.
func SetHooks(h Hooks) Hooks {
	old := hooks
	hooks = h
	return old
}

// ---------------------------------------------------------------- table

// Allocator is the concrete allocation surface behind the function table.
type Allocator interface {
	Alloc(size, align, alignOffset int64) unsafe.Pointer
	Free(p unsafe.Pointer)
	Realloc(p unsafe.Pointer, size int64) unsafe.Pointer
	Size(p unsafe.Pointer) int64
	IsHeapObject(p unsafe.Pointer) bool
	Validate() error
	Trace(enable bool)
	QueryUsage(u *Usage)
	PageSize() int64
}

var current Allocator = mheapAllocator{}

// SetAllocator installs a as the process allocator and returns the previous
// one. Meant to be called once, at startup.
func SetAllocator(a Allocator) Allocator {
	old := current
	current = a
	return old
}

// UseGoAlloc switches the function table to the Go runtime backed allocator.
func UseGoAlloc() { current = newGoAllocator() }

// Alloc allocates size bytes with word alignment, returning nil when the
// allocator fails.
func Alloc(size int64) unsafe.Pointer { return AllocAlignedAtOffset(size, 8, 0) }

// AllocAligned allocates size bytes aligned to align.
func AllocAligned(size, align int64) unsafe.Pointer { return AllocAlignedAtOffset(size, align, 0) }

// AllocAlignedAtOffset allocates size bytes such that the returned address
// plus alignOffset is congruent to 0 modulo align. It returns nil when the
// allocator fails.
func AllocAlignedAtOffset(size, align, alignOffset int64) unsafe.Pointer {
	if align > 0 && alignOffset > align {
		alignOffset %= align
	}

	if hooks.PreAlloc != nil {
		if p := hooks.PreAlloc(size, align, alignOffset); p != nil {
			return p
		}
	}

	p := current.Alloc(size, align, alignOffset)
	if hooks.PostAlloc != nil {
		hooks.PostAlloc(size, align, alignOffset, p)
	}
	return p
}

// MustAlloc is AllocAlignedAtOffset invoking the out of memory handler when
// the allocation fails. Should the handler return, MustAlloc returns nil.
func MustAlloc(size, align, alignOffset int64) unsafe.Pointer {
	p := AllocAlignedAtOffset(size, align, alignOffset)
	if p == nil {
		OutOfMemory(size)
	}

	return p
}

// Free deallocates p, which must have been returned by one of the Alloc
// functions. Freeing a foreign pointer is fatal.
func Free(p unsafe.Pointer) {
	if hooks.PreFree != nil && hooks.PreFree(p) {
		return
	}

	current.Free(p)
	if hooks.PostFree != nil {
		hooks.PostFree(p)
	}
}

// Realloc grows the allocation at p to size bytes, relocating and freeing the
// old allocation when needed. A size no larger than the current allocation
// returns p unchanged; the allocation is not shrunk. A nil p allocates, a
// zero size frees and returns nil.
func Realloc(p unsafe.Pointer, size int64) unsafe.Pointer { return current.Realloc(p, size) }

// Size returns how many payload bytes the allocation at p can hold.
func Size(p unsafe.Pointer) int64 { return current.Size(p) }

// IsHeapObject reports whether p refers to a live allocation of the current
// allocator.
func IsHeapObject(p unsafe.Pointer) bool { return current.IsHeapObject(p) }

// Validate checks the internal consistency of the current allocator.
func Validate() error { return current.Validate() }

// Trace toggles allocation tracing on the current allocator.
func Trace(enable bool) { current.Trace(enable) }

// QueryUsage fills u with the current allocator's accounting.
func QueryUsage(u *Usage) { current.QueryUsage(u) }

// PageSize returns the host page granularity.
func PageSize() int64 { return current.PageSize() }

// FormatUsage renders u as a one line report.
func FormatUsage(u *Usage) string {
	return fmt.Sprintf("%d objects, %d of %d bytes used, %d free, %d reclaimed, %d overhead, %d max",
		u.ObjectCount, u.BytesUsed, u.BytesTotal, u.BytesFree, u.BytesReclaimed, u.BytesOverhead, u.BytesMax)
}

// ---------------------------------------------------------------- mheap impl

type mheapAllocator struct{}

func (mheapAllocator) Alloc(size, align, alignOffset int64) unsafe.Pointer {
	h := GetHeap()
	off := h.Alloc(size, align, alignOffset)
	if off == mheap.NoOffset {
		return nil
	}

	return h.Pointer(off)
}

func (mheapAllocator) Free(p unsafe.Pointer) {
	h := GetHeap()
	off, ok := h.OffsetOf(p)
	if !ok {
		Panicf("mem: Free of non heap pointer %p", p)
	}

	h.Free(off)
}

func (a mheapAllocator) Realloc(p unsafe.Pointer, size int64) unsafe.Pointer {
	switch {
	case p == nil:
		return a.Alloc(size, 1, 0)
	case size == 0:
		a.Free(p)
		return nil
	}

	old := a.Size(p)
	if size <= old {
		return p
	}

	q := a.Alloc(size, 1, 0)
	if q == nil {
		return nil
	}

	copy(unsafe.Slice((*byte)(q), old), unsafe.Slice((*byte)(p), old))
	a.Free(p)
	return q
}

func (mheapAllocator) Size(p unsafe.Pointer) int64 {
	h := GetHeap()
	off, ok := h.OffsetOf(p)
	if !ok {
		Panicf("mem: Size of non heap pointer %p", p)
	}

	return h.DataBytes(off)
}

func (mheapAllocator) IsHeapObject(p unsafe.Pointer) bool {
	_, ok := GetHeap().OffsetOf(p)
	return ok
}

func (mheapAllocator) Validate() error      { return GetHeap().Validate() }
func (mheapAllocator) Trace(enable bool)    { GetHeap().Trace(enable) }
func (mheapAllocator) QueryUsage(u *Usage)  { GetHeap().QueryUsage(u) }
func (mheapAllocator) PageSize() int64      { return GetHeap().PageSize() }
