// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mem

import (
	"os"
	"sync"
	"unsafe"
)

// goAllocator serves the function table from the Go runtime. Useful for
// processes that want clib's containers without committing an arena.
type goAllocator struct {
	mu    sync.Mutex
	regs  map[unsafe.Pointer]goRegion
	used  int64
	count int64
}

type goRegion struct {
	buf  []byte // keeps the region alive
	size int64
}

func newGoAllocator() *goAllocator {
	return &goAllocator{regs: map[unsafe.Pointer]goRegion{}}
}

func (a *goAllocator) Alloc(size, align, alignOffset int64) unsafe.Pointer {
	if size <= 0 {
		size = 1
	}
	if align < 1 {
		align = 1
	}

	b := make([]byte, size+align)
	addr := int64(uintptr(unsafe.Pointer(&b[0])))
	pad := ((addr+alignOffset+align-1)&^(align-1) - alignOffset) - addr
	p := unsafe.Pointer(&b[pad])

	a.mu.Lock()
	defer a.mu.Unlock()

	a.regs[p] = goRegion{buf: b, size: size}
	a.used += size
	a.count++
	return p
}

func (a *goAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regs[p]
	if !ok {
		Panicf("mem: Free of non heap pointer %p", p)
	}

	delete(a.regs, p)
	a.used -= r.size
	a.count--
}

func (a *goAllocator) Realloc(p unsafe.Pointer, size int64) unsafe.Pointer {
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
	copy(unsafe.Slice((*byte)(q), old), unsafe.Slice((*byte)(p), old))
	a.Free(p)
	return q
}

func (a *goAllocator) Size(p unsafe.Pointer) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regs[p]
	if !ok {
		Panicf("mem: Size of non heap pointer %p", p)
	}

	return r.size
}

func (a *goAllocator) IsHeapObject(p unsafe.Pointer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.regs[p]
	return ok
}

func (a *goAllocator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var used, count int64
	for _, r := range a.regs {
		used += r.size
		count++
	}
	if used != a.used || count != a.count {
		return &accountingError{used: used, count: count}
	}

	return nil
}

type accountingError struct{ used, count int64 }

func (e *accountingError) Error() string {
	return "mem: go allocator accounting mismatch"
}

func (a *goAllocator) Trace(enable bool) {}

func (a *goAllocator) QueryUsage(u *Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	*u = Usage{ObjectCount: a.count, BytesUsed: a.used, BytesTotal: a.used}
}

func (a *goAllocator) PageSize() int64 { return int64(os.Getpagesize()) }
