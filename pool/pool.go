// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool implements a stable index allocator of fixed size elements.
//
// A pool is a vector of T whose caller header holds two more vectors from
// the same arena: a bitmap with one bit per slot, set iff the slot is free,
// and a stack of the free slot indices. The redundancy is deliberate: the
// stack gives O(1) allocation reusing recently freed indices, the bitmap
// gives O(1) liveness tests and a word parallel "next live index" scan.
// The two are linked by the invariant that the bitmap's population count
// equals the stack's length and every stacked index has its bit set.
//
// Indices handed out by Get stay valid across any number of other Gets and
// Puts; slots are never compacted. A slot returned by Put keeps its prior
// bytes, so a later Get handing the same index out again exposes them - the
// caller must overwrite.
package pool

import (
	"math/bits"
	"sort"
	"unsafe"

	"github.com/cznic/clib/mem"
	"github.com/cznic/clib/mheap"
	"github.com/cznic/clib/vec"
	"github.com/cznic/sortutil"
)

// NoIndex is returned by NextIndex when no live index remains.
const NoIndex = ^uint32(0)

// ErrCorrupt reports the first pool invariant found violated by Validate.
type ErrCorrupt struct {
	Check string
	Arg   int64
}

// Error implements the built in error type.
func (e *ErrCorrupt) Error() string { return "pool corrupt: " + e.Check }

// header is the pool metadata stored in the backing vector's caller header.
// Only arena offsets live here: arena memory must hold no Go pointers.
type header struct {
	bitmap  int64 // free bitmap vector of uint64 words
	indices int64 // free index stack vector of uint32
}

const headerBytes = int(unsafe.Sizeof(header{}))

// Pool is a pool of T. The zero value is an empty pool on the current CPU's
// heap.
type Pool[T any] struct {
	v vec.Vec[T]
}

// New returns an empty pool allocating from h.
func New[T any](h *mheap.Heap) Pool[T] {
	return Pool[T]{v: vec.NewWithHeader[T](h, headerBytes, 0)}
}

func (p *Pool[T]) init() {
	if p.v.Off() == 0 {
		p.v = vec.NewWithHeader[T](p.v.Heap(), headerBytes, 0)
	}
}

func (p *Pool[T]) header() *header { return vec.HeaderOf[header](&p.v) }

func (p *Pool[T]) freeStack() vec.Vec[uint32] {
	hp := p.header()
	if hp == nil {
		return vec.Vec[uint32]{}
	}

	return vec.FromOffset[uint32](p.v.Heap(), hp.indices)
}

func (p *Pool[T]) freeBitmap() vec.Vec[uint64] {
	hp := p.header()
	if hp == nil {
		return vec.Vec[uint64]{}
	}

	return vec.FromOffset[uint64](p.v.Heap(), hp.bitmap)
}

// Len returns the length of the backing vector, free slots included. Callers
// usually want Elts.
func (p *Pool[T]) Len() int { return p.v.Len() }

// Elts returns the number of live elements.
func (p *Pool[T]) Elts() int {
	fi := p.freeStack()
	return p.v.Len() - fi.Len()
}

// Get allocates a slot and returns its index and element pointer. A recently
// freed slot is reused first, LIFO; otherwise the backing vector grows by
// one zero filled slot. The pointer is valid until the next Get.
func (p *Pool[T]) Get() (uint32, *T) {
	p.init()
	if fi := p.freeStack(); fi.Len() > 0 {
		n := fi.Len()
		i := *fi.At(n - 1)
		fi.Resize(-1)

		bm := p.freeBitmap()
		*bm.At(int(i / 64)) &^= 1 << (i % 64)
		return i, p.v.At(int(i))
	}

	p.v.Resize(1)
	i := uint32(p.v.Len() - 1)
	return i, p.v.At(int(i))
}

// Put frees the slot at index i. The slot must be live and in range,
// otherwise Put is fatal. The slot's content is not zeroed.
func (p *Pool[T]) Put(i uint32) {
	if int(i) >= p.v.Len() || p.IsFree(i) {
		mem.Panicf("pool: Put of free index %d", i)
	}

	hp := p.header()
	bm := p.freeBitmap()
	w := int(i / 64)
	if bm.Len() <= w {
		bm.Resize(w + 1 - bm.Len())
		hp.bitmap = bm.Off()
	}
	*bm.At(w) |= 1 << (i % 64)

	fi := p.freeStack()
	fi.Append(i)
	hp.indices = fi.Off()
}

// IsFree reports whether index i is out of range or refers to a free slot.
func (p *Pool[T]) IsFree(i uint32) bool {
	if int(i) >= p.v.Len() {
		return true
	}

	bm := p.freeBitmap()
	w := int(i / 64)
	if w >= bm.Len() {
		return false
	}

	return *bm.At(w)&(1<<(i%64)) != 0
}

// EltAt returns a pointer to the live element at index i; fatal when the
// slot is free.
func (p *Pool[T]) EltAt(i uint32) *T {
	if p.IsFree(i) {
		mem.Panicf("pool: EltAt of free index %d", i)
	}

	return p.v.At(int(i))
}

// NextIndex returns the smallest live index strictly greater than i, or
// NoIndex when none remains.
func (p *Pool[T]) NextIndex(i uint32) uint32 {
	n := uint32(p.v.Len())
	j := i + 1
	if j >= n {
		return NoIndex
	}

	bm := p.freeBitmap()
	bl := bm.Len()
	for j < n {
		w := int(j / 64)
		var word uint64
		if w < bl {
			word = *bm.At(w)
		}

		live := ^word &^ (1<<(j%64) - 1)
		if live != 0 {
			k := uint32(w*64 + bits.TrailingZeros64(live))
			if k >= n {
				return NoIndex
			}

			return k
		}

		j = uint32(w+1) * 64
	}
	return NoIndex
}

// ForeachRegion calls fn with every maximal run [lo, hi) of live slots, in
// index order. Serialization and other bulk consumers use it to avoid per
// element dispatch. fn must not Get from or Put to the pool.
func (p *Pool[T]) ForeachRegion(fn func(lo, hi int)) {
	n := p.v.Len()
	if n == 0 {
		return
	}

	var words []uint64
	if bm := p.freeBitmap(); bm.Off() != 0 {
		words = bm.Slice()
	}

	lo := 0
	bl := len(words)
	for i := 0; i <= bl; i++ {
		m := uint64(1) // sentinel flushing the final run
		if i < bl {
			m = words[i]
		}

		for m != 0 {
			f := m & -m
			hi := 64*i + bits.TrailingZeros64(m)
			if i >= bl {
				hi = n
			}

			m ^= f
			if hi > lo {
				fn(lo, hi)
			}

			lo = hi + 1
		}
	}
}

// Foreach calls fn with each live index and element, in index order. fn must
// not Get from or Put to the pool.
func (p *Pool[T]) Foreach(fn func(i uint32, p *T)) {
	p.ForeachRegion(func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fn(uint32(i), p.v.At(i))
		}
	})
}

// Alloc grows the pool's backing storage to accommodate n more elements
// without changing the live set.
func (p *Pool[T]) Alloc(n int) {
	p.init()
	p.v.Reserve(p.v.Len() + n)
	fi := p.freeStack()
	fi.Reserve(fi.Len() + n)
	p.header().indices = fi.Off()
}

// Free returns the pool's storage, metadata vectors included, to the heap.
func (p *Pool[T]) Free() {
	if p.v.Off() == 0 {
		return
	}

	if bm := p.freeBitmap(); bm.Off() != 0 {
		bm.Free()
	}
	if fi := p.freeStack(); fi.Off() != 0 {
		fi.Free()
	}
	p.v.Free()
}

// Validate checks the pool's structural invariants: the bitmap population
// count equals the free stack length, every stacked index is in range with
// its bit set, and no index is stacked twice.
func (p *Pool[T]) Validate() error {
	if p.v.Off() == 0 {
		return nil
	}

	nset := 0
	if bm := p.freeBitmap(); bm.Off() != 0 {
		for _, w := range bm.Slice() {
			nset += bits.OnesCount64(w)
		}
	}

	var idx []uint32
	if fi := p.freeStack(); fi.Off() != 0 {
		idx = fi.Slice()
	}

	if nset != len(idx) {
		return &ErrCorrupt{"bitmap popcount disagrees with free stack length", int64(nset)}
	}

	for _, i := range idx {
		if int(i) >= p.v.Len() {
			return &ErrCorrupt{"free index out of range", int64(i)}
		}

		if !p.IsFree(i) {
			return &ErrCorrupt{"stacked index clear in bitmap", int64(i)}
		}
	}

	s := sortutil.Uint32Slice(append([]uint32(nil), idx...))
	sort.Sort(s)
	for k := 1; k < len(s); k++ {
		if s[k] == s[k-1] {
			return &ErrCorrupt{"duplicate free index", int64(s[k])}
		}
	}
	return nil
}
