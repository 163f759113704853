// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vec implements a growable typed sequence stored in an mheap arena.
//
// A vector's heap block holds, from low to high address: an optional caller
// supplied header, the 32 bit element count, then the elements. Vec is the
// typed owning handle to such a block; its zero value is the valid empty
// vector and binds to the current CPU's heap on first growth. Capacity is
// whatever the heap block can hold, so allocator slack is used up before the
// block is migrated.
//
// Extending a vector yields zero filled elements and callers depend on that;
// every mutating operation maintains the invariant that the block's bytes
// past the current length are zero.
//
// Element types must not contain Go pointers: arena memory is invisible to
// the garbage collector.
//
// Pointers to elements remain valid only until the next mutating operation,
// which may relocate the block.
package vec

import (
	"unsafe"

	"github.com/cznic/clib/mem"
	"github.com/cznic/clib/mheap"
)

const (
	wordBytes = 8
	lenBytes  = 4
)

// ErrCorrupt reports the first vector invariant found violated by Validate.
type ErrCorrupt struct {
	Check string
	Index int64
}

// Error implements the built in error type.
func (e *ErrCorrupt) Error() string { return "vec corrupt: " + e.Check }

// Vec is a vector of T. The zero value is an empty vector on the current
// CPU's heap.
type Vec[T any] struct {
	h   *mheap.Heap
	off int64 // offset of element 0; 0 while the vector has no block
	hdr int32 // caller header bytes
	alg int32 // element 0 alignment; 0 for natural
}

// New returns an empty vector allocating from h.
func New[T any](h *mheap.Heap) Vec[T] { return Vec[T]{h: h} }

// NewWithHeader returns an empty vector whose block will carry headerBytes of
// caller data before the length field, with element 0 aligned to align.
func NewWithHeader[T any](h *mheap.Heap, headerBytes, align int) Vec[T] {
	return Vec[T]{h: h, hdr: int32(headerBytes), alg: int32(align)}
}

// FromOffset reconstitutes the vector whose element 0 sits at off in h. The
// offset must come from Off of a vector created without a caller header and
// with natural alignment; it is how containers persist vectors inside arena
// stored headers.
func FromOffset[T any](h *mheap.Heap, off int64) Vec[T] { return Vec[T]{h: h, off: off} }

// Heap returns the heap the vector allocates from, nil before first growth
// of a zero value vector.
func (v *Vec[T]) Heap() *mheap.Heap { return v.h }

// Off returns the heap offset of element 0, 0 while the vector is empty and
// has no block.
func (v *Vec[T]) Off() int64 { return v.off }

func (v *Vec[T]) eltSize() int64 {
	var z T
	es := int64(unsafe.Sizeof(z))
	if es == 0 {
		mem.Panicf("vec: zero sized element type")
	}
	return es
}

// hdrTotal returns the distance from block start to element 0: caller header
// plus length field, rounded to the word.
func (v *Vec[T]) hdrTotal() int64 {
	return (int64(v.hdr) + lenBytes + wordBytes - 1) &^ (wordBytes - 1)
}

// Len returns the number of elements.
func (v *Vec[T]) Len() int {
	if v.off == 0 {
		return 0
	}

	return int(*(*uint32)(v.h.Pointer(v.off - lenBytes)))
}

func (v *Vec[T]) setLen(n int) {
	*(*uint32)(v.h.Pointer(v.off - lenBytes)) = uint32(n)
}

// Cap returns how many elements the current block can hold.
func (v *Vec[T]) Cap() int {
	if v.off == 0 {
		return 0
	}

	ht := v.hdrTotal()
	return int((v.h.DataBytes(v.off-ht) - ht) / v.eltSize())
}

// At returns a pointer to element i.
func (v *Vec[T]) At(i int) *T {
	if i < 0 || i >= v.Len() {
		mem.Panicf("vec: index %d out of range [0, %d)", i, v.Len())
	}

	return (*T)(v.h.Pointer(v.off + int64(i)*v.eltSize()))
}

// Slice returns the elements as a Go slice aliasing the block. The slice is
// valid until the next mutating operation.
func (v *Vec[T]) Slice() []T {
	if v.off == 0 {
		return nil
	}

	return unsafe.Slice((*T)(v.h.Pointer(v.off)), v.Len())
}

// End returns the address one past the last element, nil while the vector
// has no block. Useful for pointer range iteration; like any element
// pointer it is valid only until the next mutating operation and must not
// be dereferenced.
func (v *Vec[T]) End() *T {
	if v.off == 0 {
		return nil
	}

	return (*T)(v.h.Pointer(v.off + int64(v.Len())*v.eltSize()))
}

// Header returns the caller header, nil while the vector has no block.
func (v *Vec[T]) Header() unsafe.Pointer {
	if v.off == 0 {
		return nil
	}

	return v.h.Pointer(v.off - v.hdrTotal())
}

// HeaderOf returns v's caller header as *H.
func HeaderOf[H, T any](v *Vec[T]) *H { return (*H)(v.Header()) }

func (v *Vec[T]) clearBytes(off, n int64) {
	if n <= 0 {
		return
	}

	b := unsafe.Slice((*byte)(v.h.Pointer(off)), n)
	clear(b)
}

// ensure grows the block, if needed, to hold at least n elements. New block
// bytes beyond the copied content are zeroed.
func (v *Vec[T]) ensure(n int) {
	es := v.eltSize()
	ht := v.hdrTotal()
	need := ht + int64(n)*es

	align := int64(v.alg)
	if align < wordBytes {
		align = wordBytes
	}

	if v.off == 0 {
		if v.h == nil {
			v.h = mem.GetHeap()
		}

		blk := v.h.Alloc(need, align, ht)
		if blk == mheap.NoOffset {
			mem.OutOfMemory(need)
		}

		v.clearBytes(blk, v.h.DataBytes(blk))
		v.off = blk + ht
		return
	}

	blk := v.off - ht
	capBytes := v.h.DataBytes(blk)
	if need <= capBytes {
		return
	}

	newBytes := capBytes + capBytes/2
	if newBytes < need {
		newBytes = need
	}

	nblk := v.h.Alloc(newBytes, align, ht)
	if nblk == mheap.NoOffset {
		mem.OutOfMemory(newBytes)
	}

	used := ht + int64(v.Len())*es
	copy(
		unsafe.Slice((*byte)(v.h.Pointer(nblk)), used),
		unsafe.Slice((*byte)(v.h.Pointer(blk)), used),
	)
	v.clearBytes(nblk+used, v.h.DataBytes(nblk)-used)
	v.h.Free(blk)
	v.off = nblk + ht
}

// Resize changes the length by delta elements. Growing yields zero filled
// elements; shrinking zeroes the vacated region so a later grow does not
// reveal stale data.
func (v *Vec[T]) Resize(delta int) {
	l := v.Len()
	n := l + delta
	if n < 0 {
		mem.Panicf("vec: Resize: negative length %d", n)
	}

	es := v.eltSize()
	switch {
	case delta <= 0:
		if v.off == 0 {
			return
		}

		v.clearBytes(v.off+int64(n)*es, int64(l-n)*es)
	default:
		v.ensure(n)
		v.clearBytes(v.off+int64(l)*es, int64(delta)*es)
	}
	v.setLen(n)
}

// Reserve grows the block to hold at least n elements without changing the
// length.
func (v *Vec[T]) Reserve(n int) { v.ensure(n) }

// SetLen truncates or, within the current capacity, extends the vector to n
// elements. Truncation zeroes the vacated region; extension yields zero
// filled elements.
func (v *Vec[T]) SetLen(n int) {
	l := v.Len()
	switch {
	case n == l:
	case n < l:
		v.Resize(n - l)
	default:
		if n > v.Cap() {
			mem.Panicf("vec: SetLen %d beyond capacity %d", n, v.Cap())
		}

		v.setLen(n)
	}
}

// Append adds items at the end.
func (v *Vec[T]) Append(items ...T) {
	if len(items) == 0 {
		return
	}

	l := v.Len()
	v.Resize(len(items))
	copy(v.Slice()[l:], items)
}

// Prepend adds items at the front, shifting existing elements up.
func (v *Vec[T]) Prepend(items ...T) {
	if len(items) == 0 {
		return
	}

	l := v.Len()
	v.Resize(len(items))
	s := v.Slice()
	copy(s[len(items):], s[:l])
	copy(s, items)
}

// Insert places x at index i, shifting elements i and above one slot up.
func (v *Vec[T]) Insert(i int, x T) {
	l := v.Len()
	if i < 0 || i > l {
		mem.Panicf("vec: Insert index %d out of range [0, %d]", i, l)
	}

	v.Resize(1)
	s := v.Slice()
	copy(s[i+1:], s[i:l])
	s[i] = x
}

// Delete removes element i, shifting elements above one slot down and
// zeroing the vacated tail.
func (v *Vec[T]) Delete(i int) {
	l := v.Len()
	if i < 0 || i >= l {
		mem.Panicf("vec: Delete index %d out of range [0, %d)", i, l)
	}

	s := v.Slice()
	copy(s[i:], s[i+1:])
	v.Resize(-1)
}

// Dup returns a copy of the vector, caller header included, in the same
// heap.
func (v *Vec[T]) Dup() Vec[T] {
	w := Vec[T]{h: v.h, hdr: v.hdr, alg: v.alg}
	if v.off == 0 {
		return w
	}

	w.Resize(v.Len())
	copy(w.Slice(), v.Slice())
	if v.hdr > 0 {
		copy(
			unsafe.Slice((*byte)(w.Header()), v.hdr),
			unsafe.Slice((*byte)(v.Header()), v.hdr),
		)
	}
	return w
}

// Free returns the vector's block, caller header included, to the heap.
func (v *Vec[T]) Free() {
	if v.off == 0 {
		return
	}

	v.h.Free(v.off - v.hdrTotal())
	v.off = 0
}

// IsMember reports whether p addresses an element slot of v.
func (v *Vec[T]) IsMember(p *T) bool {
	if v.off == 0 {
		return false
	}

	es := v.eltSize()
	a := int64(uintptr(unsafe.Pointer(p)))
	lo := int64(uintptr(v.h.Pointer(v.off)))
	hi := lo + int64(v.Len())*es
	return a >= lo && a < hi && (a-lo)%es == 0
}

// Foreach calls fn with each index and element in order until fn returns
// false. fn must not mutate the vector.
func (v *Vec[T]) Foreach(fn func(i int, p *T) bool) {
	for i, l := 0, v.Len(); i < l; i++ {
		if !fn(i, v.At(i)) {
			return
		}
	}
}

// ForeachBackwards is Foreach in reverse index order.
func (v *Vec[T]) ForeachBackwards(fn func(i int, p *T) bool) {
	for i := v.Len() - 1; i >= 0; i-- {
		if !fn(i, v.At(i)) {
			return
		}
	}
}

// ForeachIndex calls fn with each valid index until fn returns false.
func (v *Vec[T]) ForeachIndex(fn func(i int) bool) {
	for i, l := 0, v.Len(); i < l; i++ {
		if !fn(i) {
			return
		}
	}
}

// Validate checks the vector's structural invariants: the length fits the
// block and all block bytes past the length are zero.
func (v *Vec[T]) Validate() error {
	if v.off == 0 {
		return nil
	}

	es := v.eltSize()
	ht := v.hdrTotal()
	l := int64(v.Len())
	blockBytes := v.h.DataBytes(v.off - ht)
	if ht+l*es > blockBytes {
		return &ErrCorrupt{Check: "length exceeds block", Index: l}
	}

	tail := unsafe.Slice((*byte)(v.h.Pointer(v.off+l*es)), blockBytes-ht-l*es)
	for i, b := range tail {
		if b != 0 {
			return &ErrCorrupt{Check: "nonzero byte past length", Index: l*es + int64(i)}
		}
	}
	return nil
}
