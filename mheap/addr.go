// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mheap

import (
	"unsafe"
)

func ptr(p *byte) unsafe.Pointer { return unsafe.Pointer(p) }

// Pointer returns the address of the payload at off. The offset must refer
// to a position within the heap's current extent.
func (h *Heap) Pointer(off int64) unsafe.Pointer {
	if off < 0 || off >= h.size {
		panicHook("mheap: Pointer: offset outside heap")
	}

	return ptr(&h.mem[off])
}

// OffsetOf translates p back to a heap offset. The second return value
// reports whether p is the payload address of a live block of this heap;
// it is the foreign pointer detection used by the top level free dispatch.
func (h *Heap) OffsetOf(p unsafe.Pointer) (int64, bool) {
	a := int64(uintptr(p))
	if a < h.base || a >= h.base+h.size {
		return NoOffset, false
	}

	off := a - h.base
	return off, h.IsHeapOffset(off)
}

// Elts returns the number of live blocks.
func (h *Heap) Elts() int64 { return h.nElts }

// Bytes returns the heap's current extent in bytes, block headers included.
func (h *Heap) Bytes() int64 { return h.size }

// MaxSize returns the capacity in bytes this heap may grow to.
func (h *Heap) MaxSize() int64 { return h.maxSize }

// PageSize returns the VM page size the heap was created with.
func (h *Heap) PageSize() int64 { return h.pageSize }
