// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mheap

import (
	"fmt"
)

// Usage is a snapshot of a heap's accounting.
type Usage struct {
	ObjectCount    int64
	BytesTotal     int64 // current extent, headers included
	BytesUsed      int64 // payload bytes of live blocks
	BytesFree      int64 // payload bytes of free blocks
	BytesOverhead  int64 // block headers and the end cap
	BytesReclaimed int64 // free payload bytes coverable by whole pages
	BytesMax       int64
}

// QueryUsage fills u with the heap's current accounting.
func (h *Heap) QueryUsage(u *Usage) {
	h.lock()
	defer h.unlock()

	*u = Usage{
		ObjectCount: h.nElts,
		BytesTotal:  h.size,
		BytesUsed:   h.used,
		BytesMax:    h.maxSize,
	}
	for o := int64(eltHeaderBytes); o < h.size; {
		v := h.load32(o - 4)
		if v == userEnd {
			break
		}

		w := int64(v &^ freeBit)
		if v&freeBit != 0 {
			u.BytesFree += w * wordBytes
			lo, hi := h.pageRound(o+wordBytes), h.pageTrunc(o+w*wordBytes)
			if hi > lo {
				u.BytesReclaimed += hi - lo
			}
		}
		o += w*wordBytes + eltHeaderBytes
	}
	u.BytesOverhead = u.BytesTotal - u.BytesUsed - u.BytesFree
}

func formatByteCount(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d", n)
	}

	return fmt.Sprintf("%dk", n/1024)
}

// String renders a one line human readable usage summary.
func (h *Heap) String() string {
	var u Usage
	h.QueryUsage(&u)
	s := fmt.Sprintf("%6d objects, %s of %s used, %s free, %s reclaimed, %s overhead",
		u.ObjectCount,
		formatByteCount(u.BytesUsed),
		formatByteCount(u.BytesTotal),
		formatByteCount(u.BytesFree),
		formatByteCount(u.BytesReclaimed),
		formatByteCount(u.BytesOverhead),
	)
	return s + fmt.Sprintf(", %s capacity", formatByteCount(u.BytesMax))
}
