// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mheap implements a bucketed segregated-fit memory allocator over a
// single contiguous address range.
//
// The terms MUST or MUST NOT, if/where used in the documentation of Heap,
// written in all caps as seen here, are a requirement for any possible
// alternative implementations aiming for compatibility with this one.
//
// Heap arena
//
// A heap arena is a linear, contiguous sequence of blocks. Blocks may be
// either free (currently unused) or allocated (currently used). The arena is
// obtained from the host VM with demand paging where the host supports it, so
// a heap may be created with a capacity far larger than its expected working
// set; only touched pages become resident.
//
// Blocks
//
// A block is an element header immediately followed by a payload. The header
// is one machine word (8 bytes) holding two 32 bit fields:
//
//	+--------------------+--------------------+------- ... -------+
//	| prev word count  F | word count       F |      payload      |
//	+--------------------+--------------------+------- ... -------+
//
// The first field describes the immediately preceding block: its payload size
// in machine words, with the top bit set iff that block is free. The sentinel
// word count 0x7fffffff marks "no previous block" (start of arena). The
// second field describes this block the same way; the sentinel word count
// marks the end cap, a block with no payload terminating the chain. For any
// adjacent pair of blocks the prev field of the right one MUST agree with the
// size and free bit of the left one. A violation means memory corruption and
// is fatal.
//
// Offsets
//
// An offset is the position of a block's payload within the arena, measured
// in bytes. Payloads are word aligned and at least one word long, so a valid
// offset is a nonzero multiple of 8. NoOffset (all ones) refers to no block
// and is the failure value of Alloc.
//
// Free blocks
//
// Free blocks are kept on doubly linked lists threaded through the first
// payload word of each free block: two 32 bit word-offsets {prev, next},
// ^uint32(0) terminating. Lists are segregated into bins by payload size:
// bins 0..31 hold blocks of exactly 1..32 words, the remaining bins are
// power-of-two geometric. A one word bitmap records which bins are non-empty
// so that finding the smallest usable bin is a shift plus a count of trailing
// zeros. No two adjacent blocks are ever both free: deallocation eagerly
// coalesces with free neighbors, and a free block reaching the end cap is
// discarded by truncating the arena instead. Put differently, there MUST NOT
// ever be a free block just before the end cap.
package mheap

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/cznic/mathutil"
)

const (
	wordBytes      = 8
	eltHeaderBytes = wordBytes

	// MinUserDataBytes is the smallest payload a block can carry. It is
	// exactly the room needed by the free list link written into the
	// payload of a free block.
	MinUserDataBytes = wordBytes

	minBlockBytes = eltHeaderBytes + MinUserDataBytes

	log2SmallBins = 5
	smallBins     = 1 << log2SmallBins
	nBins         = 2 * smallBins

	userEnd  = 0x7fffffff // word count sentinel: end cap
	prevNone = 0x7fffffff // word count sentinel: no previous block

	freeBit = uint32(1) << 31
	linkNil = ^uint32(0)

	// DefaultCapacity is the arena size used when a heap is created
	// implicitly on first allocation.
	DefaultCapacity = 64 << 20
)

// NoOffset is returned by Alloc when no block can be produced.
const NoOffset = int64(-1)

var panicHook = func(msg string) { panic(msg) }

// SetPanicHook installs f as the handler invoked on detected heap corruption
// and returns the previous handler. The handler is expected not to return.
func SetPanicHook(f func(msg string)) func(msg string) {
	old := panicHook
	panicHook = f
	return old
}

// ErrINVAL reports invalid arguments.
type ErrINVAL struct {
	Src string
	Val interface{}
}

// Error implements the built in error type.
func (e *ErrINVAL) Error() string { return fmt.Sprintf("%s: %v", e.Src, e.Val) }

// ErrCorrupt reports the first structural invariant found violated by
// Validate together with the offset of the offending block or bin.
type ErrCorrupt struct {
	Check string
	Off   int64
}

// Error implements the built in error type.
func (e *ErrCorrupt) Error() string { return fmt.Sprintf("heap corrupt: %s at %#x", e.Check, e.Off) }

// Heap is a single allocation arena. The zero value is not usable; use New
// or NewWithBacking.
//
// A Heap is not safe for concurrent use unless SetThreadSafe(true) was
// called before it is shared.
type Heap struct {
	mem      []byte
	base     int64 // address of mem[0]
	size     int64 // current extent: payload offset of the end cap
	maxSize  int64
	nElts    int64
	used     int64 // payload bytes of live blocks
	binHead  [nBins]uint32
	nonEmpty uint64
	flags    uint32
	vm       VM
	pageSize int64
	mu       sync.Mutex
	tm       *traceMain
	inTrace  bool
	owned    bool
}

const (
	flagTrace = 1 << iota
	flagNoVM
	flagThreadSafe
)

// New creates a heap backed by capacity bytes of address space obtained from
// the default VM. The space is reserved, not resident; pages become resident
// as allocations touch them.
func New(capacity int64) (*Heap, error) { return NewWithVM(capacity, sysVM{}) }

// NewWithVM is like New but obtains address space from the given VM.
func NewWithVM(capacity int64, vm VM) (*Heap, error) {
	if capacity < minBlockBytes {
		return nil, &ErrINVAL{"mheap.New: capacity out of limits", capacity}
	}

	pg := vm.PageSize()
	capacity = (capacity + pg - 1) &^ (pg - 1)
	b, err := vm.Alloc(capacity)
	if err != nil {
		return nil, err
	}

	h := &Heap{vm: vm, pageSize: pg, owned: true}
	h.init(b)
	return h, nil
}

// NewWithBacking places a heap in the caller owned region b. Page level VM
// hints are disabled for such heaps.
func NewWithBacking(b []byte) (*Heap, error) {
	if len(b) < 4*minBlockBytes {
		return nil, &ErrINVAL{"mheap.NewWithBacking: backing too small", len(b)}
	}

	addr := int64(uintptr(ptr(&b[0])))
	if skew := addr & (wordBytes - 1); skew != 0 {
		b = b[wordBytes-skew:]
	}
	b = b[:len(b)&^(wordBytes-1)]

	h := &Heap{vm: sysVM{}, pageSize: sysVM{}.PageSize(), flags: flagNoVM}
	h.init(b)
	return h, nil
}

func (h *Heap) init(b []byte) {
	h.mem = b
	h.base = int64(uintptr(ptr(&b[0])))
	h.maxSize = int64(len(b))
	for i := range h.binHead {
		h.binHead[i] = linkNil
	}
	// The end cap starts the chain: a header with no payload.
	h.store32(0, prevNone)
	h.store32(4, userEnd)
	h.size = eltHeaderBytes
}

// Close releases the heap's address space. The heap must not be used
// afterwards. Heaps placed in caller owned backing release nothing.
func (h *Heap) Close() error {
	if h.owned {
		h.owned = false
		return h.vm.Free(h.mem)
	}

	return nil
}

// SetThreadSafe toggles serialization of all public operations by a mutex.
// The flag must be set before the heap is shared.
func (h *Heap) SetThreadSafe(on bool) {
	if on {
		h.flags |= flagThreadSafe
	} else {
		h.flags &^= flagThreadSafe
	}
}

func (h *Heap) lock() {
	if h.flags&flagThreadSafe != 0 {
		h.mu.Lock()
	}
}

func (h *Heap) unlock() {
	if h.flags&flagThreadSafe != 0 {
		h.mu.Unlock()
	}
}

// ---------------------------------------------------------------- accessors

func (h *Heap) load32(off int64) uint32  { return *(*uint32)(ptr(&h.mem[off])) }
func (h *Heap) store32(off int64, v uint32) { *(*uint32)(ptr(&h.mem[off])) = v }

func (h *Heap) userWords(o int64) int64 { return int64(h.load32(o-4) &^ freeBit) }
func (h *Heap) isFreeBlk(o int64) bool  { return h.load32(o-4)&freeBit != 0 }
func (h *Heap) isEndCap(o int64) bool   { return h.load32(o-4) == userEnd }

func (h *Heap) prevWords(o int64) int64 { return int64(h.load32(o-8) &^ freeBit) }
func (h *Heap) prevIsFree(o int64) bool { return h.load32(o-8)&freeBit != 0 }

func (h *Heap) setUser(o, words int64, free bool) {
	v := uint32(words)
	if free {
		v |= freeBit
	}
	h.store32(o-4, v)
}

func (h *Heap) setPrev(o, words int64, free bool) {
	v := uint32(words)
	if free {
		v |= freeBit
	}
	h.store32(o-8, v)
}

func (h *Heap) setEndCap(o int64) { h.store32(o-4, userEnd) }

// binOfWords maps a payload word count to its size class.
func binOfWords(n int64) int {
	if n <= smallBins {
		return int(n) - 1
	}

	b := smallBins + mathutil.BitLen(int(n-1)) - (log2SmallBins + 1)
	if b >= nBins {
		b = nBins - 1
	}
	return b
}

func ceilPow2(n int64) int64 {
	if n&(n-1) == 0 {
		return n
	}

	return 1 << uint(mathutil.BitLen(int(n)))
}

// ---------------------------------------------------------------- free lists

func (h *Heap) pushFree(o, words int64) {
	b := binOfWords(words)
	old := h.binHead[b]
	h.store32(o, linkNil)
	h.store32(o+4, old)
	if old != linkNil {
		h.store32(int64(old)*wordBytes, uint32(o/wordBytes))
	}
	h.binHead[b] = uint32(o / wordBytes)
	h.nonEmpty |= 1 << uint(b)
}

func (h *Heap) unlinkFree(o int64) {
	b := binOfWords(h.userWords(o))
	lp, ln := h.load32(o), h.load32(o+4)
	switch {
	case lp == linkNil:
		h.binHead[b] = ln
		if ln == linkNil {
			h.nonEmpty &^= 1 << uint(b)
		} else {
			h.store32(int64(ln)*wordBytes, linkNil)
		}
	default:
		h.store32(int64(lp)*wordBytes+4, ln)
		if ln != linkNil {
			h.store32(int64(ln)*wordBytes, lp)
		}
	}
}

// ---------------------------------------------------------------- allocation

// Alloc returns the offset of a block whose payload is at least size bytes,
// such that the address at offset+alignOffset is congruent to 0 modulo align.
// align is rounded up to a power of two of at least one word; alignOffset is
// reduced modulo align and must be a multiple of one word. size is rounded up
// to a whole number of words, at least MinUserDataBytes.
//
// On failure Alloc returns NoOffset and the heap is unchanged.
func (h *Heap) Alloc(size, align, alignOffset int64) int64 {
	h.lock()
	defer h.unlock()

	if size <= 0 {
		size = 1
	}
	size = (size + wordBytes - 1) &^ (wordBytes - 1)
	if size/wordBytes >= userEnd {
		// Would not fit the header's word count field.
		return NoOffset
	}

	if align <= wordBytes {
		align = wordBytes
	} else {
		align = ceilPow2(align)
	}

	alignOffset &= align - 1
	if alignOffset&(wordBytes-1) != 0 {
		return NoOffset
	}

	off := h.searchFreeLists(size, align, alignOffset)
	if off == NoOffset {
		off = h.extend(size, align, alignOffset)
	}
	if off == NoOffset {
		return NoOffset
	}

	h.nElts++
	if h.flags&flagTrace != 0 && !h.inTrace {
		h.getTrace(off, h.userWords(off)*wordBytes)
	}
	return off
}

func (h *Heap) searchFreeLists(size, align, alignOffset int64) int64 {
	b := binOfWords(size / wordBytes)
	for b < nBins {
		m := h.nonEmpty >> uint(b)
		if m == 0 {
			return NoOffset
		}

		b += bits.TrailingZeros64(m)
		for fo := h.binHead[b]; fo != linkNil; {
			f0 := int64(fo) * wordBytes
			fo = h.load32(f0 + 4)
			fw := h.userWords(f0)
			if fw*wordBytes < size {
				continue
			}

			f1 := f0 + fw*wordBytes
			o0, ok := h.place(f0, f1, size, align, alignOffset)
			if !ok {
				continue
			}

			return h.carve(f0, f1, o0, size)
		}
		b++
	}
	return NoOffset
}

// place computes a payload position for a size byte object toward the end of
// the free payload range [f0, f1), honoring alignment and leaving
// either no leading fragment or one big enough to form a valid free block.
func (h *Heap) place(f0, f1, size, align, alignOffset int64) (o0 int64, ok bool) {
	o0 = (h.base+f1-size)&^(align-1) - alignOffset - h.base
	for o0 < f0 {
		o0 += align
	}
	if frag := o0 - f0; frag > 0 && frag < minBlockBytes {
		o0 += (minBlockBytes + align - 1) &^ (align - 1)
	}
	return o0, o0 >= f0 && o0+size <= f1
}

// carve removes the free block with payload [f0, f1) from its bin, places an
// allocated block of size bytes at o0 and returns fragments, if any, to their
// bins. A trailing fragment below the minimum block size is absorbed into the
// allocation.
func (h *Heap) carve(f0, f1, o0, size int64) int64 {
	h.unlinkFree(f0)

	o1 := o0 + size
	if trail := f1 - o1; trail > 0 && trail < minBlockBytes {
		size += trail
		o1 = f1
	}

	if o0 > f0 {
		lw := (o0 - eltHeaderBytes - f0) / wordBytes
		h.setUser(f0, lw, true)
		h.setPrev(o0, lw, true)
		h.pushFree(f0, lw)
	}

	cw := size / wordBytes
	h.setUser(o0, cw, false)
	switch {
	case o1 < f1:
		to := o1 + eltHeaderBytes
		tw := (f1 - to) / wordBytes
		h.setPrev(to, cw, false)
		h.setUser(to, tw, true)
		h.setPrev(f1+eltHeaderBytes, tw, true)
		h.pushFree(to, tw)
	default:
		h.setPrev(f1+eltHeaderBytes, cw, false)
	}
	h.used += cw * wordBytes
	return o0
}

// extend moves the end cap forward to make room for a new block of size
// bytes, mapping any newly spanned pages.
func (h *Heap) extend(size, align, alignOffset int64) int64 {
	e := h.size
	o0 := (h.base+e+alignOffset+align-1)&^(align-1) - alignOffset - h.base
	for {
		gap := o0 - e
		if gap == 0 || gap >= minBlockBytes {
			break
		}
		o0 += align
	}

	o1 := o0 + size
	newSize := o1 + eltHeaderBytes
	if newSize > h.maxSize {
		return NoOffset
	}

	h.vmMap(e-eltHeaderBytes, newSize)

	if gap := o0 - e; gap > 0 {
		gw := (gap - eltHeaderBytes) / wordBytes
		h.setUser(e, gw, true)
		h.setPrev(o0, gw, true)
		h.pushFree(e, gw)
	}

	cw := size / wordBytes
	h.setUser(o0, cw, false)
	h.setPrev(newSize, cw, false)
	h.setEndCap(newSize)
	h.size = newSize
	h.used += cw * wordBytes
	return o0
}

// ---------------------------------------------------------------- free

// Free deallocates the block at off. The block must be live and off must
// have been returned by a previous Alloc; a double free or a free of an
// offset not at block granularity is fatal.
func (h *Heap) Free(off int64) {
	h.lock()
	defer h.unlock()

	h.checkLive(off, "Free")
	w := h.userWords(off)
	if h.flags&flagTrace != 0 && !h.inTrace {
		h.putTrace(off, w*wordBytes)
	}
	h.nElts--
	h.used -= w * wordBytes

	start := off
	if h.prevIsFree(off) {
		start = off - eltHeaderBytes - h.prevWords(off)*wordBytes
		h.unlinkFree(start)
	}

	end := off + w*wordBytes
	next := end + eltHeaderBytes
	if !h.isEndCap(next) && h.isFreeBlk(next) {
		h.unlinkFree(next)
		end = next + h.userWords(next)*wordBytes
		next = end + eltHeaderBytes
	}

	if h.isEndCap(next) {
		// The combined region reaches the end cap: shrink the heap
		// instead of keeping a trailing free block.
		old := h.size
		h.setEndCap(start)
		h.size = start
		h.vmRelease(start, old)
		return
	}

	cw := (end - start) / wordBytes
	h.setUser(start, cw, true)
	h.setPrev(next, cw, true)
	h.pushFree(start, cw)
	h.vmRelease(start+wordBytes, end)
}

func (h *Heap) checkLive(off int64, src string) {
	if off&(wordBytes-1) != 0 || off < eltHeaderBytes || off >= h.size {
		panicHook(fmt.Sprintf("mheap: %s: offset %#x outside heap", src, off))
	}

	u := h.load32(off - 4)
	if u == userEnd || u&freeBit != 0 {
		panicHook(fmt.Sprintf("mheap: %s: block at offset %#x is not live", src, off))
	}

	w := int64(u &^ freeBit)
	next := off + w*wordBytes + eltHeaderBytes
	if next > h.size {
		panicHook(fmt.Sprintf("mheap: %s: block at offset %#x overruns heap", src, off))
	}

	if p := h.load32(next - 8); int64(p&^freeBit) != w || p&freeBit != 0 {
		panicHook(fmt.Sprintf("mheap: %s: forward/backward mismatch at offset %#x", src, off))
	}
}

// DataBytes returns the payload byte count of the live block at off. It must
// not be called with the offset of a free block.
func (h *Heap) DataBytes(off int64) int64 {
	h.lock()
	defer h.unlock()

	h.checkLive(off, "DataBytes")
	return h.userWords(off) * wordBytes
}

// IsHeapOffset reports whether off refers to a live block of this heap. The
// check is best effort: it validates block granularity, bounds and the
// forward/backward header redundancy.
func (h *Heap) IsHeapOffset(off int64) bool {
	h.lock()
	defer h.unlock()

	return h.isLive(off)
}

func (h *Heap) isLive(off int64) bool {
	if off&(wordBytes-1) != 0 || off < eltHeaderBytes || off >= h.size {
		return false
	}

	u := h.load32(off - 4)
	if u == userEnd || u&freeBit != 0 {
		return false
	}

	w := int64(u &^ freeBit)
	if w < 1 {
		return false
	}

	next := off + w*wordBytes + eltHeaderBytes
	if next > h.size {
		return false
	}

	p := h.load32(next - 8)
	return int64(p&^freeBit) == w && p&freeBit == 0
}

// ---------------------------------------------------------------- iteration

// ForEach calls fn with the offset and payload size of every live block, in
// address order, until fn returns false. fn must not allocate from or free
// into the heap being iterated.
func (h *Heap) ForEach(fn func(off, size int64) bool) {
	h.lock()
	defer h.unlock()

	for o := int64(eltHeaderBytes); o < h.size; {
		u := h.load32(o - 4)
		if u == userEnd {
			break
		}

		w := int64(u &^ freeBit)
		if u&freeBit == 0 && !fn(o, w*wordBytes) {
			break
		}

		o += w*wordBytes + eltHeaderBytes
	}
}

// ---------------------------------------------------------------- validate

// Validate performs a full structural check of the heap and returns a
// *ErrCorrupt describing the first violated invariant, if any.
func (h *Heap) Validate() error {
	h.lock()
	defer h.unlock()

	onList := map[int64]int{}
	for b := 0; b < nBins; b++ {
		if got, want := h.binHead[b] != linkNil, h.nonEmpty&(1<<uint(b)) != 0; got != want {
			return &ErrCorrupt{"bin bitmap disagrees with bin head", int64(b)}
		}

		prev := linkNil
		for fo := h.binHead[b]; fo != linkNil; {
			o := int64(fo) * wordBytes
			if o < eltHeaderBytes || o >= h.size {
				return &ErrCorrupt{"free list entry outside heap", o}
			}

			if !h.isFreeBlk(o) || h.isEndCap(o) {
				return &ErrCorrupt{"free list entry not a free block", o}
			}

			if binOfWords(h.userWords(o)) != b {
				return &ErrCorrupt{"free block on wrong bin", o}
			}

			if h.load32(o) != prev {
				return &ErrCorrupt{"free list chaining broken", o}
			}

			if _, ok := onList[o]; ok {
				return &ErrCorrupt{"free block on two lists", o}
			}

			onList[o] = b
			prev = fo
			fo = h.load32(o + 4)
		}
	}

	var liveCount, liveBytes int64
	freeSeen := 0
	first := true
	var prevW int64
	var prevFree bool
	for o := int64(eltHeaderBytes); ; {
		if o > h.size {
			return &ErrCorrupt{"block chain overruns heap", o}
		}

		p, u := h.load32(o-8), h.load32(o-4)
		switch {
		case first:
			if p != prevNone {
				return &ErrCorrupt{"first block has a previous block", o}
			}
		default:
			if int64(p&^freeBit) != prevW || (p&freeBit != 0) != prevFree {
				return &ErrCorrupt{"forward/backward mismatch", o}
			}
		}

		if u == userEnd {
			if o != h.size {
				return &ErrCorrupt{"end cap not at heap end", o}
			}
			break
		}

		w := int64(u &^ freeBit)
		free := u&freeBit != 0
		if w < 1 {
			return &ErrCorrupt{"payload below minimum", o}
		}

		if free {
			if prevFree {
				return &ErrCorrupt{"adjacent free blocks", o}
			}

			if _, ok := onList[o]; !ok {
				return &ErrCorrupt{"free block on no list", o}
			}

			freeSeen++
		} else {
			liveCount++
			liveBytes += w * wordBytes
		}

		prevW, prevFree, first = w, free, false
		o += w*wordBytes + eltHeaderBytes
	}

	if freeSeen != len(onList) {
		return &ErrCorrupt{"lost free block", int64(freeSeen)}
	}

	if liveCount != h.nElts {
		return &ErrCorrupt{"element count mismatch", liveCount}
	}

	if liveBytes != h.used {
		return &ErrCorrupt{"used byte count mismatch", liveBytes}
	}

	return nil
}

// ---------------------------------------------------------------- VM hints

func (h *Heap) pageRound(n int64) int64 { return (n + h.pageSize - 1) &^ (h.pageSize - 1) }
func (h *Heap) pageTrunc(n int64) int64 { return n &^ (h.pageSize - 1) }

func (h *Heap) vmMap(lo, hi int64) {
	if h.flags&flagNoVM != 0 {
		return
	}

	lo, hi = h.pageTrunc(lo), h.pageRound(hi)
	if hi > lo {
		h.vm.Map(h.mem[lo:hi])
	}
}

// vmRelease hints the VM that the pages fully inside [lo, hi) may be
// reclaimed. Best effort; no observable semantics beyond resident set
// reduction.
func (h *Heap) vmRelease(lo, hi int64) {
	if h.flags&flagNoVM != 0 {
		return
	}

	lo, hi = h.pageRound(lo), h.pageTrunc(hi)
	if hi > lo {
		h.vm.Unmap(h.mem[lo:hi])
	}
}
