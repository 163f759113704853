// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mheap

import (
	"fmt"
	"math"
	"os"
	"path"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

func caller(s string, va ...interface{}) {
	if s == "" {
		s = strings.Repeat("%v ", len(va))
	}
	_, fn, fl, _ := runtime.Caller(2)
	fmt.Fprintf(os.Stderr, "# caller: %s:%d: ", path.Base(fn), fl)
	fmt.Fprintf(os.Stderr, s, va...)
	fmt.Fprintln(os.Stderr)
}

func dbg(s string, va ...interface{}) {
	if s == "" {
		s = strings.Repeat("%v ", len(va))
	}
	_, fn, fl, _ := runtime.Caller(1)
	fmt.Fprintf(os.Stderr, "# dbg %s:%d: ", path.Base(fn), fl)
	fmt.Fprintf(os.Stderr, s, va...)
	fmt.Fprintln(os.Stderr)
}

func use(...interface{}) {}

func init() { use(caller, dbg) }

// ============================================================================

func newHeap(t testing.TB, capacity int64) *Heap {
	h, err := New(capacity)
	if err != nil {
		t.Fatal(err)
	}

	return h
}

func validate(t *testing.T, h *Heap) {
	t.Helper()
	if err := h.Validate(); err != nil {
		t.Fatal(err)
	}
}

// freeBlocks walks the block chain and returns the offsets of free blocks in
// address order.
func freeBlocks(h *Heap) (r []int64) {
	for o := int64(eltHeaderBytes); o < h.size; {
		u := h.load32(o - 4)
		if u == userEnd {
			break
		}

		w := int64(u &^ freeBit)
		if u&freeBit != 0 {
			r = append(r, o)
		}
		o += w*wordBytes + eltHeaderBytes
	}
	return
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	sizes := []int64{24, 56, 104, 1000, 40000}
	var offs []int64
	for _, n := range sizes {
		off := h.Alloc(n, 0, 0)
		if off == NoOffset {
			t.Fatalf("Alloc(%d) failed", n)
		}

		offs = append(offs, off)
		validate(t, h)
	}

	for _, off := range offs {
		if got, want := h.DataBytes(off), int64(0); got < want {
			t.Fatal(got, want)
		}
	}

	for i := len(offs) - 1; i >= 0; i-- {
		h.Free(offs[i])
		validate(t, h)
	}

	var u Usage
	h.QueryUsage(&u)
	if u.BytesUsed != 0 || u.ObjectCount != 0 {
		t.Fatalf("%+v", u)
	}
}

func TestSizeRoundTrip(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	for _, n := range []int64{1, 7, 8, 9, 24, 56, 100, 1000, 4097} {
		off := h.Alloc(n, 0, 0)
		if off == NoOffset {
			t.Fatal(n)
		}

		want := (n + wordBytes - 1) &^ (wordBytes - 1)
		if want < MinUserDataBytes {
			want = MinUserDataBytes
		}
		if got := h.DataBytes(off); got != want {
			t.Fatalf("size %d: got %d, want %d", n, got, want)
		}
	}
	validate(t, h)
}

func TestAlignedAlloc(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	off := h.Alloc(48, 64, 16)
	if off == NoOffset {
		t.Fatal("Alloc failed")
	}

	if a := int64(uintptr(h.Pointer(off))); (a+16)%64 != 0 {
		t.Fatalf("misaligned: %#x", a)
	}

	validate(t, h)
	h.Free(off)
	validate(t, h)
}

func TestAlignmentLaw(t *testing.T) {
	h := newHeap(t, 4<<20)
	defer h.Close()

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}

	rng.Seed(42)
	type arq struct {
		off               int64
		size, align, aoff int64
	}
	var a []arq
	for i := 0; i < 500; i++ {
		size := int64(rng.Next()%1000 + 1)
		align := int64(1) << uint(rng.Next()%8) * 8 // 8 .. 1024
		aoff := int64(rng.Next()%4) * 8
		off := h.Alloc(size, align, aoff)
		if off == NoOffset {
			t.Fatal(i)
		}

		aoff %= align
		if addr := int64(uintptr(h.Pointer(off))); (addr+aoff)%align != 0 {
			t.Fatalf("%d: addr %#x align %d aoff %d", i, addr, align, aoff)
		}

		a = append(a, arq{off, size, align, aoff})
		if i%50 == 0 {
			validate(t, h)
		}
	}
	validate(t, h)

	// Shuffle and free.
	for i := range a {
		j := rng.Next() % len(a)
		a[i], a[j] = a[j], a[i]
	}
	for _, q := range a {
		h.Free(q.off)
	}
	validate(t, h)
	if h.Elts() != 0 || h.used != 0 {
		t.Fatalf("elts %d used %d", h.Elts(), h.used)
	}
}

func TestInvalidArgs(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	// align offset not a multiple of the minimum payload alignment
	if off := h.Alloc(100, 64, 4); off != NoOffset {
		t.Fatal(off)
	}

	// over capacity
	if off := h.Alloc(2<<20, 0, 0); off != NoOffset {
		t.Fatal(off)
	}

	validate(t, h)
	if h.Elts() != 0 {
		t.Fatal(h.Elts())
	}
}

func TestCoalesce(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	var offs []int64
	for i := 0; i < 10; i++ {
		off := h.Alloc(200, 0, 0)
		if off == NoOffset {
			t.Fatal(i)
		}

		offs = append(offs, off)
	}
	// Guard block so that freeing block 9 cannot truncate the heap.
	guard := h.Alloc(64, 0, 0)

	for _, i := range []int{1, 3, 5, 7, 9} {
		h.Free(offs[i])
		validate(t, h)
	}
	if got := freeBlocks(h); len(got) != 5 {
		t.Fatalf("free blocks %v", got)
	}

	for _, i := range []int{2, 4, 6, 8} {
		h.Free(offs[i])
		validate(t, h)
	}
	fb := freeBlocks(h)
	if len(fb) != 1 {
		t.Fatalf("free blocks %v", fb)
	}

	// The single free block covers blocks 1 through 9, headers included.
	if want := offs[9] + 200 - offs[1]; h.userWords(fb[0])*wordBytes != want {
		t.Fatalf("got %d, want %d", h.userWords(fb[0])*wordBytes, want)
	}

	h.Free(offs[0])
	h.Free(guard)
	validate(t, h)
	if h.used != 0 {
		t.Fatal(h.used)
	}
}

func TestIdempotentFree(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	before := h.used
	for i := 0; i < 2; i++ {
		off := h.Alloc(100, 0, 0)
		h.Free(off)
	}
	if h.used != before {
		t.Fatal(h.used, before)
	}
	validate(t, h)
}

func TestTruncateOnTailFree(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	off := h.Alloc(100000, 0, 0)
	if off == NoOffset {
		t.Fatal("Alloc failed")
	}

	h.Free(off)
	validate(t, h)
	if h.Bytes() != eltHeaderBytes {
		t.Fatal(h.Bytes())
	}
}

func TestChurn(t *testing.T) {
	h := newHeap(t, 16<<20)
	defer h.Close()

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		t.Fatal(err)
	}

	rng.Seed(42)
	var live []int64
	for op := 0; op < 10000; op++ {
		switch {
		case len(live) == 0 || rng.Next()%3 != 0:
			size := int64(rng.Next()%2048 + 1)
			off := h.Alloc(size, 0, 0)
			if off == NoOffset {
				t.Fatal(op)
			}

			live = append(live, off)
		default:
			i := rng.Next() % len(live)
			h.Free(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if op%97 == 0 {
			validate(t, h)
		}
	}
	validate(t, h)

	if got := h.Elts(); got != int64(len(live)) {
		t.Fatal(got, len(live))
	}

	for _, off := range live {
		h.Free(off)
	}
	validate(t, h)
	if h.Elts() != 0 || h.used != 0 || h.Bytes() != eltHeaderBytes {
		t.Fatalf("elts %d used %d bytes %d", h.Elts(), h.used, h.Bytes())
	}
}

func TestForEach(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	want := map[int64]int64{}
	for i := 0; i < 20; i++ {
		off := h.Alloc(int64(8*(i+1)), 0, 0)
		want[off] = int64(8 * (i + 1))
	}
	for off := range want {
		if len(want)%3 == 0 {
			break
		}

		h.Free(off)
		delete(want, off)
	}

	got := map[int64]int64{}
	h.ForEach(func(off, size int64) bool {
		if _, ok := got[off]; ok {
			t.Fatal("block visited twice", off)
		}

		got[off] = size
		return true
	})
	if len(got) != len(want) {
		t.Fatal(len(got), len(want))
	}

	for off, size := range want {
		if got[off] != size {
			t.Fatal(off, got[off], size)
		}
	}
}

func TestForEachStops(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	for i := 0; i < 10; i++ {
		h.Alloc(64, 0, 0)
	}
	n := 0
	h.ForEach(func(off, size int64) bool {
		n++
		return n < 3
	})
	if n != 3 {
		t.Fatal(n)
	}
}

func TestIsHeapOffset(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	off := h.Alloc(100, 0, 0)
	if !h.IsHeapOffset(off) {
		t.Fatal(off)
	}

	if h.IsHeapOffset(off + 8) {
		t.Fatal("interior offset accepted")
	}

	if h.IsHeapOffset(-1) || h.IsHeapOffset(h.Bytes()+8) {
		t.Fatal("out of range offset accepted")
	}

	p := h.Pointer(off)
	if got, ok := h.OffsetOf(p); !ok || got != off {
		t.Fatal(got, ok)
	}

	var x int64
	if _, ok := h.OffsetOf(unsafe.Pointer(&x)); ok {
		t.Fatal("foreign pointer accepted")
	}

	h.Free(off)
	if h.IsHeapOffset(off) {
		t.Fatal("free block accepted")
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	off := h.Alloc(100, 0, 0)
	h.Free(off)

	defer func() {
		if recover() == nil {
			t.Fatal("double free not detected")
		}
	}()
	h.Free(off)
}

func TestTrace(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	h.Trace(true)
	var offs []int64
	for i := 0; i < 10; i++ {
		offs = append(offs, h.Alloc(128, 0, 0))
	}
	rep := h.TraceReport()
	if len(rep) == 0 {
		t.Fatal("empty report")
	}

	var total, bytes int64
	for _, e := range rep {
		total += e.Allocations
		bytes += e.Bytes
	}
	if total != 10 || bytes != 10*128 {
		t.Fatal(total, bytes)
	}

	if s := FormatTraces(rep); !strings.Contains(s, "Traceback") {
		t.Fatal(s)
	}

	for _, off := range offs {
		h.Free(off)
	}
	if rep = h.TraceReport(); len(rep) != 0 {
		t.Fatalf("%v", rep)
	}

	h.Trace(false)
}

func TestBacking(t *testing.T) {
	buf := make([]byte, 64<<10)
	h, err := NewWithBacking(buf)
	if err != nil {
		t.Fatal(err)
	}

	var offs []int64
	for i := 0; i < 50; i++ {
		off := h.Alloc(512, 0, 0)
		if off == NoOffset {
			t.Fatal(i)
		}

		offs = append(offs, off)
	}
	validate(t, h)
	for _, off := range offs {
		h.Free(off)
	}
	validate(t, h)
	if h.used != 0 {
		t.Fatal(h.used)
	}
}

func TestThreadSafe(t *testing.T) {
	h := newHeap(t, 8<<20)
	defer h.Close()

	h.SetThreadSafe(true)
	done := make(chan []int64)
	for g := 0; g < 4; g++ {
		go func() {
			var offs []int64
			for i := 0; i < 200; i++ {
				if off := h.Alloc(64, 0, 0); off != NoOffset {
					offs = append(offs, off)
				}
			}
			done <- offs
		}()
	}
	var all []int64
	for g := 0; g < 4; g++ {
		all = append(all, <-done...)
	}
	validate(t, h)
	for _, off := range all {
		h.Free(off)
	}
	validate(t, h)
	if h.Elts() != 0 {
		t.Fatal(h.Elts())
	}
}

func TestUsageString(t *testing.T) {
	h := newHeap(t, 1<<20)
	defer h.Close()

	h.Alloc(4096, 0, 0)
	if s := h.String(); !strings.Contains(s, "objects") {
		t.Fatal(s)
	}
}

func BenchmarkAlloc64(b *testing.B) {
	h := newHeap(b, 1<<30)
	defer h.Close()

	offs := make([]int64, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offs[i] = h.Alloc(64, 0, 0)
	}
	b.StopTimer()
	for _, off := range offs {
		if off != NoOffset {
			h.Free(off)
		}
	}
}

func BenchmarkFree64(b *testing.B) {
	h := newHeap(b, 1<<30)
	defer h.Close()

	offs := make([]int64, b.N)
	for i := 0; i < b.N; i++ {
		offs[i] = h.Alloc(64, 0, 0)
	}
	b.ResetTimer()
	for i := len(offs) - 1; i >= 0; i-- {
		h.Free(offs[i])
	}
}
