// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Leak tracing. When enabled, every allocation captures a call site
// backtrace and accumulates per unique backtrace counters which are
// decremented again on free. What remains is what leaked.

package mheap

import (
	"fmt"
	"runtime"
	"sort"
)

// TraceFrames is the number of backtrace frames a trace entry records.
const TraceFrames = 12

// TraceEntry accumulates the allocations attributed to one backtrace.
type TraceEntry struct {
	Callers      [TraceFrames]uintptr
	Allocations  int64
	Bytes        int64
	SampleOffset int64 // offset of one block allocated here
}

type traceMain struct {
	byCallers map[[TraceFrames]uintptr]*TraceEntry
	byOffset  map[int64]*TraceEntry
}

// Trace toggles leak tracing. Disabling discards all accumulated traces.
func (h *Heap) Trace(enable bool) {
	h.lock()
	defer h.unlock()

	switch {
	case enable:
		if h.tm == nil {
			h.tm = &traceMain{
				byCallers: map[[TraceFrames]uintptr]*TraceEntry{},
				byOffset:  map[int64]*TraceEntry{},
			}
		}
		h.flags |= flagTrace
	default:
		h.tm = nil
		h.flags &^= flagTrace
	}
}

func (h *Heap) getTrace(off, size int64) {
	h.inTrace = true
	defer func() { h.inTrace = false }()

	var pcs [TraceFrames]uintptr
	// Skip runtime.Callers, getTrace and Alloc.
	if runtime.Callers(3, pcs[:]) == 0 {
		return
	}

	t := h.tm.byCallers[pcs]
	if t == nil {
		t = &TraceEntry{Callers: pcs}
		h.tm.byCallers[pcs] = t
	}
	t.Allocations++
	t.Bytes += size
	t.SampleOffset = off
	h.tm.byOffset[off] = t
}

func (h *Heap) putTrace(off, size int64) {
	t := h.tm.byOffset[off]
	if t == nil {
		return
	}

	delete(h.tm.byOffset, off)
	t.Allocations--
	t.Bytes -= size
	if t.Allocations == 0 {
		delete(h.tm.byCallers, t.Callers)
	}
}

type tracesByBytes []TraceEntry

func (t tracesByBytes) Len() int      { return len(t) }
func (t tracesByBytes) Swap(i, j int) { t[i], t[j] = t[j], t[i] }
func (t tracesByBytes) Less(i, j int) bool {
	if t[i].Bytes != t[j].Bytes {
		return t[i].Bytes > t[j].Bytes
	}

	return t[i].Allocations > t[j].Allocations
}

// TraceReport returns the outstanding allocations grouped by backtrace,
// sorted by byte count descending. It returns nil when tracing is off.
func (h *Heap) TraceReport() []TraceEntry {
	h.lock()
	defer h.unlock()

	if h.tm == nil {
		return nil
	}

	r := make(tracesByBytes, 0, len(h.tm.byCallers))
	for _, t := range h.tm.byCallers {
		if t.Allocations != 0 {
			r = append(r, *t)
		}
	}
	sort.Sort(r)
	return r
}

// FormatTraces renders a trace report in the manner of the heap usage dump:
// one line of counters per backtrace followed by the symbolized frames.
func FormatTraces(report []TraceEntry) string {
	if len(report) == 0 {
		return ""
	}

	s := fmt.Sprintf("%9s%9s Traceback\n", "Bytes", "Count")
	for _, t := range report {
		s += fmt.Sprintf("%9d%9d", t.Bytes, t.Allocations)
		frames := runtime.CallersFrames(callers(t))
		for {
			f, more := frames.Next()
			s += fmt.Sprintf(" %s:%d\n", f.Function, f.Line)
			if !more {
				break
			}
			s += fmt.Sprintf("%18s", "")
		}
	}
	return s
}

func callers(t TraceEntry) []uintptr {
	n := 0
	for n < TraceFrames && t.Callers[n] != 0 {
		n++
	}
	return t.Callers[:n]
}
