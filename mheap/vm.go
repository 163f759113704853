// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mheap

import (
	"os"
)

// VM abstracts the host virtual memory collaborator a heap obtains its
// address space from. On hosts without per page mapping, Map and Unmap are
// no-ops and Alloc over-commits.
type VM interface {
	// Alloc reserves size bytes of address space with read/write
	// permission. The region need not be resident.
	Alloc(size int64) ([]byte, error)

	// Free releases a region obtained from Alloc.
	Free(b []byte) error

	// Map makes b backed. A no-op where reservations page in on demand.
	Map(b []byte) error

	// Unmap hints that b's backing may be released. The region stays
	// addressable; re-touching it pages in zero filled memory.
	Unmap(b []byte) error

	// PageSize returns the host page granularity.
	PageSize() int64
}

// sysVM is the default VM backed by the host's anonymous memory mappings.
type sysVM struct{}

func (sysVM) Alloc(size int64) ([]byte, error) { return mmap(size) }
func (sysVM) Free(b []byte) error              { return munmap(b) }
func (sysVM) Map(b []byte) error               { return nil }
func (sysVM) Unmap(b []byte) error             { return release(b) }
func (sysVM) PageSize() int64                  { return int64(os.Getpagesize()) }
