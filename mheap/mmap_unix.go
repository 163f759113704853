// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package mheap

import (
	"golang.org/x/sys/unix"
)

// mmap reserves size bytes of anonymous address space. MAP_NORESERVE makes
// the reservation lazy: pages become resident on first touch.
func mmap(size int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func munmap(b []byte) error { return unix.Munmap(b) }

// release drops the backing of b while keeping the range addressable.
func release(b []byte) error { return unix.Madvise(b, unix.MADV_DONTNEED) }
