// Copyright 2014 The clib Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package mheap

// Hosts without usable anonymous mappings get plain Go allocated arenas and
// no page level hints.

func mmap(size int64) ([]byte, error) { return make([]byte, size), nil }

func munmap(b []byte) error { return nil }

func release(b []byte) error { return nil }
