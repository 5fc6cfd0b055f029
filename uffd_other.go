// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package farmalloc

// userfaultfd is Linux-only; elsewhere the bridge keeps installed regions
// resident and the store copies at SwitchMode are the whole protocol.

func uffdSupported() bool { return false }

func uffdInstall(r *pagedRegion) error { return nil }

func uffdUninstall(r *pagedRegion) {}
