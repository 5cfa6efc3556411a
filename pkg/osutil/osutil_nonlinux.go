// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || darwin

package osutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// RaiseSignal delivers sig to the current process.
func RaiseSignal(sig syscall.Signal) error {
	return unix.Kill(unix.Getpid(), sig)
}
