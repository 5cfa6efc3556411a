// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

// RaiseSignal delivers sig to the calling thread. The signal takes effect before
// RaiseSignal returns: a stop signal suspends the process, a fatal one kills it.
// A process-directed kill may be handled by another thread while the caller keeps running.
func RaiseSignal(sig syscall.Signal) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return unix.Tgkill(unix.Getpid(), unix.Gettid(), sig)
}
