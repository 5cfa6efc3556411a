// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"fmt"
	"runtime/debug"
	"syscall"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/stat"
)

// CrashBridge turns uncaught errors of the fuzzed program into a signal,
// which is what the controller classifies as a crash.
type CrashBridge struct {
	Signal syscall.Signal
	raise  func(sig syscall.Signal) error
}

var statCrashes = stat.New("crashes", "Uncaught errors converted to the crash signal",
	stat.Console, stat.Prometheus("afltrace_crashes"))

func NewCrashBridge(sig syscall.Signal) *CrashBridge {
	return &CrashBridge{
		Signal: sig,
		raise:  osutil.RaiseSignal,
	}
}

// Install registers the bridge as the engine's uncaught error hook.
// It also makes the Go runtime die from SIGABRT on fatal errors and unrecovered
// panics, instead of exiting with status 2 which the controller treats as a normal exit.
func (b *CrashBridge) Install(eng engine.Engine) {
	debug.SetTraceback("crash")
	eng.SetUncaughtHook(b.Crash)
}

// Crash raises the crash signal on the current process.
func (b *CrashBridge) Crash(err error) {
	statCrashes.Add(1)
	log.Logf(0, "uncaught error: %v, raising %v", err, b.Signal)
	if err := b.raise(b.Signal); err != nil {
		log.Errorf("failed to raise %v: %v", b.Signal, err)
	}
}

// Recover is meant to be deferred by Go programs under test:
// a panic is reported as a crash and then continues unwinding.
func (b *CrashBridge) Recover() {
	if r := recover(); r != nil {
		b.Crash(fmt.Errorf("panic: %v", r))
		panic(r)
	}
}
