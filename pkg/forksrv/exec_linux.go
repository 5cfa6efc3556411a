// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package forksrv

import (
	"fmt"
	"io"
	"os"

	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"golang.org/x/sys/unix"
)

// ChildEnv is set in the environment of children created by the exec ops.
// A process that sees it runs a single iteration batch instead of serving.
const ChildEnv = "AFLTRACE_FORKSRV_CHILD"

// IsChild reports whether the current process was created by the fork server.
func IsChild() bool {
	return osutil.EnvSet(ChildEnv)
}

// OpenChannel wraps the inherited controller descriptors.
// The descriptors are not checked here, Start's probe does that.
// Both are marked close-on-exec so that children do not inherit them.
func OpenChannel() Channel {
	unix.CloseOnExec(ControlFD)
	unix.CloseOnExec(StatusFD)
	return Channel{
		Control: fdReader(ControlFD),
		Status:  fdWriter(StatusFD),
	}
}

// Raw descriptors are used instead of os.File: if the controller is absent the
// numbers may later be reused by unrelated files, which a finalizer would close.
type fdReader int

func (fd fdReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) != 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (fd fdReader) Close() error {
	return unix.Close(int(fd))
}

type fdWriter int

func (fd fdWriter) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (fd fdWriter) Close() error {
	return unix.Close(int(fd))
}

// execOps creates children by re-executing the current binary with ChildEnv set.
// The Go runtime cannot be safely forked, so every child starts from main again
// and goes straight to the iteration loop.
type execOps struct {
	exe  string
	argv []string
	env  []string
}

func NewExecOps() (ProcessOps, error) {
	exe, err := osutil.SelfExe()
	if err != nil {
		return nil, err
	}
	ops := &execOps{
		exe:  exe,
		argv: os.Args,
		env:  append(os.Environ(), ChildEnv+"=1"),
	}
	return ops, nil
}

func (ops *execOps) Spawn() (int, bool, error) {
	p, err := os.StartProcess(ops.exe, ops.argv, &os.ProcAttr{
		Env:   ops.env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to start %v: %w", ops.exe, err)
	}
	pid := p.Pid
	// The child is waited for with wait4 by pid, not through os.Process.
	if err := p.Release(); err != nil {
		log.Logf(0, "failed to release child %v: %v", pid, err)
	}
	return pid, false, nil
}

func (ops *execOps) Resume(pid int) error {
	return unix.Kill(pid, unix.SIGCONT)
}

func (ops *execOps) Wait(pid int, untraced bool) (unix.WaitStatus, error) {
	opts := 0
	if untraced {
		opts |= unix.WUNTRACED
	}
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, opts, nil)
		if err == unix.EINTR {
			continue
		}
		return ws, err
	}
}
