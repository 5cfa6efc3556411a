// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build freebsd || netbsd || openbsd || linux || darwin

package osutil

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// HandleInterrupts closes shutdown chan on first SIGINT
// (expecting that the program will gracefully shutdown and exit)
// and terminates the process on third SIGINT.
func HandleInterrupts(shutdown chan struct{}) {
	go func() {
		c := make(chan os.Signal, 3)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		close(shutdown)
		fmt.Fprint(os.Stderr, "SIGINT: shutting down...\n")
		<-c
		fmt.Fprint(os.Stderr, "SIGINT: shutting down harder...\n")
		<-c
		fmt.Fprint(os.Stderr, "SIGINT: terminating\n")
		os.Exit(int(syscall.SIGINT))
	}()
}

// ParseSignal accepts a signal number ("6") or a name with or without the SIG prefix ("SIGABRT", "abrt").
func ParseSignal(str string) (syscall.Signal, error) {
	str = strings.TrimSpace(str)
	if num, err := strconv.Atoi(str); err == nil {
		if num <= 0 || num >= 65 {
			return 0, fmt.Errorf("bad signal number %v", num)
		}
		return syscall.Signal(num), nil
	}
	name := strings.ToUpper(str)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", str)
	}
	return sig, nil
}

// ExitStatus formats a wait status the way shells describe it.
func ExitStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited with status %v", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("killed by %v", unix.SignalName(ws.Signal()))
	case ws.Stopped():
		return fmt.Sprintf("stopped by %v", unix.SignalName(ws.StopSignal()))
	case ws.Continued():
		return "continued"
	default:
		return fmt.Sprintf("unknown status 0x%x", uint32(ws))
	}
}
