// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// afltrace-showmap runs a harnessed program on a set of inputs the way an AFL
// controller does: it creates the coverage map, talks to the fork server over
// descriptors 198/199 and prints the coverage and the outcome of every input.
//
// Usage:
//
//	afltrace-showmap [-persistent] [-timeout 5s] [-o dir] input... -- afltrace-target -check easy
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/afltrace/pkg/forksrv"
	"github.com/google/afltrace/pkg/harness"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/tool"
	"golang.org/x/sys/unix"
)

var (
	flagPersistent = flag.Bool("persistent", false, "run the target in persistent mode")
	flagTimeout    = flag.Duration("timeout", 5*time.Second, "per-input timeout")
	flagOut        = flag.String("o", "", "save coverage of every input into this dir")
)

type options struct {
	target     []string
	env        []string
	persistent bool
	timeout    time.Duration
	// Closed to stop before the next input.
	shutdown <-chan struct{}
}

type execResult struct {
	Input    string
	Pid      int
	Status   unix.WaitStatus
	Crashed  bool
	TimedOut bool
	Edges    int
	Map      []byte
}

func main() {
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)
	inputs, target := splitArgs(flag.Args())
	if len(inputs) == 0 || len(target) == 0 {
		tool.Failf("usage: afltrace-showmap [flags] input... -- target [args]")
	}
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	results, err := run(inputs, options{
		target:     target,
		persistent: *flagPersistent,
		timeout:    *flagTimeout,
		shutdown:   shutdown,
	})
	if err != nil {
		tool.Fail(err)
	}
	crashes := 0
	for _, res := range results {
		outcome := osutil.ExitStatus(res.Status)
		switch {
		case res.TimedOut:
			outcome = "timed out"
		case res.Crashed:
			crashes++
			outcome = "crashed, " + outcome
		}
		fmt.Printf("%v: pid %v %v, %v edges\n", res.Input, res.Pid, outcome, res.Edges)
		if *flagOut != "" {
			file := filepath.Join(*flagOut, filepath.Base(res.Input)+".map")
			if err := osutil.WriteFile(file, formatMap(res.Map)); err != nil {
				tool.Fail(err)
			}
		}
	}
	if crashes != 0 {
		fmt.Printf("%v/%v inputs crashed\n", crashes, len(results))
	}
}

func splitArgs(args []string) (inputs, target []string) {
	for i, arg := range args {
		if arg == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func run(inputs []string, opts options) ([]*execResult, error) {
	shmID, mem, err := osutil.CreateSharedMem(shmem.MapSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		osutil.DetachSharedMem(mem)
		osutil.RemoveSharedMem(shmID)
	}()
	dir, err := os.MkdirTemp("", "afltrace-showmap")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	// The target reads its stdin from the start on every iteration,
	// the file is rewritten in place for every input.
	curInput := filepath.Join(dir, ".cur_input")
	if err := osutil.WriteFile(curInput, nil); err != nil {
		return nil, err
	}
	stdin, err := os.Open(curInput)
	if err != nil {
		return nil, err
	}
	defer stdin.Close()

	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer ctlW.Close()
	stR, stW, err := os.Pipe()
	if err != nil {
		ctlR.Close()
		return nil, err
	}
	defer stR.Close()

	cfg := harness.DefaultConfig()
	cmd := exec.Command(opts.target[0], opts.target[1:]...)
	cmd.Stdin = stdin
	if log.V(1) {
		cmd.Stdout = os.Stderr
	}
	// Kept in the log cache to explain fork server failures.
	cmd.Stderr = log.VerboseWriter(1)
	cmd.Env = append(os.Environ(), opts.env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%v=%v", cfg.ShmEnv, shmID))
	if opts.persistent {
		cmd.Env = append(cmd.Env, cfg.PersistentEnv+"=1")
	}
	cmd.ExtraFiles = make([]*os.File, forksrv.StatusFD-2)
	cmd.ExtraFiles[forksrv.ControlFD-3] = ctlR
	cmd.ExtraFiles[forksrv.StatusFD-3] = stW
	err = cmd.Start()
	ctlR.Close()
	stW.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", opts.target[0], err)
	}
	client := forksrv.NewClient(ctlW, stR)
	stR.SetReadDeadline(time.Now().Add(opts.timeout))
	if err := client.Handshake(); err != nil {
		// Waiting for the target also flushes its stderr into the log.
		shutdown(cmd, client, ctlW)
		return nil, fmt.Errorf("no fork server in %v: %w\n%s", opts.target[0], err, log.CachedLogOutput())
	}
	stR.SetReadDeadline(time.Time{})
	defer shutdown(cmd, client, ctlW)

	var results []*execResult
	for _, input := range inputs {
		select {
		case <-opts.shutdown:
			log.Logf(0, "interrupted after %v/%v inputs", len(results), len(inputs))
			return results, nil
		default:
		}
		data, err := os.ReadFile(input)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(curInput, data, osutil.DefaultFilePerm); err != nil {
			return nil, err
		}
		clear(mem)
		res, err := execute(client, input, opts.timeout)
		if err != nil {
			return nil, err
		}
		res.Map = append([]byte{}, mem...)
		for _, v := range mem {
			if v != 0 {
				res.Edges++
			}
		}
		log.Logf(1, "%v: %v", input, osutil.ExitStatus(res.Status))
		results = append(results, res)
	}
	return results, nil
}

func execute(client *forksrv.Client, input string, timeout time.Duration) (*execResult, error) {
	// A child killed while running is reaped by the fork server itself,
	// so the killed flag is never needed here.
	pid, err := client.Start(false)
	if err != nil {
		return nil, err
	}
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		unix.Kill(pid, unix.SIGKILL)
	})
	ws, err := client.Wait()
	timer.Stop()
	if err != nil {
		return nil, err
	}
	res := &execResult{
		Input:    input,
		Pid:      pid,
		Status:   ws,
		TimedOut: timedOut.Load(),
	}
	res.Crashed = ws.Signaled() && !res.TimedOut
	return res, nil
}

func shutdown(cmd *exec.Cmd, client *forksrv.Client, ctl io.Closer) {
	if pid, stopped := client.Stopped(); stopped {
		unix.Kill(pid, unix.SIGKILL)
	}
	// The fork server exits once the control pipe is closed.
	ctl.Close()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			log.Errorf("failed to wait for the fork server: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		<-done
	}
}

func formatMap(m []byte) []byte {
	buf := new(strings.Builder)
	for i, v := range m {
		if v != 0 {
			fmt.Fprintf(buf, "%06d:%d\n", i, v)
		}
	}
	return []byte(buf.String())
}
