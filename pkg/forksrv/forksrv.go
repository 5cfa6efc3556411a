// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package forksrv implements the fork server side of the AFL controller protocol.
//
// The controller passes two descriptors: control (198) carries requests, status (199)
// carries replies. Every message is a 4-byte host-endian word and exactly one message
// is outstanding in each direction at a time:
//
//	server -> status:  0                       presence probe (a failed write means no controller)
//	loop:
//	  control -> server: wasKilled             non-zero if the controller killed the last child
//	  server -> status:  child pid             of a new or resumed child
//	  server -> status:  wait status           of the child once it stopped or exited
//
// In persistent mode a child stops itself with SIGSTOP after each iteration and the
// server resumes it with SIGCONT instead of creating a new one.
package forksrv

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/stat"
	"golang.org/x/sys/unix"
)

const (
	ControlFD = 198
	StatusFD  = 199

	heartbeatPeriod = 10000
)

// ProcessOps creates and controls children on behalf of the server.
type ProcessOps interface {
	// Spawn creates a new child. Implementations that duplicate the current process
	// return child=true in the new process.
	Spawn() (pid int, child bool, err error)
	// Resume continues a stopped child.
	Resume(pid int) error
	// Wait waits for the child to exit, or also to stop if untraced is set.
	Wait(pid int, untraced bool) (unix.WaitStatus, error)
}

// Channel is the pair of controller descriptors.
type Channel struct {
	Control io.ReadCloser
	Status  io.WriteCloser
}

func (ch Channel) Close() error {
	err1 := ch.Control.Close()
	err2 := ch.Status.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type Server struct {
	ch         Channel
	ops        ProcessOps
	persistent bool
	child      int
	stopped    bool
	cycles     int
}

var (
	statSpawns = stat.New("forksrv spawns", "Children created by the fork server",
		stat.Console, stat.Rate{}, stat.Prometheus("afltrace_forksrv_spawns"))
	statResumes = stat.New("forksrv resumes", "Stopped persistent children resumed by the fork server",
		stat.Console, stat.Rate{}, stat.Prometheus("afltrace_forksrv_resumes"))
	statReaps = stat.New("forksrv reaps", "Stopped children killed by the controller and reaped",
		stat.Simple, stat.Prometheus("afltrace_forksrv_reaps"))
	statRunTime = stat.New("child run time", "Time a child ran until it stopped or exited (us)",
		stat.Console, stat.Distribution{}, stat.Prometheus("afltrace_forksrv_child_run_us"))
)

func NewServer(ch Channel, ops ProcessOps, persistent bool) *Server {
	return &Server{
		ch:         ch,
		ops:        ops,
		persistent: persistent,
	}
}

// Start probes for a controller and, if one is present, serves it.
// It returns child=false right away if nobody listens on the status descriptor.
// Otherwise it returns only in a child created by ProcessOps (child=true, with the
// channel closed) or on a protocol failure; the caller must treat errors as fatal.
func (s *Server) Start() (child bool, err error) {
	if err := s.writeWord(0); err != nil {
		log.Logf(1, "fork server: no controller: %v", err)
		return false, nil
	}
	log.Logf(1, "fork server: controller is present, persistent=%v", s.persistent)
	for {
		child, err := s.cycle()
		if err != nil {
			return false, err
		}
		if child {
			s.ch.Close()
			return true, nil
		}
	}
}

func (s *Server) cycle() (bool, error) {
	wasKilled, err := s.readWord()
	if err != nil {
		return false, fmt.Errorf("failed to read control word: %w", err)
	}
	if s.stopped && wasKilled != 0 {
		ws, err := s.ops.Wait(s.child, false)
		if err != nil {
			return false, fmt.Errorf("failed to reap child %v: %w", s.child, err)
		}
		log.Logf(2, "fork server: reaped child %v: %v", s.child, osutil.ExitStatus(ws))
		statReaps.Add(1)
		s.stopped = false
	}
	if !s.stopped {
		pid, child, err := s.ops.Spawn()
		if err != nil {
			return false, fmt.Errorf("failed to spawn child: %w", err)
		}
		if child {
			return true, nil
		}
		s.child = pid
		statSpawns.Add(1)
	} else {
		if err := s.ops.Resume(s.child); err != nil {
			return false, fmt.Errorf("failed to resume child %v: %w", s.child, err)
		}
		statResumes.Add(1)
		s.stopped = false
	}
	start := time.Now()
	if err := s.writeWord(uint32(s.child)); err != nil {
		return false, fmt.Errorf("failed to write child pid: %w", err)
	}
	ws, err := s.ops.Wait(s.child, s.persistent)
	if err != nil {
		return false, fmt.Errorf("failed to wait for child %v: %w", s.child, err)
	}
	statRunTime.Add(int(time.Since(start) / time.Microsecond))
	s.stopped = ws.Stopped()
	if log.V(3) {
		log.Logf(3, "fork server: child %v %v", s.child, osutil.ExitStatus(ws))
	}
	if err := s.writeWord(uint32(ws)); err != nil {
		return false, fmt.Errorf("failed to write child status: %w", err)
	}
	s.cycles++
	if s.cycles%heartbeatPeriod == 0 {
		log.Logf(1, "fork server: %v", stat.Heartbeat())
	}
	return false, nil
}

func (s *Server) readWord() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.ch.Control, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}

func (s *Server) writeWord(v uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	n, err := s.ch.Status.Write(buf[:])
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return err
}
