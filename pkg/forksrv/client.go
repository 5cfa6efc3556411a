// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package forksrv

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Client is the controller side of the protocol.
type Client struct {
	ctl     io.Writer
	status  io.Reader
	stopped bool
	pid     int
}

// NewClient wraps the write end of the control pipe and the read end of the status pipe.
func NewClient(ctl io.Writer, status io.Reader) *Client {
	return &Client{
		ctl:    ctl,
		status: status,
	}
}

// Handshake waits for the server's presence probe.
func (c *Client) Handshake() error {
	v, err := c.read()
	if err != nil {
		return fmt.Errorf("fork server did not start: %w", err)
	}
	if v != 0 {
		return fmt.Errorf("bad fork server hello %#x", v)
	}
	return nil
}

// Run asks the server for one more execution and waits for its result.
// killed must be set if the controller has killed the previous child after
// it stopped (e.g. on timeout).
func (c *Client) Run(killed bool) (pid int, ws unix.WaitStatus, err error) {
	if pid, err = c.Start(killed); err != nil {
		return 0, 0, err
	}
	ws, err = c.Wait()
	return pid, ws, err
}

// Start asks the server for one more execution and returns the pid of the child running it.
func (c *Client) Start(killed bool) (int, error) {
	flag := uint32(0)
	if killed {
		flag = 1
	}
	if err := c.write(flag); err != nil {
		return 0, fmt.Errorf("failed to write control word: %w", err)
	}
	v, err := c.read()
	if err != nil {
		return 0, fmt.Errorf("failed to read child pid: %w", err)
	}
	c.pid = int(v)
	c.stopped = false
	return c.pid, nil
}

// Wait returns the status of the child once it stopped or exited.
func (c *Client) Wait() (unix.WaitStatus, error) {
	v, err := c.read()
	if err != nil {
		return 0, fmt.Errorf("failed to read child %v status: %w", c.pid, err)
	}
	ws := unix.WaitStatus(v)
	c.stopped = ws.Stopped()
	return ws, nil
}

// Stopped returns the pid of the last child if it is stopped and waits to be resumed.
func (c *Client) Stopped() (int, bool) {
	return c.pid, c.stopped
}

func (c *Client) read() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.status, buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(buf[:]), nil
}

func (c *Client) write(v uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	n, err := c.ctl.Write(buf[:])
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return err
}
