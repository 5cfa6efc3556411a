// Copyright 2021 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AttachSharedMem maps an existing System V shared memory segment into the process.
// The returned slice covers the whole segment.
func AttachSharedMem(id int) ([]byte, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to attach shared memory segment %v: %w", id, err)
	}
	return mem, nil
}

// DetachSharedMem unmaps a segment attached with AttachSharedMem or CreateSharedMem.
func DetachSharedMem(mem []byte) error {
	return unix.SysvShmDetach(mem)
}

// CreateSharedMem creates a private segment of the given size and attaches it.
// The caller owns the segment and must destroy it with RemoveSharedMem.
func CreateSharedMem(size int) (id int, mem []byte, err error) {
	id, err = unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create shared memory segment: %w", err)
	}
	mem, err = unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return 0, nil, fmt.Errorf("failed to attach shared memory segment %v: %w", id, err)
	}
	return id, mem, nil
}

// RemoveSharedMem marks the segment for destruction.
func RemoveSharedMem(id int) error {
	_, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	return err
}
