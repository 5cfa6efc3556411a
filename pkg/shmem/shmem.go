// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shmem provides the coverage map shared with the fuzzing controller.
//
// The controller creates a System V shared memory segment and passes its id in the
// environment. The map size and the counter width are part of the controller's
// contract and must not be changed.
package shmem

import (
	"fmt"

	"github.com/google/afltrace/pkg/osutil"
)

const (
	// MapSize is the number of byte counters in the coverage map.
	MapSize = 1 << 16
	// DefaultEnv holds the shared memory segment id.
	DefaultEnv = "__AFL_SHM_ID"
)

// Map is a fixed-size array of byte counters.
// Counters are only ever incremented; overflow wraps around to zero.
type Map struct {
	buf    *[MapSize]byte
	detach func() error
}

// Attach maps the segment whose id is stored in the environment variable env.
// If the variable is not set, it returns nil map and nil error: there is no controller,
// and tracing should stay off.
func Attach(env string) (*Map, error) {
	id, ok, err := osutil.EnvInt(env)
	if !ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mem, err := osutil.AttachSharedMem(id)
	if err != nil {
		return nil, err
	}
	if len(mem) < MapSize {
		osutil.DetachSharedMem(mem)
		return nil, fmt.Errorf("shared memory segment %v is too small: %v bytes, want %v",
			id, len(mem), MapSize)
	}
	return &Map{
		buf:    (*[MapSize]byte)(mem),
		detach: func() error { return osutil.DetachSharedMem(mem) },
	}, nil
}

// NewLocal returns a map backed by private process memory.
func NewLocal() *Map {
	return &Map{buf: new([MapSize]byte)}
}

// Inc increments the counter at off modulo MapSize.
func (m *Map) Inc(off uint32) {
	m.buf[off%MapSize]++
}

// Bytes returns the counters. The fuzzed process never reads them; this is for tools and tests.
func (m *Map) Bytes() []byte {
	return m.buf[:]
}

// Count returns the number of non-zero counters.
func (m *Map) Count() int {
	n := 0
	for _, v := range m.buf {
		if v != 0 {
			n++
		}
	}
	return n
}

// Detach unmaps a shared map. Further use of the map is not allowed.
func (m *Map) Detach() error {
	if m.detach == nil {
		return nil
	}
	err := m.detach()
	m.detach = nil
	m.buf = nil
	return err
}
