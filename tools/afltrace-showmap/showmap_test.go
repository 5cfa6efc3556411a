// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/harness"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTargetEnv = "AFLTRACE_SHOWMAP_TEST_TARGET"

func TestMain(m *testing.M) {
	if os.Getenv(testTargetEnv) != "" {
		testTarget()
		os.Exit(0)
	}
	log.EnableLogCaching(1000, 1<<20)
	os.Exit(m.Run())
}

var unitTarget = engine.CodeUnit{Name: "target", File: "showmap_test.go", FirstLine: 1}

// testTarget is the fuzzed program: the test binary re-executed by the fork server.
// The loop runs on a thread other than the main one, as in afltrace-target.
func testTarget() {
	runtime.LockOSThread()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fuzzLoop()
	}()
	<-done
}

func fuzzLoop() {
	in := engine.NewInterp()
	h := harness.New(in, harness.DefaultConfig())
	for h.Loop(0) {
		os.Stdin.Seek(0, io.SeekStart)
		data, _ := io.ReadAll(os.Stdin)
		in.Run(func() error {
			return in.Call(unitTarget, func(f *engine.InterpFrame) error {
				f.Step(0)
				for _, c := range data {
					f.Step(int(c) % 8 * 2)
				}
				switch string(data) {
				case "crash":
					return errors.New("crash")
				case "hang":
					time.Sleep(time.Hour)
				}
				return nil
			})
		})
	}
}

func requireSharedMem(t *testing.T) {
	id, mem, err := osutil.CreateSharedMem(shmem.MapSize)
	if err != nil {
		t.Skipf("SysV shared memory is not available: %v", err)
	}
	osutil.DetachSharedMem(mem)
	osutil.RemoveSharedMem(id)
}

func TestShowmap(t *testing.T) {
	requireSharedMem(t)
	for _, persistent := range []bool{false, true} {
		t.Run(fmt.Sprintf("persistent=%v", persistent), func(t *testing.T) {
			testShowmap(t, persistent)
		})
	}
	t.Run("persistent-alternating", testShowmapAlternating)
	t.Run("interrupted", func(t *testing.T) {
		exe, err := os.Executable()
		require.NoError(t, err)
		shutdown := make(chan struct{})
		close(shutdown)
		results, err := run([]string{"does-not-exist"}, options{
			target:   []string{exe, "-test.run=^$"},
			env:      []string{testTargetEnv + "=1"},
			timeout:  3 * time.Second,
			shutdown: shutdown,
		})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func testShowmap(t *testing.T, persistent bool) {
	dir := t.TempDir()
	var inputs []string
	for _, data := range []string{"a", "abcdefg", "a", "crash", "a", "hang", "abcdefg"} {
		file := filepath.Join(dir, fmt.Sprintf("input%v", len(inputs)))
		require.NoError(t, os.WriteFile(file, []byte(data), 0644))
		inputs = append(inputs, file)
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	results, err := run(inputs, options{
		target:     []string{exe, "-test.run=^$"},
		env:        []string{testTargetEnv + "=1"},
		persistent: persistent,
		timeout:    3 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, len(inputs))

	a, long, crash, hang := results[0], results[1], results[3], results[5]
	assert.False(t, a.Crashed)
	assert.NotZero(t, a.Edges)
	assert.Greater(t, long.Edges, a.Edges)
	// Same input, same coverage, regardless of the process it ran in.
	assert.Equal(t, a.Map, results[2].Map)
	assert.Equal(t, a.Map, results[4].Map)
	assert.Equal(t, long.Map, results[6].Map)

	assert.True(t, crash.Crashed)
	assert.Equal(t, unix.SIGABRT, crash.Status.Signal())
	assert.True(t, hang.TimedOut)
	assert.False(t, hang.Crashed)

	if persistent {
		assert.True(t, a.Status.Stopped())
		assert.Equal(t, a.Pid, long.Pid)
		assert.NotEqual(t, a.Pid, results[4].Pid, "a crashed child is not reused")
	} else {
		assert.True(t, a.Status.Exited())
		assert.NotEqual(t, a.Pid, long.Pid)
	}
}

// testShowmapAlternating checks that every persistent iteration traces its own input
// and that crashes are not mistaken for stops of a reused child.
func testShowmapAlternating(t *testing.T) {
	dir := t.TempDir()
	contents := []string{"a", "abcdefg", "crash"}
	var files []string
	for _, data := range contents {
		file := filepath.Join(dir, data)
		require.NoError(t, os.WriteFile(file, []byte(data), 0644))
		files = append(files, file)
	}
	rounds := testutil.IterCount() / 10
	var inputs []string
	for i := 0; i < rounds; i++ {
		inputs = append(inputs, files[0], files[1], files[0], files[1], files[2])
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	results, err := run(inputs, options{
		target:     []string{exe, "-test.run=^$"},
		env:        []string{testTargetEnv + "=1"},
		persistent: true,
		timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, len(inputs))
	first := make(map[string][]byte)
	wrongMap, missedCrashes := 0, 0
	for _, res := range results {
		if filepath.Base(res.Input) == "crash" {
			if !res.Crashed || res.Status.Signal() != unix.SIGABRT {
				missedCrashes++
			}
			continue
		}
		assert.True(t, res.Status.Stopped(), "%v: %v", res.Input, osutil.ExitStatus(res.Status))
		if first[res.Input] == nil {
			first[res.Input] = res.Map
		} else if !bytes.Equal(first[res.Input], res.Map) {
			wrongMap++
		}
	}
	assert.Zero(t, wrongMap, "iterations with coverage of another input")
	assert.Zero(t, missedCrashes, "crash inputs not reported as crashes")
}

func TestShowmapNoForkServer(t *testing.T) {
	requireSharedMem(t)
	input := filepath.Join(t.TempDir(), "input")
	require.NoError(t, os.WriteFile(input, []byte("a"), 0644))
	_, err := run([]string{input}, options{
		target:  []string{"/bin/sh", "-c", "echo not a harnessed program >&2; exit 3"},
		timeout: 3 * time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a harnessed program")
}

func TestSplitArgs(t *testing.T) {
	inputs, target := splitArgs([]string{"a", "b", "--", "prog", "-x"})
	assert.Equal(t, []string{"a", "b"}, inputs)
	assert.Equal(t, []string{"prog", "-x"}, target)
	inputs, target = splitArgs([]string{"a"})
	assert.Equal(t, []string{"a"}, inputs)
	assert.Nil(t, target)
}

func TestFormatMap(t *testing.T) {
	m := make([]byte, 10)
	m[3] = 1
	m[9] = 200
	assert.Equal(t, "000003:1\n000009:200\n", string(formatMap(m)))
}
