// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/eventlog"
	"github.com/google/afltrace/pkg/forksrv"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	unitMain  = engine.CodeUnit{Name: "<module>", File: "target.go", FirstLine: 1}
	unitCheck = engine.CodeUnit{Name: "check", File: "target.go", FirstLine: 12}
)

func runInput(in *engine.Interp, input string) {
	in.Call(unitMain, func(m *engine.InterpFrame) error {
		m.Step(0)
		for i := range input {
			in.Call(unitCheck, func(f *engine.InterpFrame) error {
				f.Step(0)
				if input[i] == 'x' {
					f.Step(4)
				}
				return nil
			})
		}
		m.Step(2)
		return nil
	})
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.ShmEnv = "AFLTRACE_TEST_SHM_ID"
	cfg.PersistentEnv = "AFLTRACE_TEST_PERSISTENT"
	cfg.SignalEnv = "AFLTRACE_TEST_SIGNAL"
	return cfg
}

func noFatal(t *testing.T) Option {
	return WithFatal(func(msg string, args ...interface{}) {
		t.Fatalf(msg, args...)
	})
}

func TestLoopPersistent(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.PersistentEnv, "")
	cov := shmem.NewLocal()
	stops, serves := 0, 0
	in := engine.NewInterp()
	h := New(in, cfg, noFatal(t), WithMap(cov),
		WithStop(func() error {
			stops++
			return nil
		}),
		WithServer(func(persistent bool) (bool, error) {
			serves++
			assert.True(t, persistent)
			return true, nil
		}))
	var results []bool
	for i := 0; i < 4; i++ {
		cont := h.Loop(3)
		results = append(results, cont)
		if cont {
			runInput(in, "abx")
		}
	}
	assert.Equal(t, []bool{true, true, true, false}, results)
	assert.Equal(t, 2, stops)
	assert.Equal(t, 1, serves)
	assert.Equal(t, IterationState{Count: 3, MaxCount: 3, Persistent: true}, h.State())
	assert.False(t, h.Tracer().Enabled())
	assert.NotZero(t, cov.Count())

	// Tracing stays off.
	before := append([]byte{}, cov.Bytes()...)
	runInput(in, "xxx")
	assert.Equal(t, before, cov.Bytes())
	assert.NoError(t, h.Close())
}

func TestLoopUnbounded(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.PersistentEnv, "1")
	stops := 0
	h := New(engine.NewInterp(), cfg, noFatal(t), WithMap(shmem.NewLocal()),
		WithStop(func() error {
			stops++
			return nil
		}),
		WithServer(func(bool) (bool, error) { return true, nil }))
	for i := 0; i < 100; i++ {
		require.True(t, h.Loop(0))
	}
	assert.Equal(t, 99, stops)
	assert.Equal(t, 100, h.State().Count)
}

func TestIterationsStartFromSameEdge(t *testing.T) {
	// Without the per-iteration reset the first edge of an iteration would depend
	// on the last location of the previous one.
	cfg := testConfig(t)
	t.Setenv(cfg.PersistentEnv, "")
	in := engine.NewInterp()
	cov := shmem.NewLocal()
	h := New(in, cfg, noFatal(t), WithMap(cov),
		WithStop(func() error { return nil }),
		WithServer(func(bool) (bool, error) { return true, nil }))
	var deltas [][]byte
	for h.Loop(5) {
		before := append([]byte{}, cov.Bytes()...)
		runInput(in, "ax")
		delta := make([]byte, len(before))
		for i, v := range cov.Bytes() {
			delta[i] = v - before[i]
		}
		deltas = append(deltas, delta)
	}
	require.Len(t, deltas, 5)
	for _, delta := range deltas[1:] {
		assert.Equal(t, deltas[0], delta)
	}
}

func TestLoopStandalone(t *testing.T) {
	if isOpen(forksrv.ControlFD) || isOpen(forksrv.StatusFD) {
		t.Skip("controller descriptors are inherited")
	}
	cfg := testConfig(t)
	// Persistent mode needs a controller to resume the process.
	t.Setenv(cfg.PersistentEnv, "")
	in := engine.NewInterp()
	h := New(in, cfg, noFatal(t), WithStop(func() error {
		t.Fatalf("stopped in standalone mode")
		return nil
	}))
	assert.True(t, h.Loop(0))
	assert.False(t, h.Tracer().Enabled())
	runInput(in, "x")
	assert.False(t, h.Loop(0))
	assert.False(t, h.Loop(0))
	assert.Equal(t, IterationState{Count: 1, MaxCount: 0, Persistent: false}, h.State())
	assert.Nil(t, h.cov)
	assert.NoError(t, h.Close())
}

func TestLoopBrokenSharedMemory(t *testing.T) {
	cfg := testConfig(t)
	for _, val := range []string{"bogus", "-1", "2147483000"} {
		t.Run(val, func(t *testing.T) {
			t.Setenv(cfg.ShmEnv, val)
			var fatal string
			h := New(engine.NewInterp(), cfg,
				WithFatal(func(msg string, args ...interface{}) {
					fatal = fmt.Sprintf(msg, args...)
				}),
				WithServer(func(bool) (bool, error) {
					t.Fatalf("fork server started with a broken map")
					return false, nil
				}))
			assert.False(t, h.Loop(0))
			assert.Contains(t, fatal, "failed to attach coverage map")
		})
	}
}

func TestLoopForkServerFailure(t *testing.T) {
	var fatal string
	h := New(engine.NewInterp(), testConfig(t),
		WithFatal(func(msg string, args ...interface{}) {
			fatal = fmt.Sprintf(msg, args...)
		}),
		WithServer(func(bool) (bool, error) {
			return false, errors.New("failed to read control word: EOF")
		}))
	assert.False(t, h.Loop(0))
	assert.Contains(t, fatal, "fork server failed")
}

func TestLoopBadCrashSignal(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(cfg.SignalEnv, "SIGNOPE")
	var fatal string
	h := New(engine.NewInterp(), cfg,
		WithFatal(func(msg string, args ...interface{}) {
			fatal = fmt.Sprintf(msg, args...)
		}))
	assert.False(t, h.Loop(0))
	assert.Contains(t, fatal, "bad crash signal")
}

func TestLoopSharedMemory(t *testing.T) {
	id, mem, err := createSharedMem(t)
	if err != nil {
		t.Skipf("SysV shared memory is not available: %v", err)
	}
	cfg := testConfig(t)
	t.Setenv(cfg.ShmEnv, fmt.Sprint(id))
	in := engine.NewInterp()
	h := New(in, cfg, noFatal(t), WithServer(func(bool) (bool, error) { return false, nil }))
	require.True(t, h.Loop(0))
	require.True(t, h.Tracer().Enabled())
	runInput(in, "xyz")
	assert.False(t, h.Loop(0))
	require.NoError(t, h.Close())

	nonZero := 0
	for _, v := range mem {
		if v != 0 {
			nonZero++
		}
	}
	assert.NotZero(t, nonZero)
}

func TestRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.RecordDir = t.TempDir()
	t.Setenv(cfg.PersistentEnv, "")
	in := engine.NewInterp()
	h := New(in, cfg, noFatal(t),
		WithStop(func() error { return nil }),
		WithServer(func(bool) (bool, error) { return true, nil }))
	inputs := []string{"a", "xx", "axa"}
	for i := 0; h.Loop(len(inputs)); i++ {
		runInput(in, inputs[i])
	}
	live := append([]byte{}, h.cov.Bytes()...)
	require.NoError(t, h.Close())

	files, err := filepath.Glob(filepath.Join(cfg.RecordDir, "events.*.jsonl.xz"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	r, err := eventlog.Open(files[0])
	require.NoError(t, err)
	defer r.Close()
	replayed := shmem.NewLocal()
	tr := trace.New(replayed)
	tr.Enable(engine.NewInterp())
	_, iters, err := eventlog.Replay(r, tr)
	require.NoError(t, err)
	assert.Equal(t, len(inputs)-1, iters)
	assert.Equal(t, live, replayed.Bytes())
}

func TestDefaultHarness(t *testing.T) {
	if os.Getenv(shmem.DefaultEnv) != "" || isOpen(forksrv.ControlFD) {
		t.Skip("running under a fuzzing controller")
	}
	in := engine.NewInterp()
	assert.True(t, Loop(in, 0))
	assert.False(t, Loop(in, 0))
	assert.NoError(t, Close())
	assert.NoError(t, Close())
	Init(in)
	assert.NoError(t, Close())
}

func TestCrashBridge(t *testing.T) {
	var raised []syscall.Signal
	b := NewCrashBridge(syscall.SIGUSR2)
	b.raise = func(sig syscall.Signal) error {
		raised = append(raised, sig)
		return nil
	}
	in := engine.NewInterp()
	b.Install(in)
	err := in.Run(func() error {
		return in.Call(unitMain, func(*engine.InterpFrame) error {
			return errors.New("boom")
		})
	})
	assert.Error(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGUSR2}, raised)

	assert.PanicsWithValue(t, "oops", func() {
		defer b.Recover()
		panic("oops")
	})
	assert.Equal(t, []syscall.Signal{syscall.SIGUSR2, syscall.SIGUSR2}, raised)

	// Recover without a panic is a no-op.
	func() {
		defer b.Recover()
	}()
	assert.Len(t, raised, 2)
}

func TestCrashBridgeRaisesSignal(t *testing.T) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	defer signal.Stop(c)
	b := NewCrashBridge(syscall.SIGUSR1)
	b.Crash(errors.New("boom"))
	select {
	case sig := <-c:
		assert.Equal(t, syscall.SIGUSR1, sig)
	case <-time.After(10 * time.Second):
		t.Fatalf("crash signal was not delivered")
	}
}

func createSharedMem(t *testing.T) (int, []byte, error) {
	id, mem, err := osutil.CreateSharedMem(shmem.MapSize)
	if err != nil {
		return 0, nil, err
	}
	t.Cleanup(func() {
		osutil.DetachSharedMem(mem)
		osutil.RemoveSharedMem(id)
	})
	return id, mem, nil
}

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
