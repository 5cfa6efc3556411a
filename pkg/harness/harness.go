// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package harness ties coverage tracing and the fork server into an iteration loop
// for the fuzzed program:
//
//	for harness.Loop(eng, 10000) {
//		processInput(os.Stdin)
//	}
//
// The first Loop call attaches the coverage map, enables tracing and serves the
// controller; it returns in a child process ready to run the first input.
// Subsequent calls in persistent mode stop the process until the controller resumes
// it with the next input. Without a controller Loop returns true exactly once.
package harness

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/eventlog"
	"github.com/google/afltrace/pkg/forksrv"
	"github.com/google/afltrace/pkg/log"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/google/afltrace/pkg/shmem"
	"github.com/google/afltrace/pkg/stat"
	"github.com/google/afltrace/pkg/trace"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

type IterationState struct {
	Count      int
	MaxCount   int
	Persistent bool
}

type Harness struct {
	eng    engine.Engine
	cfg    *Config
	opts   options
	tracer *trace.Tracer
	cov    *shmem.Map
	shared bool
	bridge *CrashBridge
	rec    *eventlog.Writer
	state  IterationState
}

type options struct {
	fatal func(msg string, args ...interface{})
	stop  func() error
	serve func(persistent bool) (child bool, err error)
	cov   *shmem.Map
}

type Option func(*options)

// WithFatal replaces log.Fatalf as the reaction to broken resources.
func WithFatal(fn func(msg string, args ...interface{})) Option {
	return func(o *options) { o.fatal = fn }
}

// WithStop replaces stopping the process between persistent iterations.
func WithStop(fn func() error) Option {
	return func(o *options) { o.stop = fn }
}

// WithServer replaces the fork server started on the first iteration.
func WithServer(fn func(persistent bool) (child bool, err error)) Option {
	return func(o *options) { o.serve = fn }
}

// WithMap traces into m instead of the map passed by the controller.
func WithMap(m *shmem.Map) Option {
	return func(o *options) { o.cov = m }
}

var statIterations = stat.New("iterations", "Fuzzing iterations started in this process",
	stat.Console, stat.Rate{}, stat.Prometheus("afltrace_iterations"))

func New(eng engine.Engine, cfg *Config, opts ...Option) *Harness {
	h := &Harness{
		eng: eng,
		cfg: cfg,
		opts: options{
			fatal: log.Fatalf,
			stop:  stopSelf,
			serve: serveForks,
		},
		tracer: trace.New(nil),
	}
	for _, opt := range opts {
		opt(&h.opts)
	}
	return h
}

func (h *Harness) State() IterationState {
	return h.state
}

func (h *Harness) Tracer() *trace.Tracer {
	return h.tracer
}

// Init runs exactly one iteration.
func (h *Harness) Init() {
	h.Loop(1)
}

// Loop must be called before every unit of work. It returns false when the
// process should finish: tracing is disabled at that point, and the coverage
// collected so far stays in the map for the controller.
func (h *Harness) Loop(maxCount int) bool {
	h.tracer.ResetEdgeState()
	h.state.MaxCount = maxCount
	if h.state.Count == 0 {
		if err := h.start(); err != nil {
			h.opts.fatal("%v", err)
			return false
		}
		h.state.Count = 1
		statIterations.Add(1)
		return true
	}
	if !h.state.Persistent || (maxCount != 0 && h.state.Count >= maxCount) {
		h.tracer.Disable()
		return false
	}
	h.state.Count++
	statIterations.Add(1)
	if h.rec != nil {
		if err := h.rec.Boundary(); err != nil {
			log.Errorf("event recording stopped: %v", err)
			h.stopRecording()
		}
	}
	if err := h.opts.stop(); err != nil {
		h.opts.fatal("failed to stop before iteration %v: %v", h.state.Count, err)
		return false
	}
	return true
}

func (h *Harness) start() error {
	if h.cfg.Verbosity > 0 {
		log.SetVerbosity(h.cfg.Verbosity)
	}
	h.state.Persistent = osutil.EnvSet(h.cfg.PersistentEnv)
	sigStr := h.cfg.CrashSignal
	if env := os.Getenv(h.cfg.SignalEnv); h.cfg.SignalEnv != "" && env != "" {
		sigStr = env
	}
	sig, err := osutil.ParseSignal(sigStr)
	if err != nil {
		return fmt.Errorf("bad crash signal: %w", err)
	}
	h.bridge = NewCrashBridge(sig)
	h.bridge.Install(h.eng)

	h.cov = h.opts.cov
	if h.cov == nil {
		h.cov, err = shmem.Attach(h.cfg.ShmEnv)
		if err != nil {
			return fmt.Errorf("failed to attach coverage map from %v: %w", h.cfg.ShmEnv, err)
		}
		h.shared = h.cov != nil
	}
	if h.cov == nil && h.cfg.RecordDir != "" {
		h.cov = shmem.NewLocal()
	}
	if h.cov != nil {
		h.tracer = trace.New(h.cov)
	}
	h.tracer.Enable(h.eng)

	child, err := h.opts.serve(h.state.Persistent)
	if err != nil {
		return fmt.Errorf("fork server failed: %w", err)
	}
	if !child && h.state.Persistent {
		log.Logf(1, "no fork server controller, persistent mode is off")
		h.state.Persistent = false
	}
	log.Logf(1, "harness: tracing=%v shared=%v persistent=%v crash signal %v",
		h.tracer.Enabled(), h.shared, h.state.Persistent, unix.SignalName(sig))

	if h.cfg.RecordDir != "" && h.tracer.Enabled() {
		// Pids are reused across runs, so the name also needs a unique part.
		name := fmt.Sprintf("events.%v.%v.jsonl.xz", os.Getpid(), uuid.NewString())
		file := filepath.Join(h.cfg.RecordDir, name)
		if h.rec, err = eventlog.Create(file); err != nil {
			return err
		}
		h.tracer.SetRecorder(h.rec)
	}
	return nil
}

func (h *Harness) stopRecording() {
	h.tracer.SetRecorder(nil)
	if err := h.rec.Close(); err != nil {
		log.Errorf("failed to close event log: %v", err)
	}
	h.rec = nil
}

// Close disables tracing, flushes event recording and detaches the coverage map.
func (h *Harness) Close() error {
	h.tracer.Disable()
	if h.bridge != nil {
		h.eng.SetUncaughtHook(nil)
	}
	if h.rec != nil {
		h.stopRecording()
	}
	if h.shared {
		h.shared = false
		return h.cov.Detach()
	}
	return nil
}

func stopSelf() error {
	return osutil.RaiseSignal(unix.SIGSTOP)
}

func serveForks(persistent bool) (bool, error) {
	if forksrv.IsChild() {
		return true, nil
	}
	ops, err := forksrv.NewExecOps()
	if err != nil {
		return false, err
	}
	return forksrv.NewServer(forksrv.OpenChannel(), ops, persistent).Start()
}

var defaultHarness *Harness

// Init runs exactly one iteration with the process-wide harness.
func Init(eng engine.Engine) {
	Loop(eng, 1)
}

// Loop is Harness.Loop of the process-wide harness, created with DefaultConfig on the first call.
func Loop(eng engine.Engine, maxCount int) bool {
	if defaultHarness == nil {
		defaultHarness = New(eng, DefaultConfig())
	}
	return defaultHarness.Loop(maxCount)
}

// Close tears down the process-wide harness.
func Close() error {
	if defaultHarness == nil {
		return nil
	}
	err := defaultHarness.Close()
	defaultHarness = nil
	return err
}
