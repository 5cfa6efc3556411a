// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package trace turns engine trace events into AFL-style edge coverage.
//
// Every instruction event yields a Location derived from the current frame and the
// instruction offset. The edge between the previous and the current location is
// recorded as an increment of map[cur ^ prev], where prev is the previous location
// shifted right by one bit so that A->B and B->A land in different slots.
package trace

import (
	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/log"
)

// Sink receives edge increments. The offset is reduced modulo the sink size by the sink.
type Sink interface {
	Inc(off uint32)
}

// Recorder gets every event before it is dispatched.
type Recorder interface {
	Record(ev engine.Event) error
}

type Tracer struct {
	sink    Sink
	eng     engine.Engine
	enabled bool
	stack   FrameStack
	prev    uint32
	rec     Recorder
	events  [engine.KindCount]uint64
}

var dispatch = [engine.KindCount]func(t *Tracer, ev engine.Event){
	engine.KindEnter:       (*Tracer).enter,
	engine.KindInstruction: (*Tracer).instruction,
	engine.KindException:   (*Tracer).exception,
	engine.KindExit:        (*Tracer).exit,
}

// New creates a disabled tracer. A tracer with nil sink can never be enabled.
func New(sink Sink) *Tracer {
	return &Tracer{sink: sink}
}

// Enable subscribes the tracer to eng's events. It returns false and does nothing
// if there is no sink, so runs without a fuzzer pay no per-instruction cost.
func (t *Tracer) Enable(eng engine.Engine) bool {
	if t.sink == nil {
		return false
	}
	if t.enabled {
		return true
	}
	// The engine re-delivers enter events for live frames to a fresh subscriber.
	t.stack.Reset()
	t.eng = eng
	t.enabled = true
	eng.SetTrace(t)
	return true
}

// Disable unsubscribes the tracer. It is a no-op if the tracer is not enabled.
func (t *Tracer) Disable() {
	if !t.enabled {
		return
	}
	t.enabled = false
	t.eng.SetTrace(nil)
}

func (t *Tracer) Enabled() bool {
	return t.enabled
}

// ResetEdgeState forgets the previous location so that edges do not leak between iterations.
func (t *Tracer) ResetEdgeState() {
	t.prev = 0
}

// SetRecorder installs rec to receive all subsequent events; nil removes it.
func (t *Tracer) SetRecorder(rec Recorder) {
	t.rec = rec
}

// Events returns the number of dispatched events of the given kind.
func (t *Tracer) Events(kind engine.Kind) uint64 {
	if kind < 0 || kind >= engine.KindCount {
		return 0
	}
	return t.events[kind]
}

// Depth returns the number of frames entered and not yet exited.
func (t *Tracer) Depth() int {
	return t.stack.Depth()
}

// Trace implements engine.Handler.
func (t *Tracer) Trace(ev engine.Event) {
	if ev.Kind < 0 || ev.Kind >= engine.KindCount {
		return
	}
	t.events[ev.Kind]++
	if log.V(4) {
		log.Logf(4, "trace: %v", ev)
	}
	if t.rec != nil {
		if err := t.rec.Record(ev); err != nil {
			log.Errorf("event recording stopped: %v", err)
			t.rec = nil
		}
	}
	dispatch[ev.Kind](t, ev)
}

func (t *Tracer) enter(ev engine.Event) {
	t.stack.Push(ev.Frame.Unit())
	// Per-instruction delivery is per frame and must be re-armed on every enter.
	ev.Frame.ArmInstructions()
}

func (t *Tracer) instruction(ev engine.Event) {
	t.edge(ev.Frame.Offset(), false)
}

func (t *Tracer) exception(ev engine.Event) {
	t.edge(ev.Frame.Offset(), true)
}

func (t *Tracer) exit(ev engine.Event) {
	t.stack.Pop()
}

func (t *Tracer) edge(offset int, exception bool) {
	loc := uint32(HashInstruction(t.stack.Current(), offset, exception))
	t.sink.Inc(loc ^ t.prev)
	t.prev = loc >> 1
}
