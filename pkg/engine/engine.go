// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine describes the execution engine that hosts traced code.
//
// The engine runs code units (functions, methods, module bodies) and reports
// what it executes through a single trace callback. The tracer never looks at
// engine internals beyond the Frame interface, so any interpreter that can name
// its code units and instruction offsets can be fuzzed.
package engine

import (
	"fmt"
)

// CodeUnit identifies a callable unit of code. It is immutable and is only used to derive a hash.
type CodeUnit struct {
	Name      string
	File      string
	FirstLine int
}

func (u CodeUnit) String() string {
	return fmt.Sprintf("%v:%v %v", u.File, u.FirstLine, u.Name)
}

// Kind is the type of a trace event.
type Kind int

const (
	// KindEnter is delivered when a frame starts executing, or when a frame that was already
	// running when tracing was installed executes its first traced line.
	KindEnter Kind = iota
	// KindInstruction is delivered for every executed instruction of an armed frame.
	KindInstruction
	// KindException is delivered at the current instruction of every frame an error propagates through.
	KindException
	// KindExit is delivered once for every frame that got KindEnter, on return and on unwinding.
	KindExit
	KindCount
)

var kindNames = [KindCount]string{
	KindEnter:       "enter",
	KindInstruction: "instruction",
	KindException:   "exception",
	KindExit:        "exit",
}

func (k Kind) String() string {
	if k >= 0 && k < KindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is a live call frame as seen by the tracer.
type Frame interface {
	Unit() CodeUnit
	// Offset is the offset of the current instruction within the code unit.
	Offset() int
	// Line is the current source line (informational only).
	Line() int
	// ArmInstructions requests KindInstruction events for this frame.
	// Engines deliver only coarse events for frames that were not armed.
	ArmInstructions()
}

type Event struct {
	Kind  Kind
	Frame Frame
	// Resumed is set for KindEnter events produced by a frame that was already running
	// when the trace callback was installed.
	Resumed bool
}

func (ev Event) String() string {
	if ev.Frame == nil {
		return ev.Kind.String()
	}
	return fmt.Sprintf("%v %v:%v @%v %v", ev.Kind, ev.Frame.Unit().File, ev.Frame.Line(),
		ev.Frame.Offset(), ev.Frame.Unit().Name)
}

// Handler receives trace events synchronously on the engine's thread.
type Handler interface {
	Trace(ev Event)
}

type HandlerFunc func(ev Event)

func (f HandlerFunc) Trace(ev Event) {
	f(ev)
}

// Engine is the part of the host execution engine the tracer and the harness rely on.
type Engine interface {
	// SetTrace installs h as the trace callback; nil removes it.
	SetTrace(h Handler)
	// SetUncaughtHook installs fn to be called when an error reaches the top level
	// without being handled; nil removes it.
	SetUncaughtHook(fn func(err error))
}
