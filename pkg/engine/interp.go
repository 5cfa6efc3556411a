// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

// Interp is a minimal engine for Go code that is instrumented by hand:
// code units are Go functions invoked through Call, and each function reports
// its progress with Frame.Step. It follows the event model of interpreters
// with per-frame opcode tracing:
//   - a frame entered while a handler is installed gets KindEnter right away;
//   - a frame that was already on the stack when the handler was installed gets
//     KindEnter (with Resumed set) on its next Step;
//   - KindInstruction is delivered only after the handler armed the frame;
//   - an error returned from a frame body produces KindException at the frame's
//     current offset, then KindExit;
//   - KindExit is delivered for every frame that got KindEnter, including frames
//     unwound by a panic.
//
// Interp is not safe for concurrent use, same as the engines it models.
type Interp struct {
	handler  Handler
	uncaught func(err error)
	stack    []*InterpFrame
}

type InterpFrame struct {
	in     *Interp
	unit   CodeUnit
	offset int
	line   int
	armed  bool
	traced bool
}

func NewInterp() *Interp {
	return &Interp{}
}

func (in *Interp) SetTrace(h Handler) {
	in.handler = h
	// The new handler has not seen any of the live frames.
	for _, f := range in.stack {
		f.traced = false
		f.armed = false
	}
}

func (in *Interp) SetUncaughtHook(fn func(err error)) {
	in.uncaught = fn
}

// Depth returns the number of live frames.
func (in *Interp) Depth() int {
	return len(in.stack)
}

// NewFrame creates a suspended frame for unit. Generators and coroutines keep such a frame
// across several Resume calls; plain functions use Call.
func (in *Interp) NewFrame(unit CodeUnit) *InterpFrame {
	return &InterpFrame{in: in, unit: unit, line: unit.FirstLine}
}

// Call runs body as a new frame of unit and returns its error.
func (in *Interp) Call(unit CodeUnit, body func(f *InterpFrame) error) error {
	return in.Resume(in.NewFrame(unit), body)
}

// Resume pushes f on the stack and runs body in it.
func (in *Interp) Resume(f *InterpFrame, body func(f *InterpFrame) error) error {
	in.stack = append(in.stack, f)
	f.traced = false
	f.armed = false
	if in.handler != nil {
		f.traced = true
		in.emit(KindEnter, f, false)
	}
	defer func() {
		in.stack = in.stack[:len(in.stack)-1]
		if f.traced && in.handler != nil {
			in.emit(KindExit, f, false)
		}
	}()
	err := body(f)
	if err != nil && f.traced && in.handler != nil {
		in.emit(KindException, f, false)
	}
	return err
}

// Run executes the top-level program. An error returned by body is uncaught:
// it is passed to the uncaught hook before being returned.
func (in *Interp) Run(body func() error) error {
	err := body()
	if err != nil && in.uncaught != nil {
		in.uncaught(err)
	}
	return err
}

func (in *Interp) emit(kind Kind, f *InterpFrame, resumed bool) {
	in.handler.Trace(Event{Kind: kind, Frame: f, Resumed: resumed})
}

// Step records execution of the instruction at offset.
func (f *InterpFrame) Step(offset int) {
	f.offset = offset
	in := f.in
	if in.handler == nil {
		return
	}
	if !f.traced {
		f.traced = true
		in.emit(KindEnter, f, true)
	}
	if f.armed {
		in.emit(KindInstruction, f, false)
	}
}

// SetLine updates the current source line.
func (f *InterpFrame) SetLine(line int) {
	f.line = line
}

func (f *InterpFrame) Unit() CodeUnit {
	return f.unit
}

func (f *InterpFrame) Offset() int {
	return f.offset
}

func (f *InterpFrame) Line() int {
	return f.line
}

func (f *InterpFrame) ArmInstructions() {
	f.armed = true
}
