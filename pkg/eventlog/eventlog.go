// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package eventlog records engine trace events to xz-compressed JSON lines and replays them.
//
// Recordings are used to debug instrumentation offline: a recorded run can be replayed
// through a tracer into a local coverage map without the engine or the controller.
// Code units are interned: the first event of a unit is preceded by its definition.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/afltrace/pkg/engine"
	"github.com/google/afltrace/pkg/osutil"
	"github.com/ulikunitz/xz"
)

type record struct {
	Def     *unitDef    `json:"def,omitempty"`
	Iter    int         `json:"iter,omitempty"`
	Kind    engine.Kind `json:"k"`
	Unit    int         `json:"u"`
	Offset  int         `json:"o"`
	Line    int         `json:"ln"`
	Resumed bool        `json:"r,omitempty"`
}

type unitDef struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	File      string `json:"file"`
	FirstLine int    `json:"first_line"`
}

type Writer struct {
	file  io.Closer
	bw    *bufio.Writer
	xw    *xz.Writer
	enc   *json.Encoder
	units map[engine.CodeUnit]int
	iters int
}

// Create creates filename (and its directory) and returns a writer into it.
func Create(filename string) (*Writer, error) {
	if err := osutil.MkdirAll(filepath.Dir(filename)); err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	xw, err := xz.NewWriter(bw)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz writer: %w", err)
	}
	return &Writer{
		bw:    bw,
		xw:    xw,
		enc:   json.NewEncoder(xw),
		units: make(map[engine.CodeUnit]int),
	}, nil
}

// Record implements trace.Recorder.
func (w *Writer) Record(ev engine.Event) error {
	if ev.Frame == nil {
		return fmt.Errorf("event %v has no frame", ev.Kind)
	}
	unit := ev.Frame.Unit()
	id, ok := w.units[unit]
	if !ok {
		id = len(w.units)
		w.units[unit] = id
		def := &unitDef{ID: id, Name: unit.Name, File: unit.File, FirstLine: unit.FirstLine}
		if err := w.enc.Encode(record{Def: def}); err != nil {
			return err
		}
	}
	return w.enc.Encode(record{
		Kind:    ev.Kind,
		Unit:    id,
		Offset:  ev.Frame.Offset(),
		Line:    ev.Frame.Line(),
		Resumed: ev.Resumed,
	})
}

// Boundary marks the start of a new fuzzing iteration.
func (w *Writer) Boundary() error {
	w.iters++
	return w.enc.Encode(record{Iter: w.iters})
}

// Close flushes all data. It closes the underlying file only if the writer was made by Create.
func (w *Writer) Close() error {
	err := w.xw.Close()
	if err1 := w.bw.Flush(); err == nil {
		err = err1
	}
	if w.file != nil {
		if err1 := w.file.Close(); err == nil {
			err = err1
		}
	}
	return err
}

// Entry is either a trace event or an iteration boundary.
type Entry struct {
	Event    engine.Event
	Boundary bool
}

type Reader struct {
	file  io.Closer
	dec   *json.Decoder
	units map[int]engine.CodeUnit
}

func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func NewReader(r io.Reader) (*Reader, error) {
	xr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return &Reader{
		dec:   json.NewDecoder(xr),
		units: make(map[int]engine.CodeUnit),
	}, nil
}

// Next returns the next entry, or io.EOF after the last one.
func (r *Reader) Next() (Entry, error) {
	for {
		var rec record
		if err := r.dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Entry{}, io.EOF
			}
			return Entry{}, fmt.Errorf("corrupted event log: %w", err)
		}
		if rec.Def != nil {
			r.units[rec.Def.ID] = engine.CodeUnit{
				Name:      rec.Def.Name,
				File:      rec.Def.File,
				FirstLine: rec.Def.FirstLine,
			}
			continue
		}
		if rec.Iter != 0 {
			return Entry{Boundary: true}, nil
		}
		unit, ok := r.units[rec.Unit]
		if !ok {
			return Entry{}, fmt.Errorf("corrupted event log: undefined unit %v", rec.Unit)
		}
		return Entry{Event: engine.Event{
			Kind:    rec.Kind,
			Frame:   &Frame{unit: unit, offset: rec.Offset, line: rec.Line},
			Resumed: rec.Resumed,
		}}, nil
	}
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Frame is a recorded frame snapshot.
type Frame struct {
	unit   engine.CodeUnit
	offset int
	line   int
}

func (f *Frame) Unit() engine.CodeUnit { return f.unit }
func (f *Frame) Offset() int           { return f.offset }
func (f *Frame) Line() int             { return f.line }
func (f *Frame) ArmInstructions()      {}

// Target is what a recording is replayed into, normally a *trace.Tracer.
type Target interface {
	engine.Handler
	ResetEdgeState()
}

// Replay feeds all entries of r to t and returns the number of events and iterations.
func Replay(r *Reader, t Target) (events, iters int, err error) {
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return events, iters, nil
		}
		if err != nil {
			return events, iters, err
		}
		if entry.Boundary {
			iters++
			t.ResetEdgeState()
			continue
		}
		events++
		t.Trace(entry.Event)
	}
}
