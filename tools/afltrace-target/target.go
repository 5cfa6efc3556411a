// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	"github.com/google/afltrace/pkg/engine"
)

// The target is executed through the reference interpreter: every unit of the
// program below is a code unit and every Step is an instruction offset.
var (
	unitMain = engine.CodeUnit{Name: "<module>", File: "target.go", FirstLine: 1}
	unitEasy = engine.CodeUnit{Name: "easy", File: "target.go", FirstLine: 10}
	unitHard = engine.CodeUnit{Name: "hard", File: "target.go", FirstLine: 17}
	unitRec  = engine.CodeUnit{Name: "rec", File: "target.go", FirstLine: 22}
)

var errMatched = errors.New("input matched")

type target struct {
	in    *engine.Interp
	check func(data []byte) (bool, error)
	depth int
}

func newTarget(in *engine.Interp, check string, depth int) (*target, error) {
	t := &target{
		in:    in,
		depth: depth,
	}
	switch check {
	case "easy":
		t.check = t.easy
	case "hard":
		t.check = t.hard
	default:
		return nil, fmt.Errorf("unknown check %q, want easy or hard", check)
	}
	return t, nil
}

// run processes one input. The returned error is uncaught by the program.
func (t *target) run(data []byte) error {
	return t.in.Call(unitMain, func(f *engine.InterpFrame) error {
		f.Step(0)
		matched, err := t.rec(t.depth, data)
		if err != nil {
			return err
		}
		f.Step(2)
		if matched {
			f.Step(4)
			return errMatched
		}
		f.Step(6)
		return nil
	})
}

func pad(data []byte) []byte {
	return append(data[:len(data):len(data)], "    "...)
}

// easy branches on every byte separately.
func (t *target) easy(data []byte) (bool, error) {
	res := false
	err := t.in.Call(unitEasy, func(f *engine.InterpFrame) error {
		f.Step(0)
		data = pad(data)
		f.Step(2)
		if data[0] == 'x' {
			f.Step(4)
			if data[3] == 'y' {
				f.Step(6)
				res = true
				return nil
			}
		}
		f.Step(8)
		return nil
	})
	return res, err
}

// hard checks both bytes in a single branch.
func (t *target) hard(data []byte) (bool, error) {
	res := false
	err := t.in.Call(unitHard, func(f *engine.InterpFrame) error {
		f.Step(0)
		data = pad(data)
		f.Step(2)
		if data[0] == 'x' && data[3] == 'y' {
			f.Step(4)
			res = true
			return nil
		}
		f.Step(6)
		return nil
	})
	return res, err
}

// rec applies the check to data and to its n suffixes, returning the result for the last one.
func (t *target) rec(n int, data []byte) (bool, error) {
	res := false
	err := t.in.Call(unitRec, func(f *engine.InterpFrame) error {
		f.SetLine(unitRec.FirstLine + 1)
		f.Step(0)
		var err error
		if n != 0 {
			f.SetLine(unitRec.FirstLine + 2)
			f.Step(2)
			if _, err = t.check(data); err != nil {
				return err
			}
			f.SetLine(unitRec.FirstLine + 3)
			f.Step(4)
			if len(data) != 0 {
				data = data[1:]
			}
			res, err = t.rec(n-1, data)
			return err
		}
		f.SetLine(unitRec.FirstLine + 4)
		f.Step(6)
		res, err = t.check(data)
		return err
	})
	return res, err
}
