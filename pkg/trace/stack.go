// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"errors"

	"github.com/google/afltrace/pkg/engine"
)

// ErrUnbalanced is the panic value of a Pop without a matching Push.
// It means the engine's enter/exit events were misread.
var ErrUnbalanced = errors.New("frame stack: pop without matching push")

// FrameStack tracks the hash of the executing frame and of its callers.
// The hash of the caller is restored from the stack on exit, not recomputed from the engine.
type FrameStack struct {
	cur   FrameHash
	saved []FrameHash
}

// Push makes unit the current frame and returns its hash.
func (s *FrameStack) Push(unit engine.CodeUnit) FrameHash {
	s.saved = append(s.saved, s.cur)
	s.cur = HashCodeUnit(unit)
	return s.cur
}

// Pop restores the previous current frame. It panics with ErrUnbalanced on an empty stack.
func (s *FrameStack) Pop() {
	n := len(s.saved)
	if n == 0 {
		panic(ErrUnbalanced)
	}
	s.cur = s.saved[n-1]
	s.saved = s.saved[:n-1]
}

func (s *FrameStack) Current() FrameHash {
	return s.cur
}

func (s *FrameStack) Depth() int {
	return len(s.saved)
}

func (s *FrameStack) Reset() {
	s.cur = 0
	s.saved = s.saved[:0]
}
