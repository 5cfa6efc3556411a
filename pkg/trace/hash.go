// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package trace

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/afltrace/pkg/engine"
)

// FrameHash identifies a code unit. Different units collide only by chance.
type FrameHash uint64

// Location identifies an instruction within a code unit, together with the normal/exception path.
type Location uint32

const (
	// golden is 2^64 divided by the golden ratio.
	golden = 0x9e3779b97f4a7c15
	// ExceptionSalt moves edges taken by a propagating exception away from the normal edges
	// of the same instruction.
	ExceptionSalt = 0x5bd1e9955bd1e995
)

func combine(seed, h uint64) uint64 {
	return seed ^ (h + golden + (seed << 6) + (seed >> 2))
}

// mix is the splitmix64 finalizer; it spreads small integers (lines, offsets) over all bits.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// HashCodeUnit combines file, name and first line, in this order.
func HashCodeUnit(unit engine.CodeUnit) FrameHash {
	seed := uint64(golden)
	seed = combine(seed, xxhash.Sum64String(unit.File))
	seed = combine(seed, xxhash.Sum64String(unit.Name))
	seed = combine(seed, mix(uint64(unit.FirstLine)))
	return FrameHash(seed)
}

// HashInstruction folds the frame hash, the instruction offset and the exception flag into a Location.
func HashInstruction(frame FrameHash, offset int, exception bool) Location {
	seed := uint64(golden)
	seed = combine(seed, uint64(frame))
	seed = combine(seed, mix(uint64(offset)))
	if exception {
		seed = combine(seed, ExceptionSalt)
	}
	seed = mix(seed)
	return Location(seed ^ seed>>32)
}
