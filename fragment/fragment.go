// Package fragment reassembles packets that were split into up to
// [MaxFragments] wire fragments delivered in any order.
//
// Fragment 0 is the head of the packet and does not know how many fragments
// follow. Every other fragment carries the total count.
package fragment

import (
	"math/bits"

	"github.com/database64128/vl1-go/slicehelper"
)

// MaxFragments is the maximum number of fragments per packet, including the head.
const MaxFragments = 8

// Set collects the fragments of one packet.
//
// The zero value is an empty set created at tick 0.
type Set struct {
	// TS is the creation time in ticks, used by the owner to expire
	// sets that never complete.
	TS int64

	frags     [MaxFragments][]byte
	have      uint8
	expecting uint8
	done      bool
}

// NewSet returns an empty set created at ts.
func NewSet(ts int64) *Set {
	return &Set{TS: ts}
}

// Add stores a fragment with the given index. expectedCount is the total
// number of fragments declared by the fragment, or 0 if unknown (the head).
//
// Out-of-range indices, already received indices, indices outside a known
// expected count, and calls on a completed set are ignored.
// The first non-zero expected count wins; later conflicting counts are ignored.
//
// When the last expected fragment arrives, Add returns the fragments in order
// and true. Ownership of the returned slices moves to the caller and the set
// must not be used again.
func (s *Set) Add(frag []byte, index, expectedCount int) ([][]byte, bool) {
	if s.done || index < 0 || index >= MaxFragments {
		return nil, false
	}

	bit := uint8(1) << index
	if s.have&bit != 0 {
		return nil, false
	}

	if expectedCount > 0 {
		if expectedCount > MaxFragments || index >= expectedCount {
			return nil, false
		}
		if s.expecting == 0 {
			s.expecting = uint8(1<<expectedCount - 1)
			// Drop anything received beyond the now known count.
			for extra := s.have &^ s.expecting; extra != 0; extra &= extra - 1 {
				i := bits.TrailingZeros8(extra)
				s.frags[i] = nil
			}
			s.have &= s.expecting
		}
	}

	if s.expecting != 0 && s.expecting&bit == 0 {
		return nil, false
	}

	s.frags[index] = frag
	s.have |= bit

	if s.have != s.expecting {
		return nil, false
	}

	s.done = true
	n := bits.OnesCount8(s.expecting)
	out := make([][]byte, n)
	copy(out, s.frags[:n])
	clear(s.frags[:])
	return out, true
}

// Complete reports whether the set has been completed by [Set.Add].
func (s *Set) Complete() bool {
	return s.done
}

// Count returns the number of fragments currently held.
func (s *Set) Count() int {
	return bits.OnesCount8(s.have)
}

// Expected returns the declared fragment count, or 0 if not yet known.
func (s *Set) Expected() int {
	return bits.OnesCount8(s.expecting)
}

// Expired reports whether the set was created at least timeout ticks before now.
func (s *Set) Expired(now, timeout int64) bool {
	return now-s.TS >= timeout
}

// Assemble appends the concatenation of frags to dst.
func Assemble(dst []byte, frags [][]byte) []byte {
	var n int
	for _, f := range frags {
		n += len(f)
	}
	dst, tail := slicehelper.Extend(dst, n)
	for _, f := range frags {
		tail = tail[copy(tail, f):]
	}
	return dst
}
