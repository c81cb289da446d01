// Package replay filters duplicate and stale packet IVs with a sliding window.
//
// Senders draw IVs from a monotonically increasing counter. The receiver accepts
// each IV at most once, and rejects IVs more than [WindowSize] behind the
// highest IV seen.
package replay

import (
	"errors"
	"math/bits"
)

const (
	blockBits  = bits.UintSize
	ringBlocks = 1 << 4

	// WindowSize is the number of IVs behind the latest one that are still tracked.
	WindowSize = (ringBlocks - 1) * blockBits
)

var (
	ErrBehindWindow = errors.New("replay: IV behind sliding window")
	ErrDuplicate    = errors.New("replay: IV already received")
)

// Window tracks received IVs. The zero value is ready for use.
//
// Window is not safe for concurrent use.
type Window struct {
	last  uint64
	count uint64
	seen  bool
	ring  [ringBlocks]uint
}

// Last returns the highest IV accepted.
func (w *Window) Last() uint64 {
	return w.last
}

// Count returns the number of IVs accepted.
func (w *Window) Count() uint64 {
	return w.count
}

// Accept records iv, or returns an error if it was already seen or is too old.
func (w *Window) Accept(iv uint64) error {
	unmaskedBlockIndex := iv / blockBits
	blockIndex := unmaskedBlockIndex % ringBlocks
	bitIndex := iv % blockBits

	switch {
	case !w.seen:
		w.seen = true
		w.last = iv

	case iv > w.last: // Ahead of window, clear blocks ahead.
		lastBlockIndex := w.last / blockBits
		clearBlockCount := min(unmaskedBlockIndex-lastBlockIndex, ringBlocks)
		for range clearBlockCount {
			lastBlockIndex = (lastBlockIndex + 1) % ringBlocks
			w.ring[lastBlockIndex] = 0
		}
		w.last = iv

	case w.last-iv >= WindowSize:
		return ErrBehindWindow

	case w.ring[blockIndex]&(1<<bitIndex) != 0:
		return ErrDuplicate
	}

	w.count++
	w.ring[blockIndex] |= 1 << bitIndex
	return nil
}
