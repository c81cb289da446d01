package packet

import (
	"errors"
	"fmt"

	"github.com/database64128/vl1-go/fragment"
)

const (
	// MinMTU is the smallest MTU that fits a header and some payload in every datagram.
	MinMTU = 64

	// DefaultMTU is the default maximum datagram size.
	DefaultMTU = 1432
)

var (
	ErrMTUTooSmall    = errors.New("MTU must be at least 64")
	ErrPacketTooLarge = errors.New("packet needs more than 8 fragments")
)

// FragmentCount returns the number of datagrams a packet of length n needs at the given MTU.
func FragmentCount(n, mtu int) int {
	if n <= mtu {
		return 1
	}
	body := mtu - FragmentHeaderSize
	return 1 + (n-mtu+body-1)/body
}

// MaxPacketSize returns the largest packet that fits in [fragment.MaxFragments] datagrams.
func MaxPacketSize(mtu int) int {
	return mtu + (fragment.MaxFragments-1)*(mtu-FragmentHeaderSize)
}

// Fragment splits an armored packet into datagrams of at most mtu bytes and
// calls send for each, head first.
//
// Packets longer than mtu must have been flagged with [SetFragmented] before
// being armored. The slice passed to send is only valid during the call.
func Fragment(pkt []byte, mtu int, send func(b []byte) error) error {
	if mtu < MinMTU {
		return ErrMTUTooSmall
	}

	total := FragmentCount(len(pkt), mtu)
	if total == 1 {
		return send(pkt)
	}
	if total > fragment.MaxFragments {
		return fmt.Errorf("%w: length %d, MTU %d", ErrPacketTooLarge, len(pkt), mtu)
	}

	if err := send(pkt[:mtu]); err != nil {
		return err
	}

	buf := make([]byte, mtu)
	copy(buf[:IndexSource], pkt[:IndexSource])
	buf[FragmentIndexIndicator] = FragmentIndicator
	buf[FragmentIndexHops] = pkt[IndexFlags] & FlagHopsMask

	rest := pkt[mtu:]
	for i := 1; i < total; i++ {
		buf[FragmentIndexNo] = byte(total<<4 | i)
		n := copy(buf[FragmentHeaderSize:], rest)
		rest = rest[n:]
		if err := send(buf[:FragmentHeaderSize+n]); err != nil {
			return err
		}
	}
	return nil
}
