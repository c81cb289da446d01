// Package packet defines the VL1 wire layout and transforms packets between
// plaintext, armored (encrypted and authenticated), and fragmented forms.
//
//	packet:   [0:8) tag[0:8] | [8:13) dest | [13:18) source | [18] flags | [19:27) tag[8:16] | [27:) verb + payload
//	fragment: [0:8) packet ID | [8:13) dest | [13] 0xff | [14] total<<4 | index | [15] hops | [16:) payload
//
// A fragment is told apart from a packet by byte 13, which for a packet is the
// first byte of the source address and can never be the reserved prefix 0xff.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/database64128/vl1-go/buffer"
	"github.com/database64128/vl1-go/identity"
	"github.com/database64128/vl1-go/slicehelper"
)

const (
	IndexID     = 0
	IndexDest   = 8
	IndexSource = 13
	IndexFlags  = 18
	IndexMAC    = 19
	IndexVerb   = 27

	// HeaderSize is the size of the packet header before the encrypted part.
	HeaderSize = IndexVerb

	// MinPacketSize is the size of a packet with a verb and no payload.
	MinPacketSize = HeaderSize + 1

	FragmentIndexIndicator = 13
	FragmentIndexNo        = 14
	FragmentIndexHops      = 15

	// FragmentHeaderSize is the size of the fragment header.
	FragmentHeaderSize = 16

	// FragmentIndicator marks a datagram as a fragment.
	FragmentIndicator = identity.AddressReservedPrefix
)

const (
	FlagFragmented = 0x40
	FlagCipherMask = 0x38
	FlagHopsMask   = 0x07

	// CipherAESGMACSIV is the cipher suite of packets armored by [Armor].
	CipherAESGMACSIV = 3
)

var (
	ErrPacketTooSmall   = errors.New("packet too small")
	ErrFragmentTooSmall = errors.New("fragment too small")
)

// Header is the cleartext header of a packet.
type Header struct {
	// ID is the first half of the tag. It identifies the packet and its fragments.
	ID     uint64
	Dest   identity.Address
	Source identity.Address
	Flags  byte
}

// Fragmented returns whether the packet is the head of a fragmented packet.
func (h Header) Fragmented() bool {
	return h.Flags&FlagFragmented != 0
}

// Cipher returns the cipher suite.
func (h Header) Cipher() byte {
	return (h.Flags & FlagCipherMask) >> 3
}

// Hops returns the hop count.
func (h Header) Hops() byte {
	return h.Flags & FlagHopsMask
}

// IsFragment returns whether b is a fragment rather than a packet.
func IsFragment(b []byte) bool {
	return len(b) > FragmentIndexIndicator && b[FragmentIndexIndicator] == FragmentIndicator
}

// ParseHeader parses the header of a packet.
func ParseHeader(b []byte) (h Header, err error) {
	if len(b) < MinPacketSize {
		return h, fmt.Errorf("%w: length %d", ErrPacketTooSmall, len(b))
	}

	r := buffer.Wrap(b)
	if h.ID, err = r.ReadUint64(); err != nil {
		return h, err
	}
	dest, err := r.Read(identity.AddressSize)
	if err != nil {
		return h, err
	}
	source, err := r.Read(identity.AddressSize)
	if err != nil {
		return h, err
	}
	if h.Flags, err = r.ReadUint8(); err != nil {
		return h, err
	}
	h.Dest = identity.AddressFromBytes(dest)
	h.Source = identity.AddressFromBytes(source)
	return h, nil
}

// AppendPacket appends a plaintext packet to dst and returns the extended
// slice. The tag fields are left zero for [Armor].
func AppendPacket(dst []byte, dest, source identity.Address, verb byte, payload []byte) []byte {
	dst, pkt := slicehelper.Extend(dst, MinPacketSize+len(payload))
	clear(pkt[:HeaderSize])
	dest.PutBytes(pkt[IndexDest:])
	source.PutBytes(pkt[IndexSource:])
	pkt[IndexVerb] = verb
	copy(pkt[MinPacketSize:], payload)
	return dst
}

// SetFragmented sets or clears the fragmented flag. It must be called before [Armor].
func SetFragmented(pkt []byte, fragmented bool) {
	if fragmented {
		pkt[IndexFlags] |= FlagFragmented
	} else {
		pkt[IndexFlags] &^= FlagFragmented
	}
}

// Verb returns the verb of a dearmored packet.
func Verb(pkt []byte) byte {
	return pkt[IndexVerb]
}

// Payload returns the payload of a dearmored packet.
func Payload(pkt []byte) []byte {
	return pkt[MinPacketSize:]
}

// FragmentHeader is the header of a body fragment.
type FragmentHeader struct {
	ID    uint64
	Dest  identity.Address
	Index int
	Total int
	Hops  byte
}

// ParseFragmentHeader parses the header of a fragment.
// Index and total are returned as received; validating them is up to the reassembler.
func ParseFragmentHeader(b []byte) (h FragmentHeader, err error) {
	if len(b) < FragmentHeaderSize {
		return h, fmt.Errorf("%w: length %d", ErrFragmentTooSmall, len(b))
	}
	h.ID = binary.BigEndian.Uint64(b[IndexID:])
	h.Dest = identity.AddressFromBytes(b[IndexDest:])
	h.Total = int(b[FragmentIndexNo] >> 4)
	h.Index = int(b[FragmentIndexNo] & 0x0f)
	h.Hops = b[FragmentIndexHops] & FlagHopsMask
	return h, nil
}
