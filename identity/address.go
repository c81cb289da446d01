package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// AddressSize is the size of an address on the wire.
const AddressSize = 5

const addressMask = 1<<(AddressSize*8) - 1

// AddressReservedPrefix is the first byte of addresses reserved for future use.
const AddressReservedPrefix = 0xff

var ErrInvalidAddress = errors.New("identity: invalid address")

// Address is the 40-bit legacy address of a node, stored in the low bits.
//
// Addresses are derived from legacy key material only. An identity and its
// upgraded form share the same address.
type Address uint64

// AddressFromBytes reads an address from the first 5 bytes of b.
func AddressFromBytes(b []byte) Address {
	_ = b[AddressSize-1]
	return Address(b[0])<<32 | Address(b[1])<<24 | Address(b[2])<<16 | Address(b[3])<<8 | Address(b[4])
}

// ParseAddress parses a 10-digit hexadecimal address.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressSize*2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}
	return Address(v), nil
}

// PutBytes writes the address into the first 5 bytes of b.
func (a Address) PutBytes(b []byte) {
	_ = b[AddressSize-1]
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// Bytes returns the wire form of the address.
func (a Address) Bytes() (b [AddressSize]byte) {
	a.PutBytes(b[:])
	return b
}

// IsReserved returns whether the address is zero or in the reserved range.
func (a Address) IsReserved() bool {
	return a == 0 || byte(a>>32) == AddressReservedPrefix
}

// String returns the address as 10 hexadecimal digits.
func (a Address) String() string {
	b := a.Bytes()
	return hex.EncodeToString(b[:])
}

// MarshalText implements [encoding.TextMarshaler].
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// HashSize is the size of the hash in a [Fingerprint].
const HashSize = 48

// Fingerprint is the full identity of a node: its address plus a hash
// over all of its public key material.
type Fingerprint struct {
	Address Address
	Hash    [HashSize]byte
}

// String returns the address and hash in hexadecimal, separated by a dash.
func (fp Fingerprint) String() string {
	return fp.Address.String() + "-" + hex.EncodeToString(fp.Hash[:])
}
