package packet

import (
	"github.com/database64128/vl1-go/aessiv"
	"github.com/database64128/vl1-go/identity"
)

// aadSize is dest + source + flags.
const aadSize = 2*identity.AddressSize + 1

// aad returns the header fields authenticated alongside the payload.
// Hops are excluded because relays increment them.
func aad(pkt []byte) (a [aadSize]byte) {
	copy(a[:], pkt[IndexDest:IndexFlags+1])
	a[aadSize-1] &^= FlagHopsMask
	return a
}

// Armor encrypts the verb and payload of pkt in place with c and iv, and writes
// the tag into the ID and MAC fields. The cipher suite flag is set before
// authentication.
func Armor(c *aessiv.Cipher, pkt []byte, iv [aessiv.IVSize]byte) {
	pkt[IndexFlags] = pkt[IndexFlags]&^FlagCipherMask | CipherAESGMACSIV<<3
	a := aad(pkt)
	tag := c.EncryptMessage(iv, a[:], pkt[IndexVerb:])
	copy(pkt[IndexID:IndexDest], tag[:8])
	copy(pkt[IndexMAC:IndexVerb], tag[8:])
}

// Dearmor decrypts pkt in place with c. It returns false if the packet does
// not authenticate, in which case its contents must be discarded.
func Dearmor(c *aessiv.Cipher, pkt []byte) bool {
	if len(pkt) < MinPacketSize || (pkt[IndexFlags]&FlagCipherMask)>>3 != CipherAESGMACSIV {
		return false
	}
	var tag [aessiv.TagSize]byte
	copy(tag[:8], pkt[IndexID:IndexDest])
	copy(tag[8:], pkt[IndexMAC:IndexVerb])
	a := aad(pkt)
	return c.DecryptMessage(tag, a[:], pkt[IndexVerb:])
}
