// Package identity implements node identities.
//
// Every identity has legacy key material (an X25519 key for agreement and an
// Ed25519 key for signatures). Modern identities additionally carry a P-384
// key. The 40-bit [Address] is derived from the legacy keys alone, while the
// [Fingerprint] covers all keys, so a legacy identity upgraded with a P-384 key
// keeps its address but gets a new fingerprint.
package identity

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/database64128/vl1-go/buffer"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	// X25519KeySize is the size of an X25519 public or private key.
	X25519KeySize = curve25519.ScalarSize

	// P384PublicKeySize is the size of an uncompressed P-384 public key.
	P384PublicKeySize = 97

	// SessionKeySize is the size of the key returned by [Secret.Agree].
	SessionKeySize = 32

	typeLegacy = 0
	typeModern = 1

	maxAddressAttempts = 64
)

var sessionKeyInfo = []byte("VL1 session key")

var (
	ErrUnknownType      = errors.New("identity: unknown identity type")
	ErrAddressMismatch  = errors.New("identity: address does not match key material")
	ErrReservedAddress  = errors.New("identity: address is reserved")
	ErrAddressExhausted = errors.New("identity: failed to generate an unreserved address")
)

// Identity is the public part of a node identity. It is immutable.
type Identity struct {
	address     Address
	fingerprint Fingerprint
	x25519      [X25519KeySize]byte
	ed25519     [ed25519.PublicKeySize]byte
	p384        *ecdh.PublicKey
}

func newIdentity(x25519, ed25519Pub []byte, p384 *ecdh.PublicKey) *Identity {
	id := Identity{p384: p384}
	copy(id.x25519[:], x25519)
	copy(id.ed25519[:], ed25519Pub)

	sum := blake3.Sum256(append(id.x25519[:], id.ed25519[:]...))
	id.address = AddressFromBytes(sum[:]) & addressMask

	h := blake3.New(HashSize, nil)
	h.Write(id.x25519[:])
	h.Write(id.ed25519[:])
	if p384 != nil {
		h.Write(p384.Bytes())
	}
	copy(id.fingerprint.Hash[:], h.Sum(nil))
	id.fingerprint.Address = id.address

	return &id
}

// Address returns the 40-bit legacy address.
func (id *Identity) Address() Address {
	return id.address
}

// Fingerprint returns the full identity.
func (id *Identity) Fingerprint() Fingerprint {
	return id.fingerprint
}

// IsLegacyOnly returns whether the identity lacks modern key material.
func (id *Identity) IsLegacyOnly() bool {
	return id.p384 == nil
}

// Equal returns whether both identities have the same key material.
func (id *Identity) Equal(other *Identity) bool {
	return id.fingerprint == other.fingerprint
}

// Verify checks an Ed25519 signature made by [Secret.Sign].
func (id *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(id.ed25519[:], message, sig)
}

// String returns the fingerprint in text form.
func (id *Identity) String() string {
	return id.fingerprint.String()
}

// MarshaledSize returns the number of bytes written by [Identity.Marshal].
func (id *Identity) MarshaledSize() int {
	n := AddressSize + 1 + X25519KeySize + ed25519.PublicKeySize
	if id.p384 != nil {
		n += P384PublicKeySize
	}
	return n
}

// Marshal appends the wire form of the identity to b.
//
//	address (5) | type (1) | x25519 (32) | ed25519 (32) [| p384 (97)]
func (id *Identity) Marshal(b *buffer.Buffer) error {
	addr := id.address.Bytes()
	if err := b.Append(addr[:]); err != nil {
		return err
	}
	t := uint8(typeLegacy)
	if id.p384 != nil {
		t = typeModern
	}
	if err := b.AppendUint8(t); err != nil {
		return err
	}
	if err := b.Append(id.x25519[:]); err != nil {
		return err
	}
	if err := b.Append(id.ed25519[:]); err != nil {
		return err
	}
	if id.p384 != nil {
		return b.Append(id.p384.Bytes())
	}
	return nil
}

// Unmarshal reads an identity written by [Identity.Marshal] and verifies
// that the address matches the key material.
func Unmarshal(b *buffer.Buffer) (*Identity, error) {
	addrBuf, err := b.Read(AddressSize)
	if err != nil {
		return nil, err
	}
	t, err := b.ReadUint8()
	if err != nil {
		return nil, err
	}
	x, err := b.Read(X25519KeySize)
	if err != nil {
		return nil, err
	}
	ed, err := b.Read(ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	var p384 *ecdh.PublicKey
	switch t {
	case typeLegacy:
	case typeModern:
		p, err := b.Read(P384PublicKeySize)
		if err != nil {
			return nil, err
		}
		p384, err = ecdh.P384().NewPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("identity: invalid P-384 public key: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}

	id := newIdentity(x, ed, p384)
	if want := AddressFromBytes(addrBuf); id.address != want {
		return nil, fmt.Errorf("%w: got %s, computed %s", ErrAddressMismatch, want, id.address)
	}
	if id.address.IsReserved() {
		return nil, ErrReservedAddress
	}
	return id, nil
}

// Secret is an identity together with its private keys.
type Secret struct {
	*Identity
	x25519Priv  [X25519KeySize]byte
	ed25519Priv ed25519.PrivateKey
	p384Priv    *ecdh.PrivateKey
}

// Generate creates a new identity. If legacyOnly is false, the identity also
// gets a P-384 key.
func Generate(legacyOnly bool) (*Secret, error) {
	for range maxAddressAttempts {
		s, err := generateLegacy()
		if err != nil {
			return nil, err
		}
		if s.address.IsReserved() {
			continue
		}
		if legacyOnly {
			return s, nil
		}
		return s.Upgrade()
	}
	return nil, ErrAddressExhausted
}

func generateLegacy() (*Secret, error) {
	var s Secret
	if _, err := io.ReadFull(rand.Reader, s.x25519Priv[:]); err != nil {
		return nil, err
	}
	xPub, err := curve25519.X25519(s.x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	s.ed25519Priv = edPriv
	s.Identity = newIdentity(xPub, edPub, nil)
	return &s, nil
}

// Upgrade returns a modern identity with the same legacy keys, and thus the
// same address, plus a freshly generated P-384 key.
func (s *Secret) Upgrade() (*Secret, error) {
	p384, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Secret{
		Identity:    newIdentity(s.x25519[:], s.ed25519[:], p384.PublicKey()),
		x25519Priv:  s.x25519Priv,
		ed25519Priv: s.ed25519Priv,
		p384Priv:    p384,
	}, nil
}

// Public returns the public identity.
func (s *Secret) Public() *Identity {
	return s.Identity
}

// Sign signs message with the Ed25519 key.
func (s *Secret) Sign(message []byte) []byte {
	return ed25519.Sign(s.ed25519Priv, message)
}

// Agree derives a symmetric session key shared with peer.
//
// If both sides have modern key material, the P-384 shared secret is mixed
// in after the X25519 shared secret. Both sides derive the same key.
func (s *Secret) Agree(peer *Identity) (key [SessionKeySize]byte, err error) {
	ikm, err := curve25519.X25519(s.x25519Priv[:], peer.x25519[:])
	if err != nil {
		return key, fmt.Errorf("identity: X25519 agreement failed: %w", err)
	}

	if s.p384Priv != nil && peer.p384 != nil {
		p, err := s.p384Priv.ECDH(peer.p384)
		if err != nil {
			return key, fmt.Errorf("identity: P-384 agreement failed: %w", err)
		}
		ikm = append(ikm, p...)
	}

	// Bind the key to both fingerprints regardless of which side derives it.
	a, b := s.fingerprint.Hash[:], peer.fingerprint.Hash[:]
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	salt := make([]byte, 0, 2*HashSize)
	salt = append(salt, a...)
	salt = append(salt, b...)

	if _, err = io.ReadFull(hkdf.New(sha512.New384, ikm, salt, sessionKeyInfo), key[:]); err != nil {
		return key, err
	}
	return key, nil
}
