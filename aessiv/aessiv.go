// Package aessiv implements AES-GMAC-SIV, a two-pass synthetic IV AEAD
// for single packets.
//
// The first pass computes GMAC over the plaintext under a subkey K0 and a
// 64-bit caller IV. The IV and the folded 64-bit MAC are encrypted with a
// second subkey K1 to form the 128-bit tag. The tag then seeds AES-CTR under
// K1 for the second pass. Decryption runs CTR first, then recomputes the MAC
// over the recovered plaintext.
//
// A [Cipher] processes exactly one message at a time. Every message starts
// with [Cipher.Reset] and ends with [Cipher.EncryptSecondPassFinish] or
// [Cipher.DecryptFinish]. Calling methods out of order panics.
package aessiv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the key passed to [New].
	KeySize = 32

	// IVSize is the size of the public per-message IV.
	IVSize = 8

	// TagSize is the size of the tag.
	TagSize = 16

	// BlockSize is the AES block size.
	BlockSize = aes.BlockSize

	subkeySize = 32
)

var (
	k0Info = []byte("AES-GMAC-SIV K0")
	k1Info = []byte("AES-GMAC-SIV K1")
)

var ErrKeySize = errors.New("aessiv: key must be 32 bytes")

type phase uint8

const (
	phaseIdle phase = iota
	phaseEncryptInit
	phaseEncryptFirstPass
	phaseEncryptSecondPass
	phaseDecrypt
	phaseDone
)

// Cipher is an AES-GMAC-SIV context. The key schedules are computed once by
// [New] and reused for every message.
type Cipher struct {
	k0   cipher.Block
	k1   cipher.Block
	hkey ghashKey

	gmac       ghash
	j0         [BlockSize]byte
	tag        [TagSize]byte
	ctr        cipher.Stream
	firstLen   uint64
	secondLen  uint64
	aadAllowed bool
	phase      phase
}

// New returns a new cipher for the given 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	var k0, k1 [subkeySize]byte
	if err := deriveSubkey(k0[:], key, k0Info); err != nil {
		return nil, err
	}
	if err := deriveSubkey(k1[:], key, k1Info); err != nil {
		return nil, err
	}

	b0, err := aes.NewCipher(k0[:])
	if err != nil {
		return nil, err
	}
	b1, err := aes.NewCipher(k1[:])
	if err != nil {
		return nil, err
	}

	c := Cipher{
		k0: b0,
		k1: b1,
	}

	var h [BlockSize]byte
	b0.Encrypt(h[:], h[:])
	c.hkey = newGHASHKey(&h)

	return &c, nil
}

func deriveSubkey(dst, key, info []byte) error {
	_, err := io.ReadFull(hkdf.New(sha512.New384, key, nil, info), dst)
	return err
}

// Reset clears all per-message state. It must be called before each message.
func (c *Cipher) Reset() {
	c.gmac.reset(&c.hkey)
	clear(c.j0[:])
	clear(c.tag[:])
	c.ctr = nil
	c.firstLen = 0
	c.secondLen = 0
	c.aadAllowed = false
	c.phase = phaseIdle
}

func (c *Cipher) expect(p phase, op string) {
	if c.phase != p {
		panic("aessiv: " + op + " called out of order")
	}
}

// initGMAC starts a GMAC computation with nonce iv ‖ 0⁴.
func (c *Cipher) initGMAC(iv []byte) {
	c.gmac.reset(&c.hkey)
	clear(c.j0[:])
	copy(c.j0[:IVSize], iv)
	c.j0[BlockSize-1] = 1
	c.aadAllowed = true
}

// finishGMAC folds the 128-bit GMAC into 64 bits.
func (c *Cipher) finishGMAC() (mac [8]byte) {
	var s, ek [BlockSize]byte
	c.gmac.sum(&s)
	c.k0.Encrypt(ek[:], c.j0[:])
	for i := range mac {
		mac[i] = s[i] ^ ek[i] ^ s[i+8] ^ ek[i+8]
	}
	return mac
}

// initCTR seeds the keystream with the tag, clearing the top bit of
// byte 12 so that a 32-bit block counter cannot overflow into the nonce.
func (c *Cipher) initCTR() {
	var iv [BlockSize]byte
	copy(iv[:], c.tag[:])
	iv[12] &= 0x7f
	c.ctr = cipher.NewCTR(c.k1, iv[:])
}

func (c *Cipher) setAAD(aad []byte) {
	if !c.aadAllowed {
		panic("aessiv: AAD must be set before any payload")
	}
	c.gmac.write(aad)
	c.gmac.pad()
}

// EncryptInit starts encrypting a message with the given IV.
func (c *Cipher) EncryptInit(iv [IVSize]byte) {
	c.expect(phaseIdle, "EncryptInit")
	copy(c.tag[:IVSize], iv[:])
	c.initGMAC(iv[:])
	c.phase = phaseEncryptInit
}

// EncryptSetAAD sets additional authenticated data. It may only be called
// once, after EncryptInit and before EncryptFirstPass.
func (c *Cipher) EncryptSetAAD(aad []byte) {
	c.expect(phaseEncryptInit, "EncryptSetAAD")
	c.setAAD(aad)
	c.aadAllowed = false
}

// EncryptFirstPass feeds plaintext into the MAC. It may be called any number of times.
func (c *Cipher) EncryptFirstPass(plaintext []byte) {
	switch c.phase {
	case phaseEncryptInit:
		c.aadAllowed = false
		c.phase = phaseEncryptFirstPass
	case phaseEncryptFirstPass:
	default:
		panic("aessiv: EncryptFirstPass called out of order")
	}
	c.gmac.write(plaintext)
	c.firstLen += uint64(len(plaintext))
}

// EncryptFirstPassFinish computes the tag and prepares the keystream for the second pass.
func (c *Cipher) EncryptFirstPassFinish() {
	switch c.phase {
	case phaseEncryptInit, phaseEncryptFirstPass:
	default:
		panic("aessiv: EncryptFirstPassFinish called out of order")
	}
	mac := c.finishGMAC()
	copy(c.tag[IVSize:], mac[:])
	c.k1.Encrypt(c.tag[:], c.tag[:])
	c.initCTR()
	c.phase = phaseEncryptSecondPass
}

// EncryptSecondPass encrypts src into dst. dst and src may overlap entirely.
// The total length over all calls must equal the first pass total.
func (c *Cipher) EncryptSecondPass(dst, src []byte) {
	c.expect(phaseEncryptSecondPass, "EncryptSecondPass")
	c.secondLen += uint64(len(src))
	if c.secondLen > c.firstLen {
		panic("aessiv: second pass is longer than first pass")
	}
	c.ctr.XORKeyStream(dst, src)
}

// EncryptSecondPassInPlace encrypts b in place.
func (c *Cipher) EncryptSecondPassInPlace(b []byte) {
	c.EncryptSecondPass(b, b)
}

// EncryptSecondPassFinish ends the message and returns its tag.
func (c *Cipher) EncryptSecondPassFinish() [TagSize]byte {
	c.expect(phaseEncryptSecondPass, "EncryptSecondPassFinish")
	if c.secondLen != c.firstLen {
		panic("aessiv: second pass length does not match first pass")
	}
	c.phase = phaseDone
	return c.tag
}

// DecryptInit starts decrypting a message with the received tag.
func (c *Cipher) DecryptInit(tag [TagSize]byte) {
	c.expect(phaseIdle, "DecryptInit")
	c.tag = tag
	c.initCTR()
	c.k1.Decrypt(c.tag[:], c.tag[:])
	c.initGMAC(c.tag[:IVSize])
	c.phase = phaseDecrypt
}

// DecryptSetAAD sets additional authenticated data. It may only be called
// once, after DecryptInit and before any ciphertext.
func (c *Cipher) DecryptSetAAD(aad []byte) {
	c.expect(phaseDecrypt, "DecryptSetAAD")
	c.setAAD(aad)
	c.aadAllowed = false
}

// Decrypt decrypts src into dst. dst and src may overlap entirely.
// The plaintext must not be trusted until DecryptFinish returns true.
func (c *Cipher) Decrypt(dst, src []byte) {
	c.expect(phaseDecrypt, "Decrypt")
	c.aadAllowed = false
	c.ctr.XORKeyStream(dst, src)
	c.gmac.write(dst[:len(src)])
}

// DecryptInPlace decrypts b in place.
func (c *Cipher) DecryptInPlace(b []byte) {
	c.Decrypt(b, b)
}

// DecryptFinish ends the message and reports whether the plaintext is authentic.
func (c *Cipher) DecryptFinish() bool {
	c.expect(phaseDecrypt, "DecryptFinish")
	c.phase = phaseDone
	mac := c.finishGMAC()
	return subtle.ConstantTimeCompare(mac[:], c.tag[IVSize:]) == 1
}

// IV returns the IV recovered by the last DecryptInit.
// It is only meaningful after DecryptFinish returned true.
func (c *Cipher) IV() (iv [IVSize]byte) {
	copy(iv[:], c.tag[:IVSize])
	return iv
}

// EncryptMessage resets the cipher and encrypts b in place with iv and aad,
// returning the tag.
func (c *Cipher) EncryptMessage(iv [IVSize]byte, aad, b []byte) [TagSize]byte {
	c.Reset()
	c.EncryptInit(iv)
	if aad != nil {
		c.EncryptSetAAD(aad)
	}
	c.EncryptFirstPass(b)
	c.EncryptFirstPassFinish()
	c.EncryptSecondPassInPlace(b)
	return c.EncryptSecondPassFinish()
}

// DecryptMessage resets the cipher and decrypts b in place with tag and aad.
// If it returns false, b holds garbage and must be discarded.
func (c *Cipher) DecryptMessage(tag [TagSize]byte, aad, b []byte) bool {
	c.Reset()
	c.DecryptInit(tag)
	if aad != nil {
		c.DecryptSetAAD(aad)
	}
	c.DecryptInPlace(b)
	return c.DecryptFinish()
}
