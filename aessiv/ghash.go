package aessiv

import "encoding/binary"

// fieldElement is an element of GF(2¹²⁸) in GCM bit order.
// low holds the first 8 bytes of the block, high the last 8.
type fieldElement struct {
	low, high uint64
}

// ghashKey is the precomputed 4-bit product table for a hash key H.
type ghashKey struct {
	productTable [16]fieldElement
}

func newGHASHKey(h *[BlockSize]byte) (k ghashKey) {
	x := fieldElement{
		binary.BigEndian.Uint64(h[:8]),
		binary.BigEndian.Uint64(h[8:]),
	}
	k.productTable[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		k.productTable[reverseBits(i)] = ghashDouble(&k.productTable[reverseBits(i/2)])
		k.productTable[reverseBits(i+1)] = ghashAdd(&k.productTable[reverseBits(i)], &x)
	}
	return k
}

// reverseBits reverses the order of the low four bits of i.
func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func ghashAdd(x, y *fieldElement) fieldElement {
	return fieldElement{x.low ^ y.low, x.high ^ y.high}
}

// ghashDouble returns x·2 in GCM bit order.
func ghashDouble(x *fieldElement) (double fieldElement) {
	msbSet := x.high&1 == 1
	double.high = x.high >> 1
	double.high |= x.low << 63
	double.low = x.low >> 1
	if msbSet {
		double.low ^= 0xe100000000000000
	}
	return
}

var ghashReductionTable = [16]uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

// mul sets y to y·H.
func (k *ghashKey) mul(y *fieldElement) {
	var z fieldElement

	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}

		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(ghashReductionTable[msw]) << 48

			t := &k.productTable[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}

	*y = z
}

// ghash is a streaming GHASH accumulator.
//
// Input is hashed as one contiguous string. Partial blocks are buffered
// until the next write or until pad is called.
type ghash struct {
	key    *ghashKey
	y      fieldElement
	n      uint64
	buf    [BlockSize]byte
	bufLen int
}

func (g *ghash) reset(key *ghashKey) {
	*g = ghash{key: key}
}

func (g *ghash) block(b []byte) {
	g.y.low ^= binary.BigEndian.Uint64(b)
	g.y.high ^= binary.BigEndian.Uint64(b[8:])
	g.key.mul(&g.y)
}

func (g *ghash) write(p []byte) {
	g.n += uint64(len(p))

	if g.bufLen > 0 {
		n := copy(g.buf[g.bufLen:], p)
		g.bufLen += n
		p = p[n:]
		if g.bufLen < BlockSize {
			return
		}
		g.block(g.buf[:])
		g.bufLen = 0
	}

	for len(p) >= BlockSize {
		g.block(p[:BlockSize])
		p = p[BlockSize:]
	}

	if len(p) > 0 {
		g.bufLen = copy(g.buf[:], p)
	}
}

// pad zero-pads the buffered partial block and absorbs it.
// The padding counts toward the hashed length.
func (g *ghash) pad() {
	if g.bufLen == 0 {
		return
	}
	clear(g.buf[g.bufLen:])
	g.block(g.buf[:])
	g.n += uint64(BlockSize - g.bufLen)
	g.bufLen = 0
}

// sum finishes the hash with the GCM length block, treating everything
// written as additional data and the ciphertext as empty.
func (g *ghash) sum(out *[BlockSize]byte) {
	n := g.n
	if g.bufLen > 0 {
		clear(g.buf[g.bufLen:])
		g.block(g.buf[:])
		g.bufLen = 0
	}
	g.y.low ^= n * 8
	g.key.mul(&g.y)
	binary.BigEndian.PutUint64(out[:8], g.y.low)
	binary.BigEndian.PutUint64(out[8:], g.y.high)
}
