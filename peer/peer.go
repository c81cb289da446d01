// Package peer holds peer records and the table that resolves addresses to them.
package peer

import (
	"sync"
	"sync/atomic"

	"github.com/database64128/vl1-go/aessiv"
	"github.com/database64128/vl1-go/identity"
	"github.com/database64128/vl1-go/internal/replay"
)

// Peer is a remote node with an established session key.
//
// A Peer is shared by pointer between the [Table] and whoever holds a session
// with it. The identity and key are immutable. Session state is safe for
// concurrent use.
type Peer struct {
	id          *identity.Identity
	key         [aessiv.KeySize]byte
	ciphers     sync.Pool
	lastReceive atomic.Int64
	lastSend    atomic.Int64

	replayMu sync.Mutex
	replay   replay.Window
}

// New returns a peer with the given identity and session key.
func New(id *identity.Identity, key [aessiv.KeySize]byte) (*Peer, error) {
	p := Peer{
		id:  id,
		key: key,
	}

	// Fail early on a bad key, and seed the pool with the first context.
	c, err := aessiv.New(key[:])
	if err != nil {
		return nil, err
	}
	p.ciphers.Put(c)

	return &p, nil
}

// Identity returns the peer's identity.
func (p *Peer) Identity() *identity.Identity {
	return p.id
}

// Address returns the peer's legacy address.
func (p *Peer) Address() identity.Address {
	return p.id.Address()
}

// Fingerprint returns the peer's full identity.
func (p *Peer) Fingerprint() identity.Fingerprint {
	return p.id.Fingerprint()
}

// Cipher returns a cipher context keyed with the session key for exclusive use
// by the caller. Return it with [Peer.PutCipher] when the message is done.
func (p *Peer) Cipher() *aessiv.Cipher {
	if c, ok := p.ciphers.Get().(*aessiv.Cipher); ok {
		return c
	}
	c, err := aessiv.New(p.key[:])
	if err != nil {
		// The key size was checked by New.
		panic(err)
	}
	return c
}

// PutCipher returns a context obtained from [Peer.Cipher].
func (p *Peer) PutCipher(c *aessiv.Cipher) {
	p.ciphers.Put(c)
}

// AcceptIV records the IV of an authenticated packet and reports whether it
// was seen before or is too old.
func (p *Peer) AcceptIV(iv uint64) error {
	p.replayMu.Lock()
	defer p.replayMu.Unlock()
	return p.replay.Accept(iv)
}

// LastReceive returns the ticks of the last authenticated packet from the peer.
func (p *Peer) LastReceive() int64 {
	return p.lastReceive.Load()
}

// SetLastReceive records the ticks of an authenticated packet from the peer.
func (p *Peer) SetLastReceive(ts int64) {
	p.lastReceive.Store(ts)
}

// LastSend returns the ticks of the last packet sent to the peer.
func (p *Peer) LastSend() int64 {
	return p.lastSend.Load()
}

// SetLastSend records the ticks of a packet sent to the peer.
func (p *Peer) SetLastSend(ts int64) {
	p.lastSend.Store(ts)
}

// String returns the peer's fingerprint.
func (p *Peer) String() string {
	return p.id.String()
}
