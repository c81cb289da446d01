// Package node drives the VL1 transport core for one local identity.
//
// Inbound datagrams are reassembled, matched to a peer, decrypted and checked
// for replays. Outbound messages are encrypted for a peer and fragmented to
// fit the MTU. The node performs no I/O of its own: the caller feeds received
// datagrams to [Node.Receive] and supplies the send function for [Node.Send].
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/vl1-go/aessiv"
	"github.com/database64128/vl1-go/fragment"
	"github.com/database64128/vl1-go/identity"
	"github.com/database64128/vl1-go/packet"
	"github.com/database64128/vl1-go/peer"
	"github.com/database64128/vl1-go/tslog"
)

var (
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrPacketTooLarge = errors.New("message too large for the MTU")
	ErrSelf           = errors.New("cannot add self as a peer")
	ErrAlreadyStarted = errors.New("node already started")
)

// ticks returns the current time in milliseconds.
func ticks() int64 {
	return time.Now().UnixMilli()
}

// Message is an authenticated message received from a peer.
type Message struct {
	From    *peer.Peer
	Verb    byte
	Payload []byte
}

// Node is the transport core of one local identity.
type Node struct {
	self              *identity.Secret
	peers             *peer.Table
	logger            *tslog.Logger
	mtu               int
	fragmentTimeout   int64
	reapInterval      time.Duration
	maxPendingPackets int
	clock             func() int64
	nextIV            atomic.Uint64

	mu     sync.Mutex
	defrag map[uint64]*fragment.Set

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SlogAttr returns a [slog.Attr] identifying the node.
func (n *Node) SlogAttr() slog.Attr {
	return tslog.Address("node", n.self.Address())
}

// Identity returns the local identity.
func (n *Node) Identity() *identity.Identity {
	return n.self.Public()
}

// Peers returns the peer table.
func (n *Node) Peers() *peer.Table {
	return n.peers
}

// AddPeer derives a session key with id and inserts the peer into the table.
// If an equivalent peer already exists, it is returned with false.
func (n *Node) AddPeer(id *identity.Identity) (*peer.Peer, bool, error) {
	if id.Address() == n.self.Address() {
		return nil, false, ErrSelf
	}

	key, err := n.self.Agree(id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to agree on a session key with %s: %w", id.Address(), err)
	}

	p, err := peer.New(id, key)
	if err != nil {
		return nil, false, err
	}

	p, inserted := n.peers.InsertIfUnique(p)
	if inserted {
		n.logger.Info("Added peer",
			n.SlogAttr(),
			tslog.Fingerprint("peer", id.Fingerprint()),
			slog.Bool("legacyOnly", id.IsLegacyOnly()),
		)
	}
	return p, inserted, nil
}

// RemovePeer removes the peer with the given full identity.
func (n *Node) RemovePeer(fp identity.Fingerprint) bool {
	removed := n.peers.Remove(fp)
	if removed {
		n.logger.Info("Removed peer", n.SlogAttr(), tslog.Fingerprint("peer", fp))
	}
	return removed
}

// Send encrypts a message for the peer with the given full identity and
// calls send for each resulting datagram. The slice passed to send is only
// valid during the call.
func (n *Node) Send(to identity.Fingerprint, verb byte, payload []byte, send func(b []byte) error) error {
	p := n.peers.Get(to)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	if packet.MinPacketSize+len(payload) > packet.MaxPacketSize(n.mtu) {
		return fmt.Errorf("%w: payload length %d, MTU %d", ErrPacketTooLarge, len(payload), n.mtu)
	}

	pkt := packet.AppendPacket(nil, to.Address, n.self.Address(), verb, payload)
	packet.SetFragmented(pkt, len(pkt) > n.mtu)

	var iv [aessiv.IVSize]byte
	binary.BigEndian.PutUint64(iv[:], n.nextIV.Add(1))

	c := p.Cipher()
	packet.Armor(c, pkt, iv)
	p.PutCipher(c)

	p.SetLastSend(n.clock())
	return packet.Fragment(pkt, n.mtu, send)
}

// Receive processes one received datagram. It returns the message and true
// once a complete packet authenticates.
//
// Unfragmented packets are decrypted in place: b is modified and the returned
// payload aliases it. Fragments are copied, so b may be reused after Receive returns.
func (n *Node) Receive(b []byte) (Message, bool) {
	if packet.IsFragment(b) {
		fh, err := packet.ParseFragmentHeader(b)
		if err != nil {
			n.logDrop("Dropped malformed fragment", tslog.Err(err))
			return Message{}, false
		}
		if fh.Index == 0 {
			n.logDrop("Dropped fragment claiming to be the head", tslog.PacketID("id", fh.ID))
			return Message{}, false
		}
		if fh.Dest != n.self.Address() {
			n.logDrop("Dropped fragment for another node", tslog.Address("dest", fh.Dest))
			return Message{}, false
		}
		pkt, ok := n.defragment(fh.ID, slices.Clone(b[packet.FragmentHeaderSize:]), fh.Index, fh.Total)
		if !ok {
			return Message{}, false
		}
		return n.open(pkt)
	}

	h, err := packet.ParseHeader(b)
	if err != nil {
		n.logDrop("Dropped malformed packet", tslog.Err(err))
		return Message{}, false
	}
	if h.Dest != n.self.Address() {
		n.logDrop("Dropped packet for another node", tslog.Address("dest", h.Dest))
		return Message{}, false
	}
	if h.Fragmented() {
		pkt, ok := n.defragment(h.ID, slices.Clone(b), 0, 0)
		if !ok {
			return Message{}, false
		}
		return n.open(pkt)
	}
	return n.open(b)
}

// defragment adds a fragment to the incomplete packet with the given ID and
// returns the assembled packet once all fragments are present.
func (n *Node) defragment(id uint64, frag []byte, index, total int) ([]byte, bool) {
	n.mu.Lock()
	s := n.defrag[id]
	if s == nil {
		if len(n.defrag) >= n.maxPendingPackets {
			n.mu.Unlock()
			n.logDrop("Dropped fragment: too many incomplete packets", tslog.PacketID("id", id))
			return nil, false
		}
		s = fragment.NewSet(n.clock())
		n.defrag[id] = s
	}
	frags, ok := s.Add(frag, index, total)
	if ok {
		delete(n.defrag, id)
	}
	n.mu.Unlock()

	if !ok {
		return nil, false
	}
	return fragment.Assemble(nil, frags), true
}

// open authenticates and decrypts a complete packet in place.
func (n *Node) open(pkt []byte) (Message, bool) {
	h, err := packet.ParseHeader(pkt)
	if err != nil {
		n.logDrop("Dropped malformed packet", tslog.Err(err))
		return Message{}, false
	}

	p := n.peers.GetLegacy(h.Source)
	if p == nil {
		n.logDrop("Dropped packet from unknown peer", tslog.Address("source", h.Source))
		return Message{}, false
	}

	c := p.Cipher()
	ok := packet.Dearmor(c, pkt)
	iv := c.IV()
	p.PutCipher(c)
	if !ok {
		n.logDrop("Dropped packet that failed authentication", tslog.Address("source", h.Source), tslog.PacketID("id", h.ID))
		return Message{}, false
	}

	if err := p.AcceptIV(binary.BigEndian.Uint64(iv[:])); err != nil {
		n.logDrop("Dropped replayed packet", tslog.Address("source", h.Source), tslog.Err(err))
		return Message{}, false
	}

	p.SetLastReceive(n.clock())
	return Message{
		From:    p,
		Verb:    packet.Verb(pkt),
		Payload: packet.Payload(pkt),
	}, true
}

func (n *Node) logDrop(msg string, attrs ...slog.Attr) {
	if n.logger.Enabled(slog.LevelDebug) {
		n.logger.Debug(msg, append(attrs, n.SlogAttr())...)
	}
}

// Pending returns the number of incomplete packets.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.defrag)
}

// Reap removes incomplete packets older than the fragment timeout at now,
// and returns how many were removed.
func (n *Node) Reap(now int64) (reaped int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, s := range n.defrag {
		if s.Expired(now, n.fragmentTimeout) {
			delete(n.defrag, id)
			reaped++
		}
	}
	return reaped
}

// Start starts the reaper of incomplete packets.
// Start and Stop must not be called concurrently.
func (n *Node) Start(ctx context.Context) error {
	if n.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(n.reapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if reaped := n.Reap(n.clock()); reaped > 0 {
					n.logger.Debug("Reaped incomplete packets", n.SlogAttr(), tslog.Int("count", reaped))
				}
			}
		}
	}()

	n.logger.Info("Started node", n.SlogAttr(), tslog.Int("mtu", n.mtu))
	return nil
}

// Stop stops the reaper and waits for it to exit.
func (n *Node) Stop() error {
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	n.cancel = nil
	n.wg.Wait()
	n.logger.Info("Stopped node", n.SlogAttr())
	return nil
}
