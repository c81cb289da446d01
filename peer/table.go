package peer

import (
	"slices"
	"sync"

	"github.com/database64128/vl1-go/identity"
)

// peerList holds the peers sharing one legacy address, most recently inserted first.
//
// Collisions are rare, so a single peer is stored inline and only spills to a
// slice when a second peer arrives.
type peerList struct {
	single   *Peer
	multiple []*Peer
}

func (l *peerList) len() int {
	if l.single != nil {
		return 1
	}
	return len(l.multiple)
}

func (l *peerList) at(i int) *Peer {
	if l.single != nil {
		return l.single
	}
	return l.multiple[i]
}

func (l *peerList) prepend(p *Peer) {
	switch {
	case l.single != nil:
		l.multiple = []*Peer{p, l.single}
		l.single = nil
	case len(l.multiple) > 0:
		l.multiple = append(l.multiple, nil)
		copy(l.multiple[1:], l.multiple)
		l.multiple[0] = p
	default:
		l.single = p
	}
}

func (l *peerList) removeAt(i int) {
	if l.single != nil {
		l.single = nil
		return
	}
	l.multiple = slices.Delete(l.multiple, i, i+1)
	if len(l.multiple) == 1 {
		l.single = l.multiple[0]
		l.multiple = nil
	}
}

// Table resolves legacy addresses and full identities to peers.
//
// One reader-writer lock guards the whole table. Lookups and [Table.Each]
// take the read lock. Inserts and removals take the write lock.
type Table struct {
	mu    sync.RWMutex
	peers map[identity.Address]*peerList
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		peers: make(map[identity.Address]*peerList),
	}
}

// Get returns the peer with the exact full identity, or nil.
func (t *Table) Get(fp identity.Fingerprint) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l := t.peers[fp.Address]
	if l == nil {
		return nil
	}
	for i := range l.len() {
		if p := l.at(i); p.Fingerprint() == fp {
			return p
		}
	}
	return nil
}

// GetLegacy returns a peer with the given legacy address, or nil.
//
// Legacy-only peers can only be addressed this way, so they win over modern
// peers sharing the address. Otherwise the most recently inserted peer is returned.
func (t *Table) GetLegacy(a identity.Address) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	l := t.peers[a]
	if l == nil {
		return nil
	}
	for i := range l.len() {
		if p := l.at(i); p.Identity().IsLegacyOnly() {
			return p
		}
	}
	return l.at(0)
}

// InsertIfUnique inserts p unless an equivalent peer already exists.
//
// Two peers are equivalent if their full identities match, or if both are
// legacy-only and share the legacy address. On a duplicate, the existing peer
// and false are returned. Otherwise p and true are returned.
func (t *Table) InsertIfUnique(p *Peer) (*Peer, bool) {
	id := p.Identity()
	fp := id.Fingerprint()

	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.peers[fp.Address]
	if l == nil {
		t.peers[fp.Address] = &peerList{single: p}
		return p, true
	}

	for i := range l.len() {
		existing := l.at(i)
		eid := existing.Identity()
		if eid.Fingerprint() == fp || (eid.IsLegacyOnly() && id.IsLegacyOnly()) {
			return existing, false
		}
	}

	l.prepend(p)
	return p, true
}

// Remove removes the peer with the given full identity and reports whether
// it was present. The address entry is dropped once its last peer is removed.
func (t *Table) Remove(fp identity.Fingerprint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.peers[fp.Address]
	if l == nil {
		return false
	}
	for i := range l.len() {
		if l.at(i).Fingerprint() == fp {
			l.removeAt(i)
			if l.len() == 0 {
				delete(t.peers, fp.Address)
			}
			return true
		}
	}
	return false
}

// Each calls f for every peer under the read lock.
// f must not call methods that modify the table.
func (t *Table) Each(f func(p *Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, l := range t.peers {
		for i := range l.len() {
			f(l.at(i))
		}
	}
}

// Len returns the number of peers.
func (t *Table) Len() (n int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, l := range t.peers {
		n += l.len()
	}
	return n
}

// AddressCount returns the number of distinct legacy addresses in the table.
func (t *Table) AddressCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
