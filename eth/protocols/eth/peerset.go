// Copyright 2024 The gocoreeth Authors
// This file is part of the gocoreeth library.
//
// The gocoreeth library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gocoreeth library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gocoreeth library. If not, see <http://www.gnu.org/licenses/>.

package eth

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
)

var (
	errPeerAlreadyRegistered = errors.New("peer already registered")
	errPeerNotRegistered     = errors.New("peer not registered")
)

const banMaxAge = 60 * time.Second // §4.1/§4.6 ban policy

// PeerEvent is published on PeerFeed for peer-connected /
// peer-disconnected / peer-error (§6 Event bus).
type PeerEvent struct {
	Type string // "connected", "disconnected", "error"
	Peer *Peer
	Err  error
}

// peerSet owns the live eth Peers, realizing §3's invariant that a
// Peer is in the map iff its STATUS succeeded and it has not been
// removed/banned, and the §4.6 ban policy.
type peerSet struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	banned map[string]time.Time

	PeerFeed event.Feed
}

func newPeerSet() *peerSet {
	return &peerSet{
		peers:  make(map[string]*Peer),
		banned: make(map[string]time.Time),
	}
}

func (ps *peerSet) register(p *Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if until, ok := ps.banned[p.ID()]; ok {
		if time.Now().Before(until) {
			return errors.New("peer is banned")
		}
		delete(ps.banned, p.ID())
	}
	if _, ok := ps.peers[p.ID()]; ok {
		return errPeerAlreadyRegistered
	}
	ps.peers[p.ID()] = p
	ps.PeerFeed.Send(PeerEvent{Type: "connected", Peer: p})
	return nil
}

func (ps *peerSet) unregister(id string, err error) error {
	ps.mu.Lock()
	p, ok := ps.peers[id]
	if !ok {
		ps.mu.Unlock()
		return errPeerNotRegistered
	}
	delete(ps.peers, id)
	ps.mu.Unlock()
	ps.PeerFeed.Send(PeerEvent{Type: "disconnected", Peer: p, Err: err})
	return nil
}

// ban removes the peer and forbids reconnection for banMaxAge (§4.6
// Ban policy).
func (ps *peerSet) ban(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, id)
	ps.banned[id] = time.Now().Add(banMaxAge)
}

func (ps *peerSet) peer(id string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

func (ps *peerSet) len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// snapshot returns every currently registered peer (§5 Shared-resource
// policy: external readers get a snapshot).
func (ps *peerSet) snapshot() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// idlePeer returns a uniformly random peer matching filter among the
// peers that are currently idle (§4.6 idlePeer).
func (ps *peerSet) idlePeer(filter func(*Peer) bool) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var candidates []*Peer
	for _, p := range ps.peers {
		if p.Idle() && (filter == nil || filter(p)) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// bestPeer returns the idle peer with the highest claimed total
// difficulty (§4.9 Synchronizer step 1).
func (ps *peerSet) bestPeer() *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var best *Peer
	for _, p := range ps.peers {
		if !p.Idle() {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		_, btd := best.Head()
		_, ptd := p.Head()
		if ptd.Cmp(btd) > 0 {
			best = p
		}
	}
	return best
}
