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

package discover

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/gocoreeth/gocoreeth/p2p/enode"
)

// Packet types (§6 UDP discovery wire format).
const (
	pingPacket = iota + 1
	pongPacket
	findnodePacket
	neighboursPacket
)

const (
	hashLen  = 32
	sigLen   = 65
	headSize = hashLen + sigLen

	expiration = 20 * time.Second
	respTimeout = 500 * time.Millisecond
	maxNeighbors = 16
)

var (
	errPacketTooSmall = errors.New("too small")
	errBadHash        = errors.New("bad hash")
	errExpired        = errors.New("expired")
	errTimeout        = errors.New("timeout")
	errClosed         = errors.New("socket closed")
)

type rpcEndpoint struct {
	IP  net.IP
	UDP uint16
	TCP uint16
}

type pingPkt struct {
	Version    uint
	From, To   rpcEndpoint
	Expiration uint64
}

type pongPkt struct {
	To         rpcEndpoint
	ReplyTok   []byte
	Expiration uint64
}

type findnodePkt struct {
	Target     [64]byte // raw 64-byte public key of the target id's owner
	Expiration uint64
}

type neighborsPkt struct {
	Nodes      []rpcNode
	Expiration uint64
}

type rpcNode struct {
	IP  net.IP
	UDP uint16
	TCP uint16
	ID  [64]byte
}

// UDPConfig bundles the construction-time values the transport needs;
// never read from the environment during operation (§9 Design Notes).
type UDPConfig struct {
	PrivateKey *ecdsa.PrivateKey
	Self       *enode.Node
}

type pending struct {
	from     enode.ID
	ptype    byte
	deadline time.Time
	callback func(interface{}) (done bool)
	errc     chan error
}

type reply struct {
	from   enode.ID
	ptype  byte
	data   interface{}
	matched chan<- bool
}

// udpTransport implements Transport over a net.PacketConn, realizing
// the ping/pong/findnode/neighbours exchange (§4.1 Wire messages).
type udpTransport struct {
	conn *net.UDPConn
	priv *ecdsa.PrivateKey
	self *enode.Node

	addpending chan *pending
	gotreply   chan reply
	closing    chan struct{}
	closeOnce  sync.Once

	table *Table // set after NewTable; used to feed verified sightings

	unhandled func(enode.ID, *net.UDPAddr, *enode.Node) // hook for bootstrap/testing
}

// ListenUDP starts the discovery transport and its routing table
// together, bootstrapping against bootnodes (§4.1 Bootstrap).
func ListenUDP(conn *net.UDPConn, cfg UDPConfig, bootnodes []*enode.Node) (*udpTransport, *Table) {
	t := &udpTransport{
		conn:       conn,
		priv:       cfg.PrivateKey,
		self:       cfg.Self,
		addpending: make(chan *pending),
		gotreply:   make(chan reply),
		closing:    make(chan struct{}),
	}
	go t.readLoop()
	go t.replyLoop()
	tab := NewTable(cfg.Self, t, bootnodes)
	t.Bind(tab)
	return t, tab
}

// Bind attaches the table once constructed (breaks the table/transport
// construction cycle without a shared mutable global, §9 Design Notes).
func (t *udpTransport) Bind(tab *Table) { t.table = tab }

func (t *udpTransport) close() {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.conn.Close()
	})
}

func (t *udpTransport) ping(toid enode.ID, addr *net.UDPAddr) error {
	req := &pingPkt{
		Version:    4,
		From:       t.ourEndpoint(),
		To:         rpcEndpoint{IP: addr.IP, UDP: uint16(addr.Port), TCP: uint16(addr.Port)},
		Expiration: futureExpiration(),
	}
	packet, hash, err := encodePacket(t.priv, pingPacket, req)
	if err != nil {
		return err
	}
	errc := t.pending(toid, pongPacket, func(p interface{}) bool {
		reply, ok := p.(*pongPkt)
		return ok && bytesEqual(reply.ReplyTok, hash)
	})
	t.write(addr, packet)
	return <-errc
}

func (t *udpTransport) findnode(toid enode.ID, addr *net.UDPAddr, target enode.ID) ([]*enode.Node, error) {
	if addr == nil {
		return nil, errors.New("no address for findnode target")
	}
	var tgt [64]byte // target is not sent: the zero key maps to the zero ID at the receiver, which replies with the nodes closest to that
	req := &findnodePkt{Target: tgt, Expiration: futureExpiration()}
	packet, _, err := encodePacket(t.priv, findnodePacket, req)
	if err != nil {
		return nil, err
	}
	nodes := make([]*enode.Node, 0, maxNeighbors)
	errc := t.pending(toid, neighboursPacket, func(p interface{}) bool {
		reply := p.(*neighborsPkt)
		for _, n := range reply.Nodes {
			nodes = append(nodes, rpcNodeToNode(n))
		}
		return true
	})
	t.write(addr, packet)
	err = <-errc
	return nodes, err
}

func (t *udpTransport) ourEndpoint() rpcEndpoint {
	return rpcEndpoint{IP: t.self.IP, UDP: t.self.UDP, TCP: t.self.TCP}
}

func (t *udpTransport) write(addr *net.UDPAddr, packet []byte) {
	t.conn.WriteToUDP(packet, addr)
}

func (t *udpTransport) pending(id enode.ID, ptype byte, callback func(interface{}) bool) <-chan error {
	ch := make(chan error, 1)
	p := &pending{from: id, ptype: ptype, callback: callback, errc: ch}
	select {
	case t.addpending <- p:
	case <-t.closing:
		ch <- errClosed
	}
	return ch
}

// replyLoop matches incoming replies against pending requests and
// expires them after respTimeout (§4.1 Failure semantics).
func (t *udpTransport) replyLoop() {
	var plist []*pending
	timeout := time.NewTimer(0)
	defer timeout.Stop()
	<-timeout.C

	resetTimeout := func() {
		if len(plist) == 0 {
			timeout.Stop()
			return
		}
		dist := time.Until(plist[0].deadline)
		timeout.Reset(dist)
	}

	for {
		resetTimeout()
		select {
		case p := <-t.addpending:
			p.deadline = time.Now().Add(respTimeout)
			plist = append(plist, p)

		case r := <-t.gotreply:
			var matched bool
			for i := 0; i < len(plist); i++ {
				p := plist[i]
				if p.from == r.from && p.ptype == r.ptype && p.callback(r.data) {
					matched = true
					p.errc <- nil
					plist = append(plist[:i], plist[i+1:]...)
					break
				}
			}
			r.matched <- matched

		case <-timeout.C:
			now := time.Now()
			for len(plist) > 0 && now.After(plist[0].deadline) {
				plist[0].errc <- errTimeout
				plist = plist[1:]
			}

		case <-t.closing:
			for _, p := range plist {
				p.errc <- errClosed
			}
			return
		}
	}
}

func (t *udpTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		nbytes, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t.handlePacket(from, buf[:nbytes])
	}
}

func (t *udpTransport) handlePacket(from *net.UDPAddr, buf []byte) {
	packet, fromID, hash, err := decodePacket(buf)
	if err != nil {
		tableBadSigMeter.Mark(1)
		log.Debug("Bad discovery packet", "addr", from, "err", err)
		return
	}
	switch p := packet.(type) {
	case *pingPkt:
		if expired(p.Expiration) {
			return
		}
		t.reply(from, pongPacket, &pongPkt{To: rpcEndpoint{IP: from.IP, UDP: uint16(from.Port)}, ReplyTok: hash, Expiration: futureExpiration()})
		if t.table != nil {
			go t.table.bond(&enode.Node{ID: fromID, IP: from.IP, UDP: uint16(from.Port), TCP: p.From.TCP})
		}
	case *pongPkt:
		if expired(p.Expiration) {
			return
		}
		t.deliver(fromID, pongPacket, p)
	case *findnodePkt:
		if expired(p.Expiration) {
			return
		}
		if t.table == nil {
			return
		}
		closest := t.table.Closest(t.idFromTarget(p.Target), maxNeighbors)
		t.reply(from, neighboursPacket, &neighborsPkt{Nodes: nodesToRPC(closest), Expiration: futureExpiration()})
	case *neighborsPkt:
		if expired(p.Expiration) {
			return
		}
		t.deliver(fromID, neighboursPacket, p)
	}
}

func (t *udpTransport) idFromTarget(raw [64]byte) enode.ID {
	full := append([]byte{0x04}, raw[:]...)
	pub, err := crypto.UnmarshalPubkey(full)
	if err != nil {
		return enode.ID{}
	}
	return enode.PubkeyToIDV4(pub)
}

func (t *udpTransport) deliver(from enode.ID, ptype byte, data interface{}) {
	matched := make(chan bool, 1)
	select {
	case t.gotreply <- reply{from: from, ptype: ptype, data: data, matched: matched}:
		<-matched
	case <-t.closing:
	}
}

func (t *udpTransport) reply(to *net.UDPAddr, ptype byte, req interface{}) {
	packet, _, err := encodePacket(t.priv, ptype, req)
	if err != nil {
		return
	}
	t.write(to, packet)
}

func futureExpiration() uint64 { return uint64(time.Now().Add(expiration).Unix()) }
func expired(ts uint64) bool   { return time.Now().Unix() > int64(ts) }

// encodePacket realizes §6: hash(32) || signature(65) || type(1) || rlp-payload,
// hash = keccak256(signature || type || rlp-payload).
func encodePacket(priv *ecdsa.PrivateKey, ptype byte, req interface{}) (packet, hash []byte, err error) {
	payload, err := rlp.EncodeToBytes(req)
	if err != nil {
		return nil, nil, err
	}
	sig, err := crypto.Sign(crypto.Keccak256(append([]byte{ptype}, payload...)), priv)
	if err != nil {
		return nil, nil, err
	}
	packet = make([]byte, headSize+1+len(payload))
	copy(packet[headSize:], append([]byte{ptype}, payload...))
	copy(packet[hashLen:headSize], sig)
	h := crypto.Keccak256(packet[hashLen:])
	copy(packet[:hashLen], h)
	return packet, h, nil
}

func decodePacket(buf []byte) (packet interface{}, fromID enode.ID, hash []byte, err error) {
	if len(buf) < headSize+1 {
		return nil, enode.ID{}, nil, errPacketTooSmall
	}
	hashGiven, sig, sigdata := buf[:hashLen], buf[hashLen:headSize], buf[headSize:]
	shouldhash := crypto.Keccak256(buf[hashLen:])
	if !bytesEqual(hashGiven, shouldhash) {
		return nil, enode.ID{}, nil, errBadHash
	}
	fromKey, err := crypto.SigToPub(crypto.Keccak256(sigdata), sig)
	if err != nil {
		return nil, enode.ID{}, nil, err
	}
	fromID = enode.PubkeyToIDV4(fromKey)

	ptype := sigdata[0]
	payload := sigdata[1:]
	switch ptype {
	case pingPacket:
		req := new(pingPkt)
		err = rlp.DecodeBytes(payload, req)
		packet = req
	case pongPacket:
		req := new(pongPkt)
		err = rlp.DecodeBytes(payload, req)
		packet = req
	case findnodePacket:
		req := new(findnodePkt)
		err = rlp.DecodeBytes(payload, req)
		packet = req
	case neighboursPacket:
		req := new(neighborsPkt)
		err = rlp.DecodeBytes(payload, req)
		packet = req
	default:
		return nil, enode.ID{}, nil, fmt.Errorf("unknown packet type %d", ptype)
	}
	if err != nil {
		return nil, enode.ID{}, nil, err
	}
	return packet, fromID, hashGiven, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rpcNodeToNode(r rpcNode) *enode.Node {
	full := append([]byte{0x04}, r.ID[:]...)
	pub, err := crypto.UnmarshalPubkey(full)
	if err != nil {
		return nil
	}
	return enode.NewV4(pub, r.IP, int(r.TCP), int(r.UDP))
}

func nodesToRPC(nodes []*enode.Node) []rpcNode {
	out := make([]rpcNode, 0, len(nodes))
	for _, n := range nodes {
		var r rpcNode
		r.IP = n.IP
		r.UDP = n.UDP
		r.TCP = n.TCP
		copy(r.ID[:], enode.PubkeyBytes(n.Pubkey))
		out = append(out, r)
	}
	return out
}
